package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
)

var (
	// ErrSubmissionFailed: the control plane or transport rejected the initial submission.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrDeploymentFailed: the deployment reached a terminal failure.
	ErrDeploymentFailed = errors.New("deployment failed")
	// ErrDeploymentTimeout: the local wait ceiling passed without a terminal status.
	// The build may still finish; AwaitCompletion can be called again.
	ErrDeploymentTimeout = errors.New("deployment timed out")
	// ErrStatusUnavailable: a build status or instance lookup failed. Polling can be resumed.
	ErrStatusUnavailable = errors.New("deployment status unavailable")
	ErrTeardownFailed    = errors.New("teardown failed")
	// ErrDataCleanupWarning marks a non-fatal document cleanup failure.
	ErrDataCleanupWarning = errors.New("data cleanup incomplete")
	ErrInvalidState       = errors.New("invalid lifecycle state")
)

// Error carries the failure kind together with the deployment and phase it
// happened in. errors.Is matches both the kind and the upstream cause.
type Error struct {
	Kind       error
	Phase      string
	Deployment models.Identity
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Kind, e.Deployment, e.Phase)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
