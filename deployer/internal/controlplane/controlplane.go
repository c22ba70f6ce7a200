package controlplane

import (
	"context"
	"fmt"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
)

// Client is the control-plane surface the lifecycle controller depends on.
type Client interface {
	// SubmitDev deploys synchronously to a non-prod zone.
	SubmitDev(ctx context.Context, req models.DeploymentRequest) (models.RunningInstance, error)
	// SubmitProd submits a prod build and returns without waiting for it.
	SubmitProd(ctx context.Context, req models.DeploymentRequest) (models.BuildHandle, error)
	QueryStatus(ctx context.Context, handle models.BuildHandle) (models.DeploymentStatus, error)
	FetchRunningInstance(ctx context.Context, id models.Identity, env models.Environment, region string) (models.RunningInstance, error)
}

// APIError is returned when the control plane answers with a non-2xx status.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("control plane %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("control plane %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// StatusFromBuild maps a build-status string to a DeploymentStatus. Unknown
// values count as still in progress.
func StatusFromBuild(status string) models.DeploymentStatus {
	switch status {
	case "done", "success":
		return models.StatusDone
	case "failed", "error", "aborted", "cancelled", "deploymentFailed", "installationFailed", "invalidApplication", "outOfCapacity":
		return models.StatusFailed
	case "submitted", "queued", "":
		return models.StatusSubmitted
	default:
		return models.StatusInProgress
	}
}
