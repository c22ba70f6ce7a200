package models

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/appkg"
)

type Environment string

const (
	EnvironmentDev  Environment = "dev"
	EnvironmentPerf Environment = "perf"
	EnvironmentProd Environment = "prod"
)

// IsProd reports whether deployments to e go through the build/poll path.
func (e Environment) IsProd() bool {
	return e == EnvironmentProd
}

func ParseEnvironment(s string) (Environment, bool) {
	switch Environment(s) {
	case EnvironmentDev, EnvironmentPerf, EnvironmentProd:
		return Environment(s), true
	}
	return "", false
}

// Identity names one instance of an application owned by a tenant.
type Identity struct {
	Tenant      string `json:"tenant"`
	Application string `json:"application"`
	Instance    string `json:"instance"`
}

func (id Identity) String() string {
	return id.Tenant + "." + id.Application + "." + id.Instance
}

type DeploymentRequest struct {
	Identity
	Package     *appkg.Package
	Environment Environment
	// Regions is only consulted for prod; non-prod zones use the control plane default.
	Regions []string
	// SourceURL is forwarded as a submit option for prod builds.
	SourceURL string
	// Zipped is the staged application zip. When set it is sent as is
	// instead of zipping Package again.
	Zipped []byte
}

// ApplicationZip returns the zip to upload for the request.
func (r DeploymentRequest) ApplicationZip() ([]byte, error) {
	if len(r.Zipped) > 0 {
		return r.Zipped, nil
	}
	if r.Package == nil {
		return nil, errors.New("application package required")
	}
	return r.Package.Zip()
}

// BuildHandle identifies a submitted prod build. Callers treat it as opaque.
type BuildHandle struct {
	Identity
	Build int64 `json:"build"`
}

type DeploymentStatus string

const (
	StatusSubmitted  DeploymentStatus = "submitted"
	StatusInProgress DeploymentStatus = "in-progress"
	StatusDone       DeploymentStatus = "done"
	StatusFailed     DeploymentStatus = "failed"
)

func (s DeploymentStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

type RunningInstance struct {
	URL         string      `json:"url"`
	Environment Environment `json:"environment"`
	Region      string      `json:"region,omitempty"`
}

type State string

const (
	StateCreated     State = "created"
	StateSubmitted   State = "submitted"
	StatePolling     State = "polling"
	StateRunning     State = "running"
	StateFailed      State = "failed"
	StateTimedOut    State = "timed-out"
	StateTearingDown State = "tearing-down"
	StateRemoved     State = "removed"
)

// Deployment is the persisted record of one controller's lifecycle.
type Deployment struct {
	ID          uuid.UUID   `json:"id"`
	Tenant      string      `json:"tenant"`
	Application string      `json:"application"`
	Instance    string      `json:"instance"`
	Environment Environment `json:"environment"`
	Build       *int64      `json:"build,omitempty"`
	State       State       `json:"state"`
	Endpoint    string      `json:"endpoint,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}
