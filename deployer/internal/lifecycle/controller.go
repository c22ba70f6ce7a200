// Package lifecycle drives one deployment of a search application from
// submission through readiness to removal.
//
// Prod deployments move Created → Submitted → Polling → {Running, Failed,
// TimedOut}; non-prod deployments go straight from Submitted to Running.
// Running deployments are removed through TearingDown → Removed.
//
// A Controller manages exactly one deployment and is not safe for concurrent
// use. Independent controllers share nothing but the clients passed to them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/appkg"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/archive"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/controlplane"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/dataplane"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/events"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/poll"
)

const (
	DefaultMaxWait          = 20 * time.Minute
	DefaultPollInterval     = 5 * time.Second
	DefaultOverrideLeadDays = 1
)

// Recorder persists deployment records. store.Store satisfies it.
type Recorder interface {
	CreateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error)
	UpdateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error)
}

// Submission is the result of Submit: exactly one of Instance and Build is set.
type Submission struct {
	Instance *models.RunningInstance
	Build    *models.BuildHandle
}

type Controller struct {
	cp               controlplane.Client
	dp               dataplane.Client
	logger           *log.Logger
	clock            poll.Clock
	publisher        events.Publisher
	recorder         Recorder
	archiver         archive.Archiver
	maxWait          time.Duration
	pollInterval     time.Duration
	overrideLeadDays int
	stagingRoot      string

	id       uuid.UUID
	req      models.DeploymentRequest
	state    models.State
	handle   *models.BuildHandle
	instance *models.RunningInstance
	recorded bool
	warnings []error
}

type Option func(*Controller)

func WithLogger(l *log.Logger) Option { return func(c *Controller) { c.logger = l } }

func WithClock(clock poll.Clock) Option { return func(c *Controller) { c.clock = clock } }

func WithPublisher(p events.Publisher) Option { return func(c *Controller) { c.publisher = p } }

func WithRecorder(r Recorder) Option { return func(c *Controller) { c.recorder = r } }

func WithArchiver(a archive.Archiver) Option { return func(c *Controller) { c.archiver = a } }

// WithWaitDefaults sets the values AwaitCompletion uses when called with zero durations.
func WithWaitDefaults(maxWait, pollInterval time.Duration) Option {
	return func(c *Controller) {
		if maxWait > 0 {
			c.maxWait = maxWait
		}
		if pollInterval > 0 {
			c.pollInterval = pollInterval
		}
	}
}

// WithOverrideLeadDays sets how many days ahead the prod removal override is dated.
func WithOverrideLeadDays(days int) Option {
	return func(c *Controller) { c.overrideLeadDays = days }
}

// WithStagingRoot sets where staging directories are created; empty means os.TempDir.
func WithStagingRoot(dir string) Option { return func(c *Controller) { c.stagingRoot = dir } }

func New(cp controlplane.Client, dp dataplane.Client, opts ...Option) *Controller {
	c := &Controller{
		cp:               cp,
		dp:               dp,
		clock:            poll.RealClock(),
		publisher:        events.NopPublisher{},
		maxWait:          DefaultMaxWait,
		pollInterval:     DefaultPollInterval,
		overrideLeadDays: DefaultOverrideLeadDays,
		id:               uuid.New(),
		state:            models.StateCreated,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.New(os.Stdout, "[deployer] ", log.LstdFlags)
	}
	return c
}

func (c *Controller) ID() uuid.UUID      { return c.id }
func (c *Controller) State() models.State { return c.state }

// Instance returns the running instance, or nil before Running and after Removed.
func (c *Controller) Instance() *models.RunningInstance {
	if c.instance == nil {
		return nil
	}
	inst := *c.instance
	return &inst
}

// Warnings returns the non-fatal problems recorded so far.
func (c *Controller) Warnings() []error {
	return append([]error(nil), c.warnings...)
}

func (c *Controller) fail(kind error, phase string, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Deployment: c.req.Identity, Err: err}
}

func validate(req models.DeploymentRequest) error {
	switch {
	case req.Tenant == "" || req.Application == "" || req.Instance == "":
		return errors.New("tenant, application and instance required")
	case req.Package == nil:
		return errors.New("application package required")
	case req.Environment.IsProd() && len(req.Regions) == 0:
		return errors.New("prod deployments require at least one region")
	}
	if _, ok := models.ParseEnvironment(string(req.Environment)); !ok {
		return fmt.Errorf("unknown environment %q", req.Environment)
	}
	return nil
}

// Submit sends req to the control plane. Non-prod deployments complete
// synchronously and return the running instance; prod deployments return a
// build handle to pass to AwaitCompletion.
func (c *Controller) Submit(ctx context.Context, req models.DeploymentRequest) (Submission, error) {
	if c.state != models.StateCreated {
		return Submission{}, c.fail(ErrInvalidState, "submit", fmt.Errorf("controller is %s", c.state))
	}
	if err := validate(req); err != nil {
		c.req = req
		return Submission{}, c.fail(ErrSubmissionFailed, "validate", err)
	}
	c.req = freeze(req)

	staged, cleanup, err := c.stage(ctx, c.req)
	if err != nil {
		return Submission{}, c.fail(ErrSubmissionFailed, "stage", err)
	}
	defer cleanup()

	if !c.req.Environment.IsProd() {
		c.transition(ctx, models.StateSubmitted, nil)
		inst, err := c.cp.SubmitDev(ctx, staged)
		if err != nil {
			c.transition(ctx, models.StateFailed, err)
			return Submission{}, c.fail(ErrDeploymentFailed, "deploy", err)
		}
		c.instance = &inst
		c.transition(ctx, models.StateRunning, nil)
		return Submission{Instance: c.Instance()}, nil
	}

	handle, err := c.cp.SubmitProd(ctx, staged)
	if err != nil {
		c.transition(ctx, models.StateFailed, err)
		return Submission{}, c.fail(ErrSubmissionFailed, "submit", err)
	}
	c.handle = &handle
	c.logger.Printf("%s: submitted build %d", c.req.Identity, handle.Build)
	c.transition(ctx, models.StateSubmitted, nil)
	h := handle
	return Submission{Build: &h}, nil
}

// Adopt attaches the controller to a build submitted elsewhere, for example
// by an earlier process, so AwaitCompletion can resume polling it. req may
// omit the package, but then the deployment cannot be torn down by this
// controller.
func (c *Controller) Adopt(req models.DeploymentRequest, handle models.BuildHandle) error {
	if c.state != models.StateCreated {
		return c.fail(ErrInvalidState, "adopt", fmt.Errorf("controller is %s", c.state))
	}
	c.req = freeze(req)
	c.req.Identity = handle.Identity
	c.handle = &handle
	c.state = models.StateSubmitted
	return nil
}

// AttachRunning attaches the controller to an instance that is already
// serving so it can be torn down.
func (c *Controller) AttachRunning(req models.DeploymentRequest, instance models.RunningInstance) error {
	if c.state != models.StateCreated {
		return c.fail(ErrInvalidState, "attach", fmt.Errorf("controller is %s", c.state))
	}
	if err := validate(req); err != nil {
		return c.fail(ErrInvalidState, "attach", err)
	}
	c.req = freeze(req)
	c.instance = &instance
	c.state = models.StateRunning
	return nil
}

var errBuildFailed = errors.New("build reported failure")

// AwaitCompletion polls the build every pollInterval until it is done, fails
// or maxWait passes. Zero durations use the controller defaults. Cancelling
// ctx stops local waiting only; the build keeps running remotely.
func (c *Controller) AwaitCompletion(ctx context.Context, handle models.BuildHandle, maxWait, pollInterval time.Duration) (models.RunningInstance, error) {
	switch c.state {
	case models.StateSubmitted, models.StatePolling, models.StateTimedOut:
	default:
		return models.RunningInstance{}, c.fail(ErrInvalidState, "await", fmt.Errorf("controller is %s", c.state))
	}
	if maxWait <= 0 {
		maxWait = c.maxWait
	}
	if pollInterval <= 0 {
		pollInterval = c.pollInterval
	}
	c.handle = &handle
	c.transition(ctx, models.StatePolling, nil)

	err := poll.Until(ctx, poll.Config{Interval: pollInterval, MaxWait: maxWait, Clock: c.clock}, func(ctx context.Context) (bool, error) {
		status, err := c.cp.QueryStatus(ctx, handle)
		if err != nil {
			return false, err
		}
		switch status {
		case models.StatusDone:
			return true, nil
		case models.StatusFailed:
			return false, errBuildFailed
		}
		return false, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errBuildFailed):
		cause := fmt.Errorf("build %d: %w", handle.Build, err)
		c.transition(ctx, models.StateFailed, cause)
		return models.RunningInstance{}, c.fail(ErrDeploymentFailed, "await", cause)
	case errors.Is(err, poll.ErrTimeout):
		cause := fmt.Errorf("build %d not finished after %s", handle.Build, maxWait)
		c.transition(ctx, models.StateTimedOut, cause)
		return models.RunningInstance{}, c.fail(ErrDeploymentTimeout, "await", cause)
	case ctx.Err() != nil:
		c.logger.Printf("%s: stopped waiting for build %d: %v", c.req.Identity, handle.Build, err)
		return models.RunningInstance{}, c.fail(ctx.Err(), "await", err)
	default:
		return models.RunningInstance{}, c.fail(ErrStatusUnavailable, "query status", err)
	}

	inst, err := c.cp.FetchRunningInstance(ctx, handle.Identity, models.EnvironmentProd, c.primaryRegion())
	if err != nil {
		return models.RunningInstance{}, c.fail(ErrStatusUnavailable, "fetch instance", err)
	}
	c.instance = &inst
	c.transition(ctx, models.StateRunning, nil)
	return inst, nil
}

func (c *Controller) primaryRegion() string {
	if len(c.req.Regions) > 0 {
		return c.req.Regions[0]
	}
	return ""
}

// Teardown removes the deployment: it deletes all documents (best effort),
// then submits a removal package through the regular submission path.
// Calling Teardown on a removed deployment does nothing.
func (c *Controller) Teardown(ctx context.Context, instance models.RunningInstance) error {
	if c.state == models.StateRemoved {
		c.logger.Printf("%s: already removed", c.req.Identity)
		return nil
	}
	if c.state != models.StateRunning {
		return c.fail(ErrInvalidState, "teardown", fmt.Errorf("controller is %s", c.state))
	}
	if c.req.Package == nil {
		return c.fail(ErrTeardownFailed, "teardown", errors.New("no application package to build the removal from"))
	}
	if instance.URL == "" && c.instance != nil {
		instance = *c.instance
	}
	c.transition(ctx, models.StateTearingDown, nil)

	c.deleteDocuments(ctx, instance)

	prod := c.req.Environment.IsProd()
	removal := c.req
	removal.Package = appkg.RemovalPackage(c.req.Package, prod, c.clock.Now(), c.overrideLeadDays)

	staged, cleanup, err := c.stage(ctx, removal)
	if err != nil {
		c.transition(ctx, models.StateRunning, err)
		return c.fail(ErrTeardownFailed, "stage removal", err)
	}
	defer cleanup()

	if prod {
		var handle models.BuildHandle
		handle, err = c.cp.SubmitProd(ctx, staged)
		if err == nil {
			c.logger.Printf("%s: removal submitted as build %d", c.req.Identity, handle.Build)
			c.handle = &handle
		}
	} else {
		_, err = c.cp.SubmitDev(ctx, staged)
	}
	if err != nil {
		c.transition(ctx, models.StateRunning, err)
		return c.fail(ErrTeardownFailed, "submit removal", err)
	}

	c.instance = nil
	c.transition(ctx, models.StateRemoved, nil)
	return nil
}

func (c *Controller) deleteDocuments(ctx context.Context, instance models.RunningInstance) {
	if c.req.Package == nil {
		return
	}
	for _, cluster := range c.req.Package.ContentClusters {
		n, err := c.dp.DeleteAllDocuments(ctx, instance, cluster.ID, cluster.Namespace, cluster.DocumentType)
		if err != nil {
			warning := c.fail(ErrDataCleanupWarning, "delete "+cluster.ID+"/"+cluster.DocumentType, err)
			c.warnings = append(c.warnings, warning)
			c.logger.Printf("warning: %v", warning)
			continue
		}
		c.logger.Printf("%s: deleted %d %s documents from %s", c.req.Identity, n, cluster.DocumentType, cluster.ID)
	}
}

// stage writes the package to a fresh staging directory and zips that
// directory. The returned request carries the zip for submission and the
// returned func removes the directory.
func (c *Controller) stage(ctx context.Context, req models.DeploymentRequest) (models.DeploymentRequest, func(), error) {
	dir, err := os.MkdirTemp(c.stagingRoot, "searchdeploy-")
	if err != nil {
		return req, nil, err
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Printf("remove staging dir %s: %v", dir, err)
		}
	}
	if err := req.Package.Stage(dir); err != nil {
		cleanup()
		return req, nil, err
	}
	zipped, err := appkg.ZipDir(dir)
	if err != nil {
		cleanup()
		return req, nil, err
	}
	req.Zipped = zipped
	c.archivePackage(ctx, req)
	return req, cleanup, nil
}

// archivePackage stores the staged zip. Failures are logged only.
func (c *Controller) archivePackage(ctx context.Context, req models.DeploymentRequest) {
	if c.archiver == nil {
		return
	}
	ref := archive.PackageRef{Identity: req.Identity, Environment: req.Environment, Digest: appkg.Digest(req.Zipped), Ts: c.clock.Now()}
	if key, err := c.archiver.ArchivePackage(ctx, ref, req.Zipped); err != nil {
		c.logger.Printf("%s: archive package: %v", req.Identity, err)
	} else {
		c.logger.Printf("%s: archived package as %s", req.Identity, key)
	}
}

// freeze deep-copies req so later caller changes do not leak into the
// controller. Prod packages get a deployment config for the requested
// regions when they carry none.
func freeze(req models.DeploymentRequest) models.DeploymentRequest {
	req.Regions = append([]string(nil), req.Regions...)
	req.Zipped = nil
	if req.Package != nil {
		pkg := req.Package.Clone()
		if req.Environment.IsProd() && !pkg.Deployment.Empty && pkg.Deployment.Environment == "" {
			pkg.Deployment = appkg.DeploymentConfig{Environment: string(models.EnvironmentProd), Regions: append([]string(nil), req.Regions...)}
		}
		req.Package = pkg
	}
	return req
}

func (c *Controller) transition(ctx context.Context, to models.State, cause error) {
	from := c.state
	c.state = to
	if from != to {
		c.logger.Printf("%s: %s -> %s", c.req.Identity, from, to)
	}

	ev := events.Event{
		DeploymentID: c.id.String(),
		Tenant:       c.req.Tenant,
		Application:  c.req.Application,
		Instance:     c.req.Instance,
		Environment:  c.req.Environment,
		From:         from,
		To:           to,
		Ts:           c.clock.Now().UTC(),
	}
	if c.handle != nil {
		build := c.handle.Build
		ev.Build = &build
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Printf("%s: publish %s event: %v", c.req.Identity, to, err)
	}
	c.record(ctx, ev)
}

func (c *Controller) record(ctx context.Context, ev events.Event) {
	if c.recorder == nil {
		return
	}
	d := models.Deployment{
		ID:          c.id,
		Tenant:      ev.Tenant,
		Application: ev.Application,
		Instance:    ev.Instance,
		Environment: ev.Environment,
		Build:       ev.Build,
		State:       ev.To,
		LastError:   ev.Error,
		UpdatedAt:   ev.Ts,
	}
	if c.instance != nil {
		d.Endpoint = c.instance.URL
	}
	var err error
	if !c.recorded {
		d.CreatedAt = ev.Ts
		_, err = c.recorder.CreateDeployment(ctx, d)
		c.recorded = err == nil
	} else {
		_, err = c.recorder.UpdateDeployment(ctx, d)
	}
	if err != nil {
		c.logger.Printf("%s: record deployment: %v", c.req.Identity, err)
	}
}
