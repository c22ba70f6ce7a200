package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/appkg"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/config"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/httpserver"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
)

const usage = `Usage: searchdeploy <command> [flags]

Commands:
  deploy    submit an application package (-dir, -await, -clusters)
  await     wait for a submitted prod build (-build)
  teardown  delete documents and remove a deployment (-dir, -clusters, -region)
  serve     run the deployment status API
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	logger := log.New(os.Stderr, "[deployer] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config load: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "deploy":
		err = runDeploy(ctx, cfg, logger, args)
	case "await":
		err = runAwait(ctx, cfg, logger, args)
	case "teardown":
		err = runTeardown(ctx, cfg, logger, args)
	case "serve":
		err = runServe(ctx, cfg, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Printf("%s interrupted; remote work continues", cmd)
			os.Exit(130)
		}
		logger.Fatalf("%s: %v", cmd, err)
	}
}

func runDeploy(ctx context.Context, cfg config.Config, logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	dir := fs.String("dir", ".", "application package directory")
	await := fs.Bool("await", false, "wait for prod builds to finish")
	clusters := fs.String("clusters", "", "content clusters as cluster:doctype[:namespace][,...]")
	waitUp := fs.Bool("wait-up", false, "wait until the instance answers health checks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.ValidateDeploy(); err != nil {
		return err
	}
	req, err := loadRequest(cfg, *dir, *clusters)
	if err != nil {
		return err
	}

	d, err := newDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	ctrl := d.controller()
	sub, err := ctrl.Submit(ctx, req)
	if err != nil {
		return err
	}
	if sub.Build != nil && !*await {
		return printJSON(map[string]interface{}{"id": ctrl.ID(), "state": ctrl.State(), "build": sub.Build.Build})
	}
	inst := sub.Instance
	if sub.Build != nil {
		running, err := ctrl.AwaitCompletion(ctx, *sub.Build, cfg.MaxWait, cfg.PollInterval)
		if err != nil {
			return err
		}
		inst = &running
	}
	if *waitUp {
		if err := d.dataPlane.WaitForUp(ctx, *inst, cfg.MaxWait, cfg.PollInterval); err != nil {
			return err
		}
	}
	return printJSON(map[string]interface{}{"id": ctrl.ID(), "state": ctrl.State(), "instance": inst})
}

func runAwait(ctx context.Context, cfg config.Config, logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("await", flag.ExitOnError)
	build := fs.Int64("build", 0, "build number returned by deploy")
	maxWait := fs.Duration("max-wait", cfg.MaxWait, "give up after this long")
	interval := fs.Duration("interval", cfg.PollInterval, "time between status checks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *build <= 0 {
		return fmt.Errorf("-build required")
	}
	if err := cfg.ValidateDeploy(); err != nil {
		return err
	}

	d, err := newDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	req := models.DeploymentRequest{Identity: cfg.Identity(), Environment: models.EnvironmentProd, Regions: cfg.Regions}
	handle := models.BuildHandle{Identity: cfg.Identity(), Build: *build}
	ctrl := d.controller()
	if err := ctrl.Adopt(req, handle); err != nil {
		return err
	}
	inst, err := ctrl.AwaitCompletion(ctx, handle, *maxWait, *interval)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"id": ctrl.ID(), "state": ctrl.State(), "instance": inst})
}

func runTeardown(ctx context.Context, cfg config.Config, logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("teardown", flag.ExitOnError)
	dir := fs.String("dir", ".", "application package directory")
	clusters := fs.String("clusters", "", "content clusters as cluster:doctype[:namespace][,...]")
	region := fs.String("region", defaultRegion(cfg), "zone region of the running instance")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.ValidateDeploy(); err != nil {
		return err
	}
	req, err := loadRequest(cfg, *dir, *clusters)
	if err != nil {
		return err
	}

	d, err := newDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	inst, err := d.controlPlane.FetchRunningInstance(ctx, req.Identity, req.Environment, *region)
	if err != nil {
		return fmt.Errorf("find running instance: %w", err)
	}
	ctrl := d.controller()
	if err := ctrl.AttachRunning(req, inst); err != nil {
		return err
	}
	if err := ctrl.Teardown(ctx, inst); err != nil {
		return err
	}
	for _, w := range ctrl.Warnings() {
		logger.Printf("warning: %v", w)
	}
	return printJSON(map[string]interface{}{"id": ctrl.ID(), "state": ctrl.State(), "warnings": len(ctrl.Warnings())})
}

func runServe(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpserver.New(st).Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("status API listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	return nil
}

func loadRequest(cfg config.Config, dir, clusters string) (models.DeploymentRequest, error) {
	pkg, err := appkg.LoadDir(dir)
	if err != nil {
		return models.DeploymentRequest{}, err
	}
	pkg.ContentClusters, err = parseClusters(clusters)
	if err != nil {
		return models.DeploymentRequest{}, err
	}
	return models.DeploymentRequest{
		Identity:    cfg.Identity(),
		Package:     pkg,
		Environment: cfg.Environment,
		Regions:     cfg.Regions,
		SourceURL:   cfg.SourceURL,
	}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
