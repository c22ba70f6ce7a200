package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/appkg"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/archive"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/config"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/controlplane"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/dataplane"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/events"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/lifecycle"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/store"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/tlsutil"
)

const fallbackDevRegion = "aws-us-east-1c"

type deps struct {
	cfg          config.Config
	logger       *log.Logger
	controlPlane *controlplane.HTTPClient
	dataPlane    *dataplane.HTTPClient
	store        store.Store
	publisher    events.Publisher
	archiver     archive.Archiver
	closers      []func()
}

func newDeps(ctx context.Context, cfg config.Config, logger *log.Logger) (*deps, error) {
	d := &deps{cfg: cfg, logger: logger, publisher: events.NopPublisher{}}

	signer, err := controlplane.NewKeySigner(cfg.APIKey, cfg.APIKeyID, cfg.Tenant)
	if err != nil {
		return nil, fmt.Errorf("api key: %w", err)
	}
	transport := controlplane.NewRateLimitedTransport(http.DefaultTransport, cfg.RateLimit, 1)
	d.controlPlane, err = controlplane.NewHTTPClient(controlplane.HTTPClientConfig{
		BaseURL:             cfg.ControlPlaneURL,
		DevRegion:           defaultRegion(cfg),
		PreferTokenEndpoint: cfg.DataPlaneToken != "",
		Auth:                signer,
		Retries:             3,
		HTTPClient:          &http.Client{Timeout: 5 * time.Minute, Transport: transport},
	})
	if err != nil {
		return nil, err
	}
	dpCfg := dataplane.HTTPClientConfig{Token: cfg.DataPlaneToken}
	if cfg.DataPlaneCert != "" {
		tlsCfg, err := tlsutil.NewClientTLSConfig(cfg.DataPlaneCert, cfg.DataPlaneKey, cfg.DataPlaneCA)
		if err != nil {
			return nil, fmt.Errorf("data plane tls: %w", err)
		}
		dpCfg.HTTPClient = tlsutil.NewClient(tlsCfg, time.Minute)
	}
	d.dataPlane = dataplane.NewHTTPClient(dpCfg)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	d.store = st
	d.closers = append(d.closers, closeStore)

	if len(cfg.KafkaBrokers) > 0 {
		p, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		d.publisher = p
		d.closers = append(d.closers, func() {
			if err := p.Close(); err != nil {
				logger.Printf("close kafka publisher: %v", err)
			}
		})
	}

	if cfg.S3Bucket != "" {
		a, err := archive.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("s3 archiver: %w", err)
		}
		d.archiver = a
	}
	return d, nil
}

func (d *deps) controller() *lifecycle.Controller {
	opts := []lifecycle.Option{
		lifecycle.WithLogger(d.logger),
		lifecycle.WithPublisher(d.publisher),
		lifecycle.WithRecorder(d.store),
		lifecycle.WithWaitDefaults(d.cfg.MaxWait, d.cfg.PollInterval),
		lifecycle.WithOverrideLeadDays(d.cfg.OverrideLeadDays),
	}
	if d.archiver != nil {
		opts = append(opts, lifecycle.WithArchiver(d.archiver))
	}
	return lifecycle.New(d.controlPlane, d.dataPlane, opts...)
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// openStore uses Postgres when a database URL is configured and an in-memory
// store otherwise.
func openStore(cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	return store.NewPGStore(db), func() { db.Close() }, nil
}

func defaultRegion(cfg config.Config) string {
	if len(cfg.Regions) > 0 {
		return cfg.Regions[0]
	}
	return fallbackDevRegion
}

// parseClusters reads "cluster:doctype[:namespace]" entries separated by commas.
func parseClusters(list string) ([]appkg.ContentCluster, error) {
	var out []appkg.ContentCluster
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) < 2 || len(fields) > 3 || fields[0] == "" || fields[1] == "" {
			return nil, fmt.Errorf("invalid content cluster %q, want cluster:doctype[:namespace]", part)
		}
		cluster := appkg.ContentCluster{ID: fields[0], DocumentType: fields[1]}
		if len(fields) == 3 {
			cluster.Namespace = fields[2]
		}
		out = append(out, cluster)
	}
	return out, nil
}
