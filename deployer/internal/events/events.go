// Package events publishes deployment lifecycle transitions.
package events

import (
	"context"
	"time"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
)

// Event records one state transition of a deployment.
type Event struct {
	DeploymentID string             `json:"deploymentId"`
	Tenant       string             `json:"tenant"`
	Application  string             `json:"application"`
	Instance     string             `json:"instance"`
	Environment  models.Environment `json:"environment"`
	From         models.State       `json:"from"`
	To           models.State       `json:"to"`
	Build        *int64             `json:"build,omitempty"`
	Error        string             `json:"error,omitempty"`
	Ts           time.Time          `json:"ts"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev Event) error { return nil }
func (NopPublisher) Close() error                                { return nil }
