package dataplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
)

// ErrNotFound is returned by GetDocument for a missing document.
var ErrNotFound = errors.New("document not found")

// Client is the data-plane surface the lifecycle controller depends on.
type Client interface {
	HealthCheck(ctx context.Context, instance models.RunningInstance) error
	// DeleteAllDocuments removes every document of docType in cluster and
	// returns how many were removed. An empty namespace defaults to docType.
	DeleteAllDocuments(ctx context.Context, instance models.RunningInstance, cluster, namespace, docType string) (int, error)
}

type Document struct {
	ID     string                 `json:"id"`
	PathID string                 `json:"pathId,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// DocumentRef addresses one document.
type DocumentRef struct {
	Namespace    string
	DocumentType string
	ID           string
}

func (r DocumentRef) namespace() string {
	if r.Namespace == "" {
		return r.DocumentType
	}
	return r.Namespace
}

// FullID renders the id:<namespace>:<type>::<id> form the engine echoes back.
func (r DocumentRef) FullID() string {
	return fmt.Sprintf("id:%s:%s::%s", r.namespace(), r.DocumentType, r.ID)
}

// StatusError reports an unexpected data-plane response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("data plane %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}
