package dataplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/poll"
)

type HTTPClientConfig struct {
	// Token is sent as a bearer token to token-authenticated endpoints.
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Clock      poll.Clock
}

type HTTPClient struct {
	token   string
	client  *http.Client
	timeout time.Duration
	clock   poll.Clock
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{token: cfg.Token, client: client, timeout: timeout, clock: cfg.Clock}
}

func documentPath(ref DocumentRef) string {
	return fmt.Sprintf("/document/v1/%s/%s/docid/%s",
		url.PathEscape(ref.namespace()), url.PathEscape(ref.DocumentType), url.PathEscape(ref.ID))
}

func (c *HTTPClient) HealthCheck(ctx context.Context, instance models.RunningInstance) error {
	return c.do(ctx, instance, http.MethodGet, "/ApplicationStatus", nil, nil)
}

// WaitForUp polls the application status endpoint until it answers 200.
func (c *HTTPClient) WaitForUp(ctx context.Context, instance models.RunningInstance, maxWait, interval time.Duration) error {
	var lastErr error
	err := poll.Until(ctx, poll.Config{Interval: interval, MaxWait: maxWait, Clock: c.clock}, func(ctx context.Context) (bool, error) {
		lastErr = c.HealthCheck(ctx, instance)
		return lastErr == nil, nil
	})
	if errors.Is(err, poll.ErrTimeout) && lastErr != nil {
		return fmt.Errorf("application at %s not up after %s: %w", instance.URL, maxWait, lastErr)
	}
	return err
}

type operationResponse struct {
	ID            string `json:"id"`
	PathID        string `json:"pathId"`
	Message       string `json:"message"`
	Continuation  string `json:"continuation"`
	DocumentCount int    `json:"documentCount"`
}

func (c *HTTPClient) FeedDocument(ctx context.Context, instance models.RunningInstance, ref DocumentRef, fields map[string]interface{}) (Document, error) {
	var resp operationResponse
	if err := c.do(ctx, instance, http.MethodPost, documentPath(ref), map[string]interface{}{"fields": fields}, &resp); err != nil {
		return Document{}, err
	}
	return Document{ID: resp.ID, PathID: resp.PathID}, nil
}

// UpdateDocument assigns the given fields, leaving the rest untouched.
func (c *HTTPClient) UpdateDocument(ctx context.Context, instance models.RunningInstance, ref DocumentRef, fields map[string]interface{}) (Document, error) {
	assign := make(map[string]interface{}, len(fields))
	for name, value := range fields {
		assign[name] = map[string]interface{}{"assign": value}
	}
	var resp operationResponse
	if err := c.do(ctx, instance, http.MethodPut, documentPath(ref), map[string]interface{}{"fields": assign}, &resp); err != nil {
		return Document{}, err
	}
	return Document{ID: resp.ID, PathID: resp.PathID}, nil
}

func (c *HTTPClient) GetDocument(ctx context.Context, instance models.RunningInstance, ref DocumentRef) (Document, error) {
	var doc Document
	err := c.do(ctx, instance, http.MethodGet, documentPath(ref), nil, &doc)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (c *HTTPClient) DeleteDocument(ctx context.Context, instance models.RunningInstance, ref DocumentRef) (Document, error) {
	var resp operationResponse
	if err := c.do(ctx, instance, http.MethodDelete, documentPath(ref), nil, &resp); err != nil {
		return Document{}, err
	}
	return Document{ID: resp.ID, PathID: resp.PathID}, nil
}

// FeedBatch feeds docs with at most concurrency requests in flight and stops
// at the first failure.
func (c *HTTPClient) FeedBatch(ctx context.Context, instance models.RunningInstance, docType string, docs []Document, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 8
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			ref := DocumentRef{DocumentType: docType, ID: doc.ID}
			if _, err := c.FeedDocument(gctx, instance, ref, doc.Fields); err != nil {
				return fmt.Errorf("feed %s: %w", ref.FullID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *HTTPClient) DeleteAllDocuments(ctx context.Context, instance models.RunningInstance, cluster, namespace, docType string) (int, error) {
	ref := DocumentRef{Namespace: namespace, DocumentType: docType}
	base := fmt.Sprintf("/document/v1/%s/%s/docid", url.PathEscape(ref.namespace()), url.PathEscape(docType))
	deleted := 0
	continuation := ""
	for {
		q := url.Values{}
		q.Set("selection", "true")
		q.Set("cluster", cluster)
		if continuation != "" {
			q.Set("continuation", continuation)
		}
		var resp operationResponse
		if err := c.do(ctx, instance, http.MethodDelete, base+"?"+q.Encode(), nil, &resp); err != nil {
			return deleted, err
		}
		deleted += resp.DocumentCount
		if resp.Continuation == "" {
			return deleted, nil
		}
		continuation = resp.Continuation
	}
}

func (c *HTTPClient) do(ctx context.Context, instance models.RunningInstance, method, path string, payload interface{}, out interface{}) error {
	if instance.URL == "" {
		return fmt.Errorf("data plane: instance has no endpoint")
	}
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("data plane marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, strings.TrimSuffix(instance.URL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("data plane build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("data plane %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var failure operationResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &failure) == nil && failure.Message != "" {
			msg = failure.Message
		}
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("data plane decode %s: %w", path, err)
	}
	return nil
}
