package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
)

const (
	defaultDevRegion = "aws-us-east-1c"
	maxErrorBody     = 2048
)

type TokenSource interface {
	Token() (string, error)
}

type HTTPClientConfig struct {
	BaseURL string
	// DevRegion is the zone used for non-prod deployments when the request names none.
	DevRegion string
	// PreferTokenEndpoint selects token-authenticated endpoints over mTLS ones.
	PreferTokenEndpoint bool
	Auth                TokenSource
	Timeout             time.Duration
	// Retries applies to status and endpoint lookups only; submissions are
	// never repeated.
	Retries    int
	HTTPClient *http.Client
}

type HTTPClient struct {
	baseURL       string
	devRegion     string
	preferToken   bool
	auth          TokenSource
	client        *http.Client
	timeout       time.Duration
	retries       int
	retryInterval time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("control plane base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	devRegion := cfg.DevRegion
	if devRegion == "" {
		devRegion = defaultDevRegion
	}
	return &HTTPClient{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		devRegion:     devRegion,
		preferToken:   cfg.PreferTokenEndpoint,
		auth:          cfg.Auth,
		client:        client,
		timeout:       timeout,
		retries:       retries,
		retryInterval: 200 * time.Millisecond,
	}, nil
}

func applicationPath(id models.Identity) string {
	return fmt.Sprintf("/application/v4/tenant/%s/application/%s",
		url.PathEscape(id.Tenant), url.PathEscape(id.Application))
}

func instancePath(id models.Identity) string {
	return applicationPath(id) + "/instance/" + url.PathEscape(id.Instance)
}

func (c *HTTPClient) zone(req models.DeploymentRequest) string {
	if len(req.Regions) > 0 && req.Regions[0] != "" {
		return req.Regions[0]
	}
	return c.devRegion
}

func (c *HTTPClient) SubmitDev(ctx context.Context, req models.DeploymentRequest) (models.RunningInstance, error) {
	if req.Package == nil {
		return models.RunningInstance{}, fmt.Errorf("application package required")
	}
	zipped, err := req.ApplicationZip()
	if err != nil {
		return models.RunningInstance{}, fmt.Errorf("zip application package: %w", err)
	}
	region := c.zone(req)
	path := fmt.Sprintf("%s/deploy/%s-%s", instancePath(req.Identity), req.Environment, region)
	body, contentType, err := multipartBody(nil, zipped)
	if err != nil {
		return models.RunningInstance{}, err
	}
	var deployed struct {
		Message string `json:"message"`
		Run     int64  `json:"run"`
	}
	if err := c.do(ctx, http.MethodPost, path, contentType, body, &deployed); err != nil {
		return models.RunningInstance{}, err
	}
	// removal deployments have no endpoints left to look up
	if req.Package.Deployment.Empty {
		return models.RunningInstance{Environment: req.Environment, Region: region}, nil
	}
	return c.FetchRunningInstance(ctx, req.Identity, req.Environment, region)
}

func (c *HTTPClient) SubmitProd(ctx context.Context, req models.DeploymentRequest) (models.BuildHandle, error) {
	if req.Package == nil {
		return models.BuildHandle{}, fmt.Errorf("application package required")
	}
	zipped, err := req.ApplicationZip()
	if err != nil {
		return models.BuildHandle{}, fmt.Errorf("zip application package: %w", err)
	}
	options := map[string]interface{}{}
	if req.SourceURL != "" {
		options["sourceUrl"] = req.SourceURL
	}
	body, contentType, err := multipartBody(options, zipped)
	if err != nil {
		return models.BuildHandle{}, err
	}
	var submitted struct {
		Message string `json:"message"`
		Build   int64  `json:"build"`
	}
	if err := c.do(ctx, http.MethodPost, applicationPath(req.Identity)+"/submit", contentType, body, &submitted); err != nil {
		return models.BuildHandle{}, err
	}
	if submitted.Build <= 0 {
		return models.BuildHandle{}, fmt.Errorf("control plane submit: missing build number (%s)", submitted.Message)
	}
	return models.BuildHandle{Identity: req.Identity, Build: submitted.Build}, nil
}

func (c *HTTPClient) QueryStatus(ctx context.Context, handle models.BuildHandle) (models.DeploymentStatus, error) {
	path := fmt.Sprintf("%s/build-status/%d", applicationPath(handle.Identity), handle.Build)
	var status struct {
		Status   string `json:"status"`
		Deployed bool   `json:"deployed"`
	}
	if err := c.getWithRetry(ctx, path, &status); err != nil {
		return "", err
	}
	return StatusFromBuild(status.Status), nil
}

type endpoint struct {
	Cluster    string `json:"cluster"`
	URL        string `json:"url"`
	Scope      string `json:"scope"`
	AuthMethod string `json:"authMethod"`
}

func (c *HTTPClient) FetchRunningInstance(ctx context.Context, id models.Identity, env models.Environment, region string) (models.RunningInstance, error) {
	if region == "" {
		region = c.devRegion
	}
	path := fmt.Sprintf("%s/environment/%s/region/%s", instancePath(id), env, url.PathEscape(region))
	var resp struct {
		Endpoints []endpoint `json:"endpoints"`
	}
	if err := c.getWithRetry(ctx, path, &resp); err != nil {
		return models.RunningInstance{}, err
	}
	ep, ok := c.pickEndpoint(resp.Endpoints)
	if !ok {
		return models.RunningInstance{}, fmt.Errorf("control plane: no endpoints for %s in %s.%s", id, env, region)
	}
	return models.RunningInstance{URL: strings.TrimSuffix(ep.URL, "/"), Environment: env, Region: region}, nil
}

func (c *HTTPClient) pickEndpoint(eps []endpoint) (endpoint, bool) {
	if len(eps) == 0 {
		return endpoint{}, false
	}
	want := "mtls"
	if c.preferToken {
		want = "token"
	}
	for _, ep := range eps {
		if ep.AuthMethod == want && ep.Scope != "global" {
			return ep, true
		}
	}
	for _, ep := range eps {
		if ep.Scope != "global" {
			return ep, true
		}
	}
	return eps[0], true
}

func multipartBody(options map[string]interface{}, zipped []byte) ([]byte, string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	if options != nil {
		encoded, err := json.Marshal(options)
		if err != nil {
			return nil, "", fmt.Errorf("encode submit options: %w", err)
		}
		if err := mw.WriteField("submitOptions", string(encoded)); err != nil {
			return nil, "", err
		}
	}
	part, err := mw.CreateFormFile("applicationZip", "application.zip")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(zipped); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func (c *HTTPClient) getWithRetry(ctx context.Context, path string, out interface{}) error {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = c.do(ctx, http.MethodGet, path, "", nil, out)
		if lastErr == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && !apiErr.Temporary() {
			return lastErr
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * c.retryInterval):
			}
		}
	}
	return lastErr
}

func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("control plane build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.auth != nil {
		token, err := c.auth.Token()
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("control plane %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("control plane decode %s: %w", path, err)
	}
	return nil
}
