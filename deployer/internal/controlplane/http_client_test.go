package controlplane_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/appkg"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/controlplane"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
)

var team = models.Identity{Tenant: "vespa-team", Application: "integration", Instance: "token"}

func testPackage() *appkg.Package {
	return &appkg.Package{
		Name:  "msmarco",
		Files: map[string][]byte{"services.xml": []byte("<services/>")},
	}
}

func escapedPEMKey(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return strings.ReplaceAll(string(block), "\n", `\n`), key
}

func newClient(t *testing.T, srv *httptest.Server, cfg controlplane.HTTPClientConfig) *controlplane.HTTPClient {
	t.Helper()
	cfg.BaseURL = srv.URL
	client, err := controlplane.NewHTTPClient(cfg)
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitProdSendsPackageAndOptions(t *testing.T) {
	rawKey, key := escapedPEMKey(t)
	signer, err := controlplane.NewKeySigner(rawKey, "key-1", team.Tenant)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Post("/application/v4/tenant/{tenant}/application/{app}/submit", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "vespa-team", chi.URLParam(r, "tenant"))

		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		tok, err := jwt.Parse(bearer, func(tok *jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"ES256"}))
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.True(t, tok.Valid)
		assert.Equal(t, "key-1", tok.Header["kid"])

		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.JSONEq(t, `{"sourceUrl":"https://github.com/vespa-engine/pyvespa"}`, r.FormValue("submitOptions"))
		f, _, err := r.FormFile("applicationZip")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		zipped, _ := io.ReadAll(f)
		assert.NotEmpty(t, zipped)
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "build 42 submitted", "build": 42})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := newClient(t, srv, controlplane.HTTPClientConfig{Auth: signer})
	handle, err := client.SubmitProd(context.Background(), models.DeploymentRequest{
		Identity:    team,
		Package:     testPackage(),
		Environment: models.EnvironmentProd,
		Regions:     []string{"aws-us-east-1c"},
		SourceURL:   "https://github.com/vespa-engine/pyvespa",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), handle.Build)
	assert.Equal(t, team, handle.Identity)
}

func TestSubmitProdUploadsStagedZip(t *testing.T) {
	staged := []byte("PK staged application")
	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("applicationZip")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		uploaded, _ = io.ReadAll(f)
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "build 7 submitted", "build": 7})
	}))
	defer srv.Close()

	client := newClient(t, srv, controlplane.HTTPClientConfig{})
	_, err := client.SubmitProd(context.Background(), models.DeploymentRequest{Identity: team, Package: testPackage(), Zipped: staged})
	require.NoError(t, err)
	assert.Equal(t, staged, uploaded)
}

func TestSubmitProdIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "quota exceeded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newClient(t, srv, controlplane.HTTPClientConfig{Retries: 3})
	_, err := client.SubmitProd(context.Background(), models.DeploymentRequest{Identity: team, Package: testPackage()})
	require.Error(t, err)
	var apiErr *controlplane.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "quota exceeded")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueryStatusRetriesTransientErrors(t *testing.T) {
	var calls int32
	r := chi.NewRouter()
	r.Get("/application/v4/tenant/{tenant}/application/{app}/build-status/{build}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", chi.URLParam(r, "build"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "done", "deployed": true})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := newClient(t, srv, controlplane.HTTPClientConfig{Retries: 2})
	status, err := client.QueryStatus(context.Background(), models.BuildHandle{Identity: team, Build: 7})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQueryStatusDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := newClient(t, srv, controlplane.HTTPClientConfig{Retries: 2})
	_, err := client.QueryStatus(context.Background(), models.BuildHandle{Identity: team, Build: 7})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSubmitDevReturnsZoneEndpoint(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/application/v4/tenant/{tenant}/application/{app}/instance/{instance}/deploy/{zone}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dev-aws-us-east-1c", chi.URLParam(r, "zone"))
		assert.Equal(t, "token", chi.URLParam(r, "instance"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "deployment started", "run": 3})
	})
	r.Get("/application/v4/tenant/{tenant}/application/{app}/instance/{instance}/environment/{env}/region/{region}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dev", chi.URLParam(r, "env"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": []map[string]string{
			{"cluster": "default", "url": "https://global.example/", "scope": "global", "authMethod": "token"},
			{"cluster": "default", "url": "https://mtls.example/", "scope": "zone", "authMethod": "mtls"},
			{"cluster": "default", "url": "https://token.example/", "scope": "zone", "authMethod": "token"},
		}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := newClient(t, srv, controlplane.HTTPClientConfig{PreferTokenEndpoint: true})
	inst, err := client.SubmitDev(context.Background(), models.DeploymentRequest{
		Identity:    team,
		Package:     testPackage(),
		Environment: models.EnvironmentDev,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunningInstance{URL: "https://token.example", Environment: models.EnvironmentDev, Region: "aws-us-east-1c"}, inst)
}

func TestSubmitDevRemovalSkipsEndpointLookup(t *testing.T) {
	var deploys, lookups int32
	r := chi.NewRouter()
	r.Post("/application/v4/tenant/{tenant}/application/{app}/instance/{instance}/deploy/{zone}", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&deploys, 1)
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "deployment started", "run": 4})
	})
	r.Get("/application/v4/tenant/{tenant}/application/{app}/instance/{instance}/environment/{env}/region/{region}", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&lookups, 1)
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no deployment"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := newClient(t, srv, controlplane.HTTPClientConfig{})
	removal := appkg.RemovalPackage(testPackage(), false, time.Now(), 1)
	inst, err := client.SubmitDev(context.Background(), models.DeploymentRequest{
		Identity:    team,
		Package:     removal,
		Environment: models.EnvironmentDev,
	})
	require.NoError(t, err)
	assert.Empty(t, inst.URL)
	assert.Equal(t, int32(1), atomic.LoadInt32(&deploys))
	assert.Equal(t, int32(0), atomic.LoadInt32(&lookups))
}

func TestFetchRunningInstanceWithoutEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": []interface{}{}})
	}))
	defer srv.Close()

	client := newClient(t, srv, controlplane.HTTPClientConfig{})
	_, err := client.FetchRunningInstance(context.Background(), team, models.EnvironmentProd, "aws-us-east-1c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoints")
}

func TestStatusFromBuild(t *testing.T) {
	assert.Equal(t, models.StatusDone, controlplane.StatusFromBuild("done"))
	assert.Equal(t, models.StatusFailed, controlplane.StatusFromBuild("deploymentFailed"))
	assert.Equal(t, models.StatusSubmitted, controlplane.StatusFromBuild("queued"))
	assert.Equal(t, models.StatusInProgress, controlplane.StatusFromBuild("running"))
}

func TestNewKeySignerRejectsGarbage(t *testing.T) {
	_, err := controlplane.NewKeySigner("", "k", "t")
	require.Error(t, err)
	_, err = controlplane.NewKeySigner("not a key", "k", "t")
	require.Error(t, err)
}

func TestRateLimitedTransportThrottles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	httpClient := &http.Client{Transport: controlplane.NewRateLimitedTransport(nil, 20, 1)}
	began := time.Now()
	for i := 0; i < 3; i++ {
		resp, err := httpClient.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	// burst 1 at 20 rps: the second and third requests wait ~50ms each.
	assert.GreaterOrEqual(t, time.Since(began), 90*time.Millisecond)
}

func TestRateLimitedTransportHonorsContext(t *testing.T) {
	transport := controlplane.NewRateLimitedTransport(nil, 0.001, 1)
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:1", nil)
	require.NoError(t, err)
	// consume the single token
	_, _ = transport.RoundTrip(req)
	cancel()
	_, err = transport.RoundTrip(req)
	require.Error(t, err)
}
