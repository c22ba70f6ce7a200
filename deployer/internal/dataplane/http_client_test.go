package dataplane_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/dataplane"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
	"github.com/ILLUVRSE/searchdeploy/deployer/internal/testutil"
)

// fakeDocumentAPI is a minimal in-memory /document/v1 implementation.
type fakeDocumentAPI struct {
	mu        sync.Mutex
	docs      map[string]map[string]interface{}
	pageSize  int
	authToken string
}

func newFakeDocumentAPI() *fakeDocumentAPI {
	return &fakeDocumentAPI{docs: map[string]map[string]interface{}{}, pageSize: 2}
}

func (f *fakeDocumentAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if f.authToken != "" && r.Header.Get("Authorization") != "Bearer "+f.authToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/ApplicationStatus", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/document/v1/{ns}/{type}/docid", func(r chi.Router) {
		r.Delete("/", f.deleteSelection)
		r.Post("/{id}", f.put)
		r.Put("/{id}", f.update)
		r.Get("/{id}", f.get)
		r.Delete("/{id}", f.remove)
	})
	return r
}

func ids(r *http.Request) (string, string) {
	ns, typ, id := chi.URLParam(r, "ns"), chi.URLParam(r, "type"), chi.URLParam(r, "id")
	return fmt.Sprintf("id:%s:%s::%s", ns, typ, id), fmt.Sprintf("/document/v1/%s/%s/docid/%s", ns, typ, id)
}

func reply(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeDocumentAPI) put(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fields map[string]interface{} `json:"fields"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	id, path := ids(r)
	f.mu.Lock()
	f.docs[id] = body.Fields
	f.mu.Unlock()
	reply(w, http.StatusOK, map[string]string{"id": id, "pathId": path})
}

func (f *fakeDocumentAPI) update(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fields map[string]map[string]interface{} `json:"fields"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	id, path := ids(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		reply(w, http.StatusNotFound, map[string]string{"id": id, "message": "no such document"})
		return
	}
	for name, op := range body.Fields {
		doc[name] = op["assign"]
	}
	reply(w, http.StatusOK, map[string]string{"id": id, "pathId": path})
}

func (f *fakeDocumentAPI) get(w http.ResponseWriter, r *http.Request) {
	id, path := ids(r)
	f.mu.Lock()
	doc, ok := f.docs[id]
	f.mu.Unlock()
	if !ok {
		reply(w, http.StatusNotFound, map[string]string{"id": id, "pathId": path})
		return
	}
	reply(w, http.StatusOK, map[string]interface{}{"id": id, "pathId": path, "fields": doc})
}

func (f *fakeDocumentAPI) remove(w http.ResponseWriter, r *http.Request) {
	id, path := ids(r)
	f.mu.Lock()
	delete(f.docs, id)
	f.mu.Unlock()
	reply(w, http.StatusOK, map[string]string{"id": id, "pathId": path})
}

func (f *fakeDocumentAPI) deleteSelection(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("selection") != "true" || r.URL.Query().Get("cluster") == "" {
		reply(w, http.StatusBadRequest, map[string]string{"message": "selection and cluster required"})
		return
	}
	prefix := fmt.Sprintf("id:%s:%s::", chi.URLParam(r, "ns"), chi.URLParam(r, "type"))
	f.mu.Lock()
	defer f.mu.Unlock()
	removed, remaining := 0, 0
	for id := range f.docs {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if removed == f.pageSize {
			remaining++
			continue
		}
		delete(f.docs, id)
		removed++
	}
	resp := map[string]interface{}{"documentCount": removed}
	if remaining > 0 {
		resp["continuation"] = "next"
	}
	reply(w, http.StatusOK, resp)
}

func TestDocumentOperations(t *testing.T) {
	api := newFakeDocumentAPI()
	api.authToken = "secret"
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	ctx := context.Background()
	client := dataplane.NewHTTPClient(dataplane.HTTPClientConfig{Token: "secret"})
	inst := models.RunningInstance{URL: srv.URL}
	ref := dataplane.DocumentRef{DocumentType: "msmarco", ID: "1"}

	_, err := client.GetDocument(ctx, inst, ref)
	require.ErrorIs(t, err, dataplane.ErrNotFound)

	fed, err := client.FeedDocument(ctx, inst, ref, map[string]interface{}{
		"id":    "1",
		"title": "this is my first title",
		"body":  "this is my first body",
	})
	require.NoError(t, err)
	assert.Equal(t, "id:msmarco:msmarco::1", fed.ID)
	assert.Equal(t, ref.FullID(), fed.ID)

	got, err := client.GetDocument(ctx, inst, ref)
	require.NoError(t, err)
	assert.Equal(t, "/document/v1/msmarco/msmarco/docid/1", got.PathID)
	assert.Equal(t, "this is my first title", got.Fields["title"])

	_, err = client.UpdateDocument(ctx, inst, ref, map[string]interface{}{"title": "this is my updated title"})
	require.NoError(t, err)
	got, err = client.GetDocument(ctx, inst, ref)
	require.NoError(t, err)
	assert.Equal(t, "this is my updated title", got.Fields["title"])
	assert.Equal(t, "this is my first body", got.Fields["body"])

	deleted, err := client.DeleteDocument(ctx, inst, ref)
	require.NoError(t, err)
	assert.Equal(t, "id:msmarco:msmarco::1", deleted.ID)
	_, err = client.GetDocument(ctx, inst, ref)
	require.ErrorIs(t, err, dataplane.ErrNotFound)
}

func TestUnauthorizedIsStatusError(t *testing.T) {
	api := newFakeDocumentAPI()
	api.authToken = "secret"
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	client := dataplane.NewHTTPClient(dataplane.HTTPClientConfig{Token: "wrong"})
	_, err := client.GetDocument(context.Background(), models.RunningInstance{URL: srv.URL}, dataplane.DocumentRef{DocumentType: "msmarco", ID: "1"})
	var statusErr *dataplane.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

func TestFeedBatchAndDeleteAllFollowsContinuation(t *testing.T) {
	api := newFakeDocumentAPI()
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	ctx := context.Background()
	client := dataplane.NewHTTPClient(dataplane.HTTPClientConfig{})
	inst := models.RunningInstance{URL: srv.URL}

	docs := make([]dataplane.Document, 0, 5)
	for i := 0; i < 5; i++ {
		docs = append(docs, dataplane.Document{
			ID:     fmt.Sprintf("%d", i),
			Fields: map[string]interface{}{"title": fmt.Sprintf("this is title %d", i)},
		})
	}
	require.NoError(t, client.FeedBatch(ctx, inst, "msmarco", docs, 2))
	api.mu.Lock()
	assert.Len(t, api.docs, 5)
	api.mu.Unlock()

	count, err := client.DeleteAllDocuments(ctx, inst, "msmarco_content", "", "msmarco")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	api.mu.Lock()
	assert.Empty(t, api.docs)
	api.mu.Unlock()
}

func TestDeleteAllRequiresEndpoint(t *testing.T) {
	client := dataplane.NewHTTPClient(dataplane.HTTPClientConfig{})
	_, err := client.DeleteAllDocuments(context.Background(), models.RunningInstance{}, "c", "", "d")
	require.Error(t, err)
}

func TestDeleteAllUsesClusterNamespace(t *testing.T) {
	api := newFakeDocumentAPI()
	srv := httptest.NewServer(api.router())
	defer srv.Close()

	ctx := context.Background()
	client := dataplane.NewHTTPClient(dataplane.HTTPClientConfig{})
	inst := models.RunningInstance{URL: srv.URL}
	for i := 0; i < 3; i++ {
		ref := dataplane.DocumentRef{Namespace: "mynamespace", DocumentType: "music", ID: fmt.Sprintf("%d", i)}
		_, err := client.FeedDocument(ctx, inst, ref, map[string]interface{}{"title": "a song"})
		require.NoError(t, err)
	}

	count, err := client.DeleteAllDocuments(ctx, inst, "music", "", "music")
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = client.DeleteAllDocuments(ctx, inst, "music", "mynamespace", "music")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	api.mu.Lock()
	assert.Empty(t, api.docs)
	api.mu.Unlock()
}

func TestWaitForUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := testutil.NewFakeClock(time.Now())
	client := dataplane.NewHTTPClient(dataplane.HTTPClientConfig{Clock: clock})
	err := client.WaitForUp(context.Background(), models.RunningInstance{URL: srv.URL}, time.Minute, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, clock.Waits())
}

func TestWaitForUpTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clock := testutil.NewFakeClock(time.Now())
	client := dataplane.NewHTTPClient(dataplane.HTTPClientConfig{Clock: clock})
	err := client.WaitForUp(context.Background(), models.RunningInstance{URL: srv.URL}, 20*time.Second, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not up after 20s")
}
