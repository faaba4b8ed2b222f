package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStatusDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"agents":{"a1":{"num_tasks":2}}}`))
	}))
	defer srv.Close()

	c := New()
	out, err := c.GetStatus(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "agents")
}

func TestGetTaskStatusDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tstatus", r.URL.Path)
		w.Write([]byte(`{"a1":{"task_id":"t1","status":"RUNNING","info":"{}","new":true}}`))
	}))
	defer srv.Close()

	c := New()
	out, err := c.GetTaskStatus(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Contains(t, out, "a1")
	assert.Equal(t, "t1", out["a1"].TaskID)
	assert.True(t, out["a1"].New)
}

func TestGetStatusReturnsErrorOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New()
	_, err := c.GetStatus(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestPostInboxUploadsFileContents(t *testing.T) {
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inbox/sample.fits", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "sample.fits")
	require.NoError(t, os.WriteFile(path, []byte("product bytes"), 0o644))

	c := New()
	require.NoError(t, c.PostInbox(context.Background(), srv.URL, path))
	assert.Equal(t, "product bytes", received)
}

func TestPostOutputsReturnsErrorOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "out.dat")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	c := New()
	err := c.PostOutputs(context.Background(), srv.URL, path)
	assert.Error(t, err)
}
