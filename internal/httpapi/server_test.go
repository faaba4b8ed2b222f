package httpapi

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/taskmanager"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/workarea"
)

type stubStatus struct {
	agents map[string]interface{}
	tasks  map[string]taskmanager.TaskFrameView
}

func (s stubStatus) AgentsInfo() map[string]interface{}                  { return s.agents }
func (s stubStatus) TaskStatuses() map[string]taskmanager.TaskFrameView { return s.tasks }

func newTestServer(t *testing.T) (*Server, *workarea.WorkArea) {
	t.Helper()
	wa := workarea.New(t.TempDir())
	require.NoError(t, wa.Init())
	srv := New(":0", wa, stubStatus{
		agents: map[string]interface{}{"agents": "ok"},
		tasks:  map[string]taskmanager.TaskFrameView{"a1": {TaskID: "t1", Status: "RUNNING"}},
	})
	return srv, wa
}

func TestHelloReturnsPlainText(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello")
}

func TestStatusReturnsJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agents")
}

func TestTaskStatusReturnsJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tstatus", nil)
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "t1")
}

func TestInboxStagesThenRelocatesIntoDataInbox(t *testing.T) {
	srv, wa := newTestServer(t)
	body := "EUC_VIS_STACK-12345-120-M_20240101T000000.0Z_01.00.fits contents"
	req := httptest.NewRequest(http.MethodPost, "/inbox/sample.fits", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	data, err := os.ReadFile(filepath.Join(wa.Inbox(), "sample.fits"))
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	_, err = os.Stat(filepath.Join(wa.ServerInbox(), "sample.fits"))
	assert.True(t, os.IsNotExist(err), "staged file should have been relocated, not left behind")
}

func TestOutputsRelocatesIntoArchive(t *testing.T) {
	srv, wa := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/outputs/result.out", strings.NewReader("payload"))
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	_, err := os.Stat(filepath.Join(wa.Archive(), "result.out"))
	assert.NoError(t, err)
}

func TestInboxRejectsBodyOverLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.maxBodyBytes = 4
	req := httptest.NewRequest(http.MethodPost, "/inbox/big.fits", strings.NewReader("way too large a body"))
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
