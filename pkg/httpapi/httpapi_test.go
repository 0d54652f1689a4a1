package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/asbcorp24/pumnode/pkg/archive"
	"github.com/asbcorp24/pumnode/pkg/archivecache"
	"github.com/asbcorp24/pumnode/pkg/config"
)

type memBacking struct{ buf []byte }

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

type fakeOTAStarter struct {
	mu    sync.Mutex
	calls []string
	fail  bool
	done  chan struct{}
}

func (f *fakeOTAStarter) StartUpdate(ctx context.Context, imagePath string) error {
	f.mu.Lock()
	f.calls = append(f.calls, imagePath)
	f.mu.Unlock()
	if f.done != nil {
		close(f.done)
	}
	if f.fail {
		return errStartUpdateFailed
	}
	return nil
}

type startUpdateFailedError struct{}

func (startUpdateFailedError) Error() string { return "start update failed" }

var errStartUpdateFailed = startUpdateFailedError{}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithOTA(t, nil)
}

func newTestServerWithOTA(t *testing.T, otaStarter OTAStarter) *Server {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"), config.Values{MQTTPort: 1883})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	backing := &memBacking{buf: make([]byte, 4+5*21)}
	arc, err := archive.Open(backing, len(backing.buf), nil)
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	return New(cfg, archivecache.New(arc, nil, 0), otaStarter)
}

func TestGetConfig(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/getConfig", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var vals config.Values
	if err := json.Unmarshal(w.Body.Bytes(), &vals); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if vals.MQTTPort != 1883 {
		t.Fatalf("MQTTPort = %d, want 1883", vals.MQTTPort)
	}
}

func TestSetConfig(t *testing.T) {
	s := newTestServer(t)
	body := bytes.NewBufferString(`{"wifi_ssid":"farmnet"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/setConfig", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if s.cfg.Get().WiFiSSID != "farmnet" {
		t.Fatalf("WiFiSSID = %q, want farmnet", s.cfg.Get().WiFiSSID)
	}
}

func TestExportArchive(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/exportArchive", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var entries []archivecache.ExportEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("len(entries) = %d, want 5", len(entries))
	}
}

func TestStartOtaUpdateUnavailableWithoutStarter(t *testing.T) {
	s := newTestServer(t)
	body := bytes.NewBufferString(`{"image_path":"/tmp/fw.bin"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/startOtaUpdate", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestStartOtaUpdateRejectsMissingImagePath(t *testing.T) {
	starter := &fakeOTAStarter{}
	s := newTestServerWithOTA(t, starter)
	body := bytes.NewBufferString(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/api/startOtaUpdate", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestStartOtaUpdateTriggersSender(t *testing.T) {
	starter := &fakeOTAStarter{done: make(chan struct{})}
	s := newTestServerWithOTA(t, starter)
	body := bytes.NewBufferString(`{"image_path":"/var/lib/pumnode/fw-1.2.3.bin"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/startOtaUpdate", body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	select {
	case <-starter.done:
	case <-time.After(time.Second):
		t.Fatal("expected StartUpdate to be called")
	}

	starter.mu.Lock()
	defer starter.mu.Unlock()
	if len(starter.calls) != 1 || starter.calls[0] != "/var/lib/pumnode/fw-1.2.3.bin" {
		t.Fatalf("calls = %v, want one call with the given image path", starter.calls)
	}
}
