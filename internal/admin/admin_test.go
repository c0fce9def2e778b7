package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shoalstore/shoalstore/internal/config"
	"github.com/shoalstore/shoalstore/internal/kv"
	"github.com/shoalstore/shoalstore/internal/monitor"
	"github.com/shoalstore/shoalstore/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(config.Default(), store.New(kv.NewMemoryCluster()), monitor.New())
}

func (s *Server) request(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.request(t, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var body HealthBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestOpenAPIServed(t *testing.T) {
	s := newTestServer(t)
	w := s.request(t, http.MethodGet, "/openapi.json")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ShoalStore Admin API") {
		t.Error("openapi spec missing API title")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := s.request(t, http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}

func TestPutAndListUsers(t *testing.T) {
	s := newTestServer(t)

	w := s.request(t, http.MethodPut, "/admin_put_user/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("put user: status %d: %s", w.Code, w.Body.String())
	}
	lines := strings.Split(w.Body.String(), "\r\n")
	if len(lines) != 2 || len(lines[0]) != 20 || len(lines[1]) != 40 {
		t.Fatalf("credential body = %q", w.Body.String())
	}
	accessKey := lines[0]

	w = s.request(t, http.MethodGet, "/admin_list_users")
	if w.Code != http.StatusOK {
		t.Fatalf("list users: status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "alice: "+accessKey) {
		t.Errorf("listing = %q", w.Body.String())
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(t)
	s.mon.AddBucketVol("bkt", 42)
	s.mon.AddRequest()

	w := s.request(t, http.MethodGet, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var st monitor.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.RequestCount != 1 || st.BucketVolume["bkt"] != 42 {
		t.Errorf("status = %+v", st)
	}
}

func TestUpdateBucketVol(t *testing.T) {
	s := newTestServer(t)
	s.mon.BucketVolUpdated()
	if s.mon.ShouldRescan(time.Now()) {
		t.Fatal("rescan already due")
	}

	w := s.request(t, http.MethodOptions, "/update_bucket_vol")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if !s.mon.ShouldRescan(time.Now()) {
		t.Error("rescan not scheduled")
	}
}

func TestResetStatus(t *testing.T) {
	s := newTestServer(t)
	s.mon.AddRequest()
	s.mon.AddAPIRequest(monitor.APIGetObject, 200)

	w := s.request(t, http.MethodOptions, "/reset_status")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	st := s.mon.GetStatus()
	if st.RequestCount != 0 || len(st.APICounts) != 0 {
		t.Errorf("counters after reset = %+v", st)
	}

	// The cleared snapshot was persisted.
	blob, err := s.st.GetMeta(context.Background())
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	restored := monitor.New()
	if err := restored.ParseMetaValue(blob); err != nil {
		t.Fatalf("ParseMetaValue: %v", err)
	}
	if restored.GetStatus().RequestCount != 0 {
		t.Error("persisted snapshot not cleared")
	}
}

func TestRunCronFinalFlush(t *testing.T) {
	s := newTestServer(t)
	s.mon.AddRequest()
	s.mon.AddRequest()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunCron(ctx, time.Hour)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunCron did not return after cancel")
	}

	blob, err := s.st.GetMeta(context.Background())
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	restored := monitor.New()
	if err := restored.ParseMetaValue(blob); err != nil {
		t.Fatalf("ParseMetaValue: %v", err)
	}
	if got := restored.GetStatus().RequestCount; got != 2 {
		t.Errorf("persisted request count = %d, want 2", got)
	}
}

func TestRescanBucketVols(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	ak, _, err := s.st.AddUser(ctx, "tester")
	if err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := s.st.SaveNameList(ctx, store.BucketNames, ak, []string{"bkt"}); err != nil {
		t.Fatalf("SaveNameList: %v", err)
	}
	if err := s.st.SaveNameList(ctx, store.ObjectNames, "bkt", []string{"a", "b", "__ghost0123456789abcdef0123456789abcdef01"}); err != nil {
		t.Fatalf("SaveNameList: %v", err)
	}
	for name, size := range map[string]int{"a": 10, "b": 20} {
		obj := &store.Object{Bucket: "bkt", Name: name, MTime: time.Now(), ETag: `"x"`, Size: uint64(size)}
		if err := s.st.AddObject(ctx, obj, make([]byte, size)); err != nil {
			t.Fatalf("AddObject: %v", err)
		}
	}

	// Seed a stale figure the rescan must replace.
	s.mon.SetBucketVol("bkt", 9999)

	if err := s.rescanBucketVols(ctx); err != nil {
		t.Fatalf("rescanBucketVols: %v", err)
	}
	st := s.mon.GetStatus()
	if st.BucketVolume["bkt"] != 30 {
		t.Errorf("bucket volume = %d, want 30", st.BucketVolume["bkt"])
	}
}
