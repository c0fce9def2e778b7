package monitor

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestBucketVolAccounting(t *testing.T) {
	m := New()
	m.AddBucketVol("b", 100)
	m.AddBucketVol("b", 50)
	m.DelBucketVol("b", 30)

	st := m.GetStatus()
	if st.BucketVolume["b"] != 120 {
		t.Errorf("volume = %d, want 120", st.BucketVolume["b"])
	}

	// Debiting at or below zero drops the entry instead of wrapping.
	m.DelBucketVol("b", 500)
	st = m.GetStatus()
	if _, ok := st.BucketVolume["b"]; ok {
		t.Errorf("volume entry survived over-debit: %d", st.BucketVolume["b"])
	}
}

func TestAPIRequestStatusClasses(t *testing.T) {
	m := New()
	m.AddAPIRequest(APIGetObject, 200)
	m.AddAPIRequest(APIGetObject, 206)
	m.AddAPIRequest(APIGetObject, 404)
	m.AddAPIRequest(APIGetObject, 500)
	m.AddAPIRequest(APIPutObject, 200)

	st := m.GetStatus()
	if len(st.APICounts) != 2 {
		t.Fatalf("len(APICounts) = %d, want 2", len(st.APICounts))
	}
	var get APICount
	for _, c := range st.APICounts {
		if c.API == "GetObject" {
			get = c
		}
	}
	if get.OK != 2 || get.Err4xx != 1 || get.Err5xx != 1 {
		t.Errorf("GetObject counts = %+v", get)
	}
}

func TestUploadPartMeanConcurrent(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.UpdateUploadPartTime(0.5)
			}
		}()
	}
	wg.Wait()

	m.meanMu.Lock()
	mean, n := m.uploadPartMean, m.uploadPartN
	m.meanMu.Unlock()
	if n != 800 {
		t.Errorf("sample count = %d, want 800", n)
	}
	if math.Abs(mean-0.5) > 1e-9 {
		t.Errorf("mean = %g, want 0.5", mean)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := New()
	m.SetClusterVol(1<<30, 5<<30)
	m.AddBucketVol("photos", 4096)
	m.AddBucketVol("logs", 8192)
	m.AddBucketTraffic("photos", 1234)
	m.AddAPIRequest(APIPutObject, 200)
	m.AddAPIRequest(APIPutObject, 403)
	m.AddAPIRequest(APIDelObject, 500)
	m.AddRequest()
	m.AddRequest()
	m.UpdateUploadPartTime(0.25)

	blob := m.MetaValue()

	restored := New()
	if err := restored.ParseMetaValue(blob); err != nil {
		t.Fatalf("ParseMetaValue: %v", err)
	}

	st := restored.GetStatus()
	if st.MetaVolume != 1<<30 || st.DataVolume != 5<<30 {
		t.Errorf("volumes = %d/%d", st.MetaVolume, st.DataVolume)
	}
	if st.ClusterTraffic != 1234 {
		t.Errorf("cluster traffic = %d, want 1234", st.ClusterTraffic)
	}
	if st.RequestCount != 2 {
		t.Errorf("request count = %d, want 2", st.RequestCount)
	}
	if st.BucketVolume["photos"] != 4096 || st.BucketVolume["logs"] != 8192 {
		t.Errorf("bucket volumes = %v", st.BucketVolume)
	}
	if st.BucketTraffic["photos"] != 1234 {
		t.Errorf("bucket traffic = %v", st.BucketTraffic)
	}
	if st.UploadPartMean != 0.25 {
		t.Errorf("upload part mean = %g, want 0.25", st.UploadPartMean)
	}

	counts := make(map[string]APICount)
	for _, c := range st.APICounts {
		counts[c.API] = c
	}
	if c := counts["PutObject"]; c.OK != 1 || c.Err4xx != 1 || c.Err5xx != 0 {
		t.Errorf("PutObject counts = %+v", c)
	}
	if c := counts["DelObject"]; c.OK != 0 || c.Err4xx != 0 || c.Err5xx != 1 {
		t.Errorf("DelObject counts = %+v", c)
	}
}

func TestParseMetaValueTruncated(t *testing.T) {
	m := New()
	m.AddBucketVol("b", 1)
	blob := m.MetaValue()

	restored := New()
	if err := restored.ParseMetaValue(blob[:len(blob)-5]); err == nil {
		t.Error("expected error parsing truncated snapshot")
	}
}

func TestParseMetaValueEmptyMonitor(t *testing.T) {
	blob := New().MetaValue()
	restored := New()
	if err := restored.ParseMetaValue(blob); err != nil {
		t.Fatalf("ParseMetaValue: %v", err)
	}
	st := restored.GetStatus()
	if st.RequestCount != 0 || len(st.BucketVolume) != 0 || len(st.APICounts) != 0 {
		t.Errorf("restored empty monitor = %+v", st)
	}
}

func TestQPS(t *testing.T) {
	m := New()

	// First sample only primes the window.
	if qps := m.QPS(); qps != 0 {
		t.Errorf("first sample qps = %d, want 0", qps)
	}
	for i := 0; i < 100; i++ {
		m.AddRequest()
	}
	time.Sleep(20 * time.Millisecond)
	if qps := m.QPS(); qps == 0 {
		t.Error("qps = 0 after 100 requests")
	}
}

func TestShouldRescan(t *testing.T) {
	m := New()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Never scanned.
	if !m.ShouldRescan(now) {
		t.Error("ShouldRescan = false before any scan")
	}

	m.BucketVolUpdated()
	if m.ShouldRescan(now.Add(time.Minute)) {
		t.Error("ShouldRescan = true right after a scan")
	}

	// Explicit request wins regardless of timing.
	m.RequestRescan()
	if !m.ShouldRescan(now) {
		t.Error("ShouldRescan = false after RequestRescan")
	}
	m.BucketVolUpdated()
	if m.ShouldRescan(now) {
		t.Error("rescan request survived BucketVolUpdated")
	}

	// A scan stamped before today's 3 a.m. refresh is stale once the refresh
	// passes.
	m.bucketVolUpdatedAt.Store(time.Date(2026, 8, 24, 1, 0, 0, 0, time.UTC).UnixMicro())
	if !m.ShouldRescan(time.Date(2026, 8, 24, 4, 0, 0, 0, time.UTC)) {
		t.Error("ShouldRescan = false with pre-refresh stamp")
	}
	m.bucketVolUpdatedAt.Store(time.Date(2026, 8, 24, 3, 30, 0, 0, time.UTC).UnixMicro())
	if m.ShouldRescan(time.Date(2026, 8, 24, 4, 0, 0, 0, time.UTC)) {
		t.Error("ShouldRescan = true with post-refresh stamp")
	}
}

func TestResetKeepsVolumes(t *testing.T) {
	m := New()
	m.SetClusterVol(111, 222)
	m.AddBucketVol("b", 333)
	m.AddBucketTraffic("b", 444)
	m.AddRequest()
	m.AddAPIRequest(APIGetObject, 200)
	m.UpdateUploadPartTime(1.0)

	m.Reset()

	st := m.GetStatus()
	if st.MetaVolume != 111 || st.DataVolume != 222 {
		t.Errorf("cluster volumes reset: %d/%d", st.MetaVolume, st.DataVolume)
	}
	if st.BucketVolume["b"] != 333 {
		t.Errorf("bucket volume reset: %v", st.BucketVolume)
	}
	if st.ClusterTraffic != 0 || st.RequestCount != 0 || st.UploadPartMean != 0 {
		t.Errorf("counters survived reset: %+v", st)
	}
	if len(st.BucketTraffic) != 0 || len(st.APICounts) != 0 {
		t.Errorf("maps survived reset: %+v", st)
	}
}
