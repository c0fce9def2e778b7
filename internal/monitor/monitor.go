// Package monitor tracks gateway-wide counters: cluster volumes, per-bucket
// volume and traffic, per-API outcome counts, QPS, and the upload-part
// latency mean. Scalars are atomics; map-valued counters share one mutex.
// The whole state round-trips through a snapshot blob persisted in the meta
// table so counters survive restarts.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"
)

// APIKind identifies one S3 operation for per-API accounting. Values are
// persisted in the snapshot; do not renumber.
type APIKind uint32

const (
	APIListAllBuckets APIKind = iota
	APIListObjects
	APIPutBucket
	APIDelBucket
	APIHeadBucket
	APIGetBucketLocation
	APIListMultipartUploads
	APIDeleteMultiObjects
	APIPutObject
	APICopyObject
	APIGetObject
	APIDelObject
	APIHeadObject
	APIInitMultipartUpload
	APIUploadPart
	APIUploadPartCopy
	APICompleteMultipartUpload
	APIAbortMultipartUpload
	APIListParts
	APIUnknown
)

var apiNames = map[APIKind]string{
	APIListAllBuckets:          "ListAllBuckets",
	APIListObjects:             "ListObjects",
	APIPutBucket:               "PutBucket",
	APIDelBucket:               "DelBucket",
	APIHeadBucket:              "HeadBucket",
	APIGetBucketLocation:       "GetBucketLocation",
	APIListMultipartUploads:    "ListMultipartUploads",
	APIDeleteMultiObjects:      "DeleteMultiObjects",
	APIPutObject:               "PutObject",
	APICopyObject:              "CopyObject",
	APIGetObject:               "GetObject",
	APIDelObject:               "DelObject",
	APIHeadObject:              "HeadObject",
	APIInitMultipartUpload:     "InitMultipartUpload",
	APIUploadPart:              "UploadPart",
	APIUploadPartCopy:          "UploadPartCopy",
	APICompleteMultipartUpload: "CompleteMultipartUpload",
	APIAbortMultipartUpload:    "AbortMultipartUpload",
	APIListParts:               "ListParts",
	APIUnknown:                 "Unknown",
}

func (k APIKind) String() string {
	if s, ok := apiNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Monitor is safe for concurrent use by every request goroutine.
type Monitor struct {
	metaVol        atomic.Uint64
	dataVol        atomic.Uint64
	clusterTraffic atomic.Uint64
	requestCount   atomic.Uint64

	mu            sync.Mutex
	bucketVol     map[string]uint64
	bucketTraffic map[string]uint64
	apiOK         map[APIKind]uint64
	api4xx        map[APIKind]uint64
	api5xx        map[APIKind]uint64

	// Running mean of upload-part wall time, guarded by meanMu. A plain
	// static counter here raced under concurrent part uploads.
	meanMu         sync.Mutex
	uploadPartMean float64
	uploadPartN    uint64

	// QPS sampling state.
	qpsMu        sync.Mutex
	curQueryNum  atomic.Uint64
	lastQueryNum uint64
	lastSample   time.Time

	bucketVolUpdatedAt atomic.Int64 // unix micros of last full rescan
	rescanRequested    atomic.Bool
}

func New() *Monitor {
	return &Monitor{
		bucketVol:     make(map[string]uint64),
		bucketTraffic: make(map[string]uint64),
		apiOK:         make(map[APIKind]uint64),
		api4xx:        make(map[APIKind]uint64),
		api5xx:        make(map[APIKind]uint64),
	}
}

// AddBucketVol credits size bytes to a bucket's stored volume.
func (m *Monitor) AddBucketVol(bucket string, size uint64) {
	m.mu.Lock()
	m.bucketVol[bucket] += size
	m.mu.Unlock()
}

// DelBucketVol debits size bytes from a bucket's stored volume.
func (m *Monitor) DelBucketVol(bucket string, size uint64) {
	m.mu.Lock()
	if cur := m.bucketVol[bucket]; cur <= size {
		delete(m.bucketVol, bucket)
	} else {
		m.bucketVol[bucket] = cur - size
	}
	m.mu.Unlock()
}

// SetBucketVol replaces a bucket's volume after a full rescan.
func (m *Monitor) SetBucketVol(bucket string, size uint64) {
	m.mu.Lock()
	m.bucketVol[bucket] = size
	m.mu.Unlock()
}

// ClearBucketVol drops all per-bucket volumes ahead of a rescan.
func (m *Monitor) ClearBucketVol() {
	m.mu.Lock()
	m.bucketVol = make(map[string]uint64)
	m.mu.Unlock()
	m.bucketVolUpdatedAt.Store(0)
}

// AddBucketTraffic credits size bytes of request traffic to a bucket and to
// the cluster total.
func (m *Monitor) AddBucketTraffic(bucket string, size uint64) {
	m.mu.Lock()
	m.bucketTraffic[bucket] += size
	m.mu.Unlock()
	m.clusterTraffic.Add(size)
}

// SetClusterVol records the cluster's meta and data table volumes.
func (m *Monitor) SetClusterVol(metaVol, dataVol uint64) {
	m.metaVol.Store(metaVol)
	m.dataVol.Store(dataVol)
}

// AddRequest counts one S3 request, for both the lifetime total and QPS.
func (m *Monitor) AddRequest() {
	m.requestCount.Add(1)
	m.curQueryNum.Add(1)
}

// AddAPIRequest records the outcome of one operation by HTTP status class.
func (m *Monitor) AddAPIRequest(kind APIKind, httpStatus int) {
	m.mu.Lock()
	switch {
	case httpStatus >= 500:
		m.api5xx[kind]++
	case httpStatus >= 400:
		m.api4xx[kind]++
	default:
		m.apiOK[kind]++
	}
	m.mu.Unlock()
}

// UpdateUploadPartTime folds one part upload's wall time (seconds) into the
// running mean.
func (m *Monitor) UpdateUploadPartTime(seconds float64) {
	m.meanMu.Lock()
	m.uploadPartMean = (m.uploadPartMean*float64(m.uploadPartN) + seconds) / float64(m.uploadPartN+1)
	m.uploadPartN++
	m.meanMu.Unlock()
}

// QPS samples the query counter against the previous call and returns
// queries per second over that window.
func (m *Monitor) QPS() uint64 {
	m.qpsMu.Lock()
	defer m.qpsMu.Unlock()

	now := time.Now()
	cur := m.curQueryNum.Load()
	if m.lastSample.IsZero() {
		m.lastQueryNum = cur
		m.lastSample = now
		return 0
	}
	elapsed := now.Sub(m.lastSample).Seconds()
	if elapsed <= 0 {
		return 0
	}
	qps := uint64(float64(cur-m.lastQueryNum) / elapsed)
	m.lastQueryNum = cur
	m.lastSample = now
	return qps
}

// BucketVolUpdated stamps the completion of a full bucket-volume rescan.
func (m *Monitor) BucketVolUpdated() {
	m.bucketVolUpdatedAt.Store(time.Now().UnixMicro())
	m.rescanRequested.Store(false)
}

// RequestRescan asks the cron loop to recompute bucket volumes.
func (m *Monitor) RequestRescan() {
	m.rescanRequested.Store(true)
}

// ShouldRescan reports whether a bucket-volume rescan is due: either one was
// requested explicitly or the daily 3 a.m. refresh has come around.
func (m *Monitor) ShouldRescan(now time.Time) bool {
	if m.rescanRequested.Load() {
		return true
	}
	last := m.bucketVolUpdatedAt.Load()
	if last == 0 {
		return true
	}
	lastT := time.UnixMicro(last)
	refresh := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
	return now.After(refresh) && lastT.Before(refresh)
}

// Reset zeroes every counter. Cluster and bucket volumes are kept: they
// describe stored state, not request history.
func (m *Monitor) Reset() {
	m.clusterTraffic.Store(0)
	m.requestCount.Store(0)
	m.curQueryNum.Store(0)

	m.mu.Lock()
	m.bucketTraffic = make(map[string]uint64)
	m.apiOK = make(map[APIKind]uint64)
	m.api4xx = make(map[APIKind]uint64)
	m.api5xx = make(map[APIKind]uint64)
	m.mu.Unlock()

	m.meanMu.Lock()
	m.uploadPartMean = 0
	m.uploadPartN = 0
	m.meanMu.Unlock()

	m.qpsMu.Lock()
	m.lastQueryNum = 0
	m.lastSample = time.Time{}
	m.qpsMu.Unlock()
}

// APICount is one row of the per-API breakdown in a Status.
type APICount struct {
	API    string `json:"api"`
	OK     uint64 `json:"ok"`
	Err4xx uint64 `json:"err_4xx"`
	Err5xx uint64 `json:"err_5xx"`
}

// Status is the human-readable view served by the admin /status endpoint.
type Status struct {
	MetaVolume     uint64            `json:"meta_volume"`
	DataVolume     uint64            `json:"data_volume"`
	ClusterTraffic uint64            `json:"cluster_traffic"`
	RequestCount   uint64            `json:"request_count"`
	QPS            uint64            `json:"qps"`
	UploadPartMean float64           `json:"upload_part_mean_seconds"`
	BucketVolume   map[string]uint64 `json:"bucket_volume"`
	BucketTraffic  map[string]uint64 `json:"bucket_traffic"`
	APICounts      []APICount        `json:"api_counts"`
}

// GetStatus assembles a point-in-time view of every counter.
func (m *Monitor) GetStatus() *Status {
	st := &Status{
		MetaVolume:     m.metaVol.Load(),
		DataVolume:     m.dataVol.Load(),
		ClusterTraffic: m.clusterTraffic.Load(),
		RequestCount:   m.requestCount.Load(),
		QPS:            m.QPS(),
		BucketVolume:   make(map[string]uint64),
		BucketTraffic:  make(map[string]uint64),
	}

	m.meanMu.Lock()
	st.UploadPartMean = m.uploadPartMean
	m.meanMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.bucketVol {
		st.BucketVolume[k] = v
	}
	for k, v := range m.bucketTraffic {
		st.BucketTraffic[k] = v
	}
	for _, kind := range sortedKinds(m.apiOK, m.api4xx, m.api5xx) {
		st.APICounts = append(st.APICounts, APICount{
			API:    kind.String(),
			OK:     m.apiOK[kind],
			Err4xx: m.api4xx[kind],
			Err5xx: m.api5xx[kind],
		})
	}
	return st
}
