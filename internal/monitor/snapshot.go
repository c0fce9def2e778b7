package monitor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// Snapshot layout, all little-endian:
//
//	uint64 meta_vol, data_vol, cluster_traffic
//	uint64 N_buckets, (uint64 len || name || uint64 vol)*
//	uint64 N_traffic, (uint64 len || name || uint64 bytes)*
//	uint64 N_api, then three runs of (uint32 kind || uint64 count) over the
//	  same kind list: ok, 4xx, 5xx
//	uint64 request_count
//	uint64 upload_part_time (float64 bits of the mean)

func putU64(b *bytes.Buffer, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	b.Write(buf[:])
}

func putU32(b *bytes.Buffer, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.Write(buf[:])
}

func putString(b *bytes.Buffer, s string) {
	putU64(b, uint64(len(s)))
	b.WriteString(s)
}

func getU64(r *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func getU32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func getString(r *bytes.Reader) (string, error) {
	n, err := getU64(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", n, r.Len())
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func sortedKinds(maps ...map[APIKind]uint64) []APIKind {
	seen := make(map[APIKind]bool)
	for _, m := range maps {
		for k := range m {
			seen[k] = true
		}
	}
	kinds := make([]APIKind, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func putStringMap(b *bytes.Buffer, m map[string]uint64) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	putU64(b, uint64(len(names)))
	for _, name := range names {
		putString(b, name)
		putU64(b, m[name])
	}
}

func getStringMap(r *bytes.Reader) (map[string]uint64, error) {
	n, err := getU64(r)
	if err != nil {
		return nil, err
	}
	m := make(map[string]uint64, n)
	for i := uint64(0); i < n; i++ {
		name, err := getString(r)
		if err != nil {
			return nil, err
		}
		v, err := getU64(r)
		if err != nil {
			return nil, err
		}
		m[name] = v
	}
	return m, nil
}

// MetaValue serializes the monitor state for persistence in the meta table.
func (m *Monitor) MetaValue() []byte {
	var b bytes.Buffer
	putU64(&b, m.metaVol.Load())
	putU64(&b, m.dataVol.Load())
	putU64(&b, m.clusterTraffic.Load())

	m.mu.Lock()
	putStringMap(&b, m.bucketVol)
	putStringMap(&b, m.bucketTraffic)

	kinds := sortedKinds(m.apiOK, m.api4xx, m.api5xx)
	putU64(&b, uint64(len(kinds)))
	for _, counts := range []map[APIKind]uint64{m.apiOK, m.api4xx, m.api5xx} {
		for _, k := range kinds {
			putU32(&b, uint32(k))
			putU64(&b, counts[k])
		}
	}
	m.mu.Unlock()

	putU64(&b, m.requestCount.Load())

	m.meanMu.Lock()
	putU64(&b, math.Float64bits(m.uploadPartMean))
	m.meanMu.Unlock()

	return b.Bytes()
}

// ParseMetaValue restores monitor state from a snapshot blob, replacing the
// current counters.
func (m *Monitor) ParseMetaValue(blob []byte) error {
	r := bytes.NewReader(blob)

	metaVol, err := getU64(r)
	if err != nil {
		return fmt.Errorf("snapshot meta_vol: %w", err)
	}
	dataVol, err := getU64(r)
	if err != nil {
		return fmt.Errorf("snapshot data_vol: %w", err)
	}
	traffic, err := getU64(r)
	if err != nil {
		return fmt.Errorf("snapshot cluster_traffic: %w", err)
	}

	bucketVol, err := getStringMap(r)
	if err != nil {
		return fmt.Errorf("snapshot bucket_volume: %w", err)
	}
	bucketTraffic, err := getStringMap(r)
	if err != nil {
		return fmt.Errorf("snapshot bucket_traffic: %w", err)
	}

	nAPI, err := getU64(r)
	if err != nil {
		return fmt.Errorf("snapshot api count: %w", err)
	}
	apiMaps := make([]map[APIKind]uint64, 3)
	for i := range apiMaps {
		apiMaps[i] = make(map[APIKind]uint64, nAPI)
		for j := uint64(0); j < nAPI; j++ {
			kind, err := getU32(r)
			if err != nil {
				return fmt.Errorf("snapshot api kind: %w", err)
			}
			count, err := getU64(r)
			if err != nil {
				return fmt.Errorf("snapshot api counter: %w", err)
			}
			apiMaps[i][APIKind(kind)] = count
		}
	}

	requestCount, err := getU64(r)
	if err != nil {
		return fmt.Errorf("snapshot request_count: %w", err)
	}
	meanBits, err := getU64(r)
	if err != nil {
		return fmt.Errorf("snapshot upload_part_time: %w", err)
	}

	m.metaVol.Store(metaVol)
	m.dataVol.Store(dataVol)
	m.clusterTraffic.Store(traffic)
	m.requestCount.Store(requestCount)

	m.mu.Lock()
	m.bucketVol = bucketVol
	m.bucketTraffic = bucketTraffic
	m.apiOK = apiMaps[0]
	m.api4xx = apiMaps[1]
	m.api5xx = apiMaps[2]
	m.mu.Unlock()

	m.meanMu.Lock()
	m.uploadPartMean = math.Float64frombits(meanBits)
	if m.uploadPartMean != 0 {
		// Sample count is not persisted; weight the restored mean as one
		// observation.
		m.uploadPartN = 1
	}
	m.meanMu.Unlock()

	return nil
}
