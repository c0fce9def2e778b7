package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Persisted values use little-endian fixed-width integers and
// length-prefixed strings. The layouts are part of the on-cluster format and
// must not change incompatibly.

func putFixed32(b *bytes.Buffer, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.Write(buf[:])
}

func putFixed64(b *bytes.Buffer, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	b.Write(buf[:])
}

func putLengthPrefixed(b *bytes.Buffer, s string) {
	putFixed64(b, uint64(len(s)))
	b.WriteString(s)
}

func getFixed32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func getFixed64(r *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func getLengthPrefixed(r *bytes.Reader) (string, error) {
	n, err := getFixed64(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("length prefix %d exceeds remaining %d bytes", n, r.Len())
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

// EncodeNameList serializes a namelist as count || (len || bytes)*.
func EncodeNameList(names []string) []byte {
	var b bytes.Buffer
	putFixed64(&b, uint64(len(names)))
	for _, name := range names {
		putLengthPrefixed(&b, name)
	}
	return b.Bytes()
}

// DecodeNameList parses a namelist blob produced by EncodeNameList.
func DecodeNameList(blob []byte) ([]string, error) {
	r := bytes.NewReader(blob)
	count, err := getFixed64(r)
	if err != nil {
		return nil, fmt.Errorf("namelist count: %w", err)
	}
	names := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		name, err := getLengthPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("namelist entry %d: %w", i, err)
		}
		names = append(names, name)
	}
	return names, nil
}
