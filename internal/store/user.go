package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shoalstore/shoalstore/internal/kv"
)

const (
	accessKeyLen = 20
	secretKeyLen = 40
)

// User is one credential pair. A display name may own several pairs; each is
// persisted as its own record keyed by access key.
type User struct {
	Name      string
	AccessKey string
	SecretKey string
	CreatedAt time.Time
}

const alnum = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func randomToken(width int) (string, error) {
	b := make([]byte, width)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alnum))))
		if err != nil {
			return "", err
		}
		b[i] = alnum[n.Int64()]
	}
	return string(b), nil
}

func encodeUser(u *User) []byte {
	var b bytes.Buffer
	putLengthPrefixed(&b, u.Name)
	putLengthPrefixed(&b, u.AccessKey)
	putLengthPrefixed(&b, u.SecretKey)
	putFixed64(&b, uint64(u.CreatedAt.UnixMicro()))
	return b.Bytes()
}

func decodeUser(blob []byte) (*User, error) {
	r := bytes.NewReader(blob)
	u := &User{}
	var err error
	if u.Name, err = getLengthPrefixed(r); err != nil {
		return nil, err
	}
	if u.AccessKey, err = getLengthPrefixed(r); err != nil {
		return nil, err
	}
	if u.SecretKey, err = getLengthPrefixed(r); err != nil {
		return nil, err
	}
	us, err := getFixed64(r)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = time.UnixMicro(int64(us))
	return u, nil
}

// AddUser generates a fresh credential pair for name and persists it keyed
// by the access key. An access-key collision is retried a few times before
// giving up.
func (s *Store) AddUser(ctx context.Context, name string) (accessKey, secretKey string, err error) {
	for attempt := 0; attempt < 3; attempt++ {
		accessKey, err = randomToken(accessKeyLen)
		if err != nil {
			return "", "", err
		}
		secretKey, err = randomToken(secretKeyLen)
		if err != nil {
			return "", "", err
		}

		if _, err = s.kv.Get(ctx, kv.MetaTable, userKey(accessKey)); err == nil {
			continue // collision
		} else if !errors.Is(err, ErrNotFound) {
			return "", "", err
		}

		u := &User{Name: name, AccessKey: accessKey, SecretKey: secretKey, CreatedAt: time.Now()}
		if err = s.kv.Set(ctx, kv.MetaTable, userKey(accessKey), encodeUser(u)); err != nil {
			return "", "", err
		}
		return accessKey, secretKey, nil
	}
	return "", "", fmt.Errorf("store: access key collision persisted after retries")
}

// GetUser looks up the credential pair for an access key.
func (s *Store) GetUser(ctx context.Context, accessKey string) (*User, error) {
	blob, err := s.kv.Get(ctx, kv.MetaTable, userKey(accessKey))
	if err != nil {
		return nil, err
	}
	return decodeUser(blob)
}

// ListUsers returns every credential pair, discovered by prefix scan.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	keys, err := s.kv.ListKeys(ctx, kv.MetaTable, "u")
	if err != nil {
		return nil, err
	}
	users := make([]*User, 0, len(keys))
	for _, k := range keys {
		blob, err := s.kv.Get(ctx, kv.MetaTable, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		u, err := decodeUser(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding user %s: %w", k, err)
		}
		users = append(users, u)
	}
	return users, nil
}
