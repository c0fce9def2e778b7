package kv

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shoalstore/shoalstore/internal/config"
)

// FirestoreCluster stores each entry as one document in a single collection.
// Keys may contain '/', which Firestore document IDs forbid, so IDs are
// base64url-encoded.
type FirestoreCluster struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreCluster(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreCluster, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "shoalstore"
	}

	return &FirestoreCluster{client: client, collection: collection}, nil
}

type firestoreDoc struct {
	Table string `firestore:"table"`
	Part  int    `firestore:"part"`
	Key   string `firestore:"key"`
	Value []byte `firestore:"value"`
}

func (c *FirestoreCluster) docRef(table, key string) *firestore.DocumentRef {
	id := table + "_" + base64.URLEncoding.EncodeToString([]byte(key))
	return c.client.Collection(c.collection).Doc(id)
}

func (c *FirestoreCluster) Get(ctx context.Context, table, key string) ([]byte, error) {
	snap, err := c.docRef(table, key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("firestore get %s/%s: %w", table, key, err)
	}
	var doc firestoreDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore decode %s/%s: %w", table, key, err)
	}
	return doc.Value, nil
}

func (c *FirestoreCluster) Set(ctx context.Context, table, key string, value []byte) error {
	_, err := c.docRef(table, key).Set(ctx, firestoreDoc{
		Table: table,
		Part:  Partition(key),
		Key:   key,
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("firestore set %s/%s: %w", table, key, err)
	}
	return nil
}

func (c *FirestoreCluster) Delete(ctx context.Context, table, key string) error {
	_, err := c.docRef(table, key).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (c *FirestoreCluster) ListKeys(ctx context.Context, table, prefix string) ([]string, error) {
	q := c.client.Collection(c.collection).
		Where("table", "==", table).
		Where("key", ">=", prefix)
	if upper, ok := prefixUpperBound(prefix); ok {
		q = q.Where("key", "<", upper)
	}

	var keys []string
	it := q.Documents(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore scan %s prefix %q: %w", table, prefix, err)
		}
		var doc firestoreDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, err
		}
		keys = append(keys, doc.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *FirestoreCluster) Space(ctx context.Context) (uint64, uint64, error) {
	// Firestore does not expose per-collection sizes.
	return 0, 0, nil
}

func (c *FirestoreCluster) Ping(ctx context.Context) error {
	it := c.client.Collection(c.collection).Limit(1).Documents(ctx)
	defer it.Stop()
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (c *FirestoreCluster) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
