package kv

import (
	"context"
	"fmt"

	"github.com/shoalstore/shoalstore/internal/config"
)

// Open constructs the Cluster named by cfg.Driver.
func Open(ctx context.Context, cfg *config.KVConfig) (Cluster, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryCluster(), nil
	case "sqlite":
		return NewSQLiteCluster(cfg.SQLite)
	case "dynamodb":
		return NewDynamoCluster(cfg.DynamoDB)
	case "firestore":
		return NewFirestoreCluster(ctx, cfg.Firestore)
	case "cosmos":
		return NewCosmosCluster(cfg.Cosmos)
	default:
		return nil, fmt.Errorf("unknown kv driver %q", cfg.Driver)
	}
}
