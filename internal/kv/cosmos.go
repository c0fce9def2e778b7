package kv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/shoalstore/shoalstore/internal/config"
)

// CosmosCluster stores entries as items in one Cosmos DB container,
// partitioned by "<table>#<partition>". Item IDs are base64url-encoded keys
// because Cosmos forbids '/', '\', '?' and '#' in IDs.
type CosmosCluster struct {
	container *azcosmos.ContainerClient
}

func NewCosmosCluster(cfg *config.CosmosConfig) (*CosmosCluster, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if cfg.Database == "" || cfg.Container == "" {
		return nil, fmt.Errorf("cosmos database and container names are required")
	}

	var client *azcosmos.Client
	var err error
	if cfg.MasterKey != "" {
		var cred azcosmos.KeyCredential
		cred, err = azcosmos.NewKeyCredential(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos key credential: %w", err)
		}
		client, err = azcosmos.NewClientWithKey(cfg.Endpoint, cred, nil)
	} else {
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating azure credential: %w", err)
		}
		client, err = azcosmos.NewClient(cfg.Endpoint, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	container, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosCluster{container: container}, nil
}

type cosmosItem struct {
	ID    string `json:"id"`
	PK    string `json:"pk"`
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func cosmosID(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

func cosmosPartition(table, key string) azcosmos.PartitionKey {
	return azcosmos.NewPartitionKeyString(fmt.Sprintf("%s#%d", table, Partition(key)))
}

func (c *CosmosCluster) Get(ctx context.Context, table, key string) ([]byte, error) {
	resp, err := c.container.ReadItem(ctx, cosmosPartition(table, key), cosmosID(key), nil)
	if isCosmosNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cosmos get %s/%s: %w", table, key, err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("cosmos decode %s/%s: %w", table, key, err)
	}
	return item.Value, nil
}

func (c *CosmosCluster) Set(ctx context.Context, table, key string, value []byte) error {
	body, err := json.Marshal(cosmosItem{
		ID:    cosmosID(key),
		PK:    fmt.Sprintf("%s#%d", table, Partition(key)),
		Key:   key,
		Value: value,
	})
	if err != nil {
		return err
	}
	if _, err := c.container.UpsertItem(ctx, cosmosPartition(table, key), body, nil); err != nil {
		return fmt.Errorf("cosmos set %s/%s: %w", table, key, err)
	}
	return nil
}

func (c *CosmosCluster) Delete(ctx context.Context, table, key string) error {
	_, err := c.container.DeleteItem(ctx, cosmosPartition(table, key), cosmosID(key), nil)
	if err != nil && !isCosmosNotFound(err) {
		return fmt.Errorf("cosmos delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (c *CosmosCluster) ListKeys(ctx context.Context, table, prefix string) ([]string, error) {
	var keys []string
	for part := 0; part < Partitions; part++ {
		pk := azcosmos.NewPartitionKeyString(fmt.Sprintf("%s#%d", table, part))
		pager := c.container.NewQueryItemsPager(
			"SELECT c.key FROM c WHERE STARTSWITH(c.key, @prefix)", pk,
			&azcosmos.QueryOptions{
				QueryParameters: []azcosmos.QueryParameter{
					{Name: "@prefix", Value: prefix},
				},
			})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("cosmos scan %s prefix %q: %w", table, prefix, err)
			}
			for _, raw := range page.Items {
				var item cosmosItem
				if err := json.Unmarshal(raw, &item); err != nil {
					return nil, err
				}
				keys = append(keys, item.Key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *CosmosCluster) Space(ctx context.Context) (uint64, uint64, error) {
	// Container quota metrics need a management-plane client.
	return 0, 0, nil
}

func (c *CosmosCluster) Ping(ctx context.Context) error {
	_, err := c.container.Read(ctx, nil)
	return err
}

func (c *CosmosCluster) Close() error { return nil }

func isCosmosNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
