package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/shoalstore/shoalstore/internal/config"
)

// DynamoCluster maps the cluster contract onto a single DynamoDB table with
// composite key (pk = "<table>#<partition>", sk = key).
type DynamoCluster struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoCluster(cfg *config.DynamoDBConfig) (*DynamoCluster, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.EndpointURL != "" {
		// Local emulators accept any static credentials.
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return &DynamoCluster{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.Table,
	}, nil
}

func dynamoPK(table, key string) string {
	return fmt.Sprintf("%s#%d", table, Partition(key))
}

func (c *DynamoCluster) Get(ctx context.Context, table, key string) ([]byte, error) {
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: dynamoPK(table, key)},
			"sk": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, dynamoError("get", table, key, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	v, ok := out.Item["value"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("dynamodb item %s/%s has no value attribute", table, key)
	}
	return v.Value, nil
}

func (c *DynamoCluster) Set(ctx context.Context, table, key string, value []byte) error {
	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"pk":    &types.AttributeValueMemberS{Value: dynamoPK(table, key)},
			"sk":    &types.AttributeValueMemberS{Value: key},
			"value": &types.AttributeValueMemberB{Value: value},
		},
	})
	return dynamoError("put", table, key, err)
}

func (c *DynamoCluster) Delete(ctx context.Context, table, key string) error {
	_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: dynamoPK(table, key)},
			"sk": &types.AttributeValueMemberS{Value: key},
		},
	})
	return dynamoError("delete", table, key, err)
}

// ListKeys queries each partition and merges the results, which are already
// sorted within a partition by the sk range key.
func (c *DynamoCluster) ListKeys(ctx context.Context, table, prefix string) ([]string, error) {
	var keys []string
	for part := 0; part < Partitions; part++ {
		pk := fmt.Sprintf("%s#%d", table, part)
		keyCond := "pk = :pk"
		values := map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		}
		if prefix != "" {
			keyCond += " AND begins_with(sk, :prefix)"
			values[":prefix"] = &types.AttributeValueMemberS{Value: prefix}
		}

		var startKey map[string]types.AttributeValue
		for {
			out, err := c.client.Query(ctx, &dynamodb.QueryInput{
				TableName:                 aws.String(c.tableName),
				KeyConditionExpression:    aws.String(keyCond),
				ExpressionAttributeValues: values,
				ExclusiveStartKey:         startKey,
			})
			if err != nil {
				return nil, dynamoError("query", table, prefix, err)
			}
			for _, item := range out.Items {
				if sk, ok := item["sk"].(*types.AttributeValueMemberS); ok {
					keys = append(keys, sk.Value)
				}
			}
			if out.LastEvaluatedKey == nil {
				break
			}
			startKey = out.LastEvaluatedKey
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *DynamoCluster) Space(ctx context.Context) (uint64, uint64, error) {
	// Item-level sizing is not exposed; DescribeTable's TableSizeBytes covers
	// both logical tables, so report it as data volume.
	out, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tableName),
	})
	if err != nil {
		return 0, 0, dynamoError("describe", c.tableName, "", err)
	}
	var size uint64
	if out.Table != nil && out.Table.TableSizeBytes != nil {
		size = uint64(*out.Table.TableSizeBytes)
	}
	return 0, size, nil
}

func (c *DynamoCluster) Ping(ctx context.Context) error {
	_, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tableName),
	})
	return err
}

func (c *DynamoCluster) Close() error { return nil }

// dynamoError normalizes SDK errors; resource-not-found surfaces the service
// error code so callers can tell a missing table from a missing key.
func dynamoError(op, table, key string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("dynamodb %s %s/%s: %s: %s", op, table, key,
			apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("dynamodb %s %s/%s: %w", op, table, key, err)
}
