package blobstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rcrowley/go-metrics"
)

const (
	defaultDynamoDBTableName = "TallyBlobs"
	dynamoPartitionKey       = "Id"
	dynamoBlobAttr           = "Blob"
	dynamoUpdatedAttr        = "Updated"
)

var (
	loadDynamoDBTimer = metrics.GetOrRegisterTimer("tally.blobstore.dynamodb.load", nil)
	saveDynamoDBTimer = metrics.GetOrRegisterTimer("tally.blobstore.dynamodb.save", nil)
	keysDynamoDBTimer = metrics.GetOrRegisterTimer("tally.blobstore.dynamodb.keys", nil)
)

// DynamoDBClient is the subset of the Amazon DynamoDB client used by this
// package.
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBOption configures a DynamoDB store.
type DynamoDBOption func(*DynamoDB)

// WithDynamoDBTableName sets the table name. The default is "TallyBlobs".
func WithDynamoDBTableName(name string) DynamoDBOption {
	return func(d *DynamoDB) {
		if name != "" {
			d.tableName = name
		}
	}
}

// WithDynamoDBRegion sets the region used when the store builds its own
// client.
func WithDynamoDBRegion(region string) DynamoDBOption {
	return func(d *DynamoDB) {
		d.region = region
	}
}

// WithDynamoDBClient supplies the client, skipping default AWS config
// loading.
func WithDynamoDBClient(client DynamoDBClient) DynamoDBOption {
	return func(d *DynamoDB) {
		d.svc = client
	}
}

// DynamoDB stores one item per key: the key in "Id" (string), the value in
// "Blob" (binary) and the last write time in "Updated" (Unix seconds).
type DynamoDB struct {
	svc       DynamoDBClient
	tableName string
	region    string
}

var _ Store = (*DynamoDB)(nil)

// NewDynamoDB returns a DynamoDB-backed Store.
func NewDynamoDB(ctx context.Context, opts ...DynamoDBOption) (*DynamoDB, error) {
	d := &DynamoDB{
		tableName: defaultDynamoDBTableName,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.svc == nil {
		var loadOpts []func(*config.LoadOptions) error
		if d.region != "" {
			loadOpts = append(loadOpts, config.WithRegion(d.region))
		}

		cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("unable to load default AWS config: %w", err)
		}

		d.svc = dynamodb.NewFromConfig(cfg)
	}

	return d, nil
}

// TableName returns the configured table name.
func (d *DynamoDB) TableName() string {
	return d.tableName
}

// Load returns the value stored under key.
func (d *DynamoDB) Load(ctx context.Context, key string) ([]byte, error) {
	defer loadDynamoDBTimer.UpdateSince(time.Now())

	proj := expression.NamesList(expression.Name(dynamoBlobAttr))

	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	res, err := d.svc.GetItem(ctx, &dynamodb.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key: map[string]types.AttributeValue{
			dynamoPartitionKey: &types.AttributeValueMemberS{Value: key},
		},
		ProjectionExpression: expr.Projection(),
		TableName:            aws.String(d.tableName),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb load %s: %w", key, err)
	}

	if res.Item == nil {
		return nil, ErrNotFound
	}

	blob, ok := res.Item[dynamoBlobAttr].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("dynamodb load %s: attribute %s is not binary", key, dynamoBlobAttr)
	}

	return blob.Value, nil
}

// Save writes value under key, replacing any previous value.
func (d *DynamoDB) Save(ctx context.Context, key string, value []byte) error {
	defer saveDynamoDBTimer.UpdateSince(time.Now())

	_, err := d.svc.PutItem(ctx, &dynamodb.PutItemInput{
		Item: map[string]types.AttributeValue{
			dynamoPartitionKey: &types.AttributeValueMemberS{Value: key},
			dynamoBlobAttr:     &types.AttributeValueMemberB{Value: value},
			dynamoUpdatedAttr:  &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
		},
		TableName: aws.String(d.tableName),
	})
	if err != nil {
		return fmt.Errorf("dynamodb save %s: %w", key, err)
	}

	return nil
}

// Keys scans the table for keys starting with prefix. The table is small
// (a few hundred buckets per year) so a filtered scan is acceptable.
func (d *DynamoDB) Keys(ctx context.Context, prefix string) ([]string, error) {
	defer keysDynamoDBTimer.UpdateSince(time.Now())

	builder := expression.NewBuilder().
		WithProjection(expression.NamesList(expression.Name(dynamoPartitionKey)))
	if prefix != "" {
		builder = builder.WithFilter(expression.Name(dynamoPartitionKey).BeginsWith(prefix))
	}

	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	input := &dynamodb.ScanInput{
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		TableName:                 aws.String(d.tableName),
		ConsistentRead:            aws.Bool(true),
	}

	var keys []string

	for {
		res, err := d.svc.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan: %w", err)
		}

		for _, item := range res.Items {
			if id, ok := item[dynamoPartitionKey].(*types.AttributeValueMemberS); ok {
				keys = append(keys, id.Value)
			}
		}

		if len(res.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = res.LastEvaluatedKey
	}

	sort.Strings(keys)

	return keys, nil
}

// Ping reads a key that never exists, which exercises credentials and the
// table without side effects.
func (d *DynamoDB) Ping(ctx context.Context) error {
	_, err := d.Load(ctx, "meta:ping")
	if err == ErrNotFound {
		return nil
	}
	return err
}

func (d *DynamoDB) Close() error { return nil }
