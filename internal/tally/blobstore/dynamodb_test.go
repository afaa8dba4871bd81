package blobstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockDynamoDBClient struct {
	mock.Mock
}

func (c *MockDynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := c.Called(ctx, params, optFns)

	if out := args.Get(0); out != nil {
		return out.(*dynamodb.GetItemOutput), args.Error(1)
	}

	return nil, args.Error(1)
}

func (c *MockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := c.Called(ctx, params, optFns)

	if out := args.Get(0); out != nil {
		return out.(*dynamodb.PutItemOutput), args.Error(1)
	}

	return nil, args.Error(1)
}

func (c *MockDynamoDBClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	args := c.Called(ctx, params, optFns)

	if out := args.Get(0); out != nil {
		return out.(*dynamodb.ScanOutput), args.Error(1)
	}

	return nil, args.Error(1)
}

func newMockDynamoDB(t *testing.T) (*DynamoDB, *MockDynamoDBClient) {
	t.Helper()

	client := &MockDynamoDBClient{}
	store, err := NewDynamoDB(context.Background(), WithDynamoDBClient(client), WithDynamoDBTableName("Blobs"))
	require.NoError(t, err)

	return store, client
}

func TestDynamoDB_Load(t *testing.T) {
	tests := []struct {
		name   string
		output *dynamodb.GetItemOutput
		err    error

		expected    []byte
		expectedErr error
	}{
		{
			name: "Success",
			output: &dynamodb.GetItemOutput{
				Item: map[string]types.AttributeValue{
					"Blob": &types.AttributeValueMemberB{Value: []byte("sketch")},
				},
			},
			expected: []byte("sketch"),
		},
		{
			name:        "DynamoDB error",
			err:         assert.AnError,
			expectedErr: assert.AnError,
		},
		{
			name:        "No item found",
			output:      &dynamodb.GetItemOutput{Item: nil},
			expectedErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, client := newMockDynamoDB(t)

			client.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
				id, ok := in.Key["Id"].(*types.AttributeValueMemberS)
				return ok && id.Value == "day:2026-10-18" &&
					aws.ToString(in.TableName) == "Blobs" &&
					aws.ToBool(in.ConsistentRead)
			}), mock.Anything).Return(tt.output, tt.err)

			v, err := store.Load(context.Background(), "day:2026-10-18")
			assert.Equal(t, tt.expected, v)

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}

			client.AssertExpectations(t)
		})
	}
}

func TestDynamoDB_LoadWrongType(t *testing.T) {
	store, client := newMockDynamoDB(t)

	client.On("GetItem", mock.Anything, mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			"Blob": &types.AttributeValueMemberS{Value: "not binary"},
		},
	}, nil)

	_, err := store.Load(context.Background(), "global:hll")
	assert.Error(t, err)
}

func TestDynamoDB_Save(t *testing.T) {
	store, client := newMockDynamoDB(t)

	client.On("PutItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		id, ok := in.Item["Id"].(*types.AttributeValueMemberS)
		blob, okBlob := in.Item["Blob"].(*types.AttributeValueMemberB)
		_, okUpdated := in.Item["Updated"].(*types.AttributeValueMemberN)

		return ok && okBlob && okUpdated &&
			id.Value == "global:filter" && string(blob.Value) == "bits"
	}), mock.Anything).Return(&dynamodb.PutItemOutput{}, nil)

	assert.NoError(t, store.Save(context.Background(), "global:filter", []byte("bits")))
	client.AssertExpectations(t)
}

func TestDynamoDB_KeysPaginates(t *testing.T) {
	store, client := newMockDynamoDB(t)

	page := func(ids ...string) []map[string]types.AttributeValue {
		items := make([]map[string]types.AttributeValue, 0, len(ids))
		for _, id := range ids {
			items = append(items, map[string]types.AttributeValue{"Id": &types.AttributeValueMemberS{Value: id}})
		}
		return items
	}

	lastKey := map[string]types.AttributeValue{"Id": &types.AttributeValueMemberS{Value: "day:2026-10-02"}}

	client.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
		return in.ExclusiveStartKey == nil && in.FilterExpression != nil
	}), mock.Anything).Return(&dynamodb.ScanOutput{
		Items:            page("day:2026-10-02", "day:2026-10-01"),
		LastEvaluatedKey: lastKey,
	}, nil).Once()

	client.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
		return in.ExclusiveStartKey != nil
	}), mock.Anything).Return(&dynamodb.ScanOutput{
		Items: page("day:2026-10-03"),
	}, nil).Once()

	keys, err := store.Keys(context.Background(), "day:")
	require.NoError(t, err)
	assert.Equal(t, []string{"day:2026-10-01", "day:2026-10-02", "day:2026-10-03"}, keys)

	client.AssertExpectations(t)
}

func TestDynamoDB_Ping(t *testing.T) {
	store, client := newMockDynamoDB(t)

	client.On("GetItem", mock.Anything, mock.Anything, mock.Anything).
		Return(&dynamodb.GetItemOutput{}, nil).Once()
	assert.NoError(t, store.Ping(context.Background()))

	client.On("GetItem", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, assert.AnError).Once()
	assert.ErrorIs(t, store.Ping(context.Background()), assert.AnError)
}

func TestDynamoDB_DefaultTableName(t *testing.T) {
	store, err := NewDynamoDB(context.Background(), WithDynamoDBClient(&MockDynamoDBClient{}))
	require.NoError(t, err)
	assert.Equal(t, "TallyBlobs", store.TableName())
}
