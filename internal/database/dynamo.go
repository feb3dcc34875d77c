package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chatme/pkg/interfaces"
)

// dynamoAPI is the subset of the DynamoDB client the store uses.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// projectionItem is one row of the projections table, keyed by pk.
type projectionItem struct {
	PK        string `dynamodbav:"pk"`
	Value     []byte `dynamodbav:"value"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

// DynamoStore keeps each projection as a single DynamoDB item.
type DynamoStore struct {
	client dynamoAPI
	table  string
}

// NewDynamoStore loads the default AWS credential chain for region.
func NewDynamoStore(ctx context.Context, table, region string) (*DynamoStore, error) {
	if table == "" {
		return nil, errors.New("dynamodb table name is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return newDynamoStoreWithClient(dynamodb.NewFromConfig(cfg), table), nil
}

func newDynamoStoreWithClient(client dynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (d *DynamoStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get projection %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, interfaces.ErrKeyNotFound
	}

	var item projectionItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal projection %s: %w", key, err)
	}
	return item.Value, nil
}

func (d *DynamoStore) Put(ctx context.Context, key string, value []byte) error {
	av, err := attributevalue.MarshalMap(projectionItem{
		PK:        key,
		Value:     value,
		UpdatedAt: stamp(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal projection %s: %w", key, err)
	}

	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("failed to put projection %s: %w", key, err)
	}
	return nil
}

func (d *DynamoStore) HealthCheck(ctx context.Context) error {
	if _, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.table),
	}); err != nil {
		return fmt.Errorf("dynamodb table %s unavailable: %w", d.table, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (d *DynamoStore) Close() error { return nil }
