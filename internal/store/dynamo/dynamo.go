// Package dynamo serves member locations from a DynamoDB table.
package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/OCAP2/locsync/internal/config"
	"github.com/OCAP2/locsync/internal/parser"
	"github.com/OCAP2/locsync/pkg/core"
)

// API is the part of the DynamoDB client the store uses.
type API interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Backend reads location items of one group bucket. Items carry group_id,
// bucket and user_id keys next to the location object attributes.
type Backend struct {
	client    API
	tableName string
	groupID   string
	bucket    string
	now       func() time.Time
}

// New creates a backend on an existing client
func New(client API, tableName, groupID, bucket string) *Backend {
	return &Backend{
		client:    client,
		tableName: tableName,
		groupID:   groupID,
		bucket:    bucket,
		now:       time.Now,
	}
}

// NewClient builds a DynamoDB client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg config.DynamoConfig) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Init checks the client is set
func (b *Backend) Init(ctx context.Context) error {
	if b.client == nil {
		return fmt.Errorf("DynamoDB client not initialized")
	}
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// QueryAll scans the table for the items of the configured group bucket
func (b *Backend) QueryAll(ctx context.Context) ([]core.MemberLocation, error) {
	var out []core.MemberLocation
	var lastEvaluatedKey map[string]dynamodbtypes.AttributeValue

	for {
		input := &dynamodb.ScanInput{
			TableName:        aws.String(b.tableName),
			FilterExpression: aws.String("group_id = :g AND #b = :b"),
			ExpressionAttributeNames: map[string]string{
				"#b": "bucket",
			},
			ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
				":g": &dynamodbtypes.AttributeValueMemberS{Value: b.groupID},
				":b": &dynamodbtypes.AttributeValueMemberS{Value: b.bucket},
			},
		}
		if lastEvaluatedKey != nil {
			input.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := b.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan locations: %v", core.ErrRemote, err)
		}

		for _, item := range result.Items {
			var obj parser.Object
			if err := attributevalue.UnmarshalMap(item, &obj); err != nil {
				return nil, fmt.Errorf("%w: %v", core.ErrMalformedRecord, err)
			}
			loc, err := parser.FromObject(obj)
			if err != nil {
				return nil, err
			}
			out = append(out, loc)
		}

		lastEvaluatedKey = result.LastEvaluatedKey
		if len(lastEvaluatedKey) == 0 {
			break
		}
	}

	return out, nil
}

// SaveLocation puts the location item of userID, replacing any earlier one
func (b *Backend) SaveLocation(ctx context.Context, groupID, bucket, userID string, lat, lon float64) error {
	obj, err := parser.NewObject(userID, lat, lon)
	if err != nil {
		return err
	}
	obj.ID = userID
	obj.Modified = b.now().UnixMilli()

	item, err := attributevalue.MarshalMap(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	item["group_id"] = &dynamodbtypes.AttributeValueMemberS{Value: groupID}
	item["bucket"] = &dynamodbtypes.AttributeValueMemberS{Value: bucket}
	item["user_id"] = &dynamodbtypes.AttributeValueMemberS{Value: userID}

	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to save location to DynamoDB: %v", core.ErrRemote, err)
	}
	return nil
}
