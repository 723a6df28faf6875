package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// DynamoAPI is the subset of the DynamoDB client this backend calls.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type DynamoConfig struct {
	Region          string
	Endpoint        string
	TablePrefix     string
	AccessKeyID     string
	SecretAccessKey string
}

// DynamoStorage stores each logical table in its own DynamoDB table named
// TablePrefix + Table.Name. Reads are strongly consistent.
type DynamoStorage struct {
	client DynamoAPI
	prefix string
	logger *zap.Logger
}

// NewDynamoStorage uses static credentials when both keys are configured and
// falls back to the default AWS credential chain otherwise.
func NewDynamoStorage(ctx context.Context, cfg DynamoConfig, logger *zap.Logger) (*DynamoStorage, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoStorageWithClient(client, cfg.TablePrefix, logger), nil
}

func NewDynamoStorageWithClient(client DynamoAPI, prefix string, logger *zap.Logger) *DynamoStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamoStorage{client: client, prefix: prefix, logger: logger}
}

func (s *DynamoStorage) tableName(t Table) *string {
	return aws.String(s.prefix + t.Name)
}

func (s *DynamoStorage) key(t Table, key Key) map[string]types.AttributeValue {
	k := map[string]types.AttributeValue{
		t.PartitionKey: &types.AttributeValueMemberS{Value: key.Partition},
	}
	if t.SortKey != "" {
		k[t.SortKey] = &types.AttributeValueMemberS{Value: key.Sort}
	}
	return k
}

func (s *DynamoStorage) Get(ctx context.Context, t Table, key Key) (Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.tableName(t),
		Key:            s.key(t, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("dynamodb.get", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decodeItem(out.Item)
}

func (s *DynamoStorage) Put(ctx context.Context, t Table, rec Record) error {
	if _, err := KeyOf(t, rec); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(map[string]any(rec))
	if err != nil {
		return fmt.Errorf("error encoding %s record: %w", t.Name, err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: s.tableName(t),
		Item:      item,
	}); err != nil {
		return unavailable("dynamodb.put", err)
	}
	return nil
}

func (s *DynamoStorage) Query(ctx context.Context, t Table, cond KeyCondition) ([]Record, error) {
	names := map[string]string{"#pk": t.PartitionKey}
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: cond.Partition},
	}
	expr := "#pk = :pk"
	if cond.SortPrefix != "" && t.SortKey != "" {
		names["#sk"] = t.SortKey
		values[":sk"] = &types.AttributeValueMemberS{Value: cond.SortPrefix}
		expr += " AND begins_with(#sk, :sk)"
	}

	var (
		recs  []Record
		start map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 s.tableName(t),
			KeyConditionExpression:    aws.String(expr),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         start,
			ConsistentRead:            aws.Bool(true),
			ScanIndexForward:          aws.Bool(true),
		})
		if err != nil {
			return nil, unavailable("dynamodb.query", err)
		}
		page, err := decodeItems(out.Items)
		if err != nil {
			return nil, err
		}
		recs = append(recs, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	return recs, nil
}

func (s *DynamoStorage) Scan(ctx context.Context, t Table, filter Filter) ([]Record, error) {
	input := &dynamodb.ScanInput{TableName: s.tableName(t)}
	if len(filter) > 0 {
		expr, names, values, err := filterExpression(filter)
		if err != nil {
			return nil, err
		}
		input.FilterExpression = aws.String(expr)
		input.ExpressionAttributeNames = names
		input.ExpressionAttributeValues = values
	}

	var recs []Record
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, unavailable("dynamodb.scan", err)
		}
		page, err := decodeItems(out.Items)
		if err != nil {
			return nil, err
		}
		recs = append(recs, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	s.logger.Debug("Table scanned", zap.String("table", t.Name), zap.Int("rows", len(recs)))
	return recs, nil
}

func (s *DynamoStorage) Delete(ctx context.Context, t Table, key Key) error {
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: s.tableName(t),
		Key:       s.key(t, key),
	}); err != nil {
		return unavailable("dynamodb.delete", err)
	}
	return nil
}

func (s *DynamoStorage) Close() error {
	return nil
}

func filterExpression(filter Filter) (string, map[string]string, map[string]types.AttributeValue, error) {
	parts := make([]string, 0, len(filter))
	names := make(map[string]string, len(filter))
	values := make(map[string]types.AttributeValue, len(filter))
	for i, c := range filter {
		n, v := "#a"+strconv.Itoa(i), ":v"+strconv.Itoa(i)
		av, err := attributevalue.Marshal(c.Value)
		if err != nil {
			return "", nil, nil, fmt.Errorf("error encoding filter on %q: %w", c.Attr, err)
		}
		names[n] = c.Attr
		values[v] = av
		parts = append(parts, n+" = "+v)
	}
	return strings.Join(parts, " AND "), names, values, nil
}

func decodeItem(item map[string]types.AttributeValue) (Record, error) {
	var m map[string]any
	if err := attributevalue.UnmarshalMap(item, &m); err != nil {
		return nil, fmt.Errorf("error decoding item: %w", err)
	}
	return Record(m), nil
}

func decodeItems(items []map[string]types.AttributeValue) ([]Record, error) {
	recs := make([]Record, 0, len(items))
	for _, item := range items {
		rec, err := decodeItem(item)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
