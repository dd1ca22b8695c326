package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"resilience-core/internal/dlq"
	apperrors "resilience-core/internal/errors"
)

// Single-table layout:
//
//	item:    PK=DLQITEM#<id>  SK=ITEM     GSI1PK=STATUS#<status>  GSI1SK=P<inv-priority>#<createdAt>
//	pointer: PK=DLQPTR#<id>   SK=POINTER
//
// The GSI sort key inverts priority so an ascending index scan yields
// priority descending, then creation time ascending.
const (
	statusIndexName = "StatusIndex"

	itemKeyPrefix    = "DLQITEM#"
	pointerKeyPrefix = "DLQPTR#"
	statusKeyPrefix  = "STATUS#"

	itemSortKey    = "ITEM"
	pointerSortKey = "POINTER"
)

// DynamoStoreConfig configures the DynamoDB-backed store.
type DynamoStoreConfig struct {
	TableName      string
	ConsistentRead bool
}

// DynamoStore is the production dlq.Store backed by a single DynamoDB table.
type DynamoStore struct {
	client *dynamodb.Client
	config DynamoStoreConfig
	logger *zap.Logger
}

// NewDynamoStore creates a store against the configured table.
func NewDynamoStore(client *dynamodb.Client, config DynamoStoreConfig, logger *zap.Logger) (*DynamoStore, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamo store requires a client")
	}
	if config.TableName == "" {
		return nil, fmt.Errorf("dynamo store requires a table name")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamoStore{
		client: client,
		config: config,
		logger: logger.Named("dlq_store"),
	}, nil
}

// itemRecord is the wire shape of a DLQ item. Nested documents (payload,
// error, policy, attempts) travel as JSON strings so the attribute layout
// stays flat and queryable.
type itemRecord struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	GSI1PK string `dynamodbav:"GSI1PK"`
	GSI1SK string `dynamodbav:"GSI1SK"`

	ID            string `dynamodbav:"ID"`
	OperationID   string `dynamodbav:"OperationID"`
	OperationType string `dynamodbav:"OperationType"`

	Payload string `dynamodbav:"Payload,omitempty"`
	Error   string `dynamodbav:"Error,omitempty"`

	FailureCount int    `dynamodbav:"FailureCount"`
	CreatedAt    string `dynamodbav:"CreatedAt"`
	LastFailedAt string `dynamodbav:"LastFailedAt"`
	NextRetryAt  string `dynamodbav:"NextRetryAt"`

	Status   string `dynamodbav:"Status"`
	Priority int    `dynamodbav:"Priority"`

	RetryPolicy      string `dynamodbav:"RetryPolicy"`
	RecoveryAttempts string `dynamodbav:"RecoveryAttempts,omitempty"`

	CorrelationID string `dynamodbav:"CorrelationID,omitempty"`
	UserID        string `dynamodbav:"UserID,omitempty"`

	ManualInterventionRequired bool `dynamodbav:"ManualInterventionRequired"`
	Escalated                  bool `dynamodbav:"Escalated"`
}

func (s *DynamoStore) CreateItem(ctx context.Context, item *dlq.Item) error {
	av, err := s.marshalItem(item)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.TableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("dlq item %s already exists", item.ID)
		}
		return s.mapError("PutItem", err)
	}
	return nil
}

func (s *DynamoStore) GetItem(ctx context.Context, id string) (*dlq.Item, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.TableName),
		Key:            itemKey(id),
		ConsistentRead: aws.Bool(s.config.ConsistentRead),
	})
	if err != nil {
		return nil, s.mapError("GetItem", err)
	}
	if out.Item == nil {
		return nil, dlq.ErrItemNotFound
	}
	return s.unmarshalItem(out.Item)
}

func (s *DynamoStore) UpdateItem(ctx context.Context, item *dlq.Item) error {
	av, err := s.marshalItem(item)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.TableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return dlq.ErrItemNotFound
		}
		return s.mapError("PutItem", err)
	}
	return nil
}

func (s *DynamoStore) DeleteItem(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.TableName),
		Key:       itemKey(id),
	})
	if err != nil {
		return s.mapError("DeleteItem", err)
	}
	// Best-effort pointer cleanup alongside the item.
	if err := s.RemovePointer(ctx, id); err != nil {
		s.logger.Warn("failed to remove pointer", zap.String("itemId", id), zap.Error(err))
	}
	return nil
}

func (s *DynamoStore) QueryItems(ctx context.Context, q dlq.Query) ([]*dlq.Item, error) {
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = []dlq.Status{
			dlq.StatusPending, dlq.StatusProcessing, dlq.StatusRecovered,
			dlq.StatusFailed, dlq.StatusManual, dlq.StatusArchived,
		}
	}

	var out []*dlq.Item
	for _, status := range statuses {
		items, err := s.queryByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if q.Matches(it) {
				out = append(out, it)
			}
		}
	}
	sortItems(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// queryByStatus pages the status GSI; the index sort key already yields
// (priority desc, createdAt asc).
func (s *DynamoStore) queryByStatus(ctx context.Context, status dlq.Status) ([]*dlq.Item, error) {
	keyCond := expression.Key("GSI1PK").Equal(expression.Value(statusKeyPrefix + string(status)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build status query expression: %w", err)
	}

	var out []*dlq.Item
	var startKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.config.TableName),
			IndexName:                 aws.String(statusIndexName),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, s.mapError("Query", err)
		}
		for _, raw := range resp.Items {
			it, err := s.unmarshalItem(raw)
			if err != nil {
				s.logger.Warn("skipping malformed dlq item", zap.Error(err))
				continue
			}
			out = append(out, it)
		}
		if resp.LastEvaluatedKey == nil {
			return out, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

func (s *DynamoStore) ListItems(ctx context.Context) ([]*dlq.Item, error) {
	filter := expression.Name("SK").Equal(expression.Value(itemSortKey))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("build list expression: %w", err)
	}

	var out []*dlq.Item
	var startKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.config.TableName),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, s.mapError("Scan", err)
		}
		for _, raw := range resp.Items {
			it, err := s.unmarshalItem(raw)
			if err != nil {
				s.logger.Warn("skipping malformed dlq item", zap.Error(err))
				continue
			}
			out = append(out, it)
		}
		if resp.LastEvaluatedKey == nil {
			break
		}
		startKey = resp.LastEvaluatedKey
	}
	sortItems(out)
	return out, nil
}

func (s *DynamoStore) PurgeOlderThan(ctx context.Context, statuses []dlq.Status, cutoff time.Time) (int, error) {
	removed := 0
	for _, status := range statuses {
		items, err := s.queryByStatus(ctx, status)
		if err != nil {
			return removed, err
		}
		var stale []*dlq.Item
		for _, it := range items {
			if it.CreatedAt.Before(cutoff) {
				stale = append(stale, it)
			}
		}
		n, err := s.batchDelete(ctx, stale)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// batchDelete removes items and their pointers in BatchWriteItem chunks.
func (s *DynamoStore) batchDelete(ctx context.Context, items []*dlq.Item) (int, error) {
	// DynamoDB caps BatchWriteItem at 25 requests; each item costs two.
	const chunk = 12
	removed := 0
	for start := 0; start < len(items); start += chunk {
		end := start + chunk
		if end > len(items) {
			end = len(items)
		}
		var requests []types.WriteRequest
		for _, it := range items[start:end] {
			requests = append(requests,
				types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: itemKey(it.ID)}},
				types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: pointerKey(it.ID)}},
			)
		}
		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.config.TableName: requests},
		})
		if err != nil {
			return removed, s.mapError("BatchWriteItem", err)
		}
		removed += end - start
	}
	return removed, nil
}

func (s *DynamoStore) InsertPointer(ctx context.Context, itemID string, p dlq.Priority) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TableName),
		Item: map[string]types.AttributeValue{
			"PK":       &types.AttributeValueMemberS{Value: pointerKeyPrefix + itemID},
			"SK":       &types.AttributeValueMemberS{Value: pointerSortKey},
			"ItemID":   &types.AttributeValueMemberS{Value: itemID},
			"Priority": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", int(p))},
		},
	})
	if err != nil {
		return s.mapError("PutItem", err)
	}
	return nil
}

func (s *DynamoStore) RemovePointer(ctx context.Context, itemID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.TableName),
		Key:       pointerKey(itemID),
	})
	if err != nil {
		return s.mapError("DeleteItem", err)
	}
	return nil
}

// HealthCheck verifies the table is reachable.
func (s *DynamoStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.config.TableName),
	})
	if err != nil {
		return s.mapError("DescribeTable", err)
	}
	return nil
}

// ============================================================================
// MARSHALING
// ============================================================================

func itemKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: itemKeyPrefix + id},
		"SK": &types.AttributeValueMemberS{Value: itemSortKey},
	}
}

func pointerKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pointerKeyPrefix + id},
		"SK": &types.AttributeValueMemberS{Value: pointerSortKey},
	}
}

// gsiSortKey inverts priority so ascending index order is priority desc,
// createdAt asc.
func gsiSortKey(p dlq.Priority, createdAt time.Time) string {
	return fmt.Sprintf("P%d#%s", int(dlq.PriorityUrgent)-int(p), createdAt.UTC().Format(time.RFC3339Nano))
}

func (s *DynamoStore) marshalItem(item *dlq.Item) (map[string]types.AttributeValue, error) {
	rec := itemRecord{
		PK:                         itemKeyPrefix + item.ID,
		SK:                         itemSortKey,
		GSI1PK:                     statusKeyPrefix + string(item.Status),
		GSI1SK:                     gsiSortKey(item.Priority, item.CreatedAt),
		ID:                         item.ID,
		OperationID:                item.OperationID,
		OperationType:              item.OperationType,
		FailureCount:               item.FailureCount,
		CreatedAt:                  item.CreatedAt.UTC().Format(time.RFC3339Nano),
		LastFailedAt:               item.LastFailedAt.UTC().Format(time.RFC3339Nano),
		NextRetryAt:                item.NextRetryAt.UTC().Format(time.RFC3339Nano),
		Status:                     string(item.Status),
		Priority:                   int(item.Priority),
		CorrelationID:              item.CorrelationID,
		UserID:                     item.UserID,
		ManualInterventionRequired: item.ManualInterventionRequired,
		Escalated:                  item.Escalated,
	}

	var err error
	if rec.Payload, err = marshalJSON(item.Payload); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if rec.Error, err = marshalJSON(item.Error); err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}
	if rec.RetryPolicy, err = marshalJSON(item.RetryPolicy); err != nil {
		return nil, fmt.Errorf("marshal retry policy: %w", err)
	}
	if rec.RecoveryAttempts, err = marshalJSON(item.RecoveryAttempts); err != nil {
		return nil, fmt.Errorf("marshal recovery attempts: %w", err)
	}

	av, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal dlq item %s: %w", item.ID, err)
	}
	return av, nil
}

func (s *DynamoStore) unmarshalItem(av map[string]types.AttributeValue) (*dlq.Item, error) {
	var rec itemRecord
	if err := attributevalue.UnmarshalMap(av, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal dlq item: %w", err)
	}

	item := &dlq.Item{
		ID:                         rec.ID,
		OperationID:                rec.OperationID,
		OperationType:              rec.OperationType,
		FailureCount:               rec.FailureCount,
		Status:                     dlq.Status(rec.Status),
		Priority:                   dlq.Priority(rec.Priority),
		CorrelationID:              rec.CorrelationID,
		UserID:                     rec.UserID,
		ManualInterventionRequired: rec.ManualInterventionRequired,
		Escalated:                  rec.Escalated,
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, rec.CreatedAt)
	item.LastFailedAt, _ = time.Parse(time.RFC3339Nano, rec.LastFailedAt)
	item.NextRetryAt, _ = time.Parse(time.RFC3339Nano, rec.NextRetryAt)

	if rec.Payload != "" && rec.Payload != "null" {
		var payload interface{}
		if err := json.Unmarshal([]byte(rec.Payload), &payload); err == nil {
			item.Payload = payload
		}
	}
	if rec.Error != "" && rec.Error != "null" {
		var ce apperrors.CategorizedError
		if err := json.Unmarshal([]byte(rec.Error), &ce); err == nil {
			item.Error = &ce
		}
	}
	if rec.RetryPolicy != "" {
		if err := json.Unmarshal([]byte(rec.RetryPolicy), &item.RetryPolicy); err != nil {
			return nil, fmt.Errorf("unmarshal retry policy for %s: %w", rec.ID, err)
		}
	}
	if rec.RecoveryAttempts != "" {
		if err := json.Unmarshal([]byte(rec.RecoveryAttempts), &item.RecoveryAttempts); err != nil {
			return nil, fmt.Errorf("unmarshal recovery attempts for %s: %w", rec.ID, err)
		}
	}
	return item, nil
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// mapError annotates AWS failures with the smithy error code when present.
func (s *DynamoStore) mapError(operation string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		s.logger.Error("dynamodb operation failed",
			zap.String("operation", operation),
			zap.String("awsCode", apiErr.ErrorCode()),
			zap.Error(err),
		)
		return fmt.Errorf("dynamodb %s failed (%s): %w", operation, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("dynamodb %s failed: %w", operation, err)
}
