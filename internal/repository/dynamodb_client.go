package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"assistant-queue-worker/internal/domain"
)

const (
	pkPool        = "POOL"
	skRequestMeta = "META"
	skPrefixMsg   = "MSG#"
	skPrefixAsst  = "ASST#"
	skPrefixEvt   = "EVT#"

	// EntityIndex is the GSI keyed by (entity, createdAt) used for retention sweeps.
	EntityIndex = "entity-createdAt"

	EntityRequest      = "REQUEST"
	EntityConversation = "CONVERSATION"
	EntityHealth       = "HEALTH"

	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
	batchLimit  = 25                  // BatchWriteItem hard limit
	batchTries  = 3
)

// ErrUnprocessed is returned when DynamoDB keeps rejecting part of a batch.
var ErrUnprocessed = errors.New("repository: batch items left unprocessed")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Store is every durable-store operation used by the worker.
type Store interface {
	SaveRequest(ctx context.Context, rec domain.RequestRecord) error
	GetRequest(ctx context.Context, requestID string) (domain.RequestRecord, bool, error)
	PutConversation(ctx context.Context, rec domain.ConversationRecord) error
	BatchPutConversations(ctx context.Context, recs []domain.ConversationRecord) (int, error)
	ListPoolMembers(ctx context.Context) ([]string, error)
	PutPoolMember(ctx context.Context, assistantID string) error
	DeletePoolMember(ctx context.Context, assistantID string) error
	PutHealthEvent(ctx context.Context, ev domain.HealthEvent) error
	DeleteCreatedBefore(ctx context.Context, entity string, cutoff time.Time) (int, error)
	Ping(ctx context.Context) error
}

// Client wraps a single DynamoDB table holding requests, conversations,
// pool membership and health events.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

var _ Store = (*Client)(nil)

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func requestPK(requestID string) string {
	return "REQ#" + requestID
}

func convPK(requestID string) string {
	return "CONV#" + requestID
}

// msgSK is derived from the record's own timestamp so rewriting a record is idempotent.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano)
}

func healthPK(instanceID string) string {
	return "HEALTH#" + instanceID
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// SaveRequest upserts the lifecycle row of a request. createdAt is set only once.
func (c *Client) SaveRequest(ctx context.Context, rec domain.RequestRecord) error {
	if rec.RequestID == "" {
		return errors.New("repository: SaveRequest: request id is required")
	}
	now := c.now()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	values := map[string]types.AttributeValue{
		":status":    &types.AttributeValueMemberS{Value: string(rec.Status)},
		":updatedAt": numberAttr(rec.UpdatedAt.Unix()),
		":createdAt": numberAttr(rec.CreatedAt.Unix()),
		":entity":    &types.AttributeValueMemberS{Value: EntityRequest},
		":requestId": &types.AttributeValueMemberS{Value: rec.RequestID},
		":retryable": &types.AttributeValueMemberBOOL{Value: rec.Retryable},
		":ttl":       numberAttr(c.ttlValue()),
	}
	for attr, v := range map[string]string{
		"requestKind": rec.RequestKind,
		"callerId":    rec.CallerID,
		"assistantId": rec.AssistantID,
		"threadId":    rec.ThreadID,
		"result":      rec.Result,
		"errorDetail": rec.ErrorDetail,
	} {
		if v != "" {
			values[":"+attr] = &types.AttributeValueMemberS{Value: v}
		}
	}
	// A row rewritten with a new status must not keep the previous outcome.
	var stale []string
	if rec.Status == domain.StatusError {
		stale = append(stale, "result")
	} else {
		stale = append(stale, "errorDetail")
	}
	expr, names := updateExpression(values, stale...)

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: requestPK(rec.RequestID)},
			"SK": &types.AttributeValueMemberS{Value: skRequestMeta},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("repository: SaveRequest: %w", err)
	}
	return nil
}

// GetRequest returns the lifecycle row of a request, if one exists.
func (c *Client) GetRequest(ctx context.Context, requestID string) (domain.RequestRecord, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: requestPK(requestID)},
			"SK": &types.AttributeValueMemberS{Value: skRequestMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.RequestRecord{}, false, fmt.Errorf("repository: GetRequest get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.RequestRecord{}, false, nil
	}
	rec, err := itemToRequest(out.Item)
	if err != nil {
		return domain.RequestRecord{}, false, fmt.Errorf("repository: GetRequest decode: %w", err)
	}
	return rec, true, nil
}

// PutConversation writes one conversation record.
func (c *Client) PutConversation(ctx context.Context, rec domain.ConversationRecord) error {
	if rec.RequestID == "" {
		return errors.New("repository: PutConversation: request id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      c.conversationItem(rec),
	})
	if err != nil {
		return fmt.Errorf("repository: PutConversation: %w", err)
	}
	return nil
}

// BatchPutConversations writes records with BatchWriteItem and returns how many
// were accepted. Unprocessed items are resubmitted a bounded number of times.
func (c *Client) BatchPutConversations(ctx context.Context, recs []domain.ConversationRecord) (int, error) {
	reqs := make([]types.WriteRequest, 0, len(recs))
	for _, rec := range recs {
		if rec.RequestID == "" {
			return 0, errors.New("repository: BatchPutConversations: request id is required")
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: c.conversationItem(rec)}})
	}
	written, err := c.batchWrite(ctx, reqs)
	if err != nil {
		return written, fmt.Errorf("repository: BatchPutConversations: %w", err)
	}
	return written, nil
}

func (c *Client) batchWrite(ctx context.Context, reqs []types.WriteRequest) (int, error) {
	written := 0
	for start := 0; start < len(reqs); start += batchLimit {
		end := min(start+batchLimit, len(reqs))
		pending := reqs[start:end]
		for try := 0; len(pending) > 0; try++ {
			if try == batchTries {
				return written, fmt.Errorf("%w: %d", ErrUnprocessed, len(pending))
			}
			out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{c.tableName: pending},
			})
			if err != nil {
				return written, err
			}
			var left []types.WriteRequest
			if out != nil {
				left = out.UnprocessedItems[c.tableName]
			}
			written += len(pending) - len(left)
			pending = left
		}
	}
	return written, nil
}

// ListPoolMembers returns the assistant IDs recorded as pool members.
func (c *Client) ListPoolMembers(ctx context.Context) ([]string, error) {
	var ids []string
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pkPool},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixAsst},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListPoolMembers query: %w", err)
		}
		for _, item := range out.Items {
			id, err := strAttr(item, "assistantId")
			if err != nil {
				return nil, fmt.Errorf("repository: ListPoolMembers decode: %w", err)
			}
			ids = append(ids, id)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return ids, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// PutPoolMember records an assistant as a pool member.
func (c *Client) PutPoolMember(ctx context.Context, assistantID string) error {
	if strings.TrimSpace(assistantID) == "" {
		return errors.New("repository: PutPoolMember: assistant id is required")
	}
	now := c.now().Unix()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":          &types.AttributeValueMemberS{Value: pkPool},
			"SK":          &types.AttributeValueMemberS{Value: skPrefixAsst + assistantID},
			"assistantId": &types.AttributeValueMemberS{Value: assistantID},
			"createdAt":   numberAttr(now),
			"updatedAt":   numberAttr(now),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutPoolMember: %w", err)
	}
	return nil
}

// DeletePoolMember removes an assistant from the recorded pool membership.
func (c *Client) DeletePoolMember(ctx context.Context, assistantID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkPool},
			"SK": &types.AttributeValueMemberS{Value: skPrefixAsst + assistantID},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: DeletePoolMember: %w", err)
	}
	return nil
}

// PutHealthEvent appends an operational event for this instance.
func (c *Client) PutHealthEvent(ctx context.Context, ev domain.HealthEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = c.now()
	}
	sk := skPrefixEvt + ev.CreatedAt.UTC().Format(time.RFC3339Nano) + "#" + uuid.NewString()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":         &types.AttributeValueMemberS{Value: healthPK(ev.InstanceID)},
			"SK":         &types.AttributeValueMemberS{Value: sk},
			"entity":     &types.AttributeValueMemberS{Value: EntityHealth},
			"instanceId": &types.AttributeValueMemberS{Value: ev.InstanceID},
			"eventType":  &types.AttributeValueMemberS{Value: ev.EventType},
			"details":    &types.AttributeValueMemberS{Value: ev.Details},
			"createdAt":  numberAttr(ev.CreatedAt.Unix()),
			"ttl":        numberAttr(c.ttlValue()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutHealthEvent: %w", err)
	}
	return nil
}

// DeleteCreatedBefore removes every item of the given entity created before cutoff,
// using the entity/createdAt index for the range query.
func (c *Client) DeleteCreatedBefore(ctx context.Context, entity string, cutoff time.Time) (int, error) {
	deleted := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			IndexName:              aws.String(EntityIndex),
			KeyConditionExpression: aws.String("#entity = :entity AND #createdAt < :cutoff"),
			ExpressionAttributeNames: map[string]string{
				"#entity":    "entity",
				"#createdAt": "createdAt",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":entity": &types.AttributeValueMemberS{Value: entity},
				":cutoff": numberAttr(cutoff.Unix()),
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return deleted, fmt.Errorf("repository: DeleteCreatedBefore query: %w", err)
		}
		reqs := make([]types.WriteRequest, 0, len(out.Items))
		for _, item := range out.Items {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]},
			}})
		}
		n, err := c.batchWrite(ctx, reqs)
		deleted += n
		if err != nil {
			return deleted, fmt.Errorf("repository: DeleteCreatedBefore: %w", err)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return deleted, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// Ping verifies the table is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)})
	if err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

func (c *Client) conversationItem(rec domain.ConversationRecord) map[string]types.AttributeValue {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(rec.RequestID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(rec.CreatedAt)},
		"entity":    &types.AttributeValueMemberS{Value: EntityConversation},
		"requestId": &types.AttributeValueMemberS{Value: rec.RequestID},
		"question":  &types.AttributeValueMemberS{Value: rec.Question},
		"answer":    &types.AttributeValueMemberS{Value: rec.Answer},
		"createdAt": numberAttr(rec.CreatedAt.Unix()),
		"updatedAt": numberAttr(rec.UpdatedAt.Unix()),
		"ttl":       numberAttr(c.ttlValue()),
	}
	for attr, v := range map[string]string{
		"callerId":    rec.CallerID,
		"assistantId": rec.AssistantID,
		"threadId":    rec.ThreadID,
		"reportName":  rec.ReportName,
		"requestKind": rec.RequestKind,
	} {
		if v != "" {
			item[attr] = &types.AttributeValueMemberS{Value: v}
		}
	}
	return item
}

func itemToRequest(item map[string]types.AttributeValue) (domain.RequestRecord, error) {
	id, err := strAttr(item, "requestId")
	if err != nil {
		return domain.RequestRecord{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.RequestRecord{}, err
	}
	rec := domain.RequestRecord{RequestID: id, Status: domain.RequestStatus(status)}
	rec.RequestKind, _ = strAttr(item, "requestKind") // optional
	rec.CallerID, _ = strAttr(item, "callerId")
	rec.AssistantID, _ = strAttr(item, "assistantId")
	rec.ThreadID, _ = strAttr(item, "threadId")
	rec.Result, _ = strAttr(item, "result")
	rec.ErrorDetail, _ = strAttr(item, "errorDetail")
	if b, ok := item["retryable"].(*types.AttributeValueMemberBOOL); ok {
		rec.Retryable = b.Value
	}
	if created, err := intAttr(item, "createdAt"); err == nil {
		rec.CreatedAt = time.Unix(int64(created), 0)
	}
	if updated, err := intAttr(item, "updatedAt"); err == nil {
		rec.UpdatedAt = time.Unix(int64(updated), 0)
	}
	return rec, nil
}

// updateExpression builds a SET expression for every ":attr" value, aliasing each
// attribute name so reserved words (status, ttl, result) are safe. createdAt is
// only written when absent. Attributes named in remove are dropped unless a
// value for them is being set.
func updateExpression(values map[string]types.AttributeValue, remove ...string) (string, map[string]string) {
	attrs := make([]string, 0, len(values))
	for k := range values {
		attrs = append(attrs, strings.TrimPrefix(k, ":"))
	}
	sort.Strings(attrs)

	names := make(map[string]string, len(attrs)+len(remove))
	sets := make([]string, 0, len(attrs))
	for _, a := range attrs {
		names["#"+a] = a
		if a == "createdAt" {
			sets = append(sets, "#createdAt = if_not_exists(#createdAt, :createdAt)")
			continue
		}
		sets = append(sets, "#"+a+" = :"+a)
	}
	expr := "SET " + strings.Join(sets, ", ")

	var removes []string
	for _, a := range remove {
		if _, ok := values[":"+a]; ok {
			continue
		}
		names["#"+a] = a
		removes = append(removes, "#"+a)
	}
	if len(removes) > 0 {
		expr += " REMOVE " + strings.Join(removes, ", ")
	}
	return expr, names
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
