package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"relaychat/internal/model"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"

	// batchWriteLimit is the maximum number of requests DynamoDB accepts in
	// one BatchWriteItem call.
	batchWriteLimit = 25
	maxBatchRetries = 5
)

// dynamodbAPI is the subset of the DynamoDB client used by the repository.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// dynamoRepository stores each conversation as one partition: a META# item
// holding the conversation fields and one MSG#<seq> item per message.
type dynamoRepository struct {
	api       dynamodbAPI
	tableName string
}

func NewDynamoDBRepository(api dynamodbAPI, tableName string) (Repository, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &dynamoRepository{api: api, tableName: tableName}, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func msgSK(seq int) string {
	return fmt.Sprintf("%s%020d", skPrefixMsg, seq)
}

func (r *dynamoRepository) key(conversationID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (r *dynamoRepository) CreateConversation(ctx context.Context, c *model.Conversation) error {
	_, err := r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                metaItem(c),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return nil
}

func (r *dynamoRepository) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(conversationID, skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	c, err := itemToConversation(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return c, nil
}

func (r *dynamoRepository) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	conversations := make([]*model.Conversation, 0)
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(r.tableName),
			FilterExpression: aws.String("SK = :meta"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":meta": &types.AttributeValueMemberS{Value: skMeta},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations scan: %w", err)
		}
		for _, item := range out.Items {
			c, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListConversations decode: %w", err)
			}
			conversations = append(conversations, c)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		if !conversations[i].UpdatedAt.Equal(conversations[j].UpdatedAt) {
			return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
		}
		return conversations[i].ID < conversations[j].ID
	})
	return conversations, nil
}

func (r *dynamoRepository) UpdateConversationTitle(ctx context.Context, conversationID, newTitle string) error {
	_, err := r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(conversationID, skMeta),
		UpdateExpression:    aws.String("SET title = :title, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":title": &types.AttributeValueMemberS{Value: newTitle},
			":now":   &types.AttributeValueMemberS{Value: formatTime(time.Now())},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: UpdateConversationTitle: %w", err)
	}
	return nil
}

func (r *dynamoRepository) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(conversationID, skMeta),
		UpdateExpression:    aws.String("SET updatedAt = :at"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at": &types.AttributeValueMemberS{Value: formatTime(at)},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: TouchConversation: %w", err)
	}
	return nil
}

func (r *dynamoRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, err := r.GetConversation(ctx, conversationID); err != nil {
		return err
	}

	keys := make([]map[string]types.AttributeValue, 0)
	err := r.queryPartition(ctx, conversationID, "", "PK, SK", func(item map[string]types.AttributeValue) error {
		keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	keys = append(keys, r.key(conversationID, skMeta))

	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		if err := r.batchDelete(ctx, requests); err != nil {
			return fmt.Errorf("repository: DeleteConversation: %w", err)
		}
	}
	return nil
}

func (r *dynamoRepository) batchDelete(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{r.tableName: requests}
	for attempt := 0; attempt < maxBatchRetries; attempt++ {
		out, err := r.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		if out == nil || len(out.UnprocessedItems[r.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("batch write: %d items left unprocessed", len(pending[r.tableName]))
}

// AddMessage writes the message under the next sequence number and bumps the
// conversation's message count in one transaction. The count acts as an
// optimistic lock so two writers cannot claim the same sequence number.
func (r *dynamoRepository) AddMessage(ctx context.Context, message *model.Message, conversationID string) error {
	conv, err := r.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	item, err := messageItem(conversationID, conv.MessageCount+1, message)
	if err != nil {
		return fmt.Errorf("repository: AddMessage: %w", err)
	}

	_, err = r.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(r.tableName),
					Key:                 r.key(conversationID, skMeta),
					UpdateExpression:    aws.String("SET updatedAt = :now, messageCount = :next"),
					ConditionExpression: aws.String("attribute_exists(PK) AND messageCount = :count"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":now":   &types.AttributeValueMemberS{Value: formatTime(activityTime(message.CreatedAt))},
						":count": intValue(conv.MessageCount),
						":next":  intValue(conv.MessageCount + 1),
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(r.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: AddMessage: conversation %s changed concurrently: %w", conversationID, err)
		}
		return fmt.Errorf("repository: AddMessage: %w", err)
	}
	return nil
}

func (r *dynamoRepository) UpdateMessage(ctx context.Context, message *model.Message, conversationID string) error {
	sk, err := r.findMessageSK(ctx, conversationID, message.ID)
	if err != nil {
		return err
	}

	values := map[string]types.AttributeValue{
		":content": &types.AttributeValueMemberS{Value: message.Content},
		":status":  &types.AttributeValueMemberS{Value: string(message.Status)},
	}
	update := "SET content = :content, #status = :status"
	if len(message.Attachments) > 0 {
		data, err := json.Marshal(message.Attachments)
		if err != nil {
			return fmt.Errorf("repository: UpdateMessage encode attachments: %w", err)
		}
		values[":attachments"] = &types.AttributeValueMemberS{Value: string(data)}
		update += ", attachments = :attachments"
	} else {
		update += " REMOVE attachments"
	}

	_, err = r.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:                 aws.String(r.tableName),
					Key:                       r.key(conversationID, sk),
					UpdateExpression:          aws.String(update),
					ConditionExpression:       aws.String("attribute_exists(PK)"),
					ExpressionAttributeNames:  map[string]string{"#status": "status"},
					ExpressionAttributeValues: values,
				},
			},
			{
				Update: &types.Update{
					TableName:        aws.String(r.tableName),
					Key:              r.key(conversationID, skMeta),
					UpdateExpression: aws.String("SET updatedAt = :now"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":now": &types.AttributeValueMemberS{Value: formatTime(time.Now())},
					},
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("repository: UpdateMessage: %w", err)
	}
	return nil
}

func (r *dynamoRepository) findMessageSK(ctx context.Context, conversationID, messageID string) (string, error) {
	var sk string
	err := r.queryPartition(ctx, conversationID, messageID, "SK", func(item map[string]types.AttributeValue) error {
		v, err := strAttr(item, "SK")
		if err != nil {
			return err
		}
		sk = v
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("repository: UpdateMessage lookup: %w", err)
	}
	if sk == "" {
		return "", ErrNotFound
	}
	return sk, nil
}

func (r *dynamoRepository) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	messages := make([]model.Message, 0)
	err := r.queryPartition(ctx, conversationID, "", "", func(item map[string]types.AttributeValue) error {
		msg, err := itemToMessage(item)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetMessages: %w", err)
	}
	return messages, nil
}

// queryPartition pages through the MSG# items of a conversation in sequence
// order. When messageID is set only that message is returned. An empty
// projection reads whole items.
func (r *dynamoRepository) queryPartition(ctx context.Context, conversationID, messageID, projection string, fn func(map[string]types.AttributeValue) error) error {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}
	if messageID != "" {
		in.FilterExpression = aws.String("messageId = :id")
		in.ExpressionAttributeValues[":id"] = &types.AttributeValueMemberS{Value: messageID}
	}
	if projection != "" {
		in.ProjectionExpression = aws.String(projection)
	}

	for {
		out, err := r.api.Query(ctx, in)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		for _, item := range out.Items {
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func metaItem(c *model.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(c.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: c.ID},
		"title":          &types.AttributeValueMemberS{Value: c.Title},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(c.CreatedAt)},
		"updatedAt":      &types.AttributeValueMemberS{Value: formatTime(c.UpdatedAt)},
		"messageCount":   intValue(c.MessageCount),
	}
}

func itemToConversation(item map[string]types.AttributeValue) (*model.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return nil, err
	}
	title, err := strAttr(item, "title")
	if err != nil {
		return nil, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return nil, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		return nil, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return nil, err
	}
	return &model.Conversation{ID: id, Title: title, CreatedAt: createdAt, UpdatedAt: updatedAt, MessageCount: count}, nil
}

func messageItem(conversationID string, seq int, m *model.Message) (map[string]types.AttributeValue, error) {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(seq)},
		"messageId": &types.AttributeValueMemberS{Value: m.ID},
		"role":      &types.AttributeValueMemberS{Value: m.Role},
		"content":   &types.AttributeValueMemberS{Value: m.Content},
		"status":    &types.AttributeValueMemberS{Value: string(m.Status)},
		"createdAt": &types.AttributeValueMemberS{Value: formatTime(m.CreatedAt)},
	}
	if len(m.Attachments) > 0 {
		data, err := json.Marshal(m.Attachments)
		if err != nil {
			return nil, fmt.Errorf("encode attachments: %w", err)
		}
		item["attachments"] = &types.AttributeValueMemberS{Value: string(data)}
	}
	return item, nil
}

func itemToMessage(item map[string]types.AttributeValue) (model.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return model.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return model.Message{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	status, _ := strAttr(item, "status")
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return model.Message{}, err
	}

	msg := model.Message{
		ID:        id,
		Role:      role,
		Content:   content,
		Status:    model.MessageStatus(status),
		CreatedAt: createdAt,
	}
	if raw, err := strAttr(item, "attachments"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Attachments); err != nil {
			return model.Message{}, fmt.Errorf("repository: decode attachments of %s: %w", id, err)
		}
	}
	return msg, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func intValue(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
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

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
