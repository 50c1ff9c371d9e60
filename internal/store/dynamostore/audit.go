package dynamostore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/hurttlocker/devctx/internal/store"
)

type auditItem struct {
	ID        string `dynamodbav:"id"`
	EntityID  string `dynamodbav:"entity_id"`
	Action    string `dynamodbav:"action"`
	Timestamp string `dynamodbav:"timestamp"`
	ProjectID string `dynamodbav:"project_id"`
	Branch    string `dynamodbav:"branch"`
	Author    string `dynamodbav:"author"`
}

// AppendAudit writes one audit entry under a fresh UUID.
func (s *Store) AppendAudit(ctx context.Context, a *store.AuditRecord) error {
	if a.Action != store.ActionContextExtracted && a.Action != store.ActionCommitLinked {
		return fmt.Errorf("appending audit: unknown action %q", a.Action)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now().UTC()
	}

	item, err := attributevalue.MarshalMap(auditItem{
		ID:        a.ID,
		EntityID:  a.EntityID,
		Action:    a.Action,
		Timestamp: formatTime(a.Timestamp),
		ProjectID: a.ProjectID,
		Branch:    a.Branch,
		Author:    a.Author,
	})
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.AuditTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return fmt.Errorf("appending audit for %s: %w", a.EntityID, err)
	}
	return nil
}

// ListAudit returns the audit trail for an entity, oldest first.
func (s *Store) ListAudit(ctx context.Context, entityID string) ([]*store.AuditRecord, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.AuditTable),
		IndexName:              aws.String(EntityIndex),
		KeyConditionExpression: aws.String("entity_id = :e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberS{Value: entityID},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var out []*store.AuditRecord
	for {
		page, err := s.api.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing audit for %s: %w", entityID, err)
		}
		var items []auditItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshaling audit records: %w", err)
		}
		for _, it := range items {
			ts, err := parseTime(it.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("parsing audit timestamp: %w", err)
			}
			out = append(out, &store.AuditRecord{
				ID:        it.ID,
				EntityID:  it.EntityID,
				Action:    it.Action,
				Timestamp: ts,
				ProjectID: it.ProjectID,
				Branch:    it.Branch,
				Author:    it.Author,
			})
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

type activityItem struct {
	ProjectID      string `dynamodbav:"project_id"`
	LastActivityAt string `dynamodbav:"last_activity_at"`
	EventCount     int64  `dynamodbav:"event_count"`
}

// TouchProject increments the event counter and advances last_activity_at
// only when at is newer than the stored value.
func (s *Store) TouchProject(ctx context.Context, projectID string, at time.Time) error {
	key := map[string]types.AttributeValue{"project_id": &types.AttributeValueMemberS{Value: projectID}}
	one := &types.AttributeValueMemberN{Value: strconv.Itoa(1)}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.cfg.ActivityTable),
		Key:                 key,
		UpdateExpression:    aws.String("ADD event_count :one SET last_activity_at = :t"),
		ConditionExpression: aws.String("attribute_not_exists(last_activity_at) OR last_activity_at < :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": one,
			":t":   &types.AttributeValueMemberS{Value: formatTime(at)},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailure(err) {
		return fmt.Errorf("touching project %s: %w", projectID, err)
	}

	// Stored timestamp is newer; count the event without moving it back.
	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.cfg.ActivityTable),
		Key:              key,
		UpdateExpression: aws.String("ADD event_count :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": one,
		},
	})
	if err != nil {
		return fmt.Errorf("counting project %s: %w", projectID, err)
	}
	return nil
}

// GetActivity returns a project's activity aggregate.
func (s *Store) GetActivity(ctx context.Context, projectID string) (*store.ProjectActivity, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.ActivityTable),
		Key:            map[string]types.AttributeValue{"project_id": &types.AttributeValueMemberS{Value: projectID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting activity for %s: %w", projectID, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("getting activity for %s: %w", projectID, store.ErrNotFound)
	}
	var it activityItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshaling activity for %s: %w", projectID, err)
	}
	last, err := parseTime(it.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return &store.ProjectActivity{ProjectID: it.ProjectID, LastActivityAt: last, EventCount: it.EventCount}, nil
}
