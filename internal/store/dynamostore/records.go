package dynamostore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hurttlocker/devctx/internal/store"
)

type recordItem struct {
	EventID      string    `dynamodbav:"event_id"`
	ProjectID    string    `dynamodbav:"project_id"`
	Branch       string    `dynamodbav:"branch"`
	CompositeKey string    `dynamodbav:"composite_key"`
	Author       string    `dynamodbav:"author"`
	CommitHash   *string   `dynamodbav:"commit_hash,omitempty"`
	Status       string    `dynamodbav:"status"`
	ExtractedAt  string    `dynamodbav:"extracted_at"`
	CommittedAt  *string   `dynamodbav:"committed_at,omitempty"`
	ModelVersion string    `dynamodbav:"model_version"`
	Embedding    []float32 `dynamodbav:"embedding,omitempty"`
	Error        *string   `dynamodbav:"error,omitempty"`
	CreatedAt    string    `dynamodbav:"created_at"`

	Feature    string   `dynamodbav:"feature,omitempty"`
	Decision   string   `dynamodbav:"decision,omitempty"`
	Tasks      []string `dynamodbav:"tasks,omitempty"`
	Stage      string   `dynamodbav:"stage,omitempty"`
	Risk       string   `dynamodbav:"risk,omitempty"`
	Confidence float64  `dynamodbav:"confidence,omitempty"`
	Entities   []string `dynamodbav:"entities,omitempty"`
}

func toItem(r *store.ContextRecord) recordItem {
	it := recordItem{
		EventID:      r.EventID,
		ProjectID:    r.ProjectID,
		Branch:       r.Branch,
		CompositeKey: r.CompositeKey(),
		Author:       r.Author,
		CommitHash:   r.CommitHash,
		Status:       r.Status,
		ExtractedAt:  formatTime(r.ExtractedAt),
		ModelVersion: r.ModelVersion,
		Embedding:    r.Embedding,
		Error:        r.Error,
		CreatedAt:    formatTime(r.CreatedAt),
		Feature:      r.Feature,
		Decision:     r.Decision,
		Tasks:        r.Tasks,
		Stage:        r.Stage,
		Risk:         r.Risk,
		Confidence:   r.Confidence,
		Entities:     r.Entities,
	}
	if r.CommittedAt != nil {
		v := formatTime(*r.CommittedAt)
		it.CommittedAt = &v
	}
	return it
}

func (it recordItem) toRecord() (*store.ContextRecord, error) {
	r := &store.ContextRecord{
		EventID:      it.EventID,
		ProjectID:    it.ProjectID,
		Branch:       it.Branch,
		Author:       it.Author,
		CommitHash:   it.CommitHash,
		Status:       it.Status,
		ModelVersion: it.ModelVersion,
		Embedding:    it.Embedding,
		Error:        it.Error,
		Feature:      it.Feature,
		Decision:     it.Decision,
		Tasks:        it.Tasks,
		Stage:        it.Stage,
		Risk:         it.Risk,
		Confidence:   it.Confidence,
		Entities:     it.Entities,
	}
	var err error
	if r.ExtractedAt, err = parseTime(it.ExtractedAt); err != nil {
		return nil, fmt.Errorf("parsing extracted_at: %w", err)
	}
	if it.CreatedAt != "" {
		if r.CreatedAt, err = parseTime(it.CreatedAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
	}
	if it.CommittedAt != nil {
		t, err := parseTime(*it.CommittedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing committed_at: %w", err)
		}
		r.CommittedAt = &t
	}
	return r, nil
}

// PutRecord writes a new record; an existing event id yields store.ErrDuplicateEvent.
func (s *Store) PutRecord(ctx context.Context, r *store.ContextRecord) error {
	if r.Status == store.StatusUncommitted && r.CommitHash != nil {
		return fmt.Errorf("putting record %s: uncommitted record cannot carry a commit hash", r.EventID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}

	item, err := attributevalue.MarshalMap(toItem(r))
	if err != nil {
		return fmt.Errorf("marshaling record %s: %w", r.EventID, err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.RecordsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(event_id)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("putting record %s: %w", r.EventID, store.ErrDuplicateEvent)
		}
		return fmt.Errorf("putting record %s: %w", r.EventID, err)
	}
	return nil
}

// GetRecord fetches a record by event id with a strongly consistent read.
func (s *Store) GetRecord(ctx context.Context, eventID string) (*store.ContextRecord, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.RecordsTable),
		Key:            map[string]types.AttributeValue{"event_id": &types.AttributeValueMemberS{Value: eventID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", eventID, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("getting record %s: %w", eventID, store.ErrNotFound)
	}
	var it recordItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshaling record %s: %w", eventID, err)
	}
	return it.toRecord()
}

// FindUncommitted queries the composite-key index over [from, to], newest first.
// GSI reads are eventually consistent; the conditional bind guards against
// acting on a stale candidate.
func (s *Store) FindUncommitted(ctx context.Context, projectID, branch string, from, to time.Time) ([]*store.ContextRecord, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.RecordsTable),
		IndexName:              aws.String(CompositeKeyIndex),
		KeyConditionExpression: aws.String("composite_key = :k AND extracted_at BETWEEN :from AND :to"),
		FilterExpression:       aws.String("#s = :u"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":k":    &types.AttributeValueMemberS{Value: store.CompositeKey(projectID, branch)},
			":from": &types.AttributeValueMemberS{Value: formatTime(from)},
			":to":   &types.AttributeValueMemberS{Value: formatTime(to)},
			":u":    &types.AttributeValueMemberS{Value: store.StatusUncommitted},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var out []*store.ContextRecord
	for {
		page, err := s.api.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("querying uncommitted records: %w", err)
		}
		var items []recordItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshaling uncommitted records: %w", err)
		}
		for _, it := range items {
			r, err := it.toRecord()
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// BindCommit completes an uncommitted record. The update is conditioned on
// status so a second binder gets store.ErrBindConflict.
func (s *Store) BindCommit(ctx context.Context, eventID, commitHash string, committedAt time.Time) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.cfg.RecordsTable),
		Key:                 map[string]types.AttributeValue{"event_id": &types.AttributeValueMemberS{Value: eventID}},
		UpdateExpression:    aws.String("SET commit_hash = :h, #s = :c, committed_at = :t"),
		ConditionExpression: aws.String("#s = :u"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h": &types.AttributeValueMemberS{Value: commitHash},
			":c": &types.AttributeValueMemberS{Value: store.StatusComplete},
			":t": &types.AttributeValueMemberS{Value: formatTime(committedAt)},
			":u": &types.AttributeValueMemberS{Value: store.StatusUncommitted},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("binding commit to %s: %w", eventID, store.ErrBindConflict)
		}
		return fmt.Errorf("binding commit to %s: %w", eventID, err)
	}
	return nil
}
