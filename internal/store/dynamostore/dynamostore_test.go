package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/devctx/internal/store"
)

// mockAPI implements API for testing.
type mockAPI struct {
	putItemFunc    func(ctx context.Context, params *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	getItemFunc    func(ctx context.Context, params *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	queryFunc      func(ctx context.Context, params *dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	updateItemFunc func(ctx context.Context, params *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
}

func (m *mockAPI) PutItem(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, params)
	}
	return nil, fmt.Errorf("PutItem not implemented")
}

func (m *mockAPI) GetItem(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, params)
	}
	return nil, fmt.Errorf("GetItem not implemented")
}

func (m *mockAPI) Query(ctx context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, params)
	}
	return nil, fmt.Errorf("Query not implemented")
}

func (m *mockAPI) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.updateItemFunc != nil {
		return m.updateItemFunc(ctx, params)
	}
	return nil, fmt.Errorf("UpdateItem not implemented")
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func stringAttr(t *testing.T, m map[string]types.AttributeValue, key string) string {
	t.Helper()
	v, ok := m[key].(*types.AttributeValueMemberS)
	require.True(t, ok, "attribute %q is not a string", key)
	return v.Value
}

var extractedAt = time.Date(2026, 3, 1, 0, 10, 0, 0, time.UTC)

func sampleRecord() *store.ContextRecord {
	return &store.ContextRecord{
		EventID:      "e1",
		ProjectID:    "p1",
		Branch:       "main",
		Author:       "alice",
		Status:       store.StatusUncommitted,
		ExtractedAt:  extractedAt,
		ModelVersion: "mock/model",
		Embedding:    []float32{0.5, -0.25},
		Feature:      "login",
		Tasks:        []string{"a", "b"},
		Stage:        "testing",
		Risk:         "medium",
		Confidence:   0.7,
		Entities:     []string{"Login"},
	}
}

func TestDefaultTables(t *testing.T) {
	s := NewWithAPI(&mockAPI{}, Config{})
	assert.Equal(t, DefaultRecordsTable, s.cfg.RecordsTable)
	assert.Equal(t, DefaultAuditTable, s.cfg.AuditTable)
	assert.Equal(t, DefaultActivityTable, s.cfg.ActivityTable)
	assert.NoError(t, s.Close())
}

func TestPutRecord(t *testing.T) {
	var captured *dynamodb.PutItemInput
	api := &mockAPI{putItemFunc: func(_ context.Context, in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		captured = in
		return &dynamodb.PutItemOutput{}, nil
	}}
	s := NewWithAPI(api, Config{RecordsTable: "records"})

	require.NoError(t, s.PutRecord(context.Background(), sampleRecord()))
	require.NotNil(t, captured)
	assert.Equal(t, "records", aws.ToString(captured.TableName))
	assert.Equal(t, "attribute_not_exists(event_id)", aws.ToString(captured.ConditionExpression))
	assert.Equal(t, "p1#main", stringAttr(t, captured.Item, "composite_key"))
	assert.Equal(t, "2026-03-01T00:10:00.000000000Z", stringAttr(t, captured.Item, "extracted_at"))
	_, hasHash := captured.Item["commit_hash"]
	assert.False(t, hasHash, "uncommitted record must not carry commit_hash")
}

func TestPutRecordDuplicate(t *testing.T) {
	api := &mockAPI{putItemFunc: func(context.Context, *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		return nil, conditionFailed()
	}}
	err := NewWithAPI(api, Config{}).PutRecord(context.Background(), sampleRecord())
	assert.ErrorIs(t, err, store.ErrDuplicateEvent)
}

func TestPutRecordRejectsUncommittedWithHash(t *testing.T) {
	rec := sampleRecord()
	hash := "abc"
	rec.CommitHash = &hash
	err := NewWithAPI(&mockAPI{}, Config{}).PutRecord(context.Background(), rec)
	assert.Error(t, err)
}

func TestGetRecordRoundTrip(t *testing.T) {
	in := sampleRecord()
	in.CreatedAt = extractedAt.Add(time.Second)
	item, err := attributevalue.MarshalMap(toItem(in))
	require.NoError(t, err)

	api := &mockAPI{getItemFunc: func(_ context.Context, params *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		assert.Equal(t, "e1", stringAttr(t, params.Key, "event_id"))
		assert.True(t, aws.ToBool(params.ConsistentRead))
		return &dynamodb.GetItemOutput{Item: item}, nil
	}}

	got, err := NewWithAPI(api, Config{}).GetRecord(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, in.EventID, got.EventID)
	assert.Equal(t, in.Status, got.Status)
	assert.True(t, in.ExtractedAt.Equal(got.ExtractedAt))
	assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, in.Embedding, got.Embedding)
	assert.Equal(t, in.Tasks, got.Tasks)
	assert.Equal(t, in.Confidence, got.Confidence)
	assert.Nil(t, got.CommitHash)
	assert.Nil(t, got.CommittedAt)
}

func TestGetRecordNotFound(t *testing.T) {
	api := &mockAPI{getItemFunc: func(context.Context, *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		return &dynamodb.GetItemOutput{}, nil
	}}
	_, err := NewWithAPI(api, Config{}).GetRecord(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindUncommittedPaginates(t *testing.T) {
	newer := sampleRecord()
	newer.EventID = "e2"
	newer.ExtractedAt = extractedAt.Add(5 * time.Minute)
	page1, err := attributevalue.MarshalMap(toItem(newer))
	require.NoError(t, err)
	page2, err := attributevalue.MarshalMap(toItem(sampleRecord()))
	require.NoError(t, err)

	calls := 0
	api := &mockAPI{queryFunc: func(_ context.Context, in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		calls++
		assert.Equal(t, CompositeKeyIndex, aws.ToString(in.IndexName))
		assert.False(t, aws.ToBool(in.ScanIndexForward))
		assert.Equal(t, "p1#main", stringAttr(t, in.ExpressionAttributeValues, ":k"))
		assert.Equal(t, "2026-03-01T00:00:00.000000000Z", stringAttr(t, in.ExpressionAttributeValues, ":from"))
		assert.Equal(t, "2026-03-01T00:30:00.000000000Z", stringAttr(t, in.ExpressionAttributeValues, ":to"))
		assert.Equal(t, store.StatusUncommitted, stringAttr(t, in.ExpressionAttributeValues, ":u"))

		if calls == 1 {
			assert.Nil(t, in.ExclusiveStartKey)
			return &dynamodb.QueryOutput{
				Items:            []map[string]types.AttributeValue{page1},
				LastEvaluatedKey: map[string]types.AttributeValue{"event_id": &types.AttributeValueMemberS{Value: "e2"}},
			}, nil
		}
		assert.Equal(t, "e2", stringAttr(t, in.ExclusiveStartKey, "event_id"))
		return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{page2}}, nil
	}}

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := NewWithAPI(api, Config{}).FindUncommitted(context.Background(), "p1", "main", from, from.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].EventID)
	assert.Equal(t, "e1", got[1].EventID)
	assert.Equal(t, 2, calls)
}

func TestFindUncommittedError(t *testing.T) {
	api := &mockAPI{queryFunc: func(context.Context, *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		return nil, errors.New("throttled")
	}}
	_, err := NewWithAPI(api, Config{}).FindUncommitted(context.Background(), "p1", "main", time.Time{}, time.Time{})
	assert.ErrorContains(t, err, "throttled")
}

func TestBindCommit(t *testing.T) {
	var captured *dynamodb.UpdateItemInput
	api := &mockAPI{updateItemFunc: func(_ context.Context, in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		captured = in
		return &dynamodb.UpdateItemOutput{}, nil
	}}
	committedAt := extractedAt.Add(15 * time.Minute)

	require.NoError(t, NewWithAPI(api, Config{}).BindCommit(context.Background(), "e1", "abc123", committedAt))
	assert.Equal(t, "#s = :u", aws.ToString(captured.ConditionExpression))
	assert.Equal(t, "status", captured.ExpressionAttributeNames["#s"])
	assert.Equal(t, "e1", stringAttr(t, captured.Key, "event_id"))
	assert.Equal(t, "abc123", stringAttr(t, captured.ExpressionAttributeValues, ":h"))
	assert.Equal(t, store.StatusComplete, stringAttr(t, captured.ExpressionAttributeValues, ":c"))
	assert.Equal(t, store.StatusUncommitted, stringAttr(t, captured.ExpressionAttributeValues, ":u"))
}

func TestBindCommitConflict(t *testing.T) {
	api := &mockAPI{updateItemFunc: func(context.Context, *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		return nil, conditionFailed()
	}}
	err := NewWithAPI(api, Config{}).BindCommit(context.Background(), "e1", "abc", extractedAt)
	assert.ErrorIs(t, err, store.ErrBindConflict)
}

func TestBindCommitOtherError(t *testing.T) {
	api := &mockAPI{updateItemFunc: func(context.Context, *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		return nil, errors.New("network down")
	}}
	err := NewWithAPI(api, Config{}).BindCommit(context.Background(), "e1", "abc", extractedAt)
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrBindConflict)
}

func TestAppendAndListAudit(t *testing.T) {
	var stored []map[string]types.AttributeValue
	api := &mockAPI{
		putItemFunc: func(_ context.Context, in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			assert.Equal(t, DefaultAuditTable, aws.ToString(in.TableName))
			stored = append(stored, in.Item)
			return &dynamodb.PutItemOutput{}, nil
		},
		queryFunc: func(_ context.Context, in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			assert.Equal(t, EntityIndex, aws.ToString(in.IndexName))
			assert.Equal(t, "e1", stringAttr(t, in.ExpressionAttributeValues, ":e"))
			return &dynamodb.QueryOutput{Items: stored}, nil
		},
	}
	s := NewWithAPI(api, Config{})
	ctx := context.Background()

	a := &store.AuditRecord{EntityID: "e1", Action: store.ActionCommitLinked, Timestamp: extractedAt, ProjectID: "p1", Branch: "main", Author: "alice"}
	require.NoError(t, s.AppendAudit(ctx, a))
	assert.NotEmpty(t, a.ID)

	trail, err := s.ListAudit(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, a.ID, trail[0].ID)
	assert.Equal(t, store.ActionCommitLinked, trail[0].Action)
	assert.True(t, extractedAt.Equal(trail[0].Timestamp))

	assert.Error(t, s.AppendAudit(ctx, &store.AuditRecord{EntityID: "e1", Action: "deleted"}))
}

func TestTouchProjectAdvances(t *testing.T) {
	var inputs []*dynamodb.UpdateItemInput
	api := &mockAPI{updateItemFunc: func(_ context.Context, in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		inputs = append(inputs, in)
		return &dynamodb.UpdateItemOutput{}, nil
	}}
	require.NoError(t, NewWithAPI(api, Config{}).TouchProject(context.Background(), "p1", extractedAt))
	require.Len(t, inputs, 1)
	assert.Contains(t, aws.ToString(inputs[0].UpdateExpression), "SET last_activity_at = :t")
	assert.Contains(t, aws.ToString(inputs[0].ConditionExpression), "last_activity_at < :t")
}

func TestTouchProjectOlderTimestampOnlyCounts(t *testing.T) {
	var inputs []*dynamodb.UpdateItemInput
	api := &mockAPI{updateItemFunc: func(_ context.Context, in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		inputs = append(inputs, in)
		if len(inputs) == 1 {
			return nil, conditionFailed()
		}
		return &dynamodb.UpdateItemOutput{}, nil
	}}
	require.NoError(t, NewWithAPI(api, Config{}).TouchProject(context.Background(), "p1", extractedAt))
	require.Len(t, inputs, 2)
	assert.Equal(t, "ADD event_count :one", aws.ToString(inputs[1].UpdateExpression))
	assert.Nil(t, inputs[1].ConditionExpression)
}

func TestGetActivity(t *testing.T) {
	item, err := attributevalue.MarshalMap(activityItem{ProjectID: "p1", LastActivityAt: formatTime(extractedAt), EventCount: 3})
	require.NoError(t, err)
	api := &mockAPI{getItemFunc: func(context.Context, *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		return &dynamodb.GetItemOutput{Item: item}, nil
	}}

	a, err := NewWithAPI(api, Config{}).GetActivity(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.EventCount)
	assert.True(t, extractedAt.Equal(a.LastActivityAt))
}
