// Package dynamostore implements store.Store on DynamoDB.
//
// Three tables back the store:
//   - records, keyed by event_id, with a GSI on (composite_key, extracted_at)
//     that serves reconciliation lookups
//   - audit, keyed by id, with a GSI on (entity_id, timestamp)
//   - activity, keyed by project_id
//
// Commit binding is a conditional UpdateItem on status, so only one writer can
// move a record out of the uncommitted state.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/smithy-go"

	"github.com/hurttlocker/devctx/internal/store"
)

// Default table and index names.
const (
	DefaultRecordsTable  = "devctx-context-records"
	DefaultAuditTable    = "devctx-audit-log"
	DefaultActivityTable = "devctx-project-activity"

	CompositeKeyIndex = "composite_key-extracted_at-index"
	EntityIndex       = "entity_id-timestamp-index"
)

const conditionalCheckFailed = "ConditionalCheckFailedException"

// timeLayout is fixed-width so string sort keys order chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Config names the tables and, optionally, the region and endpoint.
type Config struct {
	RecordsTable  string
	AuditTable    string
	ActivityTable string
	Region        string
	// Endpoint overrides the service endpoint (DynamoDB Local, LocalStack).
	Endpoint string
}

func (c *Config) applyDefaults() {
	if c.RecordsTable == "" {
		c.RecordsTable = DefaultRecordsTable
	}
	if c.AuditTable == "" {
		c.AuditTable = DefaultAuditTable
	}
	if c.ActivityTable == "" {
		c.ActivityTable = DefaultActivityTable
	}
}

// Store is a DynamoDB-backed store.Store.
type Store struct {
	api API
	cfg Config
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New loads the default AWS configuration and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithAPI(client, cfg), nil
}

// NewWithAPI returns a Store over an existing client.
func NewWithAPI(api API, cfg Config) *Store {
	cfg.applyDefaults()
	return &Store{api: api, cfg: cfg, now: time.Now}
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error { return nil }

func isConditionFailure(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == conditionalCheckFailed
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}
