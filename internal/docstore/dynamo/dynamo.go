// Package dynamo stores collections in a DynamoDB table and applies
// adjustments with atomic ADD updates. DynamoDB has no push stream, so
// subscriptions poll the collection and deliver a snapshot whenever its
// contents change.
//
// Table schema:
//   - Partition key: collection (string)
//   - Sort key: id (string)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name listing-sync \
//	  --attribute-definitions AttributeName=collection,AttributeType=S AttributeName=id,AttributeType=S \
//	  --key-schema AttributeName=collection,KeyType=HASH AttributeName=id,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
package dynamo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/channel"
	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	keyCollection = "collection"
	keyID         = "id"

	// DefaultPollInterval is how often subscriptions re-read a collection.
	DefaultPollInterval = 5 * time.Second
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Store is a channel.Source and channel.Adjuster over one table.
type Store struct {
	api    API
	table  string
	poll   time.Duration
	logger *slog.Logger
}

var (
	_ channel.Source   = (*Store)(nil)
	_ channel.Adjuster = (*Store)(nil)
)

// New loads the default AWS configuration and creates a store.
func New(ctx context.Context, table string, poll time.Duration, logger *slog.Logger) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return NewWithAPI(dynamodb.NewFromConfig(cfg), table, poll, logger), nil
}

// NewWithAPI creates a store over an existing client.
func NewWithAPI(api API, table string, poll time.Duration, logger *slog.Logger) *Store {
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	return &Store{api: api, table: table, poll: poll, logger: logger}
}

// Load reads every record in a collection.
func (s *Store) Load(ctx context.Context, collection string) ([]models.Record, error) {
	records := []models.Record{}

	var start map[string]types.AttributeValue

	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("#c = :c"),
			ExpressionAttributeNames: map[string]string{
				"#c": keyCollection,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":c": &types.AttributeValueMemberS{Value: collection},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", collection, err)
		}

		for _, item := range out.Items {
			r, err := toRecord(item)
			if err != nil {
				s.logger.Warn("skipping malformed item",
					slog.String("collection", collection),
					slog.String("error", err.Error()),
				)

				continue
			}

			records = append(records, r)
		}

		if len(out.LastEvaluatedKey) == 0 {
			return records, nil
		}

		start = out.LastEvaluatedKey
	}
}

// Subscribe polls the collection and delivers a snapshot on the first
// read and after each change. A failed read ends the subscription.
func (s *Store) Subscribe(ctx context.Context, q models.Query) (*channel.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	records, err := s.Load(ctx, q.Collection)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(ctx)

	sub := channel.New(q)
	sub.OnClose(cancel)

	go s.pollLoop(pollCtx, sub, records)

	return sub, nil
}

func (s *Store) pollLoop(ctx context.Context, sub *channel.Subscription, initial []models.Record) {
	defer sub.Close()

	q := sub.Query()

	last, ok := s.deliver(ctx, sub, q, initial, nil)
	if !ok {
		return
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, err := s.Load(ctx, q.Collection)
			if err != nil {
				if ctx.Err() == nil {
					sub.Fail(err)
				}

				return
			}

			if last, ok = s.deliver(ctx, sub, q, records, last); !ok {
				return
			}
		}
	}
}

// deliver sends the query result when it differs from last and returns
// the encoded result for the next comparison.
func (s *Store) deliver(ctx context.Context, sub *channel.Subscription, q models.Query, records []models.Record, last []byte) ([]byte, bool) {
	items := channel.Apply(q, records)

	encoded, err := json.Marshal(items)
	if err != nil {
		sub.Fail(fmt.Errorf("encoding %s: %w", q.Collection, err))
		return nil, false
	}

	if last != nil && bytes.Equal(encoded, last) {
		return last, true
	}

	return encoded, sub.Deliver(ctx, models.NewSnapshot(items, time.Now()))
}

// Adjust adds adj.Delta with an ADD update, which DynamoDB applies
// atomically. The item must exist.
func (s *Store) Adjust(ctx context.Context, adj channel.Adjustment) error {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(adj.Collection, adj.ID),
		UpdateExpression:    aws.String("ADD #f :d"),
		ConditionExpression: aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames: map[string]string{
			"#f":  adj.Field,
			"#id": keyID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberN{Value: strconv.Itoa(adj.Delta)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%s/%s: %w", adj.Collection, adj.ID, apperrors.ErrRecordNotFound)
		}

		return fmt.Errorf("updating %s/%s: %w", adj.Collection, adj.ID, err)
	}

	if n, ok := out.Attributes[adj.Field].(*types.AttributeValueMemberN); ok {
		s.logger.Debug("counter updated",
			slog.String("collection", adj.Collection),
			slog.String("id", adj.ID),
			slog.String("value", n.Value),
			slog.String("request_id", adj.RequestID),
		)
	}

	return nil
}

// Put writes a whole record.
func (s *Store) Put(ctx context.Context, collection string, r models.Record) error {
	item := make(map[string]types.AttributeValue, len(r.Fields)+2)
	for k, v := range r.Fields {
		av, err := toAttribute(v)
		if err != nil {
			return fmt.Errorf("encoding %s/%s.%s: %w", collection, r.ID, k, err)
		}

		item[k] = av
	}

	for k, v := range itemKey(collection, r.ID) {
		item[k] = v
	}

	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item}); err != nil {
		return fmt.Errorf("writing %s/%s: %w", collection, r.ID, err)
	}

	return nil
}

func itemKey(collection, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keyCollection: &types.AttributeValueMemberS{Value: collection},
		keyID:         &types.AttributeValueMemberS{Value: id},
	}
}
