package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/listing-sync/internal/channel"
	apperrors "github.com/alexjbarnes/listing-sync/internal/errors"
	"github.com/alexjbarnes/listing-sync/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is an in-memory table keyed by collection then id. Query
// returns pageSize items per page to exercise pagination.
type fakeAPI struct {
	mu       sync.Mutex
	items    map[string]map[string]map[string]types.AttributeValue
	pageSize int
	queryErr error
	queries  int
	updates  []*dynamodb.UpdateItemInput
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[string]map[string]map[string]types.AttributeValue), pageSize: 2}
}

func (f *fakeAPI) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries++

	if f.queryErr != nil {
		return nil, f.queryErr
	}

	collection := params.ExpressionAttributeValues[":c"].(*types.AttributeValueMemberS).Value

	ids := make([]string, 0, len(f.items[collection]))
	for id := range f.items[collection] {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	start := 0
	if params.ExclusiveStartKey != nil {
		after := params.ExclusiveStartKey[keyID].(*types.AttributeValueMemberS).Value
		start = sort.SearchStrings(ids, after) + 1
	}

	end := min(start+f.pageSize, len(ids))

	out := &dynamodb.QueryOutput{}
	for _, id := range ids[start:end] {
		out.Items = append(out.Items, maps.Clone(f.items[collection][id]))
	}

	if end < len(ids) {
		out.LastEvaluatedKey = itemKey(collection, ids[end-1])
	}

	return out, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, params)

	collection := params.Key[keyCollection].(*types.AttributeValueMemberS).Value
	id := params.Key[keyID].(*types.AttributeValueMemberS).Value

	item, ok := f.items[collection][id]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}

	field := params.ExpressionAttributeNames["#f"]
	delta, _ := strconv.Atoi(params.ExpressionAttributeValues[":d"].(*types.AttributeValueMemberN).Value)

	current := 0
	if n, ok := item[field].(*types.AttributeValueMemberN); ok {
		current, _ = strconv.Atoi(n.Value)
	}

	updated := &types.AttributeValueMemberN{Value: strconv.Itoa(current + delta)}
	item[field] = updated

	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{field: updated}}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	collection := params.Item[keyCollection].(*types.AttributeValueMemberS).Value
	id := params.Item[keyID].(*types.AttributeValueMemberS).Value

	if f.items[collection] == nil {
		f.items[collection] = make(map[string]map[string]types.AttributeValue)
	}

	f.items[collection][id] = params.Item

	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) failQueries(err error) {
	f.mu.Lock()
	f.queryErr = err
	f.mu.Unlock()
}

func newTestStore(t *testing.T, api API) *Store {
	t.Helper()

	return NewWithAPI(api, "listing-sync", 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func put(t *testing.T, s *Store, id, category string, price, likes int) {
	t.Helper()

	require.NoError(t, s.Put(context.Background(), "listings", models.NewRecord(id, map[string]any{
		"category": category,
		"price":    price,
		"likes":    likes,
	})))
}

func next(t *testing.T, sub *channel.Subscription) models.Snapshot {
	t.Helper()

	select {
	case snap := <-sub.Snapshots():
		return snap
	case err := <-sub.Err():
		t.Fatalf("subscription failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	return models.Snapshot{}
}

func TestLoad_Paginates(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(t, api)

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		put(t, s, id, "house", (i+1)*100, 0)
	}

	records, err := s.Load(context.Background(), "listings")
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, 3, api.queries)

	price, ok := records[4].Number("price")
	require.True(t, ok)
	assert.InDelta(t, 500, price, 0)
	assert.Equal(t, "house", records[4].String("category"))

	_, hasCollection := records[0].Fields[keyCollection]
	assert.False(t, hasCollection)
}

func TestLoad_EmptyCollection(t *testing.T) {
	s := newTestStore(t, newFakeAPI())

	records, err := s.Load(context.Background(), "listings")
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestLoad_QueryError(t *testing.T) {
	api := newFakeAPI()
	api.failQueries(errors.New("throttled"))

	_, err := newTestStore(t, api).Load(context.Background(), "listings")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestAdjust_AddsDelta(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(t, api)
	put(t, s, "a", "house", 100, 3)

	ctx := context.Background()
	require.NoError(t, s.Adjust(ctx, channel.Adjustment{Collection: "listings", ID: "a", Field: "likes", Delta: 1}))
	require.NoError(t, s.Adjust(ctx, channel.Adjustment{Collection: "listings", ID: "a", Field: "likes", Delta: 1}))
	require.NoError(t, s.Adjust(ctx, channel.Adjustment{Collection: "listings", ID: "a", Field: "likes", Delta: -1}))

	records, err := s.Load(ctx, "listings")
	require.NoError(t, err)
	require.Len(t, records, 1)

	likes, _ := records[0].Number("likes")
	assert.InDelta(t, 4, likes, 0)

	require.Len(t, api.updates, 3)
	assert.Equal(t, "ADD #f :d", aws.ToString(api.updates[0].UpdateExpression))
	assert.Equal(t, "attribute_exists(#id)", aws.ToString(api.updates[0].ConditionExpression))
}

func TestAdjust_MissingRecord(t *testing.T) {
	s := newTestStore(t, newFakeAPI())

	err := s.Adjust(context.Background(), channel.Adjustment{Collection: "listings", ID: "nope", Field: "likes", Delta: 1})
	require.ErrorIs(t, err, apperrors.ErrRecordNotFound)
}

func TestSubscribe_DeliversInitialAndChanges(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(t, api)
	put(t, s, "a", "house", 100, 0)
	put(t, s, "b", "flat", 200, 0)

	q := models.Query{
		Collection: "listings",
		Where:      &models.Equality{Field: "category", Value: "house"},
	}

	sub, err := s.Subscribe(context.Background(), q)
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	snap := next(t, sub)
	assert.Equal(t, []string{"a"}, snap.IDs())

	require.NoError(t, s.Adjust(context.Background(), channel.Adjustment{Collection: "listings", ID: "a", Field: "likes", Delta: 1}))

	snap = next(t, sub)
	require.Len(t, snap.Items, 1)

	likes, _ := snap.Items[0].Number("likes")
	assert.InDelta(t, 1, likes, 0)
}

func TestSubscribe_SkipsUnchangedPolls(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(t, api)
	put(t, s, "a", "house", 100, 0)

	sub, err := s.Subscribe(context.Background(), models.Query{Collection: "listings"})
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	next(t, sub)

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()

		return api.queries >= 4
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case snap := <-sub.Snapshots():
		t.Fatalf("unexpected snapshot %v", snap.IDs())
	default:
	}
}

func TestSubscribe_PollErrorEndsSubscription(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(t, api)
	put(t, s, "a", "house", 100, 0)

	sub, err := s.Subscribe(context.Background(), models.Query{Collection: "listings"})
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	next(t, sub)
	api.failQueries(errors.New("table gone"))

	select {
	case err := <-sub.Err():
		assert.Contains(t, err.Error(), "table gone")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error")
	}

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not released")
	}
}

func TestSubscribe_InvalidQuery(t *testing.T) {
	_, err := newTestStore(t, newFakeAPI()).Subscribe(context.Background(), models.Query{})
	require.ErrorIs(t, err, apperrors.ErrCollectionRequired)
}

func TestAttributes_RoundTrip(t *testing.T) {
	fields := map[string]any{
		"title":    "Villa",
		"price":    json.Number("450000"),
		"featured": true,
		"tags":     []any{"sea", "pool"},
		"agent":    map[string]any{"name": "Ann"},
		"notes":    nil,
	}

	item := make(map[string]types.AttributeValue)
	for k, v := range fields {
		av, err := toAttribute(v)
		require.NoError(t, err, k)

		item[k] = av
	}

	item[keyID] = &types.AttributeValueMemberS{Value: "x"}

	r, err := toRecord(item)
	require.NoError(t, err)
	assert.Equal(t, "x", r.ID)
	assert.Equal(t, fields, r.Fields)
}

func TestAttributes_Sets(t *testing.T) {
	assert.Equal(t, []any{"a", "b"}, fromAttribute(&types.AttributeValueMemberSS{Value: []string{"a", "b"}}))
	assert.Equal(t, []any{json.Number("1")}, fromAttribute(&types.AttributeValueMemberNS{Value: []string{"1"}}))
}

func TestToAttribute_Unsupported(t *testing.T) {
	_, err := toAttribute(struct{}{})
	require.Error(t, err)
}

func TestToRecord_RequiresID(t *testing.T) {
	_, err := toRecord(map[string]types.AttributeValue{"title": &types.AttributeValueMemberS{Value: "x"}})
	require.Error(t, err)
}
