package dynamo

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/path-worker/internal/store"
)

// fakeItem holds either a point or the clear watermark
type fakeItem struct {
	DeviceID       string  `dynamodbav:"device_id"`
	Seq            int64   `dynamodbav:"seq"`
	Latitude       float64 `dynamodbav:"latitude"`
	Longitude      float64 `dynamodbav:"longitude"`
	Timestamp      int64   `dynamodbav:"timestamp"`
	ClearedThrough int64   `dynamodbav:"cleared_through,omitempty"`
}

// fakeTable is an in-memory stand-in for a device_id/seq keyed table
type fakeTable struct {
	mu             sync.Mutex
	items          map[string]fakeItem
	pageSize       int
	batchCalls     int
	maxBatch       int
	unprocessOnce  bool
	failBatchCall  int
	putErr         error
	describeErr    error
	lastProjection *string
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]fakeItem), pageSize: 2}
}

func key(device string, seq int64) string {
	return device + "/" + strconv.FormatInt(seq, 10)
}

// stored counts the raw items of a device, watermark included
func (f *fakeTable) stored(device string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, it := range f.items {
		if it.DeviceID == device {
			n++
		}
	}
	return n
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	var k struct {
		DeviceID string `dynamodbav:"device_id"`
		Seq      int64  `dynamodbav:"seq"`
	}
	if err := attributevalue.UnmarshalMap(in.Key, &k); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[key(k.DeviceID, k.Seq)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: av}, nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	var it fakeItem
	if err := attributevalue.UnmarshalMap(in.Item, &it); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil && it.Seq == watermarkSeq {
		return nil, f.putErr
	}
	f.items[key(it.DeviceID, it.Seq)] = it
	return &dynamodb.PutItemOutput{}, nil
}

func numberValue(values map[string]dynamodbtypes.AttributeValue, name string) (int64, bool) {
	v, ok := values[name].(*dynamodbtypes.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	return n, err == nil
}

func (f *fakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	device := in.ExpressionAttributeValues[":d"].(*dynamodbtypes.AttributeValueMemberS).Value
	lo, hasLo := numberValue(in.ExpressionAttributeValues, ":lo")
	hi, hasHi := numberValue(in.ExpressionAttributeValues, ":hi")
	f.lastProjection = in.ProjectionExpression

	var matched []fakeItem
	for _, it := range f.items {
		if it.DeviceID != device {
			continue
		}
		if hasLo && it.Seq < lo {
			continue
		}
		if hasHi && it.Seq > hi {
			continue
		}
		matched = append(matched, it)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })

	start := 0
	if in.ExclusiveStartKey != nil {
		var last struct {
			Seq int64 `dynamodbav:"seq"`
		}
		if err := attributevalue.UnmarshalMap(in.ExclusiveStartKey, &last); err != nil {
			return nil, err
		}
		for start < len(matched) && matched[start].Seq <= last.Seq {
			start++
		}
	}
	end := start + f.pageSize
	if end > len(matched) {
		end = len(matched)
	}
	page := matched[start:end]

	out := &dynamodb.QueryOutput{Count: int32(len(page))}
	if in.Select != dynamodbtypes.SelectCount {
		for _, it := range page {
			av, err := attributevalue.MarshalMap(it)
			if err != nil {
				return nil, err
			}
			out.Items = append(out.Items, av)
		}
	}
	if end < len(matched) {
		lek, err := attributevalue.MarshalMap(map[string]interface{}{"device_id": device, "seq": page[len(page)-1].Seq})
		if err != nil {
			return nil, err
		}
		out.LastEvaluatedKey = lek
	}
	return out, nil
}

func (f *fakeTable) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchCalls == f.failBatchCall {
		return nil, errors.New("ProvisionedThroughputExceededException")
	}

	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]dynamodbtypes.WriteRequest{}}
	for table, reqs := range in.RequestItems {
		if len(reqs) > f.maxBatch {
			f.maxBatch = len(reqs)
		}
		for i, req := range reqs {
			if f.unprocessOnce && i == len(reqs)-1 {
				f.unprocessOnce = false
				out.UnprocessedItems[table] = append(out.UnprocessedItems[table], req)
				continue
			}
			var k struct {
				DeviceID string `dynamodbav:"device_id"`
				Seq      int64  `dynamodbav:"seq"`
			}
			if err := attributevalue.UnmarshalMap(req.DeleteRequest.Key, &k); err != nil {
				return nil, err
			}
			delete(f.items, key(k.DeviceID, k.Seq))
		}
	}
	return out, nil
}

func (f *fakeTable) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &dynamodb.DescribeTableOutput{Table: &dynamodbtypes.TableDescription{TableName: in.TableName}}, nil
}

func TestStore_InsertAndGetAll(t *testing.T) {
	table := newFakeTable()
	s := NewStore(table, "points", "device-a")
	ctx := context.Background()

	// inserted out of timestamp order to exercise sorting
	for _, ts := range []int64{3000, 1000, 2000, 5000, 4000} {
		_, err := s.Insert(ctx, store.Point{Latitude: float64(ts), Longitude: 1, Timestamp: ts})
		require.NoError(t, err)
	}

	points, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, points, 5, "pagination must collect every page")
	for i, p := range points {
		assert.Equal(t, int64((i+1)*1000), p.Timestamp)
	}

	latest, err := s.GetLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(5000), latest.Timestamp)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestStore_SeqStrictlyIncreasing(t *testing.T) {
	s := NewStore(newFakeTable(), "points", "device-a")
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	a, err := s.Insert(context.Background(), store.Point{Timestamp: 1})
	require.NoError(t, err)
	b, err := s.Insert(context.Background(), store.Point{Timestamp: 1})
	require.NoError(t, err)

	assert.Greater(t, b.ID, a.ID)
}

func TestStore_DeviceIsolation(t *testing.T) {
	table := newFakeTable()
	a := NewStore(table, "points", "device-a")
	b := NewStore(table, "points", "device-b")
	ctx := context.Background()

	_, err := a.Insert(ctx, store.Point{Timestamp: 1})
	require.NoError(t, err)
	_, err = b.Insert(ctx, store.Point{Timestamp: 2})
	require.NoError(t, err)

	require.NoError(t, a.Clear(ctx))

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ClearBatchesOf25(t *testing.T) {
	table := newFakeTable()
	table.pageSize = 100
	s := NewStore(table, "points", "device-a")
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		_, err := s.Insert(ctx, store.Point{Timestamp: int64(i)})
		require.NoError(t, err)
	}

	require.NoError(t, s.Clear(ctx))

	assert.Equal(t, 3, table.batchCalls)
	assert.Equal(t, batchSize, table.maxBatch)
	require.NotNil(t, table.lastProjection)
	assert.Equal(t, "device_id, seq", *table.lastProjection)

	latest, err := s.GetLatest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestStore_ClearRetriesUnprocessed(t *testing.T) {
	table := newFakeTable()
	table.unprocessOnce = true
	s := NewStore(table, "points", "device-a")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, store.Point{Timestamp: int64(i)})
		require.NoError(t, err)
	}

	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, 2, table.batchCalls)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ClearIsAtomicWhenDeleteFailsPartway(t *testing.T) {
	table := newFakeTable()
	table.pageSize = 100
	table.failBatchCall = 2
	s := NewStore(table, "points", "device-a")
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, err := s.Insert(ctx, store.Point{Timestamp: int64(i)})
		require.NoError(t, err)
	}

	require.NoError(t, s.Clear(ctx))

	// the second batch failed, so 5 cleared items and the watermark remain
	assert.Equal(t, 6, table.stored("device-a"))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	points, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, points)

	fresh, err := s.Insert(ctx, store.Point{Timestamp: 100})
	require.NoError(t, err)

	points, err = s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, fresh.ID, points[0].ID)

	// the next clear purges the leftovers too
	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, 1, table.stored("device-a"), "only the watermark is left")
}

func TestStore_ClearWatermarkFailureKeepsPoints(t *testing.T) {
	table := newFakeTable()
	s := NewStore(table, "points", "device-a")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, store.Point{Timestamp: int64(i)})
		require.NoError(t, err)
	}

	table.putErr = errors.New("ConditionalCheckFailedException")
	err := s.Clear(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watermark")

	assert.Zero(t, table.batchCalls, "nothing is deleted before the watermark commits")
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_ClearEmpty(t *testing.T) {
	table := newFakeTable()
	s := NewStore(table, "points", "device-a")

	require.NoError(t, s.Clear(context.Background()))
	assert.Zero(t, table.stored("device-a"))
	assert.Zero(t, table.batchCalls)
}

func TestStore_HealthCheck(t *testing.T) {
	table := newFakeTable()
	s := NewStore(table, "points", "device-a")
	assert.NoError(t, s.HealthCheck(context.Background()))

	table.describeErr = errors.New("ResourceNotFoundException")
	err := s.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "points")
}

func TestStore_Closed(t *testing.T) {
	s := NewStore(newFakeTable(), "points", "device-a")
	require.NoError(t, s.Close())

	_, err := s.Insert(context.Background(), store.Point{})
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.GetAll(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.Clear(context.Background()), store.ErrClosed)
}

func TestNewClient_LocalEndpoint(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	client, err := NewClient(context.Background(), "us-east-1", "http://localhost:8000")
	require.NoError(t, err)
	assert.NotNil(t, client)
}
