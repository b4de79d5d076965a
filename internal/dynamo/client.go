// Package dynamo implements the point store on a DynamoDB table keyed by
// device_id (hash) and seq (range).
//
// Clear is made atomic with a per-device watermark item at seq 0: a single
// PutItem records the highest cleared seq, reads only see points above it,
// and the cleared items are deleted afterwards on a best-effort basis.
package dynamo

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/path-worker/internal/store"
)

const (
	batchSize         = 25
	maxUnprocessedTry = 5

	// watermarkSeq is the range key of the watermark item. Point seqs are
	// wall-clock nanoseconds and never reach it.
	watermarkSeq = 0
)

// API is the subset of the DynamoDB client used by the store
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type pointItem struct {
	DeviceID  string  `dynamodbav:"device_id"`
	Seq       int64   `dynamodbav:"seq"`
	Latitude  float64 `dynamodbav:"latitude"`
	Longitude float64 `dynamodbav:"longitude"`
	Timestamp int64   `dynamodbav:"timestamp"`
}

type watermarkItem struct {
	DeviceID       string `dynamodbav:"device_id"`
	Seq            int64  `dynamodbav:"seq"`
	ClearedThrough int64  `dynamodbav:"cleared_through"`
}

// Store is a store.PointStore backed by DynamoDB
type Store struct {
	api       API
	tableName string
	deviceID  string

	mu      sync.Mutex
	lastSeq int64
	closed  bool
	now     func() time.Time
}

var _ store.PointStore = (*Store)(nil)

// NewClient builds a DynamoDB client from the default AWS credential chain.
// A non-empty endpoint points the client at a local DynamoDB.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// NewStore creates a point store on tableName scoped to deviceID
func NewStore(api API, tableName, deviceID string) *Store {
	return &Store{api: api, tableName: tableName, deviceID: deviceID, now: time.Now}
}

// HealthCheck verifies the table is reachable
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err != nil {
		return fmt.Errorf("failed to describe table %s: %w", s.tableName, err)
	}
	return nil
}

// Close marks the store closed; the SDK client holds no connections to release
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Insert appends a point. The assigned ID is the item's range key.
func (s *Store) Insert(ctx context.Context, p store.Point) (store.Point, error) {
	if err := s.checkOpen(); err != nil {
		return store.Point{}, err
	}

	p.ID = s.nextSeq()
	item, err := attributevalue.MarshalMap(pointItem{
		DeviceID:  s.deviceID,
		Seq:       p.ID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timestamp: p.Timestamp,
	})
	if err != nil {
		return store.Point{}, fmt.Errorf("failed to marshal point: %w", err)
	}

	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return store.Point{}, fmt.Errorf("failed to put point: %w", err)
	}

	return p, nil
}

// GetAll returns every point of the device ordered by timestamp
func (s *Store) GetAll(ctx context.Context) ([]store.Point, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	mark, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}

	items, err := s.queryAll(ctx, nil, mark, 0)
	if err != nil {
		return nil, err
	}

	points := make([]store.Point, 0, len(items))
	for _, raw := range items {
		var it pointItem
		if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
			return nil, fmt.Errorf("failed to unmarshal point: %w", err)
		}
		points = append(points, store.Point{
			ID:        it.Seq,
			Latitude:  it.Latitude,
			Longitude: it.Longitude,
			Timestamp: it.Timestamp,
		})
	}

	store.SortByTimestamp(points)
	return points, nil
}

// GetLatest returns the point with the greatest timestamp, or nil
func (s *Store) GetLatest(ctx context.Context) (*store.Point, error) {
	points, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	latest := points[len(points)-1]
	return &latest, nil
}

// Count returns the number of stored points
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	mark, err := s.watermark(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	var startKey map[string]dynamodbtypes.AttributeValue
	for {
		in := s.queryInput(mark, 0)
		in.Select = dynamodbtypes.SelectCount
		in.ExclusiveStartKey = startKey

		out, err := s.api.Query(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("failed to count points: %w", err)
		}
		total += int(out.Count)

		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			return total, nil
		}
	}
}

// Clear removes every point of the device. The watermark write is the
// commit point: once it succeeds no point is visible, even if deleting the
// underlying items fails. Items left behind are purged by the next Clear.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	mark, err := s.watermark(ctx)
	if err != nil {
		return err
	}

	keys, err := s.queryAll(ctx, aws.String("device_id, seq"), mark, 0)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	through := mark
	for _, key := range keys {
		seq, err := seqOf(key)
		if err != nil {
			return err
		}
		if seq > through {
			through = seq
		}
	}

	if err := s.putWatermark(ctx, through); err != nil {
		return err
	}

	if err := s.purge(ctx, through); err != nil {
		log.Warn().Err(err).Str("device_id", s.deviceID).Msg("Cleared points left in table, purging on next clear")
		return nil
	}

	log.Debug().Int("cleared", len(keys)).Str("device_id", s.deviceID).Msg("Cleared DynamoDB points")
	return nil
}

// purge deletes the items at or below the watermark in batches of 25
func (s *Store) purge(ctx context.Context, through int64) error {
	keys, err := s.queryAll(ctx, aws.String("device_id, seq"), watermarkSeq, through)
	if err != nil {
		return err
	}

	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}

		requests := make([]dynamodbtypes.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, dynamodbtypes.WriteRequest{
				DeleteRequest: &dynamodbtypes.DeleteRequest{Key: key},
			})
		}
		if err := s.batchDelete(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) watermark(ctx context.Context) (int64, error) {
	key, err := attributevalue.MarshalMap(map[string]interface{}{"device_id": s.deviceID, "seq": watermarkSeq})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal watermark key: %w", err)
	}

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read clear watermark: %w", err)
	}
	if len(out.Item) == 0 {
		return watermarkSeq, nil
	}

	var w watermarkItem
	if err := attributevalue.UnmarshalMap(out.Item, &w); err != nil {
		return 0, fmt.Errorf("failed to unmarshal clear watermark: %w", err)
	}
	return w.ClearedThrough, nil
}

func (s *Store) putWatermark(ctx context.Context, through int64) error {
	item, err := attributevalue.MarshalMap(watermarkItem{
		DeviceID:       s.deviceID,
		Seq:            watermarkSeq,
		ClearedThrough: through,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal clear watermark: %w", err)
	}

	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to write clear watermark: %w", err)
	}
	return nil
}

func (s *Store) batchDelete(ctx context.Context, requests []dynamodbtypes.WriteRequest) error {
	pending := map[string][]dynamodbtypes.WriteRequest{s.tableName: requests}

	for attempt := 0; attempt < maxUnprocessedTry; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("failed to delete points: %w", err)
		}
		if len(out.UnprocessedItems[s.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}

	return fmt.Errorf("failed to delete points: %d requests left unprocessed", len(pending[s.tableName]))
}

// queryAll returns the device's items with seq above after, and at most
// through when through is non-zero
func (s *Store) queryAll(ctx context.Context, projection *string, after, through int64) ([]map[string]dynamodbtypes.AttributeValue, error) {
	var items []map[string]dynamodbtypes.AttributeValue
	var startKey map[string]dynamodbtypes.AttributeValue

	for {
		in := s.queryInput(after, through)
		in.ProjectionExpression = projection
		in.ExclusiveStartKey = startKey

		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to query points: %w", err)
		}
		items = append(items, out.Items...)

		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			return items, nil
		}
	}
}

func (s *Store) queryInput(after, through int64) *dynamodb.QueryInput {
	values := map[string]dynamodbtypes.AttributeValue{
		":d":  &dynamodbtypes.AttributeValueMemberS{Value: s.deviceID},
		":lo": &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(after+1, 10)},
	}
	cond := "device_id = :d AND seq >= :lo"
	if through > 0 {
		values[":hi"] = &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(through, 10)}
		cond = "device_id = :d AND seq BETWEEN :lo AND :hi"
	}

	return &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}
}

func seqOf(key map[string]dynamodbtypes.AttributeValue) (int64, error) {
	var k struct {
		Seq int64 `dynamodbav:"seq"`
	}
	if err := attributevalue.UnmarshalMap(key, &k); err != nil {
		return 0, fmt.Errorf("failed to unmarshal point key: %w", err)
	}
	return k.Seq, nil
}

// nextSeq returns a strictly increasing range key based on wall-clock nanoseconds
func (s *Store) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}
