package manifest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/partstash/partstash/internal/config"
	stasherr "github.com/partstash/partstash/internal/errors"
)

// DynamoDBAPI is the subset of the DynamoDB client the engine uses, so tests
// can substitute a mock.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

const dynamoMetaSK = "#META"

// Condition and update expressions. #st is the reserved word "state".
const (
	condNewItem    = "attribute_not_exists(pk)"
	condItemExists = "attribute_exists(pk)"
	condOpen       = "#st = :open"
	condNextPart   = "#st = :open AND part_count = :idx"
	condPartsTotal = "#st = :open AND total_size = :total"

	updAppend   = "SET part_count = part_count + :one, total_size = total_size + :size"
	updComplete = "SET #st = :state, completed_at = :now"
	updFail     = "SET #st = :state, failure_reason = :reason"
	updRegister = "SET #st = :state, completed_at = :now, part_count = :count, total_size = :total"
)

// dynamoBatchSize is the BatchWriteItem request ceiling.
const dynamoBatchSize = 25

const dynamoBatchAttempts = 5

var stateName = map[string]string{"#st": "state"}

// DynamoDBStore persists manifests in one DynamoDB table. A file is a
// partition FILE#<id> holding a #META item (header, part count and running
// size) and one PART#<index> item per part. Appends are a transaction that
// conditionally bumps the part count and writes the part item together.
type DynamoDBStore struct {
	client DynamoDBAPI
	table  string
}

// NewDynamoDBStore builds a client from the default AWS credential chain and
// verifies the table is reachable.
func NewDynamoDBStore(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	s := NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg.Table)
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot access dynamodb table %q: %w", cfg.Table, err)
	}
	return s, nil
}

// NewDynamoDBStoreWithClient wraps a pre-configured client, typically a mock.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, table: table}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func dynamoPK(fileID string) string {
	return "FILE#" + fileID
}

func dynamoPartSK(index int) string {
	return fmt.Sprintf("PART#%08d", index)
}

func attrS(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func attrN(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func (s *DynamoDBStore) key(fileID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": attrS(dynamoPK(fileID)),
		"sk": attrS(sk),
	}
}

// metaItem encodes the header of f with an explicit part count, since the
// part items are written separately.
func metaItem(f *LogicalFile, partCount int) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"pk":           attrS(dynamoPK(f.ID)),
		"sk":           attrS(dynamoMetaSK),
		"id":           attrS(f.ID),
		"display_name": attrS(f.DisplayName),
		"content_type": attrS(f.ContentType),
		"state":        attrS(string(f.State)),
		"created_at":   attrN(f.CreatedAt.UnixMilli()),
		"part_count":   attrN(int64(partCount)),
		"total_size":   attrN(f.TotalSize),
	}
	if f.FailureReason != "" {
		item["failure_reason"] = attrS(f.FailureReason)
	}
	if !f.CompletedAt.IsZero() {
		item["completed_at"] = attrN(f.CompletedAt.UnixMilli())
	}
	return item
}

func partItem(fileID string, p Part) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"pk":   attrS(dynamoPK(fileID)),
		"sk":   attrS(dynamoPartSK(p.Index)),
		"idx":  attrN(int64(p.Index)),
		"ref":  attrS(p.Ref),
		"size": attrN(p.Size),
	}
	if p.Checksum != "" {
		item["checksum"] = attrS(p.Checksum)
	}
	return item
}

// itemToFile decodes a #META item. Parts are left empty; the part count is
// returned separately.
func itemToFile(item map[string]types.AttributeValue) (*LogicalFile, int) {
	f := &LogicalFile{
		ID:            getString(item, "id"),
		DisplayName:   getString(item, "display_name"),
		ContentType:   getString(item, "content_type"),
		State:         State(getString(item, "state")),
		FailureReason: getString(item, "failure_reason"),
		TotalSize:     getInt(item, "total_size"),
		CreatedAt:     time.UnixMilli(getInt(item, "created_at")).UTC(),
		Parts:         []Part{},
	}
	if ms := getInt(item, "completed_at"); ms != 0 {
		f.CompletedAt = time.UnixMilli(ms).UTC()
	}
	return f, int(getInt(item, "part_count"))
}

func itemToPart(item map[string]types.AttributeValue) Part {
	return Part{
		Index:    int(getInt(item, "idx")),
		Ref:      getString(item, "ref"),
		Size:     getInt(item, "size"),
		Checksum: getString(item, "checksum"),
	}
}

// conditionFailed reports whether a write lost its condition check, alone
// or inside a cancelled transaction.
func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	var tce *types.TransactionCanceledException
	return errors.As(err, &ccf) || errors.As(err, &tce)
}

// loadMeta reads the #META item strongly consistently.
func (s *DynamoDBStore) loadMeta(ctx context.Context, fileID string) (*LogicalFile, int, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(fileID, dynamoMetaSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("reading manifest %q: %w", fileID, err)
	}
	if resp.Item == nil {
		return nil, 0, notFound(fileID)
	}
	f, n := itemToFile(resp.Item)
	return f, n, nil
}

// diagnose rereads the header after a failed condition and reports why the
// write was refused. A header that now passes check means another writer
// raced us to a state that happens to be valid again.
func (s *DynamoDBStore) diagnose(ctx context.Context, fileID string, check func(f *LogicalFile, partCount int) error) error {
	f, n, err := s.loadMeta(ctx, fileID)
	if err != nil {
		return err
	}
	if err := check(f, n); err != nil {
		return err
	}
	return stasherr.ErrTransient.WithMessage("file %q changed concurrently", fileID)
}

func (s *DynamoDBStore) putMeta(ctx context.Context, f *LogicalFile, partCount int) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                metaItem(f, partCount),
		ConditionExpression: aws.String(condNewItem),
	})
	if conditionFailed(err) {
		return conflict(f.ID)
	}
	if err != nil {
		return fmt.Errorf("creating manifest %q: %w", f.ID, err)
	}
	return nil
}

func (s *DynamoDBStore) CreateFile(ctx context.Context, req CreateRequest) (string, error) {
	f, err := newFile(req, time.Now())
	if err != nil {
		return "", err
	}
	if err := s.putMeta(ctx, f, 0); err != nil {
		return "", err
	}
	return f.ID, nil
}

func (s *DynamoDBStore) AppendPart(ctx context.Context, fileID string, part Part) error {
	check := func(f *LogicalFile, n int) error { return checkAppend(f, n, part) }
	f, n, err := s.loadMeta(ctx, fileID)
	if err != nil {
		return err
	}
	if err := check(f, n); err != nil {
		return err
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &types.Update{
				TableName:                aws.String(s.table),
				Key:                      s.key(fileID, dynamoMetaSK),
				ConditionExpression:      aws.String(condNextPart),
				UpdateExpression:         aws.String(updAppend),
				ExpressionAttributeNames: stateName,
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":open": attrS(string(StateInProgress)),
					":idx":  attrN(int64(part.Index)),
					":one":  attrN(1),
					":size": attrN(part.Size),
				},
			}},
			// Unconditional: a stray item left by an interrupted delete
			// sits beyond the part count and is overwritten here.
			{Put: &types.Put{
				TableName: aws.String(s.table),
				Item:      partItem(fileID, part),
			}},
		},
	})
	if conditionFailed(err) {
		return s.diagnose(ctx, fileID, check)
	}
	if err != nil {
		return fmt.Errorf("appending part %d to %q: %w", part.Index, fileID, err)
	}
	return nil
}

func (s *DynamoDBStore) CompleteFile(ctx context.Context, fileID string, totalSize int64) error {
	now := time.Now()
	check := func(f *LogicalFile, _ int) error { return completeWithSum(f, f.TotalSize, totalSize, now) }
	f, n, err := s.loadMeta(ctx, fileID)
	if err != nil {
		return err
	}
	if err := check(f, n); err != nil {
		return err
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      s.key(fileID, dynamoMetaSK),
		ConditionExpression:      aws.String(condPartsTotal),
		UpdateExpression:         aws.String(updComplete),
		ExpressionAttributeNames: stateName,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":open":  attrS(string(StateInProgress)),
			":total": attrN(totalSize),
			":state": attrS(string(StateComplete)),
			":now":   attrN(f.CompletedAt.UnixMilli()),
		},
	})
	if conditionFailed(err) {
		return s.diagnose(ctx, fileID, check)
	}
	if err != nil {
		return fmt.Errorf("completing %q: %w", fileID, err)
	}
	return nil
}

func (s *DynamoDBStore) FailFile(ctx context.Context, fileID, reason string) error {
	check := func(f *LogicalFile, _ int) error { return applyFail(f, reason) }
	f, n, err := s.loadMeta(ctx, fileID)
	if err != nil {
		return err
	}
	if err := check(f, n); err != nil {
		return err
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      s.key(fileID, dynamoMetaSK),
		ConditionExpression:      aws.String(condOpen),
		UpdateExpression:         aws.String(updFail),
		ExpressionAttributeNames: stateName,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":open":   attrS(string(StateInProgress)),
			":state":  attrS(string(StateFailed)),
			":reason": attrS(reason),
		},
	})
	if conditionFailed(err) {
		return s.diagnose(ctx, fileID, check)
	}
	if err != nil {
		return fmt.Errorf("failing %q: %w", fileID, err)
	}
	return nil
}

// queryFile returns every item in the file's partition.
func (s *DynamoDBStore) queryFile(ctx context.Context, fileID string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var start map[string]types.AttributeValue
	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": attrS(dynamoPK(fileID)),
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("querying manifest %q: %w", fileID, err)
		}
		items = append(items, resp.Items...)
		if len(resp.LastEvaluatedKey) == 0 {
			return items, nil
		}
		start = resp.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) GetManifest(ctx context.Context, fileID string) (*LogicalFile, error) {
	items, err := s.queryFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	var f *LogicalFile
	var count int
	var parts []Part
	for _, item := range items {
		if getString(item, "sk") == dynamoMetaSK {
			f, count = itemToFile(item)
			continue
		}
		parts = append(parts, itemToPart(item))
	}
	if f == nil {
		return nil, notFound(fileID)
	}
	for _, p := range parts {
		if p.Index < count {
			f.Parts = append(f.Parts, p)
		}
	}
	slices.SortFunc(f.Parts, func(a, b Part) int { return a.Index - b.Index })
	if len(f.Parts) != count {
		return nil, stasherr.ErrInternal.WithMessage("file %q: header counts %d parts, found %d", fileID, count, len(f.Parts))
	}
	return f, nil
}

// ListFiles scans every #META item, a page of q.PageSize items per round
// trip, then sorts. DynamoDB has no global order across partitions.
func (s *DynamoDBStore) ListFiles(ctx context.Context, q Query) iter.Seq2[FileSummary, error] {
	return func(yield func(FileSummary, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(FileSummary{}, err)
			return
		}
		rows, err := s.scanSummaries(ctx, q)
		if err != nil {
			yield(FileSummary{}, err)
			return
		}
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (s *DynamoDBStore) scanSummaries(ctx context.Context, q Query) ([]FileSummary, error) {
	var rows []FileSummary
	var start map[string]types.AttributeValue
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.table),
			FilterExpression: aws.String("sk = :meta"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":meta": attrS(dynamoMetaSK),
			},
			Limit:             aws.Int32(int32(q.pageSize())),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("listing manifests: %w", err)
		}
		for _, item := range resp.Items {
			f, n := itemToFile(item)
			sum := f.Summary()
			sum.PartCount = n
			if q.matches(sum) {
				rows = append(rows, sum)
			}
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start = resp.LastEvaluatedKey
	}
	slices.SortFunc(rows, lessSummary)
	return rows, nil
}

// DeleteFile removes the header first, so the file disappears atomically,
// then the part items in batches.
func (s *DynamoDBStore) DeleteFile(ctx context.Context, fileID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(fileID, dynamoMetaSK),
		ConditionExpression: aws.String(condItemExists),
	})
	if conditionFailed(err) {
		return notFound(fileID)
	}
	if err != nil {
		return fmt.Errorf("deleting manifest %q: %w", fileID, err)
	}

	items, err := s.queryFile(ctx, fileID)
	if err != nil {
		return err
	}
	reqs := make([]types.WriteRequest, 0, len(items))
	for _, item := range items {
		reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
			Key: map[string]types.AttributeValue{"pk": item["pk"], "sk": item["sk"]},
		}})
	}
	if err := s.batchWrite(ctx, reqs); err != nil {
		// The header is gone; remaining part items are unreachable.
		slog.Warn("DynamoDB part items left behind", "file", fileID, "error", err)
	}
	return nil
}

// batchWrite sends reqs in chunks, resubmitting unprocessed items.
func (s *DynamoDBStore) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	for chunk := range slices.Chunk(reqs, dynamoBatchSize) {
		pending := chunk
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt == dynamoBatchAttempts {
				return stasherr.ErrTransient.WithMessage("%d batch writes still unprocessed", len(pending))
			}
			resp, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{s.table: pending},
			})
			if err != nil {
				return fmt.Errorf("batch write: %w", err)
			}
			pending = resp.UnprocessedItems[s.table]
		}
	}
	return nil
}

// Register claims the id with an in-progress header, writes the parts, then
// completes the header.
func (s *DynamoDBStore) Register(ctx context.Context, file *LogicalFile) error {
	f, err := prepareRegister(file, time.Now())
	if err != nil {
		return err
	}
	shell := f.Clone()
	shell.State = StateInProgress
	shell.TotalSize = 0
	shell.CompletedAt = time.Time{}
	if err := s.putMeta(ctx, shell, 0); err != nil {
		return err
	}

	reqs := make([]types.WriteRequest, len(f.Parts))
	for i, p := range f.Parts {
		reqs[i] = types.WriteRequest{PutRequest: &types.PutRequest{Item: partItem(f.ID, p)}}
	}
	err = s.batchWrite(ctx, reqs)
	if err == nil {
		_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(s.table),
			Key:                      s.key(f.ID, dynamoMetaSK),
			ConditionExpression:      aws.String(condOpen),
			UpdateExpression:         aws.String(updRegister),
			ExpressionAttributeNames: stateName,
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":open":  attrS(string(StateInProgress)),
				":state": attrS(string(StateComplete)),
				":now":   attrN(f.CompletedAt.UnixMilli()),
				":count": attrN(int64(len(f.Parts))),
				":total": attrN(f.TotalSize),
			},
		})
	}
	if err != nil {
		if derr := s.DeleteFile(ctx, f.ID); derr != nil {
			slog.Warn("Failed to roll back registered manifest", "file", f.ID, "error", derr)
		}
		return fmt.Errorf("registering %q: %w", f.ID, err)
	}
	return nil
}
