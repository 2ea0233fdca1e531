package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/uppend/blobstore"
)

// ErrConcurrentModification is returned when another writer committed the
// same catalog version first.
var ErrConcurrentModification = errors.New("s3: concurrent modification detected")

// DDBClient is the subset of the DynamoDB API used by CatalogStore.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

var _ DDBClient = (*dynamodb.Client)(nil)

// CatalogEntry is one committed backup pointer.
type CatalogEntry struct {
	Version   uint64
	BackupID  string
	CreatedAt time.Time
}

// CatalogStore wraps a BlobStore and keeps the blobstore.LatestName pointer
// in DynamoDB instead of an object. S3 has no compare-and-swap, so two
// concurrent backups could otherwise both believe they are the latest.
//
// Every other name is delegated to the wrapped store.
//
// Table schema:
//   - Partition key: base_uri (string)
//   - Sort key: version (number), monotonically increasing
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name uppend-backups \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type CatalogStore struct {
	blobstore.BlobStore
	ddb       DDBClient
	tableName string
	baseURI   string
	now       func() time.Time
}

// NewCatalogStore creates a catalog over store. baseURI identifies the
// backup location, e.g. "s3://bucket/prefix".
func NewCatalogStore(store blobstore.BlobStore, ddb DDBClient, tableName, baseURI string) *CatalogStore {
	return &CatalogStore{
		BlobStore: store,
		ddb:       ddb,
		tableName: tableName,
		baseURI:   baseURI,
		now:       time.Now,
	}
}

// Open serves the latest pointer from DynamoDB.
func (s *CatalogStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != blobstore.LatestName {
		return s.BlobStore.Open(ctx, name)
	}
	e, ok, err := s.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return blobstore.NewBytesBlob([]byte(e.BackupID)), nil
}

// Put commits the latest pointer with a conditional write.
func (s *CatalogStore) Put(ctx context.Context, name string, data []byte) error {
	if name != blobstore.LatestName {
		return s.BlobStore.Put(ctx, name, data)
	}
	_, err := s.Commit(ctx, string(data))
	return err
}

// Latest returns the most recently committed entry.
func (s *CatalogStore) Latest(ctx context.Context) (CatalogEntry, bool, error) {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return CatalogEntry{}, false, fmt.Errorf("s3: query catalog: %w", err)
	}
	if len(resp.Items) == 0 {
		return CatalogEntry{}, false, nil
	}
	e, err := decodeEntry(resp.Items[0])
	if err != nil {
		return CatalogEntry{}, false, err
	}
	return e, true, nil
}

// Get returns the entry committed as version.
func (s *CatalogStore) Get(ctx context.Context, version uint64) (CatalogEntry, bool, error) {
	resp, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.baseURI},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return CatalogEntry{}, false, fmt.Errorf("s3: get catalog entry: %w", err)
	}
	if len(resp.Item) == 0 {
		return CatalogEntry{}, false, nil
	}
	e, err := decodeEntry(resp.Item)
	if err != nil {
		return CatalogEntry{}, false, err
	}
	return e, true, nil
}

// Commit records backupID as the next version. It fails with
// ErrConcurrentModification if another writer took that version.
func (s *CatalogStore) Commit(ctx context.Context, backupID string) (uint64, error) {
	current, _, err := s.Latest(ctx)
	if err != nil {
		return 0, err
	}
	version := current.Version + 1

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri":   &types.AttributeValueMemberS{Value: s.baseURI},
			"version":    &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
			"backup_id":  &types.AttributeValueMemberS{Value: backupID},
			"created_at": &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return 0, ErrConcurrentModification
		}
		return 0, fmt.Errorf("s3: commit catalog entry: %w", err)
	}
	return version, nil
}

func decodeEntry(item map[string]types.AttributeValue) (CatalogEntry, error) {
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return CatalogEntry{}, errors.New("s3: invalid version attribute in catalog")
	}
	idAttr, ok := item["backup_id"].(*types.AttributeValueMemberS)
	if !ok {
		return CatalogEntry{}, errors.New("s3: invalid backup_id attribute in catalog")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return CatalogEntry{}, fmt.Errorf("s3: parse catalog version: %w", err)
	}

	e := CatalogEntry{Version: version, BackupID: idAttr.Value}
	if ts, ok := item["created_at"].(*types.AttributeValueMemberS); ok {
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts.Value)
	}
	return e, nil
}
