package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/partstash/partstash/internal/config"
	stasherr "github.com/partstash/partstash/internal/errors"
)

// cosmosDocType is both the type field and the partition key of every
// manifest document; the container is partitioned on /type.
const cosmosDocType = "file"

// cosmosReplaceAttempts bounds optimistic-concurrency retries on 412.
const cosmosReplaceAttempts = 5

type cosmosItem struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	DisplayName   string `json:"display_name"`
	ContentType   string `json:"content_type"`
	TotalSize     int64  `json:"total_size"`
	State         string `json:"state"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	CompletedAt   int64  `json:"completed_at,omitempty"`
	Parts         []Part `json:"parts"`
}

func toCosmosItem(f *LogicalFile) cosmosItem {
	it := cosmosItem{
		ID:            f.ID,
		Type:          cosmosDocType,
		DisplayName:   f.DisplayName,
		ContentType:   f.ContentType,
		TotalSize:     f.TotalSize,
		State:         string(f.State),
		FailureReason: f.FailureReason,
		CreatedAt:     f.CreatedAt.UnixMilli(),
		Parts:         f.Parts,
	}
	if !f.CompletedAt.IsZero() {
		it.CompletedAt = f.CompletedAt.UnixMilli()
	}
	return it
}

func (it cosmosItem) file() *LogicalFile {
	f := &LogicalFile{
		ID:            it.ID,
		DisplayName:   it.DisplayName,
		ContentType:   it.ContentType,
		TotalSize:     it.TotalSize,
		State:         State(it.State),
		FailureReason: it.FailureReason,
		CreatedAt:     time.UnixMilli(it.CreatedAt).UTC(),
		Parts:         it.Parts,
	}
	if f.Parts == nil {
		f.Parts = []Part{}
	}
	if it.CompletedAt != 0 {
		f.CompletedAt = time.UnixMilli(it.CompletedAt).UTC()
	}
	return f
}

func decodeCosmosItem(b []byte) (*LogicalFile, error) {
	var it cosmosItem
	if err := json.Unmarshal(b, &it); err != nil {
		return nil, fmt.Errorf("decoding manifest document: %w", err)
	}
	return it.file(), nil
}

// cosmosDocs keeps one item per file in a Cosmos DB container. Updates are
// read then replace with an If-Match on the item's ETag.
type cosmosDocs struct {
	client *azcosmos.ContainerClient
	pk     azcosmos.PartitionKey
}

// NewCosmosStore opens a Cosmos DB manifest store authenticated with the
// account key.
func NewCosmosStore(cfg config.CosmosConfig) (*DocumentStore, error) {
	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	db, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	container, err := db.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}
	return newDocumentStore(&cosmosDocs{
		client: container,
		pk:     azcosmos.NewPartitionKeyString(cosmosDocType),
	}), nil
}

func cosmosStatus(err error) int {
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// cosmosErr maps HTTP status codes onto stasherr kinds.
func cosmosErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	switch code := cosmosStatus(err); {
	case code == http.StatusNotFound:
		return notFound(id)
	case code == http.StatusConflict:
		return conflict(id)
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return stasherr.ErrTransient.WithMessage("cosmos %s %q: %v", op, id, err).WithCause(err)
	}
	return fmt.Errorf("cosmos %s %q: %w", op, id, err)
}

func (d *cosmosDocs) Create(ctx context.Context, f *LogicalFile) error {
	data, err := json.Marshal(toCosmosItem(f))
	if err != nil {
		return err
	}
	_, err = d.client.CreateItem(ctx, d.pk, data, nil)
	return cosmosErr("create", f.ID, err)
}

func (d *cosmosDocs) Get(ctx context.Context, id string) (*LogicalFile, error) {
	resp, err := d.client.ReadItem(ctx, d.pk, id, nil)
	if err != nil {
		return nil, cosmosErr("read", id, err)
	}
	return decodeCosmosItem(resp.Value)
}

func (d *cosmosDocs) Update(ctx context.Context, id string, fn func(*LogicalFile) error) error {
	for range cosmosReplaceAttempts {
		resp, err := d.client.ReadItem(ctx, d.pk, id, nil)
		if err != nil {
			return cosmosErr("read", id, err)
		}
		f, err := decodeCosmosItem(resp.Value)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
		data, err := json.Marshal(toCosmosItem(f))
		if err != nil {
			return err
		}
		etag := resp.ETag
		_, err = d.client.ReplaceItem(ctx, d.pk, id, data, &azcosmos.ItemOptions{IfMatchEtag: &etag})
		if cosmosStatus(err) == http.StatusPreconditionFailed {
			continue
		}
		return cosmosErr("replace", id, err)
	}
	return stasherr.ErrTransient.WithMessage("file %q changed concurrently %d times", id, cosmosReplaceAttempts)
}

func (d *cosmosDocs) Delete(ctx context.Context, id string) error {
	_, err := d.client.DeleteItem(ctx, d.pk, id, nil)
	return cosmosErr("delete", id, err)
}

// List orders on created_at server side, which the default indexing policy
// serves, and breaks ties by id in memory. Pages are read until the page
// boundary falls between two distinct creation times.
func (d *cosmosDocs) List(ctx context.Context, after cursor, limit int) ([]*LogicalFile, error) {
	query := "SELECT * FROM c WHERE c.type = @type"
	params := []azcosmos.QueryParameter{{Name: "@type", Value: cosmosDocType}}
	if after.valid {
		query += " AND (c.created_at > @created OR (c.created_at = @created AND c.id > @id))"
		params = append(params,
			azcosmos.QueryParameter{Name: "@created", Value: after.createdAt.UnixMilli()},
			azcosmos.QueryParameter{Name: "@id", Value: after.id},
		)
	}
	query += " ORDER BY c.created_at ASC"

	pager := d.client.NewQueryItemsPager(query, d.pk, &azcosmos.QueryOptions{
		QueryParameters: params,
		PageSizeHint:    int32(limit),
	})
	var out []*LogicalFile
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing manifests: %w", err)
		}
		for _, b := range page.Items {
			f, err := decodeCosmosItem(b)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
		if len(out) > limit && out[len(out)-1].CreatedAt.After(out[limit-1].CreatedAt) {
			break
		}
	}
	return truncateListing(out, limit), nil
}

// truncateListing sorts docs by creation time then id and keeps the first
// limit.
func truncateListing(docs []*LogicalFile, limit int) []*LogicalFile {
	slices.SortFunc(docs, func(a, b *LogicalFile) int {
		return lessSummary(a.Summary(), b.Summary())
	})
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs
}

func (d *cosmosDocs) Ping(ctx context.Context) error {
	_, err := d.client.Read(ctx, nil)
	return err
}

func (d *cosmosDocs) Close() error {
	return nil
}
