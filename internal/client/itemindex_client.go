package client

import (
	"context"
	"net/url"
)

// ItemIndexClient reads the record item index that the collection batch
// maintains. The disposition service copies item ids from here when a work
// package is created and never writes back.
type ItemIndexClient struct {
	httpJSON
}

// NewItemIndexClient creates a client for the item-index service.
func NewItemIndexClient(baseURL string) *ItemIndexClient {
	return &ItemIndexClient{httpJSON: newHTTPJSON(baseURL)}
}

// SnapshotItems returns the ids of all disposable items a source currently
// holds. The caller freezes them into the package's own ledger.
func (c *ItemIndexClient) SnapshotItems(ctx context.Context, sourceID string) ([]string, error) {
	var resp struct {
		ItemIDs []string `json:"item_ids"`
	}
	err := c.get(ctx, "/v1/sources/"+url.PathEscape(sourceID)+"/items", &resp)
	if err != nil {
		return nil, err
	}
	return resp.ItemIDs, nil
}
