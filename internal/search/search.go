// Package search provides an Elasticsearch projection of order snapshots.
//
// The ingest consumer calls IndexOrder after each committed mutation; the API
// calls SearchOrders to serve GET /orders/search. Postgres remains the source
// of truth; the index is a best-effort read-optimised view and is re-fed by
// the next change to an order when an index call fails.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"

	"ordersync/internal/models"
)

const ordersIndex = "orders"

// Client wraps the Elasticsearch client with domain-level operations.
type Client struct {
	es *elasticsearch.Client
}

// New creates an Elasticsearch client pointed at the given URL.
func New(url string) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, fmt.Errorf("search: create client: %w", err)
	}
	return &Client{es: es}, nil
}

// IndexOrder upserts an order document. Using the business order id as the
// document id makes re-indexing after a consumer retry idempotent.
func (c *Client) IndexOrder(ctx context.Context, order *models.Order) error {
	body, err := json.Marshal(order)
	if err != nil {
		return err
	}

	res, err := c.es.Index(
		ordersIndex,
		bytes.NewReader(body),
		c.es.Index.WithDocumentID(order.OrderID),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("search: index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("search: index error [%s]: %s", res.Status(), body)
	}
	return nil
}

// SearchOrders runs a full-text match across the order's searchable fields
// and returns the raw Elasticsearch response body for the API to proxy.
func (c *Client) SearchOrders(ctx context.Context, term string) (json.RawMessage, error) {
	query := map[string]any{
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":  term,
				"fields": []string{"orderId", "customerId", "status", "city"},
			},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, err
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(ordersIndex),
		c.es.Search.WithBody(&buf),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search: query request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search: query error [%s]: %s", res.Status(), body)
	}

	return io.ReadAll(res.Body)
}
