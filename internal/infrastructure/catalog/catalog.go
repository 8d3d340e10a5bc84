// Package catalog provides asset-catalog adapters: a JSON HTTP service
// client and a static config-backed fallback.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"StudioFeed/internal/config"
	"StudioFeed/internal/domain"
	"StudioFeed/internal/ports"
)

// HTTPCatalog queries a remote asset-catalog service.
type HTTPCatalog struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ ports.AssetCatalog = (*HTTPCatalog)(nil)

// NewHTTPCatalog wires a reusable HTTP client.
func NewHTTPCatalog(baseURL, apiKey string) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Products fetches the publishable product list.
func (c *HTTPCatalog) Products(ctx context.Context) ([]domain.Product, error) {
	var products []domain.Product
	if err := c.get(ctx, "/products", nil, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// Candidates fetches dimension candidates, e.g. /candidates?dimension=scenario.
func (c *HTTPCatalog) Candidates(ctx context.Context, dim domain.Dimension) ([]domain.Candidate, error) {
	var candidates []domain.Candidate
	query := url.Values{"dimension": {string(dim)}}
	if err := c.get(ctx, "/candidates", query, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (c *HTTPCatalog) get(ctx context.Context, path string, query url.Values, v any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StaticCatalog serves assets straight from configuration, for deployments
// without a catalog service.
type StaticCatalog struct {
	products   []domain.Product
	candidates map[domain.Dimension][]domain.Candidate
}

var _ ports.AssetCatalog = (*StaticCatalog)(nil)

// NewStaticCatalog converts the config lists once at startup.
func NewStaticCatalog(cfg config.StaticCatalog) *StaticCatalog {
	products := make([]domain.Product, 0, len(cfg.Products))
	for _, p := range cfg.Products {
		products = append(products, domain.Product{ID: p.ID, Name: p.Name, Type: p.Type})
	}
	return &StaticCatalog{
		products: products,
		candidates: map[domain.Dimension][]domain.Candidate{
			domain.DimensionScenario:    toCandidates(cfg.Scenarios),
			domain.DimensionComposition: toCandidates(cfg.Compositions),
			domain.DimensionTable:       toCandidates(cfg.Tables),
			domain.DimensionHandStyle:   toCandidates(cfg.HandStyles),
		},
	}
}

func toCandidates(cfg []config.CandidateConfig) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(cfg))
	for _, c := range cfg {
		out = append(out, domain.Candidate{ID: c.ID, Name: c.Name})
	}
	return out
}

// Products returns the configured product list.
func (c *StaticCatalog) Products(ctx context.Context) ([]domain.Product, error) {
	return c.products, nil
}

// Candidates returns the configured candidates for a dimension.
func (c *StaticCatalog) Candidates(ctx context.Context, dim domain.Dimension) ([]domain.Candidate, error) {
	return c.candidates[dim], nil
}
