package rowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// HTTPStore reads rows over the store's REST endpoint. Filters and ordering
// are passed as query parameters in the store's grammar
// (?column=eq.value&order=column.asc).
type HTTPStore struct {
	// BaseURL is the REST endpoint, e.g. "https://api.castboard.app/rest/v1".
	BaseURL string
	// APIKey is sent on every request.
	APIKey string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

var _ Store = (*HTTPStore)(nil)

func NewHTTPStore(baseURL, apiKey string) *HTTPStore {
	return &HTTPStore{BaseURL: baseURL, APIKey: apiKey}
}

func (s *HTTPStore) Select(ctx context.Context, table string, filter *Filter, order *Order) ([]Row, error) {
	endpoint, err := s.selectURL(table, filter, order)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.APIKey != "" {
		req.Header.Set("apikey", s.APIKey)
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("selecting from %q: %s: %s", table, res.Status, body)
	}

	var rows []Row
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding rows from %q: %w", table, err)
	}
	return rows, nil
}

func (s *HTTPStore) selectURL(table string, filter *Filter, order *Order) (string, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s", s.BaseURL, table))
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("select", "*")
	if filter != nil {
		q.Set(filter.Column, "eq."+filter.Value)
	}
	if order != nil {
		dir := "desc"
		if order.Ascending {
			dir = "asc"
		}
		q.Set("order", fmt.Sprintf("%s.%s", order.Column, dir))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
