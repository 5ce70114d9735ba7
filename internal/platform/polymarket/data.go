package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pmquant/polyrev/internal/domain"
)

// DataClient is the REST client for the Polymarket Data API, which serves
// on-chain positions per wallet. This is ground truth for the reconciler.
type DataClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    domain.RateLimiter
}

// NewDataClient creates a new Data API client. limiter may be nil.
//
// baseURL is the Data API root, e.g. "https://data-api.polymarket.com".
func NewDataClient(baseURL string, limiter domain.RateLimiter) *DataClient {
	return &DataClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
	}
}

// Holdings returns every current position for the wallet, paging until the
// API is exhausted.
func (d *DataClient) Holdings(ctx context.Context, wallet string) ([]domain.VenueHolding, error) {
	const pageSize = 500

	var out []domain.VenueHolding
	for offset := 0; ; offset += pageSize {
		params := url.Values{}
		params.Set("user", wallet)
		params.Set("limit", strconv.Itoa(pageSize))
		params.Set("offset", strconv.Itoa(offset))

		body, err := d.doGet(ctx, "/positions?"+params.Encode())
		if err != nil {
			return nil, fmt.Errorf("polymarket/data: get positions: %w", err)
		}

		var page []APIPosition
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("polymarket/data: decode positions: %w", err)
		}
		for i := range page {
			out = append(out, page[i].ToDomainHolding())
		}
		if len(page) < pageSize {
			return out, nil
		}
	}
}

func (d *DataClient) doGet(ctx context.Context, path string) ([]byte, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, "data"); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
