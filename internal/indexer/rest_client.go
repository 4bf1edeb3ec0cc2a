package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// ErrUnexpectedStatus is returned when the indexer answers with a non-2xx status
var ErrUnexpectedStatus = errors.New("indexer: unexpected status")

// RestClient handles the REST endpoints used to seed and re-sync stream state
type RestClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewRestClient creates a new REST client for an indexer base URL
func NewRestClient(baseURL string, timeout time.Duration) *RestClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RestClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// FetchMarkets fetches every perpetual market keyed by ticker
func (c *RestClient) FetchMarkets(ctx context.Context) (map[string]PerpetualMarket, error) {
	var result MarketsResponse
	if err := c.get(ctx, "/v4/perpetualMarkets", nil, &result); err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	return result.Markets, nil
}

// FetchParentSubaccount fetches all child subaccounts of a parent subaccount
func (c *RestClient) FetchParentSubaccount(ctx context.Context, address string, parentNumber int) (*ParentSubaccountResponse, error) {
	path := fmt.Sprintf("/v4/addresses/%s/parentSubaccountNumber/%d", url.PathEscape(address), parentNumber)

	var result ParentSubaccountResponse
	if err := c.get(ctx, path, nil, &result); err != nil {
		return nil, fmt.Errorf("fetch parent subaccount: %w", err)
	}
	return &result, nil
}

// FetchParentSubaccountOrders fetches the orders of every child of a parent subaccount
func (c *RestClient) FetchParentSubaccountOrders(ctx context.Context, address string, parentNumber int) ([]Order, error) {
	query := url.Values{}
	query.Set("address", address)
	query.Set("parentSubaccountNumber", strconv.Itoa(parentNumber))

	var result []Order
	if err := c.get(ctx, "/v4/orders/parentSubaccountNumber", query, &result); err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}
	return result, nil
}

// FetchOrderbook fetches the current orderbook snapshot for a market
func (c *RestClient) FetchOrderbook(ctx context.Context, market string) (*OrderbookSnapshot, error) {
	path := "/v4/orderbooks/perpetualMarket/" + url.PathEscape(market)

	var result OrderbookSnapshot
	if err := c.get(ctx, path, nil, &result); err != nil {
		return nil, fmt.Errorf("fetch orderbook: %w", err)
	}
	return &result, nil
}

// FetchHeight fetches the latest block height
func (c *RestClient) FetchHeight(ctx context.Context) (*Height, error) {
	var result Height
	if err := c.get(ctx, "/v4/height", nil, &result); err != nil {
		return nil, fmt.Errorf("fetch height: %w", err)
	}
	return &result, nil
}

func (c *RestClient) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debug().
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("Indexer request failed")
		return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
