// Package venue implements the Coinbase Advanced Trade REST surface the engine
// needs: top-of-book, maker order placement, order lookup, cancellation, and
// product metadata. Responses are translated into tagged result structs so the
// rest of the codebase never inspects raw API shapes.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const userAgent = "coinbase-buys/basketbot"

// Client is a thin REST wrapper. All requests flow through the throttled HTTP
// client supplied at construction.
type Client struct {
	baseURL string
	creds   Credentials
	hc      *http.Client
	log     zerolog.Logger
}

// NewClient builds a venue client rooted at baseURL.
func NewClient(baseURL string, creds Credentials, hc *http.Client, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		hc:      hc,
		log:     log,
	}
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type productBookResponse struct {
	PriceBook struct {
		ProductID string      `json:"product_id"`
		Bids      []bookLevel `json:"bids"`
		Asks      []bookLevel `json:"asks"`
	} `json:"pricebook"`
}

// TopOfBook returns the best bid and ask for a product.
func (c *Client) TopOfBook(ctx context.Context, productID string) (decimal.Decimal, decimal.Decimal, error) {
	q := url.Values{}
	q.Set("product_id", productID)
	q.Set("limit", "1")

	var resp productBookResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/brokerage/product_book?"+q.Encode(), nil, &resp); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(resp.PriceBook.Bids) == 0 || len(resp.PriceBook.Asks) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("empty book for %s", productID)
	}

	bid, err := decimal.NewFromString(resp.PriceBook.Bids[0].Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bad bid price %q: %w", resp.PriceBook.Bids[0].Price, err)
	}
	ask, err := decimal.NewFromString(resp.PriceBook.Asks[0].Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bad ask price %q: %w", resp.PriceBook.Asks[0].Price, err)
	}
	return bid, ask, nil
}

// PlaceOrderParams describe a maker-only GTC limit buy.
type PlaceOrderParams struct {
	ClientOrderID string
	ProductID     string
	BaseSize      string
	LimitPrice    string
	PostOnly      bool
}

// PlaceResult is the tagged outcome of an order placement: either an accepted
// order id, or the venue's failure code and message.
type PlaceResult struct {
	Success       bool
	OrderID       string
	FailureReason string
	Message       string
}

type placeOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID string `json:"order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error                 string `json:"error"`
		Message               string `json:"message"`
		ErrorDetails          string `json:"error_details"`
		PreviewFailureReason  string `json:"preview_failure_reason"`
		NewOrderFailureReason string `json:"new_order_failure_reason"`
	} `json:"error_response"`
}

// PlaceLimitBuy submits a limit buy and reports acceptance or the venue's
// rejection code. A non-2xx status with a parseable rejection body is still a
// PlaceResult, not a transport error.
func (c *Client) PlaceLimitBuy(ctx context.Context, params PlaceOrderParams) (PlaceResult, error) {
	body := map[string]any{
		"client_order_id": params.ClientOrderID,
		"product_id":      params.ProductID,
		"side":            "BUY",
		"order_configuration": map[string]any{
			"limit_limit_gtc": map[string]any{
				"base_size":   params.BaseSize,
				"limit_price": params.LimitPrice,
				"post_only":   params.PostOnly,
			},
		},
	}

	raw, status, err := c.roundTrip(ctx, http.MethodPost, "/api/v3/brokerage/orders", body)
	if err != nil {
		return PlaceResult{}, err
	}

	var resp placeOrderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return PlaceResult{}, fmt.Errorf("decode place response (%d): %w", status, err)
	}

	if resp.Success {
		return PlaceResult{Success: true, OrderID: resp.SuccessResponse.OrderID}, nil
	}

	reason := firstNonEmpty(
		resp.ErrorResponse.Error,
		resp.ErrorResponse.NewOrderFailureReason,
		resp.ErrorResponse.PreviewFailureReason,
	)
	if reason == "" && status >= 300 {
		return PlaceResult{}, fmt.Errorf("place order: status %d: %s", status, string(raw))
	}
	return PlaceResult{
		Success:       false,
		FailureReason: reason,
		Message:       firstNonEmpty(resp.ErrorResponse.Message, resp.ErrorResponse.ErrorDetails),
	}, nil
}

// OrderInfo is the uniform view of an order's venue state.
type OrderInfo struct {
	OrderID            string
	Status             string
	FilledSize         decimal.Decimal
	AverageFilledPrice decimal.Decimal
}

type getOrderResponse struct {
	Order struct {
		OrderID            string `json:"order_id"`
		Status             string `json:"status"`
		FilledSize         string `json:"filled_size"`
		AverageFilledPrice string `json:"average_filled_price"`
	} `json:"order"`
}

// GetOrder fetches the current status and fill progress of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (OrderInfo, error) {
	var resp getOrderResponse
	path := "/api/v3/brokerage/orders/historical/" + url.PathEscape(orderID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return OrderInfo{}, err
	}
	if resp.Order.OrderID == "" {
		return OrderInfo{}, fmt.Errorf("order %s not found", orderID)
	}

	info := OrderInfo{OrderID: resp.Order.OrderID, Status: resp.Order.Status}
	info.FilledSize = parseDecimalOrZero(resp.Order.FilledSize)
	info.AverageFilledPrice = parseDecimalOrZero(resp.Order.AverageFilledPrice)
	return info, nil
}

// CancelOutcome reports the venue's verdict for one cancelled order id.
type CancelOutcome struct {
	OrderID       string
	Success       bool
	FailureReason string
}

type batchCancelResponse struct {
	Results []struct {
		Success       bool   `json:"success"`
		FailureReason string `json:"failure_reason"`
		OrderID       string `json:"order_id"`
	} `json:"results"`
}

// CancelOrders requests cancellation for the given order ids.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) ([]CancelOutcome, error) {
	body := map[string]any{"order_ids": orderIDs}

	var resp batchCancelResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/brokerage/orders/batch_cancel", body, &resp); err != nil {
		return nil, err
	}

	outcomes := make([]CancelOutcome, 0, len(resp.Results))
	for _, r := range resp.Results {
		outcomes = append(outcomes, CancelOutcome{
			OrderID:       r.OrderID,
			Success:       r.Success,
			FailureReason: r.FailureReason,
		})
	}
	return outcomes, nil
}

// Product is the subset of product metadata the bot inspects.
type Product struct {
	ProductID      string `json:"product_id"`
	Price          string `json:"price"`
	Status         string `json:"status"`
	BaseCurrencyID string `json:"base_currency_id"`
	BaseIncrement  string `json:"base_increment"`
	BaseMinSize    string `json:"base_min_size"`
	QuoteIncrement string `json:"quote_increment"`
	QuoteMinSize   string `json:"quote_min_size"`
	PriceIncrement string `json:"price_increment"`
}

// GetProduct fetches declared precision metadata for one product.
func (c *Client) GetProduct(ctx context.Context, productID string) (Product, error) {
	var product Product
	path := "/api/v3/brokerage/products/" + url.PathEscape(productID)
	if err := c.do(ctx, http.MethodGet, path, nil, &product); err != nil {
		return Product{}, err
	}
	if product.ProductID == "" {
		return Product{}, fmt.Errorf("product %s not found", productID)
	}
	return product, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	raw, status, err := c.roundTrip(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, status, truncate(raw, 256))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds.KeyName != "" {
		if err := c.creds.sign(req); err != nil {
			return nil, 0, fmt.Errorf("sign request: %w", err)
		}
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, err
	}
	return raw, res.StatusCode, nil
}

func parseDecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
