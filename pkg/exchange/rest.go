package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"deltatrader/pkg/market"
)

// RestError is a non-2xx response from the exchange with its decoded
// error code, so callers can distinguish "order unknown" from outages.
type RestError struct {
	Status int
	Code   string
	Body   string
}

func (e *RestError) Error() string {
	return fmt.Sprintf("rest: status %d code %q: %s", e.Status, e.Code, e.Body)
}

// NotFound reports whether the error is a 404 (order already gone).
func (e *RestError) NotFound() bool { return e.Status == http.StatusNotFound }

// PlaceRequest is the outbound order placement payload.
type PlaceRequest struct {
	ProductID     int64  `json:"product_id"`
	Size          string `json:"size"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	TimeInForce   string `json:"time_in_force,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// OrderResponse is the exchange's view of one order.
type OrderResponse struct {
	ID               int64       `json:"id"`
	ClientOrderID    string      `json:"client_order_id"`
	State            string      `json:"state"`
	Side             string      `json:"side"`
	OrderType        string      `json:"order_type"`
	Size             json.Number `json:"size"`
	UnfilledSize     json.Number `json:"unfilled_size"`
	LimitPrice       string      `json:"limit_price"`
	AverageFillPrice string      `json:"average_fill_price"`
	CreatedAt        string      `json:"created_at"`
	Product          struct {
		ID     int64  `json:"id"`
		Symbol string `json:"symbol"`
	} `json:"product"`
}

// productPayload mirrors /v2/products responses. Quoting/settling
// assets arrive as objects.
type productPayload struct {
	ID            int64  `json:"id"`
	Symbol        string `json:"symbol"`
	Description   string `json:"description"`
	ContractType  string `json:"contract_type"`
	TickSize      string `json:"tick_size"`
	ContractValue string `json:"contract_value"`
	QuotingAsset  struct {
		Symbol string `json:"symbol"`
	} `json:"quoting_asset"`
	SettlingAsset struct {
		Symbol string `json:"symbol"`
	} `json:"settling_asset"`
}

type restEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   struct {
		Code string `json:"code"`
	} `json:"error"`
}

// RestClient talks to the exchange's signed REST API.
type RestClient struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
	log     *zap.SugaredLogger
}

func NewRestClient(baseURL, apiKey, apiSecret string, log *zap.SugaredLogger) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		key:     apiKey,
		secret:  apiSecret,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

func (c *RestClient) request(ctx context.Context, method, path, query string, payload any, auth bool) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	url := c.baseURL + path
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "deltatrader/1.0")
	if auth {
		ts := time.Now().Unix()
		req.Header.Set("api-key", c.key)
		req.Header.Set("signature", signPayload(c.secret, method, path, query, string(body), ts))
		req.Header.Set("timestamp", strconv.FormatInt(ts, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var env restEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode response (%s %s): %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		return nil, &RestError{Status: resp.StatusCode, Code: env.Error.Code, Body: string(data)}
	}
	return env.Result, nil
}

// GetProduct fetches one instrument definition. Contract sizes on this
// exchange are integer counts, so the lot size is fixed at 1.
func (c *RestClient) GetProduct(ctx context.Context, symbol string) (*market.Product, error) {
	res, err := c.request(ctx, http.MethodGet, "/v2/products/"+symbol, "", nil, false)
	if err != nil {
		return nil, err
	}
	var p productPayload
	if err := json.Unmarshal(res, &p); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", symbol, err)
	}
	if p.Symbol == "" {
		return nil, fmt.Errorf("%w: %s", market.ErrUnknownProduct, symbol)
	}
	return &market.Product{
		ID:            p.ID,
		Symbol:        p.Symbol,
		Description:   p.Description,
		ContractType:  p.ContractType,
		TickSize:      p.TickSize,
		LotSize:       "1",
		ContractValue: p.ContractValue,
		QuotingAsset:  p.QuotingAsset.Symbol,
		SettlingAsset: p.SettlingAsset.Symbol,
	}, nil
}

// PlaceOrder submits a new order.
func (c *RestClient) PlaceOrder(ctx context.Context, req PlaceRequest) (*OrderResponse, error) {
	res, err := c.request(ctx, http.MethodPost, "/v2/orders", "", req, true)
	if err != nil {
		return nil, err
	}
	var out OrderResponse
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return &out, nil
}

// CancelOrder cancels one order by client id.
func (c *RestClient) CancelOrder(ctx context.Context, clientOrderID string, productID int64) error {
	payload := map[string]any{
		"client_order_id": clientOrderID,
		"product_id":      productID,
	}
	_, err := c.request(ctx, http.MethodDelete, "/v2/orders", "", payload, true)
	return err
}

// CancelAllOrders cancels every open order, optionally scoped to one
// product.
func (c *RestClient) CancelAllOrders(ctx context.Context, productID int64) error {
	payload := map[string]any{}
	if productID != 0 {
		payload["product_id"] = productID
	}
	_, err := c.request(ctx, http.MethodDelete, "/v2/orders/all", "", payload, true)
	return err
}

// EditOrder amends size and/or limit price in place, preserving queue
// identity on the exchange.
func (c *RestClient) EditOrder(ctx context.Context, exchangeOrderID, productID int64, newSize, newPrice string) (*OrderResponse, error) {
	payload := map[string]any{
		"id":         exchangeOrderID,
		"product_id": productID,
	}
	if newSize != "" {
		payload["size"] = newSize
	}
	if newPrice != "" {
		payload["limit_price"] = newPrice
	}
	res, err := c.request(ctx, http.MethodPut, "/v2/orders", "", payload, true)
	if err != nil {
		return nil, err
	}
	var out OrderResponse
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode edit response: %w", err)
	}
	return &out, nil
}

// OpenOrders lists our open orders, optionally scoped to one product.
func (c *RestClient) OpenOrders(ctx context.Context, productID int64) ([]OrderResponse, error) {
	query := "state=open"
	if productID != 0 {
		query += "&product_id=" + strconv.FormatInt(productID, 10)
	}
	res, err := c.request(ctx, http.MethodGet, "/v2/orders", query, nil, true)
	if err != nil {
		return nil, err
	}
	var out []OrderResponse
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	return out, nil
}
