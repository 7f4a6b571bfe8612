package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/money"
)

// HTTPClient is implemented by *http.Client and by a fake in tests,
// mirroring the teacher's SDKClient seam (client.go NewClientWithSDK).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPPort adapts a REST broker over net/http into the Port interface.
// The teacher's own tradernet client talks HTTP directly against its SDK's
// internals with no third-party HTTP client wrapper, so this adapter does
// the same rather than introducing a dependency the pack never reaches
// for.
type HTTPPort struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    HTTPClient
	log       zerolog.Logger
}

// NewHTTPPort builds an HTTPPort using the standard library's http.Client.
func NewHTTPPort(baseURL, apiKey, apiSecret string, log zerolog.Logger) *HTTPPort {
	return &HTTPPort{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: 15 * time.Second},
		log:       log.With().Str("component", "broker_http").Logger(),
	}
}

// NewHTTPPortWithClient injects a custom HTTPClient, for tests.
func NewHTTPPortWithClient(baseURL string, client HTTPClient, log zerolog.Logger) *HTTPPort {
	return &HTTPPort{baseURL: baseURL, client: client, log: log.With().Str("component", "broker_http").Logger()}
}

type submitRequest struct {
	TradeID   string `json:"trade_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Quantity  int64  `json:"quantity"`
	Entry     string `json:"entry_price"`
	Stop      string `json:"stop_price"`
	Target    string `json:"target_price"`
	Currency  string `json:"currency"`
}

type submitResponse struct {
	EntryOrderID  string `json:"entry_order_id"`
	StopOrderID   string `json:"stop_order_id"`
	TargetOrderID string `json:"target_order_id"`
}

func (c *HTTPPort) SubmitTrade(ctx context.Context, t TradeView) (OrderIDs, string, error) {
	side := "buy"
	if t.Category == domain.TradeShort {
		side = "sell"
	}
	body := submitRequest{
		TradeID: t.ID, Symbol: t.Symbol, Side: side, Quantity: t.Quantity,
		Entry: t.EntryPrice.String(), Stop: t.StopPrice.String(), Target: t.TargetPrice.String(),
		Currency: string(t.Currency),
	}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/trades/submit", body, &resp); err != nil {
		return OrderIDs{}, "", err
	}
	return OrderIDs{Entry: resp.EntryOrderID, Stop: resp.StopOrderID, Target: resp.TargetOrderID},
		fmt.Sprintf("submitted bracket for %s", t.Symbol), nil
}

type syncResponse struct {
	Status string `json:"status"`
	Orders []struct {
		OrderID            string  `json:"order_id"`
		LocalOrderID       string  `json:"local_order_id"`
		Status             string  `json:"status"`
		FilledQuantity     int64   `json:"filled_quantity"`
		AverageFilledPrice *string `json:"average_filled_price"`
	} `json:"orders"`
}

func (c *HTTPPort) SyncTrade(ctx context.Context, t TradeView, ids OrderIDs) (SyncResult, error) {
	var resp syncResponse
	path := fmt.Sprintf("/v1/trades/%s/sync", t.ID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return SyncResult{}, err
	}
	out := SyncResult{Status: domain.TradeStatus(resp.Status), Log: fmt.Sprintf("synced trade %s", t.ID)}
	for _, o := range resp.Orders {
		ro := ReportedOrder{LocalOrderID: o.LocalOrderID, Status: domain.OrderStatus(o.Status), FilledQuantity: o.FilledQuantity}
		if o.AverageFilledPrice != nil {
			amt, err := money.FromString(*o.AverageFilledPrice)
			if err != nil {
				return SyncResult{}, fmt.Errorf("broker: bad average_filled_price: %w", err)
			}
			ro.AverageFilledPrice = &amt
		}
		out.Orders = append(out.Orders, ro)
	}
	return out, nil
}

func (c *HTTPPort) CloseTrade(ctx context.Context, t TradeView, ids OrderIDs) (ReportedOrder, string, error) {
	var resp struct {
		OrderID string `json:"order_id"`
	}
	path := fmt.Sprintf("/v1/trades/%s/close", t.ID)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return ReportedOrder{}, "", err
	}
	return ReportedOrder{LocalOrderID: ids.Target, Status: domain.OrderPendingNew},
		fmt.Sprintf("closed trade %s with market target %s", t.ID, resp.OrderID), nil
}

func (c *HTTPPort) CancelTrade(ctx context.Context, t TradeView, ids OrderIDs) error {
	path := fmt.Sprintf("/v1/trades/%s/cancel", t.ID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPPort) ModifyStop(ctx context.Context, t TradeView, ids OrderIDs, newPrice money.Amount) (string, error) {
	return c.modify(ctx, t.ID, "stop", newPrice)
}

func (c *HTTPPort) ModifyTarget(ctx context.Context, t TradeView, ids OrderIDs, newPrice money.Amount) (string, error) {
	return c.modify(ctx, t.ID, "target", newPrice)
}

func (c *HTTPPort) modify(ctx context.Context, tradeID, leg string, newPrice money.Amount) (string, error) {
	var resp struct {
		OrderID string `json:"order_id"`
	}
	path := fmt.Sprintf("/v1/trades/%s/modify/%s", tradeID, leg)
	body := map[string]string{"price": newPrice.String()}
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

func (c *HTTPPort) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("broker: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Api-Secret", c.apiSecret)

	c.log.Debug().Str("method", method).Str("path", path).Msg("broker request")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("broker: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("broker: unexpected status %d from %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Port = (*HTTPPort)(nil)
