package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrBadStatus      = errors.New("unexpected response status")
)

// EventsResponse from GET /events.json
type EventsResponse struct {
	Status string                `json:"status"`
	Trade  map[string]TradeEvent `json:"Trade"`
}

// TradeEvent is the latest trade for one symbol.
type TradeEvent struct {
	EventSymbol string   `json:"eventSymbol"`
	Price       *float64 `json:"price"`
	Size        float64  `json:"size"`
	Time        int64    `json:"time"` // Unix ms
}

// GetTrades fetches the latest trade event for each symbol.
func (c *Client) GetTrades(ctx context.Context, symbols ...string) (*EventsResponse, error) {
	query := url.Values{}
	query.Set("events", "Trade")
	for _, s := range symbols {
		query.Add("symbols", s)
	}

	var resp EventsResponse
	if err := c.get(ctx, "/events.json", query, &resp); err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	if resp.Status != "" && resp.Status != "OK" {
		return nil, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}

	return &resp, nil
}

// Fetch returns the last trade price for symbol. Concurrent calls for the
// same symbol share one request. The shared request is detached from any
// single caller's cancellation; each caller stops waiting when its own ctx
// is done. Each attempt is still bounded by the HTTP client timeout.
func (c *Client) Fetch(ctx context.Context, symbol string) (float64, error) {
	flightCtx := context.WithoutCancel(ctx)

	ch := c.inflight.DoChan(symbol, func() (any, error) {
		resp, err := c.GetTrades(flightCtx, symbol)
		if err != nil {
			return 0.0, err
		}

		trade, ok := resp.Trade[symbol]
		if !ok || trade.Price == nil {
			return 0.0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
		}
		return *trade.Price, nil
	})

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("fetch %s: %w", symbol, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return 0, fmt.Errorf("fetch %s: %w", symbol, res.Err)
		}
		if res.Shared {
			c.logger.Debug("fetch shared", "symbol", symbol)
		}
		return res.Val.(float64), nil
	}
}
