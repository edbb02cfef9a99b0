package eth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/errcode"
)

// Caller is the JSON-RPC transport of one endpoint. *rpc.Client satisfies it.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

type Endpoint struct {
	URL    string
	Caller Caller
}

type Options struct {
	Timeout                  time.Duration
	MaxRetries               int
	BackoffBase              time.Duration
	BackoffMax               time.Duration
	QuarantineMinRequests    int
	QuarantineMinSuccessRate decimal.Decimal
	QuarantineCooldown       time.Duration
	Now                      func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Timeout:                  10 * time.Second,
		MaxRetries:               3,
		BackoffBase:              500 * time.Millisecond,
		BackoffMax:               4 * time.Second,
		QuarantineMinRequests:    5,
		QuarantineMinSuccessRate: decimal.RequireFromString("0.10"),
		QuarantineCooldown:       60 * time.Second,
	}
}

// Client spreads JSON-RPC calls over an ordered list of endpoints, tracking
// health per endpoint and skipping the ones in quarantine.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	endpoints []Endpoint
	state     []*endpointState
}

// CallResult is the raw output of an eth_call plus where it came from.
type CallResult struct {
	Data      []byte
	Endpoint  string
	LatencyMs int64
}

func NewClient(ctx context.Context, urls []string, opts Options, logger *slog.Logger) (*Client, error) {
	endpoints := make([]Endpoint, 0, len(urls))
	for _, u := range urls {
		c, err := rpc.DialContext(ctx, u)
		if err != nil {
			for _, ep := range endpoints {
				ep.Caller.Close()
			}
			return nil, fmt.Errorf("dial %s: %w", redact(u), err)
		}
		endpoints = append(endpoints, Endpoint{URL: u, Caller: c})
	}
	return NewClientWithCallers(endpoints, opts, logger)
}

func NewClientWithCallers(endpoints []Endpoint, opts Options, logger *slog.Logger) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no rpc endpoints configured")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	state := make([]*endpointState, len(endpoints))
	for i := range state {
		state[i] = &endpointState{}
	}
	return &Client{opts: opts, logger: logger, endpoints: endpoints, state: state}, nil
}

func (c *Client) Close() {
	for _, ep := range c.endpoints {
		ep.Caller.Close()
	}
}

// Call runs method against the first healthy endpoint, failing over with
// exponential backoff up to MaxRetries extra attempts.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, int64, error) {
	raw, _, latency, err := c.call(ctx, method, params...)
	return raw, latency, err
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, string, int64, error) {
	var (
		lastErr error
		tried   = make(map[int]bool)
		urls    []string
		msgs    []string
	)

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		idx := c.pick(tried)
		tried[idx] = true
		ep := c.endpoints[idx]

		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		start := time.Now()
		var raw json.RawMessage
		err := ep.Caller.CallContext(callCtx, &raw, method, params...)
		cancel()
		latency := time.Since(start).Milliseconds()

		if err == nil {
			c.recordSuccess(idx, latency)
			return raw, ep.URL, latency, nil
		}
		if isRevert(err) {
			// the endpoint answered; the contract said no
			c.recordSuccess(idx, latency)
			return nil, ep.URL, latency, errcode.Wrap(errcode.QuoteRevert, err, "execution reverted").
				WithDetail("endpoint", redact(ep.URL)).
				WithDetail("method", method)
		}

		lastErr = err
		urls = append(urls, redact(ep.URL))
		msgs = append(msgs, err.Error())
		if ctx.Err() != nil {
			// abandoned by the caller: counted, but kept out of the quarantine window
			c.recordAbandoned(idx, err)
			break
		}
		c.recordFailure(idx, err)
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	if lastErr == nil {
		lastErr = errors.New("no attempt made")
	}
	return nil, "", 0, errcode.Wrap(classify(lastErr), lastErr, fmt.Sprintf("%s failed after %d attempts", method, len(urls))).
		WithDetail("method", method).
		WithDetail("endpoints_tried", urls).
		WithDetail("errors", msgs)
}

// BlockNumber returns the chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	raw, _, err := c.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	var n hexutil.Uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, errcode.Wrap(errcode.InfraBadABI, err, "decode eth_blockNumber")
	}
	return uint64(n), nil
}

// GetGasPrice returns the current gas price in wei.
func (c *Client) GetGasPrice(ctx context.Context) (*big.Int, int64, error) {
	raw, latency, err := c.Call(ctx, "eth_gasPrice")
	if err != nil {
		return nil, latency, err
	}
	var price hexutil.Big
	if err := json.Unmarshal(raw, &price); err != nil {
		return nil, latency, errcode.Wrap(errcode.InfraBadABI, err, "decode eth_gasPrice")
	}
	return price.ToInt(), latency, nil
}

// CallContract runs eth_call against a pinned block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte, block uint64) (CallResult, error) {
	msg := map[string]interface{}{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	raw, url, latency, err := c.call(ctx, "eth_call", msg, hexutil.EncodeUint64(block))
	if err != nil {
		return CallResult{Endpoint: redact(url), LatencyMs: latency}, err
	}
	var out hexutil.Bytes
	if err := json.Unmarshal(raw, &out); err != nil {
		return CallResult{Endpoint: redact(url), LatencyMs: latency}, errcode.Wrap(errcode.InfraBadABI, err, "decode eth_call result")
	}
	return CallResult{Data: out, Endpoint: redact(url), LatencyMs: latency}, nil
}

// Health returns a snapshot of every endpoint in configured order.
func (c *Client) Health() []EndpointHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	out := make([]EndpointHealth, len(c.endpoints))
	for i, ep := range c.endpoints {
		out[i] = c.state[i].snapshot(redact(ep.URL), now)
	}
	return out
}

type Stats struct {
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	SuccessRate   decimal.Decimal
	AvgLatencyMs  int64
	Endpoints     []EndpointHealth
}

func (c *Client) Stats() Stats {
	health := c.Health()
	s := Stats{Endpoints: health, SuccessRate: decimal.Zero}
	var latency int64
	for _, h := range health {
		s.TotalRequests += h.TotalRequests
		s.SuccessCount += h.SuccessCount
		s.FailureCount += h.FailureCount
		latency += h.AvgLatencyMs * h.SuccessCount
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = decimal.NewFromInt(s.SuccessCount).DivRound(decimal.NewFromInt(s.TotalRequests), 4)
	}
	if s.SuccessCount > 0 {
		s.AvgLatencyMs = latency / s.SuccessCount
	}
	return s
}

// pick returns the first untried endpoint not in quarantine. when all are
// quarantined it degrades to the one quarantined longest ago.
func (c *Client) pick(tried map[int]bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()

	if len(tried) >= len(c.endpoints) {
		for k := range tried {
			delete(tried, k)
		}
	}

	for i := range c.endpoints {
		if !tried[i] && !c.state[i].quarantined(now) {
			return i
		}
	}
	// everything left is quarantined
	best := -1
	for i := range c.endpoints {
		if tried[i] {
			continue
		}
		if best < 0 || c.state[i].quarantinedAt.Before(c.state[best].quarantinedAt) {
			best = i
		}
	}
	if best < 0 {
		best = 0
	}
	return best
}

func (c *Client) recordSuccess(idx int, latencyMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[idx].recordSuccess(latencyMs)
}

func (c *Client) recordAbandoned(idx int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[idx].recordAbandoned(err)
}

func (c *Client) recordFailure(idx int, err error) {
	c.mu.Lock()
	quarantined := c.state[idx].recordFailure(err, c.opts.Now(), c.opts)
	until := c.state[idx].quarantinedUntil
	c.mu.Unlock()

	if quarantined {
		c.logger.Warn("rpc endpoint quarantined",
			slog.String("url", redact(c.endpoints[idx].URL)),
			slog.Time("until", until),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.BackoffBase << uint(attempt-1)
	if d <= 0 || (c.opts.BackoffMax > 0 && d > c.opts.BackoffMax) {
		d = c.opts.BackoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRevert(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func classify(err error) errcode.Code {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errcode.InfraRPCTimeout
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return errcode.InfraRateLimit
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32005 {
		return errcode.InfraRateLimit
	}
	return errcode.InfraRPCError
}

// redact drops path and query so API keys never reach logs or artifacts.
func redact(u string) string {
	if u == "" {
		return u
	}
	rest := u
	scheme := ""
	if i := strings.Index(u, "://"); i >= 0 {
		scheme, rest = u[:i+3], u[i+3:]
	}
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		path := rest[i:]
		rest = rest[:i]
		if len(path) > 24 {
			return scheme + rest + "/***"
		}
		return scheme + rest + path
	}
	return scheme + rest
}
