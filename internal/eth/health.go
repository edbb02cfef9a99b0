package eth

import (
	"time"

	"github.com/shopspring/decimal"
)

// EndpointHealth is a point-in-time view of one endpoint.
type EndpointHealth struct {
	URL                 string `json:"url"`
	TotalRequests       int64  `json:"total_requests"`
	SuccessCount        int64  `json:"success_count"`
	FailureCount        int64  `json:"failure_count"`
	AvgLatencyMs        int64  `json:"avg_latency_ms"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Quarantines         int    `json:"quarantines"`
	QuarantinedUntilMs  *int64 `json:"quarantined_until_ms"`
	LastError           string `json:"last_error,omitempty"`
}

// SuccessRate is successes over total requests, zero when nothing was sent.
func (h EndpointHealth) SuccessRate() decimal.Decimal {
	if h.TotalRequests == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(h.SuccessCount).DivRound(decimal.NewFromInt(h.TotalRequests), 4)
}

// endpointState is mutated only under Client.mu.
type endpointState struct {
	total          int64
	success        int64
	failed         int64
	totalLatencyMs int64
	consecutive    int
	lastError      string

	// counters since the last release; quarantine decisions use these
	windowTotal   int64
	windowSuccess int64

	quarantinedAt    time.Time
	quarantinedUntil time.Time
	quarantines      int
}

func (s *endpointState) recordSuccess(latencyMs int64) {
	s.total++
	s.success++
	s.totalLatencyMs += latencyMs
	s.windowTotal++
	s.windowSuccess++
	s.consecutive = 0
}

// recordAbandoned counts a request the caller gave up on mid-flight. it does
// not move the quarantine window or the failing streak.
func (s *endpointState) recordAbandoned(err error) {
	s.total++
	s.failed++
	if err != nil {
		s.lastError = err.Error()
	}
}

// recordFailure returns true when this failure put the endpoint into quarantine.
func (s *endpointState) recordFailure(err error, now time.Time, opts Options) bool {
	s.total++
	s.failed++
	s.windowTotal++
	s.consecutive++
	if err != nil {
		s.lastError = err.Error()
	}

	if s.quarantined(now) || s.windowTotal < int64(opts.QuarantineMinRequests) {
		return false
	}
	rate := decimal.NewFromInt(s.windowSuccess).Div(decimal.NewFromInt(s.windowTotal))
	if !rate.LessThan(opts.QuarantineMinSuccessRate) {
		return false
	}
	s.quarantinedAt = now
	s.quarantinedUntil = now.Add(opts.QuarantineCooldown)
	s.quarantines++
	return true
}

// quarantined reports whether the endpoint is excluded at now, releasing it when the window elapsed.
func (s *endpointState) quarantined(now time.Time) bool {
	if s.quarantinedUntil.IsZero() {
		return false
	}
	if now.Before(s.quarantinedUntil) {
		return true
	}
	s.quarantinedUntil = time.Time{}
	s.windowTotal = 0
	s.windowSuccess = 0
	return false
}

func (s *endpointState) snapshot(url string, now time.Time) EndpointHealth {
	h := EndpointHealth{
		URL:                 url,
		TotalRequests:       s.total,
		SuccessCount:        s.success,
		FailureCount:        s.failed,
		ConsecutiveFailures: s.consecutive,
		Quarantines:         s.quarantines,
		LastError:           s.lastError,
	}
	if s.success > 0 {
		h.AvgLatencyMs = s.totalLatencyMs / s.success
	}
	if !s.quarantinedUntil.IsZero() && now.Before(s.quarantinedUntil) {
		until := s.quarantinedUntil.UnixMilli()
		h.QuarantinedUntilMs = &until
	}
	return h
}
