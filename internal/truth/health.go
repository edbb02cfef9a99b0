package truth

import (
	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/errcode"
	"github.com/pulkyeet/spread-scanner/internal/eth"
)

// RPCHealthMetrics counts quote calls for one cycle.
type RPCHealthMetrics struct {
	SuccessCount      int
	FailedCount       int
	QuoteCallAttempts int
	TotalLatencyMs    int64
}

func (m *RPCHealthMetrics) RecordSuccess(latencyMs int64) {
	m.SuccessCount++
	m.QuoteCallAttempts++
	m.TotalLatencyMs += latencyMs
}

func (m *RPCHealthMetrics) RecordFailure() {
	m.FailedCount++
	m.QuoteCallAttempts++
}

func (m RPCHealthMetrics) TotalRequests() int {
	return m.SuccessCount + m.FailedCount
}

// SuccessRate is 0 when no request was made.
func (m RPCHealthMetrics) SuccessRate() decimal.Decimal {
	return rate(m.SuccessCount, m.TotalRequests())
}

func (m RPCHealthMetrics) AvgLatencyMs() int64 {
	if m.SuccessCount == 0 {
		return 0
	}
	return m.TotalLatencyMs / int64(m.SuccessCount)
}

// Reconcile makes the counters agree with the reject histogram: rpc error
// rejects with no failed request tracked means the failures were lost on the
// way. it sets FailedCount from the histogram and reports true when it had to.
func (m *RPCHealthMetrics) Reconcile(hist map[errcode.Code]int) bool {
	n := hist[errcode.InfraRPCError]
	if n <= 0 || m.FailedCount > 0 {
		return false
	}
	m.FailedCount = n
	if m.QuoteCallAttempts < m.TotalRequests() {
		m.QuoteCallAttempts = m.TotalRequests()
	}
	return true
}

type EndpointBrief struct {
	URL            string `json:"url"`
	Requests       int64  `json:"requests"`
	SuccessRate    string `json:"success_rate"`
	AvgLatencyMs   int64  `json:"avg_latency_ms"`
	Quarantined    bool   `json:"quarantined"`
	QuarantineEnds *int64 `json:"quarantine_ends_ms"`
}

type HealthSection struct {
	RPCSuccessRate   string          `json:"rpc_success_rate"`
	RPCAvgLatencyMs  int64           `json:"rpc_avg_latency_ms"`
	RPCTotalRequests int             `json:"rpc_total_requests"`
	RPCFailed        int             `json:"rpc_failed_requests"`
	RPCInfraErrors   int             `json:"rpc_infra_errors"`
	QuoteFetchRate   string          `json:"quote_fetch_rate"`
	GatePassRate     string          `json:"gate_pass_rate"`
	ChainsActive     int             `json:"chains_active"`
	PairsCovered     int             `json:"pairs_covered"`
	PoolsScanned     int             `json:"pools_scanned"`
	PoolsQuarantined int             `json:"pools_quarantined"`
	TopRejects       []RejectCount   `json:"top_reject_reasons"`
	Endpoints        []EndpointBrief `json:"endpoints"`
}

func BuildHealthSection(st CycleStats, hist map[errcode.Code]int, rpc RPCHealthMetrics, endpoints []eth.EndpointHealth) HealthSection {
	h := HealthSection{
		RPCSuccessRate:   rpc.SuccessRate().StringFixed(4),
		RPCAvgLatencyMs:  rpc.AvgLatencyMs(),
		RPCTotalRequests: rpc.TotalRequests(),
		RPCFailed:        rpc.FailedCount,
		RPCInfraErrors:   hist[errcode.InfraRPCError],
		QuoteFetchRate:   rate(st.QuotesFetched, st.QuotesAttempted).StringFixed(4),
		GatePassRate:     rate(st.QuotesPassedGates, st.QuotesFetched).StringFixed(4),
		ChainsActive:     st.ChainsActive,
		PairsCovered:     st.PairsCovered,
		PoolsScanned:     st.PoolsScanned,
		PoolsQuarantined: st.PoolsQuarantined,
		TopRejects:       TopRejects(hist, 5),
		Endpoints:        make([]EndpointBrief, 0, len(endpoints)),
	}
	for _, e := range endpoints {
		h.Endpoints = append(h.Endpoints, EndpointBrief{
			URL:            e.URL,
			Requests:       e.TotalRequests,
			SuccessRate:    e.SuccessRate().StringFixed(4),
			AvgLatencyMs:   e.AvgLatencyMs,
			Quarantined:    e.QuarantinedUntilMs != nil,
			QuarantineEnds: e.QuarantinedUntilMs,
		})
	}
	return h
}
