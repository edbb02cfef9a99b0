package gates

import (
	"sort"
	"sync"
	"time"

	"github.com/pulkyeet/spread-scanner/internal/errcode"
)

const (
	DefaultQuarantineThreshold = 3
	DefaultQuarantineDuration  = 300 * time.Second
)

// codes that put a pool straight into quarantine
var immediateQuarantine = map[errcode.Code]bool{
	errcode.PoolNotFound:    true,
	errcode.InfraBadAddress: true,
}

// codes that count toward the consecutive failure threshold.
// rpc errors are the endpoint's fault, not the pool's.
var countedFailures = map[errcode.Code]bool{
	errcode.QuoteRevert:     true,
	errcode.QuoteTimeout:    true,
	errcode.InfraRPCTimeout: true,
}

type quarantineEntry struct {
	consecutive int
	until       time.Time
	lastCode    errcode.Code
}

// Quarantine takes pools out of rotation after repeated reverts.
type Quarantine struct {
	mu        sync.Mutex
	threshold int
	duration  time.Duration
	now       func() time.Time
	entries   map[string]*quarantineEntry
	total     int
}

type QuarantineStats struct {
	TotalQuarantines int      `json:"total_quarantines"`
	Active           int      `json:"active"`
	Tracked          int      `json:"tracked"`
	ActiveKeys       []string `json:"active_keys"`
}

func NewQuarantine(threshold int, duration time.Duration, now func() time.Time) *Quarantine {
	if threshold <= 0 {
		threshold = DefaultQuarantineThreshold
	}
	if duration <= 0 {
		duration = DefaultQuarantineDuration
	}
	if now == nil {
		now = time.Now
	}
	return &Quarantine{threshold: threshold, duration: duration, now: now, entries: make(map[string]*quarantineEntry)}
}

// RecordFailure returns true when this failure quarantined the pool.
func (q *Quarantine) RecordFailure(key string, code errcode.Code) bool {
	if !immediateQuarantine[code] && !countedFailures[code] {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	e, ok := q.entries[key]
	if !ok {
		e = &quarantineEntry{}
		q.entries[key] = e
	}
	if now.Before(e.until) {
		return false
	}
	e.consecutive++
	e.lastCode = code
	if immediateQuarantine[code] || e.consecutive >= q.threshold {
		e.until = now.Add(q.duration)
		e.consecutive = 0
		q.total++
		return true
	}
	return false
}

func (q *Quarantine) RecordSuccess(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[key]; ok {
		e.consecutive = 0
	}
}

func (q *Quarantine) IsQuarantined(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	return ok && q.now().Before(e.until)
}

func (q *Quarantine) Stats() QuarantineStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	st := QuarantineStats{TotalQuarantines: q.total, Tracked: len(q.entries), ActiveKeys: []string{}}
	for k, e := range q.entries {
		if now.Before(e.until) {
			st.Active++
			st.ActiveKeys = append(st.ActiveKeys, k)
		}
	}
	sort.Strings(st.ActiveKeys)
	return st
}
