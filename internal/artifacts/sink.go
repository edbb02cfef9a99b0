// Package artifacts writes the per-cycle outputs: snapshots, reject
// histograms, truth reports, quote tapes and the paper ledger.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeJSONL   = "application/x-ndjson"
	ContentTypeParquet = "application/vnd.apache.parquet"
)

// Sink stores one artifact durably under key. keys use forward slashes.
type Sink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Multi writes every artifact to all sinks and joins their errors.
type Multi []Sink

func (m Multi) Put(ctx context.Context, key string, body []byte, contentType string) error {
	var errs []error
	for _, s := range m {
		if err := s.Put(ctx, key, body, contentType); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteJSON stores v as indented JSON.
func WriteJSON(ctx context.Context, sink Sink, key string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return sink.Put(ctx, key, append(b, '\n'), ContentTypeJSON)
}

func stamp(ts time.Time) string {
	return ts.UTC().Format("20060102T150405Z")
}

func SnapshotKey(ts time.Time) string { return "snapshots/scan_" + stamp(ts) + ".json" }
func HistogramKey(ts time.Time) string { return "reports/reject_histogram_" + stamp(ts) + ".json" }
func TruthReportKey(ts time.Time) string { return "reports/truth_report_" + stamp(ts) + ".json" }
func TapeKey(ts time.Time) string { return "tape/quotes_" + stamp(ts) + ".parquet" }
func LedgerKey(sessionID string) string { return "paper/" + sessionID + ".jsonl" }
