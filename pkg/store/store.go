// Package store persists batch run reports.
//
// A run is stored as one RunDoc plus one RecordDoc per transfer, keyed by
// (run ID, record index). Writes are upserts, so a record may be written
// again when it reaches a later state.
package store

import (
	"context"
	"errors"
	"time"

	"ledger-client/pkg/engine"
	"ledger-client/pkg/ledger"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when a run is not in the store.
var ErrNotFound = errors.New("store: not found")

// Store is a report sink.
type Store interface {
	// PutRecord upserts one transfer record.
	PutRecord(ctx context.Context, doc RecordDoc) error

	// PutRun upserts a run header.
	PutRun(ctx context.Context, doc RunDoc) error

	// GetRun returns a run header, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (RunDoc, error)

	// ListRecords returns the run's records ordered by index.
	ListRecords(ctx context.Context, runID string) ([]RecordDoc, error)

	Name() string
	Close() error
}

// RecordDoc is the stored form of an engine.Record.
type RecordDoc struct {
	RunID         string    `json:"run_id"`
	Index         int       `json:"index"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Source        string    `json:"source"`
	Destination   string    `json:"destination"`
	Amount        int64     `json:"amount"`
	Signature     string    `json:"signature,omitempty"`
	Signatures    []string  `json:"signatures,omitempty"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts"`
	ConfirmedSlot uint64    `json:"confirmed_slot,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
	FinishedAt    time.Time `json:"finished_at"`
	ElapsedMS     int64     `json:"elapsed_ms"`
	Advisory      string    `json:"advisory,omitempty"`
}

func signatureStrings(sigs []ledger.Signature) []string {
	if len(sigs) == 0 {
		return nil
	}
	out := make([]string, len(sigs))
	for i, sig := range sigs {
		out[i] = sig.String()
	}
	return out
}

// NewRecordDoc converts a record.
func NewRecordDoc(runID string, rec engine.Record) RecordDoc {
	return RecordDoc{
		RunID:         runID,
		Index:         rec.Index,
		CorrelationID: rec.Intent.CorrelationID,
		Source:        rec.Intent.Source.String(),
		Destination:   rec.Intent.Destination.String(),
		Amount:        rec.Intent.Amount,
		Signature:     rec.Signature.String(),
		Signatures:    signatureStrings(rec.Signatures),
		State:         rec.State.String(),
		Reason:        rec.ReasonText(),
		Attempts:      rec.Attempts,
		ConfirmedSlot: rec.ConfirmedSlot,
		SubmittedAt:   rec.FirstSubmittedAt,
		FinishedAt:    rec.FinishedAt,
		ElapsedMS:     rec.Elapsed().Milliseconds(),
		Advisory:      rec.Advisory,
	}
}

// RunDoc is the stored form of a run header and its summary.
type RunDoc struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Total      int       `json:"total"`
	Confirmed  int       `json:"confirmed"`
	Failed     int       `json:"failed"`
	Expired    int       `json:"expired"`
	Invalid    int       `json:"invalid"`
	Attempts   int       `json:"attempts"`
	AverageMS  int64     `json:"average_ms"`
	TotalMS    int64     `json:"total_ms"`
}

// NewRunDoc converts a finished report.
func NewRunDoc(report *engine.Report) RunDoc {
	s := report.Summary()
	return RunDoc{
		RunID:      report.RunID,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Total:      s.Total,
		Confirmed:  s.Confirmed,
		Failed:     s.Failed,
		Expired:    s.Expired,
		Invalid:    s.Invalid,
		Attempts:   s.Attempts,
		AverageMS:  s.AverageTime.Milliseconds(),
		TotalMS:    s.TotalTime.Milliseconds(),
	}
}

// Marshal encodes a document for key-value stores.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a document written by Marshal.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// SaveReport writes a report's header and all of its records.
func SaveReport(ctx context.Context, s Store, report *engine.Report) error {
	var errs []error
	for _, rec := range report.Records {
		if err := s.PutRecord(ctx, NewRecordDoc(report.RunID, rec)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.PutRun(ctx, NewRunDoc(report)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
