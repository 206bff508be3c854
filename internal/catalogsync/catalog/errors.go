package catalog

import (
	"fmt"
	"strings"

	"github.com/sells-group/catalog-sync/internal/resilience"
)

// FetchError reports a failure reading the feed. It fails the run.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("catalog: feed fetch failed (%s): %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether a later run may succeed.
func (e *FetchError) Transient() bool {
	return resilience.IsTransient(e.Err)
}

// RecordParseError reports a card field that could not be converted. The
// record is skipped.
type RecordParseError struct {
	ExternalID string
	Field      string
	Value      string
	Err        error
}

func (e *RecordParseError) Error() string {
	return fmt.Sprintf("catalog: card %s: parse %s %q: %v", e.ExternalID, e.Field, e.Value, e.Err)
}

func (e *RecordParseError) Unwrap() error {
	return e.Err
}

// FailedBatch describes a batch that could not be written after retrying.
// Ordinals are zero-based feed positions.
type FailedBatch struct {
	Index           int       `json:"index"`
	FirstOrdinal    int       `json:"firstOrdinal"`
	LastOrdinal     int       `json:"lastOrdinal"`
	FirstExternalID string    `json:"firstExternalId"`
	LastExternalID  string    `json:"lastExternalId"`
	Rows            []CardRow `json:"rows"`
	Err             error     `json:"-"`
}

// Boundary renders the batch position for logs and error messages.
func (f FailedBatch) Boundary() string {
	return fmt.Sprintf("batch %d (records %d-%d, %s..%s, %d rows)",
		f.Index, f.FirstOrdinal, f.LastOrdinal, f.FirstExternalID, f.LastExternalID, len(f.Rows))
}

// BatchWriteError lists the batches a run failed to write.
type BatchWriteError struct {
	Failed []FailedBatch
}

func (e *BatchWriteError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		parts[i] = f.Boundary()
		if f.Err != nil {
			parts[i] += ": " + f.Err.Error()
		}
	}
	return fmt.Sprintf("catalog: %d batch(es) failed: %s", len(e.Failed), strings.Join(parts, "; "))
}
