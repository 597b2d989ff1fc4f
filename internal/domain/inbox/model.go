package inbox

import (
	"errors"
	"time"
)

// HeaderIdempotenceKey carries the caller-assigned deduplication token on every broker record.
const HeaderIdempotenceKey = "Idempotence-Key"

// MaxIdempotenceKeyLen is the longest key, in bytes, accepted at the ingress.
// Longer keys arriving from other producers are stored as a digest.
const MaxIdempotenceKeyLen = 128

// ErrAlreadyProcessed reports that a processed marker for the key already exists.
var ErrAlreadyProcessed = errors.New("message already processed")

// Message is a durable copy of one broker record (the inbox log).
// Rows are append-only; they are never updated after insert.
type Message struct {
	ID             int64             `json:"id"`
	Topic          string            `json:"topic"`
	Partition      int               `json:"partition"`
	Offset         int64             `json:"offset"`
	IdempotenceKey string            `json:"idempotence_key"`
	Payload        []byte            `json:"payload"`
	Headers        map[string]string `json:"headers"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ProcessedMarker is a ledger entry of a handled idempotence key.
// Its existence is the only source of truth for "already handled".
type ProcessedMarker struct {
	IdempotenceKey string `json:"idempotence_key"`
}
