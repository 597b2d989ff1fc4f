package cursor

import (
	"errors"
	"time"
)

// InitialOffset is the last processed offset of a freshly provisioned cursor,
// so that the record at broker offset 0 is still dispatched.
const InitialOffset int64 = -1

var ErrNotProvisioned = errors.New("cursor not provisioned")

// Offset is the per-(topic, partition) progress marker of the inbox.
// AvailableAfter doubles as the lease expiry: a row is claimable once it is in the past.
type Offset struct {
	ID                  int64     `json:"id"`
	Topic               string    `json:"topic"`
	Partition           int       `json:"partition"`
	LastProcessedOffset int64     `json:"last_processed_offset"`
	AvailableAfter      time.Time `json:"available_after"`
	// LeasedUntil is the lease expiry written by the claim that returned this
	// snapshot. It is zero for rows that were read without claiming.
	LeasedUntil time.Time `json:"-"`
}
