package business

import "time"

// Record is the business entity the topic commands write. It only exists to
// show a side effect committing in the same transaction as the processed marker.
type Record struct {
	ID             int64     `json:"id"`
	Topic          string    `json:"topic"`
	IdempotenceKey string    `json:"idempotence_key"`
	Data           []byte    `json:"data"`
	CreatedAt      time.Time `json:"created_at"`
}
