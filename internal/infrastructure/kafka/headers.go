package kafka

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/denis-tsv/ExactlyOnce/internal/domain/inbox"

	"github.com/segmentio/kafka-go"
)

// FromHeaders flattens record headers into a map. For repeated keys the last value wins.
func FromHeaders(headers []kafka.Header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

// ToHeaders is the inverse of FromHeaders, ordered by key.
func ToHeaders(m map[string]string) []kafka.Header {
	if len(m) == 0 {
		return nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := make([]kafka.Header, 0, len(m))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(m[k])})
	}
	return headers
}

// FallbackKey identifies a record by its broker position. It is stable across
// redeliveries of the same record.
func FallbackKey(topic string, partition int, offset int64) string {
	return fmt.Sprintf("kafka:%s:%d:%d", topic, partition, offset)
}

// boundedKey replaces a key longer than inbox.MaxIdempotenceKeyLen with its
// SHA-256 digest. Equal keys still map to equal digests.
func boundedKey(key string) string {
	if len(key) <= inbox.MaxIdempotenceKeyLen {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ToInboxMessage converts a consumed record into its log form. ok is false when
// the record had no idempotence key header and the fallback key was used.
// Oversized keys are shortened by boundedKey; the original stays in Headers.
func ToInboxMessage(msg kafka.Message) (m inbox.Message, ok bool) {
	headers := FromHeaders(msg.Headers)

	key, ok := headers[inbox.HeaderIdempotenceKey]
	if !ok || key == "" {
		key = FallbackKey(msg.Topic, msg.Partition, msg.Offset)
		ok = false
	}

	return inbox.Message{
		Topic:          msg.Topic,
		Partition:      msg.Partition,
		Offset:         msg.Offset,
		IdempotenceKey: boundedKey(key),
		Payload:        msg.Value,
		Headers:        headers,
		CreatedAt:      msg.Time.UTC(),
	}, ok
}
