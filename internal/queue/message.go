package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/docsift/docsift/internal/model"
)

// DecodeMessage parses a delivery body into a DocumentMessage. Unknown extra
// fields are tolerated; invalid JSON or a missing/non-UUID documentId is an
// error, and such deliveries are rejected terminally by the consumer.
func DecodeMessage(body []byte) (model.DocumentMessage, error) {
	var m model.DocumentMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return model.DocumentMessage{}, fmt.Errorf("queue: decode message: %w", err)
	}
	if _, err := uuid.Parse(m.DocumentID); err != nil {
		return model.DocumentMessage{}, fmt.Errorf("queue: message documentId %q: %w", m.DocumentID, err)
	}
	return m, nil
}

// DeathCount reports how many delivery cycles a message has been through,
// summing the count fields of the broker's x-death header entries. A message
// with no death history is on its first cycle. A header that is present but
// not in the broker's shape is an error; callers park such messages rather
// than guess.
func DeathCount(headers amqp.Table) (int64, error) {
	raw, ok := headers["x-death"]
	if !ok || raw == nil {
		return 1, nil
	}
	entries, ok := raw.([]interface{})
	if !ok {
		return 0, fmt.Errorf("queue: x-death header has type %T, want array", raw)
	}

	var total int64
	for _, e := range entries {
		entry, ok := e.(amqp.Table)
		if !ok {
			return 0, fmt.Errorf("queue: x-death entry has type %T, want table", e)
		}
		count, ok := entry["count"]
		if !ok {
			return 0, fmt.Errorf("queue: x-death entry missing count")
		}
		switch n := count.(type) {
		case int64:
			total += n
		case int32:
			total += int64(n)
		case int:
			total += int64(n)
		default:
			return 0, fmt.Errorf("queue: x-death count has type %T", count)
		}
	}
	if total < 1 {
		return 1, nil
	}
	return total, nil
}
