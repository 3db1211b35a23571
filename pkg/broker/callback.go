package broker

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/zoff-tech/go-txoutbox/pkg/processor"
)

const (
	HeaderMessageID   = "outbox-message-id"
	HeaderMessageType = "outbox-message-type"
)

// Callback adapts b into a receiver callback that relays each raw payload to
// topic. A publish error marks the message Failed.
func Callback(b MessageBroker, messageType, topic string) processor.Callback[json.RawMessage] {
	return func(ctx context.Context, id int64, payload *json.RawMessage) error {
		headers := map[string]string{
			HeaderMessageID:   strconv.FormatInt(id, 10),
			HeaderMessageType: messageType,
		}
		return b.Publish(ctx, topic, *payload, headers)
	}
}
