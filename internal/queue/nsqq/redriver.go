package nsqq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/linnemanlabs/dlqtriage/internal/triage"
)

// Publisher publishes a message body to a topic. *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Redriver implements triage.Redriver by republishing the original record
// to the source topic with redriveAttempts incremented.
type Redriver struct {
	pub   Publisher
	topic string
}

// NewRedriver creates a Redriver publishing to topic.
func NewRedriver(pub Publisher, topic string) (*Redriver, error) {
	if pub == nil {
		return nil, errors.New("redriver requires a publisher")
	}
	if topic == "" {
		return nil, errors.New("redriver requires a topic")
	}
	return &Redriver{pub: pub, topic: topic}, nil
}

// Redrive implements triage.Redriver.
func (r *Redriver) Redrive(ctx context.Context, m triage.FailedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(redriveBody(m))
	if err != nil {
		return fmt.Errorf("marshal redrive body: %w", err)
	}
	if err := r.pub.Publish(r.topic, b); err != nil {
		return fmt.Errorf("publish to %s: %w", r.topic, err)
	}
	return nil
}

// redriveBody is the raw record as received, or the normalized fields when
// no raw record is available, with the attempt counter advanced.
func redriveBody(m triage.FailedMessage) map[string]any {
	var body map[string]any
	if len(m.Raw) > 0 {
		body = maps.Clone(m.Raw)
	} else {
		body = m.Fields()
		delete(body, "raw")
	}
	body["redriveAttempts"] = m.RedriveAttempts + 1
	return body
}
