package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"judgepipe/internal/common/mq"
	"judgepipe/internal/pipeline/model"
)

// HeaderAttempt carries the queue attempt of a dispatched request.
const HeaderAttempt = "attempt"

// KafkaSender publishes execution requests to a topic consumed by workers.
type KafkaSender struct {
	producer mq.Producer
	topic    string
}

func NewKafkaSender(producer mq.Producer, topic string) (*KafkaSender, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("dispatch topic is required")
	}
	return &KafkaSender{producer: producer, topic: topic}, nil
}

func (s *KafkaSender) Send(ctx context.Context, req *model.ExecutionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	msg := mq.NewMessage(body)
	msg.ID = strconv.FormatInt(req.ID, 10)
	msg.SetHeader(HeaderAttempt, req.Attempt)
	msg.SetHeader("content-type", "application/json")
	return s.producer.Publish(ctx, s.topic, msg)
}
