package events

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
)

// LogPublisher writes events to the process log. Default transport for
// development and single-node deployments.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.logger.Printf("[EVENTS] PUBLISH %s %s: %s", event.Topic, event.RoutingKey, string(line))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[EVENTS] Closed LogPublisher")
	return nil
}
