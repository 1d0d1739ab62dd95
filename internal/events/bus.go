package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

// EventType enumerates what external observers can subscribe to.
type EventType string

const (
	EventTaskRunning   EventType = "task.running"
	EventTaskProgress  EventType = "task.progress"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
	EventStepStarted   EventType = "step.started"
	EventStepProgress  EventType = "step.progress"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
)

// Event is the single envelope published on the bus. Step-level fields are
// empty on task-level events.
type Event struct {
	Type        EventType `json:"type"`
	TaskID      uuid.UUID `json:"taskId"`
	WorkspaceID uuid.UUID `json:"workspaceId,omitempty"`
	StepKind    string    `json:"stepKind,omitempty"`
	Progress    float64   `json:"progress,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// Bus carries engine lifecycle events over Redis pub/sub. Delivery is
// fire-and-forget; nothing in the engine depends on an event arriving.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	StartForwarder(ctx context.Context, onEvent func(ev Event)) error
	Close() error
}

type redisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus shares the queue's Redis client; EVENTS_CHANNEL overrides the
// channel name.
func NewRedisBus(log *logger.Logger, rdb *goredis.Client) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &redisBus{
		log:     log.With("service", "EventBus"),
		rdb:     rdb,
		channel: envutil.Str("EVENTS_CHANNEL", "engine.events"),
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onEvent func(ev Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

func (b *redisBus) Close() error { return nil }

// NopBus drops everything. Wiring uses it when the bus is disabled.
type NopBus struct{}

func (NopBus) Publish(context.Context, Event) error                 { return nil }
func (NopBus) StartForwarder(context.Context, func(ev Event)) error { return nil }
func (NopBus) Close() error                                         { return nil }
