package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

func TestPublishReachesForwarder(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	bus, err := NewRedisBus(logger.NewNop(), rdb)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	if err := bus.StartForwarder(ctx, func(ev Event) { got <- ev }); err != nil {
		t.Fatalf("start forwarder: %v", err)
	}

	want := Event{
		Type:     EventStepProgress,
		TaskID:   uuid.New(),
		StepKind: "transcode:probe",
		Progress: 40,
	}
	if err := bus.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Type != want.Type || ev.TaskID != want.TaskID || ev.StepKind != want.StepKind {
			t.Fatalf("forwarded %+v, want %+v", ev, want)
		}
		if ev.At.IsZero() {
			t.Fatal("publish did not stamp At")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event forwarded")
	}
}
