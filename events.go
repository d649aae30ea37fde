package summary

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
)

// EventNameFlagsChanged is the base name of the flag-change event.
// Each summary registers it under its own bus prefix.
const EventNameFlagsChanged = "summary.flags.changed"

// FlagsChangedEvent is published once per UID for each coalesced batch of
// flag changes. Flags carries the final flags of the batch.
type FlagsChangedEvent struct {
	FolderID  string    `json:"folder_id"`
	UID       string    `json:"uid"`
	Flags     Flags     `json:"flags"`
	ChangedAt time.Time `json:"changed_at"`
}

// FolderEvents gives access to the summary's event instances.
//
// Subscribe to flag changes:
//
//	s.Events().FlagsChanged.Subscribe(ctx, handler)
type FolderEvents struct {
	FlagsChanged event.Event[FlagsChangedEvent]
}

func newFolderEvents(prefix string) *FolderEvents {
	return &FolderEvents{
		FlagsChanged: event.New[FlagsChangedEvent](prefix + "." + EventNameFlagsChanged),
	}
}

// busCounter generates unique suffixes for event bus names.
var busCounter atomic.Int64

// initEventBus creates the summary's bus, or binds to the one supplied with
// WithEventBus, and registers the folder events on it. ownsBus reports
// whether Close must close the bus.
func (s *Summary) initEventBus(ctx context.Context) (ownsBus bool, err error) {
	name := s.opts.serviceName
	if name == "" {
		name = "summary"
	}
	busName := fmt.Sprintf("%s-%s-%d", name, s.folderID, busCounter.Add(1))

	bus := s.opts.eventBus
	switch {
	case bus != nil:
	case s.opts.eventTransport != nil:
		s.logger.Debug("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
		ownsBus = true
	case s.opts.redisClient != nil:
		s.logger.Debug("initializing event bus with Redis transport")
		t, terr := eventredis.New(s.opts.redisClient)
		if terr != nil {
			return false, fmt.Errorf("create redis transport: %w", terr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
		ownsBus = true
	default:
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
		ownsBus = true
	}
	if err != nil {
		return false, fmt.Errorf("create event bus: %w", err)
	}

	events := newFolderEvents(busName)
	if err := event.Register(ctx, bus, events.FlagsChanged); err != nil {
		if ownsBus {
			_ = bus.Close(ctx)
		}
		return false, fmt.Errorf("register FlagsChanged: %w", err)
	}

	s.eventBus = bus
	s.events = events
	return ownsBus, nil
}

// Events returns the summary's event instances.
func (s *Summary) Events() *FolderEvents {
	return s.events
}
