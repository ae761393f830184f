// Package bus implements the Live-Reload Bus: a single-goroutine,
// channel-owned fan-out of typed JSON emissions to subscribed client
// sessions, adapted onto a full-duplex /ws socket.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// EventType enumerates the typed emissions of spec §4.D.
type EventType string

const (
	EventReload             EventType = "reload"
	EventUpdate             EventType = "update"
	EventRemove             EventType = "remove"
	EventPeerOnline         EventType = "peer-online"
	EventPeerOffline        EventType = "peer-offline"
	EventPeerDocReceived    EventType = "peer-document-received"
	EventSyncStatusChanged  EventType = "sync-status-changed"
)

// Event is a single emission, stamped with a wall-clock millisecond.
type Event struct {
	Type      EventType              `json:"type"`
	TimeMs    int64                  `json:"ts"`
	Path      string                 `json:"path,omitempty"`
	Peer      string                 `json:"peer,omitempty"`
	Host      string                 `json:"host,omitempty"`
	OldStatus string                 `json:"oldStatus,omitempty"`
	NewStatus string                 `json:"newStatus,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// client is one subscriber session: a buffered outbound channel. A slow or
// dead subscriber is dropped rather than allowed to back-pressure the Bus.
type client struct {
	out chan []byte
}

const clientBuffer = 32

// Bus owns the subscriber set on a single goroutine and fans out emissions
// published from any other goroutine. This mirrors the teacher's SSE
// broker's "clients map owned by run()" design, generalized to a
// full-duplex transport.
type Bus struct {
	logger *slog.Logger

	register   chan *client
	unregister chan *client
	publish    chan Event
	done       chan struct{}
}

// New constructs and starts a Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:     logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		publish:    make(chan Event, 256),
		done:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	clients := make(map[*client]struct{})
	for {
		select {
		case c := <-b.register:
			clients[c] = struct{}{}
		case c := <-b.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.out)
			}
		case ev := <-b.publish:
			data, err := json.Marshal(ev)
			if err != nil {
				b.logger.Error("bus: marshal event failed", "error", err.Error())
				continue
			}
			for c := range clients {
				select {
				case c.out <- data:
				default:
					// Subscriber too slow; drop it rather than block the bus.
					delete(clients, c)
					close(c.out)
				}
			}
		case <-b.done:
			for c := range clients {
				close(c.out)
			}
			return
		}
	}
}

// Close stops the owner goroutine and disconnects every subscriber.
func (b *Bus) Close() {
	close(b.done)
}

// Publish stamps ev with the current wall-clock millisecond and fans it
// out to every subscriber. Delivery is best-effort.
func (b *Bus) Publish(ev Event) {
	ev.TimeMs = time.Now().UnixMilli()
	select {
	case b.publish <- ev:
	case <-b.done:
	}
}

// Reload emits a force-refetch-everything event.
func (b *Bus) Reload() { b.Publish(Event{Type: EventReload}) }

// Update emits an update{path} event.
func (b *Bus) Update(path string) { b.Publish(Event{Type: EventUpdate, Path: path}) }

// Remove emits a remove{path} event.
func (b *Bus) Remove(path string) { b.Publish(Event{Type: EventRemove, Path: path}) }

// PeerOnline emits a peer-online{peer,host} event.
func (b *Bus) PeerOnline(peer, host string) {
	b.Publish(Event{Type: EventPeerOnline, Peer: peer, Host: host})
}

// PeerOffline emits a peer-offline{peer,host} event.
func (b *Bus) PeerOffline(peer, host string) {
	b.Publish(Event{Type: EventPeerOffline, Peer: peer, Host: host})
}

// PeerDocumentReceived emits a peer-document-received{path} event.
func (b *Bus) PeerDocumentReceived(path string) {
	b.Publish(Event{Type: EventPeerDocReceived, Path: path})
}

// SyncStatusChanged emits a sync-status-changed{path,oldStatus,newStatus,peer?} event.
func (b *Bus) SyncStatusChanged(path, oldStatus, newStatus, peer string) {
	b.Publish(Event{
		Type:      EventSyncStatusChanged,
		Path:      path,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Peer:      peer,
	})
}

// subscribe registers a new client and returns a handle. ServeConn calls it
// and tears the client down again with unsubscribe when the connection ends.
func (b *Bus) subscribe() *client {
	c := &client{out: make(chan []byte, clientBuffer)}
	select {
	case b.register <- c:
	case <-b.done:
	}
	return c
}

func (b *Bus) unsubscribe(c *client) {
	select {
	case b.unregister <- c:
	case <-b.done:
	}
}

// ServeConn drives one subscriber's lifecycle against a connection
// abstraction, used by the /ws HTTP handler (internal/api). read blocks for
// the next inbound text frame (the handler recognizes "ping"); write sends
// an outbound text frame. Both return an error to terminate the loop.
func (b *Bus) ServeConn(ctx context.Context, write func(context.Context, []byte) error, read func(context.Context) ([]byte, error)) error {
	c := b.subscribe()
	defer b.unsubscribe(c)

	errc := make(chan error, 2)

	go func() {
		for {
			data, ok := <-c.out
			if !ok {
				errc <- nil
				return
			}
			if err := write(ctx, data); err != nil {
				errc <- err
				return
			}
		}
	}()

	go func() {
		for {
			frame, err := read(ctx)
			if err != nil {
				errc <- err
				return
			}
			if string(frame) == "ping" {
				if err := write(ctx, []byte("pong")); err != nil {
					errc <- err
					return
				}
			}
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
