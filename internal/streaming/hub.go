package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AllImports subscribes to the events of every import.
const AllImports = "*"

// Client represents a subscriber
type Client struct {
	Events chan Event
}

// NewClient creates a new client
func NewClient() *Client {
	return &Client{
		Events: make(chan Event, 10),
	}
}

// ImportBroadcaster broadcasts events to multiple clients for a single import
type ImportBroadcaster struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	events   chan Event
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	started  bool
	closing  bool
	stopped  bool
	done     chan struct{}
	log      zerolog.Logger
}

// NewImportBroadcaster creates a new import broadcaster
func NewImportBroadcaster(ctx context.Context, log zerolog.Logger) *ImportBroadcaster {
	ctx, cancel := context.WithCancel(ctx)
	return &ImportBroadcaster{
		clients: make(map[*Client]bool),
		events:  make(chan Event, 100),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     log,
	}
}

// Register adds a client to the broadcaster
func (b *ImportBroadcaster) Register(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
	b.log.Debug().Int("clients", len(b.clients)).Msg("client registered")
}

// Unregister removes a client from the broadcaster
func (b *ImportBroadcaster) Unregister(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		// Stop() already closes all client channels
		if !b.stopped {
			close(client.Events)
		}
		b.log.Debug().Int("clients", len(b.clients)).Msg("client unregistered")
	}
}

// ClientCount returns the number of connected clients
func (b *ImportBroadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast queues an event for all registered clients
func (b *ImportBroadcaster) Broadcast(event Event) {
	b.mu.RLock()
	if b.closing || b.stopped {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	if event.Type.Critical() {
		select {
		case b.events <- event:
		case <-b.ctx.Done():
		case <-time.After(100 * time.Millisecond):
			b.log.Error().Str("type", string(event.Type)).Int("capacity", cap(b.events)).
				Msg("failed to queue critical event")
		}
		return
	}

	// Non-critical events are dropped when the queue is full
	select {
	case b.events <- event:
	case <-b.ctx.Done():
	default:
		b.log.Warn().Str("type", string(event.Type)).Msg("event queue full, dropping event")
	}
}

// Stop delivers the events already queued, closes every client channel and
// waits for the delivery loop to exit. Events broadcast after Stop begins are
// dropped.
func (b *ImportBroadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closing = true
		started := b.started
		b.mu.Unlock()

		b.cancel()
		if started {
			<-b.done
			return
		}
		b.closeClients()
	})
}

// Start starts delivering queued events to clients
func (b *ImportBroadcaster) Start() {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		for {
			select {
			case <-b.ctx.Done():
				b.drain()
				b.closeClients()
				return
			case event := <-b.events:
				b.broadcastToClients(event)
			}
		}
	}()
}

func (b *ImportBroadcaster) drain() {
	for {
		select {
		case event := <-b.events:
			b.broadcastToClients(event)
		default:
			return
		}
	}
}

func (b *ImportBroadcaster) closeClients() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for client := range b.clients {
		close(client.Events)
		delete(b.clients, client)
	}
}

func (b *ImportBroadcaster) hasClient(client *Client) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.clients[client]
}

func (b *ImportBroadcaster) broadcastToClients(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return
	}
	for client := range b.clients {
		if event.Type.Critical() {
			select {
			case client.Events <- event:
			case <-time.After(50 * time.Millisecond):
				b.log.Error().Str("type", string(event.Type)).Int("capacity", cap(client.Events)).
					Msg("failed to deliver critical event to client")
			}
			continue
		}

		select {
		case client.Events <- event:
		default:
			b.log.Warn().Str("type", string(event.Type)).Msg("client channel full, skipping event")
		}
	}
}

// StreamHub manages broadcasters for multiple imports. It implements Emitter.
type StreamHub struct {
	mu           sync.RWMutex
	broadcasters map[string]*ImportBroadcaster
	log          zerolog.Logger
}

// NewStreamHub creates a new stream hub
func NewStreamHub(log zerolog.Logger) *StreamHub {
	return &StreamHub{
		broadcasters: make(map[string]*ImportBroadcaster),
		log:          log,
	}
}

// Register subscribes a new client to importID, or to every import with
// AllImports. The broadcaster lives until its last client leaves or ctx ends.
func (h *StreamHub) Register(ctx context.Context, importID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	client := NewClient()

	broadcaster, exists := h.broadcasters[importID]
	if !exists {
		broadcaster = NewImportBroadcaster(ctx, h.log.With().Str("import_id", importID).Logger())
		h.broadcasters[importID] = broadcaster
		broadcaster.Start()
		h.log.Debug().Str("import_id", importID).Msg("created broadcaster")
	}

	broadcaster.Register(client)
	return client
}

// Unregister removes a client from an import. When the last client leaves,
// the events already queued for it are delivered before its channel closes.
func (h *StreamHub) Unregister(importID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	broadcaster, exists := h.broadcasters[importID]
	if !exists {
		return
	}

	switch n := broadcaster.ClientCount(); {
	case n > 1:
		broadcaster.Unregister(client)
		return
	case n == 1 && !broadcaster.hasClient(client):
		return
	}

	broadcaster.Stop()
	delete(h.broadcasters, importID)
	h.log.Debug().Str("import_id", importID).Msg("last client left, broadcaster stopped")
}

// Emit sends an event to the subscribers of its import and to AllImports
// subscribers. Events nobody listens to are discarded.
func (h *StreamHub) Emit(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := false
	for _, id := range []string{event.ImportID, AllImports} {
		if broadcaster, exists := h.broadcasters[id]; exists {
			broadcaster.Broadcast(event)
			delivered = true
		}
	}
	if !delivered {
		h.log.Debug().Str("import_id", event.ImportID).Str("type", string(event.Type)).Msg("no subscribers for event")
	}
}

// running checks if an import broadcaster exists
func (h *StreamHub) running(importID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.broadcasters[importID]
	return exists
}
