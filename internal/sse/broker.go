// Package sse streams entity and sync-state changes to browsers as
// Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Event types.
const (
	TypeEntityChanged = "entity.changed"
	TypeListUpdated   = "list.updated"
	TypeSyncState     = "sync.state"
	TypeReminder      = "reminder"
)

const (
	clientBuffer     = 64
	defaultKeepAlive = 15 * time.Second
	retryMillis      = 3000
)

// Event is one message for clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type entityReq struct {
	kind string
	data any
}

type subscribeReq struct {
	ch    chan []byte
	types map[string]bool // nil means every type
}

// Broker fans events out to connected clients.
//
// One goroutine owns the client set, the event sequence and the per-kind
// list throttle; the exported methods only talk to it over channels.
type Broker struct {
	listMin   time.Duration
	keepAlive time.Duration
	clock     clockwork.Clock

	subscribeCh   chan subscribeReq
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	entityCh      chan entityReq
	countCh       chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock sets the clock used for list throttling and keep-alives.
func WithClock(c clockwork.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithKeepAlive sets how often an idle stream gets a comment line so that
// proxies do not close it.
func WithKeepAlive(d time.Duration) Option {
	return func(b *Broker) { b.keepAlive = d }
}

// NewBroker creates a broker. list.updated hints for one kind are sent at
// most once per listThrottle.
func NewBroker(listThrottle time.Duration, opts ...Option) *Broker {
	if listThrottle <= 0 {
		listThrottle = 2 * time.Second
	}
	b := &Broker{
		listMin:       listThrottle,
		keepAlive:     defaultKeepAlive,
		clock:         clockwork.NewRealClock(),
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		entityCh:      make(chan entityReq, 256),
		countCh:       make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.loop()
	return b
}

func (b *Broker) loop() {
	defer close(b.stopped)

	clients := make(map[chan []byte]map[string]bool)
	lastList := make(map[string]time.Time)
	var seq uint64

	send := func(ev Event) {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return
		}
		seq++
		msg := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, data))
		for ch, types := range clients {
			if types != nil && !types[ev.Type] {
				continue
			}
			select {
			case ch <- msg:
			default:
				// Slow client; it misses this event rather than stalling
				// everyone else.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case req := <-b.subscribeCh:
			clients[req.ch] = req.types

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			send(ev)

		case req := <-b.entityCh:
			send(Event{Type: TypeEntityChanged, Data: req.data})

			// An empty kind comes from a sync cycle and stands for every list.
			now := b.clock.Now()
			if last, seen := lastList[req.kind]; !seen || now.Sub(last) >= b.listMin {
				lastList[req.kind] = now
				send(Event{Type: TypeListUpdated, Data: map[string]string{"kind": req.kind}})
			}

		case resp := <-b.countCh:
			resp <- len(clients)
		}
	}
}

// Close stops the broker and closes every client channel. Later calls to
// any method are no-ops.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a client for the given event types, or for all of
// them when none are given.
func (b *Broker) Subscribe(types ...string) chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	req := subscribeReq{ch: ch}
	if len(types) > 0 {
		req.types = make(map[string]bool, len(types))
		for _, t := range types {
			req.types[t] = true
		}
	}
	select {
	case b.subscribeCh <- req:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all interested clients.
func (b *Broker) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}

// PublishEntityEvent publishes an entity change and a throttled
// list.updated hint for its kind.
func (b *Broker) PublishEntityEvent(kind string, data any) {
	if b.closed.Load() {
		return
	}
	select {
	case b.entityCh <- entityReq{kind: kind, data: data}:
	case <-b.stopped:
	}
}

// PublishSyncState publishes a target's sync state.
func (b *Broker) PublishSyncState(state any) {
	b.Publish(Event{Type: TypeSyncState, Data: state})
}

// PublishReminder publishes a reminder that has fallen due.
func (b *Broker) PublishReminder(r any) {
	b.Publish(Event{Type: TypeReminder, Data: r})
}

// ServeHTTP is the SSE endpoint (GET /api/events). The optional types query
// parameter, a comma-separated list, limits the stream to those events.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "retry: %d\n\n", retryMillis)
	flusher.Flush()

	ch := b.Subscribe(types...)
	defer b.Unsubscribe(ch)

	var tick <-chan time.Time
	if b.keepAlive > 0 {
		ticker := b.clock.NewTicker(b.keepAlive)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
