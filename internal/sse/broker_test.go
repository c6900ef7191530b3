package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func recv(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case msg := <-ch:
		return string(msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return ""
	}
}

// serve runs the handler until the returned stop func is called, then
// returns everything written to the stream.
func serve(t *testing.T, b *Broker, target string) (stop func() string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for b.ClientCount() == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return func() string {
		cancel()
		<-done
		return w.Body.String()
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()

	a := b.Subscribe()
	c := b.Subscribe(TypeSyncState)
	if n := b.ClientCount(); n != 2 {
		t.Fatalf("clients = %d, want 2", n)
	}
	b.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel still open")
	}
	b.Unsubscribe(c)
	if n := b.ClientCount(); n != 0 {
		t.Errorf("clients = %d after unsubscribe", n)
	}
}

func TestPublish_SequentialIDs(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: TypeSyncState, Data: map[string]string{"target": "a"}})
	b.Publish(Event{Type: TypeSyncState, Data: map[string]string{"target": "b"}})

	first, second := recv(t, ch), recv(t, ch)
	if !strings.HasPrefix(first, "id: 1\nevent: sync.state\n") || !strings.Contains(first, `"target":"a"`) {
		t.Errorf("first = %q", first)
	}
	if !strings.HasPrefix(second, "id: 2\n") || !strings.HasSuffix(second, "\n\n") {
		t.Errorf("second = %q", second)
	}
}

func TestSubscribe_TypeFilter(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	states := b.Subscribe(TypeSyncState)
	defer b.Unsubscribe(states)
	all := b.Subscribe()
	defer b.Unsubscribe(all)

	b.PublishEntityEvent("pipeline", map[string]string{"id": "p-1"})
	b.PublishSyncState(map[string]string{"target": "sheets"})

	if msg := recv(t, states); !strings.Contains(msg, "event: sync.state") {
		t.Errorf("filtered client got %q", msg)
	}
	// Entity and state events travel on separate queues, so only the set
	// is fixed.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		msg := recv(t, all)
		for _, typ := range []string{TypeEntityChanged, TypeListUpdated, TypeSyncState} {
			if strings.Contains(msg, "event: "+typ+"\n") {
				seen[typ] = true
			}
		}
	}
	if len(seen) != 3 {
		t.Errorf("unfiltered client saw %v", seen)
	}
}

func TestPublishReminder(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe(TypeReminder)
	defer b.Unsubscribe(ch)

	b.PublishSyncState(map[string]string{"target": "sheets"})
	b.PublishReminder(map[string]string{"kind": "interview_soon"})

	msg := recv(t, ch)
	if !strings.Contains(msg, "event: reminder\n") || !strings.Contains(msg, `"kind":"interview_soon"`) {
		t.Errorf("reminder = %q", msg)
	}
}

func TestPublishEntityEvent_ListThrottle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBroker(500*time.Millisecond, WithClock(clock))
	defer b.Close()
	lists := b.Subscribe(TypeListUpdated)
	defer b.Unsubscribe(lists)
	entities := b.Subscribe(TypeEntityChanged)
	defer b.Unsubscribe(entities)

	b.PublishEntityEvent("pipeline", map[string]string{"id": "a"})
	b.PublishEntityEvent("pipeline", map[string]string{"id": "b"})
	b.PublishEntityEvent("question", map[string]string{"id": "c"})
	for i := 0; i < 3; i++ {
		recv(t, entities)
	}
	for _, kind := range []string{"pipeline", "question"} {
		if msg := recv(t, lists); !strings.Contains(msg, `"kind":"`+kind+`"`) {
			t.Errorf("list hint = %q, want kind %s", msg, kind)
		}
	}

	clock.Advance(time.Second)
	b.PublishEntityEvent("pipeline", map[string]string{"id": "d"})
	recv(t, entities)
	if msg := recv(t, lists); !strings.Contains(msg, `"kind":"pipeline"`) {
		t.Errorf("hint after window = %q", msg)
	}
	select {
	case msg := <-lists:
		t.Errorf("unexpected extra hint %q", msg)
	default:
	}
}

func TestPublish_SlowClientDoesNotBlock(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	for i := 0; i < clientBuffer+10; i++ {
		b.Publish(Event{Type: TypeSyncState, Data: i})
	}
	// The loop must still answer once the slow buffer is full.
	if n := b.ClientCount(); n != 1 {
		t.Errorf("clients = %d", n)
	}
}

func TestClose(t *testing.T) {
	b := NewBroker(time.Second)
	ch := b.Subscribe()
	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("subscriber channel not closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close")
	}

	if n := b.ClientCount(); n != 0 {
		t.Errorf("clients = %d after close", n)
	}
	if _, ok := <-b.Subscribe(); ok {
		t.Error("subscribe after close returned an open channel")
	}
	b.Publish(Event{Type: TypeSyncState})
	b.PublishEntityEvent("pipeline", nil)
	b.Close()
}

func TestServeHTTP(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()

	stop := serve(t, b, "/api/events")
	b.PublishSyncState(map[string]string{"target": "sheets"})
	time.Sleep(50 * time.Millisecond)
	body := stop()

	if !strings.HasPrefix(body, "retry: 3000\n\n") {
		t.Errorf("missing retry hint: %q", body)
	}
	if !strings.Contains(body, "event: sync.state") {
		t.Errorf("missing event: %q", body)
	}

	deadline := time.Now().Add(time.Second)
	for b.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeHTTP_TypesQuery(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()

	stop := serve(t, b, "/api/events?types=sync.state,%20list.updated")
	b.Publish(Event{Type: TypeEntityChanged, Data: map[string]string{"id": "p-1"}})
	b.PublishSyncState(map[string]string{"target": "sheets"})
	time.Sleep(50 * time.Millisecond)
	body := stop()

	if strings.Contains(body, "entity.changed") {
		t.Errorf("filtered stream carried entity.changed: %q", body)
	}
	if !strings.Contains(body, "event: sync.state") {
		t.Errorf("missing sync.state: %q", body)
	}
}

func TestServeHTTP_KeepAlive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBroker(time.Second, WithClock(clock), WithKeepAlive(10*time.Second))
	defer b.Close()

	stop := serve(t, b, "/api/events")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("keep-alive ticker not started: %v", err)
	}
	clock.Advance(10 * time.Second)
	time.Sleep(50 * time.Millisecond)

	if body := stop(); !strings.Contains(body, ": keepalive\n\n") {
		t.Errorf("no keep-alive in %q", body)
	}
}
