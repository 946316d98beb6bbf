package eventlog

import (
	"testing"
	"time"

	"github.com/attractor-run/control-plane/internal/domain"
)

func testEvent(n int) Event {
	return Event{ID: "e", Type: domain.EventType("test"), Payload: map[string]any{"n": n}}
}

func TestBroadcaster_SendAndSubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch, _, unsub := b.Subscribe()
	defer unsub()

	b.Send(testEvent(1))

	select {
	case ev := <-ch:
		if ev.Payload["n"] != 1 {
			t.Fatalf("unexpected event: %v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_HistoryReplay(t *testing.T) {
	b := NewBroadcaster()
	b.Send(testEvent(1))
	b.Send(testEvent(2))

	ch, _, unsub := b.Subscribe()
	defer unsub()

	var got []int
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev.Payload["n"].(int))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replayed event")
		}
	}
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected replay order: %v", got)
	}
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1, _, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, _, unsub2 := b.Subscribe()
	defer unsub2()

	b.Send(testEvent(1))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Payload["n"] != 1 {
				t.Fatalf("unexpected event: %v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event on subscriber")
		}
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster()
	ch, _, unsub := b.Subscribe()
	defer unsub()

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster()
	b.Send(testEvent(1))
	b.Close()

	ch, _, _ := b.Subscribe()

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("expected history replay on post-close subscribe, got: %v", got)
	}
}

func TestBroadcaster_SendAfterCloseIsANoOp(t *testing.T) {
	b := NewBroadcaster()
	b.Close()
	b.Send(testEvent(1))
	if len(b.History()) != 0 {
		t.Fatalf("expected no events after close")
	}
}

func TestBroadcaster_HistoryReplayOver256(t *testing.T) {
	b := NewBroadcaster()
	for i := 0; i < 300; i++ {
		b.Send(testEvent(i))
	}

	done := make(chan struct{})
	go func() {
		ch, _, unsub := b.Subscribe()
		defer unsub()
		count := 0
		for range ch {
			count++
			if count == 300 {
				break
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe() deadlocked with >256 history events")
	}
}

func TestBroadcaster_SlowClientDropDoesNotCloseDoneCh(t *testing.T) {
	b := NewBroadcaster()
	ch, doneCh, _ := b.Subscribe()

	for i := 0; i < 256; i++ {
		b.Send(testEvent(i))
	}
	b.Send(testEvent(256))

	for range ch {
	}

	select {
	case <-doneCh:
		t.Fatal("doneCh closed on slow-client drop")
	default:
	}

	b.Close()
}
