package playback

import "testing"

func TestBroadcasterFansOutPerStream(t *testing.T) {
	b := NewBroadcaster()
	first := b.Subscribe("7", "a", 2)
	second := b.Subscribe("7", "c", 2)
	other := b.Subscribe("8", "a", 2)

	b.Publish(FrameEvent{StreamerID: "7", FrameID: 1})

	if evt := <-first; evt.FrameID != 1 {
		t.Fatalf("first viewer got frame %d, want 1", evt.FrameID)
	}
	if evt := <-second; evt.FrameID != 1 {
		t.Fatalf("second viewer got frame %d, want 1", evt.FrameID)
	}
	if len(other) != 0 {
		t.Fatal("viewer of another stream received the event")
	}
	if got := b.Listeners("7"); got != 2 {
		t.Fatalf("Listeners = %d, want 2", got)
	}
}

func TestBroadcasterDropsWhenViewerLagsBehind(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("7", "slow", 1)

	b.Publish(FrameEvent{StreamerID: "7", FrameID: 1})
	b.Publish(FrameEvent{StreamerID: "7", FrameID: 2})

	if evt := <-ch; evt.FrameID != 1 {
		t.Fatalf("got frame %d, want 1", evt.FrameID)
	}
	select {
	case evt := <-ch:
		t.Fatalf("lagging viewer received frame %d, want it dropped", evt.FrameID)
	default:
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("7", "a", 1)
	b.Unsubscribe("7", "a")
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if got := b.Listeners("7"); got != 0 {
		t.Fatalf("Listeners = %d, want 0", got)
	}
	b.Unsubscribe("7", "a")
	b.Unsubscribe("99", "a")
}

func TestBroadcasterDropStreamClosesAllViewers(t *testing.T) {
	b := NewBroadcaster()
	first := b.Subscribe("7", "a", 1)
	second := b.Subscribe("7", "c", 1)
	b.DropStream("7")
	if _, ok := <-first; ok {
		t.Fatal("first channel still open after stream drop")
	}
	if _, ok := <-second; ok {
		t.Fatal("second channel still open after stream drop")
	}
	if got := b.Listeners("7"); got != 0 {
		t.Fatalf("Listeners = %d, want 0", got)
	}
}

func TestBroadcasterResubscribeReplacesChannel(t *testing.T) {
	b := NewBroadcaster()
	old := b.Subscribe("7", "a", 1)
	fresh := b.Subscribe("7", "a", 1)
	if _, ok := <-old; ok {
		t.Fatal("replaced channel left open")
	}
	b.Publish(FrameEvent{StreamerID: "7", FrameID: 3})
	if evt := <-fresh; evt.FrameID != 3 {
		t.Fatalf("got frame %d on fresh channel, want 3", evt.FrameID)
	}
	if got := b.Listeners("7"); got != 1 {
		t.Fatalf("Listeners = %d, want 1", got)
	}
}
