package writer

import (
	"sync"
	"testing"
	"time"

	"github.com/stlalpha/meshbbs/internal/config"
	"github.com/stlalpha/meshbbs/internal/frame"
)

type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	return len(p), nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func testPacing() config.PacingConfig {
	return config.PacingConfig{
		MinSendGapMs:       1, // exercised logic still applies the 2000ms floor
		PostDMBroadcastGap: 1,
		DMToDMGapMs:        1,
		MaxRetries:         2,
		PendingSoftLimit:   3,
		BroadcastAckTTLSec: 1,
		PingTimeoutSec:     1,
	}
}

func TestMinSendGapFloorEnforced(t *testing.T) {
	ft := &fakeTransport{}
	w := New(ft, testPacing())
	start := time.Now()
	if _, err := w.SendBroadcast([]byte("hi"), 0, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wait := w.reserveSendSlot(false)
	if wait < 1900*time.Millisecond {
		t.Fatalf("expected hard floor near 2000ms, got %v since %v", wait, time.Since(start))
	}
}

func TestUnicastReliableTracksPendingAndAcks(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testPacing()
	cfg.MinSendGapMs = 0
	w := New(ft, cfg)

	corr, err := w.SendUnicastReliable(0xBEEF, []byte("hello"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if corr == "" {
		t.Fatal("expected correlation id")
	}
	if stats := w.Stats(); stats.PendingCount != 1 {
		t.Fatalf("expected 1 pending, got %d", stats.PendingCount)
	}

	var packetID uint32
	for id := range w.pending {
		packetID = id
	}
	w.HandleAck(frame.AckEvent{PacketID: packetID})

	if stats := w.Stats(); stats.PendingCount != 0 {
		t.Fatalf("expected 0 pending after ack, got %d", stats.PendingCount)
	}
	if w.counters.ReliableAcked != 1 {
		t.Fatalf("expected 1 acked, got %d", w.counters.ReliableAcked)
	}
}

func TestOverloadedWhenPendingSaturated(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testPacing()
	cfg.MinSendGapMs = 0
	cfg.PendingSoftLimit = 1
	w := New(ft, cfg)

	if _, err := w.SendUnicastReliable(1, []byte("a"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.SendUnicastReliable(2, []byte("b"), 0); err != ErrOverloaded {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
}

func TestRoutingErrorRetriesThenFails(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testPacing()
	cfg.MinSendGapMs = 0
	cfg.MaxRetries = 1
	w := New(ft, cfg)

	if _, err := w.SendUnicastReliable(1, []byte("a"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var id uint32
	for pid := range w.pending {
		id = pid
	}

	w.HandleRoutingError(frame.RoutingErrorEvent{PacketID: id, Reason: "no route"})
	if stats := w.Stats(); stats.PendingCount != 1 {
		t.Fatalf("expected retry to keep entry pending, got %d", stats.PendingCount)
	}
	if w.counters.ReliableRetries != 1 {
		t.Fatalf("expected 1 retry, got %d", w.counters.ReliableRetries)
	}

	w.HandleRoutingError(frame.RoutingErrorEvent{PacketID: id, Reason: "no route"})
	if stats := w.Stats(); stats.PendingCount != 0 {
		t.Fatalf("expected entry dropped after retries exhausted, got %d", stats.PendingCount)
	}
	if w.counters.ReliableFailed != 1 {
		t.Fatalf("expected 1 failed, got %d", w.counters.ReliableFailed)
	}
}

func TestTickRetransmitsUnderTrackedIDSoAckResolves(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testPacing()
	cfg.MinSendGapMs = 0
	w := New(ft, cfg)

	if _, err := w.SendUnicastReliable(0xBEEF, []byte("hello"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var oldID uint32
	for id := range w.pending {
		oldID = id
	}

	w.mu.Lock()
	w.pending[oldID].nextAttemptAt = time.Now().Add(-time.Second)
	w.mu.Unlock()

	w.Tick()

	if _, stillPending := w.pending[oldID]; stillPending {
		t.Fatalf("expected old packet id %d retired after retransmit", oldID)
	}
	if stats := w.Stats(); stats.PendingCount != 1 {
		t.Fatalf("expected 1 pending entry tracked under the new id, got %d", stats.PendingCount)
	}
	if w.counters.ReliableRetries != 1 {
		t.Fatalf("expected 1 retry counted, got %d", w.counters.ReliableRetries)
	}

	var newID uint32
	for id := range w.pending {
		newID = id
	}
	w.HandleAck(frame.AckEvent{PacketID: newID})
	if w.counters.ReliableAcked != 1 {
		t.Fatalf("expected ack against the retransmitted id to resolve, got %d acked", w.counters.ReliableAcked)
	}
	if stats := w.Stats(); stats.PendingCount != 0 {
		t.Fatalf("expected pending cleared after ack, got %d", stats.PendingCount)
	}
}

func TestTickExhaustsRetriesThenMarksFailed(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testPacing()
	cfg.MinSendGapMs = 0
	cfg.MaxRetries = 3
	w := New(ft, cfg)

	if _, err := w.SendUnicastReliable(0xAAAA, []byte("hello"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < cfg.MaxRetries; i++ {
		var id uint32
		for pid := range w.pending {
			id = pid
		}
		w.mu.Lock()
		w.pending[id].nextAttemptAt = time.Now().Add(-time.Second)
		w.mu.Unlock()
		w.Tick()
	}

	var id uint32
	for pid := range w.pending {
		id = pid
	}
	w.mu.Lock()
	w.pending[id].nextAttemptAt = time.Now().Add(-time.Second)
	w.mu.Unlock()
	w.Tick()

	if stats := w.Stats(); stats.PendingCount != 0 {
		t.Fatalf("expected pending entry gone once retries exhausted, got %d", stats.PendingCount)
	}
	if w.counters.ReliableRetries != uint64(cfg.MaxRetries) {
		t.Fatalf("expected %d retries, got %d", cfg.MaxRetries, w.counters.ReliableRetries)
	}
	if w.counters.ReliableFailed != 1 {
		t.Fatalf("expected 1 failed, got %d", w.counters.ReliableFailed)
	}
}

func TestPingTimesOutAfterConfiguredDuration(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testPacing()
	cfg.MinSendGapMs = 0
	cfg.PingTimeoutSec = 0 // effectively immediate timeout for the test
	w := New(ft, cfg)

	err := w.SendPing(1, 0)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestPingResolvedByAck(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testPacing()
	cfg.MinSendGapMs = 0
	cfg.PingTimeoutSec = 5
	w := New(ft, cfg)

	done := make(chan error, 1)
	go func() {
		done <- w.SendPing(1, 0)
	}()

	// Wait for the ping to register before acking it.
	var id uint32
	for i := 0; i < 100; i++ {
		w.mu.Lock()
		for pid := range w.pendingPings {
			id = pid
		}
		w.mu.Unlock()
		if id != 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == 0 {
		t.Fatal("ping never registered")
	}
	w.HandleAck(frame.AckEvent{PacketID: id})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on ack, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ping did not resolve")
	}
}

func TestCleanupPendingDropsStaleEntries(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testPacing()
	cfg.MinSendGapMs = 0
	cfg.PendingSoftLimit = 100
	w := New(ft, cfg)

	if _, err := w.SendUnicastReliable(1, []byte("a"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.CleanupPending(0) // maxAge 0: everything is "older" than that
	if stats := w.Stats(); stats.PendingCount != 0 {
		t.Fatalf("expected cleanup to drop stale entry, got %d", stats.PendingCount)
	}
}
