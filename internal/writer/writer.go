// Package writer implements paced, ACK-tracked, retried transmission onto
// the serial link: send_broadcast, send_unicast_reliable, and send_ping.
package writer

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stlalpha/meshbbs/internal/config"
	"github.com/stlalpha/meshbbs/internal/frame"
	"github.com/stlalpha/meshbbs/internal/logging"
)

// Transport is the minimal write side of the serial link the writer needs;
// go.bug.st/serial's Port satisfies it directly.
type Transport interface {
	Write(p []byte) (int, error)
}

// Sentinel errors matching the failure taxonomy's writer-facing kinds.
var (
	ErrOverloaded  = errors.New("writer: pending map saturated")
	ErrTimeout     = errors.New("writer: timed out waiting for ack")
	ErrNotPending  = errors.New("writer: packet id not pending")
)

// RoutingError wraps a terminal delivery failure reported by the radio.
type RoutingError struct {
	Reason string
}

func (e *RoutingError) Error() string { return fmt.Sprintf("writer: routing error: %s", e.Reason) }

type pendingDM struct {
	dest          uint32
	correlationID string
	payload       []byte
	channel       byte
	enqueuedAt    time.Time
	nextAttemptAt time.Time
	awaitingRetry bool
	retriesLeft   int
	backoff       time.Duration
}

type pendingBroadcast struct {
	correlationID string
	expiresAt     time.Time
}

type pendingPing struct {
	result   chan error
	deadline time.Time
}

// Counters are the delivery metrics the health monitor reads. Fields are
// updated via atomic operations; Writer.Stats copies them under the
// writer's mutex.
type Counters struct {
	ReliableSent          uint64
	ReliableAcked         uint64
	ReliableFailed        uint64
	ReliableRetries       uint64
	BroadcastAckConfirmed uint64
	BroadcastAckExpired   uint64
	ackLatencySumMs       uint64
	ackLatencyCount       uint64
}

// AckLatencyAvgMs returns the running average ACK latency in milliseconds.
func (c *Counters) AckLatencyAvgMs() float64 {
	n := atomic.LoadUint64(&c.ackLatencyCount)
	if n == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&c.ackLatencySumMs)) / float64(n)
}

func (c *Counters) observeLatency(d time.Duration) {
	atomic.AddUint64(&c.ackLatencySumMs, uint64(d.Milliseconds()))
	atomic.AddUint64(&c.ackLatencyCount, 1)
}

// Stats is a point-in-time snapshot for logging and the health monitor.
type Stats struct {
	Counters
	PendingCount     int
	PendingSoftLimit int
}

// PendingPercent returns pending depth as a percentage of the soft limit.
func (s Stats) PendingPercent() float64 {
	if s.PendingSoftLimit <= 0 {
		return 0
	}
	return 100 * float64(s.PendingCount) / float64(s.PendingSoftLimit)
}

// Writer owns the serial transport and all outbound pacing/retry state,
// guarded by mu. Its Send* methods are called from the server's queue pump
// and directly from the welcome subsystem and the ident beacon.
type Writer struct {
	mu sync.Mutex

	transport Transport
	cfg       config.PacingConfig

	localNodeID uint32

	lastSendAt    time.Time
	lastSendWasDM bool

	nextID uint32

	pending          map[uint32]*pendingDM
	broadcastPending map[uint32]*pendingBroadcast
	pendingPings     map[uint32]*pendingPing

	counters Counters
}

// New constructs a Writer bound to transport with the given pacing config.
func New(transport Transport, cfg config.PacingConfig) *Writer {
	return &Writer{
		transport:        transport,
		cfg:              cfg,
		nextID:           uint32(rand.Intn(1 << 20)),
		pending:          make(map[uint32]*pendingDM),
		broadcastPending: make(map[uint32]*pendingBroadcast),
		pendingPings:     make(map[uint32]*pendingPing),
	}
}

// SetLocalNodeID records the node id learned from a LocalNodeId event, used
// to stamp outbound frames' "from" field for firmware that expects it.
func (w *Writer) SetLocalNodeID(id uint32) {
	atomic.StoreUint32(&w.localNodeID, id)
}

func (w *Writer) localID() uint32 {
	return atomic.LoadUint32(&w.localNodeID)
}

// LocalNodeID returns the node id learned from the device, or zero if none
// has been observed yet. Exported for collaborators (the ident beacon) that
// need a fallback source of the local node's identity.
func (w *Writer) LocalNodeID() uint32 {
	return w.localID()
}

func (w *Writer) allocID() uint32 {
	return atomic.AddUint32(&w.nextID, 1)
}

// minSendGap enforces the hard floor regardless of configuration.
func (w *Writer) minSendGap() time.Duration {
	gap := time.Duration(w.cfg.MinSendGapMs) * time.Millisecond
	if gap < 2000*time.Millisecond {
		gap = 2000 * time.Millisecond
	}
	return gap
}

// reserveSendSlot computes how long the caller must wait before
// transmitting, given the kind of frame about to go out, and reserves that
// slot so overlapping callers serialize correctly.
func (w *Writer) reserveSendSlot(isDM bool) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	required := w.minSendGap()
	if w.lastSendWasDM && isDM {
		if g := time.Duration(w.cfg.DMToDMGapMs) * time.Millisecond; g > required {
			required = g
		}
	}
	if w.lastSendWasDM && !isDM {
		if g := time.Duration(w.cfg.PostDMBroadcastGap) * time.Millisecond; g > required {
			required = g
		}
	}

	now := time.Now()
	earliest := w.lastSendAt.Add(required)
	wait := time.Duration(0)
	if earliest.After(now) {
		wait = earliest.Sub(now)
	}
	w.lastSendAt = now.Add(wait)
	w.lastSendWasDM = isDM
	return wait
}

// SendBroadcast transmits a best-effort broadcast frame. If wantAck is set,
// the packet id is tracked in the broadcast-pending map with a short TTL;
// the first ACK observed marks at-least-one-hop delivery. Broadcasts are
// never retried.
func (w *Writer) SendBroadcast(payload []byte, channel byte, wantAck bool) (string, error) {
	id := w.allocID()
	corr := fmt.Sprintf("bc-%d", id)

	if wantAck {
		w.mu.Lock()
		w.broadcastPending[id] = &pendingBroadcast{
			correlationID: corr,
			expiresAt:     time.Now().Add(time.Duration(w.cfg.BroadcastAckTTLSec) * time.Second),
		}
		w.mu.Unlock()
	}

	time.Sleep(w.reserveSendSlot(false))
	raw := frame.EncodeTextBroadcast(w.localID(), channel, payload)
	if _, err := w.transport.Write(raw); err != nil {
		return "", fmt.Errorf("writing broadcast frame: %w", err)
	}
	return corr, nil
}

// SendUnicastReliable transmits a DM and tracks it in the pending map until
// ACK, exhaustion of retries, or terminal routing error.
func (w *Writer) SendUnicastReliable(dest uint32, payload []byte, channel byte) (string, error) {
	w.mu.Lock()
	if len(w.pending) >= w.cfg.PendingSoftLimit {
		w.mu.Unlock()
		return "", ErrOverloaded
	}
	id := w.allocID()
	corr := fmt.Sprintf("dm-%d", id)
	now := time.Now()
	backoff := 5 * time.Second
	w.pending[id] = &pendingDM{
		dest:          dest,
		correlationID: corr,
		payload:       payload,
		channel:       channel,
		enqueuedAt:    now,
		nextAttemptAt: now.Add(backoff),
		awaitingRetry: true,
		retriesLeft:   w.cfg.MaxRetries,
		backoff:       backoff,
	}
	w.mu.Unlock()

	time.Sleep(w.reserveSendSlot(true))
	raw := frame.EncodeTextUnicast(w.localID(), channel, id, payload)
	if _, err := w.transport.Write(raw); err != nil {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return "", fmt.Errorf("writing unicast frame: %w", err)
	}
	atomic.AddUint64(&w.counters.ReliableSent, 1)
	return corr, nil
}

// SendPing sends a zero-length unicast text frame with ACK requested and
// blocks until ACK, routing error, or the PingTimeoutSec timeout (120 seconds
// by default).
func (w *Writer) SendPing(dest uint32, channel byte) error {
	id := w.allocID()
	resultCh := make(chan error, 1)
	timeout := time.Duration(w.cfg.PingTimeoutSec) * time.Second

	w.mu.Lock()
	w.pendingPings[id] = &pendingPing{result: resultCh, deadline: time.Now().Add(timeout)}
	w.mu.Unlock()

	time.Sleep(w.reserveSendSlot(true))
	raw := frame.EncodePing(w.localID(), channel, id)
	if _, err := w.transport.Write(raw); err != nil {
		w.mu.Lock()
		delete(w.pendingPings, id)
		w.mu.Unlock()
		return fmt.Errorf("writing ping frame: %w", err)
	}

	select {
	case err := <-resultCh:
		return err
	case <-time.After(timeout):
		w.mu.Lock()
		delete(w.pendingPings, id)
		w.mu.Unlock()
		return ErrTimeout
	}
}

// HandleAck resolves a pending DM, broadcast, or ping awaiting this packet
// id. It is a no-op (logged at debug) if the id is unknown, which happens
// routinely for acks arriving after a retry already gave up.
func (w *Writer) HandleAck(ev frame.AckEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[ev.PacketID]; ok {
		delete(w.pending, ev.PacketID)
		w.counters.observeLatency(time.Since(p.enqueuedAt))
		atomic.AddUint64(&w.counters.ReliableAcked, 1)
		return
	}
	if _, ok := w.broadcastPending[ev.PacketID]; ok {
		delete(w.broadcastPending, ev.PacketID)
		atomic.AddUint64(&w.counters.BroadcastAckConfirmed, 1)
		return
	}
	if pp, ok := w.pendingPings[ev.PacketID]; ok {
		delete(w.pendingPings, ev.PacketID)
		pp.result <- nil
		return
	}
	logging.Debug("writer: ack for unknown packet id %d", ev.PacketID)
}

// HandleRoutingError resolves or retries a pending DM/ping on a terminal
// routing failure. Broadcasts are not retried; a routing error against a
// broadcast-pending id simply lets its TTL expire.
func (w *Writer) HandleRoutingError(ev frame.RoutingErrorEvent) {
	w.mu.Lock()
	p, isDM := w.pending[ev.PacketID]
	pp, isPing := w.pendingPings[ev.PacketID]
	if isPing {
		delete(w.pendingPings, ev.PacketID)
	}
	w.mu.Unlock()

	if isPing {
		pp.result <- &RoutingError{Reason: ev.Reason}
		return
	}
	if !isDM {
		return
	}
	if p.retriesLeft <= 0 {
		w.mu.Lock()
		delete(w.pending, ev.PacketID)
		w.mu.Unlock()
		atomic.AddUint64(&w.counters.ReliableFailed, 1)
		return
	}

	w.mu.Lock()
	p.retriesLeft--
	p.nextAttemptAt = time.Now().Add(p.backoff)
	p.awaitingRetry = true
	p.backoff *= 2
	w.mu.Unlock()
	atomic.AddUint64(&w.counters.ReliableRetries, 1)
}

// retransmission is a pending DM due for a timeout-driven retry, captured
// under lock so the actual send happens outside it.
type retransmission struct {
	oldID   uint32
	dest    uint32
	payload []byte
	channel byte
}

// Tick retransmits any pending DM whose backoff has expired, applying the
// same retries-left/failed accounting HandleRoutingError applies on a
// terminal routing error, and expires any broadcast-pending or ping entries
// past their deadline. Callers should invoke this on a short interval (e.g.
// every second) from the owning task's loop.
func (w *Writer) Tick() {
	now := time.Now()

	var retransmit []retransmission
	w.mu.Lock()
	for id, p := range w.pending {
		if !p.awaitingRetry || !now.After(p.nextAttemptAt) {
			continue
		}
		if p.retriesLeft <= 0 {
			delete(w.pending, id)
			atomic.AddUint64(&w.counters.ReliableFailed, 1)
			continue
		}
		p.retriesLeft--
		p.nextAttemptAt = now.Add(p.backoff)
		p.backoff *= 2
		atomic.AddUint64(&w.counters.ReliableRetries, 1)
		retransmit = append(retransmit, retransmission{
			oldID: id, dest: p.dest, payload: p.payload, channel: p.channel,
		})
	}
	for id, bp := range w.broadcastPending {
		if now.After(bp.expiresAt) {
			delete(w.broadcastPending, id)
			atomic.AddUint64(&w.counters.BroadcastAckExpired, 1)
		}
	}
	for id, pp := range w.pendingPings {
		if now.After(pp.deadline) {
			delete(w.pendingPings, id)
			select {
			case pp.result <- ErrTimeout:
			default:
			}
		}
	}
	w.mu.Unlock()

	for _, r := range retransmit {
		time.Sleep(w.reserveSendSlot(true))
		newID := w.allocID()
		w.mu.Lock()
		if p, ok := w.pending[r.oldID]; ok {
			delete(w.pending, r.oldID)
			w.pending[newID] = p
		}
		w.mu.Unlock()
		raw := frame.EncodeTextUnicast(w.localID(), r.channel, newID, r.payload)
		_, _ = w.transport.Write(raw)
	}
}

// CleanupPending implements a two-phase bounded cleanup:
// first drop entries older than maxAge, then if still over the soft limit
// drop the oldest until under it. Intended to run every 5 minutes.
func (w *Writer) CleanupPending(maxAge time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for id, p := range w.pending {
		if now.Sub(p.enqueuedAt) > maxAge {
			delete(w.pending, id)
			atomic.AddUint64(&w.counters.ReliableFailed, 1)
		}
	}

	if len(w.pending) <= w.cfg.PendingSoftLimit {
		return
	}

	type agedEntry struct {
		id  uint32
		age time.Time
	}
	entries := make([]agedEntry, 0, len(w.pending))
	for id, p := range w.pending {
		entries = append(entries, agedEntry{id, p.enqueuedAt})
	}
	for len(w.pending) > w.cfg.PendingSoftLimit {
		oldestIdx := 0
		for i := range entries {
			if entries[i].age.Before(entries[oldestIdx].age) {
				oldestIdx = i
			}
		}
		delete(w.pending, entries[oldestIdx].id)
		atomic.AddUint64(&w.counters.ReliableFailed, 1)
		entries = append(entries[:oldestIdx], entries[oldestIdx+1:]...)
	}
}

// Stats returns a snapshot for the health monitor.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Counters:         w.counters,
		PendingCount:     len(w.pending),
		PendingSoftLimit: w.cfg.PendingSoftLimit,
	}
}
