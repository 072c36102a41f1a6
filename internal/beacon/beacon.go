// Package beacon periodically broadcasts an identification message at a
// configurable, UTC-minute-aligned frequency, the way a repeater station
// identifies itself on a schedule.
package beacon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stlalpha/meshbbs/internal/config"
	"github.com/stlalpha/meshbbs/internal/logging"
	"github.com/stlalpha/meshbbs/internal/textutil"
)

// Sender is the subset of the writer the beacon needs: broadcasting the
// ident payload on the primary channel.
type Sender interface {
	SendBroadcast(payload []byte, channel byte, wantAck bool) (string, error)
}

// Beacon fires a periodic ident broadcast on primaryChan.
type Beacon struct {
	cfg         config.BeaconConfig
	boardName   string
	primaryChan byte
	sender      Sender
	localNodeID func() uint32

	cron      *cron.Cron
	startedAt time.Time

	mu         sync.Mutex
	lastEpochM int64
}

// New returns a Beacon configured from cfg. localNodeID is consulted at
// fire time so the beacon reports whatever node id the reader has most
// recently learned from the device.
func New(cfg config.BeaconConfig, primaryChan byte, boardName string, sender Sender, localNodeID func() uint32) *Beacon {
	return &Beacon{
		cfg:         cfg,
		boardName:   boardName,
		primaryChan: primaryChan,
		sender:      sender,
		localNodeID: localNodeID,
		lastEpochM:  -1,
	}
}

// cronExpr builds a standard 5-field cron expression that fires on
// UTC-minute boundaries evenly divisible by frequencyMin. Frequencies under
// an hour use the minute field's step syntax; frequencies that are whole
// multiples of an hour use the hour field instead, since a 5-field cron
// minute field cannot step past 59.
func cronExpr(frequencyMin int) string {
	if frequencyMin <= 0 {
		frequencyMin = 30
	}
	if frequencyMin < 60 {
		return fmt.Sprintf("*/%d * * * *", frequencyMin)
	}
	hours := frequencyMin / 60
	if hours < 1 {
		hours = 1
	}
	return fmt.Sprintf("0 */%d * * *", hours)
}

// Start schedules the beacon and blocks until ctx is cancelled.
func (b *Beacon) Start(ctx context.Context) {
	if !b.cfg.Enabled {
		logging.Info("beacon: disabled, not scheduling ident broadcasts")
		<-ctx.Done()
		return
	}
	b.startedAt = time.Now()
	b.cron = cron.New()
	expr := cronExpr(b.cfg.FrequencyMin)
	if _, err := b.cron.AddFunc(expr, func() { b.fire(time.Now()) }); err != nil {
		logging.Error("beacon: invalid schedule %q: %v", expr, err)
		<-ctx.Done()
		return
	}
	b.cron.Start()
	logging.Info("beacon: scheduled ident broadcasts every %d minutes (%s)", b.cfg.FrequencyMin, expr)

	<-ctx.Done()
	stopCtx := b.cron.Stop()
	<-stopCtx.Done()
}

// fire sends the ident broadcast unless still within the boot grace period
// or this UTC minute has already fired (cron's own debounce plus this dedup
// together rule out a double-send around a scheduler restart).
func (b *Beacon) fire(now time.Time) bool {
	if b.startedAt.IsZero() {
		b.startedAt = now
	}
	if now.Sub(b.startedAt) < time.Duration(b.cfg.GraceSeconds)*time.Second {
		logging.Debug("beacon: skipping ident, still within boot grace period")
		return false
	}

	epochMinute := now.Unix() / 60
	b.mu.Lock()
	if epochMinute == b.lastEpochM {
		b.mu.Unlock()
		return false
	}
	b.lastEpochM = epochMinute
	b.mu.Unlock()

	nodeID := uint32(0)
	if b.localNodeID != nil {
		nodeID = b.localNodeID()
	}
	if nodeID == 0 {
		nodeID = b.cfg.FallbackNodeID
	}

	payload := textutil.TruncateBytes(
		fmt.Sprintf("%s ident: node %08x active", b.boardName, nodeID),
		textutil.MaxPayloadBytes,
	)
	if _, err := b.sender.SendBroadcast([]byte(payload), b.primaryChan, false); err != nil {
		logging.Warn("beacon: ident broadcast failed: %v", err)
		return false
	}
	return true
}
