// Package welcome greets newly observed mesh nodes that still carry their
// factory default display name, subject to per-node rate limiting and a
// reachability probe before anything is sent.
package welcome

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/stlalpha/meshbbs/internal/config"
	"github.com/stlalpha/meshbbs/internal/logging"
	"github.com/stlalpha/meshbbs/internal/storage"
	"github.com/stlalpha/meshbbs/internal/textutil"
)

// defaultNamePattern matches a Meshtastic factory-default display name:
// the literal "Meshtastic" followed by a 4-hex-digit suffix.
var defaultNamePattern = regexp.MustCompile(`^Meshtastic [0-9A-Fa-f]{4}$`)

// Writer is the subset of the writer the welcome subsystem needs: a
// reachability probe and two kinds of outbound delivery.
type Writer interface {
	SendPing(dest uint32, channel byte) error
	SendUnicastReliable(dest uint32, payload []byte, channel byte) (string, error)
	SendBroadcast(payload []byte, channel byte, wantAck bool) (string, error)
}

// startupInterWelcomeGap is the minimum spacing between welcomes drawn
// from the startup queue, independent of the spontaneous-detection
// cooldown.
const startupInterWelcomeGap = 30 * time.Second

// chunkSpacing and broadcastGap are the pacing gaps the onboarding flow
// sleeps between its own sends; the writer's own send-gap floor still
// applies underneath these.
const (
	chunkSpacing = 5 * time.Second
	broadcastGap = 11 * time.Second
)

// Subsystem drives the welcome flow for one BBS instance.
type Subsystem struct {
	cfg         config.WelcomeConfig
	store       *storage.WelcomeStore
	writer      Writer
	primaryChan byte
	boardName   string
	prefix      string
	rng         *rand.Rand

	// chunkSpacing, broadcastGap, and startupGap default to the package
	// constants; tests override them to avoid real sleeps and waits.
	chunkSpacing time.Duration
	broadcastGap time.Duration
	startupGap   time.Duration
}

// New returns a Subsystem backed by store and writer.
func New(cfg config.WelcomeConfig, store *storage.WelcomeStore, w Writer, primaryChan byte, boardName, prefix string) *Subsystem {
	return &Subsystem{
		cfg:          cfg,
		store:        store,
		writer:       w,
		primaryChan:  primaryChan,
		boardName:    boardName,
		prefix:       prefix,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		chunkSpacing: chunkSpacing,
		broadcastGap: broadcastGap,
		startupGap:   startupInterWelcomeGap,
	}
}

// IsDefaultName reports whether displayName matches the factory pattern.
func IsDefaultName(displayName string) bool {
	return defaultNamePattern.MatchString(strings.TrimSpace(displayName))
}

// Eligible reports whether nodeKey with displayName should be welcomed
// right now, without sending anything or mutating state.
func (s *Subsystem) Eligible(nodeKey uint32, displayName string, isFromStartupQueue bool, now time.Time) bool {
	if !s.cfg.Enabled {
		return false
	}
	if !IsDefaultName(displayName) {
		return false
	}
	st := s.store.State(nodeKey)
	if st.Count >= s.cfg.MaxWelcomesPerNode {
		return false
	}
	if st.LastWelcomed.IsZero() {
		return true
	}
	if isFromStartupQueue {
		return now.Sub(st.LastWelcomed) >= s.startupGap
	}
	return now.Sub(st.LastWelcomed) >= time.Duration(s.cfg.CooldownMinutes)*time.Minute
}

// Welcome runs the full onboarding flow for nodeKey: a reachability probe,
// a chunked private DM with a personalized name suggestion, and a delayed
// public greeting. It sleeps between its own sends to honor the spacing
// the flow requires, so callers should invoke it from its own goroutine
// rather than from a hot path.
func (s *Subsystem) Welcome(nodeKey uint32, displayName string, isFromStartupQueue bool) error {
	now := time.Now()
	if !s.Eligible(nodeKey, displayName, isFromStartupQueue, now) {
		return nil
	}

	timeout := time.Duration(s.cfg.ReachabilityTimeout) * time.Second
	probeDone := make(chan error, 1)
	go func() { probeDone <- s.writer.SendPing(nodeKey, s.primaryChan) }()
	select {
	case err := <-probeDone:
		if err != nil {
			logging.Debug("welcome: node %08x unreachable, skipping: %v", nodeKey, err)
			return nil
		}
	case <-time.After(timeout):
		logging.Debug("welcome: node %08x ping timed out, skipping", nodeKey)
		return nil
	}

	firstWelcome := s.store.State(nodeKey).Count == 0

	suggestion := s.SuggestName(nodeKey)
	dm := fmt.Sprintf(
		"Welcome to %s! Your radio is still using its factory name. "+
			"Consider renaming it to something like %q. Send %sHELP to see what this board can do.",
		s.boardName, suggestion, s.prefix,
	)
	for i, chunk := range textutil.Chunks(dm, 200) {
		if i > 0 {
			time.Sleep(s.chunkSpacing)
		}
		if _, err := s.writer.SendUnicastReliable(nodeKey, []byte(chunk), s.primaryChan); err != nil {
			logging.Warn("welcome: DM chunk to %08x failed: %v", nodeKey, err)
		}
	}

	if firstWelcome {
		time.Sleep(s.broadcastGap)
		greeting := textutil.TruncateBytes(
			fmt.Sprintf("Say hi to our newest node, suggested name: %s", suggestion),
			textutil.MaxPayloadBytes,
		)
		if _, err := s.writer.SendBroadcast([]byte(greeting), s.primaryChan, false); err != nil {
			logging.Warn("welcome: public greeting failed: %v", err)
		}
	}

	if err := s.store.RecordWelcome(nodeKey, displayName, time.Now()); err != nil {
		logging.Warn("welcome: failed to persist welcome state for %08x: %v", nodeKey, err)
	}
	return nil
}

// DrainQueue pops and welcomes nodes from the startup queue, sleeping the
// configured startup gap between each. It returns when the queue is empty.
func (s *Subsystem) DrainQueue() {
	for {
		item, ok := s.store.Dequeue()
		if !ok {
			return
		}
		if err := s.Welcome(item.NodeKey, item.DisplayName, true); err != nil {
			logging.Warn("welcome: startup-queue welcome for %08x failed: %v", item.NodeKey, err)
		}
		time.Sleep(time.Duration(s.cfg.StartupGapSeconds) * time.Second)
	}
}
