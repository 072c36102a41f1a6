package welcome

import (
	"sync"
	"testing"
	"time"

	"github.com/stlalpha/meshbbs/internal/config"
	"github.com/stlalpha/meshbbs/internal/storage"
)

type fakeWriter struct {
	mu        sync.Mutex
	pingErr   error
	dms       [][]byte
	broadcast [][]byte
}

func (f *fakeWriter) SendPing(dest uint32, channel byte) error {
	return f.pingErr
}

func (f *fakeWriter) SendUnicastReliable(dest uint32, payload []byte, channel byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms = append(f.dms, append([]byte(nil), payload...))
	return "corr", nil
}

func (f *fakeWriter) SendBroadcast(payload []byte, channel byte, wantAck bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, append([]byte(nil), payload...))
	return "corr", nil
}

func testSubsystem(t *testing.T, w *fakeWriter) *Subsystem {
	t.Helper()
	store, err := storage.OpenWelcomeStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenWelcomeStore: %v", err)
	}
	cfg := config.WelcomeConfig{
		Enabled:             true,
		CooldownMinutes:     5,
		MaxWelcomesPerNode:  3,
		StartupGapSeconds:   0,
		ReachabilityTimeout: 5,
	}
	s := New(cfg, store, w, 0, "TestBBS", "^")
	s.chunkSpacing = 0
	s.broadcastGap = 0
	return s
}

func TestIsDefaultNameMatchesFactoryPattern(t *testing.T) {
	if !IsDefaultName("Meshtastic ab12") {
		t.Fatalf("expected factory name to match")
	}
	if IsDefaultName("Basement Node") {
		t.Fatalf("expected custom name not to match")
	}
}

func TestSuggestNameIsDeterministic(t *testing.T) {
	s := testSubsystem(t, &fakeWriter{})
	a := s.SuggestName(12345)
	b := s.SuggestName(12345)
	if a != b {
		t.Fatalf("expected deterministic suggestion, got %q vs %q", a, b)
	}
	other := s.SuggestName(99999)
	if other == a {
		t.Fatalf("expected different node keys to usually get different suggestions")
	}
}

func TestSuggestNameEmojiAdjectiveAnimalOrder(t *testing.T) {
	s := testSubsystem(t, &fakeWriter{})
	name := s.SuggestName(7)
	idx := (uint32(7) / uint32(len(adjectives))) % uint32(len(animals))
	want := emojis[idx] + " " + adjectives[7%uint32(len(adjectives))] + " " + animals[idx]
	if name != want {
		t.Fatalf("got %q, want %q", name, want)
	}
}

func TestWelcomeSkipsNonDefaultNames(t *testing.T) {
	w := &fakeWriter{}
	s := testSubsystem(t, w)
	if err := s.Welcome(1, "Basement Node", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.dms) != 0 {
		t.Fatalf("expected no DM for a non-default name")
	}
}

func TestWelcomeSkipsUnreachableNode(t *testing.T) {
	w := &fakeWriter{pingErr: errTimeout}
	s := testSubsystem(t, w)
	if err := s.Welcome(1, "Meshtastic ab12", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.dms) != 0 || len(w.broadcast) != 0 {
		t.Fatalf("expected no sends for an unreachable node")
	}
}

func TestWelcomeSendsDMAndBroadcastForReachableDefaultName(t *testing.T) {
	w := &fakeWriter{}
	s := testSubsystem(t, w)
	if err := s.Welcome(42, "Meshtastic cc01", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.dms) == 0 {
		t.Fatalf("expected at least one DM chunk")
	}
	if len(w.broadcast) != 1 {
		t.Fatalf("expected exactly one greeting broadcast, got %d", len(w.broadcast))
	}
	st := s.store.State(42)
	if st.Count != 1 {
		t.Fatalf("expected welcome count 1, got %d", st.Count)
	}
}

func TestWelcomeRespectsSpontaneousCooldown(t *testing.T) {
	w := &fakeWriter{}
	s := testSubsystem(t, w)
	if err := s.Welcome(5, "Meshtastic ab01", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstCount := len(w.broadcast)

	if err := s.Welcome(5, "Meshtastic ab01", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.broadcast) != firstCount {
		t.Fatalf("expected second welcome within cooldown to be skipped")
	}
}

func TestWelcomeRespectsMaxWelcomesPerNode(t *testing.T) {
	w := &fakeWriter{}
	s := testSubsystem(t, w)
	s.cfg.CooldownMinutes = 0
	s.startupGap = 0

	for i := 0; i < 5; i++ {
		_ = s.Welcome(9, "Meshtastic ab02", true)
	}
	st := s.store.State(9)
	if st.Count != s.cfg.MaxWelcomesPerNode {
		t.Fatalf("expected welcomes capped at %d, got %d", s.cfg.MaxWelcomesPerNode, st.Count)
	}
}

func TestWelcomeBroadcastsOnlyOnFirstWelcome(t *testing.T) {
	w := &fakeWriter{}
	s := testSubsystem(t, w)
	s.cfg.CooldownMinutes = 0
	s.startupGap = 0

	for i := 0; i < 3; i++ {
		if err := s.Welcome(9, "Meshtastic ab02", true); err != nil {
			t.Fatalf("unexpected error on welcome %d: %v", i, err)
		}
	}
	if len(w.broadcast) != 1 {
		t.Fatalf("expected exactly one public broadcast across repeated welcomes, got %d", len(w.broadcast))
	}
	if len(w.dms) == 0 {
		t.Fatalf("expected DM chunks on every eligible welcome")
	}
}

var errTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "ping timeout" }

func TestDrainQueueWelcomesEveryQueuedNode(t *testing.T) {
	w := &fakeWriter{}
	s := testSubsystem(t, w)
	if err := s.store.Enqueue(storage.QueuedWelcome{NodeKey: 1, DisplayName: "Meshtastic ab03", QueuedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.store.Enqueue(storage.QueuedWelcome{NodeKey: 2, DisplayName: "Meshtastic ab04", QueuedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s.DrainQueue()

	if len(w.broadcast) != 2 {
		t.Fatalf("expected both queued nodes welcomed, got %d broadcasts", len(w.broadcast))
	}
}
