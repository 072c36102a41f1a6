package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WelcomeState is the per-node welcome bookkeeping the welcome subsystem
// persists across restarts: counts sent, last-sent time, and the last
// default display name observed for this node.
type WelcomeState struct {
	Count         int       `json:"count"`
	LastWelcomed  time.Time `json:"lastWelcomed"`
	LastSeenName  string    `json:"lastSeenName"`
}

// WelcomeStore persists welcomed_nodes.json and welcome_queue.json.
type WelcomeStore struct {
	mu        sync.Mutex
	dataDir   string
	states    map[uint32]WelcomeState
	queue     []QueuedWelcome
}

// QueuedWelcome is a node observed at startup that had not yet been
// welcomed, awaiting its paced turn. ID is a random uuid used only to
// identify the queue entry itself, not the node.
type QueuedWelcome struct {
	ID          string    `json:"id"`
	NodeKey     uint32    `json:"nodeKey"`
	DisplayName string    `json:"displayName"`
	QueuedAt    time.Time `json:"queuedAt"`
}

func welcomedPath(dataDir string) string { return filepath.Join(dataDir, "welcomed_nodes.json") }
func queuePath(dataDir string) string    { return filepath.Join(dataDir, "welcome_queue.json") }

// OpenWelcomeStore loads both welcome documents, starting empty if absent.
func OpenWelcomeStore(dataDir string) (*WelcomeStore, error) {
	s := &WelcomeStore{dataDir: dataDir, states: make(map[uint32]WelcomeState)}

	if data, err := readResilient(welcomedPath(dataDir)); err == nil {
		if err := json.Unmarshal(data, &s.states); err != nil {
			return nil, fmt.Errorf("parsing welcomed_nodes.json: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading welcomed_nodes.json: %w", err)
	}

	if data, err := readResilient(queuePath(dataDir)); err == nil {
		if err := json.Unmarshal(data, &s.queue); err != nil {
			return nil, fmt.Errorf("parsing welcome_queue.json: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading welcome_queue.json: %w", err)
	}

	return s, nil
}

// State returns the current welcome state for nodeKey (zero value if never
// welcomed).
func (s *WelcomeStore) State(nodeKey uint32) WelcomeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[nodeKey]
}

// RecordWelcome increments the node's welcome count and persists the map
// atomically.
func (s *WelcomeStore) RecordWelcome(nodeKey uint32, displayName string, at time.Time) error {
	s.mu.Lock()
	st := s.states[nodeKey]
	st.Count++
	st.LastWelcomed = at
	st.LastSeenName = displayName
	s.states[nodeKey] = st
	snapshot := make(map[uint32]WelcomeState, len(s.states))
	for k, v := range s.states {
		snapshot[k] = v
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling welcomed_nodes.json: %w", err)
	}
	return writeAtomic(welcomedPath(s.dataDir), data)
}

// Enqueue adds a node to the startup welcome queue.
func (s *WelcomeStore) Enqueue(item QueuedWelcome) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.queue = append(s.queue, item)
	snapshot := append([]QueuedWelcome(nil), s.queue...)
	s.mu.Unlock()
	return s.saveQueue(snapshot)
}

// Dequeue pops the oldest queued node, if any.
func (s *WelcomeStore) Dequeue() (QueuedWelcome, bool) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return QueuedWelcome{}, false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	snapshot := append([]QueuedWelcome(nil), s.queue...)
	s.mu.Unlock()

	if err := s.saveQueue(snapshot); err != nil {
		return item, true
	}
	return item, true
}

func (s *WelcomeStore) saveQueue(queue []QueuedWelcome) error {
	data, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling welcome_queue.json: %w", err)
	}
	return writeAtomic(queuePath(s.dataDir), data)
}
