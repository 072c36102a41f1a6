// Package session implements the per-node-key session state machine:
// MainMenu, topic/subtopic/thread navigation, reading, and composing, all
// dispatched from single-letter commands arriving as DM text frames.
package session

import (
	"time"

	"github.com/stlalpha/meshbbs/internal/storage"
)

// State names one node's place in the navigation state machine.
type State int

const (
	StateUnauthenticated State = iota
	StateMainMenu
	StateTopicList
	StateSubtopicList
	StateThreadList
	StateRead
	StateComposeTitle
	StateComposeBody
	StateReplyCompose
)

// PageSize is how many list entries are shown per page; single-digit
// commands 1-9 pick an entry on the current page.
const PageSize = 9

// MaxTitleBytes and MaxBodyBytes bound compose input for thread titles and post bodies.
const (
	MaxTitleBytes = 32
	MaxBodyBytes  = 200
)

// Session is the per-node-key navigation state. Exactly one Session exists
// per node key at a time; the Registry enforces that invariant.
type Session struct {
	NodeKey uint32
	Channel byte

	User *storage.User
	State State

	// Navigation context.
	TopicStack []int // breadcrumb of parent topic ids, root-to-current
	Page       int
	Filter     string

	CurrentTopicID  int
	CurrentThreadID string
	PostIndex       int

	// Compose scratch state.
	ComposeTopicID    int
	ComposeTitleDraft string
	ComposeBuffer     []string

	PendingLoginUsername         string
	PendingLoginAwaitingPassword bool

	UnreadSnapshot time.Time
	LastActivity   time.Time
	CreatedAt      time.Time
}

// New creates a fresh, unauthenticated Session for nodeKey.
func New(nodeKey uint32, channel byte) *Session {
	now := time.Now()
	return &Session{
		NodeKey:      nodeKey,
		Channel:      channel,
		State:        StateUnauthenticated,
		LastActivity: now,
		CreatedAt:    now,
	}
}

// Touch refreshes the inactivity clock; called on every inbound DM.
func (s *Session) Touch() {
	s.LastActivity = time.Now()
}

// Idle reports whether s has been inactive longer than timeout.
func (s *Session) Idle(timeout time.Duration) bool {
	return time.Since(s.LastActivity) > timeout
}

// PushTopic records parent on the breadcrumb stack when descending into a
// subtopic, so "B"/"U" can return to the right list.
func (s *Session) PushTopic(parent int) {
	s.TopicStack = append(s.TopicStack, parent)
}

// PopTopic returns to the previous breadcrumb entry, or 0 (root) if empty.
func (s *Session) PopTopic() int {
	if len(s.TopicStack) == 0 {
		return 0
	}
	parent := s.TopicStack[len(s.TopicStack)-1]
	s.TopicStack = s.TopicStack[:len(s.TopicStack)-1]
	return parent
}

// ResetNavigation returns to MainMenu and clears all list/compose context.
func (s *Session) ResetNavigation() {
	s.State = StateMainMenu
	s.TopicStack = nil
	s.Page = 0
	s.Filter = ""
	s.CurrentTopicID = 0
	s.CurrentThreadID = ""
	s.PostIndex = 0
	s.ComposeTopicID = 0
	s.ComposeTitleDraft = ""
	s.ComposeBuffer = nil
	s.UnreadSnapshot = time.Now()
}
