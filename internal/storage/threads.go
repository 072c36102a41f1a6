package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Reply is a reply embedded in a post's reply list.
type Reply struct {
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
}

// ReplyList backward-compatibly loads replies stored either as the
// structured {timestamp,author,content} form or, for legacy threads, as
// plain strings.
type ReplyList []Reply

// UnmarshalJSON accepts a mix of structured reply objects and legacy plain
// strings within the same array.
func (rl *ReplyList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(ReplyList, 0, len(raw))
	for _, r := range raw {
		var rep Reply
		if err := json.Unmarshal(r, &rep); err == nil {
			out = append(out, rep)
			continue
		}
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, Reply{Content: s})
		}
	}
	*rl = out
	return nil
}

// Post is one message within a thread.
type Post struct {
	ID        string    `json:"id,omitempty"` // 12-hex message id; optional for backward compat
	ThreadID  string    `json:"threadId"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Checksum  *uint16   `json:"checksum,omitempty"`
	Replies   ReplyList `json:"replies,omitempty"`
}

// Thread is one topic leaf's conversation: a header plus its posts, all in
// a single JSON document so a thread never spans multiple files.
type Thread struct {
	ID           string    `json:"id"`
	TopicID      int       `json:"topicId"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	CreatedAt    time.Time `json:"createdAt"`
	Pinned       bool      `json:"pinned"`
	Locked       bool      `json:"locked"`
	LastActivity time.Time `json:"lastActivity"`
	Posts        []Post    `json:"posts"`
}

// ThreadStore persists thread documents under messages/<topicId>/<threadId>.json.
type ThreadStore struct {
	mu      sync.Mutex
	dataDir string
}

// OpenThreadStore returns a ThreadStore rooted at dataDir.
func OpenThreadStore(dataDir string) *ThreadStore {
	return &ThreadStore{dataDir: dataDir}
}

func threadPath(dataDir string, topicID int, threadID string) string {
	return filepath.Join(dataDir, "messages", fmt.Sprintf("%d", topicID), threadID+".json")
}

// List returns every thread under topicID, pinned threads first, then
// newest last-activity first.
func (s *ThreadStore) List(topicID int) ([]*Thread, error) {
	dir := filepath.Join(s.dataDir, "messages", fmt.Sprintf("%d", topicID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading threads dir: %w", err)
	}
	var out []*Thread
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := e.Name()
		if filepath.Ext(id) != ".json" {
			continue
		}
		t, err := s.Get(topicID, id[:len(id)-len(".json")])
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// Get loads a single thread document.
func (s *ThreadStore) Get(topicID int, threadID string) (*Thread, error) {
	data, err := readResilient(threadPath(s.dataDir, topicID, threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading thread %s/%s: %w", fmt.Sprint(topicID), threadID, err)
	}
	var t Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing thread %s/%s: %w", fmt.Sprint(topicID), threadID, err)
	}
	return &t, nil
}

// CreateThread persists a brand-new thread with its opening post.
func (s *ThreadStore) CreateThread(t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(t)
}

// AppendPost reads, appends p, and atomically rewrites the thread document.
func (s *ThreadStore) AppendPost(topicID int, threadID string, p Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(topicID, threadID)
	if err != nil {
		return err
	}
	if t.Locked {
		return ErrLocked
	}
	t.Posts = append(t.Posts, p)
	t.LastActivity = p.Timestamp
	return s.save(t)
}

// SetPinned and SetLocked mutate thread flags via moderator operations.
func (s *ThreadStore) SetPinned(topicID int, threadID string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(topicID, threadID)
	if err != nil {
		return err
	}
	t.Pinned = pinned
	return s.save(t)
}

func (s *ThreadStore) SetLocked(topicID int, threadID string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(topicID, threadID)
	if err != nil {
		return err
	}
	t.Locked = locked
	return s.save(t)
}

// Delete removes a thread document entirely (moderator "D" operation).
func (s *ThreadStore) Delete(topicID int, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := threadPath(s.dataDir, topicID, threadID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting thread %s: %w", threadID, err)
	}
	return nil
}

// Rename updates a thread's title (moderator "R" operation).
func (s *ThreadStore) Rename(topicID int, threadID, newTitle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(topicID, threadID)
	if err != nil {
		return err
	}
	t.Title = newTitle
	return s.save(t)
}

func (s *ThreadStore) save(t *Thread) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling thread %s: %w", t.ID, err)
	}
	return writeAtomic(threadPath(s.dataDir, t.TopicID, t.ID), data)
}

// MigratePosts idempotently stamps message-id and checksum on any posts in
// the thread that lack them, leaving already-stamped posts untouched. It
// returns the number of posts it stamped.
func (s *ThreadStore) MigratePosts(topicID int, threadID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(topicID, threadID)
	if err != nil {
		return 0, err
	}
	stamped := 0
	for i := range t.Posts {
		p := &t.Posts[i]
		changed := false
		if p.ID == "" {
			id, err := GenerateMessageID()
			if err != nil {
				return stamped, err
			}
			p.ID = id
			changed = true
		}
		if p.Checksum == nil {
			sum := PostChecksum(fmt.Sprint(t.TopicID), p.Author, p.Content, p.Timestamp)
			p.Checksum = &sum
			changed = true
		}
		if changed {
			stamped++
		}
	}
	if stamped == 0 {
		return 0, nil
	}
	return stamped, s.save(t)
}
