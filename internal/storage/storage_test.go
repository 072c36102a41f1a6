package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if err := writeAtomic(path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "doc.json" {
		t.Fatalf("expected only doc.json, got %v", entries)
	}
}

func TestReadResilientStripsLeadingNUL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if err := os.WriteFile(path, append([]byte{0x00}, []byte(`{"a":1}`)...), 0o644); err != nil {
		t.Fatal(err)
	}
	data, err := readResilient(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v map[string]int
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("failed to parse stripped data: %v", err)
	}
}

func TestUserStoreCreateGetUpsert(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenUserStore(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	u := &User{Username: "Sagebrush", NodeKey: 0x1234, Role: RoleUser}
	if err := store.CreateUser(u); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.CreateUser(u); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, err := store.Get("sagebrush")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.NodeKey != 0x1234 {
		t.Fatalf("node key mismatch: %x", got.NodeKey)
	}

	byNode, err := store.GetByNodeKey(0x1234)
	if err != nil {
		t.Fatalf("get by node failed: %v", err)
	}
	if byNode.Username != "sagebrush" {
		t.Fatalf("username mismatch: %q", byNode.Username)
	}

	if err := store.Upsert("sagebrush", func(u *User) error {
		u.Role = RoleModerator
		return nil
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	got, _ = store.Get("sagebrush")
	if got.Role != RoleModerator {
		t.Fatalf("expected role promoted, got %v", got.Role)
	}
}

func TestUserStoreCallHistoryCapped(t *testing.T) {
	dir := t.TempDir()
	store, _ := OpenUserStore(dir)
	u := &User{Username: "capuser", NodeKey: 1}
	if err := store.CreateUser(u); err != nil {
		t.Fatal(err)
	}
	base := time.Now()
	for i := 0; i < MaxCallHistory+5; i++ {
		rec := CallRecord{NodeKey: 1, ConnectTime: base.Add(time.Duration(i) * time.Minute)}
		if err := store.RecordCall("capuser", rec); err != nil {
			t.Fatalf("record call %d failed: %v", i, err)
		}
	}
	got, _ := store.Get("capuser")
	if len(got.CallHistory) != MaxCallHistory {
		t.Fatalf("expected %d call records, got %d", MaxCallHistory, len(got.CallHistory))
	}
	if got.TimesCalled != MaxCallHistory+5 {
		t.Fatalf("expected timesCalled %d, got %d", MaxCallHistory+5, got.TimesCalled)
	}
}

func TestTopicStoreTreeAndLock(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenTopicStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	root, err := store.Create(Topic{Name: "General", DisplayOrder: 0})
	if err != nil {
		t.Fatal(err)
	}
	child, err := store.Create(Topic{Name: "Announcements", ParentID: root.ID, DisplayOrder: 0})
	if err != nil {
		t.Fatal(err)
	}
	if !store.HasChildren(root.ID) {
		t.Fatal("expected root to have children")
	}
	if store.HasChildren(child.ID) {
		t.Fatal("expected leaf to have no children")
	}
	if err := store.SetLocked(child.ID, true); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Locked {
		t.Fatal("expected locked flag to persist")
	}

	// Reopening from disk should reflect the same tree.
	reopened, err := OpenTopicStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	got2, err := reopened.Get(child.ID)
	if err != nil || !got2.Locked {
		t.Fatalf("expected lock to survive reopen: err=%v got=%+v", err, got2)
	}
}

func TestThreadStoreAppendAndLocked(t *testing.T) {
	dir := t.TempDir()
	store := OpenThreadStore(dir)

	th := &Thread{ID: "abc123", TopicID: 1, Title: "Hello", Author: "sagebrush", CreatedAt: time.Now()}
	if err := store.CreateThread(th); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendPost(1, "abc123", Post{Author: "sagebrush", Content: "first post", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(1, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(got.Posts))
	}

	if err := store.SetLocked(1, "abc123", true); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendPost(1, "abc123", Post{Author: "x", Content: "nope"}); err != ErrLocked {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestThreadBackwardCompatLegacyStringReplies(t *testing.T) {
	dir := t.TempDir()
	raw := `{
		"id": "deadbeef0001",
		"topicId": 1,
		"title": "Legacy",
		"posts": [
			{"threadId":"deadbeef0001","author":"old","content":"hi","replies":["just a string reply", {"author":"new","content":"structured reply"}]}
		]
	}`
	path := threadPath(dir, 1, "deadbeef0001")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	store := OpenThreadStore(dir)
	th, err := store.Get(1, "deadbeef0001")
	if err != nil {
		t.Fatalf("expected legacy document to load: %v", err)
	}
	if len(th.Posts) != 1 || len(th.Posts[0].Replies) != 2 {
		t.Fatalf("expected 1 post with 2 replies, got %+v", th.Posts)
	}
	if th.Posts[0].Replies[0].Content != "just a string reply" {
		t.Fatalf("legacy string reply not preserved: %+v", th.Posts[0].Replies[0])
	}
	if th.Posts[0].Replies[1].Author != "new" {
		t.Fatalf("structured reply not preserved: %+v", th.Posts[0].Replies[1])
	}
	// Optional fields (id, checksum) missing entirely must not error.
	if th.Posts[0].ID != "" {
		t.Fatalf("expected missing id to stay empty, got %q", th.Posts[0].ID)
	}
}

func TestMigratePostsIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store := OpenThreadStore(dir)
	th := &Thread{ID: "migrate01", TopicID: 2, Title: "Migrate me", Posts: []Post{
		{Author: "a", Content: "one", Timestamp: time.Now()},
		{Author: "b", Content: "two", Timestamp: time.Now()},
	}}
	if err := store.CreateThread(th); err != nil {
		t.Fatal(err)
	}

	stamped, err := store.MigratePosts(2, "migrate01")
	if err != nil {
		t.Fatal(err)
	}
	if stamped != 2 {
		t.Fatalf("expected 2 posts stamped, got %d", stamped)
	}

	again, err := store.MigratePosts(2, "migrate01")
	if err != nil {
		t.Fatal(err)
	}
	if again != 0 {
		t.Fatalf("expected idempotent second migration to stamp 0, got %d", again)
	}
}

func TestGenerateMessageIDFormat(t *testing.T) {
	id, err := GenerateMessageID()
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != 12 {
		t.Fatalf("expected 12 hex chars, got %d: %q", len(id), id)
	}
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("expected lowercase hex, got %q", id)
		}
	}
}

func TestGenerateMessageIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := GenerateMessageID()
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("collision on id %q at iteration %d", id, i)
		}
		seen[id] = true
	}
}

func TestAuditLogAppendOnly(t *testing.T) {
	dir := t.TempDir()
	log := OpenAuditLog(dir)
	if err := log.Append(AuditEntry{Actor: "mod1", Action: "delete", TopicID: 1, ThreadID: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := log.Append(AuditEntry{Actor: "mod1", Action: "lock", TopicID: 1}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "audit", time.Now().UTC().Format("2006-01-02")+".log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
}

func TestAdminActivityLogCapped(t *testing.T) {
	dir := t.TempDir()
	log := OpenAdminActivityLog(dir)
	for i := 0; i < adminLogLimit+10; i++ {
		if err := log.Append(AdminAction{Actor: "sysop", Action: "kick", Target: "node"}); err != nil {
			t.Fatal(err)
		}
	}
	recent, err := log.Recent(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != adminLogLimit {
		t.Fatalf("expected log capped at %d, got %d", adminLogLimit, len(recent))
	}
}

func TestNodeCachePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenNodeCache(dir)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := cache.Observe(0xAAAA, "Meshtastic 1234", now); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenNodeCache(dir)
	if err != nil {
		t.Fatal(err)
	}
	info, ok := reopened.Get(0xAAAA)
	if !ok || info.DisplayName != "Meshtastic 1234" {
		t.Fatalf("expected node cache to persist: ok=%v info=%+v", ok, info)
	}
}

func TestWelcomeStoreRecordAndQueue(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenWelcomeStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := store.RecordWelcome(0x1111, "Meshtastic 1111", now); err != nil {
		t.Fatal(err)
	}
	st := store.State(0x1111)
	if st.Count != 1 {
		t.Fatalf("expected count 1, got %d", st.Count)
	}

	if err := store.Enqueue(QueuedWelcome{NodeKey: 0x2222, DisplayName: "Meshtastic 2222", QueuedAt: now}); err != nil {
		t.Fatal(err)
	}
	item, ok := store.Dequeue()
	if !ok || item.NodeKey != 0x2222 {
		t.Fatalf("expected dequeued item, got ok=%v item=%+v", ok, item)
	}
	if _, ok := store.Dequeue(); ok {
		t.Fatal("expected queue to be empty")
	}
}
