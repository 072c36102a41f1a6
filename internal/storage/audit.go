package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is an immutable record of a moderator action: delete,
// rename, pin, lock/unlock. ID is a random uuid distinct from a thread's
// or post's 12-hex message id, since audit entries are never referenced
// by a protocol wire message and so don't need its compact encoding.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	TopicID   int       `json:"topicId"`
	ThreadID  string    `json:"threadId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// AuditLog appends moderator-action records to one file per day; entries
// are never rewritten.
type AuditLog struct {
	dataDir string
}

// OpenAuditLog returns an AuditLog rooted at dataDir.
func OpenAuditLog(dataDir string) *AuditLog {
	return &AuditLog{dataDir: dataDir}
}

// Append writes entry to today's audit log file.
func (a *AuditLog) Append(entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling audit entry: %w", err)
	}
	line = append(line, '\n')
	path := filepath.Join(a.dataDir, "audit", entry.Timestamp.Format("2006-01-02")+".log")
	return appendAtomic(path, line)
}

// AdminAction is one entry in the sysop-only activity log, distinct from
// the moderator audit log above: user promote/demote, forced password
// reset, node kick.
type AdminAction struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
}

// adminLogLimit caps the admin activity log so it never grows unbounded on
// a long-lived BBS.
const adminLogLimit = 1000

// AdminActivityLog persists sysop actions as a single capped JSON array,
// unlike the per-day audit log above.
type AdminActivityLog struct {
	dataDir string
}

// OpenAdminActivityLog returns an AdminActivityLog rooted at dataDir.
func OpenAdminActivityLog(dataDir string) *AdminActivityLog {
	return &AdminActivityLog{dataDir: dataDir}
}

func adminLogPath(dataDir string) string {
	return filepath.Join(dataDir, "admin_activity.json")
}

// Append records action, trimming the oldest entry if the log is at its cap.
func (l *AdminActivityLog) Append(action AdminAction) error {
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now().UTC()
	}
	entries, err := l.load()
	if err != nil {
		return err
	}
	entries = append(entries, action)
	if len(entries) > adminLogLimit {
		entries = entries[len(entries)-adminLogLimit:]
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling admin activity log: %w", err)
	}
	return writeAtomic(adminLogPath(l.dataDir), data)
}

// Recent returns the most recent n entries, newest last.
func (l *AdminActivityLog) Recent(n int) ([]AdminAction, error) {
	entries, err := l.load()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func (l *AdminActivityLog) load() ([]AdminAction, error) {
	data, err := readResilient(adminLogPath(l.dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading admin activity log: %w", err)
	}
	var entries []AdminAction
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing admin activity log: %w", err)
	}
	return entries, nil
}
