package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Role names the three permission tiers the session state machine checks
// moderator/sysop operations against.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleSysop     Role = "sysop"
)

// MaxCallHistory bounds the per-user call history the way a traditional
// BBS caps its last-callers list.
const MaxCallHistory = 20

// CallRecord is one entry in a user's call history: the mesh-radio analogue
// of a BBS's traditional "last callers" list.
type CallRecord struct {
	NodeKey        uint32    `json:"nodeKey"`
	ConnectTime    time.Time `json:"connectTime"`
	DisconnectTime time.Time `json:"disconnectTime"`
}

// Duration returns how long the call lasted, or zero if still connected.
func (c CallRecord) Duration() time.Duration {
	if c.DisconnectTime.IsZero() {
		return 0
	}
	return c.DisconnectTime.Sub(c.ConnectTime)
}

// User is one account on the BBS.
type User struct {
	Username          string       `json:"username"`
	NodeKey           uint32       `json:"nodeKey"`
	PasswordHash      string       `json:"passwordHash"`
	Role              Role         `json:"role"`
	CreatedAt         time.Time    `json:"createdAt"`
	LastLogin         time.Time    `json:"lastLogin"`
	LastLoginSnapshot time.Time    `json:"lastLoginSnapshot"`
	TimesCalled       int          `json:"timesCalled"`
	CallHistory       []CallRecord `json:"callHistory,omitempty"`
}

// ErrNotFound is returned when a lookup by username or node key fails.
var ErrNotFound = errors.New("storage: not found")

// ErrExists is returned by CreateUser when the username is already taken.
var ErrExists = errors.New("storage: already exists")

// UserStore persists User documents, one JSON file per user, and maintains
// an in-memory node-key index built at startup since a node-key lookup
// would otherwise require scanning every file.
type UserStore struct {
	mu      sync.RWMutex
	dataDir string
	byNode  map[uint32]string // nodeKey -> username
}

func usersDir(dataDir string) string {
	return filepath.Join(dataDir, "users")
}

func userPath(dataDir, username string) string {
	return filepath.Join(usersDir(dataDir), sanitizeUsername(username)+".json")
}

func sanitizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// OpenUserStore scans dataDir/users for existing accounts to build the
// node-key index, then returns a ready UserStore.
func OpenUserStore(dataDir string) (*UserStore, error) {
	s := &UserStore{dataDir: dataDir, byNode: make(map[uint32]string)}

	entries, err := os.ReadDir(usersDir(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading users dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := readResilient(filepath.Join(usersDir(dataDir), e.Name()))
		if err != nil {
			continue
		}
		var u User
		if err := json.Unmarshal(data, &u); err != nil {
			continue
		}
		s.byNode[u.NodeKey] = u.Username
	}
	return s, nil
}

// Get loads a user by username.
func (s *UserStore) Get(username string) (*User, error) {
	data, err := readResilient(userPath(s.dataDir, username))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading user %s: %w", username, err)
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("parsing user %s: %w", username, err)
	}
	return &u, nil
}

// GetByNodeKey resolves a session's node key to its account, using the
// in-memory index built at startup and refreshed on every Upsert.
func (s *UserStore) GetByNodeKey(nodeKey uint32) (*User, error) {
	s.mu.RLock()
	username, ok := s.byNode[nodeKey]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(username)
}

// CreateUser persists a brand-new account; it fails with ErrExists if the
// username is already taken.
func (s *UserStore) CreateUser(u *User) error {
	path := userPath(s.dataDir, u.Username)
	if _, err := os.Stat(path); err == nil {
		return ErrExists
	}
	u.Username = sanitizeUsername(u.Username)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if err := s.writeUser(u); err != nil {
		return err
	}
	s.mu.Lock()
	s.byNode[u.NodeKey] = u.Username
	s.mu.Unlock()
	return nil
}

// Upsert reads, mutates via fn, and atomically rewrites a user record.
func (s *UserStore) Upsert(username string, fn func(u *User) error) error {
	u, err := s.Get(username)
	if err != nil {
		return err
	}
	if err := fn(u); err != nil {
		return err
	}
	if err := s.writeUser(u); err != nil {
		return err
	}
	s.mu.Lock()
	s.byNode[u.NodeKey] = u.Username
	s.mu.Unlock()
	return nil
}

// RecordCall appends a call record, capped at MaxCallHistory entries
// (oldest dropped first).
func (s *UserStore) RecordCall(username string, rec CallRecord) error {
	return s.Upsert(username, func(u *User) error {
		u.CallHistory = append(u.CallHistory, rec)
		if len(u.CallHistory) > MaxCallHistory {
			u.CallHistory = u.CallHistory[len(u.CallHistory)-MaxCallHistory:]
		}
		u.TimesCalled++
		u.LastLogin = rec.ConnectTime
		return nil
	})
}

func (s *UserStore) writeUser(u *User) error {
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling user %s: %w", u.Username, err)
	}
	return writeAtomic(userPath(s.dataDir, u.Username), data)
}
