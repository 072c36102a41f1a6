// Package public parses prefix-tagged public-channel commands, enforces
// per-node cooldowns, and gates public login behind configuration.
package public

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stlalpha/meshbbs/internal/collab"
	"github.com/stlalpha/meshbbs/internal/textutil"
)

// defaultCooldown applies to every public command unless overridden.
const defaultCooldown = 60 * time.Second

// Action is what the parser decided to do with an inbound public message.
type Action int

const (
	// ActionIgnore means the message was not addressed to the board, or
	// was on cooldown, and nothing should be sent back.
	ActionIgnore Action = iota
	// ActionReplyDM means Reply should be sent as a unicast-reliable DM.
	ActionReplyDM
	// ActionReplyDMAndBroadcast means Reply is the DM text and Broadcast
	// is additionally sent (HELP only).
	ActionReplyDMAndBroadcast
	// ActionPendingLogin means a login was requested; the caller should
	// record PendingUsername against the sender's node key.
	ActionPendingLogin
)

// Outcome is what the parser produced for one inbound public message.
type Outcome struct {
	Action          Action
	Reply           string
	Broadcast       string
	PendingUsername string
}

// Tracker is a per-node, per-command cooldown gate: a map+mutex keyed by
// node, mirroring the shape of a connection-attempt lockout tracker.
type Tracker struct {
	mu       sync.Mutex
	lastUsed map[uint32]map[string]time.Time
}

// NewTracker returns an empty cooldown Tracker.
func NewTracker() *Tracker {
	return &Tracker{lastUsed: make(map[uint32]map[string]time.Time)}
}

// Allow reports whether nodeKey may use command again, given cooldown, and
// if so records the use at now.
func (t *Tracker) Allow(nodeKey uint32, command string, cooldown time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	perNode, ok := t.lastUsed[nodeKey]
	if !ok {
		perNode = make(map[string]time.Time)
		t.lastUsed[nodeKey] = perNode
	}
	if last, ok := perNode[command]; ok && now.Sub(last) < cooldown {
		return false
	}
	perNode[command] = now
	return true
}

// Parser recognizes public-channel commands addressed with Prefix.
type Parser struct {
	Prefix           string
	AllowPublicLogin bool
	Cooldown         time.Duration
	Games            collab.Registry
	Tracker          *Tracker
}

// NewParser returns a Parser using games as the weather/8ball/fortune/slot
// collaborators; a nil Tracker is replaced with a fresh one.
func NewParser(prefix string, allowPublicLogin bool, cooldown time.Duration, games collab.Registry, tracker *Tracker) *Parser {
	if prefix == "" {
		prefix = "^"
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Parser{Prefix: prefix, AllowPublicLogin: allowPublicLogin, Cooldown: cooldown, Games: games, Tracker: tracker}
}

// Handle parses and dispatches one public-channel text message from
// nodeKey, returning what the caller should send back, if anything.
func (p *Parser) Handle(nodeKey uint32, text string, now time.Time) Outcome {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, p.Prefix) {
		return Outcome{Action: ActionIgnore}
	}
	body := strings.TrimSpace(strings.TrimPrefix(text, p.Prefix))
	if body == "" {
		return Outcome{Action: ActionIgnore}
	}
	fields := strings.Fields(body)
	cmd := strings.ToUpper(fields[0])
	args := strings.TrimSpace(strings.TrimPrefix(body, fields[0]))

	switch cmd {
	case "HELP":
		if !p.Tracker.Allow(nodeKey, "HELP", p.Cooldown, now) {
			return Outcome{Action: ActionIgnore}
		}
		help := textutil.TruncateBytes(fmt.Sprintf(
			"Commands: %sHELP %sLOGIN <user> %sWEATHER %sSLOT %sSLOTSTATS %s8BALL %sFORTUNE",
			p.Prefix, p.Prefix, p.Prefix, p.Prefix, p.Prefix, p.Prefix, p.Prefix,
		), 220)
		return Outcome{
			Action:    ActionReplyDMAndBroadcast,
			Reply:     "DM me (just send any text) to log in, or send " + p.Prefix + "HELP again any time.",
			Broadcast: "Public Commands: " + help,
		}
	case "LOGIN":
		if !p.AllowPublicLogin {
			return Outcome{Action: ActionIgnore}
		}
		if args == "" {
			return Outcome{Action: ActionIgnore}
		}
		if !p.Tracker.Allow(nodeKey, "LOGIN", p.Cooldown, now) {
			return Outcome{Action: ActionIgnore}
		}
		return Outcome{
			Action:          ActionPendingLogin,
			Reply:           "DM me to continue",
			PendingUsername: strings.Fields(args)[0],
		}
	case "WEATHER", "SLOT", "SLOTSTATS", "8BALL", "FORTUNE":
		if !p.Tracker.Allow(nodeKey, cmd, p.Cooldown, now) {
			return Outcome{Action: ActionIgnore}
		}
		door, ok := p.Games[cmd]
		if !ok {
			return Outcome{Action: ActionIgnore}
		}
		return Outcome{Action: ActionReplyDM, Reply: door.Invoke(nodeKey, args)}
	default:
		return Outcome{Action: ActionIgnore}
	}
}
