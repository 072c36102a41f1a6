package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stlalpha/meshbbs/internal/auth"
	"github.com/stlalpha/meshbbs/internal/config"
	"github.com/stlalpha/meshbbs/internal/storage"
	"github.com/stlalpha/meshbbs/internal/textutil"
)

// Deps are the collaborators the dispatcher needs to resolve commands into
// durable state changes.
type Deps struct {
	Users   *storage.UserStore
	Topics  *storage.TopicStore
	Threads *storage.ThreadStore
	Audit   *storage.AuditLog
	Config  *config.Snapshot
}

// Result is what a dispatched command produces: the body text and whether
// the session should be torn down afterward. The server chunks Body to the
// frame budget and sends it as-is; no prompt line is appended to it.
type Result struct {
	Body  string
	Close bool
}

// Handler dispatches single-line commands against a Session's current
// state, mutating navigation context and durable storage as needed.
type Handler struct {
	Deps Deps
}

// NewHandler returns a Handler wired to deps.
func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps}
}

// Dispatch handles one line of input from nodeKey's session and returns the
// body to render back. It never panics on malformed input; unrecognized
// commands fall through to a help prompt.
func (h *Handler) Dispatch(sess *Session, input string) Result {
	sess.Touch()
	input = strings.TrimSpace(input)

	switch sess.State {
	case StateUnauthenticated:
		return h.handleUnauthenticated(sess, input)
	case StateMainMenu:
		return h.handleMainMenu(sess, input)
	case StateTopicList:
		return h.handleTopicList(sess, input)
	case StateSubtopicList:
		return h.handleSubtopicList(sess, input)
	case StateThreadList:
		return h.handleThreadList(sess, input)
	case StateRead:
		return h.handleRead(sess, input)
	case StateComposeTitle:
		return h.handleComposeTitle(sess, input)
	case StateComposeBody:
		return h.handleComposeBody(sess, input)
	case StateReplyCompose:
		return h.handleReplyCompose(sess, input)
	default:
		sess.ResetNavigation()
		return Result{Body: h.mainMenuBody(sess)}
	}
}

func fields(input string) []string {
	return strings.Fields(input)
}

func upperCmd(input string) (string, string) {
	f := fields(input)
	if len(f) == 0 {
		return "", ""
	}
	return strings.ToUpper(f[0]), strings.TrimSpace(strings.TrimPrefix(input, f[0]))
}

// --- Unauthenticated ---

func (h *Handler) handleUnauthenticated(sess *Session, input string) Result {
	if sess.PendingLoginUsername != "" {
		return h.handlePendingLogin(sess, input)
	}
	cmd, rest := upperCmd(input)
	switch cmd {
	case "LOGIN":
		parts := fields(rest)
		if len(parts) != 2 {
			return Result{Body: "Usage: LOGIN <username> <password>"}
		}
		u, err := h.Deps.Users.Get(parts[0])
		if err != nil {
			return Result{Body: "Login failed. Check username and password."}
		}
		ok, err := auth.Verify(u.PasswordHash, parts[1])
		if err != nil || !ok {
			return Result{Body: "Login failed. Check username and password."}
		}
		sess.User = u
		now := time.Now().UTC()
		sess.UnreadSnapshot = u.LastLoginSnapshot
		_ = h.Deps.Users.RecordCall(u.Username, storage.CallRecord{NodeKey: sess.NodeKey, ConnectTime: now})
		_ = h.Deps.Users.Upsert(u.Username, func(user *storage.User) error {
			user.NodeKey = sess.NodeKey
			user.LastLoginSnapshot = now
			return nil
		})
		sess.ResetNavigation()
		return Result{Body: fmt.Sprintf("Welcome back, %s.\n%s", u.Username, h.mainMenuBody(sess))}
	case "REGISTER":
		parts := fields(rest)
		if len(parts) != 2 {
			return Result{Body: "Usage: REGISTER <username> <password>"}
		}
		hash, err := auth.Hash(parts[1])
		if err != nil {
			return Result{Body: "Registration failed, try again."}
		}
		u := &storage.User{
			Username:     parts[0],
			NodeKey:      sess.NodeKey,
			PasswordHash: hash,
			Role:         storage.RoleUser,
		}
		if err := h.Deps.Users.CreateUser(u); err != nil {
			if err == storage.ErrExists {
				return Result{Body: "That username is taken. Try LOGIN or pick another name."}
			}
			return Result{Body: "Registration failed, try again."}
		}
		sess.User = u
		sess.ResetNavigation()
		return Result{Body: fmt.Sprintf("Account created. Welcome, %s.\n%s", u.Username, h.mainMenuBody(sess))}
	default:
		return Result{Body: "Send REGISTER <name> <pass> to create an account, or LOGIN <name> <pass>."}
	}
}

// handlePendingLogin completes a login that was started by a public LOGIN
// command: the first DM after the binding prompts for a password, and the
// DM that follows carries the password itself.
func (h *Handler) handlePendingLogin(sess *Session, input string) Result {
	username := sess.PendingLoginUsername

	if !sess.PendingLoginAwaitingPassword {
		sess.PendingLoginAwaitingPassword = true
		if _, err := h.Deps.Users.Get(username); err == nil {
			return Result{Body: fmt.Sprintf("Enter the password for %s.", username)}
		}
		return Result{Body: fmt.Sprintf("%s is a new account. Send a password to set it.", username)}
	}

	password := strings.TrimSpace(input)
	sess.PendingLoginUsername = ""
	sess.PendingLoginAwaitingPassword = false

	u, err := h.Deps.Users.Get(username)
	if err != nil {
		hash, err := auth.Hash(password)
		if err != nil {
			return Result{Body: "Registration failed, try again."}
		}
		nu := &storage.User{
			Username:     username,
			NodeKey:      sess.NodeKey,
			PasswordHash: hash,
			Role:         storage.RoleUser,
		}
		if err := h.Deps.Users.CreateUser(nu); err != nil {
			return Result{Body: "Registration failed, try again."}
		}
		sess.User = nu
		sess.ResetNavigation()
		return Result{Body: fmt.Sprintf("Account created. Welcome, %s.\n%s", nu.Username, h.mainMenuBody(sess))}
	}

	ok, err := auth.Verify(u.PasswordHash, password)
	if err != nil || !ok {
		return Result{Body: "Login failed. Check your password."}
	}
	sess.User = u
	now := time.Now().UTC()
	sess.UnreadSnapshot = u.LastLoginSnapshot
	_ = h.Deps.Users.RecordCall(u.Username, storage.CallRecord{NodeKey: sess.NodeKey, ConnectTime: now})
	_ = h.Deps.Users.Upsert(u.Username, func(user *storage.User) error {
		user.NodeKey = sess.NodeKey
		user.LastLoginSnapshot = now
		return nil
	})
	sess.ResetNavigation()
	return Result{Body: fmt.Sprintf("Welcome back, %s.\n%s", u.Username, h.mainMenuBody(sess))}
}

// --- MainMenu ---

func (h *Handler) mainMenuBody(sess *Session) string {
	name := "guest"
	if sess.User != nil {
		name = sess.User.Username
	}
	return fmt.Sprintf("== %s ==\nHi %s. T)opics Q)uit H)elp", h.Deps.Config.BoardName, name)
}

func (h *Handler) handleMainMenu(sess *Session, input string) Result {
	cmd, _ := upperCmd(input)
	switch cmd {
	case "T", "M":
		sess.State = StateTopicList
		sess.Page = 0
		return Result{Body: h.renderTopicList(sess, 0)}
	case "Q", "X", "BYE":
		return Result{Body: "Goodbye.", Close: true}
	case "H", "?":
		return Result{Body: "T)opics list, Q)uit. From a topic, digits select, N)ext page, B)ack."}
	default:
		return Result{Body: h.mainMenuBody(sess)}
	}
}

// --- TopicList / SubtopicList ---

func (h *Handler) renderTopicList(sess *Session, parent int) string {
	topics := h.Deps.Topics.Children(parent)
	page := pageSlice(topics, sess.Page)
	var b strings.Builder
	if parent == 0 {
		b.WriteString("-- Topics --\n")
	} else {
		b.WriteString("-- Subtopics --\n")
	}
	if len(page) == 0 {
		b.WriteString("(none)\n")
	}
	for i, t := range page {
		b.WriteString(fmt.Sprintf("%d) %s", i+1, t.Name))
		if t.Locked {
			b.WriteString(" [locked]")
		}
		b.WriteString("\n")
	}
	b.WriteString("N)ext B)ack")
	return b.String()
}

func pageSlice[T any](items []T, page int) []T {
	start := page * PageSize
	if start >= len(items) {
		return nil
	}
	end := start + PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (h *Handler) handleTopicList(sess *Session, input string) Result {
	cmd, _ := upperCmd(input)
	switch cmd {
	case "N":
		sess.Page++
		return Result{Body: h.renderTopicList(sess, 0)}
	case "B", "M":
		sess.ResetNavigation()
		return Result{Body: h.mainMenuBody(sess)}
	case "H", "?":
		return Result{Body: "Digits select a topic. N)ext page. B)ack to menu."}
	default:
		if n, ok := parseDigit(cmd); ok {
			topics := pageSlice(h.Deps.Topics.Children(0), sess.Page)
			if n < 1 || n > len(topics) {
				return Result{Body: "No such topic. " + h.renderTopicList(sess, 0)}
			}
			t := topics[n-1]
			if h.Deps.Topics.HasChildren(t.ID) {
				sess.PushTopic(0)
				sess.CurrentTopicID = t.ID
				sess.State = StateSubtopicList
				sess.Page = 0
				return Result{Body: h.renderTopicList(sess, t.ID)}
			}
			sess.PushTopic(0)
			sess.CurrentTopicID = t.ID
			sess.State = StateThreadList
			sess.Page = 0
			sess.Filter = ""
			return Result{Body: h.renderThreadList(sess)}
		}
		return Result{Body: "Unrecognized. " + h.renderTopicList(sess, 0)}
	}
}

func (h *Handler) handleSubtopicList(sess *Session, input string) Result {
	cmd, _ := upperCmd(input)
	parent := sess.CurrentTopicID
	switch cmd {
	case "N":
		sess.Page++
		return Result{Body: h.renderTopicList(sess, parent)}
	case "B", "U":
		grandparent := sess.PopTopic()
		if grandparent == 0 && len(sess.TopicStack) == 0 {
			sess.State = StateTopicList
			sess.CurrentTopicID = 0
			sess.Page = 0
			return Result{Body: h.renderTopicList(sess, 0)}
		}
		sess.CurrentTopicID = grandparent
		sess.Page = 0
		return Result{Body: h.renderTopicList(sess, grandparent)}
	case "M":
		sess.ResetNavigation()
		return Result{Body: h.mainMenuBody(sess)}
	default:
		if n, ok := parseDigit(cmd); ok {
			children := pageSlice(h.Deps.Topics.Children(parent), sess.Page)
			if n < 1 || n > len(children) {
				return Result{Body: "No such topic. " + h.renderTopicList(sess, parent)}
			}
			t := children[n-1]
			if h.Deps.Topics.HasChildren(t.ID) {
				sess.PushTopic(parent)
				sess.CurrentTopicID = t.ID
				sess.Page = 0
				return Result{Body: h.renderTopicList(sess, t.ID)}
			}
			sess.PushTopic(parent)
			sess.CurrentTopicID = t.ID
			sess.State = StateThreadList
			sess.Page = 0
			sess.Filter = ""
			return Result{Body: h.renderThreadList(sess)}
		}
		return Result{Body: "Unrecognized. " + h.renderTopicList(sess, parent)}
	}
}

func parseDigit(s string) (int, bool) {
	if len(s) == 0 || len(s) > 2 {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// --- ThreadList ---

func (h *Handler) filteredThreads(sess *Session) []*storage.Thread {
	threads, _ := h.Deps.Threads.List(sess.CurrentTopicID)
	if sess.Filter == "" {
		return threads
	}
	needle := strings.ToLower(sess.Filter)
	var out []*storage.Thread
	for _, t := range threads {
		if strings.Contains(strings.ToLower(t.Title), needle) {
			out = append(out, t)
		}
	}
	return out
}

func (h *Handler) renderThreadList(sess *Session) string {
	threads := pageSlice(h.filteredThreads(sess), sess.Page)
	var b strings.Builder
	b.WriteString("-- Threads --\n")
	if len(threads) == 0 {
		b.WriteString("(none)\n")
	}
	for i, t := range threads {
		marker := ""
		if sess.User != nil && t.LastActivity.After(sess.UnreadSnapshot) {
			marker = "*"
		}
		pin := ""
		if t.Pinned {
			pin = "[P]"
		}
		b.WriteString(fmt.Sprintf("%d)%s%s %s (%d)\n", i+1, marker, pin, t.Title, len(t.Posts)))
	}
	b.WriteString("N)ext C)ompose F)ilter B)ack")
	return b.String()
}

func (h *Handler) handleThreadList(sess *Session, input string) Result {
	cmd, rest := upperCmd(input)
	// Moderator commands carry the thread number attached: "D3", "P3", "R3 <title>".
	if len(cmd) > 1 && strings.ContainsRune("DPR", rune(cmd[0])) {
		if _, ok := parseDigit(cmd[1:]); ok {
			rest = strings.TrimSpace(cmd[1:] + " " + rest)
			cmd = cmd[:1]
		}
	}
	switch cmd {
	case "N":
		sess.Page++
		return Result{Body: h.renderThreadList(sess)}
	case "C":
		topic, err := h.Deps.Topics.Get(sess.CurrentTopicID)
		if err != nil || topic.Locked {
			return Result{Body: "This topic is locked. " + h.renderThreadList(sess)}
		}
		if sess.User == nil || roleRank(sess.User.Role) < roleRank(topic.PostLevel) {
			return Result{Body: "You don't have permission to post here."}
		}
		sess.State = StateComposeTitle
		sess.ComposeTopicID = sess.CurrentTopicID
		return Result{Body: "New thread title (or . to cancel):"}
	case "F":
		sess.Filter = rest
		sess.Page = 0
		return Result{Body: h.renderThreadList(sess)}
	case "B":
		parent := sess.PopTopic()
		if len(sess.TopicStack) == 0 && parent == 0 {
			sess.State = StateTopicList
			sess.CurrentTopicID = 0
			sess.Page = 0
			return Result{Body: h.renderTopicList(sess, 0)}
		}
		sess.State = StateSubtopicList
		sess.CurrentTopicID = parent
		sess.Page = 0
		return Result{Body: h.renderTopicList(sess, parent)}
	case "D", "P":
		return h.handleModeratorThreadOp(sess, cmd, rest)
	case "K":
		return h.handleTopicLockToggle(sess)
	case "R":
		return h.handleRename(sess, rest)
	default:
		if n, ok := parseDigit(cmd); ok {
			threads := pageSlice(h.filteredThreads(sess), sess.Page)
			if n < 1 || n > len(threads) {
				return Result{Body: "No such thread. " + h.renderThreadList(sess)}
			}
			t := threads[n-1]
			sess.CurrentThreadID = t.ID
			sess.PostIndex = 0
			sess.State = StateRead
			return Result{Body: h.renderPost(sess, t)}
		}
		return Result{Body: "Unrecognized. " + h.renderThreadList(sess)}
	}
}

func roleRank(r storage.Role) int {
	switch r {
	case storage.RoleSysop:
		return 3
	case storage.RoleModerator:
		return 2
	default:
		return 1
	}
}

func (h *Handler) requireModerator(sess *Session) bool {
	return sess.User != nil && roleRank(sess.User.Role) >= roleRank(storage.RoleModerator)
}

func (h *Handler) handleModeratorThreadOp(sess *Session, cmd, rest string) Result {
	if !h.requireModerator(sess) {
		return Result{Body: "Moderator permission required."}
	}
	n, ok := parseDigit(strings.TrimSpace(rest))
	if !ok {
		return Result{Body: "Usage: " + cmd + "<n>"}
	}
	threads := pageSlice(h.filteredThreads(sess), sess.Page)
	if n < 1 || n > len(threads) {
		return Result{Body: "No such thread."}
	}
	t := threads[n-1]
	var action string
	var err error
	switch cmd {
	case "D":
		action = "delete-thread"
		err = h.Deps.Threads.Delete(sess.CurrentTopicID, t.ID)
	case "P":
		action = "toggle-pin"
		err = h.Deps.Threads.SetPinned(sess.CurrentTopicID, t.ID, !t.Pinned)
	}
	if err != nil {
		return Result{Body: "Operation failed."}
	}
	h.logAudit(sess, action, t.ID, "")
	return Result{Body: "Done. " + h.renderThreadList(sess)}
}

// handleTopicLockToggle implements the bare "K" command: it locks or
// unlocks the current topic itself, not any one thread within it.
func (h *Handler) handleTopicLockToggle(sess *Session) Result {
	if !h.requireModerator(sess) {
		return Result{Body: "Moderator permission required."}
	}
	topic, err := h.Deps.Topics.Get(sess.CurrentTopicID)
	if err != nil {
		return Result{Body: "Operation failed."}
	}
	if err := h.Deps.Topics.SetLocked(sess.CurrentTopicID, !topic.Locked); err != nil {
		return Result{Body: "Operation failed."}
	}
	h.logAudit(sess, "toggle-topic-lock", "", "")
	return Result{Body: "Done. " + h.renderThreadList(sess)}
}

func (h *Handler) handleRename(sess *Session, rest string) Result {
	if !h.requireModerator(sess) {
		return Result{Body: "Moderator permission required."}
	}
	parts := strings.SplitN(strings.TrimSpace(rest), " ", 2)
	if len(parts) != 2 {
		return Result{Body: "Usage: R<n> <new title>"}
	}
	n, ok := parseDigit(parts[0])
	if !ok {
		return Result{Body: "Usage: R<n> <new title>"}
	}
	threads := pageSlice(h.filteredThreads(sess), sess.Page)
	if n < 1 || n > len(threads) {
		return Result{Body: "No such thread."}
	}
	t := threads[n-1]
	title := textutil.TruncateBytes(parts[1], MaxTitleBytes)
	if err := h.Deps.Threads.Rename(sess.CurrentTopicID, t.ID, title); err != nil {
		return Result{Body: "Rename failed."}
	}
	h.logAudit(sess, "rename-thread", t.ID, title)
	return Result{Body: "Renamed. " + h.renderThreadList(sess)}
}

func (h *Handler) logAudit(sess *Session, action string, threadID, detail string) {
	actor := "unknown"
	if sess.User != nil {
		actor = sess.User.Username
	}
	_ = h.Deps.Audit.Append(storage.AuditEntry{
		Actor:    actor,
		Action:   action,
		TopicID:  sess.CurrentTopicID,
		ThreadID: threadID,
		Detail:   detail,
	})
}

// --- Read ---

func (h *Handler) renderPost(sess *Session, t *storage.Thread) string {
	if sess.PostIndex < 0 {
		sess.PostIndex = 0
	}
	if sess.PostIndex >= len(t.Posts) {
		sess.PostIndex = len(t.Posts) - 1
	}
	if len(t.Posts) == 0 {
		return fmt.Sprintf("%s\n(no posts)\nB)ack", t.Title)
	}
	p := t.Posts[sess.PostIndex]
	return fmt.Sprintf("%s [%d/%d]\n%s: %s\n+)next -)prev Y)reply B)ack",
		t.Title, sess.PostIndex+1, len(t.Posts), p.Author, p.Content)
}

func (h *Handler) handleRead(sess *Session, input string) Result {
	cmd, _ := upperCmd(input)
	t, err := h.Deps.Threads.Get(sess.CurrentTopicID, sess.CurrentThreadID)
	if err != nil {
		sess.State = StateThreadList
		return Result{Body: "Thread no longer exists. " + h.renderThreadList(sess)}
	}
	switch cmd {
	case "+", "N":
		if sess.PostIndex < len(t.Posts)-1 {
			sess.PostIndex++
		}
		return Result{Body: h.renderPost(sess, t)}
	case "-", "P":
		if sess.PostIndex > 0 {
			sess.PostIndex--
		}
		return Result{Body: h.renderPost(sess, t)}
	case "Y":
		if t.Locked {
			return Result{Body: "This thread is locked."}
		}
		if sess.User == nil {
			return Result{Body: "Login to reply."}
		}
		sess.State = StateReplyCompose
		sess.ComposeBuffer = nil
		return Result{Body: "Reply text, end with . on its own line:"}
	case "B":
		sess.State = StateThreadList
		return Result{Body: h.renderThreadList(sess)}
	default:
		return Result{Body: h.renderPost(sess, t)}
	}
}

// --- Compose ---

func (h *Handler) handleComposeTitle(sess *Session, input string) Result {
	if input == "." {
		sess.State = StateThreadList
		return Result{Body: "Cancelled. " + h.renderThreadList(sess)}
	}
	if input == "" {
		return Result{Body: "Title may not be empty. Send . to cancel."}
	}
	sess.ComposeTitleDraft = textutil.TruncateBytes(input, MaxTitleBytes)
	sess.ComposeBuffer = nil
	sess.State = StateComposeBody
	return Result{Body: "Body text, end with . on its own line:"}
}

func (h *Handler) handleComposeBody(sess *Session, input string) Result {
	if input == "." {
		if len(sess.ComposeBuffer) == 0 {
			sess.State = StateThreadList
			sess.CurrentTopicID = sess.ComposeTopicID
			return Result{Body: "Empty post cancelled. " + h.renderThreadList(sess)}
		}
		return h.finalizeNewThread(sess)
	}
	sess.ComposeBuffer = append(sess.ComposeBuffer, input)
	return Result{Body: ""}
}

func (h *Handler) finalizeNewThread(sess *Session) Result {
	content := textutil.TruncateBytes(strings.Join(sess.ComposeBuffer, "\n"), MaxBodyBytes)
	now := time.Now().UTC()
	id, err := storage.GenerateMessageID()
	if err != nil {
		return Result{Body: "Post failed, try again."}
	}
	checksum := storage.PostChecksum(strconv.Itoa(sess.ComposeTopicID), sess.User.Username, content, now)
	threadID, err := storage.GenerateMessageID()
	if err != nil {
		return Result{Body: "Post failed, try again."}
	}
	t := &storage.Thread{
		ID:           threadID,
		TopicID:      sess.ComposeTopicID,
		Title:        sess.ComposeTitleDraft,
		Author:       sess.User.Username,
		CreatedAt:    now,
		LastActivity: now,
		Posts: []storage.Post{{
			ID:        id,
			ThreadID:  threadID,
			Author:    sess.User.Username,
			Timestamp: now,
			Content:   content,
			Checksum:  &checksum,
		}},
	}
	if err := h.Deps.Threads.CreateThread(t); err != nil {
		return Result{Body: "Post failed, try again."}
	}
	sess.CurrentTopicID = sess.ComposeTopicID
	sess.State = StateThreadList
	sess.ComposeBuffer = nil
	return Result{Body: "Thread posted. " + h.renderThreadList(sess)}
}

func (h *Handler) handleReplyCompose(sess *Session, input string) Result {
	if input == "." {
		if len(sess.ComposeBuffer) == 0 {
			sess.State = StateRead
			sess.ComposeBuffer = nil
			t, err := h.Deps.Threads.Get(sess.CurrentTopicID, sess.CurrentThreadID)
			if err != nil {
				sess.State = StateThreadList
				return Result{Body: "Thread no longer exists. " + h.renderThreadList(sess)}
			}
			return Result{Body: "Cancelled. " + h.renderPost(sess, t)}
		}
		return h.finalizeReply(sess)
	}
	sess.ComposeBuffer = append(sess.ComposeBuffer, input)
	return Result{Body: ""}
}

func (h *Handler) finalizeReply(sess *Session) Result {
	content := textutil.TruncateBytes(strings.Join(sess.ComposeBuffer, "\n"), MaxBodyBytes)
	now := time.Now().UTC()
	id, err := storage.GenerateMessageID()
	if err != nil {
		return Result{Body: "Reply failed, try again."}
	}
	checksum := storage.PostChecksum(strconv.Itoa(sess.CurrentTopicID), sess.User.Username, content, now)
	p := storage.Post{
		ID:        id,
		ThreadID:  sess.CurrentThreadID,
		Author:    sess.User.Username,
		Timestamp: now,
		Content:   content,
		Checksum:  &checksum,
	}
	if err := h.Deps.Threads.AppendPost(sess.CurrentTopicID, sess.CurrentThreadID, p); err != nil {
		if err == storage.ErrLocked {
			sess.State = StateRead
			sess.ComposeBuffer = nil
			return Result{Body: "This thread is locked."}
		}
		return Result{Body: "Reply failed, try again."}
	}
	sess.State = StateRead
	sess.ComposeBuffer = nil
	t, err := h.Deps.Threads.Get(sess.CurrentTopicID, sess.CurrentThreadID)
	if err != nil {
		sess.State = StateThreadList
		return Result{Body: "Reply posted. " + h.renderThreadList(sess)}
	}
	sess.PostIndex = len(t.Posts) - 1
	return Result{Body: "Reply posted. " + h.renderPost(sess, t)}
}
