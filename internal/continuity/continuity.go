// Package continuity decides which thread a session attaches to and keeps
// that choice across restarts.
package continuity

import (
	"context"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/storage"
	"github.com/HyphaGroup/tether/internal/validation"
)

// Storage keys and the URL query parameter carrying the thread id
const (
	ThreadsKey      = "thread-storage"
	ActiveThreadKey = "active-thread-id"
	SessionKey      = "session-id"
	ResumePrefix    = "resume-token:"
	QueryParam      = "threadId"
)

// Option configures a Tracker
type Option func(*Tracker)

// WithIDGenerator overrides how new thread and session ids are minted
func WithIDGenerator(fn func() string) Option {
	return func(t *Tracker) { t.newID = fn }
}

// Tracker persists the per-agent last thread map, the active thread pointer,
// the session id and per-thread resume tokens. Each write replaces a whole
// value; concurrent writers are last-writer-wins.
type Tracker struct {
	kv    storage.KV
	mu    sync.Mutex
	newID func() string
}

// NewTracker creates a Tracker over kv
func NewTracker(kv storage.KV, opts ...Option) *Tracker {
	t := &Tracker{
		kv:    kv,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Resolve picks the thread to attach to: the threadId query parameter, then
// the agent's last thread, then the active thread when no agent is selected,
// then a new id. The result becomes the agent's last thread and the active
// thread.
func (t *Tracker) Resolve(ctx context.Context, agentID string, query url.Values) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	threadID := query.Get(QueryParam)
	source := "query"
	if threadID != "" {
		if err := validation.ValidateThreadID(threadID); err != nil {
			logger.WarnContext(ctx, "ignoring thread id from query", "error", err)
			threadID = ""
		}
	}

	if threadID == "" && agentID != "" {
		threadID = t.threads(ctx)[agentID]
		source = "agent"
	}
	if threadID == "" && agentID == "" {
		threadID = storage.GetString(ctx, t.kv, ActiveThreadKey, "")
		source = "active"
	}
	if threadID == "" {
		threadID = t.newID()
		source = "new"
	}

	logger.WithContext(logger.WithThread(ctx, threadID)).Debug("thread resolved", "agent_id", agentID, "source", source)
	t.record(ctx, agentID, threadID)
	return threadID
}

// SwitchAgent returns the agent's own last thread, or a new one
func (t *Tracker) SwitchAgent(ctx context.Context, agentID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	threadID := t.threads(ctx)[agentID]
	if threadID == "" {
		threadID = t.newID()
	}
	t.record(ctx, agentID, threadID)
	return threadID
}

// NewThread mints a thread for the agent and makes it active
func (t *Tracker) NewThread(ctx context.Context, agentID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	threadID := t.newID()
	t.record(ctx, agentID, threadID)
	return threadID
}

// Active returns the persisted active thread, or "" when none
func (t *Tracker) Active(ctx context.Context) string {
	return storage.GetString(ctx, t.kv, ActiveThreadKey, "")
}

// Threads returns the agent -> last thread map
func (t *Tracker) Threads(ctx context.Context) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threads(ctx)
}

func (t *Tracker) threads(ctx context.Context) map[string]string {
	m := storage.LoadJSON(ctx, t.kv, ThreadsKey, map[string]string{})
	if m == nil {
		m = map[string]string{}
	}
	return m
}

// record writes the agent map and the active pointer. Failures are logged;
// the in-process choice still stands.
func (t *Tracker) record(ctx context.Context, agentID, threadID string) {
	if agentID != "" {
		threads := t.threads(ctx)
		if threads[agentID] != threadID {
			threads[agentID] = threadID
			if err := storage.SaveJSON(ctx, t.kv, ThreadsKey, threads); err != nil {
				logger.WarnContext(ctx, "failed to persist agent thread", "agent_id", agentID, "error", err)
			}
		}
	}
	if err := t.kv.Set(ctx, ActiveThreadKey, threadID); err != nil {
		logger.WarnContext(ctx, "failed to persist active thread", "thread_id", threadID, "error", err)
	}
}

// Locate returns a copy of u whose query carries threadID, so reloading the
// location resumes the same thread
func Locate(u *url.URL, threadID string) *url.URL {
	out := *u
	q := out.Query()
	q.Set(QueryParam, threadID)
	out.RawQuery = q.Encode()
	return &out
}

// SessionID returns the persisted session id, minting it on first use
func (t *Tracker) SessionID(ctx context.Context) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id := storage.GetString(ctx, t.kv, SessionKey, ""); id != "" {
		return id
	}
	id := t.newID()
	if err := t.kv.Set(ctx, SessionKey, id); err != nil {
		logger.WarnContext(ctx, "failed to persist session id", "error", err)
	}
	return id
}

// ResumeToken returns the last applied event index for threadID
func (t *Tracker) ResumeToken(ctx context.Context, threadID string) (int, bool) {
	raw := storage.GetString(ctx, t.kv, ResumePrefix+threadID, "")
	if raw == "" {
		return 0, false
	}
	index, err := strconv.Atoi(raw)
	if err != nil {
		logger.WarnContext(ctx, "ignoring corrupt resume token", "thread_id", threadID, "value", raw)
		return 0, false
	}
	return index, true
}

// SaveResumeToken records the last applied event index for threadID
func (t *Tracker) SaveResumeToken(ctx context.Context, threadID string, index int) error {
	if err := validation.ValidateThreadID(threadID); err != nil {
		return err
	}
	return t.kv.Set(ctx, ResumePrefix+threadID, strconv.Itoa(index))
}

// ClearResumeToken forgets the resume point for threadID
func (t *Tracker) ClearResumeToken(ctx context.Context, threadID string) error {
	return t.kv.Delete(ctx, ResumePrefix+threadID)
}
