package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/troika/troika/internal/common/errors"
	"github.com/troika/troika/internal/common/logger"
)

// Mode is the resume decision for one invocation.
type Mode string

const (
	ModeNew            Mode = "new"
	ModeResumeExplicit Mode = "resume_explicit"
	ModeResumeStore    Mode = "resume_store"
)

// IsResume reports whether the mode continues an existing session.
func (m Mode) IsResume() bool { return m != ModeNew }

// WarnMissingConversationID is emitted when no conversation id scopes the key.
const WarnMissingConversationID = "missing conversation_id: auto-resume may span top-level chats"

// WarnSessionReset is emitted when a stale session was evicted and replaced
// in-band.
const WarnSessionReset = "session_reset"

// BeginRequest describes the invocation the coordinator must plan for.
type BeginRequest struct {
	RepoRoot       string
	RoleID         string
	ModelID        string
	Client         string
	ConversationID string

	// SessionKey overrides the computed scope key.
	SessionKey string
	// SessionID is the caller-supplied explicit resume target.
	SessionID       string
	ForceNewSession bool

	BackendID string
	// SupportsSession is false for stateless backends.
	SupportsSession bool
	// PersonaPrompt is injected ahead of the user prompt on new sessions.
	PersonaPrompt string
}

// Plan is the coordinator's decision for one invocation.
type Plan struct {
	ScopeKey        string
	Mode            Mode
	SessionID       string
	HistoryResume   bool
	PersonaInjected bool
	Warnings        []string
}

// Lease couples a plan with the held scope lock. Exactly one of Complete or
// Abort must be called.
type Lease struct {
	Plan Plan

	coord      *Coordinator
	req        BeginRequest
	release    func()
	resumeSlot bool
	finished   bool
}

// Coordinator owns per-scope exclusion and the resume/new decision.
type Coordinator struct {
	store  *Store
	locks  *Locks
	resume *resumeGuard
	logger *logger.Logger
}

// NewCoordinator creates a coordinator over the store.
func NewCoordinator(store *Store, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		locks:  NewLocks(),
		resume: newResumeGuard(),
		logger: log.WithFields(zap.String("component", "session-coordinator")),
	}
}

// ComputeScopeKey derives the scope key for session continuity.
func ComputeScopeKey(repoRoot, roleID, modelID, client, conversationID string) string {
	h := sha256.New()
	for i, part := range []string{repoRoot, roleID, modelID, orDash(client), orDash(conversationID)} {
		if i > 0 {
			h.Write([]byte("\n"))
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// Begin acquires the scope lock and decides the invocation mode. The lock is
// held until the lease is completed or aborted.
func (c *Coordinator) Begin(ctx context.Context, req BeginRequest) (*Lease, error) {
	plan := Plan{ScopeKey: req.SessionKey}
	if plan.ScopeKey == "" {
		plan.ScopeKey = ComputeScopeKey(req.RepoRoot, req.RoleID, req.ModelID, req.Client, req.ConversationID)
	}
	if strings.TrimSpace(req.ConversationID) == "" && req.SessionKey == "" {
		plan.Warnings = append(plan.Warnings, WarnMissingConversationID)
	}

	release, err := c.locks.Acquire(ctx, plan.ScopeKey)
	if err != nil {
		return nil, errors.Cancelled("cancelled while waiting for session lock")
	}

	lease := &Lease{coord: c, req: req, release: release}

	rec, hasRec, err := c.store.Get(plan.ScopeKey)
	if err != nil {
		release()
		return nil, errors.Wrap(err, "failed to read session store")
	}

	explicitID := strings.TrimSpace(req.SessionID)
	switch {
	case req.ForceNewSession:
		plan.Mode = ModeNew
		if explicitID != "" {
			plan.Warnings = append(plan.Warnings, "force_new_session discards provided session_id")
		}
	case explicitID != "":
		plan.Mode = ModeResumeExplicit
		plan.SessionID = explicitID
	case hasRec && rec.Backend == req.BackendID && strings.TrimSpace(rec.SessionID) != "":
		plan.Mode = ModeResumeStore
		plan.SessionID = rec.SessionID
	case hasRec && rec.Backend == req.BackendID && !req.SupportsSession && rec.HasHistory:
		plan.Mode = ModeResumeStore
		plan.HistoryResume = true
	default:
		plan.Mode = ModeNew
	}

	if plan.Mode.IsResume() && !req.SupportsSession {
		holder, ok := c.resume.tryBegin(req.BackendID, req.RepoRoot, req.RoleID)
		if !ok {
			release()
			return nil, errors.ParallelResumeConflict(
				"backend " + req.BackendID + " is already resuming for role " + holder +
					"; pass force_new_session to run concurrently")
		}
		lease.resumeSlot = true
	}

	plan.PersonaInjected = plan.Mode == ModeNew && strings.TrimSpace(req.PersonaPrompt) != ""
	lease.Plan = plan
	return lease, nil
}

// Downgrade switches a resume lease to a fresh session after the backend
// rejected the stored id. The stale record is evicted and a session_reset
// warning recorded.
func (l *Lease) Downgrade() error {
	if err := l.coord.store.Remove(l.Plan.ScopeKey); err != nil {
		return errors.Wrap(err, "failed to evict stale session")
	}
	l.Plan.Mode = ModeNew
	l.Plan.SessionID = ""
	l.Plan.HistoryResume = false
	l.Plan.PersonaInjected = strings.TrimSpace(l.req.PersonaPrompt) != ""
	l.Plan.Warnings = append(l.Plan.Warnings, WarnSessionReset)
	return nil
}

// Complete records a successful invocation and releases the scope lock.
func (l *Lease) Complete(backendSessionID string) error {
	return l.CompleteWithBackend(l.req.BackendID, backendSessionID)
}

// CompleteWithBackend records success under a different backend id, used when
// a model fallback crossed backends.
func (l *Lease) CompleteWithBackend(backendID, backendSessionID string) error {
	if l.finished {
		return nil
	}
	l.finished = true
	defer l.unlock()

	rec := Record{
		Backend:    backendID,
		Role:       l.req.RoleID,
		SessionID:  backendSessionID,
		HasHistory: true,
		LastUpdate: time.Now().UTC(),
	}
	if err := l.coord.store.Put(l.Plan.ScopeKey, rec); err != nil {
		return errors.Wrap(err, "failed to persist session")
	}
	return nil
}

// Abort releases the scope lock without touching the store. Used on failure
// and cancellation: state is updated only on success.
func (l *Lease) Abort() {
	if l.finished {
		return
	}
	l.finished = true
	l.unlock()
}

func (l *Lease) unlock() {
	if l.resumeSlot {
		l.coord.resume.end(l.req.BackendID, l.req.RepoRoot)
		l.resumeSlot = false
	}
	l.release()
}
