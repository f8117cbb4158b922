package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/store"
)

// Engine owns session resolution and the per-turn routing computation.
// Every session mutation runs under that session's single-writer lock, so
// sequence assignment never races and the sticky/drift counters evolve one
// turn at a time.
type Engine struct {
	store         store.Store
	rules         []Rule
	idleThreshold time.Duration
	logger        *slog.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates an engine over the given store and rule table.
func NewEngine(st store.Store, rules []Rule, idleThreshold time.Duration, logger *slog.Logger) *Engine {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Engine{
		store:         st,
		rules:         rules,
		idleThreshold: idleThreshold,
		logger:        logger.With("component", "routing"),
		locks:         make(map[string]*sessionLock),
	}
}

// Rules returns the configured rule table.
func (e *Engine) Rules() []Rule { return e.rules }

// acquire takes the single-writer lock for a session id. The registry is
// refcounted so entries for idle sessions do not accumulate.
func (e *Engine) acquire(sessionID string) *sessionLock {
	e.mu.Lock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		e.locks[sessionID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return l
}

func (e *Engine) release(sessionID string, l *sessionLock) {
	l.mu.Unlock()

	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, sessionID)
	}
	e.mu.Unlock()
}

// WithSession resolves the session for the requested id and runs fn under
// its single-writer lock. Rotation happens here: an idle session past the
// threshold gets a freshly minted id with reset sequence and sticky state,
// while the old session's log is left untouched. The (possibly new) session
// is persisted after fn returns without error.
func (e *Engine) WithSession(ctx context.Context, sessionID, userID string, now time.Time, fn func(s *models.Session, rotated bool) error) error {
	l := e.acquire(sessionID)
	defer e.release(sessionID, l)

	s, rotated, err := e.resolve(ctx, sessionID, userID, now)
	if err != nil {
		return err
	}
	if rotated {
		e.logger.Info("session rotated",
			"old_session_id", sessionID,
			"new_session_id", s.SessionID,
			"user_id", userID)
		if d, ok := e.store.(store.BufferDropper); ok {
			d.DropSessionBuffer(sessionID)
		}
	}

	if err := fn(s, rotated); err != nil {
		return err
	}

	s.LastActivityAt = now.UnixMilli()
	s.UpdatedAt = now
	if err := e.store.PutSession(ctx, s); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", s.SessionID, err)
	}
	return nil
}

// WithExistingSession runs fn under the session lock without rotation or
// creation; unknown sessions return store.ErrNotFound. Used by interact and
// provider callbacks, which address sessions that ingest already created.
func (e *Engine) WithExistingSession(ctx context.Context, sessionID string, now time.Time, fn func(s *models.Session) error) error {
	l := e.acquire(sessionID)
	defer e.release(sessionID, l)

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := fn(s); err != nil {
		return err
	}

	s.LastActivityAt = now.UnixMilli()
	s.UpdatedAt = now
	if err := e.store.PutSession(ctx, s); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", s.SessionID, err)
	}
	return nil
}

func (e *Engine) resolve(ctx context.Context, sessionID, userID string, now time.Time) (*models.Session, bool, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.newSession(sessionID, userID, now), false, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to resolve session %s: %w", sessionID, err)
	}

	idleFor := now.Sub(time.UnixMilli(s.LastActivityAt))
	if idleFor > e.idleThreshold {
		return e.newSession(newSessionID(), userID, now), true, nil
	}
	return s, false, nil
}

func (e *Engine) newSession(sessionID, userID string, now time.Time) *models.Session {
	return &models.Session{
		SessionID:      sessionID,
		UserID:         userID,
		Seq:            0,
		LastActivityAt: now.UnixMilli(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newSessionID() string {
	return "sess_" + uuid.NewString()
}

// TurnOutcome is the result of evaluating one user turn: the decision that
// goes on the timeline, the candidates that will actually run, and the
// suggestions the turn triggered.
type TurnOutcome struct {
	Decision *models.RoutingDecision
	// Selected are the candidates that passed the threshold, at most
	// MaxSelectedCandidates of them. Empty means the fallback runs.
	Selected []models.RouteCandidate
	// SwitchSuggestion is the provider id to suggest switching to, or "".
	SwitchSuggestion string
	// SuggestNewSession is set when the topic-drift streak trips.
	SuggestNewSession bool
}

// EvaluateTurn runs the full per-turn computation against the session:
// topic-drift update, sticky decay, scoring, candidate selection, and
// sticky leadership tracking. The session is mutated in place; callers hold
// its single-writer lock via WithSession.
func (e *Engine) EvaluateTurn(s *models.Session, text string) *TurnOutcome {
	// Topic drift first, against the previous turn's text.
	if s.LastUserText != "" {
		sim := jaccard(tokenise(s.LastUserText), tokenise(text))
		if sim < DriftSimilarityThreshold {
			s.TopicDriftStreak++
		} else {
			s.TopicDriftStreak = 0
		}
	}
	s.LastUserText = text

	// Sticky boost decays every turn regardless of outcome.
	s.StickyScoreBoost -= StickyBoostDecay
	if s.StickyScoreBoost < 0 {
		s.StickyScoreBoost = 0
	}

	candidates := scoreRules(e.rules, text, s.StickyProviderID, s.StickyScoreBoost)

	var selected []models.RouteCandidate
	for _, c := range candidates {
		if c.Score >= SelectionThreshold {
			selected = append(selected, c)
			if len(selected) == MaxSelectedCandidates {
				break
			}
		}
	}

	decision := &models.RoutingDecision{
		Candidates: candidates,
		Fallback:   models.FallbackNone,
	}
	if len(selected) == 0 {
		decision.Fallback = FallbackProviderID
	}
	if len(selected) >= 2 && selected[0].Score-selected[1].Score < ConfirmationMargin {
		decision.RequiresUserConfirmation = true
		selected[0].RequiresClarification = true
		selected[1].RequiresClarification = true
		for i := range decision.Candidates {
			id := decision.Candidates[i].ProviderID
			if id == selected[0].ProviderID || id == selected[1].ProviderID {
				decision.Candidates[i].RequiresClarification = true
			}
		}
	}

	outcome := &TurnOutcome{
		Decision:          decision,
		Selected:          selected,
		SuggestNewSession: s.TopicDriftStreak >= 2,
	}

	outcome.SwitchSuggestion = e.trackStickyLead(s, candidates, selected)
	return outcome
}

// trackStickyLead updates sticky ownership and the switch-lead streak,
// returning a provider id when a switch suggestion should be emitted.
func (e *Engine) trackStickyLead(s *models.Session, candidates, selected []models.RouteCandidate) string {
	// A fresh session adopts the first leading candidate as sticky.
	if s.StickyProviderID == "" {
		if len(selected) > 0 {
			s.StickyProviderID = selected[0].ProviderID
			s.StickyScoreBoost = StickyBoostDefault
		}
		return ""
	}

	if len(candidates) == 0 {
		return ""
	}

	top := candidates[0]
	if top.ProviderID == s.StickyProviderID {
		s.SwitchLeadProviderID = ""
		s.SwitchLeadStreak = 0
		return ""
	}

	stickyScore := 0.0
	for _, c := range candidates {
		if c.ProviderID == s.StickyProviderID {
			stickyScore = c.Score
			break
		}
	}

	if top.Score-stickyScore < SwitchLeadMargin {
		s.SwitchLeadProviderID = ""
		s.SwitchLeadStreak = 0
		return ""
	}

	if s.SwitchLeadProviderID == top.ProviderID {
		s.SwitchLeadStreak++
	} else {
		s.SwitchLeadProviderID = top.ProviderID
		s.SwitchLeadStreak = 1
	}

	if s.SwitchLeadStreak >= 2 {
		return top.ProviderID
	}
	return ""
}

// ApplySwitch handles an explicit switch_provider interaction: the chosen
// provider becomes sticky with the default boost and the lead signal is
// cleared.
func (e *Engine) ApplySwitch(s *models.Session, providerID string, now time.Time) {
	s.StickyProviderID = providerID
	s.StickyScoreBoost = StickyBoostDefault
	s.SwitchLeadProviderID = ""
	s.SwitchLeadStreak = 0
	s.LastSwitchTs = now.UnixMilli()
}
