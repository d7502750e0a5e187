package main

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ManualStrategy waits for a person to solve a challenge out of band and
// supply the token through Supply. It is the last link of the chain.
type ManualStrategy struct {
	mu      sync.Mutex
	waiting map[string]*pendingChallenge
	logger  *zap.Logger
}

type pendingChallenge struct {
	kind    ChallengeKind
	pageURL string
	siteKey string
	tokens  chan string
}

// PendingChallenge is a challenge waiting on a human, as shown to operators.
type PendingChallenge struct {
	SessionID string
	Kind      ChallengeKind
	PageURL   string
	SiteKey   string
}

func NewManualStrategy(logger *zap.Logger) *ManualStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManualStrategy{
		waiting: make(map[string]*pendingChallenge),
		logger:  logger.Named("manual"),
	}
}

func (m *ManualStrategy) Name() string { return "manual" }

func (m *ManualStrategy) Supports(ChallengeKind) bool { return true }

func (m *ManualStrategy) Attempt(ctx context.Context, cc *ChallengeContext) (Resolution, error) {
	p := &pendingChallenge{
		kind:    cc.Kind,
		pageURL: cc.PageURL,
		siteKey: cc.SiteKey,
		tokens:  make(chan string, 1),
	}

	m.mu.Lock()
	m.waiting[cc.SessionID] = p
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.waiting[cc.SessionID] == p {
			delete(m.waiting, cc.SessionID)
		}
		m.mu.Unlock()
	}()

	m.logger.Warn("Challenge awaiting manual resolution",
		zap.String("session_id", cc.SessionID),
		zap.String("kind", string(cc.Kind)),
		zap.String("page_url", cc.PageURL))

	select {
	case token := <-p.tokens:
		return Resolution{Token: token, Cleared: token != ""}, nil
	case <-ctx.Done():
		return Resolution{}, fmt.Errorf("manual resolution: %w", ctx.Err())
	}
}

// Supply hands a human-obtained token to the session's waiting attempt.
func (m *ManualStrategy) Supply(sessionID, token string) error {
	m.mu.Lock()
	p, ok := m.waiting[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingChallenge, sessionID)
	}
	select {
	case p.tokens <- token:
		return nil
	default:
		return fmt.Errorf("token already supplied for %s", sessionID)
	}
}

func (m *ManualStrategy) Pending() []PendingChallenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingChallenge, 0, len(m.waiting))
	for id, p := range m.waiting {
		out = append(out, PendingChallenge{SessionID: id, Kind: p.kind, PageURL: p.pageURL, SiteKey: p.siteKey})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
