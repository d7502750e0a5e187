package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// EngineDeps are the collaborators an Engine is assembled from.
type EngineDeps struct {
	Pool       *IdentityPool
	Chain      *ResolverChain
	Manual     *ManualStrategy
	Factory    ClientFactory
	Supervisor *Supervisor
	Store      RecordStore
	Logger     *zap.Logger
}

type sessionEntry struct {
	hs        *Handshake
	transport *Transport

	mu         sync.Mutex
	released   bool
	supervised bool
}

// Engine is the caller-facing control surface. Every error it returns is an
// *EngineError; use KindOf to read its classification.
type Engine struct {
	cfg        *Config
	pool       *IdentityPool
	chain      *ResolverChain
	manual     *ManualStrategy
	factory    ClientFactory
	supervisor *Supervisor
	store      RecordStore
	collector  Collector
	workers    *semaphore.Weighted
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*sessionEntry

	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

func NewEngine(cfg *Config, deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := deps.Store
	if store == nil {
		store = NopStore{}
	}
	factory := deps.Factory
	if factory == nil {
		var tlsLogger tls_client.Logger = newTLSLogger(logger)
		timeout := cfg.Transport.TimeoutSeconds
		factory = func(id *Identity) (tls_client.HttpClient, error) {
			return NewClientForIdentity(tlsLogger, id, timeout)
		}
	}
	workers := cfg.Engine.HandshakeWorkers
	if workers <= 0 {
		workers = 4
	}

	e := &Engine{
		cfg:        cfg,
		pool:       deps.Pool,
		chain:      deps.Chain,
		manual:     deps.Manual,
		factory:    factory,
		supervisor: deps.Supervisor,
		store:      store,
		collector: Collector{
			Limit:  cfg.Engine.FanOutLimit,
			Policy: cfg.Transport.RetryPolicy(),
			Logger: logger,
		},
		workers: semaphore.NewWeighted(int64(workers)),
		logger:  logger.Named("engine"),
		now:     time.Now,
		entries: make(map[string]*sessionEntry),
	}

	if e.supervisor != nil {
		e.supervisor.OnSessionEnd(e.sessionEnded)
	}
	if cfg.Engine.SweepInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		e.stopSweep = cancel
		e.sweepDone = make(chan struct{})
		go e.sweep(ctx, cfg.Engine.SweepInterval)
	}
	return e
}

func (e *Engine) entry(sessionID string) (*sessionEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return en, nil
}

// work runs fn on one of the handshake workers, bounded by the handshake's
// expiry so a wait for a code or a human cannot outlive it.
func (e *Engine) work(ctx context.Context, en *sessionEntry, fn func(ctx context.Context) (HandshakeState, error)) (HandshakeState, error) {
	ctx, cancel := context.WithDeadline(ctx, en.hs.Deadline())
	defer cancel()
	if err := e.workers.Acquire(ctx, 1); err != nil {
		if en.hs.Expire() {
			e.settle(en)
			return StateExpired, newEngineError(KindExpired, "", 0, ErrSessionExpired)
		}
		return en.hs.Snapshot().State, classified("", err)
	}
	defer e.workers.Release(1)

	state, err := fn(ctx)
	e.settle(en)
	return state, classified("", err)
}

// settle gives up the identity of a handshake that can no longer use it.
func (e *Engine) settle(en *sessionEntry) {
	state := en.hs.Snapshot().State
	if state != StateFailed && state != StateExpired {
		return
	}
	e.retire(en)
}

// retire closes the session's transport and gives its identity back exactly
// once: quarantined when the identity was implicated in a failure, released
// otherwise.
func (e *Engine) retire(en *sessionEntry) {
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.released {
		return
	}
	en.released = true

	id := en.transport.Close()
	snap := en.hs.Snapshot()
	if snap.State == StateFailed && en.hs.Implicated() {
		_ = e.pool.Quarantine(id.ID, snap.LastError)
		return
	}
	_ = e.pool.Release(id.ID)
}

func (e *Engine) remove(sessionID string) *sessionEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[sessionID]
	if !ok {
		return nil
	}
	delete(e.entries, sessionID)
	return en
}

// sessionEnded hears about supervised sessions the supervisor ended on its
// own: lifetime reached, browser gone or shutdown.
func (e *Engine) sessionEnded(sessionID string, _ *Identity, reason EndReason) {
	en := e.remove(sessionID)
	if en == nil {
		return
	}
	e.logger.Info("Supervised session ended",
		zap.String("session_id", sessionID),
		zap.String("reason", string(reason)))
	en.hs.Revoke("browser session " + string(reason))
	e.retire(en)
}

func (e *Engine) persist(rec HandshakeSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.UpsertHandshake(ctx, rec); err != nil {
		e.logger.Warn("Failed to persist handshake", zap.String("session_id", rec.ID), zap.Error(err))
	}
}

// StartHandshake checks out an identity of the given kind and requests a
// one-time code for account. With identity.fallback_direct set, an exhausted
// kind falls back to a direct identity. The session id is returned even when
// the request fails, so the caller can inspect the session.
func (e *Engine) StartHandshake(ctx context.Context, kind IdentityKind, account string) (string, error) {
	if err := e.workers.Acquire(ctx, 1); err != nil {
		return "", classified("start", err)
	}
	defer e.workers.Release(1)

	identity, err := e.pool.Checkout(kind)
	if errors.Is(err, ErrNoIdentityAvailable) && e.cfg.Identity.FallbackDirect && kind != KindDirect {
		e.logger.Warn("No identity of requested kind, falling back to direct",
			zap.String("kind", string(kind)))
		identity, err = e.pool.Checkout(KindDirect)
	}
	if err != nil {
		return "", classified("start", err)
	}
	transport, err := NewTransport(identity, e.cfg.Endpoint, e.factory,
		WithRotator(e.pool),
		WithMinInterval(e.cfg.Transport.MinInterval),
		WithTransportLogger(e.logger))
	if err != nil {
		_ = e.pool.Release(identity.ID)
		return "", newEngineError(KindFatal, "start", 0, err)
	}

	sessionID := uuid.NewString()
	hs := NewHandshake(sessionID, account, transport, e.chain, e.cfg.Handshake, e.cfg.Transport.RetryPolicy(), e.logger)
	hs.OnTransition(e.persist)
	e.persist(hs.Snapshot())
	en := &sessionEntry{hs: hs, transport: transport}

	e.mu.Lock()
	e.entries[sessionID] = en
	e.mu.Unlock()

	e.logger.Info("Handshake started",
		zap.String("session_id", sessionID),
		zap.String("kind", string(kind)),
		zap.String("identity", identity.ID))

	ctx, cancel := context.WithDeadline(ctx, hs.Deadline())
	defer cancel()
	_, err = hs.Begin(ctx)
	e.settle(en)
	return sessionID, classified("request_code", err)
}

func (e *Engine) SubmitCode(ctx context.Context, sessionID, code string) (HandshakeState, error) {
	en, err := e.entry(sessionID)
	if err != nil {
		return "", classified("verify_code", err)
	}
	return e.work(ctx, en, func(ctx context.Context) (HandshakeState, error) {
		return en.hs.SubmitCode(ctx, code)
	})
}

func (e *Engine) SelectEntity(ctx context.Context, sessionID, entityID string) (HandshakeState, error) {
	en, err := e.entry(sessionID)
	if err != nil {
		return "", classified("select_entity", err)
	}
	return e.work(ctx, en, func(ctx context.Context) (HandshakeState, error) {
		return en.hs.SelectEntity(ctx, entityID)
	})
}

// Status returns the session's latest snapshot without waiting for a
// transition in flight.
func (e *Engine) Status(sessionID string) (HandshakeSession, error) {
	en, err := e.entry(sessionID)
	if err != nil {
		return HandshakeSession{}, classified("status", err)
	}
	return en.hs.Snapshot(), nil
}

// Close forgets the session and gives its identity back. A supervised
// session's browser is closed too.
func (e *Engine) Close(sessionID string) error {
	en := e.remove(sessionID)
	if en == nil {
		return classified("close", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}
	en.hs.Revoke("session closed")

	var err error
	en.mu.Lock()
	supervised := en.supervised
	en.mu.Unlock()
	if supervised {
		if cerr := e.supervisor.Close(sessionID); cerr != nil && !errors.Is(cerr, ErrSessionNotFound) {
			err = classified("close", cerr)
		}
	}
	e.retire(en)
	e.logger.Info("Session closed", zap.String("session_id", sessionID))
	return err
}

func (e *Engine) credentials(sessionID, step string) (*sessionEntry, *Credentials, error) {
	en, err := e.entry(sessionID)
	if err != nil {
		return nil, nil, classified(step, err)
	}
	en.mu.Lock()
	released := en.released
	en.mu.Unlock()
	if released {
		return nil, nil, newEngineError(KindRejected, step, 0, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID))
	}
	creds := en.hs.Credentials()
	if creds == nil {
		return nil, nil, newEngineError(KindRejected, step, 0,
			fmt.Errorf("%w: session is %s", ErrInvalidTransition, en.hs.Snapshot().State))
	}
	return en, creds, nil
}

// Collect runs specs concurrently against an authenticated session. Nil
// specs run DefaultTaskSpecs. The newest anti-forgery token seen is
// published to the session once every task has finished.
func (e *Engine) Collect(ctx context.Context, sessionID string, specs []TaskSpec) (MergedResult, error) {
	en, creds, err := e.credentials(sessionID, "collect")
	if err != nil {
		return MergedResult{}, err
	}
	if specs == nil {
		specs = DefaultTaskSpecs(e.now())
	}
	merged, err := e.collector.Collect(ctx, sessionID, en.transport, creds.RequestContext(), specs)
	if err != nil {
		return MergedResult{}, classified("collect", err)
	}
	en.hs.PublishCSRF(merged.CSRF)
	return merged, nil
}

// MultiResult aggregates collections across sessions. Summary only sums
// sessions whose collection ran; Errors names those that could not.
type MultiResult struct {
	Sessions map[string]MergedResult
	Errors   map[string]string
	Summary  map[string]float64
}

// CollectMany collects the same specs from several sessions at once.
func (e *Engine) CollectMany(ctx context.Context, sessionIDs []string, specs []TaskSpec) MultiResult {
	type one struct {
		id     string
		result MergedResult
		err    error
	}
	results := fanOut(ctx, e.cfg.Engine.FanOutLimit, sessionIDs, func(ctx context.Context, id string) one {
		r, err := e.Collect(ctx, id, specs)
		return one{id: id, result: r, err: err}
	})

	multi := MultiResult{
		Sessions: make(map[string]MergedResult),
		Errors:   make(map[string]string),
		Summary:  make(map[string]float64),
	}
	for _, r := range results {
		if r.err != nil {
			multi.Errors[r.id] = r.err.Error()
			continue
		}
		multi.Sessions[r.id] = r.result
		for k, v := range r.result.Summary {
			multi.Summary[k] += v
		}
	}
	return multi
}

// Supervise promotes an authenticated session to a supervised browser
// session. The identity stays with the engine; the supervisor reports when
// the browser session ends and the entry is retired then.
func (e *Engine) Supervise(ctx context.Context, sessionID string) error {
	if e.supervisor == nil {
		return newEngineError(KindFatal, "supervise", 0, errors.New("no supervisor configured"))
	}
	en, creds, err := e.credentials(sessionID, "supervise")
	if err != nil {
		return err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.supervised {
		return nil
	}
	if en.released {
		return newEngineError(KindRejected, "supervise", 0, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID))
	}
	if err := e.supervisor.Register(ctx, sessionID, en.hs.Identity(), creds); err != nil {
		return classified("supervise", err)
	}
	en.supervised = true
	return nil
}

// Navigate drives a supervised session's browser to url.
func (e *Engine) Navigate(ctx context.Context, sessionID, url string) error {
	if e.supervisor == nil {
		return newEngineError(KindFatal, "navigate", 0, errors.New("no supervisor configured"))
	}
	return classified("navigate", e.supervisor.Navigate(ctx, sessionID, url))
}

// SupplyChallengeToken hands a human-solved challenge token to a session
// waiting on manual resolution.
func (e *Engine) SupplyChallengeToken(sessionID, token string) error {
	if e.manual == nil {
		return classified("challenge", fmt.Errorf("%w: manual resolution disabled", ErrNoPendingChallenge))
	}
	return classified("challenge", e.manual.Supply(sessionID, token))
}

// PendingChallenges lists sessions waiting on a human.
func (e *Engine) PendingChallenges() []PendingChallenge {
	if e.manual == nil {
		return nil
	}
	return e.manual.Pending()
}

// Sessions lists the snapshots of every known session, oldest first.
func (e *Engine) Sessions() []HandshakeSession {
	e.mu.RLock()
	out := make([]HandshakeSession, 0, len(e.entries))
	for _, en := range e.entries {
		out = append(out, en.hs.Snapshot())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Login drives a whole handshake: code request, code entry from codes
// (asking again after a wrong code), and entity selection through selector.
func (e *Engine) Login(ctx context.Context, kind IdentityKind, account string, codes CodeSource, selector EntitySelector) (HandshakeSession, error) {
	if selector == nil {
		selector = FirstEntity
	}
	sessionID, err := e.StartHandshake(ctx, kind, account)
	if err != nil {
		return e.statusOr(sessionID), err
	}
	en, err := e.entry(sessionID)
	if err != nil {
		return HandshakeSession{}, classified("login", err)
	}

	for {
		snap := en.hs.Snapshot()
		switch snap.State {
		case StateAuthenticated:
			return snap, nil
		case StateExpired:
			return snap, newEngineError(KindExpired, "login", 0, ErrSessionExpired)
		case StateFailed:
			return snap, newEngineError(KindRejected, "login", 0, errors.New(snap.LastError))
		case StateCodePending:
			codeCtx, cancel := context.WithDeadline(ctx, en.hs.Deadline())
			code, cerr := codes.Code(codeCtx, sessionID, account)
			cancel()
			if cerr != nil {
				if en.hs.Expire() {
					e.settle(en)
					return en.hs.Snapshot(), newEngineError(KindExpired, "verify_code", 0, ErrSessionExpired)
				}
				return en.hs.Snapshot(), classified("verify_code", cerr)
			}
			if _, err := e.SubmitCode(ctx, sessionID, code); err != nil {
				if KindOf(err) == KindRejected && en.hs.Snapshot().State == StateCodePending {
					e.logger.Warn("Code rejected, asking again", zap.String("session_id", sessionID))
					continue
				}
				return en.hs.Snapshot(), err
			}
		case StateSelectionPending:
			entityID, serr := selector(snap.Entities)
			if serr != nil {
				return snap, newEngineError(KindRejected, "select_entity", 0, serr)
			}
			if _, err := e.SelectEntity(ctx, sessionID, entityID); err != nil {
				return en.hs.Snapshot(), err
			}
		default:
			return snap, newEngineError(KindFatal, "login", 0,
				fmt.Errorf("%w: stalled in %s", ErrInvalidTransition, snap.State))
		}
	}
}

func (e *Engine) statusOr(sessionID string) HandshakeSession {
	if sessionID == "" {
		return HandshakeSession{}
	}
	snap, _ := e.Status(sessionID)
	return snap
}

// sweep expires handshakes that outlived their budget and are not
// mid-transition, then forgets them. Failed sessions are forgotten once
// their deadline passes, so Status can still explain a fresh failure.
func (e *Engine) sweep(ctx context.Context, interval time.Duration) {
	defer close(e.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.mu.RLock()
		live := make([]*sessionEntry, 0, len(e.entries))
		for _, en := range e.entries {
			live = append(live, en)
		}
		e.mu.RUnlock()

		now := e.now()
		for _, en := range live {
			expired, _ := en.hs.TryExpire()
			if !expired {
				snap := en.hs.Snapshot()
				if snap.State != StateFailed || now.Before(en.hs.Deadline()) {
					continue
				}
			}
			e.settle(en)
			e.mu.Lock()
			if e.entries[en.hs.ID()] == en {
				delete(e.entries, en.hs.ID())
			}
			e.mu.Unlock()
		}
	}
}

// Shutdown stops the sweeper, closes supervised sessions and releases every
// identity still held.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.stopSweep != nil {
		e.stopSweep()
		<-e.sweepDone
	}
	var err error
	if e.supervisor != nil {
		err = e.supervisor.Shutdown(ctx)
	}

	e.mu.Lock()
	entries := e.entries
	e.entries = make(map[string]*sessionEntry)
	e.mu.Unlock()
	for _, en := range entries {
		en.hs.Revoke("engine shut down")
		e.retire(en)
	}
	return err
}
