package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"go.uber.org/zap"
)

// HandshakeState is a node of the login state machine.
type HandshakeState string

const (
	StateInit             HandshakeState = "INIT"
	StateChallengeSent    HandshakeState = "CHALLENGE_SENT"
	StateCodePending      HandshakeState = "CODE_PENDING"
	StateCodeVerified     HandshakeState = "CODE_VERIFIED"
	StateSelectionPending HandshakeState = "SELECTION_PENDING"
	StateAuthenticated    HandshakeState = "AUTHENTICATED"
	StateFailed           HandshakeState = "FAILED"
	StateExpired          HandshakeState = "EXPIRED"
)

// Terminal reports whether no further transition can leave s.
func (s HandshakeState) Terminal() bool {
	return s == StateAuthenticated || s == StateFailed || s == StateExpired
}

// rank orders the forward path so re-deliveries can be recognised.
func (s HandshakeState) rank() int {
	switch s {
	case StateInit:
		return 0
	case StateChallengeSent:
		return 1
	case StateCodePending:
		return 2
	case StateCodeVerified:
		return 3
	case StateSelectionPending:
		return 4
	case StateAuthenticated:
		return 5
	}
	return -1
}

// Entity is a sub-entity (group, workspace) an account may act as.
type Entity struct {
	ID         string
	Name       string
	Attributes map[string]any
}

// HandshakeSession is a point-in-time view of a handshake.
type HandshakeSession struct {
	ID               string
	Account          string
	State            HandshakeState
	IdentityRef      string
	CSRF             string
	Bearer           string
	Refresh          string
	CreatedAt        time.Time
	LastTransitionAt time.Time
	AttemptCount     int
	CodeAttempts     int
	Entities         []Entity
	SelectedEntity   string
	LastError        string
}

// Credentials is the authenticated material fan-out tasks read. It is
// replaced, never modified, once published.
type Credentials struct {
	SessionID  string
	IdentityID string
	Bearer     string
	Refresh    string
	CSRF       string
	Entity     string
	Cookies    map[string]string
	IssuedAt   time.Time
}

// RequestContext rebuilds the per-call context the credentials describe.
func (c *Credentials) RequestContext() RequestContext {
	return RequestContext{}.
		WithCookies(c.Cookies).
		WithCSRF(c.CSRF).
		WithBearer(c.Bearer).
		WithRefresh(c.Refresh)
}

// Handshake drives one login through the state machine. Transitions hold the
// handshake's mutex for their whole duration, so they run strictly in order;
// Snapshot and Credentials never block on a transition in flight.
type Handshake struct {
	mu        sync.Mutex
	rec       HandshakeSession
	rc        RequestContext
	codeToken string
	lastCode  string

	implicated atomic.Bool

	transport *Transport
	chain     *ResolverChain
	cfg       HandshakeConfig
	policy    RetryPolicy
	now       func() time.Time
	logger    *zap.Logger

	snap  atomic.Pointer[HandshakeSession]
	creds atomic.Pointer[Credentials]

	onTransition func(HandshakeSession)
}

func NewHandshake(id, account string, transport *Transport, chain *ResolverChain, cfg HandshakeConfig, policy RetryPolicy, logger *zap.Logger) *Handshake {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = 3
	}
	if cfg.MaxChallengeRounds <= 0 {
		cfg.MaxChallengeRounds = 3
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 240 * time.Second
	}
	h := &Handshake{
		transport: transport,
		chain:     chain,
		cfg:       cfg,
		policy:    policy,
		now:       time.Now,
		logger:    logger.Named("handshake").With(zap.String("session_id", id)),
	}
	now := h.now()
	h.rec = HandshakeSession{
		ID:               id,
		Account:          account,
		State:            StateInit,
		IdentityRef:      transport.Identity().ID,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	h.publish()
	return h
}

// OnTransition registers fn to receive every new snapshot. It must be set
// before the first transition.
func (h *Handshake) OnTransition(fn func(HandshakeSession)) {
	h.onTransition = fn
}

func (h *Handshake) ID() string { return h.rec.ID }

// Snapshot returns the latest published view.
func (h *Handshake) Snapshot() HandshakeSession {
	return *h.snap.Load()
}

// Credentials returns the published credentials, nil before AUTHENTICATED.
func (h *Handshake) Credentials() *Credentials {
	return h.creds.Load()
}

// Implicated reports whether the identity itself was blamed for a failure.
func (h *Handshake) Implicated() bool {
	return h.implicated.Load()
}

// Identity is the identity currently carrying the handshake.
func (h *Handshake) Identity() *Identity {
	return h.transport.Identity()
}

// PublishCSRF replaces the published credentials with a copy carrying token.
func (h *Handshake) PublishCSRF(token string) {
	if token == "" {
		return
	}
	for {
		cur := h.creds.Load()
		if cur == nil || cur.CSRF == token {
			return
		}
		next := *cur
		next.CSRF = token
		if h.creds.CompareAndSwap(cur, &next) {
			return
		}
	}
}

func (h *Handshake) publish() {
	rec := h.rec
	rec.Entities = append([]Entity(nil), h.rec.Entities...)
	rec.CSRF = h.rc.CSRF()
	rec.Bearer = h.rc.Bearer()
	rec.Refresh = h.rc.Refresh()
	rec.IdentityRef = h.transport.Identity().ID
	h.snap.Store(&rec)
	if h.onTransition != nil {
		h.onTransition(rec)
	}
}

func (h *Handshake) transition(to HandshakeState) {
	from := h.rec.State
	h.rec.State = to
	h.rec.LastTransitionAt = h.now()
	h.logger.Info("Handshake transition", zap.String("from", string(from)), zap.String("to", string(to)))
	h.publish()
}

func (h *Handshake) fail(err error) error {
	h.rec.LastError = err.Error()
	h.transition(StateFailed)
	return err
}

// expiredLocked moves a handshake that has outlived its budget to EXPIRED.
func (h *Handshake) expiredLocked() bool {
	if h.rec.State == StateExpired {
		return true
	}
	if h.rec.State.Terminal() {
		return false
	}
	if h.now().Sub(h.rec.CreatedAt) < h.cfg.Expiry {
		return false
	}
	h.rec.LastError = ErrSessionExpired.Error()
	h.transition(StateExpired)
	return true
}

// Expire applies the wall-clock budget and reports whether the handshake is
// now EXPIRED. It waits for any transition in flight.
func (h *Handshake) Expire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expiredLocked()
}

// TryExpire is Expire for sweepers: it skips a handshake that is mid-transition.
func (h *Handshake) TryExpire() (expired, checked bool) {
	if !h.mu.TryLock() {
		return false, false
	}
	defer h.mu.Unlock()
	return h.expiredLocked(), true
}

// Revoke withdraws the credentials of a session that was closed and moves a
// live handshake to EXPIRED. A transition in flight is not waited on: it
// fails on the closed transport instead.
func (h *Handshake) Revoke(reason string) {
	h.creds.Store(nil)
	if !h.mu.TryLock() {
		return
	}
	defer h.mu.Unlock()
	if h.rec.State == StateFailed || h.rec.State == StateExpired {
		return
	}
	h.rec.LastError = reason
	h.transition(StateExpired)
}

// Deadline is when the handshake expires unless it authenticates first.
func (h *Handshake) Deadline() time.Time {
	return h.Snapshot().CreatedAt.Add(h.cfg.Expiry)
}

func (h *Handshake) invalid(step string, want HandshakeState) error {
	return newEngineError(KindRejected, step, 0,
		fmt.Errorf("%w: %s from %s (want %s)", ErrInvalidTransition, step, h.rec.State, want))
}

func (h *Handshake) expiredErr(step string) error {
	return newEngineError(KindExpired, step, 0, ErrSessionExpired)
}

func (h *Handshake) terminalErr(step string) error {
	if h.rec.State == StateExpired {
		return h.expiredErr(step)
	}
	return newEngineError(KindRejected, step, 0,
		fmt.Errorf("%w: handshake is %s", ErrInvalidTransition, h.rec.State))
}

// Begin requests a one-time code for the account: INIT → CHALLENGE_SENT →
// CODE_PENDING. Calling it again once the code was sent is a no-op.
func (h *Handshake) Begin(ctx context.Context) (HandshakeState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	const step = "request_code"
	if h.expiredLocked() {
		return h.rec.State, h.expiredErr(step)
	}
	switch {
	case h.rec.State == StateInit:
	case h.rec.State == StateFailed:
		return h.rec.State, h.terminalErr(step)
	default:
		return h.rec.State, nil
	}

	out, err := h.drive(ctx, RequestCodeCall{Account: h.rec.Account})
	if err != nil {
		return h.afterError(step, err)
	}
	h.codeToken = jsonString(out.Body, "token", "codeToken", "otpToken")
	h.transition(StateChallengeSent)

	if ok, present := jsonBool(out.Body, "success"); present && !ok {
		return h.rec.State, h.fail(newEngineError(KindRejected, step, out.Status, rejectionReason(out)))
	}
	h.transition(StateCodePending)
	return h.rec.State, nil
}

// SubmitCode verifies a one-time code. A wrong code leaves the handshake in
// CODE_PENDING until the code attempt budget is spent.
func (h *Handshake) SubmitCode(ctx context.Context, code string) (HandshakeState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	const step = "verify_code"
	if h.expiredLocked() {
		return h.rec.State, h.expiredErr(step)
	}
	switch st := h.rec.State; {
	case st == StateCodePending:
	case st == StateCodeVerified && code == h.lastCode:
		// The code was accepted but the entity listing after it failed.
		return h.completeVerification(ctx, RequestOutcome{})
	case st.rank() > StateCodePending.rank() && code == h.lastCode:
		return st, nil
	case st.Terminal() && st != StateAuthenticated:
		return st, h.terminalErr(step)
	default:
		return st, h.invalid(step, StateCodePending)
	}

	call := VerifyCodeCall{Account: h.rec.Account, Code: code, CodeToken: h.codeToken}
	// A malformed code never reaches the remote and costs no attempt.
	if err := call.validate(h.rc); err != nil {
		return h.rec.State, newEngineError(KindRejected, step, 0, fmt.Errorf("%w: %v", ErrInvalidCall, err))
	}

	h.rec.CodeAttempts++
	out, err := h.drive(ctx, call)
	if err != nil {
		if KindOf(err) == KindRejected && !errors.Is(err, ErrInvalidCall) && !errors.Is(err, ErrSessionClosed) {
			h.rec.LastError = err.Error()
			if h.rec.CodeAttempts >= h.cfg.MaxCodeAttempts {
				h.logger.Warn("Code attempts exhausted", zap.Int("attempts", h.rec.CodeAttempts))
				return h.rec.State, h.fail(err)
			}
			h.publish()
			return h.rec.State, err
		}
		return h.afterError(step, err)
	}

	bearer, refresh := extractTokens(out, h.transport.Endpoints())
	if bearer == "" {
		return h.rec.State, h.fail(newEngineError(KindFatal, step, out.Status, ErrNoBearer))
	}
	h.lastCode = code
	h.rc = h.rc.WithBearer(bearer).WithRefresh(refresh)
	h.transition(StateCodeVerified)
	return h.completeVerification(ctx, out)
}

// completeVerification settles the entities of a verified account: straight
// to AUTHENTICATED, or SELECTION_PENDING when the account must pick one.
func (h *Handshake) completeVerification(ctx context.Context, out RequestOutcome) (HandshakeState, error) {
	entities, required, err := h.entities(ctx, out)
	if err != nil {
		return h.afterError("list_entities", err)
	}
	h.rec.Entities = entities
	if required {
		h.transition(StateSelectionPending)
		return h.rec.State, nil
	}
	if len(entities) == 1 {
		h.rec.SelectedEntity = entities[0].ID
	}
	h.authenticate()
	return h.rec.State, nil
}

// SelectEntity binds the session to one of the listed entities.
func (h *Handshake) SelectEntity(ctx context.Context, entityID string) (HandshakeState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	const step = "select_entity"
	if h.expiredLocked() {
		return h.rec.State, h.expiredErr(step)
	}
	switch st := h.rec.State; {
	case st == StateSelectionPending:
	case st == StateAuthenticated && entityID == h.rec.SelectedEntity:
		return st, nil
	case st.Terminal() && st != StateAuthenticated:
		return st, h.terminalErr(step)
	default:
		return st, h.invalid(step, StateSelectionPending)
	}

	if !h.hasEntity(entityID) {
		return h.rec.State, newEngineError(KindRejected, step, 0, fmt.Errorf("unknown entity %q", entityID))
	}

	out, err := h.drive(ctx, SelectEntityCall{EntityID: entityID})
	if err != nil {
		if KindOf(err) == KindRejected {
			h.rec.LastError = err.Error()
			h.publish()
			return h.rec.State, err
		}
		return h.afterError(step, err)
	}

	// Selection may rotate the bearer.
	if bearer, refresh := extractTokens(out, h.transport.Endpoints()); bearer != "" {
		h.rc = h.rc.WithBearer(bearer)
		if refresh != "" {
			h.rc = h.rc.WithRefresh(refresh)
		}
	}
	h.rec.SelectedEntity = entityID
	h.authenticate()
	return h.rec.State, nil
}

// authenticate publishes credentials before the state becomes visible as
// AUTHENTICATED, so any reader that sees the state also sees them.
func (h *Handshake) authenticate() {
	if h.rc.Bearer() == "" {
		_ = h.fail(newEngineError(KindFatal, "authenticate", 0, ErrNoBearer))
		return
	}
	h.creds.Store(&Credentials{
		SessionID:  h.rec.ID,
		IdentityID: h.transport.Identity().ID,
		Bearer:     h.rc.Bearer(),
		Refresh:    h.rc.Refresh(),
		CSRF:       h.rc.CSRF(),
		Entity:     h.rec.SelectedEntity,
		Cookies:    h.rc.Cookies(),
		IssuedAt:   h.now(),
	})
	h.rec.LastError = ""
	h.transition(StateAuthenticated)
}

func (h *Handshake) hasEntity(id string) bool {
	for _, e := range h.rec.Entities {
		if e.ID == id {
			return true
		}
	}
	return false
}

// afterError maps a failed step onto the state machine. Cancellation leaves
// the state alone so the caller can re-drive; everything else is terminal.
func (h *Handshake) afterError(step string, err error) (HandshakeState, error) {
	err = classified(step, err)
	if h.expiredLocked() {
		return h.rec.State, h.expiredErr(step)
	}
	if KindOf(err) == KindTransient {
		h.rec.LastError = err.Error()
		h.publish()
		return h.rec.State, err
	}
	return h.rec.State, h.fail(err)
}

// drive executes call, resolving challenges through the chain and
// refreshing a stale anti-forgery token once. The request context absorbs
// everything each response teaches, whatever the outcome.
func (h *Handshake) drive(ctx context.Context, call Call) (RequestOutcome, error) {
	step := call.Step()
	rc := h.rc
	defer func() { h.rc = rc }()

	rounds := 0
	csrfRefreshed := false
	for {
		h.rec.AttemptCount++
		out, err := h.transport.Execute(ctx, RequestSpec{Call: call, Context: rc}, h.policy)
		rc = rc.Absorb(out)
		if err == nil {
			return out, nil
		}

		switch KindOf(err) {
		case KindChallenge:
			if out.Challenge == nil {
				return out, err
			}
			if rounds >= h.cfg.MaxChallengeRounds {
				h.implicated.Store(true)
				return out, newEngineError(KindChallenge, step, out.Status,
					fmt.Errorf("%w: still challenged after %d rounds", ErrUnresolved, rounds))
			}
			rounds++
			res, rerr := h.resolve(ctx, out.Challenge)
			if rerr != nil {
				if ctx.Err() != nil {
					return out, newEngineError(KindTransient, step, out.Status, ctx.Err())
				}
				// A solver account problem says nothing about the identity.
				if !IsFatalError(rerr) {
					h.implicated.Store(true)
				}
				return out, newEngineError(KindChallenge, step, out.Status, rerr)
			}
			rc = rc.WithCookies(res.Cookies)
			if res.Token != "" {
				rc = rc.WithChallengeToken(res.Token)
			}
			continue

		case KindRejected:
			if out.CSRFRejected && !csrfRefreshed {
				csrfRefreshed = true
				h.logger.Info("Anti-forgery token rejected, refreshing", zap.String("step", step))
				fresh, ferr := h.transport.Execute(ctx, RequestSpec{Call: FetchCSRFCall{}, Context: rc}, h.policy)
				rc = rc.Absorb(fresh)
				if ferr == nil {
					continue
				}
				h.logger.Warn("Anti-forgery refresh failed", zap.Error(ferr))
			}
		}
		return out, err
	}
}

func (h *Handshake) resolve(ctx context.Context, cc *ChallengeContext) (Resolution, error) {
	if h.chain == nil {
		return Resolution{}, fmt.Errorf("%w: no resolver configured", ErrUnresolved)
	}
	cc.SessionID = h.rec.ID
	h.logger.Info("Challenge encountered", zap.String("kind", string(cc.Kind)), zap.String("page_url", cc.PageURL))
	return h.chain.Resolve(ctx, cc)
}

// extractTokens finds bearer and refresh material in a JSON body, falling
// back to the configured cookies.
func extractTokens(out RequestOutcome, ep EndpointConfig) (bearer, refresh string) {
	bearer = jsonString(out.Body, "accessToken", "access_token", "token")
	refresh = jsonString(out.Body, "refreshToken", "refresh_token")
	if bearer == "" && ep.AccessCookie != "" {
		bearer = out.Cookies[ep.AccessCookie]
	}
	if refresh == "" && ep.RefreshCookie != "" {
		refresh = out.Cookies[ep.RefreshCookie]
	}
	return bearer, refresh
}

// entities determines the selectable entities after verification. The
// verify response may list them inline; otherwise they are fetched, and an
// endpoint without entity support (404) means none.
func (h *Handshake) entities(ctx context.Context, verified RequestOutcome) ([]Entity, bool, error) {
	obj := jsonObject(verified.Body)
	list, inline := entityList(obj)
	if !inline {
		out, err := h.drive(ctx, ListEntitiesCall{})
		if err != nil {
			if out.Status == http.StatusNotFound {
				return nil, false, nil
			}
			return nil, false, err
		}
		obj = jsonObject(out.Body)
		if obj == nil {
			list = parseEntities(jsonArray(out.Body))
		} else {
			list, _ = entityList(obj)
		}
	}

	if required, ok := obj["requiresSelection"].(bool); ok {
		return list, required && len(list) > 0, nil
	}
	return list, len(list) > 1, nil
}

func entityList(obj map[string]any) ([]Entity, bool) {
	for _, key := range []string{"entities", "groups"} {
		if raw, ok := obj[key].([]any); ok {
			return parseEntities(raw), true
		}
	}
	return nil, false
}

func parseEntities(raw []any) []Entity {
	var out []Entity
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := stringField(m, "id", "entityId", "groupId")
		if id == "" {
			continue
		}
		attrs := maps.Clone(m)
		out = append(out, Entity{ID: id, Name: stringField(m, "name", "displayName"), Attributes: attrs})
	}
	return out
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
