package main

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IdentityKind is the egress class of an identity.
type IdentityKind string

const (
	KindResidential IdentityKind = "residential"
	KindMobile      IdentityKind = "mobile"
	KindDatacenter  IdentityKind = "datacenter"
	KindDirect      IdentityKind = "none"
)

var identityKinds = []IdentityKind{KindResidential, KindMobile, KindDatacenter, KindDirect}

// ParseIdentityKind accepts the kind names used in configuration and on the CLI.
func ParseIdentityKind(s string) (IdentityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "residential":
		return KindResidential, nil
	case "mobile":
		return KindMobile, nil
	case "datacenter":
		return KindDatacenter, nil
	case "none", "direct", "":
		return KindDirect, nil
	}
	return "", fmt.Errorf("unknown identity kind %q", s)
}

// Fingerprint is the set of device and browser attributes an identity
// presents for its whole lifetime.
type Fingerprint struct {
	DeviceID       string
	ClientID       string
	Profile        *BrowserProfile
	Locale         string
	AcceptLanguage string
	Timezone       string
	ScreenWidth    int
	ScreenHeight   int
}

// FingerprintOptions are the pool-wide locale settings stamped on new fingerprints.
type FingerprintOptions struct {
	Locale   string
	Timezone string
}

func newFingerprint(kind IdentityKind, opts FingerprintOptions, now time.Time) *Fingerprint {
	profile := profileForKind(kind)
	locale := opts.Locale
	if locale == "" {
		locale = "en-US"
	}
	lang := locale
	if base, _, ok := strings.Cut(locale, "-"); ok {
		lang = fmt.Sprintf("%s,%s;q=0.9", locale, base)
	}
	return &Fingerprint{
		DeviceID:       fmt.Sprintf("fp_%d_%08d", now.UnixMilli(), rand.IntN(100000000)),
		ClientID:       "pbweb_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Profile:        profile,
		Locale:         locale,
		AcceptLanguage: lang,
		Timezone:       opts.Timezone,
		ScreenWidth:    profile.ScreenWidth,
		ScreenHeight:   profile.ScreenHeight,
	}
}

// Identity is one egress endpoint plus the fingerprint it presents.
type Identity struct {
	ID      string
	Kind    IdentityKind
	Egress  string // proxy URL, empty for direct
	Display string // host:port without credentials

	usage atomic.Int64

	// guarded by IdentityPool.mu
	fingerprint      *Fingerprint
	checkedOut       bool
	quarantined      bool
	quarantinedAt    time.Time
	quarantineReason string
	lastUsed         time.Time
}

// Fingerprint returns the identity's fingerprint. It is generated on first
// checkout and never changes afterwards.
func (i *Identity) Fingerprint() *Fingerprint {
	return i.fingerprint
}

func (i *Identity) UsageCount() int64 {
	return i.usage.Load()
}

// PoolStats counts identities of one kind by status.
type PoolStats struct {
	Total       int
	Available   int
	InUse       int
	Quarantined int
}

// IdentityPool hands out identities so that no identity serves two
// handshakes at once. Checkout never blocks.
type IdentityPool struct {
	mu                sync.Mutex
	byKind            map[IdentityKind][]*Identity
	byID              map[string]*Identity
	rehabilitateAfter time.Duration
	fpOpts            FingerprintOptions
	now               func() time.Time
	logger            *zap.Logger
}

func NewIdentityPool(logger *zap.Logger, cfg IdentityConfig) *IdentityPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityPool{
		byKind:            make(map[IdentityKind][]*Identity),
		byID:              make(map[string]*Identity),
		rehabilitateAfter: cfg.RehabilitateAfter,
		fpOpts:            FingerprintOptions{Locale: cfg.Locale, Timezone: cfg.Timezone},
		now:               time.Now,
		logger:            logger.Named("identity"),
	}
}

// Add registers an egress endpoint. The identity's fingerprint is created
// lazily on its first checkout.
func (p *IdentityPool) Add(kind IdentityKind, egress, display string) *Identity {
	id := &Identity{
		ID:      uuid.New().String()[:8],
		Kind:    kind,
		Egress:  egress,
		Display: display,
	}
	if id.Display == "" {
		id.Display = "direct"
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.byKind[kind] = append(p.byKind[kind], id)
	p.byID[id.ID] = id
	return id
}

// Checkout returns the least-used free identity of the requested kind, ties
// broken by the earliest last use. It fails fast with ErrNoIdentityAvailable.
func (p *IdentityPool) Checkout(kind IdentityKind) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *Identity
	for _, id := range p.byKind[kind] {
		if id.checkedOut {
			continue
		}
		if id.quarantined && !p.rehabilitateLocked(id, now) {
			continue
		}
		if best == nil {
			best = id
			continue
		}
		u, bu := id.usage.Load(), best.usage.Load()
		if u < bu || (u == bu && id.lastUsed.Before(best.lastUsed)) {
			best = id
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: kind %s", ErrNoIdentityAvailable, kind)
	}

	best.checkedOut = true
	best.lastUsed = now
	best.usage.Add(1)
	if best.fingerprint == nil {
		best.fingerprint = newFingerprint(kind, p.fpOpts, now)
	}
	return best, nil
}

func (p *IdentityPool) rehabilitateLocked(id *Identity, now time.Time) bool {
	if p.rehabilitateAfter <= 0 || now.Sub(id.quarantinedAt) < p.rehabilitateAfter {
		return false
	}
	id.quarantined = false
	id.quarantineReason = ""
	p.logger.Info("Identity rehabilitated", zap.String("identity", id.ID), zap.String("egress", id.Display))
	return true
}

// Release returns an identity to the pool. Releasing a free identity is a no-op.
func (p *IdentityPool) Release(identityID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byID[identityID]
	if !ok {
		return fmt.Errorf("unknown identity %q", identityID)
	}
	if id.checkedOut {
		id.checkedOut = false
		id.lastUsed = p.now()
	}
	return nil
}

// Quarantine removes an identity from selection. It stays out for the rest of
// the process unless rehabilitation is configured.
func (p *IdentityPool) Quarantine(identityID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byID[identityID]
	if !ok {
		return fmt.Errorf("unknown identity %q", identityID)
	}
	id.checkedOut = false
	id.quarantined = true
	id.quarantinedAt = p.now()
	id.quarantineReason = reason
	p.logger.Warn("Identity quarantined",
		zap.String("identity", id.ID),
		zap.String("egress", id.Display),
		zap.String("reason", reason))
	return nil
}

// IsQuarantined reports whether the identity is currently excluded.
func (p *IdentityPool) IsQuarantined(identityID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byID[identityID]
	return ok && id.quarantined
}

func (p *IdentityPool) Stats() map[IdentityKind]PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[IdentityKind]PoolStats, len(identityKinds))
	for _, kind := range identityKinds {
		var s PoolStats
		for _, id := range p.byKind[kind] {
			s.Total++
			switch {
			case id.quarantined:
				s.Quarantined++
			case id.checkedOut:
				s.InUse++
			default:
				s.Available++
			}
		}
		out[kind] = s
	}
	return out
}
