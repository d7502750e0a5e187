package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	tls_client "github.com/bogdanfinn/tls-client"
	"go.uber.org/zap"
)

// ChallengeContext describes one challenge a response put up, along with the
// identity and client that met it so strategies can answer over the same egress.
type ChallengeContext struct {
	Kind            ChallengeKind
	SiteKey         string
	PageURL         string
	Page            string
	Attempts        int
	ResolutionToken string

	SessionID string
	Identity  *Identity
	Client    tls_client.HttpClient
	Cookies   map[string]string
}

// Resolution is what a strategy produced. Only Cleared resolutions carrying a
// token or cookies count as success.
type Resolution struct {
	Token    string
	Cookies  map[string]string
	Cleared  bool
	Strategy string
}

func (r Resolution) ok() bool {
	return r.Cleared && (r.Token != "" || len(r.Cookies) > 0)
}

// Strategy is one way of getting past a challenge.
type Strategy interface {
	Name() string
	Supports(kind ChallengeKind) bool
	Attempt(ctx context.Context, cc *ChallengeContext) (Resolution, error)
}

type chainSlot struct {
	strategy Strategy
	priority int
	attempts int
	delay    time.Duration
}

type strategyStats struct {
	attempts  int
	successes int
}

// score is the Laplace-smoothed success rate.
func (s strategyStats) score() float64 {
	return float64(s.successes+1) / float64(s.attempts+2)
}

// ResolverChain tries automated strategies in order, each a bounded number of
// times, then hands over to a human fallback that waits up to its timeout.
type ResolverChain struct {
	slots         []chainSlot
	manual        Strategy
	manualTimeout time.Duration
	adaptive      bool

	mu    sync.Mutex
	stats map[string]strategyStats

	sleep  func(context.Context, time.Duration) error
	logger *zap.Logger
}

func NewResolverChain(logger *zap.Logger, adaptive bool) *ResolverChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResolverChain{
		adaptive: adaptive,
		stats:    make(map[string]strategyStats),
		sleep:    sleepCtx,
		logger:   logger.Named("challenge"),
	}
}

// Add appends an automated strategy. Strategies run in the order added unless
// adaptive ordering is on.
func (c *ResolverChain) Add(s Strategy, attempts int, delay time.Duration) {
	if attempts <= 0 {
		attempts = 1
	}
	c.slots = append(c.slots, chainSlot{strategy: s, priority: len(c.slots), attempts: attempts, delay: delay})
}

// SetManual installs the human-assisted strategy that runs after every
// automated one has failed.
func (c *ResolverChain) SetManual(s Strategy, timeout time.Duration) {
	c.manual = s
	c.manualTimeout = timeout
}

// Strategies lists strategy names in the order the next Resolve would try them.
func (c *ResolverChain) Strategies() []string {
	var names []string
	for _, slot := range c.ordered() {
		names = append(names, slot.strategy.Name())
	}
	if c.manual != nil {
		names = append(names, c.manual.Name())
	}
	return names
}

func (c *ResolverChain) ordered() []chainSlot {
	slots := slices.Clone(c.slots)
	if !c.adaptive {
		return slots
	}
	c.mu.Lock()
	scores := make(map[string]float64, len(slots))
	for _, s := range slots {
		scores[s.strategy.Name()] = c.stats[s.strategy.Name()].score()
	}
	c.mu.Unlock()
	slices.SortStableFunc(slots, func(a, b chainSlot) int {
		sa, sb := scores[a.strategy.Name()], scores[b.strategy.Name()]
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return a.priority - b.priority
	})
	return slots
}

func (c *ResolverChain) record(name string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats[name]
	s.attempts++
	if success {
		s.successes++
	}
	c.stats[name] = s
}

// Resolve runs the chain against cc. It returns the first cleared resolution,
// or ErrUnresolved once every strategy, including the fallback, has failed.
func (c *ResolverChain) Resolve(ctx context.Context, cc *ChallengeContext) (Resolution, error) {
	log := c.logger.With(zap.String("session_id", cc.SessionID), zap.String("kind", string(cc.Kind)))

	// The first fatal strategy error rides along with ErrUnresolved so
	// callers can stop work that no retry will fix.
	var fatal error
	for _, slot := range c.ordered() {
		name := slot.strategy.Name()
		if !slot.strategy.Supports(cc.Kind) {
			continue
		}
		for i := 0; i < slot.attempts; i++ {
			if i > 0 {
				if err := c.sleep(ctx, slot.delay); err != nil {
					return Resolution{}, err
				}
			}
			res, err := c.attempt(ctx, slot.strategy, cc)
			if ctx.Err() != nil {
				return Resolution{}, ctx.Err()
			}
			if err == nil && res.ok() {
				log.Info("Challenge cleared", zap.String("strategy", name), zap.Int("attempts", cc.Attempts))
				return res, nil
			}
			log.Warn("Strategy attempt failed", zap.String("strategy", name), zap.Int("attempt", i+1), zap.Error(err))
			if IsFatalError(err) {
				if fatal == nil {
					fatal = err
				}
				break
			}
		}
	}

	if c.manual != nil && c.manual.Supports(cc.Kind) {
		log.Info("Falling back to manual resolution", zap.Duration("timeout", c.manualTimeout))
		mctx, cancel := context.WithTimeout(ctx, c.manualTimeout)
		res, err := c.attempt(mctx, c.manual, cc)
		cancel()
		if err == nil && res.ok() {
			return res, nil
		}
		if ctx.Err() != nil {
			return Resolution{}, ctx.Err()
		}
		log.Warn("Manual resolution failed", zap.Error(err))
	}

	if fatal != nil {
		return Resolution{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrUnresolved, cc.Kind, cc.Attempts, fatal)
	}
	return Resolution{}, fmt.Errorf("%w: %s after %d attempts", ErrUnresolved, cc.Kind, cc.Attempts)
}

func (c *ResolverChain) attempt(ctx context.Context, s Strategy, cc *ChallengeContext) (Resolution, error) {
	cc.Attempts++
	res, err := s.Attempt(ctx, cc)
	success := err == nil && res.ok()
	c.record(s.Name(), success)
	if success {
		res.Strategy = s.Name()
		cc.ResolutionToken = res.Token
	}
	return res, err
}
