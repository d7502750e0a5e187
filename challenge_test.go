package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestChain(adaptive bool) *ResolverChain {
	c := NewResolverChain(nil, adaptive)
	c.sleep = noSleep
	return c
}

func TestChainFirstSuccessWins(t *testing.T) {
	failing := &stubStrategy{name: "a", errs: []error{errors.New("unsolvable")}}
	working := &stubStrategy{name: "b", results: []Resolution{{Token: "tok", Cleared: true}}}
	never := &stubStrategy{name: "c", results: []Resolution{{Token: "other", Cleared: true}}}

	chain := newTestChain(false)
	chain.Add(failing, 2, time.Second)
	chain.Add(working, 2, time.Second)
	chain.Add(never, 1, 0)

	cc := &ChallengeContext{Kind: ChallengeReCaptcha}
	res, err := chain.Resolve(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, "tok", res.Token)
	assert.Equal(t, "b", res.Strategy)
	assert.Equal(t, "tok", cc.ResolutionToken)
	assert.Equal(t, 3, cc.Attempts)
	assert.Equal(t, 2, failing.count())
	assert.Equal(t, 0, never.count())
}

func TestChainUnclearedResolutionIsFailure(t *testing.T) {
	empty := &stubStrategy{name: "a", results: []Resolution{{Cleared: true}, {Token: "x"}}}
	chain := newTestChain(false)
	chain.Add(empty, 2, 0)

	_, err := chain.Resolve(context.Background(), &ChallengeContext{Kind: ChallengeHCaptcha})
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Equal(t, KindChallenge, KindOf(err))
}

func TestChainSkipsUnsupported(t *testing.T) {
	recaptchaOnly := &stubStrategy{name: "solver", kinds: []ChallengeKind{ChallengeReCaptcha}}
	cookies := &stubStrategy{name: "hyper", kinds: []ChallengeKind{ChallengeDataDome},
		results: []Resolution{{Cookies: map[string]string{"datadome": "ok"}, Cleared: true}}}

	chain := newTestChain(false)
	chain.Add(recaptchaOnly, 3, 0)
	chain.Add(cookies, 1, 0)

	res, err := chain.Resolve(context.Background(), &ChallengeContext{Kind: ChallengeDataDome})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Cookies["datadome"])
	assert.Equal(t, 0, recaptchaOnly.count())
}

func TestChainFatalErrorSkipsRemainingAttempts(t *testing.T) {
	broke := &stubStrategy{name: "a", errs: []error{NewFatalError(errors.New("ERROR_ZERO_BALANCE"))}}
	backup := &stubStrategy{name: "b", results: []Resolution{{Token: "t", Cleared: true}}}
	chain := newTestChain(false)
	chain.Add(broke, 5, 0)
	chain.Add(backup, 1, 0)

	_, err := chain.Resolve(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha})
	require.NoError(t, err)
	assert.Equal(t, 1, broke.count())
}

func TestChainManualFallback(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	failing := &stubStrategy{name: "a", errs: []error{errors.New("nope")}}
	manual := NewManualStrategy(nil)

	chain := NewResolverChain(zap.New(core), false)
	chain.sleep = noSleep
	chain.Add(failing, 1, 0)
	chain.SetManual(manual, time.Second)
	assert.Equal(t, []string{"a", "manual"}, chain.Strategies())

	done := make(chan struct{})
	var res Resolution
	var err error
	go func() {
		defer close(done)
		res, err = chain.Resolve(context.Background(), &ChallengeContext{Kind: ChallengeUnknown, SessionID: "s1"})
	}()

	require.Eventually(t, func() bool { return len(manual.Pending()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, manual.Supply("s1", "human-token"))
	<-done

	require.NoError(t, err)
	assert.Equal(t, "human-token", res.Token)
	assert.Equal(t, "manual", res.Strategy)
	assert.Equal(t, 1, logs.FilterMessage("Falling back to manual resolution").Len())
}

func TestChainManualTimeout(t *testing.T) {
	chain := newTestChain(false)
	chain.SetManual(NewManualStrategy(nil), 10*time.Millisecond)

	_, err := chain.Resolve(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha, SessionID: "s1"})
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestChainCancelled(t *testing.T) {
	chain := newTestChain(false)
	chain.SetManual(NewManualStrategy(nil), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := chain.Resolve(ctx, &ChallengeContext{Kind: ChallengeReCaptcha, SessionID: "s1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChainAdaptiveOrdering(t *testing.T) {
	poor := &stubStrategy{name: "poor", errs: []error{errors.New("fail")}}
	good := &stubStrategy{name: "good", results: []Resolution{{Token: "t", Cleared: true}}}

	chain := newTestChain(true)
	chain.Add(poor, 1, 0)
	chain.Add(good, 1, 0)
	assert.Equal(t, []string{"poor", "good"}, chain.Strategies())

	_, err := chain.Resolve(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha})
	require.NoError(t, err)

	// poor: 0/1 -> 1/3, good: 1/1 -> 2/3
	assert.Equal(t, []string{"good", "poor"}, chain.Strategies())

	_, err = chain.Resolve(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha})
	require.NoError(t, err)
	assert.Equal(t, 1, poor.count())
	assert.Equal(t, 2, good.count())
}

func TestChainFixedOrderIgnoresHistory(t *testing.T) {
	poor := &stubStrategy{name: "poor", errs: []error{errors.New("fail")}}
	good := &stubStrategy{name: "good", results: []Resolution{{Token: "t", Cleared: true}}}
	chain := newTestChain(false)
	chain.Add(poor, 1, 0)
	chain.Add(good, 1, 0)

	for i := 0; i < 3; i++ {
		_, err := chain.Resolve(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"poor", "good"}, chain.Strategies())
	assert.Equal(t, 3, poor.count())
}

func TestChainKeepsFatalCause(t *testing.T) {
	broke := &stubStrategy{name: "a", errs: []error{NewFatalError(errors.New("ERROR_ZERO_BALANCE"))}}
	flaky := &stubStrategy{name: "b", errs: []error{errors.New("timeout")}}
	chain := newTestChain(false)
	chain.Add(broke, 3, 0)
	chain.Add(flaky, 1, 0)

	_, err := chain.Resolve(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha})
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.True(t, IsFatalError(err))
	assert.Contains(t, err.Error(), "ERROR_ZERO_BALANCE")
	assert.Equal(t, 1, flaky.count(), "a fatal strategy still falls through")
}

func TestChainUnresolvedWithoutFatalCause(t *testing.T) {
	flaky := &stubStrategy{name: "a", errs: []error{errors.New("timeout")}}
	chain := newTestChain(false)
	chain.Add(flaky, 2, 0)

	_, err := chain.Resolve(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha})
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.False(t, IsFatalError(err))
}
