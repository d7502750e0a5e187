package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualSupplyWithoutWaiter(t *testing.T) {
	m := NewManualStrategy(nil)
	err := m.Supply("nobody", "tok")
	assert.ErrorIs(t, err, ErrNoPendingChallenge)
	assert.Equal(t, KindRejected, KindOf(err))
}

func TestManualPendingListing(t *testing.T) {
	m := NewManualStrategy(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"s2", "s1"} {
		go func() {
			_, _ = m.Attempt(ctx, &ChallengeContext{SessionID: id, Kind: ChallengeHCaptcha, PageURL: "https://portal.test/"})
		}()
	}
	require.Eventually(t, func() bool { return len(m.Pending()) == 2 }, time.Second, time.Millisecond)

	pending := m.Pending()
	assert.Equal(t, "s1", pending[0].SessionID)
	assert.Equal(t, "s2", pending[1].SessionID)
	assert.Equal(t, ChallengeHCaptcha, pending[0].Kind)

	cancel()
	require.Eventually(t, func() bool { return len(m.Pending()) == 0 }, time.Second, time.Millisecond)
}

func TestManualAttemptTimesOut(t *testing.T) {
	m := NewManualStrategy(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := m.Attempt(ctx, &ChallengeContext{SessionID: "s1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, m.Pending())
}
