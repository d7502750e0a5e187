package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// solverServer fakes the createTask/getTaskResult protocol: the task becomes
// ready after pending polls.
func solverServer(t *testing.T, pending int, create map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/createTask", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "key", req["clientKey"])
		_ = json.NewEncoder(w).Encode(create)
	})
	mux.HandleFunc("/getTaskResult", func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		if int(n) <= pending {
			_ = json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "status": "processing"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errorId":  0,
			"status":   "ready",
			"solution": map[string]any{"gRecaptchaResponse": "solved-token"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func testSolver(base string) *SolverStrategy {
	s := NewCapSolverStrategy("key")
	s.baseURL = base
	s.poller = Poller{Interval: time.Millisecond, MaxAttempts: 10, DelayFirst: true}
	s.requestRetries = 1
	s.requestTimeout = time.Second
	return s
}

func TestSolverResolvesAfterPolling(t *testing.T) {
	srv, polls := solverServer(t, 2, map[string]any{"errorId": 0, "taskId": "task-1"})
	s := testSolver(srv.URL)

	res, err := s.Attempt(context.Background(), &ChallengeContext{
		Kind:    ChallengeReCaptcha,
		SiteKey: "site",
		PageURL: "https://portal.test/login",
	})
	require.NoError(t, err)
	assert.True(t, res.Cleared)
	assert.Equal(t, "solved-token", res.Token)
	assert.EqualValues(t, 3, polls.Load())
}

func TestSolverFatalAPIError(t *testing.T) {
	srv, _ := solverServer(t, 0, map[string]any{"errorId": 1, "errorCode": "ERROR_ZERO_BALANCE", "errorDescription": "no funds"})
	s := testSolver(srv.URL)

	_, err := s.Attempt(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha, SiteKey: "site"})
	require.Error(t, err)
	assert.True(t, IsFatalError(err))
	assert.Equal(t, KindFatal, KindOf(err))
}

func TestSolverNonFatalAPIError(t *testing.T) {
	srv, _ := solverServer(t, 0, map[string]any{"errorId": 1, "errorCode": "ERROR_CAPTCHA_UNSOLVABLE"})
	_, err := testSolver(srv.URL).Attempt(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha, SiteKey: "site"})
	require.Error(t, err)
	assert.False(t, IsFatalError(err))
}

func TestSolverPollBudget(t *testing.T) {
	srv, _ := solverServer(t, 1000, map[string]any{"errorId": 0, "taskId": 7})
	s := testSolver(srv.URL)
	s.poller.MaxAttempts = 3

	_, err := s.Attempt(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha, SiteKey: "site"})
	assert.ErrorIs(t, err, ErrPollExhausted)
}

func TestSolverPreconditions(t *testing.T) {
	_, err := NewTwoCaptchaStrategy("").Attempt(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha, SiteKey: "k"})
	assert.True(t, IsFatalError(err))

	_, err = NewTwoCaptchaStrategy("key").Attempt(context.Background(), &ChallengeContext{Kind: ChallengeReCaptcha})
	assert.Error(t, err)

	s := NewCapSolverStrategy("key")
	assert.True(t, s.Supports(ChallengeHCaptcha))
	assert.False(t, s.Supports(ChallengeDataDome))
}

func TestSolverServerErrorRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := testSolver(srv.URL)
	s.requestRetries = 2
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.Attempt(ctx, &ChallengeContext{Kind: ChallengeReCaptcha, SiteKey: "site"})
	require.Error(t, err)
	assert.EqualValues(t, 2, calls.Load())
}
