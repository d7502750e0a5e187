package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOutKeepsInputOrder(t *testing.T) {
	items := []int{5, 1, 4, 2, 3}
	out := fanOut(context.Background(), 2, items, func(_ context.Context, n int) int {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return n * 10
	})
	assert.Equal(t, []int{50, 10, 40, 20, 30}, out)
}

func TestFanOutRespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 12)
	fanOut(context.Background(), 3, items, func(context.Context, int) struct{} {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}
	})
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

// scriptedExecutor answers by call name.
type scriptedExecutor struct {
	mu       sync.Mutex
	outcomes map[string]RequestOutcome
	errs     map[string]error
	seen     []RequestSpec
}

func (e *scriptedExecutor) Execute(_ context.Context, spec RequestSpec, _ RetryPolicy) (RequestOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, spec)
	name := spec.Call.Step()
	return e.outcomes[name], e.errs[name]
}

func TestCollectorMergesOnlySuccesses(t *testing.T) {
	exec := &scriptedExecutor{
		outcomes: map[string]RequestOutcome{
			"a": {Status: 200, Body: []byte(`{"totalAmount": 10, "transactionCount": 2}`)},
			"b": {Status: 200, Body: []byte(`{"totalAmount": 5.5, "transactionCount": 1}`)},
			"c": {Status: 503},
		},
		errs: map[string]error{
			"c": newEngineError(KindTransient, "c", 503, ErrRetriesExhausted),
		},
	}
	summarize := numericFields("", "totalAmount", "transactionCount")
	specs := []TaskSpec{
		{Name: "a", Call: DataCall{Method: http.MethodGet, Path: "/a"}, Summarize: summarize},
		{Name: "b", Call: DataCall{Method: http.MethodGet, Path: "/b"}, Summarize: summarize},
		{Name: "c", Call: DataCall{Method: http.MethodGet, Path: "/c"}, Summarize: summarize},
	}

	rc := RequestContext{}.WithBearer("bearer-1")
	res, err := Collector{Limit: 2, Policy: fastPolicy()}.Collect(context.Background(), "s-1", exec, rc, specs)
	require.NoError(t, err)

	assert.Equal(t, "s-1", res.SessionID)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.Tasks, 3)
	assert.InDelta(t, 15.5, res.Summary["totalAmount"], 1e-9)
	assert.InDelta(t, 3.0, res.Summary["transactionCount"], 1e-9)

	failed := res.Tasks["c"]
	assert.False(t, failed.OK)
	assert.Equal(t, KindTransient, failed.Kind)
	assert.Equal(t, 503, failed.Status)
	assert.Nil(t, failed.Summary)
	assert.JSONEq(t, `{"totalAmount": 10, "transactionCount": 2}`, string(res.Tasks["a"].Data))

	for _, spec := range exec.seen {
		assert.Equal(t, "bearer-1", spec.Context.Bearer())
	}
}

func TestCollectorKeepsNewestCSRF(t *testing.T) {
	exec := &scriptedExecutor{
		outcomes: map[string]RequestOutcome{
			"only": {Status: 200, Body: []byte(`{}`), CSRF: "fresh"},
		},
	}
	specs := []TaskSpec{{Name: "only", Call: DataCall{Method: http.MethodGet, Path: "/only"}}}
	res, err := Collector{}.Collect(context.Background(), "s-1", exec, RequestContext{}, specs)
	require.NoError(t, err)
	assert.Equal(t, "fresh", res.CSRF)
}

func TestCollectorNonJSONBodyHasNoData(t *testing.T) {
	exec := &scriptedExecutor{
		outcomes: map[string]RequestOutcome{"html": {Status: 200, Body: []byte("<p>ok</p>")}},
	}
	specs := []TaskSpec{{Name: "html", Call: DataCall{Method: http.MethodGet, Path: "/html"}}}
	res, err := Collector{}.Collect(context.Background(), "s-1", exec, RequestContext{}, specs)
	require.NoError(t, err)
	assert.True(t, res.Tasks["html"].OK)
	assert.Nil(t, res.Tasks["html"].Data)
}

func TestValidateSpecs(t *testing.T) {
	call := DataCall{Method: http.MethodGet, Path: "/x"}
	tests := []struct {
		name  string
		specs []TaskSpec
		ok    bool
	}{
		{"empty", nil, false},
		{"unnamed", []TaskSpec{{Call: call}}, false},
		{"duplicate", []TaskSpec{{Name: "x", Call: call}, {Name: "x", Call: call}}, false},
		{"valid", []TaskSpec{{Name: "x", Call: call}, {Name: "y", Call: call}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSpecs(tt.specs)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidCall))
		})
	}
}

func TestCollectorRejectsInvalidSpecsAsFatal(t *testing.T) {
	_, err := Collector{}.Collect(context.Background(), "s-1", &scriptedExecutor{}, RequestContext{}, nil)
	require.Error(t, err)
	assert.Equal(t, KindFatal, KindOf(err))
}

func TestDefaultTaskSpecs(t *testing.T) {
	now := time.Date(2026, 3, 15, 17, 30, 0, 0, time.UTC)
	specs := DefaultTaskSpecs(now)
	require.NoError(t, validateSpecs(specs))

	byName := make(map[string]TaskSpec)
	for _, s := range specs {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "statistics")
	q := byName["statistics"].Call.Query
	assert.Equal(t, "2026-03-08", q.Get("from"))
	assert.Equal(t, "2026-03-15", q.Get("to"))
	assert.Equal(t, "DAY", q.Get("granularity"))

	got := byName["settlements"].Summarize([]byte(`{"settledAmount": 42, "settlements": [{}, {}, {}]}`))
	assert.Equal(t, map[string]float64{"settledAmount": 42, "settlements_count": 3}, got)
}
