package main

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"testing"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFingerprint(t *testing.T) *Fingerprint {
	t.Helper()
	id, err := testPool(t, 1).Checkout(KindResidential)
	require.NoError(t, err)
	return id.Fingerprint()
}

func TestCallValidation(t *testing.T) {
	authed := RequestContext{}.WithBearer("b")
	tests := []struct {
		name string
		call Call
		rc   RequestContext
		ok   bool
	}{
		{"request code", RequestCodeCall{Account: "a@example.com"}, RequestContext{}, true},
		{"request code without account", RequestCodeCall{Account: " "}, RequestContext{}, false},
		{"verify code", VerifyCodeCall{Code: "123456"}, RequestContext{}, true},
		{"verify empty code", VerifyCodeCall{}, RequestContext{}, false},
		{"verify code with space", VerifyCodeCall{Code: "123 456"}, RequestContext{}, false},
		{"list entities needs bearer", ListEntitiesCall{}, RequestContext{}, false},
		{"list entities", ListEntitiesCall{}, authed, true},
		{"select without id", SelectEntityCall{}, authed, false},
		{"select", SelectEntityCall{EntityID: "e1"}, authed, true},
		{"csrf fetch", FetchCSRFCall{}, RequestContext{}, true},
		{"data", DataCall{Method: http.MethodGet, Path: "/api/v1/profile"}, authed, true},
		{"data without bearer", DataCall{Method: http.MethodGet, Path: "/x"}, RequestContext{}, false},
		{"data relative path", DataCall{Method: http.MethodGet, Path: "x"}, authed, false},
		{"data bad method", DataCall{Method: http.MethodDelete, Path: "/x"}, authed, false},
		{"data GET with body", DataCall{Method: http.MethodGet, Path: "/x", Body: map[string]string{}}, authed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call.validate(tt.rc)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRequestCodeBuild(t *testing.T) {
	fp := testFingerprint(t)
	ep := testEndpoints()
	rc := RequestContext{}.WithCSRF("csrf-1").WithChallengeToken("solved").WithCookie("sid", "s1")

	req, err := RequestCodeCall{Account: "a@example.com"}.build(context.Background(), rc, ep, fp)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://portal.test/api/auth/v1/code/request", req.URL.String())
	assert.Equal(t, "csrf-1", wireHeader(req.Header, "x-csrf-token"))
	assert.Equal(t, "sid=s1", wireHeader(req.Header, "cookie"))
	assert.Equal(t, fp.Profile.UserAgent, wireHeader(req.Header, "user-agent"))
	assert.Empty(t, wireHeader(req.Header, "authorization"))
	assert.Contains(t, req.Header[http.HeaderOrderKey], "content-type")

	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "a@example.com", body["identifier"])
	assert.Equal(t, "solved", body["captchaToken"])
	assert.Equal(t, fp.DeviceID, body["deviceFingerprint"])
}

func TestDataCallBuild(t *testing.T) {
	fp := testFingerprint(t)
	rc := RequestContext{}.WithBearer("tok")
	call := DataCall{Method: http.MethodGet, Path: "/api/v1/statistics", Query: url.Values{"granularity": {"DAY"}}}

	req, err := call.build(context.Background(), rc, testEndpoints(), fp)
	require.NoError(t, err)
	assert.Equal(t, "https://portal.test/api/v1/statistics?granularity=DAY", req.URL.String())
	assert.Equal(t, "Bearer tok", wireHeader(req.Header, "authorization"))
	assert.Empty(t, wireHeader(req.Header, "content-type"))
	assert.Equal(t, "data", DataCall{}.Step())
	assert.Equal(t, "stats", DataCall{Name: "stats"}.Step())
}

func TestMobileHeadersOmitClientHints(t *testing.T) {
	pool := NewIdentityPool(nil, IdentityConfig{})
	pool.Add(KindMobile, "", "")
	id, err := pool.Checkout(KindMobile)
	require.NoError(t, err)

	req, err := FetchCSRFCall{}.build(context.Background(), RequestContext{}, testEndpoints(), id.Fingerprint())
	require.NoError(t, err)
	assert.Empty(t, wireHeader(req.Header, "sec-ch-ua"))
	assert.Contains(t, wireHeader(req.Header, "user-agent"), "iPhone")
}

// wireHeader reads a header stored under its lowercase wire name.
func wireHeader(h http.Header, name string) string {
	if v := h[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}
