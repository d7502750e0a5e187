package main

import (
	"testing"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
)

func TestClassifyResponse(t *testing.T) {
	jsonHdr := http.Header{"Content-Type": {"application/json"}}
	htmlHdr := http.Header{"Content-Type": {"text/html; charset=utf-8"}}
	retryHdr := http.Header{"Retry-After": {"5"}}

	tests := []struct {
		name   string
		status int
		header http.Header
		body   string
		want   Classification
		kind   ChallengeKind
	}{
		{"ok", 200, jsonHdr, `{"ok":true}`, ClassSuccess, ""},
		{"no content", 204, jsonHdr, ``, ClassSuccess, ""},
		{"too many requests", 429, jsonHdr, `{}`, ClassRateLimited, ""},
		{"unavailable with hint", 503, retryHdr, ``, ClassRateLimited, ""},
		{"unavailable", 503, jsonHdr, ``, ClassTransient, ""},
		{"bad gateway", 502, jsonHdr, ``, ClassTransient, ""},
		{"bad request", 400, jsonHdr, `{"message":"bad code"}`, ClassRejected, ""},
		{"redirect", 302, http.Header{}, ``, ClassRejected, ""},
		{"teapot", 418, jsonHdr, ``, ClassFatal, ""},
		{"recaptcha on 403", 403, htmlHdr, recaptchaPage, ClassChallenge, ChallengeReCaptcha},
		{"hcaptcha html on 200", 200, htmlHdr, `<div class="h-captcha" data-sitekey="abc-123"></div>`, ClassChallenge, ChallengeHCaptcha},
		{"datadome", 403, jsonHdr, `{"url":"https://geo.captcha-delivery.com/captcha/?initialCid=x"}`, ClassChallenge, ChallengeDataDome},
		{"reese84", 200, htmlHdr, `<title>Pardon Our Interruption</title>`, ClassChallenge, ChallengeReese84},
		{"captcha word in json 200 is not a challenge", 200, jsonHdr, `{"hint":"g-recaptcha"}`, ClassSuccess, ""},
		{"plain 403", 403, jsonHdr, `{"message":"forbidden"}`, ClassRejected, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, sig := classifyResponse(tt.status, tt.header, []byte(tt.body))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.kind, sig.Kind)
		})
	}
}

func TestSiteKeyExtraction(t *testing.T) {
	_, sig := classifyResponse(403, http.Header{"Content-Type": {"text/html"}}, []byte(recaptchaPage))
	assert.Equal(t, "6LcTESTKEYabcdefghijklmnop", sig.SiteKey)
	assert.Equal(t, "k1", findSiteKey([]byte(`{"siteKey": "k1"}`)))
	assert.Empty(t, findSiteKey([]byte(`nothing here`)))
}

func TestIsCSRFRejection(t *testing.T) {
	assert.True(t, isCSRFRejection(419, nil))
	assert.True(t, isCSRFRejection(403, []byte(`{"error":"CSRF token mismatch"}`)))
	assert.False(t, isCSRFRejection(403, []byte(`{"error":"forbidden"}`)))
	assert.False(t, isCSRFRejection(400, []byte(`csrf`)))
}

func TestExtractCSRF(t *testing.T) {
	ep := testEndpoints()
	assert.Equal(t, "h", extractCSRF(http.Header{"X-Csrf-Token": {"h"}}, map[string]string{"_CSRF": "c"}, nil, ep))
	assert.Equal(t, "c", extractCSRF(http.Header{}, map[string]string{"_CSRF": "c"}, nil, ep))
	assert.Equal(t, "m", extractCSRF(http.Header{}, nil, []byte(`<meta name="csrf-token" content="m">`), ep))
	assert.Equal(t, "j", extractCSRF(http.Header{}, nil, []byte(`{"data":{"csrfToken":"j"}}`), ep))
	assert.Empty(t, extractCSRF(http.Header{}, nil, []byte(`{}`), ep))
}

func TestJSONHelpers(t *testing.T) {
	body := []byte(`{"success":true,"data":{"token":"t"},"message":"m"}`)
	assert.Equal(t, "t", jsonString(body, "missing", "token"))
	assert.Equal(t, "m", jsonString(body, "message"))

	v, ok := jsonBool(body, "success")
	assert.True(t, ok)
	assert.True(t, v)
	_, ok = jsonBool(body, "absent")
	assert.False(t, ok)

	assert.Len(t, jsonArray([]byte(`[1,2,3]`)), 3)
	assert.Nil(t, jsonArray([]byte(`{}`)))
	assert.Nil(t, jsonObject([]byte(`not json`)))
}
