package main

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	http "github.com/bogdanfinn/fhttp"
)

// Classification is the transport's verdict on one response.
type Classification string

const (
	ClassSuccess     Classification = "SUCCESS"
	ClassTransient   Classification = "TRANSIENT"
	ClassRateLimited Classification = "RATE_LIMITED"
	ClassChallenge   Classification = "CHALLENGE"
	ClassRejected    Classification = "REJECTED"
	ClassFatal       Classification = "FATAL"
)

// ChallengeKind names the anti-automation gate a response put up.
type ChallengeKind string

const (
	ChallengeHCaptcha  ChallengeKind = "hcaptcha"
	ChallengeReCaptcha ChallengeKind = "recaptcha"
	ChallengeReese84   ChallengeKind = "reese84"
	ChallengeDataDome  ChallengeKind = "datadome"
	ChallengeUnknown   ChallengeKind = "unknown"
)

type challengeSignal struct {
	Kind    ChallengeKind
	SiteKey string
}

var siteKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`data-sitekey=["']([\w-]+)["']`),
	regexp.MustCompile(`["']?site_?[kK]ey["']?\s*[:=]\s*["']([\w-]+)["']`),
	regexp.MustCompile(`[?&]k=([\w-]{20,})`),
}

func findSiteKey(body []byte) string {
	for _, re := range siteKeyPatterns {
		if m := re.FindSubmatch(body); m != nil {
			return string(m[1])
		}
	}
	return ""
}

// detectChallenge looks for the markers of known challenge pages.
func detectChallenge(status int, body []byte) (challengeSignal, bool) {
	lower := bytes.ToLower(body)
	switch {
	case bytes.Contains(lower, []byte("captcha-delivery.com")):
		return challengeSignal{Kind: ChallengeDataDome}, true
	case bytes.Contains(body, []byte("Pardon Our Interruption")):
		return challengeSignal{Kind: ChallengeReese84}, true
	case bytes.Contains(lower, []byte("hcaptcha.com")), bytes.Contains(lower, []byte("h-captcha")):
		return challengeSignal{Kind: ChallengeHCaptcha, SiteKey: findSiteKey(body)}, true
	case bytes.Contains(lower, []byte("google.com/recaptcha")), bytes.Contains(lower, []byte("g-recaptcha")),
		bytes.Contains(lower, []byte("recaptcha.net")):
		return challengeSignal{Kind: ChallengeReCaptcha, SiteKey: findSiteKey(body)}, true
	case bytes.Contains(lower, []byte("captcha_required")), bytes.Contains(lower, []byte("captcharequired")):
		return challengeSignal{Kind: ChallengeUnknown, SiteKey: findSiteKey(body)}, true
	}
	return challengeSignal{}, false
}

func isHTML(header http.Header, body []byte) bool {
	if strings.Contains(strings.ToLower(header.Get("Content-Type")), "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")) || bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html"))
}

// classifyResponse maps a response onto the outcome taxonomy. Challenge
// markers are only honoured on 403s and on HTML bodies: the endpoint speaks
// JSON, so HTML from it is a block page.
func classifyResponse(status int, header http.Header, body []byte) (Classification, challengeSignal) {
	if status == http.StatusForbidden || isHTML(header, body) || status == http.StatusUnauthorized {
		if sig, ok := detectChallenge(status, body); ok {
			return ClassChallenge, sig
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited, challengeSignal{}
	case status == http.StatusServiceUnavailable && header.Get("Retry-After") != "":
		return ClassRateLimited, challengeSignal{}
	case status >= 200 && status < 300:
		return ClassSuccess, challengeSignal{}
	case status == http.StatusRequestTimeout, status == http.StatusInternalServerError,
		status == http.StatusBadGateway, status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return ClassTransient, challengeSignal{}
	case status >= 300 && status < 400:
		return ClassRejected, challengeSignal{}
	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusNotFound, status == http.StatusConflict, status == http.StatusGone,
		status == http.StatusUnprocessableEntity:
		return ClassRejected, challengeSignal{}
	}
	return ClassFatal, challengeSignal{}
}

// isCSRFRejection reports whether a rejection blames a stale anti-forgery token.
func isCSRFRejection(status int, body []byte) bool {
	if status != http.StatusUnauthorized && status != http.StatusForbidden && status != 419 {
		return false
	}
	return status == 419 || bytes.Contains(bytes.ToLower(body), []byte("csrf"))
}

var metaCSRFPattern = regexp.MustCompile(`<meta\s+name=["'](?:csrf-token|_csrf|csrf)["']\s+content=["']([^"']+)["']`)

// extractCSRF finds a fresh anti-forgery token in a response: header first,
// then cookie, then the HTML meta tag or a JSON field.
func extractCSRF(header http.Header, cookies map[string]string, body []byte, ep EndpointConfig) string {
	if ep.CSRFHeader != "" {
		if v := header.Get(ep.CSRFHeader); v != "" {
			return v
		}
	}
	if ep.CSRFCookie != "" {
		if v := cookies[ep.CSRFCookie]; v != "" {
			return v
		}
	}
	if m := metaCSRFPattern.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return jsonString(body, "csrfToken", "csrf_token")
}

// jsonObject decodes body as a JSON object, descending into a top-level
// "data" envelope when present.
func jsonObject(body []byte) map[string]any {
	var obj map[string]any
	if len(body) == 0 || json.Unmarshal(body, &obj) != nil {
		return nil
	}
	if data, ok := obj["data"].(map[string]any); ok {
		for k, v := range obj {
			if _, exists := data[k]; !exists && k != "data" {
				data[k] = v
			}
		}
		return data
	}
	return obj
}

// jsonString returns the first non-empty string field among keys.
func jsonString(body []byte, keys ...string) string {
	obj := jsonObject(body)
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// jsonBool returns a boolean field and whether it was present.
func jsonBool(body []byte, key string) (value, present bool) {
	value, present = jsonObject(body)[key].(bool)
	return value, present
}

// jsonArray decodes a body whose top level is a JSON array.
func jsonArray(body []byte) []any {
	var arr []any
	if json.Unmarshal(body, &arr) != nil {
		return nil
	}
	return arr
}
