package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	http "github.com/bogdanfinn/fhttp"
)

// EndpointConfig describes the remote endpoint contract: where each step
// lives and which names carry credentials.
type EndpointConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	RequestCodePath     string `mapstructure:"request_code_path"`
	VerifyCodePath      string `mapstructure:"verify_code_path"`
	ListEntitiesPath    string `mapstructure:"list_entities_path"`
	SelectEntityPath    string `mapstructure:"select_entity_path"`
	CSRFPath            string `mapstructure:"csrf_path"`
	CSRFHeader          string `mapstructure:"csrf_header"`
	CSRFCookie          string `mapstructure:"csrf_cookie"`
	AccessCookie        string `mapstructure:"access_cookie"`
	RefreshCookie       string `mapstructure:"refresh_cookie"`
	ChallengeTokenField string `mapstructure:"challenge_token_field"`
}

func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		BaseURL:             "https://portal.example.com",
		RequestCodePath:     "/api/auth/v1/code/request",
		VerifyCodePath:      "/api/auth/v1/code/verify",
		ListEntitiesPath:    "/api/auth/v1/entities",
		SelectEntityPath:    "/api/auth/v1/entities/select",
		CSRFPath:            "/",
		CSRFHeader:          "x-csrf-token",
		CSRFCookie:          "_CSRF",
		AccessCookie:        "_at",
		RefreshCookie:       "_rt",
		ChallengeTokenField: "captchaToken",
	}
}

func (ep EndpointConfig) url(path string, query url.Values) string {
	u := strings.TrimRight(ep.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Call is one request kind of the endpoint contract. The set of
// implementations is closed: RequestCodeCall, VerifyCodeCall,
// ListEntitiesCall, SelectEntityCall, FetchCSRFCall and DataCall.
type Call interface {
	Step() string
	validate(rc RequestContext) error
	build(ctx context.Context, rc RequestContext, ep EndpointConfig, fp *Fingerprint) (*http.Request, error)
}

var errMissingBearer = errors.New("call requires bearer credentials")

// RequestCodeCall asks the remote to dispatch a one-time code to the account.
type RequestCodeCall struct {
	Account string
}

func (RequestCodeCall) Step() string { return "request_code" }

func (c RequestCodeCall) validate(RequestContext) error {
	if strings.TrimSpace(c.Account) == "" {
		return errors.New("account is required")
	}
	return nil
}

func (c RequestCodeCall) build(ctx context.Context, rc RequestContext, ep EndpointConfig, fp *Fingerprint) (*http.Request, error) {
	body := deviceFields(fp)
	body["identifier"] = c.Account
	addChallengeToken(body, rc, ep)
	return newJSONRequest(ctx, http.MethodPost, ep.url(ep.RequestCodePath, nil), body, apiHeaders(rc, ep, fp, true))
}

// VerifyCodeCall submits the one-time code the account received.
type VerifyCodeCall struct {
	Account   string
	Code      string
	CodeToken string
}

func (VerifyCodeCall) Step() string { return "verify_code" }

func (c VerifyCodeCall) validate(RequestContext) error {
	if strings.TrimSpace(c.Code) == "" {
		return errors.New("code is required")
	}
	if strings.ContainsAny(c.Code, " \t\r\n") {
		return errors.New("code must not contain whitespace")
	}
	return nil
}

func (c VerifyCodeCall) build(ctx context.Context, rc RequestContext, ep EndpointConfig, fp *Fingerprint) (*http.Request, error) {
	body := deviceFields(fp)
	body["identifier"] = c.Account
	body["code"] = c.Code
	if c.CodeToken != "" {
		body["token"] = c.CodeToken
	}
	addChallengeToken(body, rc, ep)
	return newJSONRequest(ctx, http.MethodPost, ep.url(ep.VerifyCodePath, nil), body, apiHeaders(rc, ep, fp, true))
}

// ListEntitiesCall fetches the sub-entities a verified account may act as.
type ListEntitiesCall struct{}

func (ListEntitiesCall) Step() string { return "list_entities" }

func (ListEntitiesCall) validate(rc RequestContext) error {
	if rc.Bearer() == "" {
		return errMissingBearer
	}
	return nil
}

func (ListEntitiesCall) build(ctx context.Context, rc RequestContext, ep EndpointConfig, fp *Fingerprint) (*http.Request, error) {
	return newJSONRequest(ctx, http.MethodGet, ep.url(ep.ListEntitiesPath, nil), nil, apiHeaders(rc, ep, fp, false))
}

// SelectEntityCall binds the session to one sub-entity.
type SelectEntityCall struct {
	EntityID string
}

func (SelectEntityCall) Step() string { return "select_entity" }

func (c SelectEntityCall) validate(rc RequestContext) error {
	if strings.TrimSpace(c.EntityID) == "" {
		return errors.New("entity id is required")
	}
	if rc.Bearer() == "" {
		return errMissingBearer
	}
	return nil
}

func (c SelectEntityCall) build(ctx context.Context, rc RequestContext, ep EndpointConfig, fp *Fingerprint) (*http.Request, error) {
	body := map[string]any{"entityId": c.EntityID}
	return newJSONRequest(ctx, http.MethodPost, ep.url(ep.SelectEntityPath, nil), body, apiHeaders(rc, ep, fp, true))
}

// FetchCSRFCall loads a page solely to obtain a fresh anti-forgery token.
type FetchCSRFCall struct{}

func (FetchCSRFCall) Step() string { return "fetch_csrf" }

func (FetchCSRFCall) validate(RequestContext) error { return nil }

func (FetchCSRFCall) build(ctx context.Context, rc RequestContext, ep EndpointConfig, fp *Fingerprint) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.url(ep.CSRFPath, nil), nil)
	if err != nil {
		return nil, err
	}
	req.Header = navigationHeaders(rc, fp)
	return req, nil
}

// DataCall is an authenticated read against the established session.
type DataCall struct {
	Name   string
	Method string
	Path   string
	Query  url.Values
	Body   any
}

func (c DataCall) Step() string {
	if c.Name != "" {
		return c.Name
	}
	return "data"
}

func (c DataCall) validate(rc RequestContext) error {
	if c.Method != http.MethodGet && c.Method != http.MethodPost {
		return fmt.Errorf("unsupported method %q", c.Method)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must be absolute", c.Path)
	}
	if c.Method == http.MethodGet && c.Body != nil {
		return errors.New("GET call cannot carry a body")
	}
	if rc.Bearer() == "" {
		return errMissingBearer
	}
	return nil
}

func (c DataCall) build(ctx context.Context, rc RequestContext, ep EndpointConfig, fp *Fingerprint) (*http.Request, error) {
	return newJSONRequest(ctx, c.Method, ep.url(c.Path, c.Query), c.Body, apiHeaders(rc, ep, fp, c.Body != nil))
}

func deviceFields(fp *Fingerprint) map[string]any {
	return map[string]any{
		"deviceFingerprint":  fp.DeviceID,
		"browserFingerprint": fp.ClientID,
		"screen":             fmt.Sprintf("%dx%d", fp.ScreenWidth, fp.ScreenHeight),
		"timezone":           fp.Timezone,
		"locale":             fp.Locale,
	}
}

func addChallengeToken(body map[string]any, rc RequestContext, ep EndpointConfig) {
	if tok := rc.ChallengeToken(); tok != "" && ep.ChallengeTokenField != "" {
		body[ep.ChallengeTokenField] = tok
	}
}

func newJSONRequest(ctx context.Context, method, target string, body any, header http.Header) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header = header
	return req, nil
}

// clientHints returns the sec-ch-ua triple, empty for browsers without client hints.
func clientHints(p *BrowserProfile) (ua, mobile, platform string) {
	if p.SecChUa == "" {
		return "", "", ""
	}
	return p.SecChUa, p.Mobile, p.Platform
}

func apiHeaders(rc RequestContext, ep EndpointConfig, fp *Fingerprint, hasBody bool) http.Header {
	secChUa, secMobile, secPlatform := clientHints(fp.Profile)
	var contentType, bearer string
	if hasBody {
		contentType = "application/json"
	}
	if rc.Bearer() != "" {
		bearer = "Bearer " + rc.Bearer()
	}
	origin := getOrigin(ep.BaseURL)

	return orderedHeader(
		"content-type", contentType,
		"sec-ch-ua-platform", secPlatform,
		"authorization", bearer,
		strings.ToLower(ep.CSRFHeader), rc.CSRF(),
		"sec-ch-ua", secChUa,
		"sec-ch-ua-mobile", secMobile,
		"user-agent", fp.Profile.UserAgent,
		"accept", "application/json, text/plain, */*",
		"x-device-fingerprint", fp.DeviceID,
		"origin", origin,
		"sec-fetch-site", "same-origin",
		"sec-fetch-mode", "cors",
		"sec-fetch-dest", "empty",
		"referer", origin+"/",
		"accept-encoding", "gzip, deflate, br, zstd",
		"accept-language", fp.AcceptLanguage,
		"cookie", cookieHeader(rc.cookies),
		"priority", "u=1, i",
	)
}

func navigationHeaders(rc RequestContext, fp *Fingerprint) http.Header {
	secChUa, secMobile, secPlatform := clientHints(fp.Profile)
	return orderedHeader(
		"sec-ch-ua", secChUa,
		"sec-ch-ua-mobile", secMobile,
		"sec-ch-ua-platform", secPlatform,
		"upgrade-insecure-requests", "1",
		"user-agent", fp.Profile.UserAgent,
		"accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"sec-fetch-site", "none",
		"sec-fetch-mode", "navigate",
		"sec-fetch-user", "?1",
		"sec-fetch-dest", "document",
		"accept-encoding", "gzip, deflate, br, zstd",
		"accept-language", fp.AcceptLanguage,
		"cookie", cookieHeader(rc.cookies),
		"priority", "u=0, i",
	)
}
