package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Hyper-Solutions/hyper-sdk-go/v2"
	"github.com/Hyper-Solutions/hyper-sdk-go/v2/datadome"
	"github.com/Hyper-Solutions/hyper-sdk-go/v2/incapsula"
	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	hyperIPURL                 = "https://ip.hypersolutions.co/ip"
	datadomeInterstitialURL    = "https://geo.captcha-delivery.com/interstitial/"
	datadomeInterstitialOrigin = "https://geo.captcha-delivery.com"
)

// HyperStrategy clears script challenges (Reese84, DataDome interstitial) by
// generating sensor payloads through the Hyper API and submitting them over
// the same client that met the challenge.
type HyperStrategy struct {
	session *hyper.Session
	limiter *semaphore.Weighted
	logger  *zap.Logger
}

// NewHyperStrategy caps concurrent Hyper API calls at maxConcurrent; the API
// answers "access denied" when flooded.
func NewHyperStrategy(apiKey string, maxConcurrent int64, logger *zap.Logger) *HyperStrategy {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &HyperStrategy{
		session: hyper.NewSession(apiKey),
		limiter: semaphore.NewWeighted(maxConcurrent),
		logger:  logger.Named("hyper"),
	}
}

func (h *HyperStrategy) Name() string { return "hyper" }

func (h *HyperStrategy) Supports(kind ChallengeKind) bool {
	return kind == ChallengeReese84 || kind == ChallengeDataDome
}

func (h *HyperStrategy) Attempt(ctx context.Context, cc *ChallengeContext) (Resolution, error) {
	if h.session.ApiKey == "" {
		return Resolution{}, NewFatalError(errors.New("hyper: api key not configured"))
	}
	if cc.Client == nil || cc.Identity == nil {
		return Resolution{}, errors.New("hyper: challenge has no client to answer over")
	}
	switch cc.Kind {
	case ChallengeReese84:
		return h.solveReese84(ctx, cc)
	case ChallengeDataDome:
		return h.solveInterstitial(ctx, cc)
	}
	return Resolution{}, fmt.Errorf("hyper: unsupported challenge %s", cc.Kind)
}

func (h *HyperStrategy) generate(ctx context.Context, fn func() error) error {
	if err := h.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.limiter.Release(1)
	err := fn()
	if err != nil && ContainsFatalErrorString(err) {
		return NewFatalError(err)
	}
	return err
}

// =============================================================================
// Reese84
// =============================================================================

type reese84TokenResponse struct {
	Token        string `json:"token"`
	RenewInSec   int    `json:"renewInSec"`
	CookieDomain string `json:"cookieDomain"`
}

func (h *HyperStrategy) solveReese84(ctx context.Context, cc *ChallengeContext) (Resolution, error) {
	sensorPath, scriptPath, err := incapsula.ParseDynamicReeseScript(strings.NewReader(cc.Page), cc.PageURL)
	if err != nil {
		return Resolution{}, fmt.Errorf("reese84: %w", err)
	}
	origin := getOrigin(cc.PageURL)
	fp := cc.Identity.Fingerprint()

	script, err := h.fetch(ctx, cc.Client, http.MethodGet, origin+scriptPath, nil, scriptHeaders(fp, ""))
	if err != nil {
		return Resolution{}, fmt.Errorf("reese84 script: %w", err)
	}
	ip, err := h.externalIP(ctx, cc.Client)
	if err != nil {
		return Resolution{}, err
	}

	var sensor string
	err = h.generate(ctx, func() error {
		var gerr error
		sensor, gerr = h.session.GenerateReese84Sensor(ctx, &hyper.ReeseInput{
			UserAgent:      fp.Profile.UserAgent,
			AcceptLanguage: fp.AcceptLanguage,
			IP:             ip,
			ScriptUrl:      origin + scriptPath,
			PageUrl:        cc.PageURL,
			Script:         string(script),
		})
		return gerr
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("reese84 sensor: %w", err)
	}

	body, err := h.fetch(ctx, cc.Client, http.MethodPost, origin+sensorPath, strings.NewReader(sensor),
		scriptHeaders(fp, "text/plain;charset=UTF-8", "origin", origin))
	if err != nil {
		return Resolution{}, fmt.Errorf("reese84 submit: %w", err)
	}
	var tok reese84TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return Resolution{}, fmt.Errorf("reese84 submit: %w", err)
	}

	h.logger.Debug("Reese84 token issued", zap.Int("renew_in_sec", tok.RenewInSec))
	return Resolution{
		Cookies: map[string]string{"reese84": tok.Token},
		Cleared: tok.Token != "",
	}, nil
}

// =============================================================================
// DataDome interstitial
// =============================================================================

type datadomeInterstitialResponse struct {
	Cookie string `json:"cookie"`
	View   string `json:"view"`
	URL    string `json:"url"`
}

func (h *HyperStrategy) solveInterstitial(ctx context.Context, cc *ChallengeContext) (Resolution, error) {
	cookie := cc.Cookies["datadome"]
	if cookie == "" {
		return Resolution{}, errors.New("datadome: no datadome cookie in challenge response")
	}
	deviceLink, err := datadome.ParseInterstitialDeviceCheckLink(strings.NewReader(cc.Page), cookie, cc.PageURL)
	if err != nil {
		return Resolution{}, fmt.Errorf("datadome device link: %w", err)
	}
	fp := cc.Identity.Fingerprint()

	page, err := h.fetch(ctx, cc.Client, http.MethodGet, deviceLink, nil, documentHeaders(fp, cc.PageURL))
	if err != nil {
		return Resolution{}, fmt.Errorf("datadome device check: %w", err)
	}
	ip, err := h.externalIP(ctx, cc.Client)
	if err != nil {
		return Resolution{}, err
	}

	var payload string
	err = h.generate(ctx, func() error {
		var gerr error
		payload, _, gerr = h.session.GenerateDataDomeInterstitial(ctx, &hyper.DataDomeInterstitialInput{
			UserAgent:      fp.Profile.UserAgent,
			DeviceLink:     deviceLink,
			Html:           string(page),
			AcceptLanguage: fp.Locale,
			IP:             ip,
		})
		return gerr
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("datadome payload: %w", err)
	}

	headers := scriptHeaders(fp, "application/x-www-form-urlencoded; charset=UTF-8",
		"origin", datadomeInterstitialOrigin, "referer", deviceLink)
	body, err := h.fetch(ctx, cc.Client, http.MethodPost, datadomeInterstitialURL, strings.NewReader(payload), headers)
	if err != nil {
		return Resolution{}, fmt.Errorf("datadome submit: %w", err)
	}
	var resp datadomeInterstitialResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Resolution{}, fmt.Errorf("datadome submit: %w (body: %s)", err, truncate(string(body), 200))
	}

	value := extractCookieValue(resp.Cookie)
	return Resolution{
		Cookies: map[string]string{"datadome": value},
		Cleared: value != "",
	}, nil
}

// =============================================================================
// Helpers
// =============================================================================

type hyperIPResponse struct {
	IP string `json:"ip"`
}

// externalIP asks Hyper which address the egress presents, so sensor payloads
// match the connection that submits them.
func (h *HyperStrategy) externalIP(ctx context.Context, client tls_client.HttpClient) (string, error) {
	header := http.Header{
		"x-api-key": {h.session.ApiKey},
		"accept":    {"application/json"},
	}
	body, err := h.fetch(ctx, client, http.MethodGet, hyperIPURL, nil, header)
	if err != nil {
		return "", fmt.Errorf("external ip: %w", err)
	}
	var resp hyperIPResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("external ip: %w", err)
	}
	return resp.IP, nil
}

func (h *HyperStrategy) fetch(ctx context.Context, client tls_client.HttpClient, method, target string, body io.Reader, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header = header

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readResponseBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s -> %d", method, urlPath(target), resp.StatusCode)
	}
	return data, nil
}

func scriptHeaders(fp *Fingerprint, contentType string, extra ...string) http.Header {
	secChUa, secMobile, secPlatform := clientHints(fp.Profile)
	fields := map[string]string{}
	for i := 0; i+1 < len(extra); i += 2 {
		fields[extra[i]] = extra[i+1]
	}
	return orderedHeader(
		"sec-ch-ua-platform", secPlatform,
		"user-agent", fp.Profile.UserAgent,
		"sec-ch-ua", secChUa,
		"content-type", contentType,
		"sec-ch-ua-mobile", secMobile,
		"accept", "*/*",
		"origin", fields["origin"],
		"sec-fetch-site", "same-origin",
		"sec-fetch-mode", modeFor(contentType),
		"sec-fetch-dest", destFor(contentType),
		"referer", fields["referer"],
		"accept-encoding", "gzip, deflate, br, zstd",
		"accept-language", fp.AcceptLanguage,
	)
}

func documentHeaders(fp *Fingerprint, referer string) http.Header {
	secChUa, secMobile, secPlatform := clientHints(fp.Profile)
	return orderedHeader(
		"sec-ch-ua-platform", secPlatform,
		"user-agent", fp.Profile.UserAgent,
		"sec-ch-ua", secChUa,
		"sec-ch-ua-mobile", secMobile,
		"accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"sec-fetch-site", "cross-site",
		"sec-fetch-mode", "navigate",
		"sec-fetch-dest", "document",
		"referer", referer,
		"accept-encoding", "gzip, deflate, br, zstd",
		"accept-language", fp.AcceptLanguage,
	)
}

func modeFor(contentType string) string {
	if contentType == "" {
		return "no-cors"
	}
	return "cors"
}

func destFor(contentType string) string {
	if contentType == "" {
		return "script"
	}
	return "empty"
}

func urlPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Path
	}
	return raw
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
