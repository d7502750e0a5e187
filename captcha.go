package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/valyala/fasthttp"
)

// =============================================================================
// Solver services (createTask / getTaskResult)
// =============================================================================

const (
	capSolverBaseURL  = "https://api.capsolver.com"
	twoCaptchaBaseURL = "https://api.2captcha.com"
)

// solverResponse covers both CapSolver and 2Captcha. CapSolver task IDs are
// strings and 2Captcha's are numbers, so the ID is passed back untouched.
type solverResponse struct {
	ErrorId          int            `json:"errorId"`
	ErrorCode        string         `json:"errorCode"`
	ErrorDescription string         `json:"errorDescription"`
	TaskId           any            `json:"taskId"`
	Status           string         `json:"status"`
	Solution         map[string]any `json:"solution"`
}

// SolverStrategy clears CAPTCHA challenges through a remote solving service:
// submit a task, then poll for its result.
type SolverStrategy struct {
	name           string
	baseURL        string
	apiKey         string
	poller         Poller
	requestRetries int
	requestTimeout time.Duration
	tasks          map[ChallengeKind]string
	client         *fasthttp.Client
}

// NewCapSolverStrategy polls once a second for up to two minutes.
func NewCapSolverStrategy(apiKey string) *SolverStrategy {
	return &SolverStrategy{
		name:    "capsolver",
		baseURL: capSolverBaseURL,
		apiKey:  apiKey,
		poller:  Poller{Interval: time.Second, MaxAttempts: 120, MaxDuration: 120 * time.Second, DelayFirst: true},
		tasks: map[ChallengeKind]string{
			ChallengeReCaptcha: "ReCaptchaV2TaskProxyLess",
			ChallengeHCaptcha:  "HCaptchaTaskProxyLess",
		},
		requestRetries: 3,
		requestTimeout: 30 * time.Second,
		client:         &fasthttp.Client{Name: "negotiator"},
	}
}

// NewTwoCaptchaStrategy polls every five seconds, as 2captcha recommends.
func NewTwoCaptchaStrategy(apiKey string) *SolverStrategy {
	return &SolverStrategy{
		name:    "2captcha",
		baseURL: twoCaptchaBaseURL,
		apiKey:  apiKey,
		poller:  Poller{Interval: 5 * time.Second, MaxAttempts: 36, MaxDuration: 180 * time.Second, DelayFirst: true},
		tasks: map[ChallengeKind]string{
			ChallengeReCaptcha: "RecaptchaV2TaskProxyless",
			ChallengeHCaptcha:  "HCaptchaTaskProxyless",
		},
		requestRetries: 3,
		requestTimeout: 30 * time.Second,
		client:         &fasthttp.Client{Name: "negotiator"},
	}
}

func (s *SolverStrategy) Name() string { return s.name }

func (s *SolverStrategy) Supports(kind ChallengeKind) bool {
	_, ok := s.tasks[kind]
	return ok
}

func (s *SolverStrategy) Attempt(ctx context.Context, cc *ChallengeContext) (Resolution, error) {
	if s.apiKey == "" {
		return Resolution{}, NewFatalError(fmt.Errorf("%s: api key not configured", s.name))
	}
	if cc.SiteKey == "" {
		return Resolution{}, fmt.Errorf("%s: no site key found on challenge page", s.name)
	}

	task := map[string]any{
		"type":       s.tasks[cc.Kind],
		"websiteURL": cc.PageURL,
		"websiteKey": cc.SiteKey,
	}
	if cc.Identity != nil && cc.Identity.Fingerprint() != nil {
		task["userAgent"] = cc.Identity.Fingerprint().Profile.UserAgent
	}

	created, err := s.post(ctx, "/createTask", map[string]any{
		"clientKey": s.apiKey,
		"task":      task,
	})
	if err != nil {
		return Resolution{}, err
	}
	if created.ErrorId != 0 {
		return Resolution{}, s.apiError(created.ErrorCode, created.ErrorDescription)
	}

	var result *solverResponse
	err = s.poller.Poll(ctx, func(ctx context.Context, _ int) (bool, error) {
		res, err := s.post(ctx, "/getTaskResult", map[string]any{
			"clientKey": s.apiKey,
			"taskId":    created.TaskId,
		})
		if err != nil {
			return false, err
		}
		if res.ErrorId != 0 {
			return false, s.apiError(res.ErrorCode, res.ErrorDescription)
		}
		if res.Status == "ready" {
			result = res
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("%s: %w", s.name, err)
	}

	token := solutionToken(result.Solution)
	if token == "" {
		return Resolution{}, fmt.Errorf("%s: no token in solution", s.name)
	}
	return Resolution{Token: token, Cleared: true}, nil
}

func (s *SolverStrategy) apiError(code, description string) error {
	err := fmt.Errorf("%s error: %s - %s", s.name, code, description)
	if isFatalCaptchaError(code) {
		return NewFatalError(err)
	}
	return err
}

// post sends one JSON request, retrying transport failures with a doubling pause.
func (s *SolverStrategy) post(ctx context.Context, path string, payload any) (*solverResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := range s.requestRetries {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
				return nil, err
			}
		}

		out, err := s.do(ctx, s.baseURL+path, body)
		if err == nil {
			return out, nil
		}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%s request failed after %d retries: %w", s.name, s.requestRetries, lastErr)
}

func (s *SolverStrategy) do(ctx context.Context, uri string, body []byte) (*solverResponse, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	timeout := s.requestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}
	if err := s.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, err
	}
	if code := resp.StatusCode(); code >= 500 {
		return nil, fmt.Errorf("solver service returned status %d", code)
	}

	out := new(solverResponse)
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return nil, err
	}
	return out, nil
}

var fatalCaptchaCodes = []string{
	"ERROR_ZERO_BALANCE",
	"ERROR_KEY_DOES_NOT_EXIST",
	"ERROR_WRONG_USER_KEY",
	"ERROR_WRONG_GOOGLEKEY",
	"ERROR_IP_NOT_ALLOWED",
	"ERROR_IP_BANNED",
	"ERROR_KEY_DENIED_ACCESS",
}

func isFatalCaptchaError(errorCode string) bool {
	return slices.Contains(fatalCaptchaCodes, errorCode)
}

func solutionToken(solution map[string]any) string {
	for _, key := range []string{"gRecaptchaResponse", "token", "captchaResponse"} {
		if token, ok := solution[key].(string); ok && token != "" {
			return token
		}
	}
	return ""
}
