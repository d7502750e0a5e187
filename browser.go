package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// BrowserProcess is the automated browser backing a supervised session.
// Every method returns ErrBrowserGone once the process is unreachable.
type BrowserProcess interface {
	Location(ctx context.Context) (string, error)
	// Navigate loads url in the current tab and waits for the page to load.
	Navigate(ctx context.Context, url string) error
	Snapshot(ctx context.Context) (BrowserSnapshot, error)
	// DrainNetwork returns responses observed since the previous call.
	DrainNetwork() []NetworkEvent
	Close() error
}

// BrowserSnapshot is the auth-relevant state of the current page.
type BrowserSnapshot struct {
	Title          string
	Cookies        map[string]string
	LocalStorage   map[string]string
	SessionStorage map[string]string
	Tokens         map[string]string
}

type NetworkEvent struct {
	URL      string
	Method   string
	Status   int
	MimeType string
	At       time.Time
}

// LaunchSpec carries what a browser needs to continue an authenticated session.
type LaunchSpec struct {
	SessionID   string
	StartURL    string
	Identity    *Identity
	Credentials *Credentials
}

type BrowserLauncher interface {
	Launch(ctx context.Context, spec LaunchSpec) (BrowserProcess, error)
}

// =============================================================================
// chromedp
// =============================================================================

// ChromeLauncher starts one Chrome per session, egressing through the
// session's identity and presenting its user agent and screen.
type ChromeLauncher struct {
	Headless bool
	ExecPath string
	Logger   *zap.Logger
}

func (l ChromeLauncher) allocatorOptions(id *Identity) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions {
		opts = append(opts, opt)
	}
	opts = append(opts,
		chromedp.Flag("headless", l.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
	)
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}
	if fp := id.Fingerprint(); fp != nil {
		opts = append(opts,
			chromedp.UserAgent(fp.Profile.UserAgent),
			chromedp.WindowSize(fp.ScreenWidth, fp.ScreenHeight),
			chromedp.Flag("lang", fp.Locale),
		)
	}
	if server := proxyServer(id.Egress); server != "" {
		opts = append(opts, chromedp.ProxyServer(server))
	}
	return opts
}

// proxyServer strips credentials from an egress URL; Chrome takes them
// through the auth challenge instead.
func proxyServer(egress string) string {
	if egress == "" {
		return ""
	}
	u, err := url.Parse(egress)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func (l ChromeLauncher) Launch(ctx context.Context, spec LaunchSpec) (BrowserProcess, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("browser").With(zap.String("session_id", spec.SessionID))

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(spec.Identity)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	p := &chromeProcess{
		ctx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
		logger: logger,
	}
	if u, err := url.Parse(spec.Identity.Egress); err == nil && u.User != nil {
		p.proxyUser = u.User.Username()
		p.proxyPass, _ = u.User.Password()
	}
	chromedp.ListenTarget(browserCtx, p.onEvent)

	startCtx, cancel := context.WithTimeout(browserCtx, 60*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	actions := []chromedp.Action{network.Enable()}
	if p.proxyUser != "" {
		actions = append(actions, fetch.Enable().WithHandleAuthRequests(true))
	}
	actions = append(actions, seedCookies(spec))
	if spec.StartURL != "" {
		actions = append(actions, chromedp.Navigate(spec.StartURL))
	}
	if err := chromedp.Run(startCtx, actions...); err != nil {
		p.cancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	logger.Info("Browser started", zap.String("start_url", spec.StartURL), zap.String("egress", spec.Identity.Display))
	return p, nil
}

// seedCookies installs the handshake's cookies and bearer on the start URL's
// domain so the browser picks up the authenticated session.
func seedCookies(spec LaunchSpec) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if spec.Credentials == nil || spec.StartURL == "" {
			return nil
		}
		u, err := url.Parse(spec.StartURL)
		if err != nil {
			return err
		}
		for name, value := range spec.Credentials.Cookies {
			err := network.SetCookie(name, value).
				WithDomain(u.Hostname()).
				WithPath("/").
				WithSecure(u.Scheme == "https").
				Do(ctx)
			if err != nil {
				return fmt.Errorf("seeding cookie %s: %w", name, err)
			}
		}
		if spec.Credentials.Bearer != "" {
			headers := network.Headers{"Authorization": "Bearer " + spec.Credentials.Bearer}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("seeding bearer: %w", err)
			}
		}
		return nil
	})
}

type chromeProcess struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	proxyUser string
	proxyPass string

	mu      sync.Mutex
	pending []NetworkEvent
	methods map[network.RequestID]string

	closeOnce sync.Once
}

const maxPendingEvents = 512

func (p *chromeProcess) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.mu.Lock()
		if p.methods == nil {
			p.methods = make(map[network.RequestID]string)
		}
		p.methods[e.RequestID] = e.Request.Method
		p.mu.Unlock()

	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		p.mu.Lock()
		method := p.methods[e.RequestID]
		delete(p.methods, e.RequestID)
		if len(p.pending) < maxPendingEvents {
			p.pending = append(p.pending, NetworkEvent{
				URL:      e.Response.URL,
				Method:   method,
				Status:   int(e.Response.Status),
				MimeType: e.Response.MimeType,
				At:       time.Now(),
			})
		}
		p.mu.Unlock()

	case *fetch.EventAuthRequired:
		go func() {
			c := chromedp.FromContext(p.ctx)
			resp := &fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: p.proxyUser,
				Password: p.proxyPass,
			}
			if err := fetch.ContinueWithAuth(e.RequestID, resp).Do(cdp.WithExecutor(p.ctx, c.Target)); err != nil {
				p.logger.Debug("Proxy auth failed", zap.Error(err))
			}
		}()

	case *fetch.EventRequestPaused:
		go func() {
			c := chromedp.FromContext(p.ctx)
			_ = fetch.ContinueRequest(e.RequestID).Do(cdp.WithExecutor(p.ctx, c.Target))
		}()
	}
}

// run executes actions on the browser, bounded by the caller's ctx.
func (p *chromeProcess) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.ctx.Err() != nil {
		return ErrBrowserGone
	}
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	switch {
	case err == nil:
		return nil
	case p.ctx.Err() != nil:
		return ErrBrowserGone
	case ctx.Err() != nil:
		return ctx.Err()
	case isTargetGone(err):
		return fmt.Errorf("%w: %v", ErrBrowserGone, err)
	}
	return err
}

func isTargetGone(err error) bool {
	if errors.Is(err, chromedp.ErrInvalidContext) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "target closed") || strings.Contains(msg, "websocket") ||
		strings.Contains(msg, "no such target")
}

func (p *chromeProcess) Location(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (p *chromeProcess) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

const snapshotScript = `(function() {
	var out = { title: document.title, localStorage: {}, sessionStorage: {}, tokens: {} };
	try { for (var i = 0; i < localStorage.length; i++) { var k = localStorage.key(i); out.localStorage[k] = String(localStorage.getItem(k)); } } catch (e) {}
	try { for (var j = 0; j < sessionStorage.length; j++) { var s = sessionStorage.key(j); out.sessionStorage[s] = String(sessionStorage.getItem(s)); } } catch (e) {}
	['token', 'accessToken', 'authToken', 'jwt', 'bearerToken', 'csrf', 'xsrf', 'sessionToken', 'apiKey', 'apiToken'].forEach(function(n) {
		[n, n.toLowerCase(), n.toUpperCase()].forEach(function(v) {
			if (typeof window[v] === 'string' && window[v]) out.tokens[v] = window[v];
		});
	});
	document.querySelectorAll('meta[name*="csrf"], meta[name*="token"], meta[name*="auth"]').forEach(function(m) {
		if (m.content) out.tokens['meta:' + m.name] = m.content;
	});
	return out;
})()`

type pageState struct {
	Title          string            `json:"title"`
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
	Tokens         map[string]string `json:"tokens"`
}

func (p *chromeProcess) Snapshot(ctx context.Context) (BrowserSnapshot, error) {
	var (
		cookies []*network.Cookie
		state   pageState
	)
	err := p.run(ctx,
		chromedp.ActionFunc(func(c context.Context) (err error) {
			cookies, err = network.GetCookies().Do(c)
			return err
		}),
		chromedp.Evaluate(snapshotScript, &state),
	)
	if err != nil {
		return BrowserSnapshot{}, err
	}
	snap := BrowserSnapshot{
		Title:          state.Title,
		Cookies:        make(map[string]string, len(cookies)),
		LocalStorage:   state.LocalStorage,
		SessionStorage: state.SessionStorage,
		Tokens:         state.Tokens,
	}
	for _, c := range cookies {
		snap.Cookies[c.Name] = c.Value
	}
	return snap, nil
}

func (p *chromeProcess) DrainNetwork() []NetworkEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = nil
	return out
}

func (p *chromeProcess) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.logger.Info("Browser closed")
	})
	return nil
}

// =============================================================================
// Static
// =============================================================================

// StaticLauncher backs sessions without a browser: the session stays on its
// start URL and snapshots report the handshake's own credentials.
type StaticLauncher struct{}

func (StaticLauncher) Launch(_ context.Context, spec LaunchSpec) (BrowserProcess, error) {
	p := &staticProcess{location: spec.StartURL}
	if c := spec.Credentials; c != nil {
		p.snapshot = BrowserSnapshot{
			Cookies: c.RequestContext().Cookies(),
			Tokens:  map[string]string{},
		}
		if c.Bearer != "" {
			p.snapshot.Tokens["accessToken"] = c.Bearer
		}
		if c.CSRF != "" {
			p.snapshot.Tokens["csrf"] = c.CSRF
		}
	}
	return p, nil
}

type staticProcess struct {
	mu       sync.Mutex
	closed   bool
	location string
	snapshot BrowserSnapshot
}

func (p *staticProcess) Location(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrBrowserGone
	}
	return p.location, nil
}

func (p *staticProcess) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrBrowserGone
	}
	p.location = url
	return nil
}

func (p *staticProcess) Snapshot(context.Context) (BrowserSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return BrowserSnapshot{}, ErrBrowserGone
	}
	return p.snapshot, nil
}

func (p *staticProcess) DrainNetwork() []NetworkEvent { return nil }

func (p *staticProcess) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
