package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var loginFlags struct {
	kind         string
	codeDir      string
	collect      bool
	supervise    bool
	navigate     string
	entity       string
	challengeDir string
}

var loginCmd = &cobra.Command{
	Use:   "login <account>",
	Short: "Log one account in and print the resulting session",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogin,
}

var batchFlags struct {
	kind         string
	codeDir      string
	workers      int
	stagger      time.Duration
	attempts     int
	collect      bool
	challengeDir string
}

var batchCmd = &cobra.Command{
	Use:   "batch <accounts-file>",
	Short: "Log in every account listed in a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Show the identity pool loaded from configuration",
	Args:  cobra.NoArgs,
	RunE:  runIdentities,
}

func init() {
	f := loginCmd.Flags()
	f.StringVar(&loginFlags.kind, "kind", string(KindResidential), "identity kind (residential, mobile, datacenter, none)")
	f.StringVar(&loginFlags.codeDir, "code-dir", "", "read codes from <dir>/<session>.code instead of stdin")
	f.BoolVar(&loginFlags.collect, "collect", false, "collect account data after login")
	f.BoolVar(&loginFlags.supervise, "supervise", false, "keep the session alive in a supervised browser until interrupted")
	f.StringVar(&loginFlags.navigate, "navigate", "", "with --supervise, drive the browser to this URL once it is up")
	f.StringVar(&loginFlags.entity, "entity", "", "entity to select when the account has several (default: first listed)")
	f.StringVar(&loginFlags.challengeDir, "challenge-dir", "", "read manually solved challenge tokens from <dir>/<session>.challenge (default: code dir, else .)")

	f = batchCmd.Flags()
	f.StringVar(&batchFlags.kind, "kind", string(KindResidential), "identity kind (residential, mobile, datacenter, none)")
	f.StringVar(&batchFlags.codeDir, "code-dir", "", "directory codes are dropped into as <session>.code (required)")
	f.IntVar(&batchFlags.workers, "workers", 4, "concurrent logins")
	f.DurationVar(&batchFlags.stagger, "stagger", 50*time.Millisecond, "delay between worker starts")
	f.IntVar(&batchFlags.attempts, "attempts", 3, "login attempts per account")
	f.BoolVar(&batchFlags.collect, "collect", false, "collect account data after each login")
	f.StringVar(&batchFlags.challengeDir, "challenge-dir", "", "read manually solved challenge tokens from <dir>/<session>.challenge (default: code dir)")
	_ = batchCmd.MarkFlagRequired("code-dir")
}

func entitySelector(id string) EntitySelector {
	if id == "" {
		return FirstEntity
	}
	return func([]Entity) (string, error) { return id, nil }
}

// serveChallenges answers manual challenges from tokens dropped into dir
// until the returned stop is called. It does nothing when manual fallback is
// off.
func serveChallenges(ctx context.Context, enabled bool, desk ChallengeDesk, dir string, out io.Writer) (stop func()) {
	if !enabled {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ChallengeTokenDrop{Dir: dir, Out: out}.Run(ctx, desk)
	}()
	return func() {
		cancel()
		<-done
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func runLogin(cmd *cobra.Command, args []string) error {
	kind, err := ParseIdentityKind(loginFlags.kind)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var codes CodeSource = &StdinCodeSource{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
	if loginFlags.codeDir != "" {
		codes = FileCodeSource{Dir: loginFlags.codeDir, Timeout: cfg.Handshake.Expiry}
	}

	out := cmd.OutOrStdout()
	stopChallenges := serveChallenges(ctx, cfg.Challenge.ManualFallback, engine,
		firstNonEmpty(loginFlags.challengeDir, loginFlags.codeDir, "."), cmd.ErrOrStderr())
	snap, err := engine.Login(ctx, kind, args[0], codes, entitySelector(loginFlags.entity))
	stopChallenges()
	if err != nil {
		return fmt.Errorf("login %s: %w", args[0], err)
	}
	fmt.Fprintf(out, "Session:  %s\n", snap.ID)
	fmt.Fprintf(out, "State:    %s\n", snap.State)
	fmt.Fprintf(out, "Identity: %s\n", snap.IdentityRef)
	if snap.SelectedEntity != "" {
		fmt.Fprintf(out, "Entity:   %s\n", snap.SelectedEntity)
	}

	if loginFlags.collect {
		merged, err := engine.Collect(ctx, snap.ID, nil)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(merged); err != nil {
			return err
		}
	}

	if loginFlags.supervise {
		if err := engine.Supervise(ctx, snap.ID); err != nil {
			return err
		}
		if loginFlags.navigate != "" {
			if err := engine.Navigate(ctx, snap.ID, loginFlags.navigate); err != nil {
				return err
			}
		}
		fmt.Fprintln(out, "Supervising session, interrupt to stop")
		<-ctx.Done()
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	kind, err := ParseIdentityKind(batchFlags.kind)
	if err != nil {
		return err
	}
	accounts, err := LoadAccounts(args[0])
	if err != nil {
		return err
	}
	if accounts.Count() == 0 {
		return fmt.Errorf("no accounts found in %s", args[0])
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	scheduler := NewScheduler(engine,
		FileCodeSource{Dir: batchFlags.codeDir, Timeout: cfg.Handshake.Expiry},
		FirstEntity,
		SchedulerConfig{
			Workers:     batchFlags.workers,
			Stagger:     batchFlags.stagger,
			Kind:        kind,
			MaxAttempts: batchFlags.attempts,
			Collect:     batchFlags.collect,
		}, logger)

	logger.Info("Starting batch",
		zap.Int("accounts", accounts.Count()),
		zap.Int("workers", batchFlags.workers),
		zap.Duration("stagger", batchFlags.stagger))
	stopChallenges := serveChallenges(ctx, cfg.Challenge.ManualFallback, engine,
		firstNonEmpty(batchFlags.challengeDir, batchFlags.codeDir), cmd.ErrOrStderr())
	defer stopChallenges()
	scheduler.Start(ctx)

	go func() {
		defer scheduler.Close()
		for {
			account, ok := accounts.Next()
			if !ok || !scheduler.Submit(account) {
				return
			}
		}
	}()

	var succeeded, failed int
	var fatalErr error
	for result := range scheduler.Results() {
		if result.Fatal {
			fatalErr = result.Error
			continue
		}
		if result.Error != nil {
			failed++
			logger.Warn("Account failed",
				zap.String("account", result.Account),
				zap.String("kind", string(KindOf(result.Error))),
				zap.Error(result.Error))
			continue
		}
		succeeded++
		logger.Info("Account authenticated",
			zap.Int("done", succeeded+failed),
			zap.Int("total", accounts.Count()),
			zap.String("account", result.Account),
			zap.String("session_id", result.SessionID))
	}

	logger.Info("Batch complete", zap.Int("succeeded", succeeded), zap.Int("failed", failed))
	if fatalErr != nil {
		return fmt.Errorf("batch aborted after %d logins: %w", succeeded, fatalErr)
	}
	return nil
}

func runIdentities(cmd *cobra.Command, _ []string) error {
	pool := NewIdentityPool(logger, cfg.Identity)
	if err := LoadIdentities(pool, cfg.Identity); err != nil {
		return err
	}
	stats := pool.Stats()
	kinds := make([]string, 0, len(stats))
	for k := range stats {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	out := cmd.OutOrStdout()
	if len(kinds) == 0 {
		fmt.Fprintln(out, "No identities configured")
		return nil
	}
	for _, k := range kinds {
		st := stats[IdentityKind(k)]
		fmt.Fprintf(out, "%-12s total=%d available=%d in_use=%d quarantined=%d\n",
			k, st.Total, st.Available, st.InUse, st.Quarantined)
	}
	return nil
}
