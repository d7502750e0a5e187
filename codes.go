package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CodeSource produces the one-time code delivered to an account.
type CodeSource interface {
	Code(ctx context.Context, sessionID, account string) (string, error)
}

// EntitySelector picks the sub-entity to bind a session to.
type EntitySelector func(entities []Entity) (string, error)

// FirstEntity selects the first listed entity.
func FirstEntity(entities []Entity) (string, error) {
	if len(entities) == 0 {
		return "", errors.New("no entities to select from")
	}
	return entities[0].ID, nil
}

// StdinCodeSource prompts on out and reads one line from in.
type StdinCodeSource struct {
	In  io.Reader
	Out io.Writer

	reader *bufio.Reader
}

func (s *StdinCodeSource) Code(ctx context.Context, sessionID, account string) (string, error) {
	if s.reader == nil {
		s.reader = bufio.NewReader(s.In)
	}
	fmt.Fprintf(s.Out, "Enter the code sent to %s (session %s): ", account, sessionID)

	type line struct {
		text string
		err  error
	}
	ch := make(chan line, 1)
	go func() {
		text, err := s.reader.ReadString('\n')
		ch <- line{strings.TrimSpace(text), err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l := <-ch:
		if l.text == "" && l.err != nil {
			return "", fmt.Errorf("reading code: %w", l.err)
		}
		return l.text, nil
	}
}

// FileCodeSource waits for a code to be dropped into Dir/<sessionID>.code,
// checking every Interval. The file is removed once read.
type FileCodeSource struct {
	Dir      string
	Interval time.Duration
	Timeout  time.Duration
}

func (s FileCodeSource) Code(ctx context.Context, sessionID, _ string) (string, error) {
	path := fmt.Sprintf("%s/%s.code", strings.TrimRight(s.Dir, "/"), sessionID)
	interval := s.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 240 * time.Second
	}

	var code string
	poller := Poller{Interval: interval, MaxDuration: timeout}
	err := poller.Poll(ctx, func(context.Context, int) (bool, error) {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		code = strings.TrimSpace(string(data))
		return code != "", nil
	})
	if err != nil {
		return "", fmt.Errorf("waiting for %s: %w", path, err)
	}
	_ = os.Remove(path)
	return code, nil
}

// ChallengeDesk is where a human answers challenges the solvers gave up on.
type ChallengeDesk interface {
	PendingChallenges() []PendingChallenge
	SupplyChallengeToken(sessionID, token string) error
}

// ChallengeTokenDrop announces each pending manual challenge on Out and
// supplies the token dropped into Dir/<sessionID>.challenge. The file is
// removed once supplied.
type ChallengeTokenDrop struct {
	Dir      string
	Interval time.Duration
	Out      io.Writer
}

func (d ChallengeTokenDrop) path(sessionID string) string {
	return filepath.Join(d.Dir, sessionID+".challenge")
}

// Run serves desk until ctx ends.
func (d ChallengeTokenDrop) Run(ctx context.Context, desk ChallengeDesk) {
	interval := d.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	announced := make(map[string]bool)
	for {
		pending := desk.PendingChallenges()
		live := make(map[string]bool, len(pending))
		for _, p := range pending {
			live[p.SessionID] = true
			path := d.path(p.SessionID)
			if !announced[p.SessionID] {
				announced[p.SessionID] = true
				fmt.Fprintf(d.Out, "Challenge %s on %s (site key %q) needs solving; write the token to %s\n",
					p.Kind, p.PageURL, p.SiteKey, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			token := strings.TrimSpace(string(data))
			if token == "" {
				continue
			}
			if err := desk.SupplyChallengeToken(p.SessionID, token); err != nil {
				fmt.Fprintf(d.Out, "Challenge token for %s not accepted: %v\n", p.SessionID, err)
			}
			_ = os.Remove(path)
		}
		for id := range announced {
			if !live[id] {
				delete(announced, id)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
