package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// AccountList hands out account identifiers loaded from a file.
type AccountList struct {
	mu       sync.Mutex
	accounts []string
	index    int
}

// LoadAccounts reads account identifiers, one per line. Blank lines, comments
// and duplicates (case-insensitive) are skipped.
func LoadAccounts(filename string) (*AccountList, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open accounts file: %w", err)
	}
	defer file.Close()
	return readAccounts(file)
}

func readAccounts(r io.Reader) (*AccountList, error) {
	seen := make(map[string]bool)
	list := &AccountList{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lower := strings.ToLower(line)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		list.accounts = append(list.accounts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading accounts: %w", err)
	}
	return list, nil
}

// Next returns the next account, or false once every account was handed out.
func (l *AccountList) Next() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index >= len(l.accounts) {
		return "", false
	}
	account := l.accounts[l.index]
	l.index++
	return account, true
}

// Count returns the number of loaded accounts.
func (l *AccountList) Count() int {
	return len(l.accounts)
}
