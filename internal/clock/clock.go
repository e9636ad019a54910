// Package clock provides the wall-clock and random-token source used for
// session identifiers and time-based policy. Tests inject Fixed instead of
// reading ambient time or randomness.
package clock

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

const (
	tokenChars  = "abcdefghijklmnopqrstuvwxyz0123456789"
	tokenLength = 9
)

type Clock interface {
	Now() time.Time
	RandomToken() string
}

type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

func (System) RandomToken() string {
	return randomToken(tokenLength)
}

func randomToken(n int) string {
	chars := []byte(tokenChars)
	out := make([]byte, n)
	for i := range out {
		idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		out[i] = chars[idx.Int64()]
	}
	return string(out)
}

// Fixed is a manually driven clock. Tokens are handed out in order; once
// the scripted list is exhausted it falls back to random tokens.
type Fixed struct {
	mu     sync.Mutex
	now    time.Time
	tokens []string
}

func NewFixed(now time.Time, tokens ...string) *Fixed {
	return &Fixed{now: now, tokens: tokens}
}

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fixed) Set(now time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *Fixed) RandomToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokens) == 0 {
		return randomToken(tokenLength)
	}
	tok := f.tokens[0]
	f.tokens = f.tokens[1:]
	return tok
}
