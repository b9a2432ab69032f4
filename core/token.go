package core

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const DefaultTokenTTL = 30 * time.Second

type tokenEntry struct {
	filePath  string
	ip        string
	expiresAt time.Time
	timer     *time.Timer
}

// TokenStore issues single-use capability tokens binding a path to one IP.
type TokenStore struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]*tokenEntry
}

func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	return &TokenStore{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]*tokenEntry),
	}
}

func (s *TokenStore) Issue(filePath, ip string) string {
	token := newToken()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &tokenEntry{
		filePath:  filePath,
		ip:        ip,
		expiresAt: s.now().Add(s.ttl),
	}
	entry.timer = time.AfterFunc(s.ttl, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.tokens[token] == entry {
			delete(s.tokens, token)
		}
	})
	s.tokens[token] = entry

	return token
}

// Verify consumes token. Any lookup of an existing token removes it, so a
// token verifies at most once even when the first caller had the wrong IP.
func (s *TokenStore) Verify(token, ip string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return "", false
	}

	delete(s.tokens, token)
	entry.timer.Stop()

	if entry.ip != ip || !s.now().Before(entry.expiresAt) {
		return "", false
	}

	return entry.filePath, true
}

func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tokens)
}

func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
