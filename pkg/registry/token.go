package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Role is the privilege a join token grants.
type Role string

const (
	RoleWorker         Role = "worker"
	RoleBudgetOverride Role = "budget.override"
)

// TokenManager gates Worker Registration API access (spec §6) and the
// Budget Gate's override permission (spec §4.7), supplementing §6's
// silence on registration authorization (SPEC_FULL.md Supplemented
// Features).
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// Token is a time-boxed credential.
type Token struct {
	Value     string
	Role      Role
	CreatedAt time.Time
	ExpiresAt time.Time
}

func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*Token)}
}

// Issue generates a new token for role, valid for ttl.
func (tm *TokenManager) Issue(role Role, ttl time.Duration) (*Token, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("token: generate: %w", err)
	}

	t := &Token{
		Value:     hex.EncodeToString(buf),
		Role:      role,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}

	tm.mu.Lock()
	tm.tokens[t.Value] = t
	tm.mu.Unlock()

	return t, nil
}

// Validate returns the token's role if value is a known, unexpired token.
func (tm *TokenManager) Validate(value string) (Role, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	t, ok := tm.tokens[value]
	if !ok {
		return "", fmt.Errorf("token: invalid")
	}
	if time.Now().After(t.ExpiresAt) {
		return "", fmt.Errorf("token: expired")
	}
	return t.Role, nil
}

// Revoke invalidates a token immediately.
func (tm *TokenManager) Revoke(value string) {
	tm.mu.Lock()
	delete(tm.tokens, value)
	tm.mu.Unlock()
}

// CleanupExpired removes tokens past their expiry, bounding the table's
// growth (supplemented feature, see SPEC_FULL.md).
func (tm *TokenManager) CleanupExpired() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for v, t := range tm.tokens {
		if now.After(t.ExpiresAt) {
			delete(tm.tokens, v)
		}
	}
}
