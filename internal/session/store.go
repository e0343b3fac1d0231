// Package session owns the credential pair, the identity decoded from it and
// the authenticated/unauthenticated transitions other components react to.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"go-sparchat/pkg/logger"
)

// AuthEvent is delivered to subscribers on every session transition.
type AuthEvent struct {
	Authenticated bool
	// TokenRotated is set when an already authenticated session got a new access token.
	TokenRotated bool
	// Reason is set when the session was terminated.
	Reason string
}

// Store is the process-wide credential holder. Reads are served from an
// in-memory snapshot; writes go through to the durable Storage first.
type Store struct {
	storage Storage
	logger  *logger.Logger

	// writeMu serializes credential writes so storage and snapshot never diverge.
	writeMu sync.Mutex

	mu       sync.RWMutex
	access   string
	refresh  string
	identity *Identity
	profile  *Identity

	subsMu  sync.Mutex
	subs    map[uint64]func(AuthEvent)
	order   []uint64
	nextSub uint64
}

func NewStore(storage Storage, log *logger.Logger) *Store {
	return &Store{
		storage: storage,
		logger:  logger.OrGlobal(log).Named("session"),
		subs:    make(map[uint64]func(AuthEvent)),
	}
}

// Load restores the snapshot from storage. The cached profile is available
// immediately; the identity is re-derived from the access token. An
// undecodable stored token terminates the session.
func (s *Store) Load(ctx context.Context) error {
	access, err := s.storage.Get(ctx, KeyAccessToken)
	if err != nil {
		return fmt.Errorf("load access token: %w", err)
	}
	refresh, err := s.storage.Get(ctx, KeyRefreshToken)
	if err != nil {
		return fmt.Errorf("load refresh token: %w", err)
	}
	rawProfile, err := s.storage.Get(ctx, KeyCachedProfile)
	if err != nil {
		return fmt.Errorf("load cached profile: %w", err)
	}

	var profile *Identity
	if rawProfile != "" {
		p := &Identity{}
		if json.Unmarshal([]byte(rawProfile), p) == nil {
			profile = p
		}
	}

	s.mu.Lock()
	s.access = access
	s.refresh = refresh
	s.profile = profile
	s.identity = nil
	s.mu.Unlock()

	if access == "" {
		return nil
	}

	if _, err := s.DecodeIdentity(ctx, access); err != nil {
		s.Terminate(ctx, "stored access token is malformed")
		return err
	}

	s.publish(AuthEvent{Authenticated: true})
	return nil
}

// AccessToken returns the current access token or "".
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken returns the current refresh token or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// Identity returns a copy of the decoded identity, or nil.
func (s *Store) Identity() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// CachedProfile returns the last mirrored identity, available before any
// network round trip after a restart.
func (s *Store) CachedProfile() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity != nil {
		id := *s.identity
		return &id
	}
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

// Authenticated reports whether an access token with a decodable identity is held.
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access != "" && s.identity != nil
}

// SetCredential persists both tokens together and re-derives the identity.
// If the access token cannot be decoded the session is terminated.
func (s *Store) SetCredential(ctx context.Context, access, refresh string) error {
	s.writeMu.Lock()

	s.mu.RLock()
	wasAuthenticated := s.access != "" && s.identity != nil
	previous := s.access
	s.mu.RUnlock()

	identity, decodeErr := DecodeIdentity(access)
	if decodeErr != nil {
		s.writeMu.Unlock()
		s.logger.Warn("rejecting undecodable access token", zap.Error(decodeErr))
		s.Terminate(ctx, "access token is malformed")
		return decodeErr
	}

	profile, _ := json.Marshal(identity)
	err := s.storage.SetMany(ctx, map[string]string{
		KeyAccessToken:   access,
		KeyRefreshToken:  refresh,
		KeyCachedProfile: string(profile),
	})
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("persist credential: %w", err)
	}

	s.mu.Lock()
	s.access = access
	s.refresh = refresh
	s.identity = identity
	s.profile = identity
	s.mu.Unlock()
	s.writeMu.Unlock()

	switch {
	case !wasAuthenticated:
		s.logger.Info("session authenticated", zap.String("user_id", identity.ID))
		s.publish(AuthEvent{Authenticated: true})
	case previous != access:
		s.logger.Debug("access token rotated", zap.String("user_id", identity.ID))
		s.publish(AuthEvent{Authenticated: true, TokenRotated: true})
	}
	return nil
}

// DecodeIdentity decodes token and mirrors the result into the cached profile slot.
func (s *Store) DecodeIdentity(ctx context.Context, token string) (*Identity, error) {
	identity, err := DecodeIdentity(token)
	if err != nil {
		return nil, err
	}

	profile, _ := json.Marshal(identity)
	if err := s.storage.SetMany(ctx, map[string]string{KeyCachedProfile: string(profile)}); err != nil {
		s.logger.Warn("failed to mirror profile", zap.Error(err))
	}

	s.mu.Lock()
	if s.access == token {
		s.identity = identity
	}
	s.profile = identity
	s.mu.Unlock()

	id := *identity
	return &id, nil
}

// ClearCredential removes both tokens and the cached profile. Idempotent.
func (s *Store) ClearCredential(ctx context.Context) error {
	_, err := s.clear(ctx)
	return err
}

// Terminate clears the credential and announces the unauthenticated
// transition. It is the single exit for authentication failures.
func (s *Store) Terminate(ctx context.Context, reason string) {
	wasAuthenticated, err := s.clear(ctx)
	if err != nil {
		s.logger.Error("failed to clear credential", zap.Error(err))
	}
	if wasAuthenticated {
		s.logger.Info("session terminated", zap.String("reason", reason))
		s.publish(AuthEvent{Authenticated: false, Reason: reason})
	}
}

func (s *Store) clear(ctx context.Context) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	wasAuthenticated := s.access != "" && s.identity != nil
	s.access = ""
	s.refresh = ""
	s.identity = nil
	s.profile = nil
	s.mu.Unlock()

	err := s.storage.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyCachedProfile)
	return wasAuthenticated, err
}

// Subscribe registers fn for session transitions. The returned function
// unsubscribes and may be called more than once.
func (s *Store) Subscribe(fn func(AuthEvent)) func() {
	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.order = append(s.order, id)
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
			s.subsMu.Unlock()
		})
	}
}

func (s *Store) publish(ev AuthEvent) {
	s.subsMu.Lock()
	fns := make([]func(AuthEvent), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
