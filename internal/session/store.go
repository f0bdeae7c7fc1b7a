package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/xpmate-capture/internal/kv"
)

// TTL is how long a session stays alive after its last capture.
const TTL = 10 * time.Minute

// Store loads and persists the capture session under one fixed key.
type Store struct {
	backend kv.Store
	key     string
	now     func() time.Time
	log     *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a session store on top of a persistence backend.
func NewStore(backend kv.Store, key string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("kv backend cannot be nil")
	}
	if key == "" {
		return nil, errors.New("session key cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backend: backend,
		key:     key,
		now:     time.Now,
		log:     logger.Named("session_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// Load returns the live session, or a fresh empty one. Corrupt and expired
// sessions are erased and not reported. A backend read error is returned
// with a fresh session; the stored copy is left alone and callers must not
// save over it.
func (s *Store) Load(ctx context.Context) (Session, error) {
	sess, err := s.inspect(ctx)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, ErrCorrupt):
		s.log.Warn("Persisted session is corrupt, resetting.", zap.Error(err))
		s.erase(ctx)
	case errors.Is(err, ErrExpired):
		s.log.Info("Capture session timed out, clearing old data.", zap.Duration("ttl", TTL))
		s.erase(ctx)
	default:
		return New(s.now()), err
	}
	return New(s.now()), nil
}

// Peek is Load without side effects. The returned session is always usable;
// err explains why it is fresh (ErrCorrupt, ErrExpired or a backend error).
func (s *Store) Peek(ctx context.Context) (Session, error) {
	sess, err := s.inspect(ctx)
	if err != nil {
		return New(s.now()), err
	}
	return sess, nil
}

func (s *Store) inspect(ctx context.Context) (Session, error) {
	data, found, err := s.backend.Read(ctx, s.key)
	if err != nil {
		return Session{}, fmt.Errorf("failed to read session: %w", err)
	}
	if !found {
		return New(s.now()), nil
	}

	sess, err := Decode(data)
	if err != nil {
		return Session{}, err
	}
	if age := s.now().Sub(sess.StartedAt); age > TTL {
		return Session{}, fmt.Errorf("%w: age %s", ErrExpired, age.Truncate(time.Second))
	}
	return sess, nil
}

// Save persists sess with a single write.
func (s *Store) Save(ctx context.Context, sess Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}
	if err := s.backend.Write(ctx, s.key, data); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Clear erases the persisted session entirely.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Write(ctx, s.key, nil); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *Store) erase(ctx context.Context) {
	if err := s.Clear(ctx); err != nil {
		s.log.Error("Failed to erase stale session.", zap.Error(err))
	}
}
