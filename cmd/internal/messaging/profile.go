package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProfileResolver looks up public profiles for user ids. Identity is owned by
// an external service; this core only reads the projection it maintains.
//
// Lookup failures must not fail messaging operations: callers fall back to a
// bare id-only profile.
type ProfileResolver interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}

// fallbackProfile is what views carry when the resolver has nothing better.
func fallbackProfile(userID string) Profile {
	return Profile{UserID: userID, Name: userID}
}

// StaticProfiles is an in-memory ProfileResolver for dev and tests.
type StaticProfiles struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStaticProfiles constructs a resolver seeded with the given profiles.
func NewStaticProfiles(profiles ...Profile) *StaticProfiles {
	s := &StaticProfiles{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.UserID] = p
	}
	return s
}

// Put adds or replaces a profile.
func (s *StaticProfiles) Put(p Profile) {
	s.mu.Lock()
	s.profiles[p.UserID] = p
	s.mu.Unlock()
}

// Lookup returns the stored profile, or an id-only fallback when unknown.
func (s *StaticProfiles) Lookup(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	p, ok := s.profiles[userID]
	s.mu.RUnlock()
	if !ok {
		return fallbackProfile(userID), nil
	}
	return p, nil
}

// PostgresProfileResolver reads the read-only profiles projection that the
// external identity service keeps in sync.
type PostgresProfileResolver struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresProfileResolver constructs a profile resolver backed by PostgreSQL.
func NewPostgresProfileResolver(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresProfileResolver, error) {
	cfg, err := applyStoreOptions(opts)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return &PostgresProfileResolver{pool: pool, schema: cfg.schema}, nil
}

// Lookup fetches one profile. A missing row resolves to the id-only fallback,
// not an error: a user the identity service has not projected yet can still
// send messages.
func (r *PostgresProfileResolver) Lookup(ctx context.Context, userID string) (Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, OpError{Op: "messaging.Profiles.Lookup", Kind: ErrInvalidInput, Msg: "empty user id"}
	}
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	profiles := pgIdent(r.schema, "profiles")

	var p Profile
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, name, user_type, avatar FROM `+profiles+` WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.Name, &p.UserType, &p.Avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return fallbackProfile(userID), nil
	}
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}
