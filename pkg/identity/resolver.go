package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/models"
)

var ErrUnresolved = errors.New("user identity could not be resolved")

// ProfileSource looks up the current user when the credential carries no
// usable claims.
type ProfileSource interface {
	Profile(ctx context.Context) (models.Profile, error)
}

var (
	idClaims       = []string{"userId", "id", "sub"}
	usernameClaims = []string{"username", "preferred_username", "name"}
)

// Resolver derives the current user from the session credential. The token
// is decoded without verification; the server remains the authority.
type Resolver struct {
	profiles ProfileSource
	logger   *logrus.Logger

	mu     sync.Mutex
	cached *models.Profile
}

func NewResolver(profiles ProfileSource, logger *logrus.Logger) *Resolver {
	return &Resolver{profiles: profiles, logger: logger}
}

// Resolve returns the user for token. A successful lookup is cached until
// Reset.
func (r *Resolver) Resolve(ctx context.Context, token string) (models.Profile, error) {
	r.mu.Lock()
	if r.cached != nil {
		p := *r.cached
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	p, err := FromToken(token)
	if err != nil || p.ID == "" || p.Username == "" {
		if err != nil {
			r.logger.WithError(err).Debug("Credential claims unusable, falling back to profile lookup")
		}
		p, err = r.fromProfile(ctx, p)
		if err != nil {
			return models.Profile{}, err
		}
	}

	r.mu.Lock()
	r.cached = &p
	r.mu.Unlock()
	return p, nil
}

func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}

func (r *Resolver) fromProfile(ctx context.Context, partial models.Profile) (models.Profile, error) {
	if r.profiles == nil {
		return models.Profile{}, ErrUnresolved
	}

	p, err := r.profiles.Profile(ctx)
	if err != nil {
		return models.Profile{}, fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	if p.ID == "" {
		p.ID = partial.ID
	}
	if p.Username == "" {
		p.Username = partial.Username
	}
	if p.ID == "" && p.Username == "" {
		return models.Profile{}, ErrUnresolved
	}
	if p.ID == "" {
		p.ID = p.Username
	}
	if p.Username == "" {
		p.Username = p.ID
	}
	return p, nil
}

// FromToken decodes id and username claims from an unverified JWT.
func FromToken(token string) (models.Profile, error) {
	if token == "" {
		return models.Profile{}, ErrUnresolved
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return models.Profile{}, fmt.Errorf("decode credential: %w", err)
	}

	return models.Profile{
		ID:       firstClaim(claims, idClaims),
		Username: firstClaim(claims, usernameClaims),
	}, nil
}

func firstClaim(claims jwt.MapClaims, keys []string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
