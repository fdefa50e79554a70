package identity

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/models"
)

// ErrIdentityUnavailable means neither the credential nor the profile yielded
// a subject id. It is the expected state before login.
var ErrIdentityUnavailable = errors.New("identity unavailable")

type Resolver struct {
	credentials CredentialSource
	decoder     *Decoder
	profiles    ProfileFetcher
	logger      zerolog.Logger
}

// NewResolver builds a resolver. profiles may be nil, in which case there is no
// fallback when the credential cannot be decoded.
func NewResolver(credentials CredentialSource, decoder *Decoder, profiles ProfileFetcher, logger zerolog.Logger) *Resolver {
	if decoder == nil {
		decoder = NewDecoder("")
	}
	return &Resolver{
		credentials: credentials,
		decoder:     decoder,
		profiles:    profiles,
		logger:      logger.With().Str("component", "identity_resolver").Logger(),
	}
}

func (r *Resolver) Resolve(ctx context.Context) (models.Identity, error) {
	var token string
	if r.credentials != nil {
		t, err := r.credentials.Token(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to read credential")
		}
		token = t
	}
	return r.ResolveToken(ctx, token)
}

// ResolveToken resolves token as if it were the stored credential, without
// reading or persisting anything. It is used to vet a credential before login.
func (r *Resolver) ResolveToken(ctx context.Context, token string) (models.Identity, error) {
	if token != "" {
		id, err := r.decoder.Decode(token)
		if err == nil {
			return id, nil
		}
		r.logger.Warn().Err(err).Msg("failed to decode credential, trying profile")
	}

	if r.profiles == nil {
		return models.Identity{}, ErrIdentityUnavailable
	}

	profile, err := r.profiles.FetchProfile(ctx, token)
	if err != nil {
		r.logger.Debug().Err(err).Msg("profile fallback failed")
		return models.Identity{}, ErrIdentityUnavailable
	}
	if profile.ID == "" {
		return models.Identity{}, ErrIdentityUnavailable
	}

	return models.Identity{
		SubjectID: profile.ID,
		Role:      profile.Role,
		Source:    models.IdentitySourceProfile,
		Token:     token,
	}, nil
}
