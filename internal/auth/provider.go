package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/factbot/internal/errors"
	"github.com/p-blackswan/factbot/internal/retry"
)

// DefaultRefreshSkew is how long before expiry cached credentials are
// considered stale.
const DefaultRefreshSkew = 5 * time.Minute

// Config configures a Provider.
type Config struct {
	TokenURL     string
	ClientSecret string
	RefreshSkew  time.Duration
	HTTPClient   *http.Client
	Retry        retry.Config
	Clock        clockwork.Clock
}

// Provider exchanges an identity for game credentials.
type Provider struct {
	cfg    Config
	cache  Cache
	clock  clockwork.Clock
	client *http.Client
	logger zerolog.Logger
}

// NewProvider creates a Provider. A nil cache disables caching.
func NewProvider(cfg Config, cache Cache, logger zerolog.Logger) *Provider {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = clock
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Provider{
		cfg:    cfg,
		cache:  cache,
		clock:  clock,
		client: client,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Username     string `json:"username"`
	ProfileID    string `json:"profile_id"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

// Authenticate returns credentials for identity, from the cache when they
// are still fresh, otherwise from the token endpoint. Every failure wraps
// ErrAuth.
func (p *Provider) Authenticate(ctx context.Context, identity string) (Credentials, error) {
	if identity == "" {
		return Credentials{}, fmt.Errorf("%w: empty identity", perrors.ErrAuth)
	}

	var refresh string
	cached, err := p.cache.Load(ctx, identity)
	switch {
	case err == nil:
		if cached.ValidAt(p.clock.Now(), p.cfg.RefreshSkew) {
			p.logger.Debug().Str("identity", identity).Time("expires_at", cached.ExpiresAt).Msg("using cached credentials")
			return *cached, nil
		}
		refresh = cached.RefreshToken
	case errors.Is(err, ErrCredentialsNotFound):
	default:
		// A corrupt cache should not block logging in.
		p.logger.Warn().Err(err).Msg("credential cache unreadable, ignoring")
	}

	var creds Credentials
	err = retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		var exErr error
		creds, exErr = p.exchange(ctx, identity, refresh)
		return exErr
	})
	if err != nil && refresh != "" && !perrors.IsRetryable(err) {
		// Refresh tokens get revoked; fall back to a full exchange once.
		p.logger.Info().Err(err).Msg("refresh rejected, retrying without refresh token")
		err = retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
			var exErr error
			creds, exErr = p.exchange(ctx, identity, "")
			return exErr
		})
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", perrors.ErrAuth, err)
	}

	if err := p.cache.Save(ctx, creds); err != nil {
		p.logger.Warn().Err(err).Msg("failed to cache credentials")
	}
	p.logger.Info().
		Str("identity", identity).
		Str("username", creds.Username).
		Time("expires_at", creds.ExpiresAt).
		Msg("credentials acquired")
	return creds, nil
}

func (p *Provider) exchange(ctx context.Context, identity, refresh string) (Credentials, error) {
	form := url.Values{}
	form.Set("identity", identity)
	if p.cfg.ClientSecret != "" {
		form.Set("client_secret", p.cfg.ClientSecret)
	}
	if refresh != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refresh)
	} else {
		form.Set("grant_type", "device")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Credentials{}, ctx.Err()
		}
		return Credentials{}, fmt.Errorf("%w: %v", perrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credentials{}, fmt.Errorf("reading token response: %w", err)
	}

	var tr tokenResponse
	_ = json.Unmarshal(body, &tr)

	if resp.StatusCode != http.StatusOK {
		msg := tr.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Credentials{}, perrors.NewAPIError("identity", resp.StatusCode, msg)
	}
	if tr.AccessToken == "" {
		return Credentials{}, fmt.Errorf("token response missing access_token")
	}

	creds := Credentials{
		Identity:     identity,
		Username:     tr.Username,
		ProfileID:    tr.ProfileID,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	if exp, err := TokenExpiry(tr.AccessToken); err == nil {
		creds.ExpiresAt = exp
	} else if tr.ExpiresIn > 0 {
		creds.ExpiresAt = p.clock.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	} else {
		p.logger.Debug().Err(err).Msg("access token expiry unknown, credentials will not be reused")
	}
	return creds, nil
}
