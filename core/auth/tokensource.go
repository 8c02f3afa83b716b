// Package auth obtains access tokens from Login with Amazon using a
// long-lived refresh token.
package auth

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

const DefaultTokenURL = "https://api.amazon.com/auth/o2/token"

type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	// TokenURL defaults to [DefaultTokenURL].
	TokenURL string
}

// TokenSource exchanges the refresh token for access tokens and reuses each
// one until shortly before it expires.
type TokenSource struct {
	source oauth2.TokenSource
}

type TokenSourceOption func(*tokenSourceOptions)

type tokenSourceOptions struct {
	httpClient *http.Client
}

// WithHTTPClient replaces the instrumented client used to reach the token
// endpoint.
func WithHTTPClient(client *http.Client) TokenSourceOption {
	return func(o *tokenSourceOptions) { o.httpClient = client }
}

// NewTokenSource builds a token source. ctx bounds every refresh the source
// performs, not just the first one.
func NewTokenSource(ctx context.Context, cfg Config, opts ...TokenSourceOption) *TokenSource {
	options := tokenSourceOptions{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(&options)
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, options.httpClient)
	return &TokenSource{
		source: oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}),
	}
}

// Token returns a valid access token, refreshing it when needed.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "get access token")
	defer span.End()

	token, err := s.source.Token()
	if err != nil {
		err = fmt.Errorf("failed to refresh access token: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "token refresh failed", "error", err)
		return "", err
	}
	if token.AccessToken == "" {
		err := fmt.Errorf("token endpoint returned an empty access token")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	return token.AccessToken, nil
}
