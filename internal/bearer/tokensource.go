package bearer

import (
	"context"

	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx context.Context
	p   *Provider
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.p.ResolveToken(s.ctx)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   "Bearer",
		Expiry:      tok.ExpiresAt,
	}, nil
}

// TokenSource adapts the provider for oauth2.NewClient. Tokens are reused
// until they enter the prefetch window.
func (p *Provider) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, tokenSource{ctx: ctx, p: p}, PrefetchWindow)
}
