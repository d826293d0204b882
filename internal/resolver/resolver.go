package resolver

import (
	"context"

	"github.com/NamanBalaji/sharebridge/internal/account"
	"github.com/NamanBalaji/sharebridge/internal/logger"
	httpPkg "github.com/NamanBalaji/sharebridge/pkg/http"
)

// Result is a short-lived direct download link for one share.
type Result struct {
	DirectURL      string            `json:"directUrl"`
	Filename       string            `json:"filename"`
	SizeBytes      int64             `json:"sizeBytes"`
	SupportsRanges bool              `json:"supportsRanges"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Resolver turns a share URL into a direct link using an account's session.
// Failures are classified as LinkExpired, QuotaExceeded, NotFound or
// AuthFailure.
type Resolver interface {
	Resolve(ctx context.Context, shareURL string, acct *account.Account) (Result, error)
}

// SessionRefresher is implemented by resolvers that can renew an account's
// session after an auth failure.
type SessionRefresher interface {
	RefreshSession(ctx context.Context, acct *account.Account) (string, error)
}

// Func adapts a function to the Resolver interface.
type Func func(ctx context.Context, shareURL string, acct *account.Account) (Result, error)

func (f Func) Resolve(ctx context.Context, shareURL string, acct *account.Account) (Result, error) {
	return f(ctx, shareURL, acct)
}

type probing struct {
	Resolver
	client *httpPkg.Client
}

// WithProbe fills in size, range support and filename by probing the direct
// link when the resolver did not report them.
func WithProbe(r Resolver, client *httpPkg.Client) Resolver {
	return &probing{Resolver: r, client: client}
}

func (p *probing) Resolve(ctx context.Context, shareURL string, acct *account.Account) (Result, error) {
	res, err := p.Resolver.Resolve(ctx, shareURL, acct)
	if err != nil {
		return res, err
	}

	if res.SizeBytes > 0 && res.Filename != "" {
		return res, nil
	}

	info, err := p.client.Probe(ctx, res.DirectURL, res.Headers)
	if err != nil {
		logger.Warnf("Probe of direct link for %s failed: %v", shareURL, err)
		return res, nil
	}

	if res.SizeBytes <= 0 {
		res.SizeBytes = info.Size
		res.SupportsRanges = info.SupportsRanges
	}

	if res.Filename == "" {
		res.Filename = info.Filename
	}

	return res, nil
}

// RefreshSession forwards to the wrapped resolver when it can refresh.
func (p *probing) RefreshSession(ctx context.Context, acct *account.Account) (string, error) {
	if sr, ok := p.Resolver.(SessionRefresher); ok {
		return sr.RefreshSession(ctx, acct)
	}

	return "", errNoRefresh
}
