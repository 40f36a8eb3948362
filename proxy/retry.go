package proxy

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// ConnectWithRetry retries Connect on b's schedule until it succeeds, b
// gives up or ctx ends. The proxy itself never retries.
func ConnectWithRetry(ctx context.Context, p *Proxy, b backoff.BackOff) error {
	return backoff.Retry(func() error {
		err := p.Connect(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
