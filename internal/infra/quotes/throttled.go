package quotes

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
)

// Source is the contract every adapter here satisfies.
type Source interface {
	Quote(ctx context.Context, symbol string) (schema.Quote, error)
}

// Throttled limits the request rate against an upstream source. Callers wait
// for a token until their context ends; a wait that cannot succeed is reported
// as rate limited.
type Throttled struct {
	next    Source
	limiter *rate.Limiter
}

// NewThrottled allows perSecond requests with the given burst. A non-positive
// rate disables throttling.
func NewThrottled(next Source, perSecond float64, burst int) *Throttled {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Quote implements execution.QuoteSource.
func (t *Throttled) Quote(ctx context.Context, symbol string) (schema.Quote, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return schema.Quote{}, errs.New(scope, errs.CodeRateLimited,
			errs.WithSymbol(schema.NormalizeSymbol(symbol)),
			errs.WithMessage(fmt.Sprintf("quote throttle: %v", err)),
			errs.WithCanonicalCode(errs.CanonicalRateLimited),
			errs.WithCause(err))
	}
	return t.next.Quote(ctx, symbol)
}
