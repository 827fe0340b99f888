package publish

import (
	"context"
	"time"

	"Murmur/pkg/cache"
	"Murmur/pkg/errors"

	"go.uber.org/zap"
)

// ErrDuplicateSubmit is returned when a draft is already being published.
var ErrDuplicateSubmit = errors.Sentinel(errors.KindDuplicateSubmit)

const defaultGuardTTL = 5 * time.Minute

// SubmitGuard lets at most one publish run per draft be in flight. The TTL
// only bounds how long a crashed run can keep a draft locked.
type SubmitGuard struct {
	cache cache.Cache
	ttl   time.Duration
	log   *zap.Logger
}

func NewSubmitGuard(c cache.Cache, ttl time.Duration) *SubmitGuard {
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	return &SubmitGuard{cache: c, ttl: ttl, log: zap.NewNop()}
}

func guardKey(draftID string) string { return "publish:inflight:" + draftID }

// Acquire marks draftID in flight. The returned func ends the run so the
// draft can be submitted again.
func (g *SubmitGuard) Acquire(ctx context.Context, draftID string) (func(), error) {
	ok, err := g.cache.Add(ctx, guardKey(draftID), time.Now().Unix(), g.ttl)
	if err != nil {
		return nil, errors.Wrap(err, "publish: submit guard")
	}
	if !ok {
		return nil, errors.NewKind(errors.KindDuplicateSubmit, "publish: draft "+draftID+" is already being published")
	}
	return func() {
		if err := g.cache.Delete(context.WithoutCancel(ctx), guardKey(draftID)); err != nil {
			// the draft stays locked until the TTL runs out
			g.log.Error("release submit guard", zap.String("draft", draftID), zap.Duration("ttl", g.ttl), zap.Error(err))
		}
	}, nil
}

func (g *SubmitGuard) InFlight(ctx context.Context, draftID string) bool {
	_, ok := g.cache.Get(ctx, guardKey(draftID))
	return ok
}
