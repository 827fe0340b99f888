package publish

import (
	"context"
	"time"

	"Murmur/internal/models"
	stores "Murmur/pkg/storage"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OrphanSweeper deletes uploads whose record insert failed. It runs as a
// cron job; an orphan younger than MinAge is left alone in case the user is
// still retrying.
type OrphanSweeper struct {
	DB          *gorm.DB
	Store       stores.Store
	Clock       clockwork.Clock
	Log         *zap.Logger
	MinAge      time.Duration
	Batch       int
	MaxAttempts int
}

func NewOrphanSweeper(db *gorm.DB, store stores.Store, log *zap.Logger) *OrphanSweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &OrphanSweeper{
		DB:          db,
		Store:       store,
		Clock:       clockwork.NewRealClock(),
		Log:         log,
		MinAge:      10 * time.Minute,
		Batch:       100,
		MaxAttempts: 5,
	}
}

// Run satisfies scheduler.Job.
func (s *OrphanSweeper) Run(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.Log.Warn("orphan sweep failed", zap.Error(err))
	}
}

// Sweep deletes one batch of orphaned objects and returns how many went away.
func (s *OrphanSweeper) Sweep(ctx context.Context) (int, error) {
	before := s.Clock.Now().UTC().Add(-s.MinAge)
	// exhausted rows are filtered in the query so they cannot fill every batch
	orphans, err := models.ListOrphans(s.DB.WithContext(ctx), before, s.MaxAttempts, s.Batch)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, o := range orphans {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if err := s.Store.Delete(ctx, o.StoragePath); err != nil {
			s.Log.Warn("delete orphaned upload", zap.String("path", o.StoragePath), zap.Error(err))
			if merr := models.MarkOrphanAttempt(s.DB.WithContext(ctx), o.ID, err); merr != nil {
				return removed, merr
			}
			continue
		}
		if err := models.DeleteOrphan(s.DB.WithContext(ctx), o.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.Log.Info("orphaned uploads removed", zap.Int("count", removed))
	}
	return removed, nil
}
