package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Job interface{ Run(ctx context.Context) }

type FuncJob func(ctx context.Context)

func (f FuncJob) Run(ctx context.Context) { f(ctx) }

// Cron runs named jobs on cron expressions. Jobs receive a context that is
// cancelled when the Cron stops, and a job still running when its next slot
// comes up is skipped rather than overlapped.
type Cron struct {
	c      *cron.Cron
	loc    *time.Location
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	names  map[cron.EntryID]string
}

func NewCron(loc *time.Location, log *zap.Logger) *Cron {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Cron{c: c, loc: loc, log: log, ctx: ctx, cancel: cancel, names: make(map[cron.EntryID]string)}
}

func (cr *Cron) Start() { cr.c.Start() }

// Stop cancels running jobs and waits for them to return.
func (cr *Cron) Stop() {
	cr.cancel()
	<-cr.c.Stop().Done()
}

func (cr *Cron) Add(name, expr string, job Job) (cron.EntryID, error) {
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.DefaultLogger)).Then(cron.FuncJob(func() {
		start := time.Now()
		job.Run(cr.ctx)
		cr.log.Debug("cron job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	}))
	id, err := cr.c.AddJob(expr, wrapped)
	if err != nil {
		return 0, err
	}
	cr.mu.Lock()
	cr.names[id] = name
	cr.mu.Unlock()
	return id, nil
}

func (cr *Cron) AddFunc(name, expr string, fn func(ctx context.Context)) (cron.EntryID, error) {
	return cr.Add(name, expr, FuncJob(fn))
}

func (cr *Cron) Remove(id cron.EntryID) {
	cr.c.Remove(id)
	cr.mu.Lock()
	delete(cr.names, id)
	cr.mu.Unlock()
}

// Entries returns the scheduled job names with their next run time.
func (cr *Cron) Entries() map[string]time.Time {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	out := make(map[string]time.Time, len(cr.names))
	for _, e := range cr.c.Entries() {
		if name, ok := cr.names[e.ID]; ok {
			out[name] = e.Next
		}
	}
	return out
}
