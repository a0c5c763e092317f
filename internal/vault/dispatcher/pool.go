package dispatcher

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spatialvault/spatialvault/internal/vault/jobs"
	"github.com/spatialvault/spatialvault/internal/vault/processes"
	"golang.org/x/sync/errgroup"
)

// Pool runs several dispatchers in one process. They share nothing but
// the store, so they compete for jobs exactly like separate processes do.
type Pool struct {
	dispatchers []*Dispatcher
}

// NewPool creates size dispatchers. Their worker ids share cfg.WorkerID
// (generated when empty) as a prefix.
func NewPool(size int, engine *jobs.Engine, handlers processes.Handlers, cfg Config) *Pool {
	if size < 1 {
		size = 1
	}
	prefix := cfg.WorkerID
	if prefix == "" {
		prefix = NewWorkerID()
	}
	p := &Pool{}
	for i := 0; i < size; i++ {
		c := cfg
		c.WorkerID = fmt.Sprintf("%s-%d", prefix, i)
		p.dispatchers = append(p.dispatchers, New(engine, handlers, c))
	}
	return p
}

func (p *Pool) Dispatchers() []*Dispatcher {
	return p.dispatchers
}

// Run blocks until ctx is cancelled and every dispatcher has returned.
func (p *Pool) Run(ctx context.Context) error {
	log.Ctx(ctx).Info().Int("size", len(p.dispatchers)).Msg("starting worker pool")
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range p.dispatchers {
		g.Go(func() error {
			return d.Run(gctx)
		})
	}
	return g.Wait()
}
