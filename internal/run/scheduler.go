package run

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/metaglass/metaglass/internal/catalog"
	"github.com/metaglass/metaglass/internal/errs"
	"github.com/metaglass/metaglass/internal/logger"
)

// Scheduler starts a run for every datastore on a cron schedule. A
// datastore with an unfinished run is skipped; the next tick picks it
// up again.
type Scheduler struct {
	orch *Orchestrator
	cron *cron.Cron
	log  *logger.Logger
}

// NewScheduler registers the periodic trigger with the given cron
// expression (standard five-field syntax, @hourly and friends allowed).
func NewScheduler(orch *Orchestrator, spec string, log *logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.Nop()
	}
	s := &Scheduler{orch: orch, cron: cron.New(), log: log}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "invalid scheduler cron expression", err)
	}
	return s, nil
}

// Start begins scheduling. Non-blocking.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	stores, err := s.orch.store.ListDatastores(ctx)
	if err != nil {
		s.log.ErrorWith("listing datastores for scheduled runs", err, nil)
		return
	}
	for _, ds := range stores {
		if ds.DeletedAt != nil {
			continue
		}
		s.start(ctx, ds)
	}
}

func (s *Scheduler) start(ctx context.Context, ds *catalog.Datastore) {
	run, err := s.orch.StartRun(ctx, ds.ID)
	switch {
	case errs.IsConflict(err):
		s.log.With().Str("datastore_id", ds.ID).Logger().Debug("previous run still active, skipping")
	case err != nil:
		s.log.ErrorWith("starting scheduled run", err, map[string]any{"datastore_id": ds.ID})
	default:
		s.log.With().Str("datastore_id", ds.ID).Str("run_id", run.ID).Logger().Info("scheduled run started")
	}
}
