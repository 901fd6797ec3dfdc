package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaglass/metaglass/internal/errs"
)

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	f := newFixture(t)
	_, err := NewScheduler(f.orch, "not a cron line", nil)
	require.Error(t, err)
	assert.Equal(t, errs.ErrKindInvalidInput, errs.KindOf(err))
}

func TestScheduler_StartsRunsOnTick(t *testing.T) {
	f := newFixture(t)
	f.insp.docs = snapshot()

	s, err := NewScheduler(f.orch, "@every 50ms", nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for {
		schemas, err := f.store.ListSchemas(context.Background(), f.ds.ID)
		require.NoError(t, err)
		if len(schemas) == 2 {
			return
		}
		require.False(t, time.Now().After(deadline), "scheduled run never reconciled the catalog")
		time.Sleep(10 * time.Millisecond)
	}
}
