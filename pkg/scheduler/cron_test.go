package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronAddAndRemove(t *testing.T) {
	cr := NewCron(time.UTC, nil)

	id, err := cr.AddFunc("sweep", "@every 1h", func(ctx context.Context) {})
	require.NoError(t, err)

	cr.Start()
	defer cr.Stop()

	entries := cr.Entries()
	require.Contains(t, entries, "sweep")
	assert.False(t, entries["sweep"].IsZero())

	cr.Remove(id)
	assert.NotContains(t, cr.Entries(), "sweep")
}

func TestCronRejectsBadExpression(t *testing.T) {
	cr := NewCron(nil, nil)
	_, err := cr.AddFunc("broken", "every now and then", func(ctx context.Context) {})
	assert.Error(t, err)
}

func TestCronRunsJobs(t *testing.T) {
	cr := NewCron(time.UTC, nil)
	ran := make(chan struct{}, 1)
	_, err := cr.Add("tick", "@every 1s", FuncJob(func(ctx context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	}))
	require.NoError(t, err)

	cr.Start()
	defer cr.Stop()
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}
