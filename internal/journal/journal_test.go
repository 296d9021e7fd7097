package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestHoldLifecycle(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)

	id, err := j.BeginHold(ctx, start, "structured")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, j.Progress(ctx, id, 4*time.Minute))
	require.NoError(t, j.Progress(ctx, id, 2*time.Minute))
	require.NoError(t, j.Alerted(ctx, id, start.Add(5*time.Minute)))
	require.NoError(t, j.Alerted(ctx, id, start.Add(6*time.Minute)))
	require.NoError(t, j.Acked(ctx, id))
	require.NoError(t, j.Acked(ctx, id))
	require.NoError(t, j.EndHold(ctx, id, start.Add(7*time.Minute), "reset"))
	require.NoError(t, j.EndHold(ctx, id, start.Add(8*time.Minute), "absent"))

	holds, err := j.Holds(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	h := holds[0]
	assert.Equal(t, "structured", h.Source)
	assert.Equal(t, start.UnixMilli(), h.StartedAt.UnixMilli())
	assert.Equal(t, 4*time.Minute, h.MaxElapsed, "progress only ever raises the maximum")
	require.NotNil(t, h.FirstAlert)
	assert.Equal(t, start.Add(5*time.Minute).UnixMilli(), h.FirstAlert.UnixMilli())
	assert.Equal(t, 2, h.Acks)
	require.NotNil(t, h.EndedAt)
	assert.Equal(t, start.Add(7*time.Minute).UnixMilli(), h.EndedAt.UnixMilli())
	assert.Equal(t, "reset", h.EndReason, "the first end wins")
}

func TestHoldsOrderAndSince(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 3; i++ {
		_, err := j.BeginHold(ctx, base.Add(time.Duration(i)*time.Hour), "free-text")
		require.NoError(t, err)
	}
	holds, err := j.Holds(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, holds, 2)
	assert.True(t, holds[0].StartedAt.After(holds[1].StartedAt))
	assert.Nil(t, holds[0].EndedAt)

	limited, err := j.Holds(ctx, time.Time{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestUnknownSession(t *testing.T) {
	j := openMemory(t)
	err := j.Acked(context.Background(), "missing")
	assert.True(t, eris.Is(err, ErrUnknownSession))
}

func TestOutcomes(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, j.RecordOutcome(ctx, Outcome{At: at, Target: "assign_to", Channel: "property", Outcome: "applied"}))
	require.NoError(t, j.RecordOutcome(ctx, Outcome{At: at.Add(time.Second), Target: "queue", Outcome: "option-missing", Detail: "Sales, Billing"}))

	out, err := j.Outcomes(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "queue", out[0].Target)
	assert.Equal(t, "Sales, Billing", out[0].Detail)
	assert.Equal(t, "property", out[1].Channel)
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	ctx := context.Background()
	id, err := j.BeginHold(ctx, time.Now(), "structured")
	assert.NoError(t, err)
	assert.Empty(t, id)
	assert.NoError(t, j.Acked(ctx, id))
	assert.NoError(t, j.RecordOutcome(ctx, Outcome{Target: "queue"}))
	holds, err := j.Holds(ctx, time.Time{}, 0)
	assert.NoError(t, err)
	assert.Empty(t, holds)
	assert.NoError(t, j.Close())
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "history.db")
	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.BeginHold(context.Background(), time.Now(), "host-state")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Reopening keeps the history.
	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	holds, err := j.Holds(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, holds, 1)
}
