package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adriannoes/asap-protocol-sub002/pkg/task"
)

func TestMemorySaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	rec := task.Task{ID: "t1", Skill: "echo", State: task.StateRunning}
	require.NoError(t, s.Save(ctx, rec.ID, rec))

	got, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateRunning, got.State)

	// later saves overwrite
	rec.State = task.StateCompleted
	require.NoError(t, s.Save(ctx, rec.ID, rec))
	got, err = s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)

	require.NoError(t, s.Delete(ctx, "t1"))
	_, err = s.Load(ctx, "t1")
	require.ErrorIs(t, err, ErrNotFound)

	m := s.Metrics()
	assert.Equal(t, uint64(2), m.Saves)
	assert.Equal(t, uint64(2), m.Hits)
}
