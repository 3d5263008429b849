package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRecordAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	id, err := s.Record(ctx, Run{
		Service:    "svc",
		Region:     "eu-west",
		Backend:    "cloudrun",
		Status:     "succeeded",
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.Record(ctx, Run{
		Service:    "svc",
		Region:     "eu-west",
		Backend:    "cloudrun",
		Status:     "failed",
		Message:    "permission denied",
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
	})
	require.NoError(t, err)

	runs, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "failed", runs[0].Status, "newest first")
	assert.Equal(t, "permission denied", runs[0].Message)
	assert.Equal(t, id, runs[1].ID)
}

func TestStoreListLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Record(ctx, Run{
			Service: "svc", Region: "eu-west", Backend: "cloudrun", Status: "succeeded",
			StartedAt:  time.Now().Add(time.Duration(i) * time.Second),
			FinishedAt: time.Now().Add(time.Duration(i+1) * time.Second),
		})
		require.NoError(t, err)
	}
	runs, err := s.List(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}
