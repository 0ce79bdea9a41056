package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/pipeline"
)

func TestRuns_SaveAndList(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	for i := 0; i < 3; i++ {
		start := testEpoch.Add(time.Duration(i) * time.Hour)
		run := &Run{
			StartedAt:  start,
			FinishedAt: start.Add(time.Minute),
			Input:      "statement.json",
			Rules:      "type-detection=1.0.0",
			Summary: pipeline.Summary{
				Total:             10 + i,
				Resolved:          5,
				NeedsVerification: 2,
				ByType:            map[model.TransactionType]int{model.TypeCardPurchase: 10 + i},
			},
		}
		require.NoError(t, store.SaveRun(ctx, run))
		assert.NotEqual(t, uuid.Nil, run.ID)
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 12, runs[0].Summary.Total, "newest first")
	assert.Equal(t, 12, runs[0].Summary.ByType[model.TypeCardPurchase])
	assert.True(t, runs[0].StartedAt.Equal(testEpoch.Add(2*time.Hour)))

	all, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	assert.ErrorIs(t, store.SaveRun(ctx, nil), ErrNilParameter)
}
