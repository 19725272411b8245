package seed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelearn/service_layer/internal/domain/content"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/storage/memory"
)

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	now := time.Now()

	report, err := Run(ctx, store, now, logging.NewDiscard("test"))
	require.NoError(t, err)
	assert.Equal(t, Report{Polls: 2, Lessons: 4}, report)

	polls, err := store.ListActivePolls(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, polls, 2)
	for _, p := range polls {
		assert.Len(t, p.Votes, 4)
		assert.Zero(t, p.TotalVotes)
	}

	analysis, err := store.ListContent(ctx, content.CategoryAnalysis, 10)
	require.NoError(t, err)
	assert.Len(t, analysis, 2)

	report, err = Run(ctx, store, now, nil)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
}

func TestRunKeepsExistingCategories(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.CreateContent(ctx, content.Content{Title: "Reading a chart", Category: content.CategoryBasics})
	require.NoError(t, err)

	report, err := Run(ctx, store, time.Now(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Lessons)

	basics, err := store.ListContent(ctx, content.CategoryBasics, 10)
	require.NoError(t, err)
	require.Len(t, basics, 1)
	assert.Equal(t, "Reading a chart", basics[0].Title)
}
