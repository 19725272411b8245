package main

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memelearn/service_layer/internal/config"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/marketdata"
	"github.com/memelearn/service_layer/internal/storage/memory"
)

func TestPersistQuotesWritesSnapshots(t *testing.T) {
	store := memory.New()
	hook := persistQuotes(store, logging.NewDiscard("test"))

	hook(context.Background(), []marketdata.CoinQuote{{
		ID:               "pepe",
		Symbol:           "PEPE",
		Name:             "Pepe",
		Price:            decimal.RequireFromString("0.0000012"),
		ChangePercent24h: marketdata.Known(-3.5),
		LastUpdated:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}})

	snaps, err := store.ListMarketSnapshots(context.Background(), []string{"pepe"})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "0.0000012", snaps[0].Price.String())
	require.NotNil(t, snaps[0].Change24h)
	assert.Equal(t, -3.5, *snaps[0].Change24h)
	assert.Nil(t, snaps[0].MarketCap, "unknown measures stay null")
}

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	store, err := openStore(context.Background(), &config.Config{}, nil, logging.NewDiscard("test"))
	require.NoError(t, err)
	_, ok := store.(*memory.Store)
	assert.True(t, ok)

	polls, err := store.ListActivePolls(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, polls, 2, "memory storage starts seeded")
}

func TestOpenCacheWithoutRedisUsesLRU(t *testing.T) {
	c, err := openCache(context.Background(), &config.Config{}, config.DefaultCatalog(), logging.NewDiscard("test"))
	require.NoError(t, err)
	c.Put(context.Background(), "coins-pepe", []byte(`[]`))
	assert.Equal(t, 1, c.Stats(context.Background()).Size)
}
