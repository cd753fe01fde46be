package store

import (
	"os"
	"testing"
	"time"

	"github.com/aristath/cryptosentinel/internal/database"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestDB(t *testing.T) *database.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "store_test_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	require.NoError(t, tmpFile.Close())

	db, err := database.New(tmpPath, "store-test")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	})
	return db
}

func silentLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestDecisionRepository_InsertAndGetByID(t *testing.T) {
	db := createTestDB(t)
	repo := NewDecisionRepository(db.Conn(), silentLog())

	rec := domain.DecisionRecord{
		ID:          "d1",
		Title:       "BTC-USDT-SWAP OPEN_LONG",
		Description: "breakout",
		Timestamp:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:      domain.DecisionPending,
		Prompt:      "prompt text",
		Reply:       "reply text",
	}

	require.NoError(t, repo.Insert(rec))

	got, err := repo.GetByID("d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Title, got.Title)
	assert.Equal(t, domain.DecisionPending, got.Status)
}

func TestDecisionRepository_GetByID_ReturnsNilWhenAbsent(t *testing.T) {
	db := createTestDB(t)
	repo := NewDecisionRepository(db.Conn(), silentLog())

	got, err := repo.GetByID("missing")

	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecisionRepository_UpdateStatus(t *testing.T) {
	db := createTestDB(t)
	repo := NewDecisionRepository(db.Conn(), silentLog())

	require.NoError(t, repo.Insert(domain.DecisionRecord{
		ID: "d1", Timestamp: time.Now(), Status: domain.DecisionPending,
	}))
	require.NoError(t, repo.UpdateStatus("d1", domain.DecisionApproved))

	got, err := repo.GetByID("d1")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApproved, got.Status)
}

func TestDecisionRepository_Recent_OrdersNewestFirstAndRespectsLimit(t *testing.T) {
	db := createTestDB(t)
	repo := NewDecisionRepository(db.Conn(), silentLog())

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, repo.Insert(domain.DecisionRecord{
			ID: id, Timestamp: base.Add(time.Duration(i) * time.Minute), Status: domain.DecisionPending,
		}))
	}

	recent, err := repo.Recent(2)

	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d3", recent[0].ID)
	assert.Equal(t, "d2", recent[1].ID)
}

func TestCoinConfigRepository_GetReturnsNilWhenUnset(t *testing.T) {
	db := createTestDB(t)
	repo := NewCoinConfigRepository(db.Conn(), silentLog())

	val, err := repo.Get("anything")

	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestCoinConfigRepository_SetThenGetRoundTrips(t *testing.T) {
	db := createTestDB(t)
	repo := NewCoinConfigRepository(db.Conn(), silentLog())

	require.NoError(t, repo.Set("max_leverage", "10"))

	val, err := repo.Get("max_leverage")

	require.NoError(t, err)
	require.NotNil(t, val)
	assert.Equal(t, "10", *val)
}

func TestCoinConfigRepository_SetOverwritesExistingValue(t *testing.T) {
	db := createTestDB(t)
	repo := NewCoinConfigRepository(db.Conn(), silentLog())

	require.NoError(t, repo.Set("max_leverage", "10"))
	require.NoError(t, repo.Set("max_leverage", "20"))

	val, err := repo.Get("max_leverage")

	require.NoError(t, err)
	assert.Equal(t, "20", *val)
}

func TestCoinConfigRepository_EnabledSymbols_EmptyWhenNeverSet(t *testing.T) {
	db := createTestDB(t)
	repo := NewCoinConfigRepository(db.Conn(), silentLog())

	symbols, err := repo.EnabledSymbols()

	require.NoError(t, err)
	assert.Empty(t, symbols)
}

func TestCoinConfigRepository_SetEnabledSymbols_RoundTrips(t *testing.T) {
	db := createTestDB(t)
	repo := NewCoinConfigRepository(db.Conn(), silentLog())

	require.NoError(t, repo.SetEnabledSymbols([]string{"BTC", "ETH", "SOL"}))

	symbols, err := repo.EnabledSymbols()

	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, symbols)
}
