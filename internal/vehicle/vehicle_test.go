package vehicle_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/store"
	"github.com/matiasvillaverde/trust/internal/vehicle"
)

func newTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(store.Config{Path: "file::memory:?cache=shared", Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpsertCreatesThenUpdatesSameRowNormalised(t *testing.T) {
	db := newTestStore(t)
	repo := vehicle.NewRepository(db.Conn(), zerolog.Nop())

	created, err := repo.Upsert(context.Background(), &vehicle.Vehicle{
		Symbol: "tsla", Category: domain.VehicleStock, Broker: "Mock", Tradable: true, Shortable: true,
	})
	require.NoError(t, err)
	require.Equal(t, "TSLA", created.Symbol)
	require.Equal(t, "mock", created.Broker)

	updated, err := repo.Upsert(context.Background(), &vehicle.Vehicle{
		Symbol: "TSLA", Category: domain.VehicleStock, Broker: "mock", Tradable: true, Marginable: true, Fractionable: true,
	})
	require.NoError(t, err)
	require.Equal(t, created.ID, updated.ID)
	require.True(t, updated.Marginable)
	require.True(t, updated.Fractionable)

	list, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestUpsertRejectsEmptySymbolOrUnknownCategory(t *testing.T) {
	db := newTestStore(t)
	repo := vehicle.NewRepository(db.Conn(), zerolog.Nop())

	_, err := repo.Upsert(context.Background(), &vehicle.Vehicle{Symbol: "", Category: domain.VehicleStock, Broker: "mock"})
	require.Error(t, err)

	_, err = repo.Upsert(context.Background(), &vehicle.Vehicle{Symbol: "AAPL", Category: "bond", Broker: "mock"})
	require.Error(t, err)
}
