// Package vehicle implements the TradingVehicle registry: the instrument
// metadata (symbol, category, broker, tradability flags) every trade
// references via trading_vehicle_id. Grounded on the same
// repository shape as internal/rule and internal/account (raw
// parameterized SQL, zerolog field style), with upsert-by-(symbol,broker)
// semantics per spec §3.
package vehicle

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/trusterr"
)

// Vehicle is the tradable instrument entity described in spec §3.
type Vehicle struct {
	ID            string
	Symbol        string
	ISIN          *string
	Category      domain.TradingVehicleCategory
	Broker        string
	BrokerAssetID *string
	Exchange      *string
	Tradable      bool
	Marginable    bool
	Shortable     bool
	EasyToBorrow  bool
	Fractionable  bool
}

// Repository persists Vehicle rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository builds a Repository bound to db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("component", "vehicle_repo").Logger()}
}

// normalize applies spec §3's key normalisation: symbol upper-cased,
// broker lower-cased, so "tsla"/"TSLA" against broker "Mock"/"mock" both
// resolve to the same (symbol, broker) upsert key.
func normalize(v *Vehicle) {
	v.Symbol = strings.ToUpper(strings.TrimSpace(v.Symbol))
	v.Broker = strings.ToLower(strings.TrimSpace(v.Broker))
}

// Upsert inserts a new vehicle or updates the existing row keyed on
// (symbol, broker) after normalisation, returning the persisted row with
// its id populated (spec §3: "Upsert semantics keyed on (symbol, broker)").
func (r *Repository) Upsert(ctx context.Context, v *Vehicle) (*Vehicle, error) {
	normalize(v)
	if v.Symbol == "" {
		return nil, trusterr.Validation("vehicle.Upsert", "symbol must not be empty")
	}
	if v.Broker == "" {
		return nil, trusterr.Validation("vehicle.Upsert", "broker must not be empty")
	}
	switch v.Category {
	case domain.VehicleStock, domain.VehicleCrypto, domain.VehicleFiat:
	default:
		return nil, trusterr.Validation("vehicle.Upsert", "unknown trading vehicle category %q", v.Category)
	}

	existing, err := r.bySymbolBroker(ctx, v.Symbol, v.Broker)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if existing == nil {
		v.ID = uuid.NewString()
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO trading_vehicles (id, symbol, isin, category, broker, broker_asset_id, exchange, tradable, marginable, shortable, easy_to_borrow, fractionable, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.Symbol, v.ISIN, string(v.Category), v.Broker, v.BrokerAssetID, v.Exchange,
			boolToInt(v.Tradable), boolToInt(v.Marginable), boolToInt(v.Shortable), boolToInt(v.EasyToBorrow), boolToInt(v.Fractionable), now, now)
		if err != nil {
			return nil, trusterr.Persistence("vehicle.Upsert", err)
		}
		r.log.Info().Str("vehicle_id", v.ID).Str("symbol", v.Symbol).Str("broker", v.Broker).Msg("trading vehicle created")
		return v, nil
	}

	v.ID = existing.ID
	_, err = r.db.ExecContext(ctx, `
		UPDATE trading_vehicles
		SET isin = ?, category = ?, broker_asset_id = ?, exchange = ?, tradable = ?, marginable = ?, shortable = ?, easy_to_borrow = ?, fractionable = ?, updated_at = ?
		WHERE id = ?`,
		v.ISIN, string(v.Category), v.BrokerAssetID, v.Exchange,
		boolToInt(v.Tradable), boolToInt(v.Marginable), boolToInt(v.Shortable), boolToInt(v.EasyToBorrow), boolToInt(v.Fractionable), now, v.ID)
	if err != nil {
		return nil, trusterr.Persistence("vehicle.Upsert", err)
	}
	r.log.Info().Str("vehicle_id", v.ID).Str("symbol", v.Symbol).Str("broker", v.Broker).Msg("trading vehicle updated")
	return v, nil
}

func (r *Repository) bySymbolBroker(ctx context.Context, symbol, broker string) (*Vehicle, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, symbol, isin, category, broker, broker_asset_id, exchange, tradable, marginable, shortable, easy_to_borrow, fractionable
		FROM trading_vehicles WHERE symbol = ? AND broker = ? AND deleted_at IS NULL`, symbol, broker)
	return scanVehicle(row)
}

// Get loads a vehicle by id.
func (r *Repository) Get(ctx context.Context, id string) (*Vehicle, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, symbol, isin, category, broker, broker_asset_id, exchange, tradable, marginable, shortable, easy_to_borrow, fractionable
		FROM trading_vehicles WHERE id = ? AND deleted_at IS NULL`, id)
	return scanVehicle(row)
}

func scanVehicle(row *sql.Row) (*Vehicle, error) {
	var v Vehicle
	var category string
	var isin, brokerAssetID, exchange sql.NullString
	var tradable, marginable, shortable, easyToBorrow, fractionable int
	if err := row.Scan(&v.ID, &v.Symbol, &isin, &category, &v.Broker, &brokerAssetID, &exchange, &tradable, &marginable, &shortable, &easyToBorrow, &fractionable); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, trusterr.Persistence("vehicle.scanVehicle", err)
	}
	v.Category = domain.TradingVehicleCategory(category)
	if isin.Valid {
		s := isin.String
		v.ISIN = &s
	}
	if brokerAssetID.Valid {
		s := brokerAssetID.String
		v.BrokerAssetID = &s
	}
	if exchange.Valid {
		s := exchange.String
		v.Exchange = &s
	}
	v.Tradable = tradable != 0
	v.Marginable = marginable != 0
	v.Shortable = shortable != 0
	v.EasyToBorrow = easyToBorrow != 0
	v.Fractionable = fractionable != 0
	return &v, nil
}

// List returns every non-deleted vehicle, used by the facade's
// trading-vehicle listing projection.
func (r *Repository) List(ctx context.Context) ([]*Vehicle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, symbol, isin, category, broker, broker_asset_id, exchange, tradable, marginable, shortable, easy_to_borrow, fractionable
		FROM trading_vehicles WHERE deleted_at IS NULL ORDER BY symbol ASC`)
	if err != nil {
		return nil, trusterr.Persistence("vehicle.List", err)
	}
	defer rows.Close()

	var out []*Vehicle
	for rows.Next() {
		var v Vehicle
		var category string
		var isin, brokerAssetID, exchange sql.NullString
		var tradable, marginable, shortable, easyToBorrow, fractionable int
		if err := rows.Scan(&v.ID, &v.Symbol, &isin, &category, &v.Broker, &brokerAssetID, &exchange, &tradable, &marginable, &shortable, &easyToBorrow, &fractionable); err != nil {
			return nil, trusterr.Persistence("vehicle.List", err)
		}
		v.Category = domain.TradingVehicleCategory(category)
		if isin.Valid {
			s := isin.String
			v.ISIN = &s
		}
		if brokerAssetID.Valid {
			s := brokerAssetID.String
			v.BrokerAssetID = &s
		}
		if exchange.Valid {
			s := exchange.String
			v.Exchange = &s
		}
		v.Tradable = tradable != 0
		v.Marginable = marginable != 0
		v.Shortable = shortable != 0
		v.EasyToBorrow = easyToBorrow != 0
		v.Fractionable = fractionable != 0
		out = append(out, &v)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
