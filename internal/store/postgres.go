package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/feed"
	"github.com/atmx/lending-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const (
	sideDeposit = "deposit"
	sideBorrow  = "borrow"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Prices are stored as NUMERIC and amounts as NUMERIC(20,0) so uint64 base
// units round-trip exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, decimals, fallback_price, feed_id)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		int16(a.ID), int16(a.Decimals), a.FallbackPrice.String(), a.FeedID.String(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("asset %d: %w", a.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) UpdateAsset(ctx context.Context, a *model.Asset) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assets SET fallback_price = $2::NUMERIC, feed_id = $3 WHERE id = $1`,
		int16(a.ID), a.FallbackPrice.String(), a.FeedID.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %d: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteAsset(ctx context.Context, id uint8) error {
	// risk_weights rows cascade.
	tag, err := s.pool.Exec(ctx, `DELETE FROM assets WHERE id = $1`, int16(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, decimals, fallback_price::TEXT, feed_id FROM assets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		var id, decimals int16
		var priceS, feedS string
		if err := rows.Scan(&id, &decimals, &priceS, &feedS); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceS)
		if err != nil {
			return nil, fmt.Errorf("asset %d fallback price: %w", id, err)
		}
		feedID, err := feed.Parse(feedS)
		if err != nil {
			return nil, fmt.Errorf("asset %d: %w", id, err)
		}
		assets = append(assets, model.Asset{
			ID:            uint8(id),
			Decimals:      uint8(decimals),
			FallbackPrice: price,
			FeedID:        feedID,
		})
	}
	return assets, rows.Err()
}

func (s *PostgresStore) PutRiskWeight(ctx context.Context, w model.RiskWeight) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_weights (asset_a, asset_b, weight_bps) VALUES ($1, $2, $3)
		 ON CONFLICT (asset_a, asset_b) DO UPDATE SET weight_bps = EXCLUDED.weight_bps`,
		int16(w.AssetA), int16(w.AssetB), int32(w.WeightBps),
	)
	return err
}

func (s *PostgresStore) ListRiskWeights(ctx context.Context) ([]model.RiskWeight, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_a, asset_b, weight_bps FROM risk_weights ORDER BY asset_a, asset_b`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RiskWeight
	for rows.Next() {
		var a, b int16
		var bps int32
		if err := rows.Scan(&a, &b, &bps); err != nil {
			return nil, err
		}
		out = append(out, model.RiskWeight{AssetA: uint8(a), AssetB: uint8(b), WeightBps: uint16(bps)})
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateObligation(ctx context.Context, ob *model.Obligation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO obligations (owner, id, created_at) VALUES ($1, $2, $3)`,
		ob.Owner, ob.ID, ob.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("obligation %s: %w", ob.Owner, ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	if len(ob.Deposits) > 0 || len(ob.Borrows) > 0 {
		return s.SaveObligation(ctx, ob)
	}
	return nil
}

func (s *PostgresStore) GetObligation(ctx context.Context, owner string) (*model.Obligation, error) {
	ob := &model.Obligation{Owner: owner, Deposits: []model.LedgerEntry{}, Borrows: []model.LedgerEntry{}}

	err := s.pool.QueryRow(ctx,
		`SELECT id, created_at FROM obligations WHERE owner = $1`, owner).Scan(&ob.ID, &ob.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("obligation %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get obligation %s: %w", owner, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT side, asset_id, amount::TEXT FROM obligation_entries
		 WHERE owner = $1 ORDER BY side, asset_id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var side, amountS string
		var assetID int16
		if err := rows.Scan(&side, &assetID, &amountS); err != nil {
			return nil, err
		}
		amount, err := strconv.ParseUint(amountS, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("obligation %s entry amount: %w", owner, err)
		}
		entry := model.LedgerEntry{AssetID: uint8(assetID), Amount: amount}
		if side == sideDeposit {
			ob.Deposits = append(ob.Deposits, entry)
		} else {
			ob.Borrows = append(ob.Borrows, entry)
		}
	}
	return ob, rows.Err()
}

// GetObligationForUpdate reads the same rows as GetObligation; the pool
// always talks to the primary.
func (s *PostgresStore) GetObligationForUpdate(ctx context.Context, owner string) (*model.Obligation, error) {
	return s.GetObligation(ctx, owner)
}

func (s *PostgresStore) SaveObligation(ctx context.Context, ob *model.Obligation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM obligations WHERE owner = $1 FOR UPDATE`, ob.Owner).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("obligation %s: %w", ob.Owner, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM obligation_entries WHERE owner = $1`, ob.Owner); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	queue := func(side string, entries []model.LedgerEntry) {
		for _, e := range entries {
			batch.Queue(
				`INSERT INTO obligation_entries (owner, side, asset_id, amount) VALUES ($1, $2, $3, $4::NUMERIC)`,
				ob.Owner, side, int16(e.AssetID), strconv.FormatUint(e.Amount, 10),
			)
		}
	}
	queue(sideDeposit, ob.Deposits)
	queue(sideBorrow, ob.Borrows)
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save obligation %s entries: %w", ob.Owner, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteObligation(ctx context.Context, owner string) error {
	// obligation_entries rows cascade.
	tag, err := s.pool.Exec(ctx, `DELETE FROM obligations WHERE owner = $1`, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("obligation %s: %w", owner, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CountObligationsWithAsset(ctx context.Context, assetID uint8) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT owner) FROM obligation_entries WHERE asset_id = $1`,
		int16(assetID)).Scan(&n)
	return n, err
}

func (s *PostgresStore) InsertDecision(ctx context.Context, d *model.Decision) error {
	prices, err := json.Marshal(d.Prices)
	if err != nil {
		return fmt.Errorf("encode decision prices: %w", err)
	}
	var score *string
	var unbounded, passed *bool
	if d.Verdict != nil {
		sc := d.Verdict.Score.String()
		score = &sc
		unbounded = &d.Verdict.Unbounded
		passed = &d.Verdict.Passed
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO decisions (id, obligation_id, owner, operation, asset_id, amount, score, unbounded, passed, committed, prices, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12)`,
		d.ID, d.ObligationID, d.Owner, string(d.Operation), int16(d.AssetID), strconv.FormatUint(d.Amount, 10),
		score, unbounded, passed, d.Committed, prices, d.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListDecisions(ctx context.Context, obligationID string, limit int) ([]model.Decision, error) {
	query := `SELECT id, obligation_id, owner, operation, asset_id, amount::TEXT, score::TEXT, unbounded, passed, committed, prices, timestamp
	          FROM decisions WHERE obligation_id = $1 ORDER BY timestamp DESC`
	args := []any{obligationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		var d model.Decision
		var op, amountS string
		var assetID int16
		var score *string
		var unbounded, passed *bool
		var prices []byte
		if err := rows.Scan(&d.ID, &d.ObligationID, &d.Owner, &op, &assetID, &amountS, &score, &unbounded, &passed,
			&d.Committed, &prices, &d.Timestamp); err != nil {
			return nil, err
		}
		d.Operation = model.Operation(op)
		d.AssetID = uint8(assetID)
		d.Amount, _ = strconv.ParseUint(amountS, 10, 64)
		if score != nil {
			v := &model.HealthVerdict{}
			v.Score, _ = decimal.NewFromString(*score)
			if unbounded != nil {
				v.Unbounded = *unbounded
			}
			if passed != nil {
				v.Passed = *passed
			}
			d.Verdict = v
		}
		if err := json.Unmarshal(prices, &d.Prices); err != nil {
			return nil, fmt.Errorf("decode decision %s prices: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
