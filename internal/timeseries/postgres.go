package timeseries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// PostgresStore is the archival backend. It carries the same contract as the
// Redis store but stores records as columns, which makes the history
// queryable with plain SQL.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time

	// Retention pruning runs at most once per pruneInterval per class.
	pruneMu   sync.Mutex
	lastPrune map[Class]time.Time
}

const pruneInterval = time.Hour

const postgresSchema = `
CREATE TABLE IF NOT EXISTS depthwatch_core_metrics (
	segment         TEXT        NOT NULL,
	symbol          TEXT        NOT NULL,
	ts_ms           BIGINT      NOT NULL,
	spread_percent  DOUBLE PRECISION NOT NULL,
	total_depth     DOUBLE PRECISION NOT NULL,
	bid_depth       DOUBLE PRECISION NOT NULL,
	ask_depth       DOUBLE PRECISION NOT NULL,
	slippage_100k   DOUBLE PRECISION NOT NULL,
	slippage_1m     DOUBLE PRECISION NOT NULL,
	liquidity_score DOUBLE PRECISION NOT NULL,
	imbalance       DOUBLE PRECISION NOT NULL,
	mid_price       DOUBLE PRECISION NOT NULL,
	best_bid        DOUBLE PRECISION NOT NULL,
	best_ask        DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dw_core_series
	ON depthwatch_core_metrics (segment, symbol, ts_ms);

CREATE TABLE IF NOT EXISTS depthwatch_advanced_metrics (
	segment             TEXT   NOT NULL,
	symbol              TEXT   NOT NULL,
	ts_ms               BIGINT NOT NULL,
	bid_depth           DOUBLE PRECISION NOT NULL,
	ask_depth           DOUBLE PRECISION NOT NULL,
	impact_cost_avg     DOUBLE PRECISION NOT NULL,
	depth_deviation_bid DOUBLE PRECISION NOT NULL,
	depth_deviation_ask DOUBLE PRECISION NOT NULL,
	best_bid            DOUBLE PRECISION NOT NULL,
	best_ask            DOUBLE PRECISION NOT NULL,
	deviation_label     TEXT   NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dw_advanced_series
	ON depthwatch_advanced_metrics (segment, symbol, ts_ms);
`

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("timeseries: postgres connect: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("timeseries: postgres schema: %w", err)
	}
	return &PostgresStore{
		db:        db,
		now:       time.Now,
		lastPrune: make(map[Class]time.Time),
	}, nil
}

func (p *PostgresStore) maybePrune(ctx context.Context, class Class, table string) {
	now := p.now()
	p.pruneMu.Lock()
	if now.Sub(p.lastPrune[class]) < pruneInterval {
		p.pruneMu.Unlock()
		return
	}
	p.lastPrune[class] = now
	p.pruneMu.Unlock()

	cutoff := now.Add(-RetentionPeriod).UnixMilli()
	if _, err := p.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE ts_ms < $1", table), cutoff); err != nil {
		log.Warn().Err(err).Str("table", table).Msg("timeseries retention prune failed")
	}
}

// AppendCore stores one core record.
func (p *PostgresStore) AppendCore(ctx context.Context, key SeriesKey, rec *CoreRecord) error {
	p.maybePrune(ctx, ClassCore, "depthwatch_core_metrics")
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO depthwatch_core_metrics
		(segment, symbol, ts_ms, spread_percent, total_depth, bid_depth, ask_depth,
		 slippage_100k, slippage_1m, liquidity_score, imbalance, mid_price, best_bid, best_ask)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		key.Segment, key.Symbol, rec.TimestampMs, rec.SpreadPercent, rec.TotalDepth,
		rec.BidDepth, rec.AskDepth, rec.Slippage100K, rec.Slippage1M,
		rec.LiquidityScore, rec.Imbalance, rec.MidPrice, rec.BestBid, rec.BestAsk)
	if err != nil {
		return fmt.Errorf("timeseries: postgres append core: %w", err)
	}
	return nil
}

// AppendAdvanced stores one advanced record.
func (p *PostgresStore) AppendAdvanced(ctx context.Context, key SeriesKey, rec *AdvancedRecord) error {
	p.maybePrune(ctx, ClassAdvanced, "depthwatch_advanced_metrics")
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO depthwatch_advanced_metrics
		(segment, symbol, ts_ms, bid_depth, ask_depth, impact_cost_avg,
		 depth_deviation_bid, depth_deviation_ask, best_bid, best_ask, deviation_label)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		key.Segment, key.Symbol, rec.TimestampMs, rec.BidDepth, rec.AskDepth,
		rec.ImpactCostAvg, rec.DepthDeviationBid, rec.DepthDeviationAsk,
		rec.BestBid, rec.BestAsk, rec.DeviationLabel)
	if err != nil {
		return fmt.Errorf("timeseries: postgres append advanced: %w", err)
	}
	return nil
}

type coreRow struct {
	TsMs           int64   `db:"ts_ms"`
	SpreadPercent  float64 `db:"spread_percent"`
	TotalDepth     float64 `db:"total_depth"`
	BidDepth       float64 `db:"bid_depth"`
	AskDepth       float64 `db:"ask_depth"`
	Slippage100K   float64 `db:"slippage_100k"`
	Slippage1M     float64 `db:"slippage_1m"`
	LiquidityScore float64 `db:"liquidity_score"`
	Imbalance      float64 `db:"imbalance"`
	MidPrice       float64 `db:"mid_price"`
	BestBid        float64 `db:"best_bid"`
	BestAsk        float64 `db:"best_ask"`
}

func (r coreRow) record() CoreRecord {
	return CoreRecord{
		TimestampMs: r.TsMs, SpreadPercent: r.SpreadPercent, TotalDepth: r.TotalDepth,
		BidDepth: r.BidDepth, AskDepth: r.AskDepth, Slippage100K: r.Slippage100K,
		Slippage1M: r.Slippage1M, LiquidityScore: r.LiquidityScore,
		Imbalance: r.Imbalance, MidPrice: r.MidPrice, BestBid: r.BestBid, BestAsk: r.BestAsk,
	}
}

type advancedRow struct {
	TsMs              int64   `db:"ts_ms"`
	BidDepth          float64 `db:"bid_depth"`
	AskDepth          float64 `db:"ask_depth"`
	ImpactCostAvg     float64 `db:"impact_cost_avg"`
	DepthDeviationBid float64 `db:"depth_deviation_bid"`
	DepthDeviationAsk float64 `db:"depth_deviation_ask"`
	BestBid           float64 `db:"best_bid"`
	BestAsk           float64 `db:"best_ask"`
	DeviationLabel    string  `db:"deviation_label"`
}

func (r advancedRow) record() AdvancedRecord {
	return AdvancedRecord{
		TimestampMs: r.TsMs, BidDepth: r.BidDepth, AskDepth: r.AskDepth,
		ImpactCostAvg: r.ImpactCostAvg, DepthDeviationBid: r.DepthDeviationBid,
		DepthDeviationAsk: r.DepthDeviationAsk, BestBid: r.BestBid, BestAsk: r.BestAsk,
		DeviationLabel: r.DeviationLabel,
	}
}

func rangeBounds(startMs, endMs int64) (int64, int64) {
	if endMs <= 0 {
		endMs = int64(^uint64(0) >> 1)
	}
	return startMs, endMs
}

// RangeCore returns core records in [startMs, endMs], time ascending.
func (p *PostgresStore) RangeCore(ctx context.Context, key SeriesKey, startMs, endMs int64, limit int) ([]CoreRecord, error) {
	startMs, endMs = rangeBounds(startMs, endMs)
	if limit <= 0 {
		limit = 1000
	}
	var rows []coreRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT ts_ms, spread_percent, total_depth, bid_depth, ask_depth,
		       slippage_100k, slippage_1m, liquidity_score, imbalance,
		       mid_price, best_bid, best_ask
		FROM depthwatch_core_metrics
		WHERE segment = $1 AND symbol = $2 AND ts_ms BETWEEN $3 AND $4
		ORDER BY ts_ms ASC LIMIT $5`,
		key.Segment, key.Symbol, startMs, endMs, limit)
	if err != nil {
		return nil, fmt.Errorf("timeseries: postgres range core: %w", err)
	}
	out := make([]CoreRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// RangeAdvanced returns advanced records in [startMs, endMs], time ascending.
func (p *PostgresStore) RangeAdvanced(ctx context.Context, key SeriesKey, startMs, endMs int64, limit int) ([]AdvancedRecord, error) {
	startMs, endMs = rangeBounds(startMs, endMs)
	if limit <= 0 {
		limit = 1000
	}
	var rows []advancedRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT ts_ms, bid_depth, ask_depth, impact_cost_avg,
		       depth_deviation_bid, depth_deviation_ask, best_bid, best_ask, deviation_label
		FROM depthwatch_advanced_metrics
		WHERE segment = $1 AND symbol = $2 AND ts_ms BETWEEN $3 AND $4
		ORDER BY ts_ms ASC LIMIT $5`,
		key.Segment, key.Symbol, startMs, endMs, limit)
	if err != nil {
		return nil, fmt.Errorf("timeseries: postgres range advanced: %w", err)
	}
	out := make([]AdvancedRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// Recent returns the newest count records, oldest first.
func (p *PostgresStore) Recent(ctx context.Context, key SeriesKey, count int, includeAdvanced bool) (*RecentResult, error) {
	if count <= 0 {
		count = 100
	}
	res := &RecentResult{}

	var core []coreRow
	err := p.db.SelectContext(ctx, &core, `
		SELECT * FROM (
			SELECT ts_ms, spread_percent, total_depth, bid_depth, ask_depth,
			       slippage_100k, slippage_1m, liquidity_score, imbalance,
			       mid_price, best_bid, best_ask
			FROM depthwatch_core_metrics
			WHERE segment = $1 AND symbol = $2
			ORDER BY ts_ms DESC LIMIT $3
		) newest ORDER BY ts_ms ASC`,
		key.Segment, key.Symbol, count)
	if err != nil {
		return nil, fmt.Errorf("timeseries: postgres recent core: %w", err)
	}
	for _, r := range core {
		res.Core = append(res.Core, r.record())
	}

	if includeAdvanced {
		var adv []advancedRow
		err := p.db.SelectContext(ctx, &adv, `
			SELECT * FROM (
				SELECT ts_ms, bid_depth, ask_depth, impact_cost_avg,
				       depth_deviation_bid, depth_deviation_ask, best_bid, best_ask, deviation_label
				FROM depthwatch_advanced_metrics
				WHERE segment = $1 AND symbol = $2
				ORDER BY ts_ms DESC LIMIT $3
			) newest ORDER BY ts_ms ASC`,
			key.Segment, key.Symbol, count)
		if err != nil {
			return nil, fmt.Errorf("timeseries: postgres recent advanced: %w", err)
		}
		for _, r := range adv {
			res.Advanced = append(res.Advanced, r.record())
		}
	}
	return res, nil
}

// Stats reports counts and the combined time range for a pair.
func (p *PostgresStore) Stats(ctx context.Context, key SeriesKey) (*Stats, error) {
	stats := &Stats{}

	row := p.db.QueryRowxContext(ctx, `
		SELECT COUNT(*), COALESCE(MIN(ts_ms), 0), COALESCE(MAX(ts_ms), 0)
		FROM depthwatch_core_metrics WHERE segment = $1 AND symbol = $2`,
		key.Segment, key.Symbol)
	var start, end int64
	if err := row.Scan(&stats.CoreCount, &start, &end); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("timeseries: postgres stats: %w", err)
	}
	stats.TimeRange.Start, stats.TimeRange.End = start, end

	row = p.db.QueryRowxContext(ctx, `
		SELECT COUNT(*), COALESCE(MIN(ts_ms), 0), COALESCE(MAX(ts_ms), 0)
		FROM depthwatch_advanced_metrics WHERE segment = $1 AND symbol = $2`,
		key.Segment, key.Symbol)
	if err := row.Scan(&stats.AdvancedCount, &start, &end); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("timeseries: postgres stats: %w", err)
	}
	if start > 0 && (stats.TimeRange.Start == 0 || start < stats.TimeRange.Start) {
		stats.TimeRange.Start = start
	}
	if end > stats.TimeRange.End {
		stats.TimeRange.End = end
	}
	return stats, nil
}

// Ping verifies connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
