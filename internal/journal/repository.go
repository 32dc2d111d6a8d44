package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the journal pool was not initialised.
	ErrNotConfigured = errors.New("journal: pool not configured")
)

const (
	insertTradeSQL = `INSERT INTO trades (
        operation_id,
        venue,
        token_id,
        side,
        amount,
        price,
        profit_loss,
        status,
        tx_ref,
        error,
        attempts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    RETURNING id, created_at;`

	listRecentTradesSQL = `SELECT
        id,
        operation_id,
        venue,
        token_id,
        side,
        amount,
        price,
        profit_loss,
        status,
        tx_ref,
        error,
        attempts,
        created_at
    FROM trades
    ORDER BY created_at DESC
    LIMIT $1;`

	listTradesBetweenSQL = `SELECT
        id,
        operation_id,
        venue,
        token_id,
        side,
        amount,
        price,
        profit_loss,
        status,
        tx_ref,
        error,
        attempts,
        created_at
    FROM trades
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	countTradesSQL = `SELECT COUNT(*) FROM trades;`

	insertBreakerEventSQL = `INSERT INTO breaker_events (
        from_state,
        to_state,
        reason,
        daily_loss,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, created_at;`

	listRecentBreakerEventsSQL = `SELECT
        id,
        from_state,
        to_state,
        reason,
        daily_loss,
        occurred_at,
        created_at
    FROM breaker_events
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteBreakerEventsBeforeSQL = `DELETE FROM breaker_events WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TradeJournal defines operations for trade auditing.
type TradeJournal interface {
	InsertTrade(ctx context.Context, trade TradeRecord) (TradeRecord, error)
	ListRecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)
	ListTradesBetween(ctx context.Context, from, to time.Time) ([]TradeRecord, error)
	CountTrades(ctx context.Context) (int64, error)
}

// BreakerEventStore defines operations for breaker transition auditing.
type BreakerEventStore interface {
	InsertBreakerEvent(ctx context.Context, event BreakerEventRecord) (BreakerEventRecord, error)
	ListRecentBreakerEvents(ctx context.Context, limit int) ([]BreakerEventRecord, error)
	DeleteBreakerEventsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the trade journal and breaker events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in journal package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertTrade journals a trade attempt and returns the stored record.
func (s *Store) InsertTrade(ctx context.Context, trade TradeRecord) (TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return TradeRecord{}, err
	}

	var profitLoss interface{}
	if trade.ProfitLoss != nil {
		profitLoss = trade.ProfitLoss.String()
	}
	var txRef interface{}
	if trade.TxRef != nil {
		txRef = *trade.TxRef
	}
	var errMsg interface{}
	if trade.Error != nil {
		errMsg = *trade.Error
	}

	row := pool.QueryRow(ctx, insertTradeSQL,
		trade.OperationID,
		trade.Venue,
		trade.TokenID,
		trade.Side,
		trade.Amount.String(),
		trade.Price.String(),
		profitLoss,
		trade.Status,
		txRef,
		errMsg,
		trade.Attempts,
	)

	stored := trade
	if scanErr := row.Scan(&stored.ID, &stored.CreatedAt); scanErr != nil {
		return TradeRecord{}, fmt.Errorf("insert trade: %w", scanErr)
	}
	return stored, nil
}

// ListRecentTrades lists the most recent journaled trades.
func (s *Store) ListRecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTradesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent trades: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]TradeRecord, 0, limit)
	for rows.Next() {
		trade, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, trade)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

// ListTradesBetween lists trades within a time window.
func (s *Store) ListTradesBetween(ctx context.Context, from, to time.Time) ([]TradeRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTradesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades between: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]TradeRecord, 0)
	for rows.Next() {
		trade, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, trade)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

// CountTrades counts journaled trades.
func (s *Store) CountTrades(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countTradesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count trades: %w", scanErr)
	}
	return count, nil
}

// InsertBreakerEvent audits a breaker transition.
func (s *Store) InsertBreakerEvent(ctx context.Context, event BreakerEventRecord) (BreakerEventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return BreakerEventRecord{}, err
	}

	row := pool.QueryRow(ctx, insertBreakerEventSQL,
		event.FromState,
		event.ToState,
		event.Reason,
		event.DailyLoss.String(),
		event.At,
	)

	stored := event
	if scanErr := row.Scan(&stored.ID, &stored.CreatedAt); scanErr != nil {
		return BreakerEventRecord{}, fmt.Errorf("insert breaker event: %w", scanErr)
	}
	return stored, nil
}

// ListRecentBreakerEvents lists the most recent breaker transitions.
func (s *Store) ListRecentBreakerEvents(ctx context.Context, limit int) ([]BreakerEventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentBreakerEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent breaker events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]BreakerEventRecord, 0, limit)
	for rows.Next() {
		var rec BreakerEventRecord
		var lossStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.FromState,
			&rec.ToState,
			&rec.Reason,
			&lossStr,
			&rec.At,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		loss, convErr := decimal.NewFromString(lossStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse daily loss: %w", convErr)
		}
		rec.DailyLoss = loss
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteBreakerEventsBefore deletes historical breaker events.
func (s *Store) DeleteBreakerEventsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteBreakerEventsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete breaker events before: %w", execErr)
	}
	return nil
}

func scanTrade(rows pgx.Rows) (TradeRecord, error) {
	var (
		rec        TradeRecord
		amountStr  string
		priceStr   string
		profitLoss sql.NullString
		txRef      sql.NullString
		errMsg     sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.OperationID,
		&rec.Venue,
		&rec.TokenID,
		&rec.Side,
		&amountStr,
		&priceStr,
		&profitLoss,
		&rec.Status,
		&txRef,
		&errMsg,
		&rec.Attempts,
		&rec.CreatedAt,
	); err != nil {
		return TradeRecord{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return TradeRecord{}, fmt.Errorf("parse amount: %w", err)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return TradeRecord{}, fmt.Errorf("parse price: %w", err)
	}
	rec.Amount = amount
	rec.Price = price

	if profitLoss.Valid {
		pl, convErr := decimal.NewFromString(profitLoss.String)
		if convErr != nil {
			return TradeRecord{}, fmt.Errorf("parse profit loss: %w", convErr)
		}
		rec.ProfitLoss = &pl
	}
	if txRef.Valid {
		value := txRef.String
		rec.TxRef = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}

	return rec, nil
}
