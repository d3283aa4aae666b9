package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const cronTickerColumns = `id, function, description, expression, retries, retry_intervals, request, created_at, updated_at`

const occurrenceSelect = `
	SELECT o.id, o.cron_ticker_id, o.execution_time, o.status, o.lock_holder, o.locked_at,
	       o.created_at, o.updated_at, o.retry_count, o.executed_at, o.elapsed_ms,
	       o.exception_details, o.skipped_reason,
	       c.id, c.function, c.description, c.expression, c.retries, c.retry_intervals, c.request,
	       c.created_at, c.updated_at
	FROM gofire_schema.cron_ticker_occurrences o
	JOIN gofire_schema.cron_tickers c ON c.id = o.cron_ticker_id`

func scanCronTicker(row rowScanner) (types.CronTicker, error) {
	var (
		c         types.CronTicker
		intervals pq.Int64Array
		request   []byte
	)
	if err := row.Scan(&c.ID, &c.Function, &c.Description, &c.Expression, &c.Retries, &intervals, &request, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.RetryIntervals = fromInt64s(intervals)
	if len(request) > 0 {
		c.Request = request
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func scanOccurrence(row rowScanner) (types.CronTickerOccurrence, error) {
	var (
		o                    types.CronTickerOccurrence
		c                    types.CronTicker
		lockedAt, executedAt sql.NullTime
		lockHolder           sql.NullString
		exception, skipped   sql.NullString
		elapsedMs            int64
		intervals            pq.Int64Array
		request              []byte
	)
	err := row.Scan(
		&o.ID, &o.CronTickerID, &o.ExecutionTime, &o.Status, &lockHolder, &lockedAt,
		&o.CreatedAt, &o.UpdatedAt, &o.RetryCount, &executedAt, &elapsedMs,
		&exception, &skipped,
		&c.ID, &c.Function, &c.Description, &c.Expression, &c.Retries, &intervals, &request,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	o.ExecutionTime = o.ExecutionTime.UTC()
	o.LockHolder = strPtr(lockHolder)
	o.LockedAt = utcPtr(lockedAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.ExecutedAt = utcPtr(executedAt)
	o.ElapsedTime = time.Duration(elapsedMs) * time.Millisecond
	o.ExceptionDetails = strPtr(exception)
	o.SkippedReason = strPtr(skipped)

	c.RetryIntervals = fromInt64s(intervals)
	if len(request) > 0 {
		c.Request = request
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	o.CronTicker = &c
	return o, nil
}

func (s *PostgresTickerStore) GetCronTickerByID(ctx context.Context, id uuid.UUID) (*types.CronTicker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cronTickerColumns+` FROM gofire_schema.cron_tickers WHERE id = $1`, id)
	c, err := scanCronTicker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(store.ErrNotFound, "cron ticker %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get cron ticker %s", id)
	}
	return &c, nil
}

func (s *PostgresTickerStore) GetCronTickers(ctx context.Context) ([]types.CronTicker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cronTickerColumns+` FROM gofire_schema.cron_tickers ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "query cron tickers")
	}
	defer rows.Close()

	var out []types.CronTicker
	for rows.Next() {
		c, err := scanCronTicker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan cron ticker")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresTickerStore) InsertCronTickers(ctx context.Context, tickers []types.CronTicker) error {
	if len(tickers) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin insert cron tickers")
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range tickers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO gofire_schema.cron_tickers (`+cronTickerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.Function, c.Description, c.Expression, c.Retries, toInt64s(c.RetryIntervals),
			nullJSON(c.Request), c.CreatedAt, c.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Newf("cron ticker %s already exists", c.ID)
			}
			return errors.Wrapf(err, "insert cron ticker %s", c.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit insert cron tickers")
}

func (s *PostgresTickerStore) UpdateCronTicker(ctx context.Context, ticker *types.CronTicker) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gofire_schema.cron_tickers
		SET function = $1,
		    description = $2,
		    expression = $3,
		    retries = $4,
		    retry_intervals = $5,
		    request = $6,
		    updated_at = $7
		WHERE id = $8`,
		ticker.Function, ticker.Description, ticker.Expression, ticker.Retries,
		toInt64s(ticker.RetryIntervals), nullJSON(ticker.Request), ticker.UpdatedAt, ticker.ID)
	if err != nil {
		return errors.Wrapf(err, "update cron ticker %s", ticker.ID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Wrapf(store.ErrNotFound, "cron ticker %s", ticker.ID)
	}
	return nil
}

// DeleteCronTickers removes the definitions; their occurrences go with them
// through the foreign key cascade.
func (s *PostgresTickerStore) DeleteCronTickers(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM gofire_schema.cron_tickers WHERE id = ANY($1)`, uuidArray(ids))
	if err != nil {
		return 0, errors.Wrap(err, "delete cron tickers")
	}
	return res.RowsAffected()
}

func (s *PostgresTickerStore) GetCronOccurrenceByID(ctx context.Context, id uuid.UUID) (*types.CronTickerOccurrence, error) {
	o, err := scanOccurrence(s.db.QueryRowContext(ctx, occurrenceSelect+` WHERE o.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(store.ErrNotFound, "cron occurrence %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get cron occurrence %s", id)
	}
	return &o, nil
}

func (s *PostgresTickerStore) GetCronOccurrencesByCronTicker(ctx context.Context, cronTickerID uuid.UUID) ([]types.CronTickerOccurrence, error) {
	return s.queryOccurrences(ctx, occurrenceSelect+` WHERE o.cron_ticker_id = $1 ORDER BY o.execution_time ASC`, cronTickerID)
}

func (s *PostgresTickerStore) occurrencesByIDs(ctx context.Context, ids []uuid.UUID) ([]types.CronTickerOccurrence, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryOccurrences(ctx, occurrenceSelect+` WHERE o.id = ANY($1) ORDER BY o.execution_time ASC`, uuidArray(ids))
}

func (s *PostgresTickerStore) queryOccurrences(ctx context.Context, query string, args ...any) ([]types.CronTickerOccurrence, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query cron occurrences")
	}
	defer rows.Close()

	var out []types.CronTickerOccurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan cron occurrence")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// QueueCronOccurrences inserts a queued row per candidate. A duplicate key
// means another node created the occurrence first; the row is then claimed
// only if it is still unowned, which covers occurrences released back to
// Idle.
func (s *PostgresTickerStore) QueueCronOccurrences(ctx context.Context, req store.ClaimRequest, candidates []store.CronOccurrenceCandidate) ([]types.CronTickerOccurrence, error) {
	var won []uuid.UUID
	for _, c := range candidates {
		id := uuid.New()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO gofire_schema.cron_ticker_occurrences
				(id, cron_ticker_id, execution_time, status, lock_holder, locked_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6, $6)`,
			id, c.CronTickerID, c.ExecutionTime.UTC(), state.StatusQueued, req.Node, req.Now)
		if err == nil {
			won = append(won, id)
			continue
		}
		if !isUniqueViolation(err) {
			return nil, errors.Wrapf(err, "create occurrence of %s at %s", c.CronTickerID, c.ExecutionTime)
		}

		ids, err := queryIDs(ctx, s.db, `
			UPDATE gofire_schema.cron_ticker_occurrences
			SET status = $1, lock_holder = $2, locked_at = $3, updated_at = $3
			WHERE cron_ticker_id = $4 AND execution_time = $5
			  AND status IN ($6, $7)
			  AND (lock_holder IS NULL OR lock_holder = $2)
			RETURNING id`,
			state.StatusQueued, req.Node, req.Now, c.CronTickerID, c.ExecutionTime.UTC(), state.StatusIdle, state.StatusQueued)
		if err != nil {
			return nil, errors.Wrapf(err, "claim occurrence of %s at %s", c.CronTickerID, c.ExecutionTime)
		}
		won = append(won, ids...)
	}
	return s.occurrencesByIDs(ctx, won)
}

func (s *PostgresTickerStore) QueueTimedOutCronOccurrences(ctx context.Context, req store.ClaimRequest) ([]types.CronTickerOccurrence, error) {
	ids, err := queryIDs(ctx, s.db, `
		UPDATE gofire_schema.cron_ticker_occurrences
		SET status = $1, lock_holder = $2, locked_at = $3, updated_at = $3
		WHERE id IN (
			SELECT id FROM gofire_schema.cron_ticker_occurrences
			WHERE execution_time < $4 AND status IN ($5, $6)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`,
		state.StatusInProgress, req.Node, req.Now, req.From, state.StatusIdle, state.StatusQueued)
	if err != nil {
		return nil, errors.Wrap(err, "claim timed out cron occurrences")
	}
	return s.occurrencesByIDs(ctx, ids)
}

func (s *PostgresTickerStore) ReleaseAcquiredCronOccurrences(ctx context.Context, node string, now time.Time) (int64, error) {
	return releaseAcquired(ctx, s.db, "cron_ticker_occurrences", node, now)
}

func (s *PostgresTickerStore) ReleaseDeadNodeCronOccurrences(ctx context.Context, node, reason string, now time.Time) (store.DeadNodeRelease, error) {
	return releaseDeadNode(ctx, s.db, "cron_ticker_occurrences", node, reason, now, nil)
}

func (s *PostgresTickerStore) UpdateCronOccurrenceStatus(ctx context.Context, u store.StatusUpdate) (bool, error) {
	return updateStatus(ctx, s.db, "cron_ticker_occurrences", u)
}
