package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const timeTickerColumns = `id, function, description, execution_time, status, lock_holder, locked_at,
	created_at, updated_at, retries, retry_count, retry_intervals, parent_id, run_condition,
	executed_at, elapsed_ms, exception_details, skipped_reason, request`

// PostgresTickerStore keeps tickers in gofire_schema. Claims are single
// conditional statements, so concurrent nodes serialize on row locks.
type PostgresTickerStore struct {
	db *sql.DB
}

func NewPostgresTickerStore(db *sql.DB) *PostgresTickerStore {
	return &PostgresTickerStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimeTicker(row rowScanner) (types.TimeTicker, error) {
	var (
		t                                   types.TimeTicker
		executionTime, lockedAt, executedAt sql.NullTime
		lockHolder, runCondition            sql.NullString
		exception, skipped                  sql.NullString
		parentID                            uuid.NullUUID
		intervals                           pq.Int64Array
		elapsedMs                           int64
		request                             []byte
	)
	err := row.Scan(
		&t.ID, &t.Function, &t.Description, &executionTime, &t.Status, &lockHolder, &lockedAt,
		&t.CreatedAt, &t.UpdatedAt, &t.Retries, &t.RetryCount, &intervals, &parentID, &runCondition,
		&executedAt, &elapsedMs, &exception, &skipped, &request,
	)
	if err != nil {
		return t, err
	}
	t.ExecutionTime = utcPtr(executionTime)
	t.LockHolder = strPtr(lockHolder)
	t.LockedAt = utcPtr(lockedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.RetryIntervals = fromInt64s(intervals)
	if parentID.Valid {
		id := parentID.UUID
		t.ParentID = &id
	}
	if runCondition.Valid {
		rc := state.RunCondition(runCondition.String)
		t.RunCondition = &rc
	}
	t.ExecutedAt = utcPtr(executedAt)
	t.ElapsedTime = time.Duration(elapsedMs) * time.Millisecond
	t.ExceptionDetails = strPtr(exception)
	t.SkippedReason = strPtr(skipped)
	if len(request) > 0 {
		t.Request = request
	}
	return t, nil
}

func (s *PostgresTickerStore) GetTimeTickerByID(ctx context.Context, id uuid.UUID) (*types.TimeTicker, error) {
	trees, err := s.loadTrees(ctx, s.db, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(trees) == 0 {
		return nil, errors.Wrapf(store.ErrNotFound, "time ticker %s", id)
	}
	return &trees[0], nil
}

func (s *PostgresTickerStore) GetTimeTickersByIDs(ctx context.Context, ids []uuid.UUID) ([]types.TimeTicker, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timeTickerColumns+`
		FROM gofire_schema.time_tickers
		WHERE id = ANY($1)
		ORDER BY execution_time ASC NULLS LAST, created_at ASC`, uuidArray(ids))
	if err != nil {
		return nil, errors.Wrap(err, "query time tickers")
	}
	defer rows.Close()

	var out []types.TimeTicker
	for rows.Next() {
		t, err := scanTimeTicker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan time ticker")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadTrees returns the tickers with ids and their descendants attached,
// in the order the roots come back from the database.
func (s *PostgresTickerStore) loadTrees(ctx context.Context, q querier, ids []uuid.UUID) ([]types.TimeTicker, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx, `
		WITH RECURSIVE tree AS (
			SELECT `+timeTickerColumns+`, 0 AS depth
			FROM gofire_schema.time_tickers
			WHERE id = ANY($1)
			UNION ALL
			SELECT c.id, c.function, c.description, c.execution_time, c.status, c.lock_holder, c.locked_at,
			       c.created_at, c.updated_at, c.retries, c.retry_count, c.retry_intervals, c.parent_id, c.run_condition,
			       c.executed_at, c.elapsed_ms, c.exception_details, c.skipped_reason, c.request, tree.depth + 1
			FROM gofire_schema.time_tickers c
			JOIN tree ON c.parent_id = tree.id
		)
		SELECT `+timeTickerColumns+`
		FROM tree
		ORDER BY depth ASC, execution_time ASC NULLS LAST, created_at ASC, id ASC`, uuidArray(ids))
	if err != nil {
		return nil, errors.Wrap(err, "query time ticker trees")
	}
	defer rows.Close()

	roots := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		roots[id] = true
	}

	byID := make(map[uuid.UUID]types.TimeTicker)
	childrenOf := make(map[uuid.UUID][]uuid.UUID)
	var order []uuid.UUID
	for rows.Next() {
		t, err := scanTimeTicker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan time ticker")
		}
		if _, seen := byID[t.ID]; seen {
			continue
		}
		byID[t.ID] = t
		if roots[t.ID] {
			order = append(order, t.ID)
		} else if t.ParentID != nil {
			childrenOf[*t.ParentID] = append(childrenOf[*t.ParentID], t.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var build func(id uuid.UUID) types.TimeTicker
	build = func(id uuid.UUID) types.TimeTicker {
		t := byID[id]
		for _, childID := range childrenOf[id] {
			t.Children = append(t.Children, build(childID))
		}
		return t
	}
	out := make([]types.TimeTicker, 0, len(order))
	for _, id := range order {
		out = append(out, build(id))
	}
	return out, nil
}

func (s *PostgresTickerStore) ListTimeTickers(ctx context.Context, page, pageSize int, status state.JobStatus) (*types.PaginationResult[types.TimeTicker], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	var args []any
	where := "TRUE"
	argIndex := 1
	if status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}

	var totalItems int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gofire_schema.time_tickers WHERE `+where, args...).Scan(&totalItems)
	if err != nil {
		return nil, errors.Wrap(err, "count time tickers")
	}

	selectQuery := fmt.Sprintf(`
		SELECT %s
		FROM gofire_schema.time_tickers
		WHERE %s
		ORDER BY created_at DESC, id ASC
		LIMIT $%d OFFSET $%d`, timeTickerColumns, where, argIndex, argIndex+1)
	args = append(args, pageSize, offset)

	rows, err := s.db.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list time tickers")
	}
	defer rows.Close()

	items := []types.TimeTicker{}
	for rows.Next() {
		t, err := scanTimeTicker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan time ticker")
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totalPages := int(math.Ceil(float64(totalItems) / float64(pageSize)))
	return &types.PaginationResult[types.TimeTicker]{
		Items:           items,
		TotalItems:      totalItems,
		Page:            page,
		PageSize:        pageSize,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}, nil
}

func (s *PostgresTickerStore) InsertTimeTickers(ctx context.Context, tickers []types.TimeTicker) error {
	if len(tickers) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin insert time tickers")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO gofire_schema.time_tickers (`+timeTickerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`)
	if err != nil {
		return errors.Wrap(err, "prepare insert time ticker")
	}
	defer stmt.Close()

	var insert func(t types.TimeTicker, parent *uuid.UUID) error
	insert = func(t types.TimeTicker, parent *uuid.UUID) error {
		if parent != nil {
			t.ParentID = parent
		}
		var runCondition *string
		if t.RunCondition != nil {
			rc := t.RunCondition.String()
			runCondition = &rc
		}
		_, err := stmt.ExecContext(ctx,
			t.ID, t.Function, t.Description, t.ExecutionTime, t.Status, t.LockHolder, t.LockedAt,
			t.CreatedAt, t.UpdatedAt, t.Retries, t.RetryCount, toInt64s(t.RetryIntervals), nullUUID(t.ParentID), runCondition,
			t.ExecutedAt, t.ElapsedTime.Milliseconds(), t.ExceptionDetails, t.SkippedReason, nullJSON(t.Request),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Newf("time ticker %s already exists", t.ID)
			}
			return errors.Wrapf(err, "insert time ticker %s", t.ID)
		}
		id := t.ID
		for _, child := range t.Children {
			if err := insert(child, &id); err != nil {
				return err
			}
		}
		return nil
	}
	for _, t := range tickers {
		if err := insert(t, nil); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "commit insert time tickers")
}

func (s *PostgresTickerStore) UpdateTimeTicker(ctx context.Context, ticker *types.TimeTicker) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gofire_schema.time_tickers
		SET function = $1,
		    description = $2,
		    execution_time = $3,
		    retries = $4,
		    retry_intervals = $5,
		    request = $6,
		    updated_at = $7
		WHERE id = $8 AND lock_holder IS NULL AND status IN ($9, $10)`,
		ticker.Function, ticker.Description, ticker.ExecutionTime, ticker.Retries, toInt64s(ticker.RetryIntervals),
		nullJSON(ticker.Request), ticker.UpdatedAt, ticker.ID, state.StatusIdle, state.StatusBatched)
	if err != nil {
		return false, errors.Wrapf(err, "update time ticker %s", ticker.ID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM gofire_schema.time_tickers WHERE id = $1)`, ticker.ID).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "check time ticker %s", ticker.ID)
	}
	if !exists {
		return false, errors.Wrapf(store.ErrNotFound, "time ticker %s", ticker.ID)
	}
	return false, nil
}

// DeleteTimeTickers removes the tickers and their descendants. The count
// includes descendants.
func (s *PostgresTickerStore) DeleteTimeTickers(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE tree AS (
			SELECT id FROM gofire_schema.time_tickers WHERE id = ANY($1)
			UNION ALL
			SELECT c.id FROM gofire_schema.time_tickers c JOIN tree ON c.parent_id = tree.id
		)
		DELETE FROM gofire_schema.time_tickers WHERE id IN (SELECT id FROM tree)`, uuidArray(ids))
	if err != nil {
		return 0, errors.Wrap(err, "delete time tickers")
	}
	return res.RowsAffected()
}

func (s *PostgresTickerStore) EarliestTimeTickerExecution(ctx context.Context) (*time.Time, error) {
	var earliest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(execution_time)
		FROM gofire_schema.time_tickers
		WHERE status = $1 AND lock_holder IS NULL`,
		state.StatusIdle).Scan(&earliest)
	if err != nil {
		return nil, errors.Wrap(err, "earliest time ticker")
	}
	return utcPtr(earliest), nil
}

func (s *PostgresTickerStore) QueueDueTimeTickers(ctx context.Context, req store.ClaimRequest) ([]types.TimeTicker, error) {
	ids, err := queryIDs(ctx, s.db, `
		UPDATE gofire_schema.time_tickers
		SET status = $1, lock_holder = $2, locked_at = $3, updated_at = $3
		WHERE execution_time >= $4 AND execution_time <= $3
		  AND status IN ($5, $6)
		  AND (lock_holder IS NULL OR lock_holder = $2)
		RETURNING id`,
		state.StatusQueued, req.Node, req.Now, req.From, state.StatusIdle, state.StatusQueued)
	if err != nil {
		return nil, errors.Wrap(err, "claim due time tickers")
	}
	return s.loadTrees(ctx, s.db, ids)
}

func (s *PostgresTickerStore) QueueTimedOutTimeTickers(ctx context.Context, req store.ClaimRequest) ([]types.TimeTicker, error) {
	ids, err := queryIDs(ctx, s.db, `
		UPDATE gofire_schema.time_tickers
		SET status = $1, lock_holder = $2, locked_at = $3, updated_at = $3
		WHERE id IN (
			SELECT id FROM gofire_schema.time_tickers
			WHERE execution_time < $4 AND status IN ($5, $6)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`,
		state.StatusInProgress, req.Node, req.Now, req.From, state.StatusIdle, state.StatusQueued)
	if err != nil {
		return nil, errors.Wrap(err, "claim timed out time tickers")
	}
	return s.loadTrees(ctx, s.db, ids)
}

func (s *PostgresTickerStore) ReleaseAcquiredTimeTickers(ctx context.Context, node string, now time.Time) (int64, error) {
	return releaseAcquired(ctx, s.db, "time_tickers", node, now)
}

func (s *PostgresTickerStore) ReleaseDeadNodeTimeTickers(ctx context.Context, node, reason string, now time.Time) (store.DeadNodeRelease, error) {
	return releaseDeadNode(ctx, s.db, "time_tickers", node, reason, now, settleOrphans)
}

// settleOrphans resolves the batched children of skipped parents in the
// same transaction: on_any_completed_status children become Idle roots, the
// other children are skipped with their subtrees.
func settleOrphans(ctx context.Context, tx *sql.Tx, parents []uuid.UUID, reason string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		WITH RECURSIVE orphans AS (
			SELECT id FROM gofire_schema.time_tickers
			WHERE parent_id = ANY($1) AND status = $2 AND run_condition IS DISTINCT FROM $3
			UNION ALL
			SELECT c.id FROM gofire_schema.time_tickers c JOIN orphans o ON c.parent_id = o.id
			WHERE c.status = $2
		)
		UPDATE gofire_schema.time_tickers
		SET status = $4, skipped_reason = $5, updated_at = $6
		WHERE id IN (SELECT id FROM orphans)`,
		uuidArray(parents), state.StatusBatched, state.RunOnAnyCompletedStatus, state.StatusSkipped, store.OrphanReason(reason), now)
	if err != nil {
		return errors.Wrap(err, "skip orphaned children")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE gofire_schema.time_tickers
		SET status = $1, execution_time = COALESCE(execution_time, $2), updated_at = $2
		WHERE parent_id = ANY($3) AND status = $4 AND run_condition = $5`,
		state.StatusIdle, now, uuidArray(parents), state.StatusBatched, state.RunOnAnyCompletedStatus)
	return errors.Wrap(err, "promote orphaned children")
}

func (s *PostgresTickerStore) UpdateTimeTickerStatus(ctx context.Context, u store.StatusUpdate) (bool, error) {
	return updateStatus(ctx, s.db, "time_tickers", u)
}

func (s *PostgresTickerStore) Close() error {
	return s.db.Close()
}

func releaseAcquired(ctx context.Context, db *sql.DB, table, node string, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE gofire_schema.%s
		SET status = $1, lock_holder = NULL, locked_at = NULL, updated_at = $2
		WHERE status = $3 AND lock_holder = $4`, table),
		state.StatusIdle, now, state.StatusQueued, node)
	if err != nil {
		return 0, errors.Wrapf(err, "release acquired %s", table)
	}
	return res.RowsAffected()
}

type orphanSettler func(ctx context.Context, tx *sql.Tx, parents []uuid.UUID, reason string, now time.Time) error

func releaseDeadNode(ctx context.Context, db *sql.DB, table, node, reason string, now time.Time, settle orphanSettler) (store.DeadNodeRelease, error) {
	var out store.DeadNodeRelease
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return out, errors.Wrap(err, "begin dead node release")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE gofire_schema.%s
		SET status = $1, lock_holder = NULL, locked_at = NULL, updated_at = $2
		WHERE lock_holder = $3 AND status IN ($4, $5)`, table),
		state.StatusIdle, now, node, state.StatusIdle, state.StatusQueued)
	if err != nil {
		return out, errors.Wrapf(err, "release pending %s of %s", table, node)
	}
	if out.Released, err = res.RowsAffected(); err != nil {
		return out, err
	}

	skipped, err := queryIDs(ctx, tx, fmt.Sprintf(`
		UPDATE gofire_schema.%s
		SET status = $1, skipped_reason = $2, lock_holder = NULL, locked_at = NULL, updated_at = $3
		WHERE lock_holder = $4 AND status = $5
		RETURNING id`, table),
		state.StatusSkipped, reason, now, node, state.StatusInProgress)
	if err != nil {
		return out, errors.Wrapf(err, "skip running %s of %s", table, node)
	}
	out.Skipped = int64(len(skipped))
	if settle != nil && len(skipped) > 0 {
		if err := settle(ctx, tx, skipped, reason, now); err != nil {
			return out, err
		}
	}
	return out, errors.Wrap(tx.Commit(), "commit dead node release")
}

// updateStatus writes only the fields set on u, guarded the same way as
// store.StatusUpdate.Applies. A node that lost the row, or a row that
// already finished, turns the write into a no-op.
func updateStatus(ctx context.Context, db *sql.DB, table string, u store.StatusUpdate) (bool, error) {
	var sets []string
	var args []any
	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.Status != nil {
		set("status", *u.Status)
	}
	if u.RetryCount != nil {
		set("retry_count", *u.RetryCount)
	}
	if u.ExecutedAt != nil {
		set("executed_at", *u.ExecutedAt)
	}
	if u.ElapsedTime != nil {
		set("elapsed_ms", u.ElapsedTime.Milliseconds())
	}
	if u.ExceptionDetails != nil {
		set("exception_details", *u.ExceptionDetails)
	}
	if u.SkippedReason != nil {
		set("skipped_reason", *u.SkippedReason)
	}
	switch {
	case u.ReleaseLock:
		sets = append(sets, "lock_holder = NULL", "locked_at = NULL")
	case u.Acquire:
		set("lock_holder", u.Node)
		set("locked_at", u.Now)
	}
	set("updated_at", u.Now)

	n := len(args)
	args = append(args, u.ID, u.Node, state.StatusQueued, state.StatusInProgress, state.StatusBatched)
	query := fmt.Sprintf(`UPDATE gofire_schema.%s SET %s
		WHERE id = $%d AND status IN ($%d, $%d, $%d)
		  AND (lock_holder = $%d OR (lock_holder IS NULL AND status = $%d))`,
		table, strings.Join(sets, ", "), n+1, n+3, n+4, n+5, n+2, n+5)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrapf(err, "update %s status of %s", table, u.ID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
