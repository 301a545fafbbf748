package storage

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
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	intentColumns = `id,
        idempotency_key,
        user_id,
        action,
        symbol,
        side,
        quantity,
        reference_price,
        mode,
        state,
        outcome,
        nonce,
        created_at,
        updated_at`

	insertIntentSQL = `INSERT INTO intents (
        idempotency_key,
        user_id,
        action,
        symbol,
        side,
        quantity,
        reference_price,
        mode
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (idempotency_key) DO NOTHING
    RETURNING ` + intentColumns + `;`

	getIntentByKeySQL = `SELECT ` + intentColumns + `
    FROM intents
    WHERE idempotency_key = $1;`

	updateIntentStateSQL = `UPDATE intents
    SET state = $2, updated_at = now()
    WHERE id = $1;`

	setIntentModeSQL = `UPDATE intents
    SET mode = $2, updated_at = now()
    WHERE id = $1;`

	setIntentNonceSQL = `UPDATE intents
    SET nonce = $2, updated_at = now()
    WHERE id = $1;`

	finishIntentSQL = `UPDATE intents
    SET state = $2, outcome = $3, updated_at = now()
    WHERE id = $1;`

	listRecentIntentsSQL = `SELECT ` + intentColumns + `
    FROM intents
    ORDER BY created_at DESC
    LIMIT $1;`

	listPendingIntentsSQL = `SELECT i.id,
        i.idempotency_key,
        i.user_id,
        i.action,
        i.symbol,
        i.side,
        i.quantity,
        i.reference_price,
        i.mode,
        i.state,
        i.outcome,
        i.nonce,
        i.created_at,
        i.updated_at,
        COUNT(a.id)
    FROM intents i
    LEFT JOIN send_attempts a ON a.intent_id = i.id
    WHERE i.state NOT IN ('MINED','FINAL','FAILED')
      AND i.created_at < $1
    GROUP BY i.id
    ORDER BY i.created_at;`

	listRecoverableIntentsSQL = `SELECT ` + intentColumns + `
    FROM intents
    WHERE state IN ('SENDING','SENT','RBF_PENDING')
    ORDER BY created_at;`

	countIntentsSQL = `SELECT COUNT(*) FROM intents;`

	insertAttemptSQL = `INSERT INTO send_attempts (
        intent_id,
        attempt_num,
        kind,
        tx_hash,
        nonce,
        gas_tip_cap,
        gas_fee_cap,
        gas_limit
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, sent_at;`

	markAttemptStatusSQL = `UPDATE send_attempts
    SET status = $2
    WHERE id = $1;`

	markSupersededAttemptsSQL = `UPDATE send_attempts
    SET status = 'replaced'
    WHERE intent_id = $1
      AND id <> $2
      AND status = 'sent';`

	listAttemptsSQL = `SELECT
        id,
        intent_id,
        attempt_num,
        kind,
        tx_hash,
        nonce,
        gas_tip_cap,
        gas_fee_cap,
        gas_limit,
        status,
        sent_at
    FROM send_attempts
    WHERE intent_id = $1
    ORDER BY attempt_num;`

	receiptColumns = `id,
        intent_id,
        tx_hash,
        block_number,
        gas_used,
        effective_gas_price,
        success,
        mined_at,
        created_at`

	insertReceiptSQL = `INSERT INTO receipts (
        intent_id,
        tx_hash,
        block_number,
        gas_used,
        effective_gas_price,
        success,
        mined_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (intent_id) DO NOTHING
    RETURNING ` + receiptColumns + `;`

	getReceiptByIntentSQL = `SELECT ` + receiptColumns + `
    FROM receipts
    WHERE intent_id = $1;`

	listReceiptsBetweenSQL = `SELECT ` + receiptColumns + `
    FROM receipts
    WHERE mined_at >= $1
      AND mined_at < $2
    ORDER BY mined_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RecoveryLockKey serialises startup recovery across executor instances.
const RecoveryLockKey int64 = 0x56414e5441

// IntentStore defines operations on the intent ledger.
type IntentStore interface {
	GetOrCreateIntent(ctx context.Context, intent Intent) (Intent, bool, error)
	UpdateIntentState(ctx context.Context, id int64, state string) error
	SetIntentMode(ctx context.Context, id int64, mode string) error
	SetIntentNonce(ctx context.Context, id int64, nonce int64) error
	FinishIntent(ctx context.Context, id int64, state, outcome string) error
	ListRecentIntents(ctx context.Context, limit int) ([]Intent, error)
	ListPendingIntents(ctx context.Context, olderThan time.Time) ([]PendingIntent, error)
	ListRecoverableIntents(ctx context.Context) ([]Intent, error)
	CountIntents(ctx context.Context) (int64, error)
}

// AttemptStore defines operations on broadcast attempts.
type AttemptStore interface {
	InsertSendAttempt(ctx context.Context, attempt SendAttempt) (SendAttempt, error)
	MarkAttemptStatus(ctx context.Context, id int64, status string) error
	MarkSupersededAttempts(ctx context.Context, intentID, minedAttemptID int64) error
	ListAttempts(ctx context.Context, intentID int64) ([]SendAttempt, error)
}

// ReceiptStore defines operations on mined receipts.
type ReceiptStore interface {
	RecordReceipt(ctx context.Context, receipt Receipt) (Receipt, error)
	GetReceiptByIntent(ctx context.Context, intentID int64) (Receipt, error)
	ListReceiptsBetween(ctx context.Context, from, to time.Time) ([]Receipt, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the execution ledger.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ IntentStore    = (*Store)(nil)
	_ AttemptStore   = (*Store)(nil)
	_ ReceiptStore   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

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
		// Releasing the connection drops the lock even if the explicit
		// unlock fails.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
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

// GetOrCreateIntent inserts the intent or, when the idempotency key is
// already taken, returns the existing row. The second return reports
// whether a new row was created.
func (s *Store) GetOrCreateIntent(ctx context.Context, intent Intent) (Intent, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Intent{}, false, err
	}

	row := pool.QueryRow(ctx, insertIntentSQL,
		intent.IdempotencyKey,
		intent.UserID,
		intent.Action,
		intent.Symbol,
		intent.Side,
		intent.Quantity.String(),
		intent.ReferencePrice.String(),
		intent.Mode,
	)

	created, scanErr := scanIntent(row)
	if scanErr == nil {
		return created, true, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return Intent{}, false, fmt.Errorf("insert intent: %w", scanErr)
	}

	row = pool.QueryRow(ctx, getIntentByKeySQL, intent.IdempotencyKey)
	existing, scanErr := scanIntent(row)
	if scanErr != nil {
		return Intent{}, false, fmt.Errorf("load intent by key: %w", scanErr)
	}
	return existing, false, nil
}

// UpdateIntentState advances the intent state machine.
func (s *Store) UpdateIntentState(ctx context.Context, id int64, state string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, updateIntentStateSQL, id, state)
	if execErr != nil {
		return fmt.Errorf("update intent state: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetIntentMode records the execution mode the intent ran under.
func (s *Store) SetIntentMode(ctx context.Context, id int64, mode string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setIntentModeSQL, id, mode); execErr != nil {
		return fmt.Errorf("set intent mode: %w", execErr)
	}
	return nil
}

// SetIntentNonce records the allocated account nonce.
func (s *Store) SetIntentNonce(ctx context.Context, id int64, nonce int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setIntentNonceSQL, id, nonce); execErr != nil {
		return fmt.Errorf("set intent nonce: %w", execErr)
	}
	return nil
}

// FinishIntent moves the intent into a terminal state with its outcome.
func (s *Store) FinishIntent(ctx context.Context, id int64, state, outcome string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, finishIntentSQL, id, state, outcome)
	if execErr != nil {
		return fmt.Errorf("finish intent: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentIntents lists the most recent intents ordered by descending creation time.
func (s *Store) ListRecentIntents(ctx context.Context, limit int) ([]Intent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentIntentsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent intents: %w", queryErr)
	}
	defer rows.Close()

	intents := make([]Intent, 0, limit)
	for rows.Next() {
		intent, scanErr := scanIntent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		intents = append(intents, intent)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return intents, nil
}

// ListPendingIntents lists unterminated intents created before the cutoff,
// with their attempt counts.
func (s *Store) ListPendingIntents(ctx context.Context, olderThan time.Time) ([]PendingIntent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPendingIntentsSQL, olderThan)
	if queryErr != nil {
		return nil, fmt.Errorf("list pending intents: %w", queryErr)
	}
	defer rows.Close()

	pending := make([]PendingIntent, 0)
	for rows.Next() {
		var (
			rec         PendingIntent
			quantityStr string
			priceStr    string
			outcome     sql.NullString
			nonce       sql.NullInt64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.IdempotencyKey,
			&rec.UserID,
			&rec.Action,
			&rec.Symbol,
			&rec.Side,
			&quantityStr,
			&priceStr,
			&rec.Mode,
			&rec.State,
			&outcome,
			&nonce,
			&rec.CreatedAt,
			&rec.UpdatedAt,
			&rec.Attempts,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.Quantity, convErr = decimal.NewFromString(quantityStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse quantity: %w", convErr)
		}
		rec.ReferencePrice, convErr = decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse reference price: %w", convErr)
		}
		if outcome.Valid {
			value := outcome.String
			rec.Outcome = &value
		}
		if nonce.Valid {
			value := nonce.Int64
			rec.Nonce = &value
		}

		pending = append(pending, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return pending, nil
}

// ListRecoverableIntents lists intents that may have transactions in flight
// from a previous process.
func (s *Store) ListRecoverableIntents(ctx context.Context) ([]Intent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecoverableIntentsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list recoverable intents: %w", queryErr)
	}
	defer rows.Close()

	intents := make([]Intent, 0)
	for rows.Next() {
		intent, scanErr := scanIntent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		intents = append(intents, intent)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return intents, nil
}

// CountIntents counts stored intents.
func (s *Store) CountIntents(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countIntentsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count intents: %w", scanErr)
	}
	return count, nil
}

// InsertSendAttempt persists an attempt before it is broadcast, so a crash
// between write and send leaves a traceable record.
func (s *Store) InsertSendAttempt(ctx context.Context, attempt SendAttempt) (SendAttempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return SendAttempt{}, err
	}

	row := pool.QueryRow(ctx, insertAttemptSQL,
		attempt.IntentID,
		attempt.AttemptNum,
		attempt.Kind,
		attempt.TxHash,
		attempt.Nonce,
		attempt.GasTipCap.String(),
		attempt.GasFeeCap.String(),
		attempt.GasLimit,
	)

	stored := attempt
	stored.Status = AttemptStatusSent
	if scanErr := row.Scan(&stored.ID, &stored.SentAt); scanErr != nil {
		return SendAttempt{}, fmt.Errorf("insert send attempt: %w", scanErr)
	}
	return stored, nil
}

// MarkAttemptStatus updates a single attempt's status.
func (s *Store) MarkAttemptStatus(ctx context.Context, id int64, status string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markAttemptStatusSQL, id, status); execErr != nil {
		return fmt.Errorf("mark attempt status: %w", execErr)
	}
	return nil
}

// MarkSupersededAttempts marks every other still-pending attempt of the
// intent as replaced once one attempt mined.
func (s *Store) MarkSupersededAttempts(ctx context.Context, intentID, minedAttemptID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markSupersededAttemptsSQL, intentID, minedAttemptID); execErr != nil {
		return fmt.Errorf("mark superseded attempts: %w", execErr)
	}
	return nil
}

// ListAttempts lists an intent's attempts in broadcast order.
func (s *Store) ListAttempts(ctx context.Context, intentID int64) ([]SendAttempt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAttemptsSQL, intentID)
	if queryErr != nil {
		return nil, fmt.Errorf("list attempts: %w", queryErr)
	}
	defer rows.Close()

	attempts := make([]SendAttempt, 0)
	for rows.Next() {
		attempt, scanErr := scanAttempt(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		attempts = append(attempts, attempt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return attempts, nil
}

// RecordReceipt persists the mined receipt. A concurrent writer winning the
// race is tolerated: the stored row is returned either way.
func (s *Store) RecordReceipt(ctx context.Context, receipt Receipt) (Receipt, error) {
	pool, err := s.getPool()
	if err != nil {
		return Receipt{}, err
	}

	row := pool.QueryRow(ctx, insertReceiptSQL,
		receipt.IntentID,
		receipt.TxHash,
		receipt.BlockNumber,
		receipt.GasUsed,
		receipt.EffectiveGasPrice.String(),
		receipt.Success,
		receipt.MinedAt,
	)

	stored, scanErr := scanReceipt(row)
	if scanErr == nil {
		return stored, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return Receipt{}, fmt.Errorf("record receipt: %w", scanErr)
	}

	return s.GetReceiptByIntent(ctx, receipt.IntentID)
}

// GetReceiptByIntent loads the receipt for an intent. Missing receipts
// surface pgx.ErrNoRows.
func (s *Store) GetReceiptByIntent(ctx context.Context, intentID int64) (Receipt, error) {
	pool, err := s.getPool()
	if err != nil {
		return Receipt{}, err
	}

	row := pool.QueryRow(ctx, getReceiptByIntentSQL, intentID)
	receipt, scanErr := scanReceipt(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Receipt{}, pgx.ErrNoRows
		}
		return Receipt{}, fmt.Errorf("get receipt by intent: %w", scanErr)
	}
	return receipt, nil
}

// ListReceiptsBetween lists receipts mined within a time window.
func (s *Store) ListReceiptsBetween(ctx context.Context, from, to time.Time) ([]Receipt, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listReceiptsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list receipts between: %w", queryErr)
	}
	defer rows.Close()

	receipts := make([]Receipt, 0)
	for rows.Next() {
		receipt, scanErr := scanReceipt(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		receipts = append(receipts, receipt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return receipts, nil
}

func scanIntent(row pgx.Row) (Intent, error) {
	var (
		intent      Intent
		quantityStr string
		priceStr    string
		outcome     sql.NullString
		nonce       sql.NullInt64
	)

	if err := row.Scan(
		&intent.ID,
		&intent.IdempotencyKey,
		&intent.UserID,
		&intent.Action,
		&intent.Symbol,
		&intent.Side,
		&quantityStr,
		&priceStr,
		&intent.Mode,
		&intent.State,
		&outcome,
		&nonce,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	); err != nil {
		return Intent{}, err
	}

	var convErr error
	intent.Quantity, convErr = decimal.NewFromString(quantityStr)
	if convErr != nil {
		return Intent{}, fmt.Errorf("parse quantity: %w", convErr)
	}
	intent.ReferencePrice, convErr = decimal.NewFromString(priceStr)
	if convErr != nil {
		return Intent{}, fmt.Errorf("parse reference price: %w", convErr)
	}
	if outcome.Valid {
		value := outcome.String
		intent.Outcome = &value
	}
	if nonce.Valid {
		value := nonce.Int64
		intent.Nonce = &value
	}

	return intent, nil
}

func scanAttempt(row pgx.Row) (SendAttempt, error) {
	var (
		attempt SendAttempt
		tipStr  string
		feeStr  string
	)

	if err := row.Scan(
		&attempt.ID,
		&attempt.IntentID,
		&attempt.AttemptNum,
		&attempt.Kind,
		&attempt.TxHash,
		&attempt.Nonce,
		&tipStr,
		&feeStr,
		&attempt.GasLimit,
		&attempt.Status,
		&attempt.SentAt,
	); err != nil {
		return SendAttempt{}, err
	}

	var convErr error
	attempt.GasTipCap, convErr = decimal.NewFromString(tipStr)
	if convErr != nil {
		return SendAttempt{}, fmt.Errorf("parse gas tip cap: %w", convErr)
	}
	attempt.GasFeeCap, convErr = decimal.NewFromString(feeStr)
	if convErr != nil {
		return SendAttempt{}, fmt.Errorf("parse gas fee cap: %w", convErr)
	}

	return attempt, nil
}

func scanReceipt(row pgx.Row) (Receipt, error) {
	var (
		receipt  Receipt
		priceStr string
	)

	if err := row.Scan(
		&receipt.ID,
		&receipt.IntentID,
		&receipt.TxHash,
		&receipt.BlockNumber,
		&receipt.GasUsed,
		&priceStr,
		&receipt.Success,
		&receipt.MinedAt,
		&receipt.CreatedAt,
	); err != nil {
		return Receipt{}, err
	}

	var convErr error
	receipt.EffectiveGasPrice, convErr = decimal.NewFromString(priceStr)
	if convErr != nil {
		return Receipt{}, fmt.Errorf("parse effective gas price: %w", convErr)
	}

	return receipt, nil
}
