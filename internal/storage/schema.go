package storage

import (
	"context"
	"fmt"
)

// Ledger DDL. Applied idempotently at startup; the executor owns its
// schema and there is no separate migration runner.
const (
	createIntentsSQL = `CREATE TABLE IF NOT EXISTS intents (
        id              BIGSERIAL PRIMARY KEY,
        idempotency_key TEXT NOT NULL UNIQUE,
        user_id         TEXT NOT NULL,
        action          TEXT NOT NULL,
        symbol          TEXT NOT NULL,
        side            TEXT NOT NULL,
        quantity        NUMERIC(38,18) NOT NULL,
        reference_price NUMERIC(38,18) NOT NULL,
        mode            TEXT NOT NULL DEFAULT 'dry',
        state           TEXT NOT NULL DEFAULT 'CREATED',
        outcome         TEXT,
        nonce           BIGINT,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createIntentsStateIdxSQL   = `CREATE INDEX IF NOT EXISTS intents_state_idx ON intents (state);`
	createIntentsCreatedIdxSQL = `CREATE INDEX IF NOT EXISTS intents_created_idx ON intents (created_at);`

	createSendAttemptsSQL = `CREATE TABLE IF NOT EXISTS send_attempts (
        id          BIGSERIAL PRIMARY KEY,
        intent_id   BIGINT NOT NULL REFERENCES intents(id) ON DELETE CASCADE,
        attempt_num INT NOT NULL,
        kind        TEXT NOT NULL,
        tx_hash     TEXT NOT NULL,
        nonce       BIGINT NOT NULL,
        gas_tip_cap NUMERIC(38,0) NOT NULL,
        gas_fee_cap NUMERIC(38,0) NOT NULL,
        gas_limit   BIGINT NOT NULL,
        status      TEXT NOT NULL DEFAULT 'sent',
        sent_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (intent_id, attempt_num)
    );`

	createReceiptsSQL = `CREATE TABLE IF NOT EXISTS receipts (
        id                  BIGSERIAL PRIMARY KEY,
        intent_id           BIGINT NOT NULL UNIQUE REFERENCES intents(id) ON DELETE CASCADE,
        tx_hash             TEXT NOT NULL,
        block_number        BIGINT NOT NULL,
        gas_used            BIGINT NOT NULL,
        effective_gas_price NUMERIC(38,0) NOT NULL,
        success             BOOLEAN NOT NULL,
        mined_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
        created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
    );`
)

// EnsureSchema creates the ledger tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	statements := []string{
		createIntentsSQL,
		createIntentsStateIdxSQL,
		createIntentsCreatedIdxSQL,
		createSendAttemptsSQL,
		createReceiptsSQL,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
