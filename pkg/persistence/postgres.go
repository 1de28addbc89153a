package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/keyur7523/promptLab/pkg/exchange"
	"github.com/keyur7523/promptLab/pkg/observability/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	experiment_key  TEXT NOT NULL DEFAULT '',
	variant         TEXT NOT NULL DEFAULT '',
	prompt_version  BIGINT NOT NULL DEFAULT 0,
	model           TEXT NOT NULL DEFAULT '',
	prompt          TEXT NOT NULL DEFAULT '',
	response        TEXT NOT NULL DEFAULT '',
	tokens_in       INTEGER NOT NULL DEFAULT 0,
	tokens_out      INTEGER NOT NULL DEFAULT 0,
	latency_ms      BIGINT NOT NULL DEFAULT 0,
	cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	error_kind      TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ NOT NULL,
	finalized_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS exchanges_conversation_idx
	ON exchanges (conversation_id, started_at);

CREATE TABLE IF NOT EXISTS feedback (
	id          TEXT PRIMARY KEY,
	exchange_id TEXT NOT NULL REFERENCES exchanges (id),
	rater_id    TEXT NOT NULL,
	rating      SMALLINT NOT NULL,
	comment     TEXT NOT NULL DEFAULT '',
	variant     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (exchange_id)
);
`

// PostgresStore persists exchanges and feedback in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with the given DSN, verifies connectivity,
// and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logging.Infof("Connected to Postgres exchange store")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveExchange(ctx context.Context, e *exchange.Exchange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (
			id, user_id, conversation_id, experiment_key, variant,
			prompt_version, model, prompt, response, tokens_in, tokens_out,
			latency_ms, cost_usd, status, error_kind, started_at, finalized_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
			response     = EXCLUDED.response,
			tokens_in    = EXCLUDED.tokens_in,
			tokens_out   = EXCLUDED.tokens_out,
			latency_ms   = EXCLUDED.latency_ms,
			cost_usd     = EXCLUDED.cost_usd,
			status       = EXCLUDED.status,
			error_kind   = EXCLUDED.error_kind,
			finalized_at = EXCLUDED.finalized_at`,
		e.ID, e.UserID, e.ConversationID, e.ExperimentKey, e.Variant,
		e.PromptVersion, e.Model, e.Prompt, e.Response, e.TokensIn, e.TokensOut,
		e.LatencyMs, e.CostUSD, string(e.Status), e.ErrorKind,
		e.StartedAt, nullableTime(e.FinalizedAt),
	)
	if err != nil {
		return fmt.Errorf("save exchange %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveFeedback(ctx context.Context, f *exchange.FeedbackRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, exchange_id, rater_id, rating, comment, variant, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		f.ID, f.ExchangeID, f.RaterID, f.Rating, f.Comment, f.Variant, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save feedback for exchange %s: %w", f.ExchangeID, err)
	}
	return nil
}

func (s *PostgresStore) RecentExchanges(ctx context.Context, conversationID string, limit int) ([]*exchange.Exchange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, experiment_key, variant,
		       prompt_version, model, prompt, response, tokens_in, tokens_out,
		       latency_ms, cost_usd, status, error_kind, started_at
		FROM exchanges
		WHERE conversation_id = $1 AND status = $2
		ORDER BY started_at DESC
		LIMIT $3`,
		conversationID, string(exchange.StatusCompleted), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load history for conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []*exchange.Exchange
	for rows.Next() {
		var e exchange.Exchange
		var status string
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.ConversationID, &e.ExperimentKey, &e.Variant,
			&e.PromptVersion, &e.Model, &e.Prompt, &e.Response, &e.TokensIn,
			&e.TokensOut, &e.LatencyMs, &e.CostUSD, &status, &e.ErrorKind,
			&e.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("scan exchange row: %w", err)
		}
		e.Status = exchange.Status(status)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; history replay wants chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
