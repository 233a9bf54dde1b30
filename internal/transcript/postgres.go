package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkravets/studybuddy/internal/session"
)

// PostgresStore persists transcripts relationally: one transcripts row per
// session key plus ordered transcript_messages rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTranscriptSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTranscriptSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			conversation_type TEXT NOT NULL,
			identifier TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			prompt_version TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			completed_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL,
			UNIQUE (session_key, conversation_type)
		);`,
		`CREATE TABLE IF NOT EXISTS transcript_messages (
			id TEXT PRIMARY KEY,
			transcript_id TEXT NOT NULL REFERENCES transcripts(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			message_index INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_messages_transcript_seq ON transcript_messages (transcript_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init transcript schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, key string, meta Meta, entry Entry) (string, error) {
	now := time.Now().UTC()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var transcriptID string
	err = tx.QueryRow(ctx,
		`INSERT INTO transcripts (id, session_key, conversation_type, identifier, conversation_id, prompt_version, message_count, completed, created_at, last_updated)
		 VALUES ($1,$2,$3,$4,$5,$6,0,FALSE,$7,$7)
		 ON CONFLICT (session_key, conversation_type) DO UPDATE SET last_updated=EXCLUDED.last_updated
		 RETURNING id`,
		uuid.NewString(), key, ConversationType, meta.Identifier, meta.ConversationID, meta.PromptVersion, now,
	).Scan(&transcriptID)
	if err != nil {
		return "", fmt.Errorf("upsert transcript: %w", err)
	}

	var newCount int
	err = tx.QueryRow(ctx,
		`UPDATE transcripts SET message_count = message_count + 1 WHERE id=$1 RETURNING message_count`,
		transcriptID,
	).Scan(&newCount)
	if err != nil {
		return "", fmt.Errorf("bump message count: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transcript_messages (id, transcript_id, seq, role, content, message_index, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		uuid.NewString(), transcriptID, newCount-1, string(entry.Message.Role), entry.Message.Content, entry.Index, entry.Timestamp,
	)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit append: %w", err)
	}
	return transcriptID, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, key string, meta Meta, history []session.Message) (string, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var transcriptID string
	err = tx.QueryRow(ctx,
		`UPDATE transcripts SET completed=TRUE, completed_at=$2, last_updated=$2
		 WHERE session_key=$1 AND conversation_type=$3 RETURNING id`,
		key, now, ConversationType,
	).Scan(&transcriptID)
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		// No transcript was ever appended; seed a completed one from the
		// caller's in-memory history.
		transcriptID = uuid.NewString()
		_, err = tx.Exec(ctx,
			`INSERT INTO transcripts (id, session_key, conversation_type, identifier, conversation_id, prompt_version, message_count, completed, completed_at, created_at, last_updated)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE,$8,$8,$8)`,
			transcriptID, key, ConversationType, meta.Identifier, meta.ConversationID, meta.PromptVersion, len(history), now,
		)
		if err != nil {
			return "", fmt.Errorf("insert completed transcript: %w", err)
		}
		for i, msg := range history {
			_, err = tx.Exec(ctx,
				`INSERT INTO transcript_messages (id, transcript_id, seq, role, content, message_index, created_at)
				 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				uuid.NewString(), transcriptID, i, string(msg.Role), msg.Content, i, now,
			)
			if err != nil {
				return "", fmt.Errorf("insert history message: %w", err)
			}
		}
	default:
		return "", fmt.Errorf("mark completed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit completion: %w", err)
	}
	return transcriptID, nil
}

func (s *PostgresStore) Rekey(ctx context.Context, oldKey, newKey string) (string, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var oldID string
	var oldCount int
	err = tx.QueryRow(ctx,
		`SELECT id, message_count FROM transcripts WHERE session_key=$1 AND conversation_type=$2`,
		oldKey, ConversationType,
	).Scan(&oldID, &oldCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find old transcript: %w", err)
	}

	var newID string
	var newCount int
	err = tx.QueryRow(ctx,
		`SELECT id, message_count FROM transcripts WHERE session_key=$1 AND conversation_type=$2`,
		newKey, ConversationType,
	).Scan(&newID, &newCount)
	switch {
	case err == nil:
		// Merge: shift the old messages after the target's existing ones,
		// then drop the old document.
		_, err = tx.Exec(ctx,
			`UPDATE transcript_messages SET transcript_id=$1, seq = seq + $2 WHERE transcript_id=$3`,
			newID, newCount, oldID,
		)
		if err != nil {
			return "", fmt.Errorf("move messages: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE transcripts SET message_count = message_count + $2, last_updated=$3 WHERE id=$1`,
			newID, oldCount, now,
		)
		if err != nil {
			return "", fmt.Errorf("bump merged count: %w", err)
		}
		if _, err = tx.Exec(ctx, `DELETE FROM transcripts WHERE id=$1`, oldID); err != nil {
			return "", fmt.Errorf("delete old transcript: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		newID = oldID
		_, err = tx.Exec(ctx,
			`UPDATE transcripts SET session_key=$2, last_updated=$3 WHERE id=$1`,
			oldID, newKey, now,
		)
		if err != nil {
			return "", fmt.Errorf("rename session key: %w", err)
		}
	default:
		return "", fmt.Errorf("find new transcript: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit rekey: %w", err)
	}
	return newID, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
