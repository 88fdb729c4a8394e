package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/repo"
)

type LogStore struct {
	db DB
}

const (
	insertLogEntryQuery = `INSERT INTO execution_log_entries (
		execution_id,
		stage_id,
		level,
		message,
		metadata,
		logged_at,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	RETURNING entry_id`

	listLogEntriesQuery = `SELECT entry_id, execution_id, stage_id, level, message, metadata, logged_at
	 FROM execution_log_entries
	 WHERE execution_id = $1
	 ORDER BY logged_at ASC, entry_id ASC
	 LIMIT $2`

	listStageLogEntriesQuery = `SELECT entry_id, execution_id, stage_id, level, message, metadata, logged_at
	 FROM execution_log_entries
	 WHERE execution_id = $1 AND stage_id = $2
	 ORDER BY logged_at ASC, entry_id ASC
	 LIMIT $3`
)

func NewLogStore(db DB) *LogStore {
	if db == nil {
		return nil
	}
	return &LogStore{db: db}
}

func (s *LogStore) Append(ctx context.Context, entry domain.LogEntry) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("log store not initialized")
	}
	entry.ExecutionID = strings.TrimSpace(entry.ExecutionID)
	entry.StageID = strings.TrimSpace(entry.StageID)
	if entry.ExecutionID == "" {
		return 0, fmt.Errorf("execution id is required")
	}
	if entry.Level = domain.NormalizeLogLevel(string(entry.Level)); entry.Level == "" {
		return 0, fmt.Errorf("invalid log level")
	}
	entry.LoggedAt = normalizeTime(entry.LoggedAt)

	metaJSON, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(entry, metaJSON)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(
		ctx,
		insertLogEntryQuery,
		entry.ExecutionID,
		nullIfEmpty(entry.StageID),
		string(entry.Level),
		entry.Message,
		metaJSON,
		entry.LoggedAt,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert log entry: %w", err)
	}
	return id, nil
}

func (s *LogStore) Query(ctx context.Context, filter repo.LogFilter) ([]domain.LogEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("log store not initialized")
	}
	execID := strings.TrimSpace(filter.ExecutionID)
	if execID == "" {
		return nil, fmt.Errorf("execution id is required")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}

	var (
		rows *sql.Rows
		err  error
	)
	if stageID := strings.TrimSpace(filter.StageID); stageID != "" {
		rows, err = s.db.QueryContext(ctx, listStageLogEntriesQuery, execID, stageID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, listLogEntriesQuery, execID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.LogEntry, 0)
	for rows.Next() {
		var (
			entry    domain.LogEntry
			stageID  sql.NullString
			level    string
			metaJSON []byte
		)
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &stageID, &level, &entry.Message, &metaJSON, &entry.LoggedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entry.StageID = stageID.String
		entry.Level = domain.NormalizeLogLevel(level)
		entry.LoggedAt = entry.LoggedAt.UTC()
		if entry.Metadata, err = decodeMetadata(metaJSON); err != nil {
			return nil, fmt.Errorf("decode log metadata: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	return out, nil
}

// ComputeIntegritySHA256 hashes the canonical form of a log entry.
func ComputeIntegritySHA256(entry domain.LogEntry, metadataJSON []byte) (string, error) {
	type integrityInput struct {
		ExecutionID string          `json:"execution_id"`
		StageID     string          `json:"stage_id,omitempty"`
		Level       string          `json:"level"`
		Message     string          `json:"message"`
		Metadata    json.RawMessage `json:"metadata"`
		LoggedAt    time.Time       `json:"logged_at"`
	}

	if len(metadataJSON) == 0 {
		metadataJSON = []byte("{}")
	}
	blob, err := json.Marshal(integrityInput{
		ExecutionID: strings.TrimSpace(entry.ExecutionID),
		StageID:     strings.TrimSpace(entry.StageID),
		Level:       string(entry.Level),
		Message:     entry.Message,
		Metadata:    metadataJSON,
		LoggedAt:    entry.LoggedAt.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
