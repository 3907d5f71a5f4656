package repository

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hitoshi/devgate/internal/model"
)

// PostgresCommandLogRepo はPostgreSQLを使用したコマンドログリポジトリ。
type PostgresCommandLogRepo struct {
	db *sql.DB
}

// NewPostgresCommandLogRepo はPostgresCommandLogRepoを生成する。
func NewPostgresCommandLogRepo(db *sql.DB) *PostgresCommandLogRepo {
	return &PostgresCommandLogRepo{db: db}
}

// unstorableResult はjsonbに保存できない結果の代わりに保存する値。
var unstorableResult = []byte(`{"reason":"unstorable_result"}`)

// Create はコマンドログを追加する。IDが空の場合は採番する。
// PostgreSQLはTEXTのNUL文字とjsonbの\u0000を受け付けないため、
// commandからはNULを除去し、\u0000を含むresultは代替値に置き換える。
func (r *PostgresCommandLogRepo) Create(ctx context.Context, log *model.CommandLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	log.Command = strings.ReplaceAll(log.Command, "\x00", "")

	result := []byte(log.Result)
	if len(result) == 0 {
		result = []byte("{}")
	}
	if bytes.Contains(result, []byte(`\u0000`)) {
		result = unstorableResult
		log.Result = unstorableResult
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_logs (id, user_id, command, intent, status, result, timestamp, execution_time_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.ID, log.UserID, log.Command, log.Intent, string(log.Status), result, log.Timestamp, log.ExecutionTime,
	)
	if err != nil {
		return fmt.Errorf("failed to create command log: %w", err)
	}
	return nil
}

// ListByUserID はユーザーのコマンドログを新しい順に返す。
func (r *PostgresCommandLogRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.CommandLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, command, intent, status, result, timestamp, execution_time_ms
		 FROM command_logs
		 WHERE user_id = $1
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list command logs: %w", err)
	}
	defer rows.Close()

	logs := []*model.CommandLog{}
	for rows.Next() {
		l := &model.CommandLog{}
		var status string
		var result []byte
		if err := rows.Scan(&l.ID, &l.UserID, &l.Command, &l.Intent, &status, &result, &l.Timestamp, &l.ExecutionTime); err != nil {
			return nil, fmt.Errorf("failed to scan command log: %w", err)
		}
		l.Status = model.CommandStatus(status)
		l.Result = result
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate command logs: %w", err)
	}
	return logs, nil
}

// compile-time interface check
var _ CommandLogRepository = (*PostgresCommandLogRepo)(nil)
