package model

import (
	"encoding/json"
	"time"
)

// AnonymousUserID は有効なBearerトークンがないリクエストのユーザーID。
const AnonymousUserID = "anonymous"

// CommandStatus はコマンド実行結果の状態。
type CommandStatus string

const (
	CommandStatusSuccess CommandStatus = "success"
	// CommandStatusFailed は実行されなかったコマンド全般に使う。
	// 自動化サービスの障害のほか、未対応・拒否（空、長すぎる）も含み、
	// どれに当たるかはresultの"reason"で区別する。
	CommandStatusFailed CommandStatus = "failed"
	CommandStatusPending CommandStatus = "pending"
)

// CommandAction はコマンド分類の結果。
type CommandAction string

const (
	ActionOpenApp     CommandAction = "open_app"
	ActionUnsupported CommandAction = "unsupported"
)

// CommandLog は1回のコマンド受付の監査レコード。追記のみ。
type CommandLog struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Command       string          `json:"command"`
	Intent        CommandAction   `json:"intent"`
	Status        CommandStatus   `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	ExecutionTime int64           `json:"executionTime"` // ミリ秒
}
