// Package command はコマンド文字列の分類と自動化サービスへのディスパッチを提供する。
package command

import (
	"strings"

	"github.com/hitoshi/devgate/internal/model"
)

// openAppVerbs はアプリ起動として扱う先頭の動詞。
var openAppVerbs = []string{"open", "start", "launch", "run"}

// Intent はコマンドの分類結果。
type Intent struct {
	Action  model.CommandAction
	AppName string // ActionOpenAppの場合のみ設定される
}

// Normalize はNULを除去したうえで前後の空白を除去し、連続する空白を1つにまとめる。
func Normalize(raw string) string {
	return strings.Join(strings.Fields(StripNUL(raw)), " ")
}

// StripNUL はPostgreSQLのTEXTに保存できないNUL文字を取り除く。
func StripNUL(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// Classify はコマンド文字列を分類する。
// 「open / start / launch / run」+ アプリ名の形式のみopen_appとし、それ以外はunsupportedとする。
// アプリ名は入力の大文字小文字を保持する。
func Classify(raw string) Intent {
	normalized := Normalize(raw)
	verb, rest, ok := strings.Cut(normalized, " ")
	if !ok {
		return Intent{Action: model.ActionUnsupported}
	}
	for _, v := range openAppVerbs {
		if strings.EqualFold(verb, v) {
			appName := strings.TrimSpace(rest)
			if appName == "" {
				break
			}
			return Intent{Action: model.ActionOpenApp, AppName: appName}
		}
	}
	return Intent{Action: model.ActionUnsupported}
}
