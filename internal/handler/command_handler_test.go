package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/devgate/internal/command"
	"github.com/hitoshi/devgate/internal/model"
)

// --- モック定義 ---

type mockDispatcher struct {
	dispatchFn func(ctx context.Context, userID, raw string) (*command.Outcome, error)
	historyFn  func(ctx context.Context, userID string, limit int) ([]*model.CommandLog, error)

	rejected []rejectCall
}

type rejectCall struct {
	userID, raw, reason string
}

func (m *mockDispatcher) Dispatch(ctx context.Context, userID, raw string) (*command.Outcome, error) {
	if m.dispatchFn != nil {
		return m.dispatchFn(ctx, userID, raw)
	}
	return &command.Outcome{Original: raw, Parsed: strings.ToLower(raw)}, nil
}

func (m *mockDispatcher) Reject(ctx context.Context, userID, raw, reason string) string {
	m.rejected = append(m.rejected, rejectCall{userID: userID, raw: raw, reason: reason})
	return "rejected-log"
}

func (m *mockDispatcher) History(ctx context.Context, userID string, limit int) ([]*model.CommandLog, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, userID, limit)
	}
	return nil, nil
}

var _ CommandDispatcher = (*mockDispatcher)(nil)
var _ CommandDispatcher = (*command.Dispatcher)(nil)

func postCommand(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/command", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeCommandResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

// --- POST /api/command テスト ---

func TestCommandHandler_Execute_Success(t *testing.T) {
	var gotUserID, gotRaw string
	d := &mockDispatcher{
		dispatchFn: func(ctx context.Context, userID, raw string) (*command.Outcome, error) {
			gotUserID, gotRaw = userID, raw
			return &command.Outcome{
				Original:     raw,
				Parsed:       "open chrome",
				Intent:       command.Intent{Action: model.ActionOpenApp, AppName: "Chrome"},
				ResponseText: "Chrome opened",
				ResponseType: command.ResponseTypeAction,
				Success:      true,
				Details:      json.RawMessage(`{"message":"Chrome opened"}`),
			}, nil
		},
	}
	h := NewCommandHandler(d, CommandHandlerConfig{AllowAnonymous: true})

	req := withUserID(postCommand(`{"command":"Open Chrome"}`), "user-1")
	w := httptest.NewRecorder()
	h.Execute(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	if gotUserID != "user-1" || gotRaw != "Open Chrome" {
		t.Errorf("dispatched (%q, %q)", gotUserID, gotRaw)
	}

	body := decodeCommandResponse(t, w)
	cmd := body["command"].(map[string]interface{})
	if cmd["original"] != "Open Chrome" || cmd["parsed"] != "open chrome" {
		t.Errorf("command = %v", cmd)
	}
	resp := body["response"].(map[string]interface{})
	if resp["text"] != "Chrome opened" || resp["type"] != "action" {
		t.Errorf("response = %v", resp)
	}
	exec := body["execution"].(map[string]interface{})
	if exec["success"] != true || exec["mode"] != "live" {
		t.Errorf("execution = %v", exec)
	}
	details := exec["details"].(map[string]interface{})
	if details["message"] != "Chrome opened" {
		t.Errorf("details = %v", details)
	}
}

func TestCommandHandler_Execute_UnsupportedIsOK(t *testing.T) {
	d := &mockDispatcher{
		dispatchFn: func(ctx context.Context, userID, raw string) (*command.Outcome, error) {
			return &command.Outcome{
				Original:     raw,
				Parsed:       "what's the weather",
				ResponseText: "That is not a supported command yet.",
				ResponseType: command.ResponseTypeUnsupported,
				Success:      false,
			}, nil
		},
	}
	h := NewCommandHandler(d, CommandHandlerConfig{AllowAnonymous: true})

	w := httptest.NewRecorder()
	h.Execute(w, postCommand(`{"command":"What's the weather"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeCommandResponse(t, w)
	exec := body["execution"].(map[string]interface{})
	if exec["success"] != false {
		t.Errorf("success = %v, want false", exec["success"])
	}
	if _, ok := exec["details"]; ok {
		t.Error("details should be omitted when empty")
	}
	if body["response"].(map[string]interface{})["type"] != "unsupported" {
		t.Errorf("type = %v", body["response"])
	}
}

func TestCommandHandler_Execute_AnonymousAllowed(t *testing.T) {
	var gotUserID string
	d := &mockDispatcher{
		dispatchFn: func(ctx context.Context, userID, raw string) (*command.Outcome, error) {
			gotUserID = userID
			return &command.Outcome{Original: raw}, nil
		},
	}
	h := NewCommandHandler(d, CommandHandlerConfig{AllowAnonymous: true})

	w := httptest.NewRecorder()
	h.Execute(w, postCommand(`{"command":"open notepad"}`))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if gotUserID != model.AnonymousUserID {
		t.Errorf("userID = %q, want %q", gotUserID, model.AnonymousUserID)
	}
}

func TestCommandHandler_Execute_AnonymousForbidden(t *testing.T) {
	d := &mockDispatcher{
		dispatchFn: func(ctx context.Context, userID, raw string) (*command.Outcome, error) {
			t.Error("Dispatch should not be called")
			return nil, nil
		},
	}
	h := NewCommandHandler(d, CommandHandlerConfig{AllowAnonymous: false})

	w := httptest.NewRecorder()
	h.Execute(w, postCommand(`{"command":"open notepad"}`))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeAnonymousForbidden {
		t.Errorf("code = %q", body["code"])
	}
}

func TestCommandHandler_Execute_BadRequest(t *testing.T) {
	tooLong := "open " + strings.Repeat("a", 1200)
	tests := []struct {
		name       string
		body       string
		wantReject *rejectCall
	}{
		{"empty body", "", nil},
		{"invalid json", `{"command":`, nil},
		{"missing command", `{}`, nil},
		{"wrong type", `{"command":42}`, nil},
		{"blank command", `{"command":"   "}`, &rejectCall{userID: model.AnonymousUserID, raw: "   ", reason: command.RejectReasonEmpty}},
		{"nul only command", `{"command":"\u0000 "}`, &rejectCall{userID: model.AnonymousUserID, raw: "\x00 ", reason: command.RejectReasonEmpty}},
		{"too long", `{"command":"` + tooLong + `"}`, &rejectCall{userID: model.AnonymousUserID, raw: tooLong, reason: command.RejectReasonTooLong}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDispatcher{
				dispatchFn: func(ctx context.Context, userID, raw string) (*command.Outcome, error) {
					t.Error("Dispatch should not be called")
					return nil, nil
				},
			}
			h := NewCommandHandler(d, CommandHandlerConfig{AllowAnonymous: true})

			w := httptest.NewRecorder()
			h.Execute(w, postCommand(tt.body))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeInvalidRequest {
				t.Errorf("code = %q", body["code"])
			}

			if tt.wantReject == nil {
				if len(d.rejected) != 0 {
					t.Errorf("Reject called %d times, want 0", len(d.rejected))
				}
				return
			}
			if len(d.rejected) != 1 {
				t.Fatalf("Reject called %d times, want 1", len(d.rejected))
			}
			if d.rejected[0] != *tt.wantReject {
				t.Errorf("Reject(%q, %q, %q), want %+v", d.rejected[0].userID, d.rejected[0].raw, d.rejected[0].reason, *tt.wantReject)
			}
		})
	}
}

func TestCommandHandler_Execute_RejectUsesAuthenticatedUser(t *testing.T) {
	d := &mockDispatcher{}
	h := NewCommandHandler(d, CommandHandlerConfig{AllowAnonymous: false})

	w := httptest.NewRecorder()
	h.Execute(w, withUserID(postCommand(`{"command":""}`), "user-123"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(d.rejected) != 1 || d.rejected[0].userID != "user-123" {
		t.Errorf("rejected = %+v", d.rejected)
	}
}

func TestCommandHandler_Execute_DispatchFailure(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantDetails string
	}{
		{
			name:        "automation unavailable",
			err:         &command.DispatchError{Kind: command.ErrorKindAutomationUnavailable, Err: errors.New("dial tcp 127.0.0.1:5000: connection refused")},
			wantDetails: "Automation service unavailable",
		},
		{
			name:        "internal",
			err:         &command.DispatchError{Kind: command.ErrorKindInternal, Err: errors.New("panic: nil map")},
			wantDetails: "Internal server error",
		},
		{
			name:        "unclassified",
			err:         errors.New("boom"),
			wantDetails: "Internal server error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDispatcher{
				dispatchFn: func(ctx context.Context, userID, raw string) (*command.Outcome, error) {
					return nil, tt.err
				},
			}
			h := NewCommandHandler(d, CommandHandlerConfig{AllowAnonymous: true})

			w := httptest.NewRecorder()
			h.Execute(w, postCommand(`{"command":"open chrome"}`))

			if w.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", w.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != "Command execution failed" || body["details"] != tt.wantDetails {
				t.Errorf("body = %v", body)
			}
			if containsStr(w.Body.String(), "127.0.0.1") {
				t.Error("internal cause leaked to client")
			}
		})
	}
}

// --- GET /api/commands テスト ---

func TestCommandHandler_History_DefaultLimit(t *testing.T) {
	var gotLimit int
	d := &mockDispatcher{
		historyFn: func(ctx context.Context, userID string, limit int) ([]*model.CommandLog, error) {
			gotLimit = limit
			return []*model.CommandLog{
				{ID: "log-1", UserID: userID, Command: "open chrome", Intent: model.ActionOpenApp, Status: model.CommandStatusSuccess},
			}, nil
		},
	}
	h := NewCommandHandler(d, CommandHandlerConfig{})

	req := withUserID(httptest.NewRequest(http.MethodGet, "/api/commands", nil), "user-1")
	w := httptest.NewRecorder()
	h.History(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotLimit != command.DefaultHistoryLimit {
		t.Errorf("limit = %d, want %d", gotLimit, command.DefaultHistoryLimit)
	}
	var body struct {
		Commands []model.CommandLog `json:"commands"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Commands) != 1 || body.Commands[0].ID != "log-1" || body.Commands[0].UserID != "user-1" {
		t.Errorf("commands = %+v", body.Commands)
	}
}

func TestCommandHandler_History_EmptyIsArray(t *testing.T) {
	h := NewCommandHandler(&mockDispatcher{}, CommandHandlerConfig{})

	req := withUserID(httptest.NewRequest(http.MethodGet, "/api/commands?limit=5", nil), "user-1")
	w := httptest.NewRecorder()
	h.History(w, req)

	if got := strings.TrimSpace(w.Body.String()); got != `{"commands":[]}` {
		t.Errorf("body = %s", got)
	}
}

func TestCommandHandler_History_InvalidLimit(t *testing.T) {
	for _, limit := range []string{"0", "101", "abc", "-1"} {
		t.Run(limit, func(t *testing.T) {
			h := NewCommandHandler(&mockDispatcher{}, CommandHandlerConfig{})
			req := withUserID(httptest.NewRequest(http.MethodGet, "/api/commands?limit="+limit, nil), "user-1")
			w := httptest.NewRecorder()
			h.History(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestCommandHandler_History_Unauthenticated(t *testing.T) {
	h := NewCommandHandler(&mockDispatcher{}, CommandHandlerConfig{AllowAnonymous: true})
	w := httptest.NewRecorder()
	h.History(w, httptest.NewRequest(http.MethodGet, "/api/commands", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestCommandHandler_History_ServiceError(t *testing.T) {
	d := &mockDispatcher{
		historyFn: func(ctx context.Context, userID string, limit int) ([]*model.CommandLog, error) {
			return nil, errors.New("db down")
		},
	}
	h := NewCommandHandler(d, CommandHandlerConfig{})
	req := withUserID(httptest.NewRequest(http.MethodGet, "/api/commands", nil), "user-1")
	w := httptest.NewRecorder()
	h.History(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
