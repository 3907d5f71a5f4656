package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/devgate/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	// StateCookieName はOAuth stateを保持するCookie名。
	StateCookieName = "oauth_state"
	// StateTTL はstateの有効期間。
	StateTTL = 10 * time.Minute

	defaultStateKeyPrefix = "devgate:oauth:state:"
)

// ErrInvalidState はstateの検証に失敗した場合に返す。
var ErrInvalidState = errors.New("invalid oauth state")

// GenerateState は暗号的に安全なstate文字列を生成する。
func GenerateState() (string, error) {
	return randomHex(32)
}

// StateSigner はstateとプロバイダーをHMAC-SHA256で署名したCookie値を扱う。
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

// NewStateSigner はStateSignerを生成する。
func NewStateSigner(secret string) *StateSigner {
	return &StateSigner{secret: []byte(secret), now: time.Now}
}

// Sign は state|provider|expiry を署名したCookie値と有効期限を返す。
func (s *StateSigner) Sign(state string, provider model.Provider) (string, time.Time) {
	expires := s.now().Add(StateTTL)
	payload := state + "|" + string(provider) + "|" + strconv.FormatInt(expires.Unix(), 10)
	value := base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + s.mac(payload)
	return value, expires
}

// Verify はCookie値の署名と有効期限を検証し、クエリのstateとプロバイダーが一致するかを確認する。
func (s *StateSigner) Verify(cookieValue, queryState string, provider model.Provider) error {
	encoded, sig, ok := strings.Cut(cookieValue, ".")
	if !ok || encoded == "" || sig == "" {
		return fmt.Errorf("%w: malformed cookie", ErrInvalidState)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: malformed cookie", ErrInvalidState)
	}
	payload := string(raw)
	if !hmac.Equal([]byte(sig), []byte(s.mac(payload))) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidState)
	}

	parts := strings.Split(payload, "|")
	if len(parts) != 3 {
		return fmt.Errorf("%w: malformed payload", ErrInvalidState)
	}
	expiry, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed expiry", ErrInvalidState)
	}
	if !s.now().Before(time.Unix(expiry, 0)) {
		return fmt.Errorf("%w: expired", ErrInvalidState)
	}
	if parts[1] != string(provider) {
		return fmt.Errorf("%w: provider mismatch", ErrInvalidState)
	}
	if queryState == "" || !hmac.Equal([]byte(parts[0]), []byte(queryState)) {
		return fmt.Errorf("%w: state mismatch", ErrInvalidState)
	}
	return nil
}

func (s *StateSigner) mac(payload string) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	return hex.EncodeToString(m.Sum(nil))
}

// StateStore は発行済みstateを1回だけ消費できるよう保持するストア。
type StateStore interface {
	// Save はstateを発行したプロバイダーと共に保存する。
	Save(ctx context.Context, state string, provider model.Provider) error
	// Consume はstateを取り出して削除する。未登録・期限切れ・使用済みの場合はErrInvalidStateを返す。
	Consume(ctx context.Context, state string) (model.Provider, error)
}

// stateRecord はRedisに保存するstate情報。
type stateRecord struct {
	Provider  model.Provider `json:"provider"`
	CreatedAt time.Time      `json:"created_at"`
}

// RedisStateStore はRedisを使用したStateStore。複数インスタンス間でstateの再利用を防ぐ。
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStateStore はRedisStateStoreを生成する。prefixが空の場合は既定のプレフィックスを使う。
func NewRedisStateStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStateStore {
	if prefix == "" {
		prefix = defaultStateKeyPrefix
	}
	if ttl <= 0 {
		ttl = StateTTL
	}
	return &RedisStateStore{client: client, prefix: prefix, ttl: ttl}
}

// Save はstateをTTL付きで保存する。
func (s *RedisStateStore) Save(ctx context.Context, state string, provider model.Provider) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	data, err := json.Marshal(stateRecord{Provider: provider, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal state record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+state, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store state in redis: %w", err)
	}
	return nil
}

// Consume はGETDELでstateを取り出し、同時に削除する。
func (s *RedisStateStore) Consume(ctx context.Context, state string) (model.Provider, error) {
	if state == "" {
		return "", fmt.Errorf("%w: empty state", ErrInvalidState)
	}
	data, err := s.client.GetDel(ctx, s.prefix+state).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: not found or already used", ErrInvalidState)
		}
		return "", fmt.Errorf("failed to retrieve state from redis: %w", err)
	}

	var rec stateRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return "", fmt.Errorf("failed to unmarshal state record: %w", err)
	}
	return rec.Provider, nil
}

// StateGuard はCookie署名と任意のサーバー側ストアを組み合わせてstateを発行・検証する。
type StateGuard struct {
	signer *StateSigner
	store  StateStore
}

// NewStateGuard はStateGuardを生成する。storeはnilでもよい。
func NewStateGuard(signer *StateSigner, store StateStore) *StateGuard {
	return &StateGuard{signer: signer, store: store}
}

// Issue は新しいstateを生成し、Cookieに設定する署名済みの値と有効期限を返す。
func (g *StateGuard) Issue(ctx context.Context, provider model.Provider) (state, cookieValue string, expires time.Time, err error) {
	state, err = GenerateState()
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("failed to generate state: %w", err)
	}
	if g.store != nil {
		if err := g.store.Save(ctx, state, provider); err != nil {
			return "", "", time.Time{}, err
		}
	}
	cookieValue, expires = g.signer.Sign(state, provider)
	return state, cookieValue, expires, nil
}

// Validate はコールバックで受け取ったstateを検証する。ストアがある場合はstateを消費する。
func (g *StateGuard) Validate(ctx context.Context, cookieValue, queryState string, provider model.Provider) error {
	if err := g.signer.Verify(cookieValue, queryState, provider); err != nil {
		return err
	}
	if g.store == nil {
		return nil
	}
	stored, err := g.store.Consume(ctx, queryState)
	if err != nil {
		return err
	}
	if stored != provider {
		return fmt.Errorf("%w: provider mismatch", ErrInvalidState)
	}
	return nil
}

// randomHex はnバイトの乱数を16進文字列で返す。
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
