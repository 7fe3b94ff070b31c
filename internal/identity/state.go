package identity

import (
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fansync/internal/model"
)

// defaultStateTTL は未使用stateの有効期間。
const defaultStateTTL = 10 * time.Minute

// StateRegistry はOAuthコールバック検証用のワンタイムstateを管理する。
// stateは発行時のFanvue UUIDとランダムなnonceをひも付け、1回の消費で無効になる。
type StateRegistry struct {
	mu      sync.Mutex
	pending map[string]stateEntry
	ttl     time.Duration
	now     func() time.Time
}

type stateEntry struct {
	fanvueUUID string
	issuedAt   time.Time
}

// NewStateRegistry はStateRegistryを生成する。
func NewStateRegistry() *StateRegistry {
	return &StateRegistry{
		pending: make(map[string]stateEntry),
		ttl:     defaultStateTTL,
		now:     time.Now,
	}
}

// Issue は指定UUID用のstateを発行する。
// 値は「uuid:nonce」をbase64url符号化したもの。
func (r *StateRegistry) Issue(fanvueUUID string) string {
	raw := fanvueUUID + ":" + uuid.NewString()
	state := base64.URLEncoding.EncodeToString([]byte(raw))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictExpiredLocked()
	r.pending[state] = stateEntry{fanvueUUID: fanvueUUID, issuedAt: r.now()}
	return state
}

// Consume はstateを検証して発行時のFanvue UUIDを返し、stateを無効化する。
// 未発行、期限切れ、再利用、改ざんのいずれもErrInvalidStateとなる。
func (r *StateRegistry) Consume(state string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[state]
	if !ok {
		return "", model.ErrInvalidState
	}
	delete(r.pending, state)

	if r.now().Sub(entry.issuedAt) > r.ttl {
		return "", model.ErrInvalidState
	}

	// 符号化内容と登録時のUUIDの一致を確認する
	raw, err := base64.URLEncoding.DecodeString(state)
	if err != nil {
		return "", model.ErrInvalidState
	}
	decodedUUID, _, ok := strings.Cut(string(raw), ":")
	if !ok || decodedUUID != entry.fanvueUUID {
		return "", model.ErrInvalidState
	}

	return entry.fanvueUUID, nil
}

// evictExpiredLocked は期限切れstateを掃除する。muを保持して呼ぶこと。
func (r *StateRegistry) evictExpiredLocked() {
	cutoff := r.now().Add(-r.ttl)
	for state, entry := range r.pending {
		if entry.issuedAt.Before(cutoff) {
			delete(r.pending, state)
		}
	}
}
