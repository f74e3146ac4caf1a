package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/hitoshi/googlelogin/internal/model"
)

// MemoryStore はプロセス内メモリで動作するストア。
// Login、User、イベントログを保持し、LoginのbyUserインデックスを
// 不変radix木で主テーブルと同じクリティカルセクション内で更新する。
// STORE_DRIVER=memory の単一プロセス構成とテストで使用する。
type MemoryStore struct {
	mu      sync.RWMutex
	logins  map[string]model.Login
	byUser  *iradix.Tree
	users   map[string]model.User
	events  []model.StoredEvent // 未中継分のみ保持する
	seq     int64
	now     func() time.Time
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logins:  make(map[string]model.Login),
		byUser:  iradix.New(),
		users:   make(map[string]model.User),
		now:     time.Now,
	}
}

// FindByID はsubject IDでLoginレコードを取得する。見つからない場合はnilを返す。
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*model.Login, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	login, ok := s.logins[id]
	if !ok {
		return nil, nil
	}
	return &login, nil
}

// RangeScan はbyUserインデックスをlowerからupperまでキー順に走査する。
func (s *MemoryStore) RangeScan(ctx context.Context, index, lower, upper string) ([]model.IndexEntry, error) {
	if index != IndexByUser {
		return nil, fmt.Errorf("unknown login index: %s", index)
	}

	s.mu.RLock()
	tree := s.byUser
	s.mu.RUnlock()

	// 木は不変なのでロック外で走査してよい
	upperKey := []byte(upper)
	it := tree.Root().Iterator()
	it.SeekLowerBound([]byte(lower))

	var entries []model.IndexEntry
	for key, val, ok := it.Next(); ok; key, val, ok = it.Next() {
		if bytes.Compare(key, upperKey) > 0 {
			break
		}
		entries = append(entries, model.IndexEntry{Key: string(key), To: val.(string)})
	}
	return entries, nil
}

// DeleteByID は指定IDのLoginレコードとインデックスエントリを削除する。
// 存在しない場合はfalseを返す。
func (s *MemoryStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	login, ok := s.logins[id]
	if !ok {
		return false, nil
	}
	delete(s.logins, id)
	s.byUser, _, _ = s.byUser.Delete([]byte(model.ByUserKey(login.UserID, login.ID)))
	return true, nil
}

// Register はLogin、User、イベント列を排他的に書き込む。
// 同じIDのLoginが既に存在する場合は何も書き込まずmodel.ErrLoginExistsを返す。
func (s *MemoryStore) Register(ctx context.Context, reg *model.Registration) error {
	if reg == nil || reg.Login == nil || reg.User == nil {
		return fmt.Errorf("registration requires login and user")
	}

	payloads, err := marshalPayloads(reg.Events)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.logins[reg.Login.ID]; exists {
		return model.ErrLoginExists
	}
	if _, exists := s.users[reg.User.ID]; exists {
		return fmt.Errorf("failed to insert user: duplicate id %s", reg.User.ID)
	}

	login := *reg.Login
	s.logins[login.ID] = login
	s.byUser, _, _ = s.byUser.Insert([]byte(model.ByUserKey(login.UserID, login.ID)), login.ID)
	s.users[reg.User.ID] = copyUser(reg.User)
	s.appendLocked(reg.Events, payloads)
	return nil
}

// FindUserByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (s *MemoryStore) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	out := copyUser(&user)
	return &out, nil
}

// UpdateUserPicture はユーザーのプロフィール画像を更新する。
func (s *MemoryStore) UpdateUserPicture(ctx context.Context, id, picture string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user not found: %s", id)
	}
	user.Picture = picture
	user.UpdatedAt = s.now()
	s.users[id] = user
	return nil
}

// DeleteUserByID は指定IDのユーザーを削除する。Loginレコードには触れない。
func (s *MemoryStore) DeleteUserByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("user not found: %s", id)
	}
	delete(s.users, id)
	return nil
}

// Append はイベントを記載順に追記する。
func (s *MemoryStore) Append(ctx context.Context, events ...model.Event) error {
	payloads, err := marshalPayloads(events)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(events, payloads)
	return nil
}

// ListUnrelayed は未中継のイベントをseq順に最大limit件返す。
func (s *MemoryStore) ListUnrelayed(ctx context.Context, limit int) ([]model.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := min(limit, len(s.events))
	if n <= 0 {
		return nil, nil
	}
	out := make([]model.StoredEvent, n)
	copy(out, s.events[:n])
	return out, nil
}

// MarkRelayed は指定seqのイベントを中継済みとしてログから取り除く。
// seqは単調増加のまま維持される。
func (s *MemoryStore) MarkRelayed(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	done := make(map[int64]struct{}, len(seqs))
	for _, seq := range seqs {
		done[seq] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	for _, ev := range s.events {
		if _, ok := done[ev.Seq]; !ok {
			kept = append(kept, ev)
		}
	}
	clear(s.events[len(kept):])
	s.events = kept
	return nil
}

// Events は未中継のイベントのコピーをseq順に返す。
func (s *MemoryStore) Events() []model.StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.StoredEvent, len(s.events))
	copy(out, s.events)
	return out
}

// PutLogin はLoginレコードを直接書き込む。既存データの取り込みと整合性違反の再現に使う。
func (s *MemoryStore) PutLogin(login model.Login) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.logins[login.ID]; ok {
		s.byUser, _, _ = s.byUser.Delete([]byte(model.ByUserKey(old.UserID, old.ID)))
	}
	s.logins[login.ID] = login
	s.byUser, _, _ = s.byUser.Insert([]byte(model.ByUserKey(login.UserID, login.ID)), login.ID)
}

// PutUser はユーザーを直接書き込む。
func (s *MemoryStore) PutUser(user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.ID] = copyUser(&user)
}

// LoginCount は保持しているLoginレコード数を返す。
func (s *MemoryStore) LoginCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.logins)
}

func (s *MemoryStore) appendLocked(events []model.Event, payloads [][]byte) {
	now := s.now()
	for i, ev := range events {
		s.seq++
		s.events = append(s.events, model.StoredEvent{
			Seq:       s.seq,
			Stream:    ev.Stream,
			Type:      ev.Type,
			Key:       ev.Key,
			Payload:   payloads[i],
			CreatedAt: now,
		})
	}
}

func marshalPayloads(events []model.Event) ([][]byte, error) {
	payloads := make([][]byte, len(events))
	for i, ev := range events {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
		}
		payloads[i] = b
	}
	return payloads, nil
}

func copyUser(u *model.User) model.User {
	out := *u
	if u.Roles != nil {
		out.Roles = append([]string(nil), u.Roles...)
	}
	if u.Profile.Extra != nil {
		out.Profile.Extra = make(map[string]string, len(u.Profile.Extra))
		for k, v := range u.Profile.Extra {
			out.Profile.Extra[k] = v
		}
	}
	return out
}

// MemoryUserRepo はMemoryStoreをUserRepositoryとして公開するアダプタ。
type MemoryUserRepo struct {
	store *MemoryStore
}

// NewMemoryUserRepo はMemoryUserRepoを生成する。
func NewMemoryUserRepo(store *MemoryStore) *MemoryUserRepo {
	return &MemoryUserRepo{store: store}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.store.FindUserByID(ctx, id)
}

// UpdatePicture はユーザーのプロフィール画像を更新する。
func (r *MemoryUserRepo) UpdatePicture(ctx context.Context, id, picture string) error {
	return r.store.UpdateUserPicture(ctx, id, picture)
}

// DeleteByID は指定IDのユーザーを削除する。
func (r *MemoryUserRepo) DeleteByID(ctx context.Context, id string) error {
	return r.store.DeleteUserByID(ctx, id)
}

// compile-time interface check
var (
	_ LoginRepository        = (*MemoryStore)(nil)
	_ RegistrationRepository = (*MemoryStore)(nil)
	_ EventRepository        = (*MemoryStore)(nil)
	_ UserRepository         = (*MemoryUserRepo)(nil)
)
