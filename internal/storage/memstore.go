// Package storage 提供存储层抽象
//
// memstore.go 提供内存实现，用于单元测试和无数据库的本地开发。
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"botfleet-admin/internal/model"
)

// MemStore 内存存储实现
//
// 写操作可通过 FailWrites 注入故障，用于验证调用方的
// "持久化尽力而为" 语义。
type MemStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	sessions map[string]*model.Session

	// FailWrites 为 true 时所有写操作返回 ErrNotFound 之外的注入错误
	FailWrites bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore 创建内存存储实例
func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[string]*model.Account),
		sessions: make(map[string]*model.Session),
	}
}

// errInjected 注入的写故障
var errInjected = &injectedError{}

type injectedError struct{}

func (e *injectedError) Error() string { return "injected store failure" }

func (s *MemStore) failing() bool {
	return s.FailWrites
}

func (s *MemStore) CreateAccount(_ context.Context, account *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing() {
		return errInjected
	}
	for _, a := range s.accounts {
		if a.LoginEmail == account.LoginEmail && a.OwnerID == account.OwnerID {
			return ErrDuplicate
		}
	}
	cp := *account
	s.accounts[account.AccountID] = &cp
	s.sessions[account.AccountID] = &model.Session{
		AccountID: account.AccountID,
		Status:    model.SessionStatusOffline,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (s *MemStore) GetAccount(_ context.Context, accountID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) GetAccountByLogin(_ context.Context, loginEmail, ownerID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.LoginEmail == loginEmail && a.OwnerID == ownerID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemStore) ListAccountViews(_ context.Context, ownerID string) ([]*model.AccountView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var accounts []*model.Account
	for _, a := range s.accounts {
		if a.OwnerID == ownerID {
			accounts = append(accounts, a)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].CreatedAt.Before(accounts[j].CreatedAt) })

	views := make([]*model.AccountView, 0, len(accounts))
	for _, a := range accounts {
		v := &model.AccountView{
			AccountID:  a.AccountID,
			LoginEmail: a.LoginEmail,
			IngameName: a.IngameName,
			Status:     a.Status,
		}
		if sess, ok := s.sessions[a.AccountID]; ok {
			v.SessionStatus = sess.Status
			v.IsActive = sess.IsActive
			v.LastKnownServerAddress = sess.LastKnownServerAddress
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *MemStore) ListAccountsByStatus(_ context.Context, status model.AccountStatus) ([]*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Account
	for _, a := range s.accounts {
		if a.Status == status {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) UpdateAccountStatus(_ context.Context, accountID string, status model.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing() {
		return errInjected
	}
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) SetIngameName(_ context.Context, accountID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing() {
		return errInjected
	}
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.IngameName = &name
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing() {
		return errInjected
	}
	delete(s.accounts, accountID)
	delete(s.sessions, accountID)
	return nil
}

func (s *MemStore) GetSession(_ context.Context, accountID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[accountID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *MemStore) UpdateSessionStatus(_ context.Context, accountID string, status model.SessionStatus, isActive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing() {
		return errInjected
	}
	sess, ok := s.sessions[accountID]
	if !ok {
		return ErrNotFound
	}
	sess.Status = status
	sess.IsActive = isActive
	if !isActive {
		sess.LastKnownServerAddress = nil
		sess.LastKnownServerPort = nil
		sess.LastKnownVersion = nil
	}
	now := time.Now()
	sess.LastSeenAt = &now
	sess.UpdatedAt = now
	return nil
}

func (s *MemStore) SetSessionOnline(_ context.Context, accountID, host string, port int, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing() {
		return errInjected
	}
	sess, ok := s.sessions[accountID]
	if !ok {
		return ErrNotFound
	}
	sess.Status = model.SessionStatusOnlineOnServer
	sess.IsActive = true
	sess.LastKnownServerAddress = &host
	sess.LastKnownServerPort = &port
	if version != "" {
		sess.LastKnownVersion = &version
	}
	sess.LastKickReason = nil
	now := time.Now()
	sess.LastSeenAt = &now
	sess.UpdatedAt = now
	return nil
}

func (s *MemStore) SetSessionKicked(_ context.Context, accountID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing() {
		return errInjected
	}
	sess, ok := s.sessions[accountID]
	if !ok {
		return ErrNotFound
	}
	sess.Status = model.SessionStatusKicked
	sess.IsActive = false
	sess.LastKickReason = &reason
	sess.LastKnownServerAddress = nil
	sess.LastKnownServerPort = nil
	sess.LastKnownVersion = nil
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) Close() error { return nil }
