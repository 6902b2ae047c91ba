// Package repository Account 相关的存储操作
package repository

import (
	"context"
	"database/sql"

	"botfleet-admin/internal/model"
	"botfleet-admin/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// CreateAccount 创建账号及其会话记录
//
// 两条 INSERT 放在同一事务中，保证 Account 与 Session 一比一的不变量；
// (login_email, owner_id) 唯一键冲突转换为 storage.ErrDuplicate。
func (s *Store) CreateAccount(ctx context.Context, account *model.Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.rebind(`
		INSERT INTO accounts (account_id, login_email, owner_id, status, ingame_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	_, err = tx.ExecContext(ctx, query,
		account.AccountID, account.LoginEmail, account.OwnerID,
		account.Status, account.IngameName, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return err
	}

	query = s.rebind(`
		INSERT INTO bot_sessions (account_id, status, is_active, updated_at)
		VALUES ($1, $2, $3, $4)
	`)
	if _, err := tx.ExecContext(ctx, query,
		account.AccountID, model.SessionStatusOffline, false, account.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// GetAccount 按 ID 获取账号
func (s *Store) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	query := s.rebind(`SELECT account_id, login_email, owner_id, status, ingame_name, created_at, updated_at
			  FROM accounts WHERE account_id = $1`)
	return s.scanAccountRow(s.db.QueryRowContext(ctx, query, accountID))
}

// GetAccountByLogin 按 (loginEmail, ownerID) 获取账号
func (s *Store) GetAccountByLogin(ctx context.Context, loginEmail, ownerID string) (*model.Account, error) {
	query := s.rebind(`SELECT account_id, login_email, owner_id, status, ingame_name, created_at, updated_at
			  FROM accounts WHERE login_email = $1 AND owner_id = $2`)
	return s.scanAccountRow(s.db.QueryRowContext(ctx, query, loginEmail, ownerID))
}

// ListAccountViews 列出所有者的账号及会话投影
func (s *Store) ListAccountViews(ctx context.Context, ownerID string) ([]*model.AccountView, error) {
	query := s.rebind(`
		SELECT a.account_id, a.login_email, a.ingame_name, a.status,
		       sess.status, sess.is_active, sess.last_known_server_address
		FROM accounts a
		JOIN bot_sessions sess ON sess.account_id = a.account_id
		WHERE a.owner_id = $1
		ORDER BY a.created_at ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []*model.AccountView
	for rows.Next() {
		v := &model.AccountView{}
		var isActive sql.NullBool
		if err := rows.Scan(&v.AccountID, &v.LoginEmail, &v.IngameName, &v.Status,
			&v.SessionStatus, &isActive, &v.LastKnownServerAddress); err != nil {
			return nil, err
		}
		v.IsActive = isActive.Valid && isActive.Bool
		views = append(views, v)
	}
	return views, rows.Err()
}

// ListAccountsByStatus 按状态列出账号
func (s *Store) ListAccountsByStatus(ctx context.Context, status model.AccountStatus) ([]*model.Account, error) {
	query := s.rebind(`SELECT account_id, login_email, owner_id, status, ingame_name, created_at, updated_at
			  FROM accounts WHERE status = $1 ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		account := &model.Account{}
		if err := rows.Scan(&account.AccountID, &account.LoginEmail, &account.OwnerID,
			&account.Status, &account.IngameName, &account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// UpdateAccountStatus 更新账号状态
func (s *Store) UpdateAccountStatus(ctx context.Context, accountID string, status model.AccountStatus) error {
	query := s.rebind(`UPDATE accounts SET status = $1, updated_at = ` + s.now() + ` WHERE account_id = $2`)
	_, err := s.db.ExecContext(ctx, query, status, accountID)
	return err
}

// SetIngameName 回填游戏内名称
func (s *Store) SetIngameName(ctx context.Context, accountID, name string) error {
	query := s.rebind(`UPDATE accounts SET ingame_name = $1, updated_at = ` + s.now() + ` WHERE account_id = $2`)
	_, err := s.db.ExecContext(ctx, query, name, accountID)
	return err
}

// DeleteAccount 删除账号（外键级联删除会话）
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	query := s.rebind(`DELETE FROM accounts WHERE account_id = $1`)
	_, err := s.db.ExecContext(ctx, query, accountID)
	return err
}

func (s *Store) scanAccountRow(row *sql.Row) (*model.Account, error) {
	account := &model.Account{}
	err := row.Scan(&account.AccountID, &account.LoginEmail, &account.OwnerID,
		&account.Status, &account.IngameName, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return account, err
}
