// Package repository Session 相关的存储操作
package repository

import (
	"context"
	"database/sql"

	"botfleet-admin/internal/model"
)

// GetSession 获取会话记录
func (s *Store) GetSession(ctx context.Context, accountID string) (*model.Session, error) {
	query := s.rebind(`SELECT account_id, status, is_active, last_known_server_address,
			  last_known_server_port, last_known_version, last_kick_reason, last_seen_at, updated_at
			  FROM bot_sessions WHERE account_id = $1`)
	sess := &model.Session{}
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&sess.AccountID, &sess.Status, &sess.IsActive, &sess.LastKnownServerAddress,
		&sess.LastKnownServerPort, &sess.LastKnownVersion, &sess.LastKickReason,
		&sess.LastSeenAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// UpdateSessionStatus 更新会话状态与在线标志
//
// isActive 为 false 时同时清空服务器地址字段（断开即失效）。
func (s *Store) UpdateSessionStatus(ctx context.Context, accountID string, status model.SessionStatus, isActive bool) error {
	var query string
	if isActive {
		query = s.rebind(`UPDATE bot_sessions SET status = $1, is_active = $2,
			last_seen_at = ` + s.now() + `, updated_at = ` + s.now() + ` WHERE account_id = $3`)
	} else {
		query = s.rebind(`UPDATE bot_sessions SET status = $1, is_active = $2,
			last_known_server_address = NULL, last_known_server_port = NULL, last_known_version = NULL,
			updated_at = ` + s.now() + ` WHERE account_id = $3`)
	}
	_, err := s.db.ExecContext(ctx, query, status, isActive, accountID)
	return err
}

// SetSessionOnline 记录成功连接
func (s *Store) SetSessionOnline(ctx context.Context, accountID, host string, port int, version string) error {
	var ver *string
	if version != "" {
		ver = &version
	}
	query := s.rebind(`UPDATE bot_sessions SET status = $1, is_active = $2,
		last_known_server_address = $3, last_known_server_port = $4, last_known_version = $5,
		last_kick_reason = NULL, last_seen_at = ` + s.now() + `, updated_at = ` + s.now() + `
		WHERE account_id = $6`)
	_, err := s.db.ExecContext(ctx, query,
		model.SessionStatusOnlineOnServer, true, host, port, ver, accountID)
	return err
}

// SetSessionKicked 记录踢出
func (s *Store) SetSessionKicked(ctx context.Context, accountID, reason string) error {
	query := s.rebind(`UPDATE bot_sessions SET status = $1, is_active = $2, last_kick_reason = $3,
		last_known_server_address = NULL, last_known_server_port = NULL, last_known_version = NULL,
		updated_at = ` + s.now() + ` WHERE account_id = $4`)
	_, err := s.db.ExecContext(ctx, query, model.SessionStatusKicked, false, reason, accountID)
	return err
}
