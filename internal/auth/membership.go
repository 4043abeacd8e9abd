package auth

import (
	"context"
	"database/sql"
)

// Authorizer 群組成員資格的查核介面。
// 成員資格在任務建立時查核一次並沿用整個生命週期，Pipeline 各階段不重複驗證。
type Authorizer interface {
	IsActiveMember(ctx context.Context, groupID, userID string) (bool, error)
}

// PostgresAuthorizer 以 group_members 表實作成員查核。
type PostgresAuthorizer struct {
	db *sql.DB
}

// NewPostgresAuthorizer 建立 PostgresAuthorizer 實例。
func NewPostgresAuthorizer(db *sql.DB) *PostgresAuthorizer {
	return &PostgresAuthorizer{db: db}
}

// IsActiveMember 回報 userID 是否為 groupID 的有效成員。
func (a *PostgresAuthorizer) IsActiveMember(ctx context.Context, groupID, userID string) (bool, error) {
	var active bool
	err := a.db.QueryRowContext(ctx, `
		SELECT is_active FROM group_members
		WHERE group_id = $1 AND user_id = $2`,
		groupID, userID,
	).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}
