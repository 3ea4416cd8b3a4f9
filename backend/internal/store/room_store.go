package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"noteCollab/backend/internal/room"
)

// RoomStore 把房间的生命周期事件落到 MySQL，只做审计用途。
// 操作日志本身不落库（由外部的文档服务负责持久化）。
type RoomStore struct{ db *sql.DB }

func NewRoomStore(db *sql.DB) *RoomStore {
	return &RoomStore{db: db}
}

func (s *RoomStore) RoomCreated(ctx context.Context, r room.Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, workspace_id, file_id, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Ref.WorkspaceID,
		r.Ref.FileID,
		r.CreatedBy,
		r.CreatedAt,
		r.ExpiresAt,
	)
	if err != nil {
		// 重复主键说明这条记录已经写过了（比如 sweep 后复建又撞上），直接当成功
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

func (s *RoomStore) RoomSwept(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET swept_at = NOW() WHERE id = ?`,
		roomID,
	)
	return err
}
