package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ReTool-Life/internal/errors"
)

// MySQLStore 使用 MySQL 保存审批请求，多个进程共享同一张表时仍保证每个请求
// 最多执行一次。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore 并初始化表结构。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS approval_requests (
        seq BIGINT AUTO_INCREMENT PRIMARY KEY,
        id VARCHAR(64) NOT NULL,
        kind VARCHAR(32) NOT NULL,
        payload TEXT,
        status VARCHAR(16) NOT NULL,
        created_at BIGINT NOT NULL,
        approved_at BIGINT NULL,
        result TEXT,
        UNIQUE KEY uk_approval_id (id),
        INDEX idx_approval_status (status)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 approval_requests 表失败")
	}
	return nil
}

// Create 插入新的审批请求。
func (s *MySQLStore) Create(ctx context.Context, req *Request) error {
	if req == nil || strings.TrimSpace(req.ID) == "" {
		return xerrors.Validation("审批请求或 ID 不能为空")
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审批 payload 失败")
	}

	const stmt = `INSERT INTO approval_requests (id, kind, payload, status, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		req.ID,
		string(req.Kind),
		string(payload),
		string(req.Status),
		req.CreatedAt.UnixNano(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "审批请求已存在", xerrors.WithMetadata("approval_id", req.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入审批请求失败")
	}
	return nil
}

const selectColumns = `SELECT id, kind, payload, status, created_at, approved_at, result FROM approval_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req        Request
		kind       string
		status     string
		payload    sql.NullString
		createdAt  int64
		approvedAt sql.NullInt64
		result     sql.NullString
	)
	if err := row.Scan(&req.ID, &kind, &payload, &status, &createdAt, &approvedAt, &result); err != nil {
		return nil, err
	}
	req.Kind = Kind(kind)
	req.Status = Status(status)
	req.CreatedAt = time.Unix(0, createdAt).UTC()
	if approvedAt.Valid {
		at := time.Unix(0, approvedAt.Int64).UTC()
		req.ApprovedAt = &at
	}
	if payload.Valid && payload.String != "" && payload.String != "null" {
		if err := json.Unmarshal([]byte(payload.String), &req.Payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批 payload 失败")
		}
	}
	if result.Valid && result.String != "" {
		var res ExecutionResult
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批结果失败")
		}
		req.Result = &res
	}
	return &req, nil
}

// Get 查询指定请求。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批请求失败")
	}
	return req, nil
}

// Claim 通过带状态条件的 UPDATE 完成 pending→approved 的切换，只有影响到一行
// 的调用方获得执行权。
func (s *MySQLStore) Claim(ctx context.Context, id string, approvedAt time.Time) (*Request, error) {
	const stmt = `UPDATE approval_requests SET status = ?, approved_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusApproved),
		approvedAt.UnixNano(),
		id,
		string(StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新审批状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, ErrAlreadyApproved
	}
	return s.Get(ctx, id)
}

// Complete 保存执行结果。
func (s *MySQLStore) Complete(ctx context.Context, id string, result ExecutionResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审批结果失败")
	}
	const stmt = `UPDATE approval_requests SET result = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(encoded), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存审批结果失败")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审批结果影响行数失败")
	}
	if rows == 0 {
		// 结果与已存值相同时 MySQL 也报告 0 行，需确认记录是否存在。
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListPending 按插入顺序返回待审批请求。
func (s *MySQLStore) ListPending(ctx context.Context) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE status = ? ORDER BY seq ASC`, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待审批列表失败")
	}
	defer rows.Close()

	out := make([]*Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批记录失败")
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审批记录失败")
	}
	return out, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
