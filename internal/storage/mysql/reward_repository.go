package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/reward"
)

// FileRewardRepository 以 JSON Lines 形式把奖励记录追加到本地文件。
type FileRewardRepository struct {
	mu       sync.RWMutex
	filePath string
	records  map[string][]reward.Record
}

// NewFileRewardRepository 在 dataDir 下创建或加载 rewards.log。
func NewFileRewardRepository(dataDir string) (*FileRewardRepository, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据目录不能为空")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &FileRewardRepository{
		filePath: filepath.Join(dataDir, "rewards.log"),
		records:  make(map[string][]reward.Record),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileRewardRepository) load() error {
	f, err := os.Open(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开奖励历史失败")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record reward.Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析奖励历史失败")
		}
		r.records[record.UserID] = append(r.records[record.UserID], record)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取奖励历史失败")
	}
	return nil
}

// Append 追加一条奖励记录并同步写入文件。
func (r *FileRewardRepository) Append(_ context.Context, record reward.Record) error {
	if strings.TrimSpace(record.UserID) == "" {
		return xerrors.Validation("奖励记录缺少用户 ID")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化奖励记录失败")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开奖励历史失败")
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入奖励历史失败")
	}

	record.WeakAreas = append([]string(nil), record.WeakAreas...)
	r.records[record.UserID] = append(r.records[record.UserID], record)
	return nil
}

// List 返回用户最近的 limit 条记录，按时间正序排列。
func (r *FileRewardRepository) List(_ context.Context, userID string, limit int) ([]reward.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.records[userID]
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	out := make([]reward.Record, len(all))
	copy(out, all)
	return out, nil
}

// SQLRewardRepository 把奖励记录写入 MySQL 的 reward_history 表。
type SQLRewardRepository struct {
	db *sql.DB
}

// NewSQLRewardRepository 打开连接并执行迁移。
func NewSQLRewardRepository(ctx context.Context, cfg Config) (*SQLRewardRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLRewardRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewSQLRewardRepositoryWithDB 基于已有连接构造仓库，不执行迁移。
func NewSQLRewardRepositoryWithDB(db *sql.DB) *SQLRewardRepository {
	return &SQLRewardRepository{db: db}
}

// Migrate 执行尚未应用的迁移。
func (r *SQLRewardRepository) Migrate(ctx context.Context) error {
	return r.runMigrations(ctx)
}

// Close 释放连接。
func (r *SQLRewardRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const insertRewardSQL = `INSERT INTO reward_history (
        user_id, variant_key, deployment_id, version,
        task_completion, user_engagement, timing_accuracy, resource_efficiency, safety_compliance,
        aggregate, weak_areas, regenerate, actions, computed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRewardSQL = `SELECT user_id, variant_key, deployment_id, version,
        task_completion, user_engagement, timing_accuracy, resource_efficiency, safety_compliance,
        aggregate, weak_areas, regenerate, actions, computed_at
FROM reward_history WHERE user_id = ? ORDER BY id DESC`

// Append 插入一条记录。
func (r *SQLRewardRepository) Append(ctx context.Context, record reward.Record) error {
	if strings.TrimSpace(record.UserID) == "" {
		return xerrors.Validation("奖励记录缺少用户 ID")
	}
	weak, err := json.Marshal(record.WeakAreas)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化薄弱维度失败")
	}
	v := record.Vector
	_, err = r.db.ExecContext(ctx, insertRewardSQL,
		record.UserID, record.VariantKey, record.DeploymentID, record.Version,
		v.TaskCompletion, v.UserEngagement, v.TimingAccuracy, v.ResourceEfficiency, v.SafetyCompliance,
		record.Aggregate, string(weak), record.Regenerate, record.Actions, record.ComputedAt.UnixNano(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入奖励历史失败")
	}
	return nil
}

// List 返回用户最近的 limit 条记录，按时间正序排列。
func (r *SQLRewardRepository) List(ctx context.Context, userID string, limit int) ([]reward.Record, error) {
	query := selectRewardSQL
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询奖励历史失败")
	}
	defer rows.Close()

	var records []reward.Record
	for rows.Next() {
		var (
			record   reward.Record
			weak     sql.NullString
			computed int64
		)
		v := &record.Vector
		if err := rows.Scan(
			&record.UserID, &record.VariantKey, &record.DeploymentID, &record.Version,
			&v.TaskCompletion, &v.UserEngagement, &v.TimingAccuracy, &v.ResourceEfficiency, &v.SafetyCompliance,
			&record.Aggregate, &weak, &record.Regenerate, &record.Actions, &computed,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析奖励历史失败")
		}
		if weak.Valid && weak.String != "" && weak.String != "null" {
			if err := json.Unmarshal([]byte(weak.String), &record.WeakAreas); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析薄弱维度失败")
			}
		}
		record.ComputedAt = time.Unix(0, computed).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历奖励历史失败")
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

var (
	_ reward.History = (*FileRewardRepository)(nil)
	_ reward.History = (*SQLRewardRepository)(nil)
)
