package mysql

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/reward"
)

func sampleRecord(user string, agg float64, at time.Time) reward.Record {
	return reward.Record{
		UserID:       user,
		VariantKey:   "sleep_coach (gpt-4.1) [premium]",
		DeploymentID: user + "-sleep_coach-gpt-4.1-20260101000000",
		Version:      1,
		Vector: reward.Vector{
			TaskCompletion:     0.6,
			UserEngagement:     0.85,
			TimingAccuracy:     0.9,
			ResourceEfficiency: 0.8,
			SafetyCompliance:   0.6,
		},
		Aggregate:  agg,
		WeakAreas:  []string{reward.DimTaskCompletion, reward.DimSafetyCompliance},
		Regenerate: true,
		Actions:    5,
		ComputedAt: at,
	}
}

func TestFileRewardRepositoryPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRewardRepository(dir)
	if err != nil {
		t.Fatalf("创建仓库失败: %v", err)
	}
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := repo.Append(context.Background(), sampleRecord("u1", float64(i)/10, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("追加失败: %v", err)
		}
	}
	if err := repo.Append(context.Background(), sampleRecord("u2", 0.9, base)); err != nil {
		t.Fatalf("追加失败: %v", err)
	}

	reloaded, err := NewFileRewardRepository(dir)
	if err != nil {
		t.Fatalf("重新加载失败: %v", err)
	}
	all, err := reloaded.List(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("期望 3 条记录，得到 %d", len(all))
	}
	if !all[2].ComputedAt.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("记录顺序错误: %v", all[2].ComputedAt)
	}
	last, _ := reloaded.List(context.Background(), "u1", 2)
	if len(last) != 2 || last[0].Aggregate != 0.1 {
		t.Fatalf("limit 应返回最近两条: %+v", last)
	}
	if len(last[0].WeakAreas) != 2 {
		t.Fatalf("薄弱维度未保存: %+v", last[0].WeakAreas)
	}
}

func TestFileRewardRepositoryRejectsMissingUser(t *testing.T) {
	repo, err := NewFileRewardRepository(t.TempDir())
	if err != nil {
		t.Fatalf("创建仓库失败: %v", err)
	}
	err = repo.Append(context.Background(), reward.Record{})
	if !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("期望参数错误，得到 %v", err)
	}
}

func TestSQLRewardRepositoryAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("创建 sqlmock 失败: %v", err)
	}
	defer db.Close()

	at := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	record := sampleRecord("u1", 0.75, at)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reward_history")).
		WithArgs("u1", record.VariantKey, record.DeploymentID, int64(1),
			0.6, 0.85, 0.9, 0.8, 0.6,
			0.75, `["task_completion","safety_compliance"]`, true, 5, at.UnixNano()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewSQLRewardRepositoryWithDB(db)
	if err := repo.Append(context.Background(), record); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("SQL 期望未满足: %v", err)
	}
}

func TestSQLRewardRepositoryListReturnsChronological(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("创建 sqlmock 失败: %v", err)
	}
	defer db.Close()

	columns := []string{"user_id", "variant_key", "deployment_id", "version",
		"task_completion", "user_engagement", "timing_accuracy", "resource_efficiency", "safety_compliance",
		"aggregate", "weak_areas", "regenerate", "actions", "computed_at"}
	newer := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(columns).
		AddRow("u1", "k", "d", int64(2), 1.0, 0.85, 0.9, 0.8, 1.0, 0.91, nil, false, int64(3), newer.UnixNano()).
		AddRow("u1", "k", "d", int64(1), 0.6, 0.85, 0.9, 0.8, 0.6, 0.75, `["task_completion"]`, true, int64(5), older.UnixNano())
	mock.ExpectQuery(regexp.QuoteMeta("FROM reward_history WHERE user_id = ? ORDER BY id DESC LIMIT ?")).
		WithArgs("u1", 2).
		WillReturnRows(rows)

	repo := NewSQLRewardRepositoryWithDB(db)
	records, err := repo.List(context.Background(), "u1", 2)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("期望 2 条记录，得到 %d", len(records))
	}
	if !records[0].ComputedAt.Equal(older) || records[0].Version != 1 {
		t.Fatalf("应按时间正序返回: %+v", records[0])
	}
	if len(records[0].WeakAreas) != 1 || records[1].WeakAreas != nil {
		t.Fatalf("薄弱维度解析错误: %+v / %+v", records[0].WeakAreas, records[1].WeakAreas)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("SQL 期望未满足: %v", err)
	}
}

func TestSQLRewardRepositoryRunMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("创建 sqlmock 失败: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS reward_history")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)")).
		WithArgs("0001", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	repo := NewSQLRewardRepositoryWithDB(db)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("SQL 期望未满足: %v", err)
	}
}

func TestSQLRewardRepositorySkipsAppliedMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("创建 sqlmock 失败: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))

	if err := NewSQLRewardRepositoryWithDB(db).Migrate(context.Background()); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("SQL 期望未满足: %v", err)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("CREATE TABLE a (id INT);\n\n ; CREATE INDEX i ON a (id);")
	if len(got) != 2 || got[1] != "CREATE INDEX i ON a (id)" {
		t.Fatalf("分割结果错误: %#v", got)
	}
	if v := parseMigrationVersion("0001_create_reward_history.sql"); v != "0001" {
		t.Fatalf("版本解析错误: %s", v)
	}
}
