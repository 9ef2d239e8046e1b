// Package mysql 提供基于 MySQL 的持久化实现。
// 智能体与执行记录以 JSON 快照列存储，辅以少量索引列用于查询。
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"AgentFleet-Chain/internal/agent"
	xerrors "AgentFleet-Chain/internal/errors"
	"AgentFleet-Chain/internal/execution"
	"AgentFleet-Chain/internal/store"
)

// Store 使用 MySQL 保存智能体配置与执行记录。
type Store struct {
	db *sql.DB
}

// New 建立连接并执行数据库迁移。
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 失败")
	}
	s := &Store{db: db}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return s, nil
}

// SaveAgent 以 upsert 语义保存智能体的完整快照。
func (s *Store) SaveAgent(ctx context.Context, ag *agent.Agent) error {
	if ag == nil || strings.TrimSpace(ag.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "agent 及其 ID 不能为空")
	}
	payload, err := json.Marshal(ag)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "编码智能体快照失败")
	}

	const stmt = `INSERT INTO agents
        (id, name, owner, contract_address, chain, status, payload, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        name = VALUES(name), owner = VALUES(owner), contract_address = VALUES(contract_address),
        chain = VALUES(chain), status = VALUES(status), payload = VALUES(payload), updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt,
		ag.ID, ag.Name, ag.Owner, ag.ContractAddress, ag.Chain,
		string(ag.Status), payload, ag.CreatedAt, ag.UpdatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存智能体失败")
	}
	return nil
}

// DeleteAgent 删除智能体及其执行记录。
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM execution_records WHERE agent_id = ?`, agentID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除执行记录失败")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除智能体失败")
	}
	return nil
}

// LoadAgents 返回全部智能体快照，按创建时间排序。
func (s *Store) LoadAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM agents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		var ag agent.Agent
		if err := json.Unmarshal(payload, &ag); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码智能体快照失败")
		}
		agents = append(agents, &ag)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体失败")
	}
	return agents, nil
}

// InsertRecord 插入一条新的执行记录。
func (s *Store) InsertRecord(ctx context.Context, rec *execution.Record) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "record 及其 ID 不能为空")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "编码执行记录失败")
	}

	const stmt = `INSERT INTO execution_records
        (id, agent_id, trigger_kind, status, func, error_code, payload, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		rec.ID, rec.AgentID, string(rec.Trigger), string(rec.Status),
		rec.Function, rec.ErrorCode, payload, rec.StartedAt, rec.FinishedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "执行记录已存在: "+rec.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}
	return nil
}

// CompleteRecord 以终态覆盖执行记录。
func (s *Store) CompleteRecord(ctx context.Context, rec *execution.Record) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "record 及其 ID 不能为空")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "编码执行记录失败")
	}

	const stmt = `UPDATE execution_records
        SET status = ?, func = ?, error_code = ?, payload = ?, finished_at = ?
        WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(rec.Status), rec.Function, rec.ErrorCode, payload, rec.FinishedAt, rec.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回写执行记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return execution.ErrRecordNotFound
	}
	return nil
}

// ListRecords 返回指定智能体最近的执行记录，新者在前。
func (s *Store) ListRecords(ctx context.Context, agentID string, limit int) ([]*execution.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	const stmt = `SELECT payload FROM execution_records
        WHERE agent_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, stmt, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	defer rows.Close()

	records := make([]*execution.Record, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		var rec execution.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码执行记录失败")
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return records, nil
}

// PurgeRecords 清理早于 cutoff 的终态执行记录，返回删除条数。
func (s *Store) PurgeRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	const stmt = `DELETE FROM execution_records WHERE finished_at > 0 AND finished_at < ?`
	res, err := s.db.ExecContext(ctx, stmt, cutoff.Unix())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理执行记录失败")
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)
