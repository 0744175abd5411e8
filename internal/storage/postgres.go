// Package storage 提供关系库和会话KV存储
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// schema 关系库表结构（users和system_configs由Web管理端使用，这里只建表）
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id SERIAL PRIMARY KEY,
	username VARCHAR(50) UNIQUE NOT NULL,
	password_hash VARCHAR(255) NOT NULL,
	is_admin BOOLEAN DEFAULT FALSE,
	created_at TIMESTAMP DEFAULT NOW(),
	updated_at TIMESTAMP DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS system_configs (
	id SERIAL PRIMARY KEY,
	key VARCHAR(100) UNIQUE NOT NULL,
	value JSONB NOT NULL,
	description VARCHAR(255),
	created_at TIMESTAMP DEFAULT NOW(),
	updated_at TIMESTAMP DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS call_records (
	id SERIAL PRIMARY KEY,
	session_id VARCHAR(100) NOT NULL,
	caller_number VARCHAR(50),
	start_time TIMESTAMP DEFAULT NOW(),
	end_time TIMESTAMP,
	duration INTEGER,
	conversation_log TEXT,
	status VARCHAR(20) DEFAULT 'active',
	created_at TIMESTAMP DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS scenarios (
	id SERIAL PRIMARY KEY,
	scenario_id VARCHAR(100) UNIQUE NOT NULL,
	name VARCHAR(100) NOT NULL,
	entry_points JSONB,
	system_prompt TEXT NOT NULL,
	welcome_message TEXT NOT NULL,
	fallback_responses JSONB,
	max_turns INTEGER DEFAULT 10,
	timeout_seconds INTEGER DEFAULT 300,
	custom_settings JSONB,
	is_active BOOLEAN DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS gateways (
	id SERIAL PRIMARY KEY,
	gateway_id VARCHAR(100) UNIQUE NOT NULL,
	name VARCHAR(100) NOT NULL,
	gateway_type VARCHAR(20) NOT NULL,
	profile VARCHAR(50) DEFAULT 'external',
	username VARCHAR(100),
	password VARCHAR(100),
	realm VARCHAR(100),
	proxy VARCHAR(100),
	codecs JSONB,
	max_channels INTEGER DEFAULT 100,
	is_active BOOLEAN DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS entry_points (
	id SERIAL PRIMARY KEY,
	entry_point_id VARCHAR(100) UNIQUE NOT NULL,
	dialplan_pattern VARCHAR(255) NOT NULL,
	scenario_id VARCHAR(100) NOT NULL,
	gateway_id VARCHAR(100),
	priority INTEGER DEFAULT 100,
	is_active BOOLEAN DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS freeswitch_configs (
	id SERIAL PRIMARY KEY,
	instance_id VARCHAR(100) UNIQUE NOT NULL,
	host VARCHAR(100) NOT NULL,
	port INTEGER DEFAULT 8021,
	password VARCHAR(100) NOT NULL,
	scenario_mapping JSONB,
	gateway_ids JSONB,
	is_active BOOLEAN DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS outbound_campaigns (
	id SERIAL PRIMARY KEY,
	campaign_id VARCHAR(100) UNIQUE NOT NULL,
	name VARCHAR(100) NOT NULL,
	gateway_id VARCHAR(100) NOT NULL,
	scenario_id VARCHAR(100) NOT NULL,
	status VARCHAR(20) DEFAULT 'draft',
	max_concurrent_calls INTEGER DEFAULT 10,
	call_timeout INTEGER DEFAULT 30,
	retry_attempts INTEGER DEFAULT 3,
	retry_interval INTEGER DEFAULT 300,
	total_contacts BIGINT DEFAULT 0,
	completed_contacts BIGINT DEFAULT 0,
	successful_calls BIGINT DEFAULT 0,
	failed_calls BIGINT DEFAULT 0,
	schedule_start TIMESTAMP,
	schedule_end TIMESTAMP
);
CREATE TABLE IF NOT EXISTS outbound_contacts (
	id SERIAL PRIMARY KEY,
	campaign_id VARCHAR(100) NOT NULL,
	phone_number VARCHAR(50) NOT NULL,
	status VARCHAR(20) DEFAULT 'pending',
	attempts INTEGER DEFAULT 0,
	last_attempt TIMESTAMP,
	next_attempt TIMESTAMP,
	call_result VARCHAR(50),
	call_duration INTEGER
);
`

// Postgres 关系库存储，实现ScenarioStore/CallRecordStore/CampaignStore
type Postgres struct {
	db *sql.DB
}

// OpenPostgres 打开关系库连接并验证连通性，dsn含密钥不得写日志
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout == 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("数据库连通性检查失败: %w", err)
	}

	return &Postgres{db: db}, nil
}

// EnsureSchema 建表
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

// Close 关闭连接
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping 连通性检查
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// GetScenario 按ID读取场景，JSON列解析失败按配置错误拒绝
func (p *Postgres) GetScenario(ctx context.Context, scenarioID string) (*models.Scenario, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT scenario_id, name, COALESCE(entry_points, '[]'), system_prompt, welcome_message,
		       COALESCE(fallback_responses, '[]'), max_turns, timeout_seconds,
		       COALESCE(custom_settings, '{}'), is_active
		FROM scenarios WHERE scenario_id = $1`, scenarioID)
	return scanScenario(row)
}

// ListScenarios 列出全部场景
func (p *Postgres) ListScenarios(ctx context.Context) ([]*models.Scenario, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT scenario_id, name, COALESCE(entry_points, '[]'), system_prompt, welcome_message,
		       COALESCE(fallback_responses, '[]'), max_turns, timeout_seconds,
		       COALESCE(custom_settings, '{}'), is_active
		FROM scenarios ORDER BY scenario_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Scenario
	for rows.Next() {
		s, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// scanner 兼容sql.Row和sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// scanScenario 扫描场景行并解析JSON列
func scanScenario(row scanner) (*models.Scenario, error) {
	var s models.Scenario
	var entryPoints, fallbacks, custom []byte
	err := row.Scan(&s.ScenarioID, &s.Name, &entryPoints, &s.SystemPrompt, &s.WelcomeMessage,
		&fallbacks, &s.MaxTurns, &s.TimeoutSeconds, &custom, &s.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: 场景不存在", types.ErrConfig)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(entryPoints, &s.EntryPoints); err != nil {
		return nil, fmt.Errorf("%w: 场景 %s entry_points非法: %v", types.ErrConfig, s.ScenarioID, err)
	}
	if err := json.Unmarshal(fallbacks, &s.FallbackResponses); err != nil {
		return nil, fmt.Errorf("%w: 场景 %s fallback_responses非法: %v", types.ErrConfig, s.ScenarioID, err)
	}
	if err := json.Unmarshal(custom, &s.CustomSettings); err != nil {
		return nil, fmt.Errorf("%w: 场景 %s custom_settings非法: %v", types.ErrConfig, s.ScenarioID, err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetGateway 按ID读取网关
func (p *Postgres) GetGateway(ctx context.Context, gatewayID string) (*models.Gateway, error) {
	var g models.Gateway
	var codecs []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT gateway_id, name, gateway_type, profile, COALESCE(username, ''), COALESCE(password, ''),
		       COALESCE(realm, ''), COALESCE(proxy, ''), COALESCE(codecs, '[]'), max_channels, is_active
		FROM gateways WHERE gateway_id = $1`, gatewayID).
		Scan(&g.GatewayID, &g.Name, &g.GatewayType, &g.Profile, &g.Username, &g.Password,
			&g.Realm, &g.Proxy, &codecs, &g.MaxChannels, &g.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: 网关不存在", types.ErrConfig)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(codecs, &g.Codecs); err != nil {
		return nil, fmt.Errorf("%w: 网关 %s codecs非法: %v", types.ErrConfig, g.GatewayID, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListEntryPoints 列出启用的入口点，按优先级排序
func (p *Postgres) ListEntryPoints(ctx context.Context) ([]*models.EntryPoint, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT entry_point_id, dialplan_pattern, scenario_id, COALESCE(gateway_id, ''), priority, is_active
		FROM entry_points WHERE is_active ORDER BY priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EntryPoint
	for rows.Next() {
		var ep models.EntryPoint
		if err := rows.Scan(&ep.EntryPointID, &ep.DialplanPattern, &ep.ScenarioID,
			&ep.GatewayID, &ep.Priority, &ep.IsActive); err != nil {
			return nil, err
		}
		out = append(out, &ep)
	}
	return out, rows.Err()
}

// CreateCallRecord 写入通话记录
func (p *Postgres) CreateCallRecord(ctx context.Context, rec *models.CallRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_records (session_id, caller_number, start_time, status)
		VALUES ($1, $2, $3, $4)`,
		rec.SessionID, rec.CallerNumber, rec.StartTime, rec.Status)
	return err
}

// FinishCallRecord 补全通话结束信息
func (p *Postgres) FinishCallRecord(ctx context.Context, sessionID, status string, endTime time.Time, duration int, conversationLog string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE call_records SET status = $2, end_time = $3, duration = $4, conversation_log = $5
		WHERE session_id = $1`,
		sessionID, status, endTime, duration, conversationLog)
	return err
}

// GetCampaign 按ID读取外呼活动
func (p *Postgres) GetCampaign(ctx context.Context, campaignID string) (*models.Campaign, error) {
	var c models.Campaign
	var start, end sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT campaign_id, name, gateway_id, scenario_id, status, max_concurrent_calls,
		       call_timeout, retry_attempts, retry_interval, total_contacts,
		       completed_contacts, successful_calls, failed_calls, schedule_start, schedule_end
		FROM outbound_campaigns WHERE campaign_id = $1`, campaignID).
		Scan(&c.CampaignID, &c.Name, &c.GatewayID, &c.ScenarioID, &c.Status, &c.MaxConcurrentCalls,
			&c.CallTimeout, &c.RetryAttempts, &c.RetryInterval, &c.TotalContacts,
			&c.CompletedContacts, &c.SuccessfulCalls, &c.FailedCalls, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: 活动不存在", types.ErrConfig)
	}
	if err != nil {
		return nil, err
	}

	if start.Valid {
		c.ScheduleStart = &start.Time
	}
	if end.Valid {
		c.ScheduleEnd = &end.Time
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCampaignStatus 更新活动状态
func (p *Postgres) UpdateCampaignStatus(ctx context.Context, campaignID string, status models.CampaignStatus) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE outbound_campaigns SET status = $2 WHERE campaign_id = $1`, campaignID, status)
	return err
}

// AddCampaignCounters 原子累加活动计数器
func (p *Postgres) AddCampaignCounters(ctx context.Context, campaignID string, completed, successful, failed int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE outbound_campaigns
		SET completed_contacts = completed_contacts + $2,
		    successful_calls = successful_calls + $3,
		    failed_calls = failed_calls + $4
		WHERE campaign_id = $1`,
		campaignID, completed, successful, failed)
	return err
}

// ListContacts 列出活动的全部联系人，按插入顺序
func (p *Postgres) ListContacts(ctx context.Context, campaignID string) ([]*models.Contact, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, campaign_id, phone_number, status, attempts, last_attempt, next_attempt,
		       COALESCE(call_result, ''), COALESCE(call_duration, 0)
		FROM outbound_contacts WHERE campaign_id = $1 ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Contact
	for rows.Next() {
		var c models.Contact
		var last, next sql.NullTime
		if err := rows.Scan(&c.ID, &c.CampaignID, &c.PhoneNumber, &c.Status, &c.Attempts,
			&last, &next, &c.CallResult, &c.CallDuration); err != nil {
			return nil, err
		}
		if last.Valid {
			c.LastAttempt = &last.Time
		}
		if next.Valid {
			c.NextAttempt = &next.Time
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// AddContact 新增联系人并累加活动总数
func (p *Postgres) AddContact(ctx context.Context, contact *models.Contact) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO outbound_contacts (campaign_id, phone_number, status, attempts)
		VALUES ($1, $2, $3, 0) RETURNING id`,
		contact.CampaignID, contact.PhoneNumber, models.ContactPending).Scan(&contact.ID)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE outbound_campaigns SET total_contacts = total_contacts + 1 WHERE campaign_id = $1`,
		contact.CampaignID)
	return err
}

// MarkContactInProgress 以比较交换语义认领联系人
func (p *Postgres) MarkContactInProgress(ctx context.Context, contactID int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbound_contacts SET status = $2, last_attempt = NOW()
		WHERE id = $1 AND status = $3`,
		contactID, models.ContactInProgress, models.ContactPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateContactResult 回写联系人的尝试结果
func (p *Postgres) UpdateContactResult(ctx context.Context, contact *models.Contact) error {
	var next any
	if contact.NextAttempt != nil {
		next = *contact.NextAttempt
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE outbound_contacts
		SET status = $2, attempts = $3, last_attempt = NOW(), next_attempt = $4,
		    call_result = $5, call_duration = $6
		WHERE id = $1`,
		contact.ID, contact.Status, contact.Attempts, next, contact.CallResult, contact.CallDuration)
	return err
}
