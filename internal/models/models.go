// Package models 定义领域模型和服务接口
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// Message 对话消息
type Message struct {
	Role    string `json:"role"`    // 消息角色：system/user/assistant
	Content string `json:"content"` // 消息内容
}

// Scenario 对话场景配置，加载进会话后不可变
type Scenario struct {
	ScenarioID        string            `json:"scenario_id"`
	Name              string            `json:"name"`
	EntryPoints       []string          `json:"entry_points"`
	SystemPrompt      string            `json:"system_prompt"`
	WelcomeMessage    string            `json:"welcome_message"`
	FallbackResponses []string          `json:"fallback_responses"`
	MaxTurns          int               `json:"max_turns"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
	CustomSettings    map[string]string `json:"custom_settings"`
	IsActive          bool              `json:"is_active"`
}

// Validate 验证场景配置，必填字段缺失直接拒绝
func (s *Scenario) Validate() error {
	if s.ScenarioID == "" {
		return fmt.Errorf("%w: 场景ID为空", types.ErrConfig)
	}
	if s.SystemPrompt == "" {
		return fmt.Errorf("%w: 场景 %s 缺少系统提示词", types.ErrConfig, s.ScenarioID)
	}
	if s.WelcomeMessage == "" {
		return fmt.Errorf("%w: 场景 %s 缺少欢迎语", types.ErrConfig, s.ScenarioID)
	}
	if len(s.FallbackResponses) == 0 {
		return fmt.Errorf("%w: 场景 %s 降级回复列表为空", types.ErrConfig, s.ScenarioID)
	}
	if s.MaxTurns <= 0 {
		return fmt.Errorf("%w: 场景 %s 最大轮数必须大于0", types.ErrConfig, s.ScenarioID)
	}
	if s.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: 场景 %s 超时时间必须大于0", types.ErrConfig, s.ScenarioID)
	}
	return nil
}

// Fallback 按错误次数取降级回复，index = n mod len
func (s *Scenario) Fallback(n int) string {
	return s.FallbackResponses[n%len(s.FallbackResponses)]
}

// Gateway 外呼网关配置，只读
type Gateway struct {
	GatewayID   string   `json:"gateway_id"`
	Name        string   `json:"name"`
	GatewayType string   `json:"gateway_type"` // sip/pstn
	Profile     string   `json:"profile"`      // Sofia profile名称
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Realm       string   `json:"realm"`
	Proxy       string   `json:"proxy"`
	Codecs      []string `json:"codecs"`
	MaxChannels int      `json:"max_channels"`
	IsActive    bool     `json:"is_active"`
}

// Validate 验证网关配置
func (g *Gateway) Validate() error {
	if g.GatewayID == "" {
		return fmt.Errorf("%w: 网关ID为空", types.ErrConfig)
	}
	if g.Profile == "" {
		return fmt.Errorf("%w: 网关 %s 缺少Sofia profile", types.ErrConfig, g.GatewayID)
	}
	if g.MaxChannels <= 0 {
		return fmt.Errorf("%w: 网关 %s 通道数必须大于0", types.ErrConfig, g.GatewayID)
	}
	return nil
}

// EntryPoint 入口点，将拨号计划模式映射到场景和网关
type EntryPoint struct {
	EntryPointID    string `json:"entry_point_id"`
	DialplanPattern string `json:"dialplan_pattern"`
	ScenarioID      string `json:"scenario_id"`
	GatewayID       string `json:"gateway_id"`
	Priority        int    `json:"priority"`
	IsActive        bool   `json:"is_active"`
}

// FreeSwitchInstance FreeSWITCH实例配置行
type FreeSwitchInstance struct {
	InstanceID      string            `json:"instance_id"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Password        string            `json:"password"`
	ScenarioMapping map[string]string `json:"scenario_mapping"` // 入口点 -> 场景ID
	GatewayIDs      []string          `json:"gateway_ids"`
	IsActive        bool              `json:"is_active"`
}

// CampaignStatus 外呼活动状态
type CampaignStatus string

// 定义外呼活动状态常量
const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Campaign 外呼活动
type Campaign struct {
	CampaignID         string         `json:"campaign_id"`
	Name               string         `json:"name"`
	GatewayID          string         `json:"gateway_id"`
	ScenarioID         string         `json:"scenario_id"`
	Status             CampaignStatus `json:"status"`
	MaxConcurrentCalls int            `json:"max_concurrent_calls"`
	CallTimeout        int            `json:"call_timeout"` // 秒
	RetryAttempts      int            `json:"retry_attempts"`
	RetryInterval      int            `json:"retry_interval"` // 秒
	TotalContacts      int64          `json:"total_contacts"`
	CompletedContacts  int64          `json:"completed_contacts"`
	SuccessfulCalls    int64          `json:"successful_calls"`
	FailedCalls        int64          `json:"failed_calls"`
	ScheduleStart      *time.Time     `json:"schedule_start,omitempty"`
	ScheduleEnd        *time.Time     `json:"schedule_end,omitempty"`
}

// Validate 验证外呼活动配置
func (c *Campaign) Validate() error {
	if c.CampaignID == "" {
		return fmt.Errorf("%w: 活动ID为空", types.ErrConfig)
	}
	if c.GatewayID == "" || c.ScenarioID == "" {
		return fmt.Errorf("%w: 活动 %s 缺少网关或场景", types.ErrConfig, c.CampaignID)
	}
	if c.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("%w: 活动 %s 并发数必须大于0", types.ErrConfig, c.CampaignID)
	}
	if c.RetryAttempts < 0 || c.RetryInterval < 0 {
		return fmt.Errorf("%w: 活动 %s 重试参数非法", types.ErrConfig, c.CampaignID)
	}
	return nil
}

// InWindow 检查时刻是否落在活动调度窗口内
func (c *Campaign) InWindow(now time.Time) bool {
	if c.ScheduleStart != nil && now.Before(*c.ScheduleStart) {
		return false
	}
	if c.ScheduleEnd != nil && now.After(*c.ScheduleEnd) {
		return false
	}
	return true
}

// ContactStatus 外呼联系人状态
type ContactStatus string

// 定义外呼联系人状态常量
const (
	ContactPending    ContactStatus = "pending"
	ContactInProgress ContactStatus = "in_progress"
	ContactCompleted  ContactStatus = "completed"
	ContactFailed     ContactStatus = "failed"
)

// Contact 外呼联系人
type Contact struct {
	ID           int64         `json:"id"`
	CampaignID   string        `json:"campaign_id"`
	PhoneNumber  string        `json:"phone_number"`
	Status       ContactStatus `json:"status"`
	Attempts     int           `json:"attempts"`
	LastAttempt  *time.Time    `json:"last_attempt,omitempty"`
	NextAttempt  *time.Time    `json:"next_attempt,omitempty"`
	CallResult   string        `json:"call_result"`
	CallDuration int           `json:"call_duration"` // 秒
}

// CallRecord 通话记录
type CallRecord struct {
	SessionID       string     `json:"session_id"`
	CallerNumber    string     `json:"caller_number"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Duration        int        `json:"duration"` // 秒
	ConversationLog string     `json:"conversation_log"`
	Status          string     `json:"status"` // active/ended/failed
}

// MarshalTranscript 将转录序列化为通话记录的JSON日志
func MarshalTranscript(entries []types.TranscriptEntry) string {
	data, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(data)
}
