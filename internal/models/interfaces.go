package models

import (
	"context"
	"time"

	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// ASRStream 单次通话的识别流
type ASRStream interface {
	// WriteFrame 写入一帧PCM音频
	WriteFrame(frame []byte) error
	// Close 结束识别流
	Close() error
}

// ASRResultFunc 识别结果回调，text为增量文本，isFinal表示一句话结束
type ASRResultFunc func(text string, isFinal bool) error

// ASRClient 语音识别客户端接口
type ASRClient interface {
	// StartStream 为一次通话建立识别流，识别失败通过onError上报
	StartStream(ctx context.Context, sessionID string, onResult ASRResultFunc, onError func(error)) (ASRStream, error)
}

// LLMClient 大模型客户端接口
type LLMClient interface {
	// Complete 根据系统提示词和对话历史生成回复
	Complete(ctx context.Context, systemPrompt string, history []Message) (string, error)
}

// TTSClient 语音合成客户端接口
type TTSClient interface {
	// Synthesize 合成文本，返回FreeSWITCH可播放的音频引用
	Synthesize(ctx context.Context, text string) (string, error)
}

// CommandSender 会话侧使用的呼叫控制接口，由ESL客户端实现
type CommandSender interface {
	// Answer 应答呼叫腿
	Answer(ctx context.Context, legID string) error
	// Playback 在呼叫腿上播放音频
	Playback(ctx context.Context, legID, audioRef string) error
	// StopPlayback 停止并清空当前播放
	StopPlayback(ctx context.Context, legID string) error
	// Hangup 挂断呼叫腿
	Hangup(ctx context.Context, legID string) error
}

// Originator 外呼发起接口，由ESL客户端实现
type Originator interface {
	// Originate 通过网关呼叫号码，返回新呼叫腿的UUID
	Originate(ctx context.Context, gw *Gateway, number, scenarioID string, timeout time.Duration) (string, error)
}

// ScenarioStore 场景存储接口
type ScenarioStore interface {
	GetScenario(ctx context.Context, scenarioID string) (*Scenario, error)
	ListScenarios(ctx context.Context) ([]*Scenario, error)
	GetGateway(ctx context.Context, gatewayID string) (*Gateway, error)
	ListEntryPoints(ctx context.Context) ([]*EntryPoint, error)
}

// CallRecordStore 通话记录存储接口
type CallRecordStore interface {
	CreateCallRecord(ctx context.Context, rec *CallRecord) error
	FinishCallRecord(ctx context.Context, sessionID, status string, endTime time.Time, duration int, conversationLog string) error
}

// CampaignStore 外呼活动存储接口，计数器更新必须可并发
type CampaignStore interface {
	GetCampaign(ctx context.Context, campaignID string) (*Campaign, error)
	UpdateCampaignStatus(ctx context.Context, campaignID string, status CampaignStatus) error
	// AddCampaignCounters 原子累加活动计数器
	AddCampaignCounters(ctx context.Context, campaignID string, completed, successful, failed int64) error
	ListContacts(ctx context.Context, campaignID string) ([]*Contact, error)
	AddContact(ctx context.Context, contact *Contact) error
	// MarkContactInProgress 以比较交换语义认领联系人，已被认领时返回false
	MarkContactInProgress(ctx context.Context, contactID int64) (bool, error)
	UpdateContactResult(ctx context.Context, contact *Contact) error
}

// SessionStore 会话快照存储接口（TTL受限的KV）
type SessionStore interface {
	SaveSnapshot(ctx context.Context, snap *types.SessionSnapshot) error
	LoadSnapshot(ctx context.Context, sessionID string) (*types.SessionSnapshot, error)
	DeleteSnapshot(ctx context.Context, sessionID string) error
	// IncrFailureCount 服务失败计数加一，带TTL
	IncrFailureCount(ctx context.Context, service string) (int64, error)
	GetFailureCount(ctx context.Context, service string) (int64, error)
}
