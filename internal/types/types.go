// Package types 定义基本类型
package types

import (
	"errors"
	"time"
)

// SessionState 会话状态
type SessionState string

// 定义会话状态常量
const (
	StateIdle          SessionState = "idle"           // 呼叫腿已存在但尚未应答
	StateTTSPlaying    SessionState = "tts_playing"    // 正在播放合成语音
	StateASRListening  SessionState = "asr_listening"  // 正在监听用户语音
	StateLLMProcessing SessionState = "llm_processing" // 正在等待大模型回复
	StateWaitingUser   SessionState = "waiting_user"   // 合成结束后短暂等待用户
	StateError         SessionState = "error"          // 后端故障处理中（瞬态）
	StateEnded         SessionState = "ended"          // 终态
)

// Valid 检查状态是否属于有限状态集
func (s SessionState) Valid() bool {
	switch s {
	case StateIdle, StateTTSPlaying, StateASRListening,
		StateLLMProcessing, StateWaitingUser, StateError, StateEnded:
		return true
	}
	return false
}

// Terminal 检查是否为终态
func (s SessionState) Terminal() bool {
	return s == StateEnded
}

// EventKind 会话事件类型
type EventKind int

// 定义会话事件常量
const (
	EventAnswered     EventKind = iota // 呼叫腿已应答
	EventPlaybackDone                  // 当前语音播放完成
	EventTranscript                    // ASR识别结果（部分或最终）
	EventBargeIn                       // 用户打断
	EventLLMResult                     // 大模型回复（或错误）
	EventTTSResult                     // 语音合成结果（或错误）
	EventHangup                        // 交换机挂断事件
	EventDegraded                      // ESL连接断开，会话降级
	EventRecovered                     // ESL连接恢复
)

// String 返回事件名称
func (k EventKind) String() string {
	switch k {
	case EventAnswered:
		return "answered"
	case EventPlaybackDone:
		return "playback_done"
	case EventTranscript:
		return "transcript"
	case EventBargeIn:
		return "barge_in"
	case EventLLMResult:
		return "llm_result"
	case EventTTSResult:
		return "tts_result"
	case EventHangup:
		return "hangup"
	case EventDegraded:
		return "degraded"
	case EventRecovered:
		return "recovered"
	}
	return "unknown"
}

// SessionEvent 会话事件，由单消费者循环按到达顺序处理
type SessionEvent struct {
	Kind     EventKind
	Text     string // 识别文本或回复文本
	IsFinal  bool   // 识别结果是否为最终结果
	Gen      uint64 // 事件所属的播放/轮次代数，过期事件被丢弃
	Err      error  // 后端调用错误
	AudioRef string // 合成音频引用
	Cause    string // 挂断原因
	Time     time.Time
}

// CallDirection 呼叫方向
type CallDirection string

// 定义呼叫方向常量
const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// TranscriptEntry 通话转录条目
type TranscriptEntry struct {
	Turn      int       `json:"turn"`
	Speaker   string    `json:"speaker"` // user/assistant/system
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSnapshot 会话快照，写入会话存储供控制面查询
type SessionSnapshot struct {
	SessionID    string            `json:"session_id"`
	CallerNumber string            `json:"caller_number"`
	State        SessionState      `json:"state"`
	Turn         int               `json:"turn"`
	StartTime    time.Time         `json:"start_time"`
	LastActivity time.Time         `json:"last_activity"`
	Transcript   []TranscriptEntry `json:"transcript"`
}

// 错误分类
var (
	// ErrTransport ESL连接失败，由重连退避恢复
	ErrTransport = errors.New("交换机连接失败")
	// ErrCommandTimeout 单条命令超时
	ErrCommandTimeout = errors.New("命令响应超时")
	// ErrConnectionLost 命令发送时连接已断开
	ErrConnectionLost = errors.New("连接已断开")
	// ErrBackendTimeout 后端调用超时
	ErrBackendTimeout = errors.New("后端调用超时")
	// ErrBackendError 后端调用失败
	ErrBackendError = errors.New("后端调用失败")
	// ErrConfig 配置行非法，加载时拒绝
	ErrConfig = errors.New("配置非法")
	// ErrConcurrencyLimit 外呼并发已满（延迟信号，不是错误）
	ErrConcurrencyLimit = errors.New("并发数已达上限")
	// ErrFatalSession 不可恢复的内部不一致
	ErrFatalSession = errors.New("会话内部错误")
	// ErrSessionNotFound 注册表中不存在该会话
	ErrSessionNotFound = errors.New("会话不存在")
)
