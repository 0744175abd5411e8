// Package config 提供配置加载和管理功能
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用程序配置结构
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	FreeSWITCH FreeSWITCHConfig `yaml:"freeswitch"`
	ASR        ASRConfig        `yaml:"asr"`
	LLM        LLMConfig        `yaml:"llm"`
	TTS        TTSConfig        `yaml:"tts"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Session    SessionConfig    `yaml:"session"`
	Outbound   OutboundConfig   `yaml:"outbound"`
}

// ServerConfig HTTP服务器配置
type ServerConfig struct {
	Host string `yaml:"host"` // 服务器监听地址
	Port int    `yaml:"port"` // 服务器监听端口
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string `yaml:"level"`   // 日志级别
	Console bool   `yaml:"console"` // 是否使用控制台格式输出
}

// FreeSWITCHConfig FreeSWITCH连接配置
type FreeSWITCHConfig struct {
	InstanceID        string        `yaml:"instance_id"`        // 实例标识
	Host              string        `yaml:"host"`               // FreeSWITCH主机地址
	Port              int           `yaml:"port"`               // ESL端口
	Password          string        `yaml:"password"`           // ESL密码
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`    // 握手和认证超时
	CommandTimeout    time.Duration `yaml:"command_timeout"`    // 单条命令超时
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 心跳间隔
	Reconnect         BackoffConfig `yaml:"reconnect"`          // 重连退避策略
}

// BackoffConfig 指数退避策略配置，重连与外呼重试共用
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`         // 初始间隔
	Multiplier  float64       `yaml:"multiplier"`   // 增长倍数
	Cap         time.Duration `yaml:"cap"`          // 间隔上限
	MaxAttempts int           `yaml:"max_attempts"` // 最大尝试次数，0表示不限
}

// ASRConfig 语音识别配置
type ASRConfig struct {
	ServerURL         string        `yaml:"server_url"`         // WebSocket服务器地址
	SampleRate        int           `yaml:"sample_rate"`        // 识别采样率
	SourceSampleRate  int           `yaml:"source_sample_rate"` // 交换机音频采样率
	ReconnectInterval time.Duration `yaml:"reconnect_interval"` // 重连间隔
	MaxRetries        int           `yaml:"max_retries"`        // 最大重试次数
}

// LLMConfig 大模型配置
type LLMConfig struct {
	APIURL      string        `yaml:"api_url"`     // 接口地址（OpenAI兼容）
	Model       string        `yaml:"model"`       // 模型名称
	Timeout     time.Duration `yaml:"timeout"`     // 请求超时
	MaxTokens   int           `yaml:"max_tokens"`  // 最大生成token数
	Temperature float64       `yaml:"temperature"` // 温度参数
}

// TTSConfig 语音合成配置
type TTSConfig struct {
	APIURL     string        `yaml:"api_url"`     // 接口地址
	Voice      string        `yaml:"voice"`       // 发音人
	SampleRate int           `yaml:"sample_rate"` // 采样率
	Format     string        `yaml:"format"`      // 音频格式
	Timeout    time.Duration `yaml:"timeout"`     // 请求超时
}

// PostgresConfig 关系库配置
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`               // 连接串，不得打印到日志
	MaxOpenConns    int           `yaml:"max_open_conns"`    // 最大连接数
	MaxIdleConns    int           `yaml:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"` // 连接最大存活时间
	PingTimeout     time.Duration `yaml:"ping_timeout"`      // 连通性检查超时
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr        string        `yaml:"addr"`         // 地址 host:port
	Password    string        `yaml:"password"`     // 密码
	DB          int           `yaml:"db"`           // 数据库编号
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"` // 会话快照过期时间
}

// SessionConfig 会话与音频管道调优参数
type SessionConfig struct {
	EventQueueSize   int           `yaml:"event_queue_size"`   // 每会话事件队列容量
	FrameBufferSize  int           `yaml:"frame_buffer_size"`  // 音频帧缓冲容量（满时丢最旧）
	VADThreshold     int           `yaml:"vad_threshold"`      // 打断检测的平均振幅阈值
	BackendRetries   int           `yaml:"backend_retries"`    // 每次后端调用的透明重试次数
	FallbackBudget   int           `yaml:"fallback_budget"`    // 单轮内降级回复次数上限，超出则挂断
	GoodbyeMessage   string        `yaml:"goodbye_message"`    // 结束语
	UnavailableText  string        `yaml:"unavailable_text"`   // 系统不可用提示
	FailureThreshold int           `yaml:"failure_threshold"`  // 服务失败计数阈值
	WaitUserGrace    time.Duration `yaml:"wait_user_grace"`    // 合成结束后的等待窗口
}

// OutboundConfig 外呼调度配置
type OutboundConfig struct {
	OriginateTimeout time.Duration `yaml:"originate_timeout"` // 单次外呼应答超时
	PollInterval     time.Duration `yaml:"poll_interval"`     // 就绪集轮询间隔
}

// Load 从文件加载配置
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.fillDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// fillDefaults 填充缺省值
func (c *Config) fillDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.FreeSWITCH.InstanceID == "" {
		c.FreeSWITCH.InstanceID = "default"
	}
	if c.FreeSWITCH.Port == 0 {
		c.FreeSWITCH.Port = 8021
	}
	if c.FreeSWITCH.ConnectTimeout == 0 {
		c.FreeSWITCH.ConnectTimeout = 10 * time.Second
	}
	if c.FreeSWITCH.CommandTimeout == 0 {
		c.FreeSWITCH.CommandTimeout = 5 * time.Second
	}
	if c.FreeSWITCH.HeartbeatInterval == 0 {
		c.FreeSWITCH.HeartbeatInterval = 30 * time.Second
	}
	c.FreeSWITCH.Reconnect = c.FreeSWITCH.Reconnect.withDefaults()

	if c.ASR.SampleRate == 0 {
		c.ASR.SampleRate = 16000
	}
	if c.ASR.SourceSampleRate == 0 {
		c.ASR.SourceSampleRate = 8000
	}
	if c.ASR.ReconnectInterval == 0 {
		c.ASR.ReconnectInterval = 5 * time.Second
	}
	if c.ASR.MaxRetries == 0 {
		c.ASR.MaxRetries = 3
	}

	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 10 * time.Second
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 500
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}

	if c.TTS.Voice == "" {
		c.TTS.Voice = "default"
	}
	if c.TTS.SampleRate == 0 {
		c.TTS.SampleRate = 8000
	}
	if c.TTS.Format == "" {
		c.TTS.Format = "wav"
	}
	if c.TTS.Timeout == 0 {
		c.TTS.Timeout = 30 * time.Second
	}

	if c.Redis.SnapshotTTL == 0 {
		c.Redis.SnapshotTTL = time.Hour
	}

	if c.Session.EventQueueSize == 0 {
		c.Session.EventQueueSize = 64
	}
	if c.Session.FrameBufferSize == 0 {
		c.Session.FrameBufferSize = 256
	}
	if c.Session.VADThreshold == 0 {
		c.Session.VADThreshold = 800
	}
	if c.Session.BackendRetries == 0 {
		c.Session.BackendRetries = 1
	}
	if c.Session.FallbackBudget == 0 {
		c.Session.FallbackBudget = 3
	}
	if c.Session.GoodbyeMessage == "" {
		c.Session.GoodbyeMessage = "感谢您的来电，再见"
	}
	if c.Session.UnavailableText == "" {
		c.Session.UnavailableText = "系统暂时不可用，请稍后再试"
	}
	if c.Session.FailureThreshold == 0 {
		c.Session.FailureThreshold = 5
	}
	if c.Session.WaitUserGrace == 0 {
		c.Session.WaitUserGrace = 500 * time.Millisecond
	}

	if c.Outbound.OriginateTimeout == 0 {
		c.Outbound.OriginateTimeout = 30 * time.Second
	}
	if c.Outbound.PollInterval == 0 {
		c.Outbound.PollInterval = time.Second
	}
}

// withDefaults 返回填充了缺省值的退避策略
func (b BackoffConfig) withDefaults() BackoffConfig {
	out := b
	if out.Base == 0 {
		out.Base = time.Second
	}
	if out.Multiplier == 0 {
		out.Multiplier = 2.0
	}
	if out.Cap == 0 {
		out.Cap = 30 * time.Second
	}
	return out
}

// Validate 验证配置是否有效
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return ErrEmptyServerHost
	}
	if c.Server.Port <= 0 {
		return ErrInvalidServerPort
	}
	if c.FreeSWITCH.Host == "" {
		return ErrEmptyFSHost
	}
	if c.FreeSWITCH.Port <= 0 {
		return ErrInvalidFSPort
	}
	if c.FreeSWITCH.Password == "" {
		return ErrEmptyFSPassword
	}
	if c.ASR.ServerURL == "" {
		return ErrEmptyASRURL
	}
	if c.LLM.APIURL == "" {
		return ErrEmptyLLMURL
	}
	if c.LLM.Model == "" {
		return ErrEmptyLLMModel
	}
	if c.TTS.APIURL == "" {
		return ErrEmptyTTSURL
	}
	if c.FreeSWITCH.Reconnect.Base <= 0 || c.FreeSWITCH.Reconnect.Multiplier < 1 ||
		c.FreeSWITCH.Reconnect.Cap < c.FreeSWITCH.Reconnect.Base {
		return ErrInvalidBackoff
	}
	return nil
}
