// Package asr 提供FunASR流式语音识别客户端
package asr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// Client FunASR WebSocket客户端
type Client struct {
	config config.ASRConfig
	log    zerolog.Logger
}

// NewClient 创建新的ASR客户端
func NewClient(cfg config.ASRConfig, log zerolog.Logger) *Client {
	return &Client{
		config: cfg,
		log:    log.With().Str("component", "asr").Logger(),
	}
}

// startMessage 识别流的首条配置消息
type startMessage struct {
	Mode       string `json:"mode"`
	AudioFS    int    `json:"audio_fs"`
	WavName    string `json:"wav_name"`
	IsSpeaking bool   `json:"is_speaking"`
}

// endMessage 识别流的结束标记
type endMessage struct {
	IsSpeaking bool `json:"is_speaking"`
}

// resultMessage 识别结果消息
type resultMessage struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// StartStream 为一次通话建立识别流
func (c *Client) StartStream(ctx context.Context, sessionID string, onResult models.ASRResultFunc, onError func(error)) (models.ASRStream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.config.ServerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: 连接ASR服务失败: %v", types.ErrBackendError, err)
	}

	start := startMessage{
		Mode:       "2pass",
		AudioFS:    c.config.SampleRate,
		WavName:    sessionID,
		IsSpeaking: true,
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: 发送识别配置失败: %v", types.ErrBackendError, err)
	}

	s := &stream{
		client:    c,
		sessionID: sessionID,
		conn:      conn,
		onResult:  onResult,
		onError:   onError,
		log:       c.log.With().Str("session_id", sessionID).Logger(),
	}
	go s.receiveLoop(conn)
	return s, nil
}

// stream 单次通话的识别流
type stream struct {
	client    *Client
	sessionID string
	onResult  models.ASRResultFunc
	onError   func(error)
	log       zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// WriteFrame 写入一帧PCM音频，按需做采样率转换
func (s *stream) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.conn == nil {
		return types.ErrConnectionLost
	}

	data := frame
	if s.client.config.SourceSampleRate != s.client.config.SampleRate {
		data = ResamplePCM(frame, s.client.config.SourceSampleRate, s.client.config.SampleRate)
	}

	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: 发送音频帧失败: %v", types.ErrBackendError, err)
	}
	return nil
}

// Close 发送结束标记并关闭连接
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.conn != nil {
		_ = s.conn.WriteJSON(endMessage{IsSpeaking: false})
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// receiveLoop 接收识别结果，连接失败时按退避重连
func (s *stream) receiveLoop(conn *websocket.Conn) {
	retries := 0
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}

			retries++
			if retries > s.client.config.MaxRetries {
				s.log.Error().Err(err).Msg("ASR连接失败，重试已用尽")
				if s.onError != nil {
					s.onError(fmt.Errorf("%w: %v", types.ErrBackendError, err))
				}
				return
			}

			s.log.Warn().Err(err).Int("retry", retries).Msg("ASR连接断开，准备重连")
			time.Sleep(s.client.config.ReconnectInterval)

			next, ok := s.reconnect()
			if !ok {
				if s.onError != nil {
					s.onError(types.ErrBackendError)
				}
				return
			}
			conn = next
			continue
		}

		var result resultMessage
		if err := json.Unmarshal(message, &result); err != nil {
			s.log.Warn().Err(err).Msg("解析识别结果失败")
			continue
		}
		if result.Text == "" {
			continue
		}
		if err := s.onResult(result.Text, result.IsFinal); err != nil {
			s.log.Warn().Err(err).Msg("识别结果回调失败")
		}
	}
}

// reconnect 重建WebSocket连接并重发配置消息
func (s *stream) reconnect() (*websocket.Conn, bool) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(s.client.config.ServerURL, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ASR重连失败")
		return nil, false
	}

	start := startMessage{
		Mode:       "2pass",
		AudioFS:    s.client.config.SampleRate,
		WavName:    s.sessionID,
		IsSpeaking: true,
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil, false
	}
	s.conn = conn
	s.mu.Unlock()

	s.log.Info().Msg("ASR重连成功")
	return conn, true
}

// ResamplePCM 16bit小端PCM线性插值重采样
func ResamplePCM(frame []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return frame
	}

	samples := len(frame) / 2
	if samples == 0 {
		return nil
	}

	outSamples := samples * toRate / fromRate
	out := make([]byte, outSamples*2)

	for i := 0; i < outSamples; i++ {
		// 输出样点在源序列中的位置
		pos := float64(i) * float64(fromRate) / float64(toRate)
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(binary.LittleEndian.Uint16(frame[idx*2:]))
		s1 := s0
		if idx+1 < samples {
			s1 = int16(binary.LittleEndian.Uint16(frame[(idx+1)*2:]))
		}

		v := float64(s0)*(1-frac) + float64(s1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
