package services

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
)

// AudioPipeline 每会话一条的音频管道：缓冲来自交换机的PCM帧，
// 播放期间做能量检测触发打断，监听期间把帧转发给识别流。
// 打断回调在管道协程内同步执行，先于任何后续帧处理。
type AudioPipeline struct {
	sessionID string
	cfg       config.SessionConfig
	log       zerolog.Logger

	stream    models.ASRStream
	onBargeIn func()

	mu     sync.Mutex
	frames chan []byte
	closed bool

	playing atomic.Bool
	armed   atomic.Bool // 本次播放的打断是否还未触发
	dropped atomic.Uint64
}

// NewAudioPipeline 创建音频管道
func NewAudioPipeline(sessionID string, cfg config.SessionConfig, stream models.ASRStream, onBargeIn func(), log zerolog.Logger) *AudioPipeline {
	return &AudioPipeline{
		sessionID: sessionID,
		cfg:       cfg,
		log:       log.With().Str("component", "audio").Str("session_id", sessionID).Logger(),
		stream:    stream,
		onBargeIn: onBargeIn,
		frames:    make(chan []byte, cfg.FrameBufferSize),
	}
}

// Push 写入一帧PCM音频，缓冲满时丢弃最旧的帧
func (p *AudioPipeline) Push(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	for {
		select {
		case p.frames <- frame:
			return
		default:
		}
		select {
		case <-p.frames:
			p.dropped.Add(1)
		default:
		}
	}
}

// SetPlaying 标记播放状态，开始播放时重新武装打断检测
func (p *AudioPipeline) SetPlaying(playing bool) {
	p.playing.Store(playing)
	if playing {
		p.armed.Store(true)
	}
}

// Dropped 返回累计丢帧数
func (p *AudioPipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// Run 消费帧缓冲直到管道关闭或上下文取消
func (p *AudioPipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-p.frames:
			if !ok {
				return
			}
			p.handleFrame(frame)
		}
	}
}

// handleFrame 处理一帧：播放中做打断检测，然后转发给识别流
func (p *AudioPipeline) handleFrame(frame []byte) {
	if p.playing.Load() && FrameEnergy(frame) >= p.cfg.VADThreshold {
		// 每次播放只触发一次，回调同步执行保证打断先于播放完成送达
		if p.armed.CompareAndSwap(true, false) {
			p.log.Debug().Msg("检测到用户打断")
			p.onBargeIn()
		}
	}

	if p.stream != nil {
		if err := p.stream.WriteFrame(frame); err != nil {
			p.log.Warn().Err(err).Msg("写入识别流失败")
		}
	}
}

// Close 关闭管道，之后的Push被忽略
func (p *AudioPipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.frames)
	if dropped := p.dropped.Load(); dropped > 0 {
		p.log.Warn().Uint64("dropped", dropped).Msg("会话期间存在丢帧")
	}
}

// FrameEnergy 计算16位小端PCM帧的平均绝对振幅
func FrameEnergy(frame []byte) int {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < n; i++ {
		v := int64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return int(sum / int64(n))
}
