package services

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istar1978/freeswitch-ai-robot/internal/logger"
)

// makeFrame 构造指定振幅的16位小端PCM帧
func makeFrame(amplitude int16, samples int) []byte {
	frame := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(amplitude))
	}
	return frame
}

func TestFrameEnergy(t *testing.T) {
	assert.Zero(t, FrameEnergy(nil))
	assert.Zero(t, FrameEnergy(makeFrame(0, 160)))
	assert.Equal(t, 1000, FrameEnergy(makeFrame(1000, 160)))
	// 负振幅取绝对值
	assert.Equal(t, 1000, FrameEnergy(makeFrame(-1000, 160)))
}

func TestPipelineBargeInOnce(t *testing.T) {
	cfg := testSessionConfig()
	stream := &fakeStream{}
	var bargeIns atomic.Int32
	p := NewAudioPipeline("leg-1", cfg, stream, func() { bargeIns.Add(1) }, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.SetPlaying(true)
	for i := 0; i < 3; i++ {
		p.Push(makeFrame(2000, 160))
	}

	// 同一次播放内只触发一次打断
	require.Eventually(t, func() bool { return bargeIns.Load() == 1 },
		time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), bargeIns.Load())

	// 新一次播放重新武装
	p.SetPlaying(true)
	p.Push(makeFrame(2000, 160))
	require.Eventually(t, func() bool { return bargeIns.Load() == 2 },
		time.Second, time.Millisecond)
	p.Close()
}

func TestPipelineSilenceNoBargeIn(t *testing.T) {
	cfg := testSessionConfig()
	stream := &fakeStream{}
	var bargeIns atomic.Int32
	p := NewAudioPipeline("leg-1", cfg, stream, func() { bargeIns.Add(1) }, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.SetPlaying(true)
	for i := 0; i < 5; i++ {
		p.Push(makeFrame(100, 160))
	}

	// 低于阈值的音频不触发打断，但仍转发给识别流
	require.Eventually(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return len(stream.frames) == 5
	}, time.Second, time.Millisecond)
	assert.Zero(t, bargeIns.Load())
	p.Close()
}

func TestPipelineDropOldest(t *testing.T) {
	cfg := testSessionConfig()
	cfg.FrameBufferSize = 4
	p := NewAudioPipeline("leg-1", cfg, nil, func() {}, logger.Nop())

	// 不开消费协程，缓冲满后丢最旧
	for i := 0; i < 9; i++ {
		p.Push(makeFrame(int16(i), 8))
	}
	assert.Equal(t, uint64(5), p.Dropped())
	p.Close()

	// 关闭后写入被忽略
	p.Push(makeFrame(1, 8))
	assert.Equal(t, uint64(5), p.Dropped())
}
