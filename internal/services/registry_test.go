package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istar1978/freeswitch-ai-robot/internal/logger"
	"github.com/istar1978/freeswitch-ai-robot/internal/storage"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

func newTestSession(id string) *CallSession {
	store := storage.NewMemory()
	return NewCallSession(SessionParams{
		ID:           id,
		CallerNumber: "13800138000",
		Direction:    types.DirectionInbound,
		Scenario:     testScenario(),
		Config:       testSessionConfig(),
		Sender:       &fakeSender{},
		ASR:          &fakeASR{},
		LLM:          &fakeLLM{},
		TTS:          &fakeTTS{},
		Sessions:     store,
		Records:      store,
		Log:          logger.Nop(),
	})
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewSessionRegistry()

	_, err := r.Get("leg-1")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	s := newTestSession("leg-1")
	assert.True(t, r.Add(s))
	assert.False(t, r.Add(s)) // 重复登记被拒绝
	assert.Equal(t, 1, r.Count())

	got, err := r.Get("leg-1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	r.Remove("leg-1")
	assert.Zero(t, r.Count())
	_, err = r.Get("leg-1")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestRegistrySnapshots(t *testing.T) {
	r := NewSessionRegistry()
	r.Add(newTestSession("leg-1"))
	r.Add(newTestSession("leg-2"))

	snaps := r.Snapshots()
	assert.Len(t, snaps, 2)
	for _, snap := range snaps {
		assert.Equal(t, types.StateIdle, snap.State)
	}
}
