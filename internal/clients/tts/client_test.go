package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

func TestSynthesize(t *testing.T) {
	var gotReq synthesizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(synthesizeResponse{AudioURL: "http://files/audio/abc.wav"})
	}))
	defer srv.Close()

	client := NewClient(config.TTSConfig{
		APIURL:     srv.URL,
		Voice:      "default",
		SampleRate: 8000,
		Format:     "wav",
		Timeout:    time.Second,
	})

	ref, err := client.Synthesize(context.Background(), "您好，我是AI助手")
	require.NoError(t, err)
	assert.Equal(t, "http://files/audio/abc.wav", ref)
	assert.Equal(t, "您好，我是AI助手", gotReq.Text)
	assert.Equal(t, 8000, gotReq.SampleRate)
}

func TestSynthesizeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(synthesizeResponse{Error: "voice not found"})
	}))
	defer srv.Close()

	client := NewClient(config.TTSConfig{APIURL: srv.URL, Timeout: time.Second})
	_, err := client.Synthesize(context.Background(), "测试")
	assert.ErrorIs(t, err, types.ErrBackendError)
}

func TestSynthesizeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(config.TTSConfig{APIURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := client.Synthesize(context.Background(), "测试")
	assert.ErrorIs(t, err, types.ErrBackendTimeout)
}
