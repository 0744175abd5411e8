// Package tts 提供语音合成客户端
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// Client 语音合成客户端
type Client struct {
	config config.TTSConfig
	client *http.Client
}

// NewClient 创建新的语音合成客户端
func NewClient(cfg config.TTSConfig) *Client {
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// synthesizeRequest 合成请求参数
type synthesizeRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
}

// synthesizeResponse 合成响应，AudioURL为FreeSWITCH可播放的音频引用
type synthesizeResponse struct {
	AudioURL string `json:"audio_url"`
	Error    string `json:"error,omitempty"`
}

// Synthesize 合成文本，返回可播放的音频引用
func (c *Client) Synthesize(ctx context.Context, text string) (string, error) {
	reqBody := synthesizeRequest{
		Text:       text,
		Voice:      c.config.Voice,
		SampleRate: c.config.SampleRate,
		Format:     c.config.Format,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.APIURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", fmt.Errorf("%w: %v", types.ErrBackendTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", types.ErrBackendError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: 服务器返回 %d: %s", types.ErrBackendError, resp.StatusCode, string(body))
	}

	var response synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("%w: 解析响应失败: %v", types.ErrBackendError, err)
	}
	if response.Error != "" {
		return "", fmt.Errorf("%w: %s", types.ErrBackendError, response.Error)
	}
	if response.AudioURL == "" {
		return "", fmt.Errorf("%w: 响应中没有音频引用", types.ErrBackendError)
	}

	return response.AudioURL, nil
}

// isTimeout 判断是否为网络超时错误
func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
