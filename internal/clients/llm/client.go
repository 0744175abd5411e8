// Package llm 提供OpenAI兼容的大模型客户端
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// Client 大模型客户端
type Client struct {
	config config.LLMConfig
	client *http.Client
}

// NewClient 创建新的大模型客户端
func NewClient(cfg config.LLMConfig) *Client {
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// chatRequest 对话补全请求参数
type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Stream      bool             `json:"stream"`
}

// chatResponse 对话补全响应
type chatResponse struct {
	Choices []struct {
		Message models.Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete 根据系统提示词和对话历史生成回复
func (c *Client) Complete(ctx context.Context, systemPrompt string, history []models.Message) (string, error) {
	messages := make([]models.Message, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, models.Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)

	reqBody := chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		Stream:      false,
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

	var response chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("%w: 解析响应失败: %v", types.ErrBackendError, err)
	}
	if response.Error != nil {
		return "", fmt.Errorf("%w: %s", types.ErrBackendError, response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("%w: 响应中没有choices", types.ErrBackendError)
	}

	return response.Choices[0].Message.Content, nil
}

// isTimeout 判断是否为网络超时错误
func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
