// Package freeswitch 提供FreeSWITCH ESL客户端
package freeswitch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
	"github.com/istar1978/freeswitch-ai-robot/internal/utils"
)

// 订阅的呼叫生命周期和媒体事件
var subscribedEvents = []string{
	"CHANNEL_CREATE",
	"CHANNEL_ANSWER",
	"CHANNEL_HANGUP",
	"CHANNEL_DESTROY",
	"PLAYBACK_START",
	"PLAYBACK_STOP",
	"BACKGROUND_JOB",
	"CUSTOM ai::media",
}

// Event FreeSWITCH事件
type Event struct {
	Name    string
	Headers map[string]string
	Body    []byte
}

// Get 读取事件头部
func (e *Event) Get(key string) string {
	return e.Headers[key]
}

// UUID 返回事件所属呼叫腿的UUID
func (e *Event) UUID() string {
	return e.Headers["Unique-ID"]
}

// NoticeKind 连接状态通知类型
type NoticeKind int

// 定义连接状态通知常量
const (
	NoticeDisconnected NoticeKind = iota // 连接断开，会话应降级
	NoticeReconnected                    // 重连并重新订阅成功
)

// Notice 连接状态通知
type Notice struct {
	Kind NoticeKind
	Time time.Time
}

// Client ESL客户端，持有到单个FreeSWITCH实例的长连接
type Client struct {
	config config.FreeSWITCHConfig
	log    zerolog.Logger

	mu        sync.Mutex // 保护conn/reader/connected
	conn      net.Conn
	reader    *bufio.Reader
	connected bool

	cmdSem  chan struct{} // 容量1，序列化命令写入和应答配对
	pending chan map[string]string
	jobs    map[string]chan string // 等待BACKGROUND_JOB结果的后台任务

	events  chan *Event
	notices chan Notice

	connLost chan struct{}
	closing  atomic.Bool
}

// NewClient 创建新的ESL客户端
func NewClient(cfg config.FreeSWITCHConfig, log zerolog.Logger) *Client {
	return &Client{
		config:  cfg,
		log:     log.With().Str("component", "esl").Str("instance", cfg.InstanceID).Logger(),
		cmdSem:  make(chan struct{}, 1),
		jobs:    make(map[string]chan string),
		events:  make(chan *Event, 1024),
		notices: make(chan Notice, 16),
	}
}

// Events 返回入站事件通道
func (c *Client) Events() <-chan *Event {
	return c.events
}

// Notices 返回连接状态通知通道
func (c *Client) Notices() <-chan Notice {
	return c.notices
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect 建立连接并完成认证和事件订阅
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}

	reader := bufio.NewReader(conn)

	// 握手和认证必须在超时内完成
	deadline := time.Now().Add(c.config.ConnectTimeout)
	_ = conn.SetDeadline(deadline)

	headers, err := readHeaders(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: 读取欢迎信息失败: %v", types.ErrTransport, err)
	}
	if headers["Content-Type"] != "auth/request" {
		conn.Close()
		return fmt.Errorf("%w: 未收到认证请求: %s", types.ErrTransport, headers["Content-Type"])
	}

	if _, err := fmt.Fprintf(conn, "auth %s\n\n", c.config.Password); err != nil {
		conn.Close()
		return fmt.Errorf("%w: 发送认证失败: %v", types.ErrTransport, err)
	}

	headers, err = readHeaders(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: 读取认证响应失败: %v", types.ErrTransport, err)
	}
	if !strings.Contains(headers["Reply-Text"], "+OK accepted") {
		conn.Close()
		return fmt.Errorf("%w: 认证失败: %s", types.ErrTransport, headers["Reply-Text"])
	}

	// 订阅事件
	cmd := "event plain " + strings.Join(subscribedEvents, " ")
	if _, err := fmt.Fprintf(conn, "%s\n\n", cmd); err != nil {
		conn.Close()
		return fmt.Errorf("%w: 订阅事件失败: %v", types.ErrTransport, err)
	}
	headers, err = readHeaders(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: 读取订阅响应失败: %v", types.ErrTransport, err)
	}
	if !strings.Contains(headers["Reply-Text"], "+OK") {
		conn.Close()
		return fmt.Errorf("%w: 订阅失败: %s", types.ErrTransport, headers["Reply-Text"])
	}

	_ = conn.SetDeadline(time.Time{})

	c.conn = conn
	c.reader = reader
	c.connected = true
	c.connLost = make(chan struct{})

	go c.readLoop(conn, reader, c.connLost)
	go c.heartbeatLoop(c.connLost)

	c.log.Info().Str("addr", addr).Msg("ESL连接已建立")
	return nil
}

// Run 维持连接：断开后按退避策略无限重连并重新订阅。
// 断开期间发出降级通知，会话由上层保留而非销毁。
func (c *Client) Run(ctx context.Context) {
	for {
		c.mu.Lock()
		lost := c.connLost
		connected := c.connected
		c.mu.Unlock()

		if !connected {
			if err := c.Connect(ctx); err != nil {
				c.log.Error().Err(err).Msg("建立ESL连接失败")
			}
			c.mu.Lock()
			lost = c.connLost
			connected = c.connected
			c.mu.Unlock()
		}

		if !connected {
			// 初次连接失败，按退避重试
			if !c.waitReconnect(ctx) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-lost:
			if c.closing.Load() {
				return
			}
			c.notify(NoticeDisconnected)
			if !c.waitReconnect(ctx) {
				return
			}
			c.notify(NoticeReconnected)
		}
	}
}

// waitReconnect 按退避策略重连直到成功，ctx取消时返回false
func (c *Client) waitReconnect(ctx context.Context) bool {
	backoff := utils.NewBackoff(c.config.Reconnect)
	for {
		d, _ := backoff.Next()
		c.log.Warn().Dur("wait", d).Int("attempt", backoff.Attempt()).Msg("等待重连")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
		}

		if err := c.Connect(ctx); err != nil {
			c.log.Error().Err(err).Msg("重连失败")
			continue
		}
		c.log.Info().Msg("重连并重新订阅成功")
		return true
	}
}

// notify 发出连接状态通知，通道满时丢弃
func (c *Client) notify(kind NoticeKind) {
	select {
	case c.notices <- Notice{Kind: kind, Time: time.Now()}:
	default:
	}
}

// Close 关闭连接
func (c *Client) Close() error {
	c.closing.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// markLost 标记连接丢失并唤醒重连循环，等待中的后台任务全部落空
func (c *Client) markLost(lost chan struct{}) {
	c.mu.Lock()
	if c.connLost == lost && c.connected {
		c.connected = false
		c.conn.Close()
		for id, ch := range c.jobs {
			delete(c.jobs, id)
			close(ch)
		}
		close(lost)
	}
	c.mu.Unlock()
}

// readLoop 读取ESL入站消息：命令应答交给等待方，事件投递到事件通道
func (c *Client) readLoop(conn net.Conn, reader *bufio.Reader, lost chan struct{}) {
	for {
		msg, err := readMessage(reader)
		if err != nil {
			if !c.closing.Load() {
				c.log.Error().Err(err).Msg("读取ESL消息失败")
			}
			c.markLost(lost)
			return
		}

		switch msg.Headers["Content-Type"] {
		case "command/reply", "api/response":
			c.deliverReply(msg)
		case "text/event-plain":
			ev := parseEvent(msg)
			if ev == nil {
				continue
			}
			if ev.Name == "BACKGROUND_JOB" {
				c.deliverJob(ev)
				continue
			}
			select {
			case c.events <- ev:
			default:
				c.log.Warn().Str("event", ev.Name).Msg("事件通道已满，丢弃事件")
			}
		case "text/disconnect-notice":
			c.log.Warn().Msg("收到断开通知")
			c.markLost(lost)
			return
		}
	}
}

// deliverReply 将命令应答交给等待中的调用方
func (c *Client) deliverReply(msg *rawMessage) {
	c.mu.Lock()
	using := c.pending
	c.mu.Unlock()
	if using == nil {
		return
	}
	reply := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		reply[k] = v
	}
	if len(msg.Body) > 0 {
		reply["Body"] = string(msg.Body)
	}
	select {
	case using <- reply:
	default:
	}
}

// deliverJob 把BACKGROUND_JOB结果交给对应的等待方
func (c *Client) deliverJob(ev *Event) {
	jobID := ev.Get("Job-UUID")
	c.mu.Lock()
	ch, ok := c.jobs[jobID]
	if ok {
		delete(c.jobs, jobID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- strings.TrimSpace(string(ev.Body))
}

// heartbeatLoop 周期性发送心跳命令，超时视为连接静默失败
func (c *Client) heartbeatLoop(lost chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lost:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.CommandTimeout)
			_, err := c.SendCommand(ctx, "status")
			cancel()
			if err != nil {
				c.log.Warn().Err(err).Msg("心跳失败，标记连接断开")
				c.markLost(lost)
				return
			}
		}
	}
}

// SendCommand 发送api命令并等待应答，超时返回ErrCommandTimeout。
// 等待窗口默认为CommandTimeout，上下文带截止时间时以截止时间为准，排队等待计入窗口。
func (c *Client) SendCommand(ctx context.Context, command string) (string, error) {
	window := c.config.CommandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		window = time.Until(deadline)
	}
	deadline := time.Now().Add(window)

	if err := c.acquireCmd(ctx, window, firstWord(command)); err != nil {
		return "", err
	}
	defer c.releaseCmd()

	reply, err := c.roundTrip(ctx, "api "+command, time.Until(deadline), firstWord(command))
	if err != nil {
		return "", err
	}
	if body, ok := reply["Body"]; ok {
		return strings.TrimSpace(body), nil
	}
	return strings.TrimSpace(reply["Reply-Text"]), nil
}

// acquireCmd 抢占命令通道，等待不超过window
func (c *Client) acquireCmd(ctx context.Context, window time.Duration, label string) error {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case c.cmdSem <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s 等待命令通道超时", types.ErrCommandTimeout, label)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) releaseCmd() { <-c.cmdSem }

// roundTrip 写入一条命令并等待配对的应答，调用方必须已持有命令通道
func (c *Client) roundTrip(ctx context.Context, line string, window time.Duration, label string) (map[string]string, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, types.ErrConnectionLost
	}
	conn := c.conn
	pending := make(chan map[string]string, 1)
	c.pending = pending
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if _, err := fmt.Fprintf(conn, "%s\n\n", line); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConnectionLost, err)
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case reply := <-pending:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", types.ErrCommandTimeout, label)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Answer 应答呼叫腿
func (c *Client) Answer(ctx context.Context, legID string) error {
	return c.simpleCommand(ctx, fmt.Sprintf("uuid_answer %s", legID))
}

// Playback 在呼叫腿上播放音频
func (c *Client) Playback(ctx context.Context, legID, audioRef string) error {
	return c.simpleCommand(ctx, fmt.Sprintf("uuid_broadcast %s %s aleg", legID, audioRef))
}

// StopPlayback 停止并清空当前播放
func (c *Client) StopPlayback(ctx context.Context, legID string) error {
	return c.simpleCommand(ctx, fmt.Sprintf("uuid_break %s all", legID))
}

// Hangup 挂断呼叫腿
func (c *Client) Hangup(ctx context.Context, legID string) error {
	return c.simpleCommand(ctx, fmt.Sprintf("uuid_kill %s NORMAL_CLEARING", legID))
}

// Originate 通过网关向号码发起外呼，新呼叫腿应答后进入park等待接管。
// 以bgapi提交，对端振铃期间不占用命令通道，其他腿的控制命令照常下发。
func (c *Client) Originate(ctx context.Context, gw *models.Gateway, number, scenarioID string, timeout time.Duration) (string, error) {
	legID := uuid.New().String()
	vars := fmt.Sprintf(
		"{origination_uuid=%s,ignore_early_media=true,ai_scenario=%s,originate_timeout=%d}",
		legID, scenarioID, int(timeout.Seconds()),
	)
	cmd := fmt.Sprintf("originate %ssofia/gateway/%s/%s &park()", vars, gw.GatewayID, number)

	jobID, result, err := c.submitJob(ctx, cmd)
	if err != nil {
		return "", err
	}
	defer c.dropJob(jobID)

	// 等待窗口覆盖对端振铃时长
	timer := time.NewTimer(timeout + 5*time.Second)
	defer timer.Stop()

	select {
	case body, ok := <-result:
		if !ok {
			return "", types.ErrConnectionLost
		}
		if !strings.HasPrefix(body, "+OK") {
			return "", fmt.Errorf("%w: originate失败: %s", types.ErrBackendError, body)
		}
		return legID, nil
	case <-timer.C:
		return "", fmt.Errorf("%w: originate", types.ErrCommandTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// submitJob 以bgapi提交长命令，返回任务号和接收结果的通道
func (c *Client) submitJob(ctx context.Context, command string) (string, chan string, error) {
	label := firstWord(command)
	if err := c.acquireCmd(ctx, c.config.CommandTimeout, label); err != nil {
		return "", nil, err
	}
	defer c.releaseCmd()

	reply, err := c.roundTrip(ctx, "bgapi "+command, c.config.CommandTimeout, label)
	if err != nil {
		return "", nil, err
	}
	jobID := reply["Job-UUID"]
	if jobID == "" {
		// 部分版本只在Reply-Text里携带任务号
		if idx := strings.Index(reply["Reply-Text"], "Job-UUID: "); idx != -1 {
			jobID = strings.TrimSpace(reply["Reply-Text"][idx+len("Job-UUID: "):])
		}
	}
	if jobID == "" {
		return "", nil, fmt.Errorf("%w: bgapi应答缺少Job-UUID: %s", types.ErrBackendError, reply["Reply-Text"])
	}

	ch := make(chan string, 1)
	c.mu.Lock()
	c.jobs[jobID] = ch
	c.mu.Unlock()
	return jobID, ch, nil
}

// dropJob 放弃等待后台任务结果
func (c *Client) dropJob(jobID string) {
	c.mu.Lock()
	delete(c.jobs, jobID)
	c.mu.Unlock()
}

// simpleCommand 执行期望+OK应答的命令
func (c *Client) simpleCommand(ctx context.Context, command string) error {
	resp, err := c.SendCommand(ctx, command)
	if err != nil {
		return err
	}
	if strings.HasPrefix(resp, "-ERR") {
		return fmt.Errorf("%w: %s: %s", types.ErrBackendError, firstWord(command), resp)
	}
	return nil
}

// rawMessage 一条完整的ESL入站消息
type rawMessage struct {
	Headers map[string]string
	Body    []byte
}

// readHeaders 读取ESL头部，直到空行
func readHeaders(reader *bufio.Reader) (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if idx := strings.Index(line, ": "); idx != -1 {
			headers[line[:idx]] = line[idx+2:]
		}
	}
	return headers, nil
}

// readMessage 读取一条完整消息（头部和可选消息体）
func readMessage(reader *bufio.Reader) (*rawMessage, error) {
	headers, err := readHeaders(reader)
	if err != nil {
		return nil, err
	}

	msg := &rawMessage{Headers: headers}
	if lenStr, ok := headers["Content-Length"]; ok {
		contentLength, err := strconv.Atoi(strings.TrimSpace(lenStr))
		if err != nil || contentLength <= 0 {
			return msg, nil
		}
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil, err
		}
		msg.Body = body
	}
	return msg, nil
}

// parseEvent 将event-plain消息体解析为事件。事件自身的头部块以空行结束，
// 之后是事件级Content-Length界定的载荷，Body只保留载荷部分。
func parseEvent(msg *rawMessage) *Event {
	headerPart := msg.Body
	var body []byte
	if idx := bytes.Index(msg.Body, []byte("\n\n")); idx != -1 {
		headerPart = msg.Body[:idx]
		body = msg.Body[idx+2:]
	}

	headers := make(map[string]string)
	for _, line := range strings.Split(string(headerPart), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.Index(line, ": "); idx != -1 {
			headers[line[:idx]] = line[idx+2:]
		}
	}

	if lenStr, ok := headers["Content-Length"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(lenStr)); err == nil && n >= 0 && n <= len(body) {
			body = body[:n]
		}
	}

	name := headers["Event-Name"]
	if name == "" {
		return nil
	}
	return &Event{Name: name, Headers: headers, Body: body}
}

// firstWord 返回命令的首个单词，用于日志和错误信息
func firstWord(s string) string {
	if idx := strings.IndexByte(s, ' '); idx > 0 {
		return s[:idx]
	}
	return s
}
