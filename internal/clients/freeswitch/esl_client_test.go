package freeswitch

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/logger"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

var testGateway = models.Gateway{GatewayID: "gw1", Profile: "external", MaxChannels: 10}

// mockESL 模拟FreeSWITCH的ESL服务端
type mockESL struct {
	ln       net.Listener
	password string
	// handle 在握手完成后接管连接
	handle func(conn net.Conn, reader *bufio.Reader)
}

func newMockESL(t *testing.T, handle func(conn net.Conn, reader *bufio.Reader)) *mockESL {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := &mockESL{ln: ln, password: "ClueCon", handle: handle}
	go m.serve()
	t.Cleanup(func() { ln.Close() })
	return m
}

func (m *mockESL) serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.session(conn)
	}
}

// session 执行认证握手和事件订阅应答
func (m *mockESL) session(conn net.Conn) {
	reader := bufio.NewReader(conn)

	fmt.Fprintf(conn, "Content-Type: auth/request\n\n")

	req := readRequest(reader)
	if req != "auth "+m.password {
		fmt.Fprintf(conn, "Content-Type: command/reply\nReply-Text: -ERR invalid\n\n")
		conn.Close()
		return
	}
	fmt.Fprintf(conn, "Content-Type: command/reply\nReply-Text: +OK accepted\n\n")

	req = readRequest(reader)
	if !strings.HasPrefix(req, "event plain") {
		conn.Close()
		return
	}
	fmt.Fprintf(conn, "Content-Type: command/reply\nReply-Text: +OK event listener enabled\n\n")

	if m.handle != nil {
		m.handle(conn, reader)
	}
}

// readRequest 读取客户端的一条命令（以空行结束）
func readRequest(reader *bufio.Reader) string {
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return ""
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// replyAPI 以api/response消息体应答
func replyAPI(conn net.Conn, body string) {
	fmt.Fprintf(conn, "Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body)
}

// pushEvent 推送一条plain格式事件
func pushEvent(conn net.Conn, headers map[string]string) {
	var b strings.Builder
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	body := b.String()
	fmt.Fprintf(conn, "Content-Type: text/event-plain\nContent-Length: %d\n\n%s", len(body), body)
}

// replyJob 以command/reply应答bgapi提交
func replyJob(conn net.Conn, jobID string) {
	fmt.Fprintf(conn, "Content-Type: command/reply\nReply-Text: +OK Job-UUID: %s\nJob-UUID: %s\n\n", jobID, jobID)
}

// pushJobResult 推送一条BACKGROUND_JOB结果事件
func pushJobResult(conn net.Conn, jobID, result string) {
	inner := fmt.Sprintf("Event-Name: BACKGROUND_JOB\nJob-UUID: %s\nContent-Length: %d\n\n%s",
		jobID, len(result), result)
	fmt.Fprintf(conn, "Content-Type: text/event-plain\nContent-Length: %d\n\n%s", len(inner), inner)
}

func testConfig(addr string) config.FreeSWITCHConfig {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return config.FreeSWITCHConfig{
		InstanceID:        "test",
		Host:              host,
		Port:              port,
		Password:          "ClueCon",
		ConnectTimeout:    2 * time.Second,
		CommandTimeout:    200 * time.Millisecond,
		HeartbeatInterval: time.Minute,
		Reconnect: config.BackoffConfig{
			Base:       10 * time.Millisecond,
			Multiplier: 2.0,
			Cap:        50 * time.Millisecond,
		},
	}
}

func TestConnectAndAuth(t *testing.T) {
	m := newMockESL(t, func(conn net.Conn, reader *bufio.Reader) {
		select {}
	})

	c := NewClient(testConfig(m.ln.Addr().String()), logger.Nop())
	err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, c.IsConnected())
	c.Close()
}

func TestConnectBadPassword(t *testing.T) {
	m := newMockESL(t, nil)

	cfg := testConfig(m.ln.Addr().String())
	cfg.Password = "wrong"
	c := NewClient(cfg, logger.Nop())
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransport)
}

func TestSendCommand(t *testing.T) {
	m := newMockESL(t, func(conn net.Conn, reader *bufio.Reader) {
		req := readRequest(reader)
		if strings.HasPrefix(req, "api status") {
			replyAPI(conn, "UP 0 years, 0 days")
		}
		select {}
	})

	c := NewClient(testConfig(m.ln.Addr().String()), logger.Nop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	resp, err := c.SendCommand(context.Background(), "status")
	require.NoError(t, err)
	assert.Contains(t, resp, "UP")
}

func TestCommandTimeout(t *testing.T) {
	m := newMockESL(t, func(conn net.Conn, reader *bufio.Reader) {
		// 读取命令但不应答
		readRequest(reader)
		select {}
	})

	c := NewClient(testConfig(m.ln.Addr().String()), logger.Nop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	_, err := c.SendCommand(context.Background(), "status")
	assert.ErrorIs(t, err, types.ErrCommandTimeout)
}

func TestEventDispatch(t *testing.T) {
	m := newMockESL(t, func(conn net.Conn, reader *bufio.Reader) {
		pushEvent(conn, map[string]string{
			"Event-Name":           "CHANNEL_ANSWER",
			"Unique-ID":            "leg-123",
			"Caller-Caller-ID-Number": "13800138000",
		})
		select {}
	})

	c := NewClient(testConfig(m.ln.Addr().String()), logger.Nop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	select {
	case ev := <-c.Events():
		assert.Equal(t, "CHANNEL_ANSWER", ev.Name)
		assert.Equal(t, "leg-123", ev.UUID())
		assert.Equal(t, "13800138000", ev.Get("Caller-Caller-ID-Number"))
	case <-time.After(time.Second):
		t.Fatal("未收到事件")
	}
}

func TestOriginate(t *testing.T) {
	var gotCmd string
	m := newMockESL(t, func(conn net.Conn, reader *bufio.Reader) {
		gotCmd = readRequest(reader)
		replyJob(conn, "job-1")
		pushJobResult(conn, "job-1", "+OK accepted")
		select {}
	})

	c := NewClient(testConfig(m.ln.Addr().String()), logger.Nop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	gw := &testGateway
	legID, err := c.Originate(context.Background(), gw, "13900000001", "default", 30*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, legID)
	assert.True(t, strings.HasPrefix(gotCmd, "bgapi originate "), gotCmd)
	assert.Contains(t, gotCmd, "origination_uuid="+legID)
	assert.Contains(t, gotCmd, "sofia/gateway/gw1/13900000001")
	assert.Contains(t, gotCmd, "ai_scenario=default")
}

func TestOriginateRejected(t *testing.T) {
	m := newMockESL(t, func(conn net.Conn, reader *bufio.Reader) {
		readRequest(reader)
		replyJob(conn, "job-2")
		pushJobResult(conn, "job-2", "-ERR GATEWAY_DOWN")
		select {}
	})

	c := NewClient(testConfig(m.ln.Addr().String()), logger.Nop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	_, err := c.Originate(context.Background(), &testGateway, "13900000001", "default", time.Second)
	assert.ErrorIs(t, err, types.ErrBackendError)
}

func TestOriginateDoesNotBlockCommands(t *testing.T) {
	m := newMockESL(t, func(conn net.Conn, reader *bufio.Reader) {
		for {
			req := readRequest(reader)
			switch {
			case strings.HasPrefix(req, "bgapi originate"):
				replyJob(conn, "job-slow")
				go func() {
					time.Sleep(300 * time.Millisecond)
					pushJobResult(conn, "job-slow", "+OK accepted")
				}()
			case strings.HasPrefix(req, "api uuid_break"):
				replyAPI(conn, "+OK")
			case req == "":
				return
			}
		}
	})

	c := NewClient(testConfig(m.ln.Addr().String()), logger.Nop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	origDone := make(chan error, 1)
	go func() {
		_, err := c.Originate(context.Background(), &testGateway, "13900000002", "default", time.Second)
		origDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// 外呼在对端振铃期间，其他腿的控制命令不得排队等它
	start := time.Now()
	require.NoError(t, c.StopPlayback(context.Background(), "leg-other"))
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	select {
	case err := <-origDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("外呼未返回")
	}
}

func TestParseEventBodyFraming(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x7f, 0x80}
	raw := fmt.Sprintf("Event-Name: CUSTOM\nEvent-Subclass: ai::media\nUnique-ID: leg-9\nContent-Length: %d\n\n%s",
		len(payload), payload)

	ev := parseEvent(&rawMessage{Body: []byte(raw)})
	require.NotNil(t, ev)
	assert.Equal(t, "CUSTOM", ev.Name)
	assert.Equal(t, "ai::media", ev.Get("Event-Subclass"))
	// Body只含载荷，不得夹带事件头部
	assert.Equal(t, payload, ev.Body)

	ev = parseEvent(&rawMessage{Body: []byte("Event-Name: CHANNEL_ANSWER\nUnique-ID: leg-1\n")})
	require.NotNil(t, ev)
	assert.Empty(t, ev.Body)
}

func TestMediaEventPayload(t *testing.T) {
	payload := []byte{0x10, 0x20, 0x30, 0x40}
	m := newMockESL(t, func(conn net.Conn, reader *bufio.Reader) {
		inner := fmt.Sprintf("Event-Name: CUSTOM\nEvent-Subclass: ai::media\nUnique-ID: leg-9\nContent-Length: %d\n\n%s",
			len(payload), payload)
		fmt.Fprintf(conn, "Content-Type: text/event-plain\nContent-Length: %d\n\n%s", len(inner), inner)
		select {}
	})

	c := NewClient(testConfig(m.ln.Addr().String()), logger.Nop())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	select {
	case ev := <-c.Events():
		assert.Equal(t, "leg-9", ev.UUID())
		assert.Equal(t, payload, ev.Body)
	case <-time.After(time.Second):
		t.Fatal("未收到媒体事件")
	}
}

func TestReconnect(t *testing.T) {
	kill := make(chan struct{})
	var sessions atomic.Int32
	m := newMockESL(t, func(conn net.Conn, reader *bufio.Reader) {
		if sessions.Add(1) == 1 {
			// 第一个连接等待被杀，后续连接保持存活
			<-kill
			conn.Close()
			return
		}
		select {}
	})

	c := NewClient(testConfig(m.ln.Addr().String()), logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	// 等待首次连接建立
	require.Eventually(t, c.IsConnected, time.Second, 10*time.Millisecond)

	// 模拟连接断开
	close(kill)

	select {
	case n := <-c.Notices():
		assert.Equal(t, NoticeDisconnected, n.Kind)
	case <-time.After(time.Second):
		t.Fatal("未收到断开通知")
	}

	// 客户端应自动重连并重新订阅
	select {
	case n := <-c.Notices():
		assert.Equal(t, NoticeReconnected, n.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到重连通知")
	}
	assert.True(t, c.IsConnected())
}
