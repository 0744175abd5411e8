package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// 通话结束原因
const (
	EndReasonHangup      = "hangup"
	EndReasonGoodbye     = "goodbye"
	EndReasonTimeout     = "timeout"
	EndReasonMaxTurns    = "max_turns"
	EndReasonUnavailable = "unavailable"
	EndReasonFatal       = "fatal"
)

// SessionParams 创建呼叫会话所需的依赖
type SessionParams struct {
	ID           string
	CallerNumber string
	Direction    types.CallDirection
	Scenario     *models.Scenario
	Config       config.SessionConfig

	Sender   models.CommandSender
	ASR      models.ASRClient
	LLM      models.LLMClient
	TTS      models.TTSClient
	Sessions models.SessionStore
	Records  models.CallRecordStore

	// OnEnd 会话终止后的回调，用于从注册表摘除
	OnEnd func(sessionID, reason string)
	Log   zerolog.Logger
}

// CallSession 一通呼叫的会话状态机。全部状态迁移由单消费者事件循环串行执行，
// 事件按到达顺序处理；打断和挂断通过原子标志抢占在途的后端结果。
type CallSession struct {
	id           string
	callerNumber string
	direction    types.CallDirection
	scenario     *models.Scenario
	cfg          config.SessionConfig
	log          zerolog.Logger

	sender   models.CommandSender
	asr      models.ASRClient
	llm      models.LLMClient
	tts      models.TTSClient
	sessions models.SessionStore
	records  models.CallRecordStore
	onEnd    func(sessionID, reason string)

	events chan types.SessionEvent
	done   chan struct{}

	// 跨协程标志：挂断永远优先，打断使在途的播放完成失效
	gen         atomic.Uint64
	hangupFlag  atomic.Bool
	interrupted atomic.Bool

	pipeline atomic.Pointer[AudioPipeline]
	stream   models.ASRStream

	// obsMu 保护控制面可观测的字段：状态、轮次、转录
	obsMu sync.RWMutex

	// 以下字段仅由事件循环协程修改
	state        types.SessionState
	turn         int
	turnErrs     int // 当前轮内的降级回复次数
	totalErrs    int // 会话累计错误数，决定降级回复的选取
	staleStops   int // 打断后交换机还会补发的播放停止事件数
	closing      bool
	endReason    string
	durationSecs int
	degraded     bool
	startTime    time.Time
	answeredAt   time.Time
	lastActive   time.Time
	history      []models.Message
	transcript   []types.TranscriptEntry
	graceTimer   *time.Timer
}

// NewCallSession 创建呼叫会话，状态为idle，由Run驱动
func NewCallSession(p SessionParams) *CallSession {
	s := &CallSession{
		id:           p.ID,
		callerNumber: p.CallerNumber,
		direction:    p.Direction,
		scenario:     p.Scenario,
		cfg:          p.Config,
		log:          p.Log.With().Str("component", "session").Str("session_id", p.ID).Logger(),
		sender:       p.Sender,
		asr:          p.ASR,
		llm:          p.LLM,
		tts:          p.TTS,
		sessions:     p.Sessions,
		records:      p.Records,
		onEnd:        p.OnEnd,
		events:       make(chan types.SessionEvent, p.Config.EventQueueSize),
		done:         make(chan struct{}),
		state:        types.StateIdle,
		endReason:    EndReasonGoodbye,
		startTime:    time.Now(),
		lastActive:   time.Now(),
	}
	s.gen.Store(1)
	return s
}

// ID 返回会话ID（即呼叫腿UUID）
func (s *CallSession) ID() string { return s.id }

// Done 会话结束时关闭
func (s *CallSession) Done() <-chan struct{} { return s.done }

// EndReason 会话结束原因，仅在Done关闭后读取有效
func (s *CallSession) EndReason() string { return s.endReason }

// Answered 呼叫是否曾被应答，仅在Done关闭后读取有效
func (s *CallSession) Answered() bool { return !s.answeredAt.IsZero() }

// Duration 应答后的通话秒数，仅在Done关闭后读取有效
func (s *CallSession) Duration() int { return s.durationSecs }

// lastActivity 最近一次事件的时间
func (s *CallSession) lastActivity() time.Time {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	return s.lastActive
}

// State 返回当前状态，仅供观测，与事件循环并发时可能滞后一拍
func (s *CallSession) State() types.SessionState {
	if s.hangupFlag.Load() {
		return types.StateEnded
	}
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	return s.state
}

// Deliver 投递一个事件。队列满时普通事件丢弃并告警，挂断事件挤掉最旧的事件，
// 保证挂断永远可达。
func (s *CallSession) Deliver(ev types.SessionEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Kind == types.EventHangup {
		s.hangupFlag.Store(true)
	}

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.events <- ev:
		return
	default:
	}

	if ev.Kind != types.EventHangup {
		s.log.Warn().Str("event", ev.Kind.String()).Msg("事件队列已满，丢弃事件")
		return
	}
	for {
		select {
		case s.events <- ev:
			return
		case <-s.events:
		}
	}
}

// BargeIn 由音频管道在播放期间同步调用。先递增代数使在途的播放完成失效，
// 再投递打断事件，保证打断先于同一次播放的完成被处理。
func (s *CallSession) BargeIn() {
	s.interrupted.Store(true)
	gen := s.gen.Add(1)
	s.Deliver(types.SessionEvent{Kind: types.EventBargeIn, Gen: gen})
}

// PushAudio 写入一帧来自交换机的PCM音频
func (s *CallSession) PushAudio(frame []byte) {
	if p := s.pipeline.Load(); p != nil {
		p.Push(frame)
	}
}

// RequestHangup 控制面请求挂断
func (s *CallSession) RequestHangup() {
	s.Deliver(types.SessionEvent{Kind: types.EventHangup, Cause: "api_request"})
}

// Run 会话事件循环，唯一的状态迁移执行者。返回时会话已终止并清理完毕。
func (s *CallSession) Run(ctx context.Context) {
	timeoutDur := time.Duration(s.scenario.TimeoutSeconds) * time.Second
	timeout := time.NewTimer(timeoutDur)
	defer timeout.Stop()

	s.graceTimer = time.NewTimer(time.Hour)
	stopTimer(s.graceTimer)
	defer s.graceTimer.Stop()

	defer s.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.finish(ctx, EndReasonHangup)
			return
		case <-timeout.C:
			// 超时按最近一次事件起算，活跃会话重新计时
			if idle := time.Since(s.lastActivity()); idle < timeoutDur {
				timeout.Reset(timeoutDur - idle)
				continue
			}
			s.log.Info().Int("turn", s.turn).Msg("会话空闲超时")
			s.sayGoodbye(ctx, EndReasonTimeout)
		case <-s.graceTimer.C:
			if s.state == types.StateWaitingUser {
				s.setState(ctx, types.StateASRListening)
			}
		case ev := <-s.events:
			// 挂断优先于队列中的其他事件
			if s.hangupFlag.Load() && ev.Kind != types.EventHangup {
				continue
			}
			if s.handleEvent(ctx, ev) {
				return
			}
		}
		if s.state.Terminal() {
			return
		}
	}
}

// handleEvent 处理单个事件，返回true表示会话结束
func (s *CallSession) handleEvent(ctx context.Context, ev types.SessionEvent) bool {
	s.obsMu.Lock()
	s.lastActive = ev.Time
	s.obsMu.Unlock()

	switch ev.Kind {
	case types.EventHangup:
		s.log.Info().Str("cause", ev.Cause).Int("turn", s.turn).Msg("呼叫已挂断")
		s.finish(ctx, EndReasonHangup)
		return true

	case types.EventAnswered:
		s.onAnswered(ctx)

	case types.EventPlaybackDone:
		s.onPlaybackDone(ctx, ev)

	case types.EventBargeIn:
		s.onBargeIn(ctx)

	case types.EventTranscript:
		s.onTranscript(ctx, ev)

	case types.EventLLMResult:
		s.onLLMResult(ctx, ev)

	case types.EventTTSResult:
		s.onTTSResult(ctx, ev)

	case types.EventDegraded:
		s.degraded = true
		s.log.Warn().Msg("交换机连接断开，会话降级")

	case types.EventRecovered:
		if s.degraded {
			s.degraded = false
			s.log.Info().Msg("交换机连接恢复")
		}
	}
	return s.state.Terminal()
}

// onAnswered 应答后建立识别流和音频管道，播放欢迎语
func (s *CallSession) onAnswered(ctx context.Context) {
	if s.state != types.StateIdle {
		return
	}

	rec := &models.CallRecord{
		SessionID:    s.id,
		CallerNumber: s.callerNumber,
		StartTime:    s.startTime,
		Status:       "active",
	}
	if err := s.records.CreateCallRecord(ctx, rec); err != nil {
		s.log.Error().Err(err).Msg("写入通话记录失败")
	}
	s.answeredAt = time.Now()

	stream, err := s.asr.StartStream(ctx, s.id,
		func(text string, isFinal bool) error {
			s.Deliver(types.SessionEvent{Kind: types.EventTranscript, Text: text, IsFinal: isFinal})
			return nil
		},
		func(err error) {
			s.Deliver(types.SessionEvent{Kind: types.EventTranscript, Err: err})
		})
	if err != nil {
		s.log.Error().Err(err).Msg("建立识别流失败")
		s.reportFailure(ctx, "asr", err)
		return
	}
	s.stream = stream
	pipeline := NewAudioPipeline(s.id, s.cfg, stream, s.BargeIn, s.log)
	s.pipeline.Store(pipeline)
	go pipeline.Run(ctx)

	s.log.Info().Str("scenario", s.scenario.ScenarioID).Str("caller", s.callerNumber).Msg("呼叫已应答")
	s.speak(ctx, s.scenario.WelcomeMessage)
}

// onPlaybackDone 播放完成。过期代数的完成事件直接丢弃；打断后交换机补发的
// 停止事件按计数吞掉，避免误结束下一次播放；打断标志已置位时说明队列里
// 还有更早发生的打断，完成事件让位于它。
func (s *CallSession) onPlaybackDone(ctx context.Context, ev types.SessionEvent) {
	if ev.Gen != 0 && ev.Gen != s.gen.Load() {
		s.log.Debug().Uint64("gen", ev.Gen).Msg("丢弃过期的播放完成事件")
		return
	}
	if ev.Gen == 0 && s.staleStops > 0 {
		s.staleStops--
		s.log.Debug().Int("remaining", s.staleStops).Msg("丢弃打断后补发的播放停止事件")
		return
	}
	if s.interrupted.Load() {
		s.log.Debug().Msg("播放完成让位于在途的打断")
		return
	}
	if s.state != types.StateTTSPlaying {
		return
	}

	if p := s.pipeline.Load(); p != nil {
		p.SetPlaying(false)
	}
	if s.closing {
		s.hangupLeg(ctx)
		s.finish(ctx, s.endReason)
		return
	}

	s.setState(ctx, types.StateWaitingUser)
	resetTimer(s.graceTimer, s.cfg.WaitUserGrace)
}

// onBargeIn 用户打断：停止播放并立即转入监听
func (s *CallSession) onBargeIn(ctx context.Context) {
	s.interrupted.Store(false)
	if s.state != types.StateTTSPlaying {
		return
	}
	s.log.Info().Int("turn", s.turn).Msg("用户打断播放")

	if p := s.pipeline.Load(); p != nil {
		p.SetPlaying(false)
	}
	// 被打断的播放稍后仍会产生一次停止事件
	s.staleStops++
	if err := s.sender.StopPlayback(ctx, s.id); err != nil {
		s.log.Warn().Err(err).Msg("停止播放失败")
	}
	if s.closing {
		// 结束语也允许被打断，直接挂断
		s.hangupLeg(ctx)
		s.finish(ctx, s.endReason)
		return
	}
	s.setState(ctx, types.StateASRListening)
}

// onTranscript 识别结果：最终结果推进对话轮次，部分结果仅刷新活跃时间
func (s *CallSession) onTranscript(ctx context.Context, ev types.SessionEvent) {
	if ev.Err != nil {
		s.reportFailure(ctx, "asr", ev.Err)
		return
	}
	if !ev.IsFinal || ev.Text == "" {
		return
	}
	if s.state != types.StateASRListening && s.state != types.StateWaitingUser {
		return
	}
	if s.closing {
		return
	}

	stopTimer(s.graceTimer)
	s.turnErrs = 0
	s.appendTranscript("user", ev.Text)
	s.history = append(s.history, models.Message{Role: "user", Content: ev.Text})
	s.log.Info().Int("turn", s.turn).Str("text", ev.Text).Msg("用户发言")

	s.setState(ctx, types.StateLLMProcessing)
	go s.invokeLLM(ctx, s.gen.Load())
}

// onLLMResult 大模型回复：成功计入一轮并进入合成，失败走降级不占轮次
func (s *CallSession) onLLMResult(ctx context.Context, ev types.SessionEvent) {
	if ev.Gen != s.gen.Load() || s.state != types.StateLLMProcessing {
		return
	}
	if ev.Err != nil {
		s.reportFailure(ctx, "llm", ev.Err)
		return
	}

	s.obsMu.Lock()
	s.turn++
	turn := s.turn
	s.obsMu.Unlock()

	if turn >= s.scenario.MaxTurns {
		s.log.Info().Int("turn", turn).Msg("达到最大对话轮数")
		s.sayGoodbye(ctx, EndReasonMaxTurns)
		return
	}

	s.history = append(s.history, models.Message{Role: "assistant", Content: ev.Text})
	s.speak(ctx, ev.Text)
}

// onTTSResult 合成结果：成功则播放，失败走降级
func (s *CallSession) onTTSResult(ctx context.Context, ev types.SessionEvent) {
	if ev.Gen != s.gen.Load() || s.state != types.StateLLMProcessing {
		return
	}
	if ev.Err != nil {
		s.reportFailure(ctx, "tts", ev.Err)
		return
	}
	s.play(ctx, ev.AudioRef)
}

// speak 异步合成文本，结果以TTSResult事件回到循环
func (s *CallSession) speak(ctx context.Context, text string) {
	s.appendTranscript("assistant", text)
	s.setState(ctx, types.StateLLMProcessing)
	go s.invokeTTS(ctx, s.gen.Load(), text)
}

// play 下发播放命令并进入播放态，开启新的播放代数
func (s *CallSession) play(ctx context.Context, audioRef string) {
	s.gen.Add(1)
	s.interrupted.Store(false)
	p := s.pipeline.Load()
	if p != nil {
		p.SetPlaying(true)
	}
	if err := s.sender.Playback(ctx, s.id, audioRef); err != nil {
		if p != nil {
			p.SetPlaying(false)
		}
		s.reportFailure(ctx, "freeswitch", err)
		return
	}
	s.setState(ctx, types.StateTTSPlaying)
}

// invokeLLM 在独立协程中调用大模型，带透明重试
func (s *CallSession) invokeLLM(ctx context.Context, gen uint64) {
	var text string
	err := s.withRetry(func() error {
		var callErr error
		text, callErr = s.llm.Complete(ctx, s.scenario.SystemPrompt, s.history)
		return callErr
	})
	s.Deliver(types.SessionEvent{Kind: types.EventLLMResult, Gen: gen, Text: text, Err: err})
}

// invokeTTS 在独立协程中调用语音合成，带透明重试
func (s *CallSession) invokeTTS(ctx context.Context, gen uint64, text string) {
	var audioRef string
	err := s.withRetry(func() error {
		var callErr error
		audioRef, callErr = s.tts.Synthesize(ctx, text)
		return callErr
	})
	s.Deliver(types.SessionEvent{Kind: types.EventTTSResult, Gen: gen, AudioRef: audioRef, Err: err})
}

// withRetry 后端调用的透明重试，挂断后立即放弃
func (s *CallSession) withRetry(call func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.BackendRetries; attempt++ {
		if s.hangupFlag.Load() {
			return types.ErrConnectionLost
		}
		if err = call(); err == nil {
			return nil
		}
	}
	return err
}

// reportFailure 后端失败处理：记失败计数，轮内预算未耗尽则播放降级回复，
// 否则播放不可用提示并结束
func (s *CallSession) reportFailure(ctx context.Context, service string, err error) {
	s.log.Warn().Err(err).Str("service", service).Int("turn", s.turn).Msg("后端调用失败")
	if n, cerr := s.sessions.IncrFailureCount(ctx, service); cerr == nil && int(n) >= s.cfg.FailureThreshold {
		s.log.Error().Str("service", service).Int64("failures", n).Msg("服务失败次数超过阈值")
	}

	// 收尾阶段再失败就不再尝试播报，直接挂断
	if s.closing {
		s.hangupLeg(ctx)
		s.finish(ctx, EndReasonUnavailable)
		return
	}

	idx := s.totalErrs
	s.totalErrs++
	s.turnErrs++

	s.setState(ctx, types.StateError)
	if s.turnErrs > s.cfg.FallbackBudget {
		s.log.Error().Int("turn", s.turn).Msg("降级预算耗尽，结束会话")
		s.closing = true
		s.endReason = EndReasonUnavailable
		s.appendTranscript("system", s.cfg.UnavailableText)
		s.setState(ctx, types.StateLLMProcessing)
		go s.invokeTTS(ctx, s.gen.Load(), s.cfg.UnavailableText)
		return
	}

	s.speak(ctx, s.scenario.Fallback(idx))
}

// sayGoodbye 播放结束语，播放完成后挂断
func (s *CallSession) sayGoodbye(ctx context.Context, reason string) {
	if s.closing || s.state.Terminal() {
		return
	}
	s.closing = true
	s.endReason = reason
	s.log.Info().Str("reason", reason).Msg("播放结束语")
	s.appendTranscript("system", s.cfg.GoodbyeMessage)
	s.setState(ctx, types.StateLLMProcessing)
	go s.invokeTTS(ctx, s.gen.Load(), s.cfg.GoodbyeMessage)
}

// hangupLeg 下发挂断命令
func (s *CallSession) hangupLeg(ctx context.Context) {
	if err := s.sender.Hangup(ctx, s.id); err != nil {
		s.log.Warn().Err(err).Msg("挂断命令失败")
	}
}

// finish 进入终态并回写通话记录
func (s *CallSession) finish(ctx context.Context, reason string) {
	if s.state.Terminal() {
		return
	}
	s.obsMu.Lock()
	s.state = types.StateEnded
	s.obsMu.Unlock()
	s.hangupFlag.Store(true)

	status := "ended"
	if reason == EndReasonUnavailable || reason == EndReasonFatal {
		status = "failed"
	}
	s.endReason = reason
	duration := 0
	if !s.answeredAt.IsZero() {
		duration = int(time.Since(s.answeredAt) / time.Second)
	}
	s.durationSecs = duration
	endTime := time.Now()
	if err := s.records.FinishCallRecord(ctx, s.id, status, endTime, duration,
		models.MarshalTranscript(s.transcript)); err != nil {
		s.log.Error().Err(err).Msg("回写通话记录失败")
	}
	if err := s.sessions.DeleteSnapshot(ctx, s.id); err != nil {
		s.log.Warn().Err(err).Msg("删除会话快照失败")
	}

	s.log.Info().Str("reason", reason).Int("turns", s.turn).Int("duration", duration).Msg("会话结束")
	if s.onEnd != nil {
		s.onEnd(s.id, reason)
	}
}

// cleanup 释放识别流和音频管道
func (s *CallSession) cleanup(ctx context.Context) {
	if !s.state.Terminal() {
		s.finish(ctx, EndReasonHangup)
	}
	if p := s.pipeline.Load(); p != nil {
		p.Close()
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.log.Debug().Err(err).Msg("关闭识别流失败")
		}
	}
	close(s.done)
}

// setState 迁移状态并持久化快照
func (s *CallSession) setState(ctx context.Context, next types.SessionState) {
	if s.state == next {
		return
	}
	s.log.Debug().Str("from", string(s.state)).Str("to", string(next)).Msg("状态迁移")
	s.obsMu.Lock()
	s.state = next
	s.obsMu.Unlock()
	s.saveSnapshot(ctx)
}

// saveSnapshot 持久化会话快照，失败仅告警
func (s *CallSession) saveSnapshot(ctx context.Context) {
	snap := &types.SessionSnapshot{
		SessionID:    s.id,
		CallerNumber: s.callerNumber,
		State:        s.state,
		Turn:         s.turn,
		StartTime:    s.startTime,
		LastActivity: s.lastActive,
		Transcript:   s.transcript,
	}
	if err := s.sessions.SaveSnapshot(ctx, snap); err != nil {
		s.log.Warn().Err(err).Msg("保存会话快照失败")
	}
}

// Snapshot 返回当前会话快照，供控制面查询
func (s *CallSession) Snapshot() *types.SessionSnapshot {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	transcript := make([]types.TranscriptEntry, len(s.transcript))
	copy(transcript, s.transcript)
	state := s.state
	if s.hangupFlag.Load() {
		state = types.StateEnded
	}
	return &types.SessionSnapshot{
		SessionID:    s.id,
		CallerNumber: s.callerNumber,
		State:        state,
		Turn:         s.turn,
		StartTime:    s.startTime,
		LastActivity: s.lastActive,
		Transcript:   transcript,
	}
}

func (s *CallSession) appendTranscript(speaker, text string) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.transcript = append(s.transcript, types.TranscriptEntry{
		Turn:      s.turn,
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
	})
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
