package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/istar1978/freeswitch-ai-robot/internal/clients/freeswitch"
	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// SessionFactory 创建并登记呼叫会话，入站路由和外呼调度共用
type SessionFactory struct {
	cfg      config.SessionConfig
	sender   models.CommandSender
	asr      models.ASRClient
	llm      models.LLMClient
	tts      models.TTSClient
	sessions models.SessionStore
	records  models.CallRecordStore
	registry *SessionRegistry
	log      zerolog.Logger
}

// NewSessionFactory 创建会话工厂
func NewSessionFactory(cfg config.SessionConfig, sender models.CommandSender,
	asr models.ASRClient, llm models.LLMClient, tts models.TTSClient,
	sessions models.SessionStore, records models.CallRecordStore,
	registry *SessionRegistry, log zerolog.Logger) *SessionFactory {
	return &SessionFactory{
		cfg:      cfg,
		sender:   sender,
		asr:      asr,
		llm:      llm,
		tts:      tts,
		sessions: sessions,
		records:  records,
		registry: registry,
		log:      log,
	}
}

// Spawn 创建会话、登记到注册表并启动事件循环
func (f *SessionFactory) Spawn(ctx context.Context, legID, caller string,
	direction types.CallDirection, scenario *models.Scenario) (*CallSession, error) {
	s := NewCallSession(SessionParams{
		ID:           legID,
		CallerNumber: caller,
		Direction:    direction,
		Scenario:     scenario,
		Config:       f.cfg,
		Sender:       f.sender,
		ASR:          f.asr,
		LLM:          f.llm,
		TTS:          f.tts,
		Sessions:     f.sessions,
		Records:      f.records,
		OnEnd: func(sessionID, reason string) {
			f.registry.Remove(sessionID)
		},
		Log: f.log,
	})
	if !f.registry.Add(s) {
		return nil, fmt.Errorf("%w: 会话 %s 已存在", types.ErrFatalSession, legID)
	}
	go s.Run(ctx)
	return s, nil
}

// EventRouter 把ESL事件流分发给各呼叫会话。未知会话的事件丢弃并记录。
type EventRouter struct {
	client    *freeswitch.Client
	registry  *SessionRegistry
	scenarios *ScenarioManager
	factory   *SessionFactory
	log       zerolog.Logger
}

// NewEventRouter 创建事件路由器
func NewEventRouter(client *freeswitch.Client, registry *SessionRegistry,
	scenarios *ScenarioManager, factory *SessionFactory, log zerolog.Logger) *EventRouter {
	return &EventRouter{
		client:    client,
		registry:  registry,
		scenarios: scenarios,
		factory:   factory,
		log:       log.With().Str("component", "router").Logger(),
	}
}

// Run 消费事件和连接状态通知，直到上下文取消
func (r *EventRouter) Run(ctx context.Context) {
	events := r.client.Events()
	notices := r.client.Notices()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.dispatch(ctx, ev)
		case n, ok := <-notices:
			if !ok {
				return
			}
			r.handleNotice(n)
		}
	}
}

// dispatch 按事件类型路由
func (r *EventRouter) dispatch(ctx context.Context, ev *freeswitch.Event) {
	legID := ev.UUID()
	if legID == "" {
		return
	}

	switch ev.Name {
	case "CHANNEL_CREATE":
		r.onChannelCreate(ctx, ev, legID)

	case "CHANNEL_ANSWER":
		r.deliver(legID, types.SessionEvent{Kind: types.EventAnswered})

	case "CHANNEL_HANGUP", "CHANNEL_DESTROY":
		r.deliver(legID, types.SessionEvent{Kind: types.EventHangup, Cause: ev.Get("Hangup-Cause")})

	case "PLAYBACK_STOP":
		r.deliver(legID, types.SessionEvent{Kind: types.EventPlaybackDone})

	case "PLAYBACK_START":
		r.log.Debug().Str("session_id", legID).Msg("播放开始")

	case "CUSTOM":
		if ev.Get("Event-Subclass") == "ai::media" && len(ev.Body) > 0 {
			if s, err := r.registry.Get(legID); err == nil {
				s.PushAudio(ev.Body)
			}
		}
	}
}

// onChannelCreate 入站呼叫建立会话并应答。外呼腿由调度器预先登记，这里跳过。
func (r *EventRouter) onChannelCreate(ctx context.Context, ev *freeswitch.Event, legID string) {
	if _, err := r.registry.Get(legID); err == nil {
		return
	}
	if ev.Get("Call-Direction") == "outbound" {
		return
	}

	caller := ev.Get("Caller-Caller-ID-Number")
	destination := ev.Get("Caller-Destination-Number")
	scenario, err := r.scenarios.Resolve(ctx, ev.Get("variable_ai_scenario"), destination)
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", legID).Str("destination", destination).
			Msg("无法确定呼叫场景，拒绝呼叫")
		_ = r.client.Hangup(ctx, legID)
		return
	}

	if _, err := r.factory.Spawn(ctx, legID, caller, types.DirectionInbound, scenario); err != nil {
		r.log.Error().Err(err).Str("session_id", legID).Msg("创建会话失败")
		return
	}
	r.log.Info().Str("session_id", legID).Str("caller", caller).
		Str("scenario", scenario.ScenarioID).Msg("入站呼叫")

	if err := r.client.Answer(ctx, legID); err != nil {
		r.log.Error().Err(err).Str("session_id", legID).Msg("应答失败")
		r.deliver(legID, types.SessionEvent{Kind: types.EventHangup, Cause: "answer_failed"})
	}
}

// deliver 投递事件到会话，未知会话丢弃
func (r *EventRouter) deliver(legID string, ev types.SessionEvent) {
	s, err := r.registry.Get(legID)
	if err != nil {
		r.log.Debug().Str("session_id", legID).Str("event", ev.Kind.String()).Msg("丢弃未知会话的事件")
		return
	}
	s.Deliver(ev)
}

// handleNotice 连接状态变化通知全部活动会话
func (r *EventRouter) handleNotice(n freeswitch.Notice) {
	kind := types.EventDegraded
	if n.Kind == freeswitch.NoticeReconnected {
		kind = types.EventRecovered
	}
	r.registry.Each(func(s *CallSession) {
		s.Deliver(types.SessionEvent{Kind: kind, Time: n.Time})
	})
}
