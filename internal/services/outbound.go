package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
	"github.com/istar1978/freeswitch-ai-robot/internal/utils"
)

// OutboundScheduler 外呼调度器，每个运行中的活动一个调度协程。
// 并发上限由信号量约束，联系人通过存储层的比较交换认领，多实例安全。
// 暂停只停止新的外呼，在途呼叫自然结束；停机才挂断在途呼叫。
type OutboundScheduler struct {
	cfg        config.OutboundConfig
	store      models.CampaignStore
	catalog    models.ScenarioStore
	scenarios  *ScenarioManager
	originator models.Originator
	factory    *SessionFactory
	log        zerolog.Logger

	mu      sync.Mutex
	runners map[string]*campaignRunner

	hardStop chan struct{} // 进程停机信号，在途呼叫收到后挂断
	stopOnce sync.Once
}

// campaignRunner 单个活动的运行句柄
type campaignRunner struct {
	cancel  context.CancelFunc
	done    chan struct{} // 轮询循环已退出，不再发起新呼叫
	drained chan struct{} // 在途呼叫已全部落账
}

// NewOutboundScheduler 创建外呼调度器
func NewOutboundScheduler(cfg config.OutboundConfig, store models.CampaignStore,
	catalog models.ScenarioStore, scenarios *ScenarioManager,
	originator models.Originator, factory *SessionFactory, log zerolog.Logger) *OutboundScheduler {
	return &OutboundScheduler{
		cfg:        cfg,
		store:      store,
		catalog:    catalog,
		scenarios:  scenarios,
		originator: originator,
		factory:    factory,
		log:        log.With().Str("component", "outbound").Logger(),
		runners:    make(map[string]*campaignRunner),
		hardStop:   make(chan struct{}),
	}
}

// Start 启动一个外呼活动
func (o *OutboundScheduler) Start(ctx context.Context, campaignID string) error {
	o.mu.Lock()
	if _, ok := o.runners[campaignID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: 活动 %s 已在运行", types.ErrConfig, campaignID)
	}
	o.mu.Unlock()

	campaign, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status == models.CampaignCompleted {
		return fmt.Errorf("%w: 活动 %s 已完成", types.ErrConfig, campaignID)
	}
	gateway, err := o.catalog.GetGateway(ctx, campaign.GatewayID)
	if err != nil {
		return err
	}
	scenario, err := o.scenarios.Get(ctx, campaign.ScenarioID)
	if err != nil {
		return err
	}
	if err := o.store.UpdateCampaignStatus(ctx, campaignID, models.CampaignRunning); err != nil {
		return err
	}

	// 活动的生命周期由Stop/Shutdown管理，不随调用方的请求上下文结束
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runner := &campaignRunner{cancel: cancel, done: make(chan struct{}), drained: make(chan struct{})}

	o.mu.Lock()
	o.runners[campaignID] = runner
	o.mu.Unlock()

	o.log.Info().Str("campaign_id", campaignID).
		Int("max_concurrent", campaign.MaxConcurrentCalls).Msg("外呼活动启动")
	go o.run(runCtx, campaign, gateway, scenario, runner)
	return nil
}

// Stop 暂停外呼活动：停止发起新呼叫，在途呼叫自然结束后自行落账
func (o *OutboundScheduler) Stop(ctx context.Context, campaignID string) error {
	o.mu.Lock()
	runner, ok := o.runners[campaignID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 活动 %s 未在运行", types.ErrConfig, campaignID)
	}

	if err := o.store.UpdateCampaignStatus(ctx, campaignID, models.CampaignPaused); err != nil {
		return err
	}
	runner.cancel()

	select {
	case <-runner.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.log.Info().Str("campaign_id", campaignID).Msg("外呼活动已暂停，在途呼叫继续完成")
	return nil
}

// Running 活动是否在本实例运行
func (o *OutboundScheduler) Running(campaignID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runners[campaignID]
	return ok
}

// Shutdown 进程停机：挂断在途呼叫，停止全部活动并等待落账
func (o *OutboundScheduler) Shutdown(ctx context.Context) {
	o.stopOnce.Do(func() { close(o.hardStop) })

	o.mu.Lock()
	ids := make([]string, 0, len(o.runners))
	runners := make([]*campaignRunner, 0, len(o.runners))
	for id, r := range o.runners {
		ids = append(ids, id)
		runners = append(runners, r)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.Stop(ctx, id); err != nil {
			o.log.Warn().Err(err).Str("campaign_id", id).Msg("停止活动失败")
		}
	}
	for _, r := range runners {
		select {
		case <-r.drained:
		case <-ctx.Done():
			return
		}
	}
}

// run 活动主循环：按轮询间隔取就绪联系人并发起呼叫
func (o *OutboundScheduler) run(ctx context.Context, campaign *models.Campaign,
	gateway *models.Gateway, scenario *models.Scenario, runner *campaignRunner) {
	defer func() {
		o.mu.Lock()
		delete(o.runners, campaign.CampaignID)
		o.mu.Unlock()
	}()
	defer close(runner.drained)

	sem := semaphore.NewWeighted(int64(campaign.MaxConcurrentCalls))
	var wg sync.WaitGroup
	// 循环退出即不再发起新呼叫，在途呼叫全部落账后才算排空
	defer func() {
		close(runner.done)
		wg.Wait()
	}()

	// 在途呼叫不随活动暂停终止
	callCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := o.store.GetCampaign(ctx, campaign.CampaignID)
		if err != nil {
			o.log.Error().Err(err).Str("campaign_id", campaign.CampaignID).Msg("读取活动失败")
			continue
		}
		if current.Status != models.CampaignRunning {
			return
		}
		if !current.InWindow(time.Now()) {
			continue
		}

		contacts, err := o.store.ListContacts(ctx, campaign.CampaignID)
		if err != nil {
			o.log.Error().Err(err).Str("campaign_id", campaign.CampaignID).Msg("读取联系人失败")
			continue
		}

		ready, pendingLeft := readyContacts(contacts, time.Now())
		if !pendingLeft {
			if finished(contacts) {
				if err := o.store.UpdateCampaignStatus(ctx, campaign.CampaignID, models.CampaignCompleted); err != nil {
					o.log.Error().Err(err).Str("campaign_id", campaign.CampaignID).Msg("标记活动完成失败")
				}
				o.log.Info().Str("campaign_id", campaign.CampaignID).Msg("外呼活动完成")
				return
			}
			continue
		}

		for _, contact := range ready {
			if !sem.TryAcquire(1) {
				break
			}
			claimed, err := o.store.MarkContactInProgress(ctx, contact.ID)
			if err != nil || !claimed {
				sem.Release(1)
				if err != nil {
					o.log.Error().Err(err).Int64("contact_id", contact.ID).Msg("认领联系人失败")
				}
				continue
			}
			wg.Add(1)
			go func(c models.Contact) {
				defer wg.Done()
				defer sem.Release(1)
				o.dial(callCtx, current, gateway, scenario, &c)
			}(*contact)
		}
	}
}

// readyContacts 取就绪集：待拨且重试时间已到，按重试时间排序，同刻保持先入先出
func readyContacts(contacts []*models.Contact, now time.Time) (ready []*models.Contact, pendingLeft bool) {
	for _, c := range contacts {
		if c.Status != models.ContactPending {
			continue
		}
		pendingLeft = true
		if c.NextAttempt == nil || !c.NextAttempt.After(now) {
			ready = append(ready, c)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		ti, tj := attemptTime(ready[i]), attemptTime(ready[j])
		return ti.Before(tj)
	})
	return ready, pendingLeft
}

func attemptTime(c *models.Contact) time.Time {
	if c.NextAttempt == nil {
		return time.Time{}
	}
	return *c.NextAttempt
}

// finished 全部联系人进入终态
func finished(contacts []*models.Contact) bool {
	for _, c := range contacts {
		if c.Status == models.ContactPending || c.Status == models.ContactInProgress {
			return false
		}
	}
	return true
}

// dial 发起一通外呼并跟踪会话直到结束
func (o *OutboundScheduler) dial(ctx context.Context, campaign *models.Campaign,
	gateway *models.Gateway, scenario *models.Scenario, contact *models.Contact) {
	callTimeout := time.Duration(campaign.CallTimeout) * time.Second
	if callTimeout == 0 {
		callTimeout = o.cfg.OriginateTimeout
	}

	legID, err := o.originator.Originate(ctx, gateway, contact.PhoneNumber, campaign.ScenarioID, callTimeout)
	if err != nil {
		o.log.Info().Err(err).Str("campaign_id", campaign.CampaignID).
			Str("number", contact.PhoneNumber).Msg("外呼未接通")
		o.settle(ctx, campaign, contact, false, 0, "originate_failed")
		return
	}

	session, err := o.factory.Spawn(ctx, legID, contact.PhoneNumber, types.DirectionOutbound, scenario)
	if err != nil {
		o.log.Error().Err(err).Str("session_id", legID).Msg("创建外呼会话失败")
		o.settle(ctx, campaign, contact, false, 0, "session_failed")
		return
	}
	// originate在对端应答后才返回，应答事件在登记之前已经发生，这里直接补投
	session.Deliver(types.SessionEvent{Kind: types.EventAnswered})

	select {
	case <-session.Done():
	case <-o.hardStop:
		session.RequestHangup()
		<-session.Done()
	}

	success := session.Answered() &&
		session.EndReason() != EndReasonUnavailable && session.EndReason() != EndReasonFatal
	o.settle(ctx, campaign, contact, success, session.Duration(), session.EndReason())
}

// settle 回写一次尝试的结果：成功记完成，失败按重试策略排期或判定失败
func (o *OutboundScheduler) settle(ctx context.Context, campaign *models.Campaign,
	contact *models.Contact, success bool, duration int, result string) {
	// 活动停止时结果仍需落库
	ctx = context.WithoutCancel(ctx)
	contact.Attempts++
	contact.CallResult = result
	contact.CallDuration = duration
	contact.NextAttempt = nil

	var completed, successful, failed int64
	switch {
	case success:
		contact.Status = models.ContactCompleted
		completed, successful = 1, 1
	case contact.Attempts > campaign.RetryAttempts:
		contact.Status = models.ContactFailed
		completed, failed = 1, 1
	default:
		contact.Status = models.ContactPending
		retry := utils.Backoff{
			Base:       time.Duration(campaign.RetryInterval) * time.Second,
			Multiplier: 2.0,
			Cap:        time.Duration(campaign.RetryInterval) * 10 * time.Second,
		}
		next := time.Now().Add(retry.At(contact.Attempts - 1))
		contact.NextAttempt = &next
	}

	if err := o.store.UpdateContactResult(ctx, contact); err != nil {
		o.log.Error().Err(err).Int64("contact_id", contact.ID).Msg("回写联系人结果失败")
	}
	if completed > 0 {
		if err := o.store.AddCampaignCounters(ctx, campaign.CampaignID, completed, successful, failed); err != nil {
			o.log.Error().Err(err).Str("campaign_id", campaign.CampaignID).Msg("更新活动计数失败")
		}
	}
	o.log.Info().Str("campaign_id", campaign.CampaignID).Str("number", contact.PhoneNumber).
		Bool("success", success).Int("attempts", contact.Attempts).Str("result", result).
		Msg("外呼尝试结束")
}
