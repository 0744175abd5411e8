package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istar1978/freeswitch-ai-robot/internal/config"
	"github.com/istar1978/freeswitch-ai-robot/internal/logger"
	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/storage"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// fakeOriginator 记录并发呼叫数，按fail决定外呼是否接通
type fakeOriginator struct {
	mu      sync.Mutex
	current int32
	max     int32
	total   int32
	fail    bool
	hold    time.Duration
}

func (f *fakeOriginator) Originate(ctx context.Context, gw *models.Gateway,
	number, scenarioID string, timeout time.Duration) (string, error) {
	cur := atomic.AddInt32(&f.current, 1)
	defer atomic.AddInt32(&f.current, -1)
	f.mu.Lock()
	if cur > f.max {
		f.max = cur
	}
	f.mu.Unlock()
	n := atomic.AddInt32(&f.total, 1)

	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	if f.fail {
		return "", fmt.Errorf("%w: NO_ANSWER", types.ErrBackendError)
	}
	return fmt.Sprintf("out-leg-%d", n), nil
}

func (f *fakeOriginator) maxConcurrent() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.max
}

func outboundFixture(t *testing.T, campaign *models.Campaign, contacts int,
	orig *fakeOriginator, sender *fakeSender) (*OutboundScheduler, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	scenario := testScenario()
	scenario.TimeoutSeconds = 1
	store.PutScenario(scenario)
	store.PutGateway(&models.Gateway{
		GatewayID: "gw1", Name: "测试网关", GatewayType: "sip",
		Profile: "external", MaxChannels: 100, IsActive: true,
	})
	store.PutCampaign(campaign)
	for i := 0; i < contacts; i++ {
		require.NoError(t, store.AddContact(context.Background(), &models.Contact{
			CampaignID:  campaign.CampaignID,
			PhoneNumber: fmt.Sprintf("1390000%04d", i),
		}))
	}

	registry := NewSessionRegistry()
	sender.registry = registry
	factory := NewSessionFactory(testSessionConfig(), sender,
		&fakeASR{}, &fakeLLM{}, &fakeTTS{}, store, store, registry, logger.Nop())
	scenarios := NewScenarioManager(store, logger.Nop())

	cfg := config.OutboundConfig{OriginateTimeout: time.Second, PollInterval: 10 * time.Millisecond}
	return NewOutboundScheduler(cfg, store, store, scenarios, orig, factory, logger.Nop()), store
}

func waitCampaignStatus(t *testing.T, store *storage.Memory, campaignID string,
	status models.CampaignStatus, within time.Duration) *models.Campaign {
	t.Helper()
	var got *models.Campaign
	require.Eventually(t, func() bool {
		c, err := store.GetCampaign(context.Background(), campaignID)
		if err != nil {
			return false
		}
		got = c
		return c.Status == status
	}, within, 10*time.Millisecond)
	return got
}

func TestOutboundConcurrencyCap(t *testing.T) {
	campaign := &models.Campaign{
		CampaignID:         "c1",
		Name:               "并发测试",
		GatewayID:          "gw1",
		ScenarioID:         "default",
		Status:             models.CampaignDraft,
		MaxConcurrentCalls: 5,
		CallTimeout:        1,
		RetryAttempts:      0,
		RetryInterval:      1,
	}
	orig := &fakeOriginator{fail: true, hold: 30 * time.Millisecond}
	o, store := outboundFixture(t, campaign, 20, orig, &fakeSender{})

	require.NoError(t, o.Start(context.Background(), "c1"))
	got := waitCampaignStatus(t, store, "c1", models.CampaignCompleted, 10*time.Second)

	// 并发永不超过上限，全部联系人失败计数正确
	assert.LessOrEqual(t, orig.maxConcurrent(), int32(5))
	assert.Equal(t, int32(20), atomic.LoadInt32(&orig.total))
	assert.Equal(t, int64(20), got.CompletedContacts)
	assert.Equal(t, int64(20), got.FailedCalls)
	assert.Zero(t, got.SuccessfulCalls)
	assert.Eventually(t, func() bool { return !o.Running("c1") }, time.Second, 10*time.Millisecond)
}

func TestOutboundSuccessfulCalls(t *testing.T) {
	campaign := &models.Campaign{
		CampaignID:         "c2",
		Name:               "接通测试",
		GatewayID:          "gw1",
		ScenarioID:         "default",
		Status:             models.CampaignDraft,
		MaxConcurrentCalls: 3,
		CallTimeout:        5,
		RetryAttempts:      1,
		RetryInterval:      1,
	}
	orig := &fakeOriginator{}
	o, store := outboundFixture(t, campaign, 3, orig, &fakeSender{})

	require.NoError(t, o.Start(context.Background(), "c2"))
	got := waitCampaignStatus(t, store, "c2", models.CampaignCompleted, 15*time.Second)

	assert.Equal(t, int64(3), got.CompletedContacts)
	assert.Equal(t, int64(3), got.SuccessfulCalls)
	assert.Zero(t, got.FailedCalls)

	contacts, err := store.ListContacts(context.Background(), "c2")
	require.NoError(t, err)
	for _, c := range contacts {
		assert.Equal(t, models.ContactCompleted, c.Status)
		assert.Equal(t, 1, c.Attempts)
	}
}

func TestOutboundStopPauses(t *testing.T) {
	campaign := &models.Campaign{
		CampaignID:         "c3",
		Name:               "暂停测试",
		GatewayID:          "gw1",
		ScenarioID:         "default",
		Status:             models.CampaignDraft,
		MaxConcurrentCalls: 2,
		CallTimeout:        1,
		RetryAttempts:      0,
		RetryInterval:      1,
	}
	orig := &fakeOriginator{fail: true, hold: 20 * time.Millisecond}
	o, store := outboundFixture(t, campaign, 50, orig, &fakeSender{})

	require.NoError(t, o.Start(context.Background(), "c3"))
	require.Error(t, o.Start(context.Background(), "c3")) // 重复启动被拒绝

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, o.Stop(context.Background(), "c3"))
	assert.False(t, o.Running("c3"))

	c, err := store.GetCampaign(context.Background(), "c3")
	require.NoError(t, err)
	assert.Equal(t, models.CampaignPaused, c.Status)
	// 未拨完的联系人保持待拨
	assert.Less(t, c.CompletedContacts, int64(50))
}

func TestOutboundStopLetsInflightFinish(t *testing.T) {
	campaign := &models.Campaign{
		CampaignID:         "c5",
		Name:               "暂停不挂断",
		GatewayID:          "gw1",
		ScenarioID:         "default",
		Status:             models.CampaignDraft,
		MaxConcurrentCalls: 1,
		CallTimeout:        5,
		RetryAttempts:      0,
		RetryInterval:      1,
	}
	sender := &fakeSender{}
	orig := &fakeOriginator{}
	o, store := outboundFixture(t, campaign, 1, orig, sender)
	reg := sender.registry
	sender.registry = nil // 播放不自动完成，呼叫保持在途

	require.NoError(t, o.Start(context.Background(), "c5"))
	require.Eventually(t, func() bool { return reg.Count() == 1 && sender.playCount() >= 1 },
		5*time.Second, 10*time.Millisecond)

	// 暂停立即生效且不得挂断在途呼叫
	start := time.Now()
	require.NoError(t, o.Stop(context.Background(), "c5"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, sender.hangupCount())

	contacts, err := store.ListContacts(context.Background(), "c5")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, models.ContactInProgress, contacts[0].Status)

	// 在途呼叫自然结束后正常落账
	var session *CallSession
	reg.Each(func(s *CallSession) { session = s })
	require.NotNil(t, session)
	session.RequestHangup()

	require.Eventually(t, func() bool {
		cs, err := store.ListContacts(context.Background(), "c5")
		return err == nil && len(cs) == 1 && cs[0].Status == models.ContactCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOutboundShutdownHangsUpInflight(t *testing.T) {
	campaign := &models.Campaign{
		CampaignID:         "c6",
		Name:               "停机挂断",
		GatewayID:          "gw1",
		ScenarioID:         "default",
		Status:             models.CampaignDraft,
		MaxConcurrentCalls: 1,
		CallTimeout:        5,
		RetryAttempts:      0,
		RetryInterval:      1,
	}
	sender := &fakeSender{}
	orig := &fakeOriginator{}
	o, store := outboundFixture(t, campaign, 1, orig, sender)
	reg := sender.registry
	sender.registry = nil

	require.NoError(t, o.Start(context.Background(), "c6"))
	require.Eventually(t, func() bool { return reg.Count() == 1 && sender.playCount() >= 1 },
		5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		o.Shutdown(context.Background())
		close(done)
	}()

	// 停机终止在途呼叫并等待其落账
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("停机未完成")
	}
	contacts, err := store.ListContacts(context.Background(), "c6")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, models.ContactCompleted, contacts[0].Status)
	assert.Zero(t, reg.Count())
}

func TestSettleRetrySchedule(t *testing.T) {
	store := storage.NewMemory()
	campaign := &models.Campaign{
		CampaignID:         "c4",
		GatewayID:          "gw1",
		ScenarioID:         "default",
		MaxConcurrentCalls: 1,
		RetryAttempts:      2,
		RetryInterval:      60,
	}
	store.PutCampaign(campaign)
	contact := &models.Contact{CampaignID: "c4", PhoneNumber: "13900000001"}
	require.NoError(t, store.AddContact(context.Background(), contact))

	o := &OutboundScheduler{store: store, log: logger.Nop()}

	// 第一次失败：排期重试
	o.settle(context.Background(), campaign, contact, false, 0, "NO_ANSWER")
	assert.Equal(t, models.ContactPending, contact.Status)
	require.NotNil(t, contact.NextAttempt)
	assert.WithinDuration(t, time.Now().Add(60*time.Second), *contact.NextAttempt, 5*time.Second)

	// 第二次失败：重试间隔指数增长
	o.settle(context.Background(), campaign, contact, false, 0, "NO_ANSWER")
	assert.Equal(t, models.ContactPending, contact.Status)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), *contact.NextAttempt, 5*time.Second)

	// 超过重试上限：判定失败
	o.settle(context.Background(), campaign, contact, false, 0, "NO_ANSWER")
	assert.Equal(t, models.ContactFailed, contact.Status)
	assert.Equal(t, 3, contact.Attempts)

	c, err := store.GetCampaign(context.Background(), "c4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.CompletedContacts)
	assert.Equal(t, int64(1), c.FailedCalls)
}

func TestReadyContactsOrdering(t *testing.T) {
	now := time.Now()
	early := now.Add(-time.Minute)
	late := now.Add(-time.Second)
	future := now.Add(time.Hour)

	contacts := []*models.Contact{
		{ID: 1, Status: models.ContactPending, NextAttempt: &late},
		{ID: 2, Status: models.ContactPending},
		{ID: 3, Status: models.ContactPending, NextAttempt: &early},
		{ID: 4, Status: models.ContactPending, NextAttempt: &future},
		{ID: 5, Status: models.ContactCompleted},
		{ID: 6, Status: models.ContactPending},
	}

	ready, pendingLeft := readyContacts(contacts, now)
	assert.True(t, pendingLeft)
	ids := make([]int64, len(ready))
	for i, c := range ready {
		ids[i] = c.ID
	}
	// 未排期的先入先出在前，已排期的按重试时间排序，未到期的不入选
	assert.Equal(t, []int64{2, 6, 3, 1}, ids)

	ready, pendingLeft = readyContacts([]*models.Contact{{ID: 7, Status: models.ContactFailed}}, now)
	assert.Empty(t, ready)
	assert.False(t, pendingLeft)
}
