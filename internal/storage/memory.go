package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/istar1978/freeswitch-ai-robot/internal/models"
	"github.com/istar1978/freeswitch-ai-robot/internal/types"
)

// Memory 内存存储，实现全部存储接口，用于测试和无外部依赖的本地运行
type Memory struct {
	mu sync.RWMutex

	scenarios   map[string]*models.Scenario
	gateways    map[string]*models.Gateway
	entryPoints map[string]*models.EntryPoint

	records map[string]*models.CallRecord

	campaigns map[string]*models.Campaign
	contacts  map[int64]*models.Contact
	nextID    int64

	snapshots map[string]*types.SessionSnapshot
	failures  map[string]int64
}

// NewMemory 创建内存存储
func NewMemory() *Memory {
	return &Memory{
		scenarios:   make(map[string]*models.Scenario),
		gateways:    make(map[string]*models.Gateway),
		entryPoints: make(map[string]*models.EntryPoint),
		records:     make(map[string]*models.CallRecord),
		campaigns:   make(map[string]*models.Campaign),
		contacts:    make(map[int64]*models.Contact),
		snapshots:   make(map[string]*types.SessionSnapshot),
		failures:    make(map[string]int64),
	}
}

// PutScenario 写入场景
func (m *Memory) PutScenario(s *models.Scenario) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenarios[s.ScenarioID] = s
}

// GetScenario 按ID读取场景
func (m *Memory) GetScenario(_ context.Context, scenarioID string) (*models.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenarios[scenarioID]
	if !ok {
		return nil, fmt.Errorf("%w: 场景不存在", types.ErrConfig)
	}
	cp := *s
	return &cp, nil
}

// ListScenarios 列出全部场景
func (m *Memory) ListScenarios(_ context.Context) ([]*models.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Scenario, 0, len(m.scenarios))
	for _, s := range m.scenarios {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScenarioID < out[j].ScenarioID })
	return out, nil
}

// PutGateway 写入网关
func (m *Memory) PutGateway(g *models.Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways[g.GatewayID] = g
}

// GetGateway 按ID读取网关
func (m *Memory) GetGateway(_ context.Context, gatewayID string) (*models.Gateway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gateways[gatewayID]
	if !ok {
		return nil, fmt.Errorf("%w: 网关不存在", types.ErrConfig)
	}
	cp := *g
	return &cp, nil
}

// PutEntryPoint 写入入口点
func (m *Memory) PutEntryPoint(ep *models.EntryPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryPoints[ep.EntryPointID] = ep
}

// ListEntryPoints 列出启用的入口点，按优先级排序
func (m *Memory) ListEntryPoints(_ context.Context) ([]*models.EntryPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.EntryPoint, 0, len(m.entryPoints))
	for _, ep := range m.entryPoints {
		if !ep.IsActive {
			continue
		}
		cp := *ep
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// CreateCallRecord 写入通话记录
func (m *Memory) CreateCallRecord(_ context.Context, rec *models.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.SessionID] = &cp
	return nil
}

// FinishCallRecord 补全通话结束信息
func (m *Memory) FinishCallRecord(_ context.Context, sessionID, status string, endTime time.Time, duration int, conversationLog string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return types.ErrSessionNotFound
	}
	rec.Status = status
	rec.EndTime = &endTime
	rec.Duration = duration
	rec.ConversationLog = conversationLog
	return nil
}

// GetCallRecord 按会话ID读取通话记录
func (m *Memory) GetCallRecord(_ context.Context, sessionID string) (*models.CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

// PutCampaign 写入外呼活动
func (m *Memory) PutCampaign(c *models.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.CampaignID] = c
}

// GetCampaign 按ID读取外呼活动
func (m *Memory) GetCampaign(_ context.Context, campaignID string) (*models.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return nil, fmt.Errorf("%w: 活动不存在", types.ErrConfig)
	}
	cp := *c
	return &cp, nil
}

// UpdateCampaignStatus 更新活动状态
func (m *Memory) UpdateCampaignStatus(_ context.Context, campaignID string, status models.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return fmt.Errorf("%w: 活动不存在", types.ErrConfig)
	}
	c.Status = status
	return nil
}

// AddCampaignCounters 原子累加活动计数器
func (m *Memory) AddCampaignCounters(_ context.Context, campaignID string, completed, successful, failed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return fmt.Errorf("%w: 活动不存在", types.ErrConfig)
	}
	c.CompletedContacts += completed
	c.SuccessfulCalls += successful
	c.FailedCalls += failed
	return nil
}

// ListContacts 列出活动的全部联系人，按插入顺序
func (m *Memory) ListContacts(_ context.Context, campaignID string) ([]*models.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Contact
	for _, c := range m.contacts {
		if c.CampaignID != campaignID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddContact 新增联系人并累加活动总数
func (m *Memory) AddContact(_ context.Context, contact *models.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	contact.ID = m.nextID
	contact.Status = models.ContactPending
	cp := *contact
	m.contacts[contact.ID] = &cp
	if c, ok := m.campaigns[contact.CampaignID]; ok {
		c.TotalContacts++
	}
	return nil
}

// MarkContactInProgress 以比较交换语义认领联系人
func (m *Memory) MarkContactInProgress(_ context.Context, contactID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[contactID]
	if !ok || c.Status != models.ContactPending {
		return false, nil
	}
	c.Status = models.ContactInProgress
	now := time.Now()
	c.LastAttempt = &now
	return true, nil
}

// UpdateContactResult 回写联系人的尝试结果
func (m *Memory) UpdateContactResult(_ context.Context, contact *models.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[contact.ID]
	if !ok {
		return fmt.Errorf("%w: 联系人不存在", types.ErrConfig)
	}
	c.Status = contact.Status
	c.Attempts = contact.Attempts
	c.NextAttempt = contact.NextAttempt
	c.CallResult = contact.CallResult
	c.CallDuration = contact.CallDuration
	now := time.Now()
	c.LastAttempt = &now
	return nil
}

// SaveSnapshot 写入会话快照
func (m *Memory) SaveSnapshot(_ context.Context, snap *types.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.snapshots[snap.SessionID] = &cp
	return nil
}

// LoadSnapshot 读取会话快照
func (m *Memory) LoadSnapshot(_ context.Context, sessionID string) (*types.SessionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	cp := *snap
	return &cp, nil
}

// DeleteSnapshot 删除会话快照
func (m *Memory) DeleteSnapshot(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, sessionID)
	return nil
}

// IncrFailureCount 服务失败计数加一
func (m *Memory) IncrFailureCount(_ context.Context, service string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[service]++
	return m.failures[service], nil
}

// GetFailureCount 读取失败计数
func (m *Memory) GetFailureCount(_ context.Context, service string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures[service], nil
}
