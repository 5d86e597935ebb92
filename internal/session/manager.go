package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"artlift-orchestrator/internal/correlator"
	"artlift-orchestrator/internal/detection"
	"artlift-orchestrator/internal/models"
	"artlift-orchestrator/internal/repository"
	"artlift-orchestrator/internal/stats"

	"go.uber.org/zap"
)

var (
	// ErrNotFound 安装不存在（或已删除）
	ErrNotFound = errors.New("installation not found")
	// ErrInstallRejected 设备明确拒绝安装
	ErrInstallRejected = errors.New("install rejected by device")
	// ErrDeleteRejected 设备明确拒绝删除
	ErrDeleteRejected = errors.New("delete rejected by device")
	// ErrInvalidInstallation 安装参数不合法
	ErrInvalidInstallation = errors.New("invalid installation")
	// ErrHeightRejected 执行器报告调整失败
	ErrHeightRejected = errors.New("height command rejected by actuator")
)

const persistTimeout = 5 * time.Second

// InstallationRepository 安装记录持久化
type InstallationRepository interface {
	FindInstallation(ctx context.Context, id int64) (*models.Installation, error)
	ListInstallations(ctx context.Context) ([]*models.Installation, error)
	SaveInstallation(ctx context.Context, inst *models.Installation) error
	DeleteInstallation(ctx context.Context, id int64) error
	BulkSetAllInactive(ctx context.Context) (int64, error)
}

// StatsRecorder 观看会话统计
type StatsRecorder interface {
	Ensure(ctx context.Context, installationID int64, name string) error
	OpenSession(ctx context.Context, installationID int64, start time.Time) error
	CloseSession(ctx context.Context, installationID int64, start, end time.Time) (models.ViewingSession, error)
	CurrentSession(ctx context.Context, installationID int64) (*models.ViewingSession, error)
	MarkRemoved(ctx context.Context, installationID int64, name string) error
	DiscardOpenSessions(ctx context.Context) (int, error)
}

// Detector 检测循环
type Detector interface {
	Begin(ctx context.Context, installationID int64) (wait func() detection.Result)
	Stop(installationID int64, reason detection.Reason) bool
	StopAll(reason detection.Reason) int
}

// Sender 关联请求
type Sender interface {
	Send(ctx context.Context, req correlator.Request) (*correlator.Response, error)
}

// Broadcaster 状态广播，必须不阻塞
type Broadcaster interface {
	Publish(status models.Status)
}

// Options 会话参数
type Options struct {
	InstallTimeout   time.Duration
	HeightAckTimeout time.Duration
	DeleteTimeout    time.Duration
	HeightOffset     float64
	// 为空时收到第一个带 success 的应答即完成握手
	InstallRequiredDevices []string
}

// unit 单个安装的实时状态，所有修改在 mu 下进行
type unit struct {
	mu sync.Mutex

	inst         models.Installation
	sessionStart *time.Time
	// generation 每次开始或取消检测时递增，异步续作据此丢弃过期结果
	generation uint64
	cancel     context.CancelFunc
	removed    bool
}

// Manager 会话状态机：按安装串行处理传感器、执行器、启停和安装删除事件
type Manager struct {
	repo        InstallationRepository
	stats       StatsRecorder
	detector    Detector
	sender      Sender
	broadcaster Broadcaster
	opts        Options
	logger      *zap.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	units map[int64]*unit
}

// NewManager 创建会话管理器
func NewManager(
	repo InstallationRepository,
	statsRecorder StatsRecorder,
	detector Detector,
	sender Sender,
	broadcaster Broadcaster,
	opts Options,
	logger *zap.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		repo:        repo,
		stats:       statsRecorder,
		detector:    detector,
		sender:      sender,
		broadcaster: broadcaster,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		units:       make(map[int64]*unit),
	}
}

// Recover 启动恢复：所有安装置为 Inactive，丢弃遗留的未关闭会话
func (m *Manager) Recover(ctx context.Context) error {
	n, err := m.repo.BulkSetAllInactive(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset installations: %w", err)
	}
	discarded, err := m.stats.DiscardOpenSessions(ctx)
	if err != nil {
		m.logger.Warn("Failed to discard dangling viewing sessions", zap.Error(err))
	}

	m.mu.Lock()
	m.units = make(map[int64]*unit)
	m.mu.Unlock()

	m.logger.Info("Recovered installation state",
		zap.Int64("reset_count", n),
		zap.Int("discarded_sessions", discarded),
	)
	return nil
}

// Close 取消所有后台检测并等待续作退出
func (m *Manager) Close() {
	m.cancel()
	m.detector.StopAll(detection.ReasonStopped)
	m.wg.Wait()
}

// unit 获取或从持久化加载安装状态
func (m *Manager) unit(ctx context.Context, id int64) (*unit, error) {
	m.mu.RLock()
	u := m.units[id]
	m.mu.RUnlock()
	if u != nil {
		return u, nil
	}

	inst, err := m.repo.FindInstallation(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("installation %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load installation %d: %w", id, err)
	}
	if inst.WheelchairState == "" {
		inst.WheelchairState = models.WheelchairNone
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.units[id]; existing != nil {
		return existing, nil
	}
	u = &unit{inst: *inst}
	m.units[id] = u
	return u, nil
}

// lockUnit 获取并锁定，已删除时返回 ErrNotFound
func (m *Manager) lockUnit(ctx context.Context, id int64) (*unit, error) {
	u, err := m.unit(ctx, id)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	if u.removed {
		u.mu.Unlock()
		return nil, fmt.Errorf("installation %d: %w", id, ErrNotFound)
	}
	return u, nil
}

// Install 安装握手，成功后保存记录并置为 Active
func (m *Manager) Install(ctx context.Context, inst *models.Installation) (*models.Installation, error) {
	if inst.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInstallation)
	}
	if inst.ID == 0 {
		inst.ID = m.now().UnixMilli()
	}

	resp, err := m.sender.Send(ctx, correlator.Request{
		InstallationID: inst.ID,
		Kind:           correlator.KindInstall,
		Payload: models.InstallCommand{
			Name:        inst.Name,
			PainterName: inst.PainterName,
			BaseHeight:  inst.BaseHeight,
			Height:      inst.Height,
			Width:       inst.Width,
			Weight:      inst.Weight,
		},
		Timeout: m.opts.InstallTimeout,
		Accept:  m.installAccept(),
	})
	if err != nil {
		m.logger.Warn("Install handshake failed", zap.Int64("installation_id", inst.ID), zap.Error(err))
		return nil, fmt.Errorf("install handshake for installation %d: %w", inst.ID, err)
	}

	ack, err := models.DecodeInstallAck(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode install ack: %w", err)
	}
	if ack.Success == nil || !*ack.Success {
		m.logger.Warn("Install rejected",
			zap.Int64("installation_id", inst.ID),
			zap.String("device", ack.Device),
			zap.String("error", ack.Error),
		)
		return nil, fmt.Errorf("%w: %s", ErrInstallRejected, ack.Error)
	}

	now := m.now()
	record := *inst
	record.Status = models.StatusActive
	record.ResetLiveFlags()
	record.CreatedAt = now
	record.UpdatedAt = now
	if existing, err := m.repo.FindInstallation(ctx, inst.ID); err == nil {
		record.CreatedAt = existing.CreatedAt
	}

	m.mu.Lock()
	u := m.units[record.ID]
	if u == nil {
		u = &unit{inst: models.Installation{ID: record.ID}}
		m.units[record.ID] = u
	}
	m.mu.Unlock()

	u.mu.Lock()
	defer u.mu.Unlock()

	// 重新安装时先结束旧会话
	m.cancelDetection(u, detection.ReasonStopped)
	m.closeViewingSession(ctx, u)
	u.inst = record
	u.removed = false

	if err := m.repo.SaveInstallation(ctx, &u.inst); err != nil {
		u.removed = true
		m.mu.Lock()
		if m.units[record.ID] == u {
			delete(m.units, record.ID)
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to save installation %d: %w", record.ID, err)
	}
	if err := m.stats.Ensure(ctx, record.ID, record.Name); err != nil {
		m.logger.Warn("Failed to create stats", zap.Int64("installation_id", record.ID), zap.Error(err))
	}
	m.publish(u)

	m.logger.Info("Installation installed",
		zap.Int64("installation_id", record.ID),
		zap.String("name", record.Name),
		zap.Duration("latency", resp.Latency),
	)
	out := u.inst
	return &out, nil
}

// installAccept 安装应答过滤：必须带 success；配置了多个设备时需全部成功（任一失败立即结束）
func (m *Manager) installAccept() func([]byte) bool {
	required := m.opts.InstallRequiredDevices
	seen := make(map[string]bool, len(required))
	return func(payload []byte) bool {
		ack, err := models.DecodeInstallAck(payload)
		if err != nil || ack.Success == nil {
			return false
		}
		if !*ack.Success || len(required) == 0 {
			return true
		}
		seen[ack.Device] = true
		for _, d := range required {
			if !seen[d] {
				return false
			}
		}
		return true
	}
}

// Delete 下发删除命令，成功后标记统计并删除记录
func (m *Manager) Delete(ctx context.Context, id int64) error {
	u, err := m.unit(ctx, id)
	if err != nil {
		return err
	}

	resp, err := m.sender.Send(ctx, correlator.Request{
		InstallationID: id,
		Kind:           correlator.KindDelete,
		Timeout:        m.opts.DeleteTimeout,
	})
	if err != nil {
		m.logger.Warn("Delete command failed", zap.Int64("installation_id", id), zap.Error(err))
		return fmt.Errorf("delete installation %d: %w", id, err)
	}
	var ack models.DeleteAck
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &ack); err != nil {
			return fmt.Errorf("failed to decode delete ack: %w", err)
		}
	}
	if !ack.Succeeded() {
		return fmt.Errorf("%w: %s", ErrDeleteRejected, ack.Error)
	}

	u.mu.Lock()
	if u.removed {
		u.mu.Unlock()
		return fmt.Errorf("installation %d: %w", id, ErrNotFound)
	}
	m.cancelDetection(u, detection.ReasonStopped)
	m.closeViewingSession(ctx, u)

	if err := m.stats.MarkRemoved(ctx, id, u.inst.Name); err != nil {
		m.logger.Warn("Failed to mark stats removed", zap.Int64("installation_id", id), zap.Error(err))
	}
	if err := m.repo.DeleteInstallation(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		u.mu.Unlock()
		return fmt.Errorf("failed to delete installation %d: %w", id, err)
	}

	u.removed = true
	u.inst.Status = models.StatusInactive
	u.inst.ResetLiveFlags()
	status := models.StatusOf(&u.inst, m.now())
	status.Removed = true
	u.mu.Unlock()

	m.mu.Lock()
	if m.units[id] == u {
		delete(m.units, id)
	}
	m.mu.Unlock()

	m.broadcaster.Publish(status)
	m.logger.Info("Installation deleted", zap.Int64("installation_id", id))
	return nil
}

// HandleSensor 处理接近传感器事件
func (m *Manager) HandleSensor(ctx context.Context, id int64, ev models.SensorEvent) error {
	u, err := m.lockUnit(ctx, id)
	if err != nil {
		return err
	}
	defer u.mu.Unlock()

	if u.inst.Status != models.StatusActive {
		m.logger.Debug("Ignoring sensor event for inactive installation",
			zap.Int64("installation_id", id),
			zap.String("status", ev.Status),
		)
		return nil
	}

	switch ev.Status {
	case models.SensorEntered:
		m.entered(ctx, u)
	case models.SensorLeft:
		m.left(ctx, u)
	default:
		return fmt.Errorf("unknown sensor status %q", ev.Status)
	}
	return nil
}

func (m *Manager) entered(ctx context.Context, u *unit) {
	id := u.inst.ID
	if u.inst.SensorPresent && u.inst.WheelchairState == models.WheelchairConfirmed {
		m.logger.Debug("Duplicate presence event ignored", zap.Int64("installation_id", id))
		return
	}

	u.inst.SensorPresent = true
	m.publish(u)

	if u.sessionStart == nil {
		start := m.now()
		err := m.stats.OpenSession(ctx, id, start)
		switch {
		case err == nil:
			u.sessionStart = &start
		case errors.Is(err, stats.ErrSessionOpen):
			if cur, _ := m.stats.CurrentSession(ctx, id); cur != nil {
				s := cur.StartTime
				u.sessionStart = &s
			}
		default:
			m.logger.Warn("Failed to open viewing session", zap.Int64("installation_id", id), zap.Error(err))
		}
	}

	u.inst.WheelchairState = models.WheelchairChecking
	m.publish(u)
	m.persist(u)

	m.startDetection(u)
}

func (m *Manager) left(ctx context.Context, u *unit) {
	if !u.inst.SensorPresent && u.inst.WheelchairState == models.WheelchairNone && u.sessionStart == nil {
		return
	}
	m.cancelDetection(u, detection.ReasonManuallyResolved)
	m.closeViewingSession(ctx, u)
	u.inst.ResetLiveFlags()
	m.publish(u)
	m.persist(u)
}

// HandleHeightDone 执行器完成确认
func (m *Manager) HandleHeightDone(ctx context.Context, id int64, ack models.HeightDonePayload) error {
	u, err := m.lockUnit(ctx, id)
	if err != nil {
		return err
	}
	defer u.mu.Unlock()

	if !ack.Status {
		m.logger.Warn("Actuator reported failure", zap.Int64("installation_id", id))
		return nil
	}
	// 无人在场时的确认是过期应答，不改变状态
	if !u.inst.SensorPresent || u.inst.HeightAdjusted {
		return nil
	}
	u.inst.HeightAdjusted = true
	m.publish(u)
	m.persist(u)
	return nil
}

// HandleActive 远程启用/停用
func (m *Manager) HandleActive(ctx context.Context, id int64, active bool) error {
	u, err := m.lockUnit(ctx, id)
	if err != nil {
		return err
	}
	defer u.mu.Unlock()

	if active {
		if u.inst.Status == models.StatusActive {
			return nil
		}
		u.inst.Status = models.StatusActive
	} else {
		if u.inst.Status == models.StatusInactive && !u.inst.SensorPresent && u.sessionStart == nil {
			return nil
		}
		m.cancelDetection(u, detection.ReasonStopped)
		m.closeViewingSession(ctx, u)
		u.inst.Status = models.StatusInactive
		u.inst.ResetLiveFlags()
	}

	m.logger.Info("Installation status changed",
		zap.Int64("installation_id", id),
		zap.String("status", string(u.inst.Status)),
	)
	m.publish(u)
	m.persist(u)
	return nil
}

// Snapshot 获取安装当前状态
func (m *Manager) Snapshot(ctx context.Context, id int64) (*models.Installation, error) {
	u, err := m.lockUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	defer u.mu.Unlock()
	out := u.inst
	return &out, nil
}

// Snapshots 所有安装的当前状态（内存状态优先于持久化）
func (m *Manager) Snapshots(ctx context.Context) ([]models.Installation, error) {
	stored, err := m.repo.ListInstallations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", err)
	}

	byID := make(map[int64]models.Installation, len(stored))
	for _, inst := range stored {
		byID[inst.ID] = *inst
	}

	m.mu.RLock()
	units := make([]*unit, 0, len(m.units))
	for _, u := range m.units {
		units = append(units, u)
	}
	m.mu.RUnlock()

	for _, u := range units {
		u.mu.Lock()
		if !u.removed {
			byID[u.inst.ID] = u.inst
		}
		u.mu.Unlock()
	}

	out := make([]models.Installation, 0, len(byID))
	for _, inst := range byID {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Statuses 所有安装的广播状态（用于新观察者的初始推送）
func (m *Manager) Statuses(ctx context.Context) []models.Status {
	insts, err := m.Snapshots(ctx)
	if err != nil {
		m.logger.Warn("Failed to build status snapshot", zap.Error(err))
		return nil
	}
	now := m.now()
	out := make([]models.Status, 0, len(insts))
	for i := range insts {
		out = append(out, models.StatusOf(&insts[i], now))
	}
	return out
}

// startDetection 在后台启动检测，结果通过 generation 校验后回到 unit
func (m *Manager) startDetection(u *unit) {
	u.generation++
	gen := u.generation
	id := u.inst.ID
	if u.cancel != nil {
		u.cancel()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	u.cancel = cancel

	// 在 u.mu 下登记，保证运行顺序与事件顺序一致
	wait := m.detector.Begin(ctx, id)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.runDetection(ctx, u, id, gen, wait)
	}()
}

// cancelDetection 停止检测并使进行中的续作失效
func (m *Manager) cancelDetection(u *unit, reason detection.Reason) {
	m.detector.Stop(u.inst.ID, reason)
	u.generation++
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
}

func (m *Manager) runDetection(ctx context.Context, u *unit, id int64, gen uint64, wait func() detection.Result) {
	res := wait()

	u.mu.Lock()
	if u.generation != gen || u.removed {
		u.mu.Unlock()
		return
	}
	if !res.Detected {
		u.inst.WheelchairState = models.WheelchairNone
		u.cancel = nil
		m.publish(u)
		m.persist(u)
		u.mu.Unlock()
		return
	}
	inst := u.inst
	u.mu.Unlock()

	adjusted, err := m.adjustHeight(ctx, &inst)

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.generation != gen || u.removed {
		return
	}
	u.cancel = nil
	if err != nil {
		m.logger.Warn("Height command failed",
			zap.Int64("installation_id", id),
			zap.Error(err),
		)
		u.inst.WheelchairState = models.WheelchairNone
	} else {
		u.inst.WheelchairState = models.WheelchairConfirmed
		u.inst.HeightAdjusted = adjusted || u.inst.HeightAdjusted
	}
	m.publish(u)
	m.persist(u)
}

// adjustHeight 根据安装尺寸下发高度指令；无需调整时返回 false 且不发送
func (m *Manager) adjustHeight(ctx context.Context, inst *models.Installation) (bool, error) {
	delta := HeightDelta(inst.Height, inst.BaseHeight, m.opts.HeightOffset)
	if delta <= 0 {
		m.logger.Info("No height adjustment needed",
			zap.Int64("installation_id", inst.ID),
			zap.Int64("delta", delta),
		)
		return false, nil
	}

	resp, err := m.sender.Send(ctx, correlator.Request{
		InstallationID: inst.ID,
		Kind:           correlator.KindHeight,
		Payload:        models.HeightCommand{Delta: delta},
		Timeout:        m.opts.HeightAckTimeout,
	})
	if err != nil {
		return false, err
	}

	var ack models.HeightDonePayload
	if err := json.Unmarshal(resp.Payload, &ack); err != nil {
		return false, fmt.Errorf("failed to decode height ack: %w", err)
	}
	if !ack.Status {
		return false, ErrHeightRejected
	}
	return true, nil
}

// closeViewingSession 关闭未结束的观看会话
func (m *Manager) closeViewingSession(ctx context.Context, u *unit) {
	if u.sessionStart == nil {
		return
	}
	v, err := m.stats.CloseSession(ctx, u.inst.ID, *u.sessionStart, m.now())
	if err != nil {
		m.logger.Warn("Failed to close viewing session", zap.Int64("installation_id", u.inst.ID), zap.Error(err))
	} else if v.DurationSeconds != nil {
		m.logger.Debug("Viewing session closed",
			zap.Int64("installation_id", u.inst.ID),
			zap.Int64("duration_seconds", *v.DurationSeconds),
		)
	}
	u.sessionStart = nil
}

func (m *Manager) publish(u *unit) {
	m.broadcaster.Publish(models.StatusOf(&u.inst, m.now()))
}

// persist 保存实时状态，失败只记录日志
func (m *Manager) persist(u *unit) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	u.inst.UpdatedAt = m.now()
	if err := m.repo.SaveInstallation(ctx, &u.inst); err != nil {
		m.logger.Warn("Failed to persist installation state",
			zap.Int64("installation_id", u.inst.ID),
			zap.Error(err),
		)
	}
}
