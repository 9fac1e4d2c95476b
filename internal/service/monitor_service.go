package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-mint/internal/blockchain"
	"github.com/eidos-exchange/eidos-mint/internal/metrics"
	"github.com/eidos-exchange/eidos-mint/internal/model"
	"github.com/eidos-exchange/eidos-mint/internal/repository"
	"github.com/eidos-exchange/eidos-mint/pkg/alert"
	"github.com/eidos-exchange/eidos-mint/pkg/logger"
)

var (
	ErrMonitorAlreadyRunning = errors.New("mint monitor already running")
	ErrMonitorNotRunning     = errors.New("mint monitor not running")
)

// 链上回执状态
const (
	ReceiptStatusSuccess  = "success"
	ReceiptStatusFailed   = "failed"
	ReceiptStatusNotFound = "not_found"
	ReceiptStatusUnknown  = "unknown"
	ReceiptStatusNoTx     = "not_submitted"
)

// MintMonitorConfig 监控配置
type MintMonitorConfig struct {
	Schedule string        // cron 表达式, 如 "@every 1m"
	Timeout  time.Duration // 标记超过该时长未决即上报
	Limit    int
}

// UnresolvedMint 未决铸造报告
type UnresolvedMint struct {
	Marker        *model.PendingMint `json:"marker"`
	ReceiptStatus string             `json:"receipt_status"`
	AgeSeconds    int64              `json:"age_seconds"`
}

// MintMonitor 未决铸造监控, 只上报不自动处理
type MintMonitor struct {
	pendingMintRepo repository.PendingMintRepository
	receipts        ReceiptReader
	alerter         alert.Alerter

	schedule string
	timeout  time.Duration
	limit    int

	mu       sync.Mutex
	cron     *cron.Cron
	reported map[int64]struct{}
}

// NewMintMonitor 创建监控
func NewMintMonitor(pendingMintRepo repository.PendingMintRepository, receipts ReceiptReader, cfg *MintMonitorConfig) *MintMonitor {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}
	return &MintMonitor{
		pendingMintRepo: pendingMintRepo,
		receipts:        receipts,
		alerter:         alert.NoopAlerter{},
		schedule:        schedule,
		timeout:         timeout,
		limit:           limit,
		reported:        make(map[int64]struct{}),
	}
}

// SetAlerter 设置告警
func (m *MintMonitor) SetAlerter(a alert.Alerter) {
	m.alerter = a
}

// Start 按 cron 表达式定时检查, 上一次检查未结束时跳过本次
func (m *MintMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return ErrMonitorAlreadyRunning
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.schedule, func() {
		if _, err := m.Check(ctx); err != nil {
			logger.Error("check unresolved mints failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid monitor schedule %q: %w", m.schedule, err)
	}
	c.Start()
	m.cron = c

	logger.Info("mint monitor started",
		zap.String("schedule", m.schedule),
		zap.Duration("timeout", m.timeout))
	return nil
}

// Stop 停止监控, 等待进行中的检查结束
func (m *MintMonitor) Stop() error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return ErrMonitorNotRunning
	}

	<-c.Stop().Done()
	return nil
}

// List 列出超时未决的铸造标记及其链上回执状态
func (m *MintMonitor) List(ctx context.Context) ([]*UnresolvedMint, error) {
	active, err := m.pendingMintRepo.CountUnresolved(ctx)
	if err != nil {
		return nil, err
	}
	metrics.ActiveMintsGauge.Set(float64(active))

	now := time.Now()
	markers, err := m.pendingMintRepo.ListUnresolvedBefore(ctx, now.Add(-m.timeout).UnixMilli(), m.limit)
	if err != nil {
		return nil, err
	}
	metrics.UnresolvedMintsGauge.Set(float64(len(markers)))

	reports := make([]*UnresolvedMint, 0, len(markers))
	for _, pm := range markers {
		reports = append(reports, &UnresolvedMint{
			Marker:        pm,
			ReceiptStatus: m.receiptStatus(ctx, pm),
			AgeSeconds:    (now.UnixMilli() - pm.ReservedAt) / 1000,
		})
	}
	return reports, nil
}

// Check 上报超时未决的铸造标记, 同一标记只告警一次
func (m *MintMonitor) Check(ctx context.Context) ([]*UnresolvedMint, error) {
	reports, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{}, len(reports))
	for _, report := range reports {
		pm := report.Marker
		seen[pm.ID] = struct{}{}

		logger.Warn("unresolved mint",
			zap.Int64("pending_mint_id", pm.ID),
			zap.String("ticket_id", pm.TicketID),
			zap.String("status", pm.Status.String()),
			zap.String("tx_hash", pm.TxHashOrEmpty()),
			zap.String("receipt_status", report.ReceiptStatus),
			zap.Int64("age_seconds", report.AgeSeconds))

		m.mu.Lock()
		_, already := m.reported[pm.ID]
		m.reported[pm.ID] = struct{}{}
		m.mu.Unlock()
		if already {
			continue
		}
		m.alerter.SendAsync(ctx, &alert.Alert{
			Title:    "Unresolved ticket mint",
			Message:  fmt.Sprintf("pending mint %d for ticket %s unresolved for %ds", pm.ID, pm.TicketID, report.AgeSeconds),
			Severity: alert.SeverityWarning,
			Tags: map[string]string{
				"ticket_id":      pm.TicketID,
				"event_id":       pm.EventID,
				"status":         pm.Status.String(),
				"tx_hash":        pm.TxHashOrEmpty(),
				"receipt_status": report.ReceiptStatus,
				"pending_mint":   strconv.FormatInt(pm.ID, 10),
			},
		})
	}

	m.mu.Lock()
	for id := range m.reported {
		if _, ok := seen[id]; !ok {
			delete(m.reported, id)
		}
	}
	m.mu.Unlock()

	return reports, nil
}

func (m *MintMonitor) receiptStatus(ctx context.Context, pm *model.PendingMint) string {
	if pm.TxHash == nil || m.receipts == nil {
		return ReceiptStatusNoTx
	}
	receipt, err := m.receipts.Receipt(ctx, common.HexToHash(*pm.TxHash))
	if err != nil {
		if errors.Is(err, blockchain.ErrTxNotFound) {
			return ReceiptStatusNotFound
		}
		logger.Debug("receipt lookup failed", zap.String("tx_hash", *pm.TxHash), zap.Error(err))
		return ReceiptStatusUnknown
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return ReceiptStatusSuccess
	}
	return ReceiptStatusFailed
}
