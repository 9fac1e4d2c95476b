// ========================================
// ReconcilerService 链上事件对账说明
// ========================================
//
// ## 功能概述
// 从检查点之后拉取已确认区块内 TicketNFT 合约的事件, 按区块/日志顺序
// 恰好一次写入事件日志, 并投影为票据/活动状态迁移.
//
// ## 单轮流程 (RunPass)
// 1. 读取检查点 (chain_checkpoints, 每条链一行)
// 2. FetchEventsSince 拉取 [checkpoint+1, min(safe, checkpoint+batch)]
//    TRANSIENT_CHAIN_ERROR 指数退避重试, 超过 max_retries 放弃本轮
// 3. 空批次直接返回, 不写检查点
// 4. 首块父哈希与检查点不一致 => REORG_DETECTED, 不写任何数据,
//    循环停止并发送 critical 告警, 由运维处理
// 5. 每个事件一个事务: 写事件日志 (重复即吸收) -> 投影 -> 条件应用
// 6. CAS 推进检查点到批次最后一个区块
// 7. 提交后发送 ticket-mint-finalized 消息 (尽力而为)
//
// ## 单活保证
// - 进程内 TryLock, 重叠调用返回 ErrPassInProgress
// - Redis 租约 eidos:mint:reconcile:lease:<chain_id> (多实例)
// - 检查点 CAS 为最终保障
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-mint/internal/blockchain"
	"github.com/eidos-exchange/eidos-mint/internal/kafka"
	"github.com/eidos-exchange/eidos-mint/internal/metrics"
	"github.com/eidos-exchange/eidos-mint/internal/model"
	"github.com/eidos-exchange/eidos-mint/internal/projector"
	"github.com/eidos-exchange/eidos-mint/internal/repository"
	"github.com/eidos-exchange/eidos-mint/pkg/alert"
	pkgerrors "github.com/eidos-exchange/eidos-mint/pkg/errors"
	"github.com/eidos-exchange/eidos-mint/pkg/lock"
	"github.com/eidos-exchange/eidos-mint/pkg/logger"
)

var (
	ErrReconcilerAlreadyRunning = errors.New("reconciler already running")
	ErrReconcilerNotRunning     = errors.New("reconciler not running")
	// ErrPassInProgress 已有对账轮次在执行 (本进程或其他实例)
	ErrPassInProgress = errors.New("reconcile pass already in progress")
	// ErrReconcilerHalted 检测到重组后停止, 需人工处理
	ErrReconcilerHalted = errors.New("reconciler halted")
)

// ReconcilerServiceConfig 对账配置
type ReconcilerServiceConfig struct {
	ChainID        int64
	PollInterval   time.Duration
	BatchSize      int
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// PassResult 单轮对账结果
type PassResult struct {
	FromBlock  uint64 `json:"from_block"`
	ToBlock    uint64 `json:"to_block"`
	Events     int    `json:"events"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Applied    int    `json:"applied"`
	Malformed  int    `json:"malformed"`
	Empty      bool   `json:"empty"`
}

// ReconcilerStatus 对账状态
type ReconcilerStatus struct {
	ChainID         int64  `json:"chain_id"`
	Running         bool   `json:"running"`
	Halted          bool   `json:"halted"`
	HaltReason      string `json:"halt_reason,omitempty"`
	CheckpointBlock uint64 `json:"checkpoint_block"`
	CheckpointHash  string `json:"checkpoint_hash,omitempty"`
	LatestBlock     uint64 `json:"latest_block"`
	LagBlocks       uint64 `json:"lag_blocks"`
	LastPassAt      int64  `json:"last_pass_at"`
	LastError       string `json:"last_error,omitempty"`
}

// ReconcilerService 链上事件对账服务
type ReconcilerService struct {
	reader         ChainReader
	checkpointRepo repository.CheckpointRepository
	eventLogRepo   repository.EventLogRepository
	ticketRepo     repository.TicketRepository
	tx             repository.Transactor
	projector      *projector.Projector

	publisher kafka.EventPublisher
	alerter   alert.Alerter
	leaser    LeaseRunner

	chainID        int64
	pollInterval   time.Duration
	batchSize      int
	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration

	passMu sync.Mutex

	mu         sync.RWMutex
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	halted     bool
	haltReason string
	lastPassAt int64
	lastError  string
}

// NewReconcilerService 创建对账服务
func NewReconcilerService(
	reader ChainReader,
	checkpointRepo repository.CheckpointRepository,
	eventLogRepo repository.EventLogRepository,
	ticketRepo repository.TicketRepository,
	tx repository.Transactor,
	proj *projector.Projector,
	cfg *ReconcilerServiceConfig,
) *ReconcilerService {
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 5 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	backoffInitial := cfg.BackoffInitial
	if backoffInitial == 0 {
		backoffInitial = 500 * time.Millisecond
	}
	backoffMax := cfg.BackoffMax
	if backoffMax == 0 {
		backoffMax = 10 * time.Second
	}

	return &ReconcilerService{
		reader:         reader,
		checkpointRepo: checkpointRepo,
		eventLogRepo:   eventLogRepo,
		ticketRepo:     ticketRepo,
		tx:             tx,
		projector:      proj,
		publisher:      kafka.NoopEventPublisher{},
		alerter:        alert.NoopAlerter{},
		chainID:        cfg.ChainID,
		pollInterval:   pollInterval,
		batchSize:      batchSize,
		maxRetries:     maxRetries,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
	}
}

// SetPublisher 设置事件发布器
func (s *ReconcilerService) SetPublisher(p kafka.EventPublisher) {
	s.publisher = p
}

// SetAlerter 设置告警
func (s *ReconcilerService) SetAlerter(a alert.Alerter) {
	s.alerter = a
}

// SetLeaser 设置跨实例租约
func (s *ReconcilerService) SetLeaser(l LeaseRunner) {
	s.leaser = l
}

// Start 启动对账循环
func (s *ReconcilerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrReconcilerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	logger.Info("reconciler starting",
		zap.Int64("chain_id", s.chainID),
		zap.Duration("poll_interval", s.pollInterval),
		zap.Int("batch_size", s.batchSize))

	go s.runLoop(ctx, s.stopCh, s.doneCh)
	return nil
}

// Stop 停止对账循环, 等待当前轮次结束
func (s *ReconcilerService) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrReconcilerNotRunning
	}
	close(s.stopCh)
	s.running = false
	done := s.doneCh
	s.mu.Unlock()

	<-done
	logger.Info("reconciler stopped", zap.Int64("chain_id", s.chainID))
	return nil
}

// IsRunning 是否运行中
func (s *ReconcilerService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// IsHalted 是否因重组停止
func (s *ReconcilerService) IsHalted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

func (s *ReconcilerService) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.IsHalted() {
				continue
			}
			// 未追上链头时连续执行, 不等下一个 tick
			for {
				res, err := s.RunPass(ctx)
				if err != nil {
					if !errors.Is(err, ErrPassInProgress) {
						logger.Error("reconcile pass failed",
							zap.Int64("chain_id", s.chainID),
							zap.Error(err))
					}
					break
				}
				if res.Empty || int(res.ToBlock-res.FromBlock+1) < s.batchSize {
					break
				}
				select {
				case <-stopCh:
					return
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// RunPass 执行一轮对账
func (s *ReconcilerService) RunPass(ctx context.Context) (*PassResult, error) {
	if s.IsHalted() {
		return nil, ErrReconcilerHalted
	}
	if !s.passMu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer s.passMu.Unlock()

	start := time.Now()
	var res *PassResult
	run := func(ctx context.Context) error {
		var err error
		res, err = s.runPass(ctx)
		return err
	}

	var err error
	if s.leaser != nil {
		err = s.leaser.WithLease(ctx, strconv.FormatInt(s.chainID, 10), run)
		if errors.Is(err, lock.ErrLeaseBusy) {
			metrics.RecordPass("busy", 0)
			return nil, ErrPassInProgress
		}
	} else {
		err = run(ctx)
	}

	s.recordPass(res, err, start)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *ReconcilerService) recordPass(res *PassResult, err error, start time.Time) {
	result := "success"
	switch {
	case err != nil && pkgerrors.Is(err, pkgerrors.ErrReorgDetected):
		result = "reorg"
	case err != nil && pkgerrors.Is(err, pkgerrors.ErrTransientChain):
		result = "transient"
	case err != nil:
		result = "error"
	case res != nil && res.Empty:
		result = "empty"
	}
	metrics.RecordPass(result, time.Since(start).Seconds())

	s.mu.Lock()
	s.lastPassAt = nowMilli()
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()
}

func (s *ReconcilerService) runPass(ctx context.Context) (*PassResult, error) {
	cp, err := s.checkpointRepo.Get(ctx, s.chainID)
	if err != nil {
		if errors.Is(err, repository.ErrCheckpointNotFound) {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrNotFound, err, "checkpoint for chain %d not bootstrapped", s.chainID)
		}
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInternal, err, "read checkpoint")
	}

	batch, err := s.fetchWithBackoff(ctx, cp)
	if err != nil {
		return nil, err
	}
	if batch.IsEmpty() {
		return &PassResult{FromBlock: cp.BlockNumber, ToBlock: cp.BlockNumber, Empty: true}, nil
	}

	if err := blockchain.CheckContinuity(cp, batch); err != nil {
		s.halt(ctx, cp, batch, err)
		return nil, err
	}

	res := &PassResult{
		FromBlock: batch.First().Number,
		ToBlock:   batch.Last().Number,
		Events:    len(batch.Events),
	}

	var finalized []*model.MintFinalizedMessage
	for i := range batch.Events {
		ev := &batch.Events[i]
		applied, err := s.applyEvent(ctx, ev)
		if err != nil {
			return nil, pkgerrors.Wrapf(pkgerrors.ErrInternal, err,
				"apply event tx=%s method=%s block=%d", ev.TxHash.Hex(), ev.MethodName, ev.BlockNumber)
		}
		if applied.inserted {
			res.Inserted++
		} else {
			res.Duplicates++
		}
		if applied.malformed {
			res.Malformed++
		}
		if applied.finalized != nil {
			res.Applied++
			finalized = append(finalized, applied.finalized)
		}
	}

	next := model.NewCheckpoint(s.chainID, batch.Last())
	if err := s.checkpointRepo.Advance(ctx, next, cp); err != nil {
		if errors.Is(err, repository.ErrStaleCheckpoint) || errors.Is(err, repository.ErrCheckpointRegression) {
			s.alerter.SendAsync(ctx, &alert.Alert{
				Title:    "Checkpoint changed concurrently",
				Message:  fmt.Sprintf("checkpoint for chain %d moved while a pass was running", s.chainID),
				Severity: alert.SeverityCritical,
				Tags: map[string]string{
					"chain_id":      strconv.FormatInt(s.chainID, 10),
					"expected":      strconv.FormatUint(cp.BlockNumber, 10),
					"expected_hash": cp.BlockHash,
					"next":          strconv.FormatUint(next.BlockNumber, 10),
				},
			})
			return nil, pkgerrors.Wrap(pkgerrors.ErrStaleCheckpoint, err)
		}
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInternal, err, "advance checkpoint")
	}

	s.updateLag(ctx, next.BlockNumber)

	for _, msg := range finalized {
		if err := s.publisher.PublishMintFinalized(ctx, msg); err != nil {
			logger.Warn("publish mint finalized failed",
				zap.String("ticket_id", msg.TicketID),
				zap.String("tx_hash", msg.TxHash),
				zap.Error(err))
		}
	}

	logger.Info("reconcile pass completed",
		zap.Int64("chain_id", s.chainID),
		zap.Uint64("from_block", res.FromBlock),
		zap.Uint64("to_block", res.ToBlock),
		zap.Int("events", res.Events),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("applied", res.Applied))
	return res, nil
}

// fetchWithBackoff 仅对 TRANSIENT_CHAIN_ERROR 重试
func (s *ReconcilerService) fetchWithBackoff(ctx context.Context, cp *model.Checkpoint) (*model.Batch, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.backoffInitial
	eb.MaxInterval = s.backoffMax
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.maxRetries)), ctx)

	return backoff.RetryNotifyWithData(func() (*model.Batch, error) {
		batch, err := s.reader.FetchEventsSince(ctx, cp, s.batchSize)
		if err != nil && !pkgerrors.Is(err, pkgerrors.ErrTransientChain) {
			return nil, backoff.Permanent(err)
		}
		return batch, err
	}, b, func(err error, d time.Duration) {
		logger.Warn("fetch events failed, retrying",
			zap.Int64("chain_id", s.chainID),
			zap.Uint64("checkpoint", cp.BlockNumber),
			zap.Duration("backoff", d),
			zap.Error(err))
	})
}

type appliedEvent struct {
	inserted  bool
	malformed bool
	finalized *model.MintFinalizedMessage
}

// applyEvent 单事件事务: 入库 + 投影 + 条件应用
func (s *ReconcilerService) applyEvent(ctx context.Context, ev *model.ChainEvent) (*appliedEvent, error) {
	row, err := model.NewIngestedEvent(s.chainID, ev, nowMilli())
	if err != nil {
		return nil, err
	}

	out := &appliedEvent{}
	var unexpected *repository.ApplyResult
	var transition *projector.Transition

	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		inserted, err := s.eventLogRepo.Insert(ctx, row)
		if err != nil {
			return err
		}
		out.inserted = inserted

		// 重复事件同样投影, 已 FINAL 的票据会短路
		t, err := s.projector.Project(ev.MethodName, ev.Logs)
		if err != nil {
			out.malformed = true
			return nil
		}
		if t == nil {
			return nil
		}
		transition = t

		result, err := s.ticketRepo.ApplyMintConfirmation(ctx, &repository.MintConfirmation{
			TicketID:       t.TicketID,
			MintedTokenRef: t.MintedTokenRef,
			TxHash:         ev.TxHash.Hex(),
			BlockNumber:    ev.BlockNumber,
		})
		if err != nil {
			if errors.Is(err, repository.ErrTicketNotFound) || errors.Is(err, repository.ErrEventNotFound) {
				metrics.RecordProjection("unknown_ticket")
				logger.Warn("mint confirmation for unknown ticket",
					zap.String("ticket_id", t.TicketID),
					zap.String("tx_hash", ev.TxHash.Hex()))
				transition = nil
				return nil
			}
			return err
		}

		metrics.RecordProjection(result.Outcome.String())
		switch {
		case result.Outcome.Applied():
			out.finalized = &model.MintFinalizedMessage{
				TicketID:       t.TicketID,
				EventID:        result.EventID,
				TxHash:         ev.TxHash.Hex(),
				BlockNumber:    ev.BlockNumber,
				BlockHash:      ev.BlockHash.Hex(),
				MintedTokenRef: t.MintedTokenRef,
				ChainID:        s.chainID,
				FinalizedAt:    nowMilli(),
			}
		case result.Outcome == repository.ApplyOutcomeUnexpectedMint:
			unexpected = result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordEventIngested(ev.MethodName, out.inserted)
	if out.malformed {
		metrics.RecordProjection("malformed")
		logger.Warn("malformed event log",
			zap.String("method", ev.MethodName),
			zap.String("tx_hash", ev.TxHash.Hex()),
			zap.Uint64("block", ev.BlockNumber))
	}
	if out.finalized != nil {
		logger.Info("ticket mint finalized",
			zap.String("ticket_id", transition.TicketID),
			zap.String("event_id", out.finalized.EventID),
			zap.String("minted_token_ref", transition.MintedTokenRef),
			zap.String("tx_hash", ev.TxHash.Hex()),
			zap.Uint64("block", ev.BlockNumber))
	}
	if unexpected != nil {
		logger.Warn("unexpected mint observed",
			zap.String("ticket_id", transition.TicketID),
			zap.String("event_id", unexpected.EventID),
			zap.String("tx_hash", ev.TxHash.Hex()))
		s.alerter.SendAsync(ctx, &alert.Alert{
			Title:    "Unexpected ticket mint",
			Message:  fmt.Sprintf("ticket %s minted on chain while its event is DRAFT with no pending mint", transition.TicketID),
			Severity: alert.SeverityWarning,
			Tags: map[string]string{
				"ticket_id": transition.TicketID,
				"event_id":  unexpected.EventID,
				"tx_hash":   ev.TxHash.Hex(),
				"block":     strconv.FormatUint(ev.BlockNumber, 10),
			},
		})
	}
	return out, nil
}

// halt 检测到重组, 停止后续轮次
func (s *ReconcilerService) halt(ctx context.Context, cp *model.Checkpoint, batch *model.Batch, reason error) {
	first := batch.First()

	s.mu.Lock()
	s.halted = true
	s.haltReason = reason.Error()
	s.mu.Unlock()

	metrics.ReorgsDetectedTotal.Inc()
	logger.Error("chain reorganization detected, reconciler halted",
		zap.Int64("chain_id", s.chainID),
		zap.Uint64("checkpoint_block", cp.BlockNumber),
		zap.String("checkpoint_hash", cp.BlockHash),
		zap.Uint64("first_block", first.Number),
		zap.String("parent_hash", first.ParentHash.Hex()))

	s.alerter.SendAsync(ctx, &alert.Alert{
		Title:    "Chain reorganization detected",
		Message:  fmt.Sprintf("block %d does not extend checkpoint %d, reconciliation halted", first.Number, cp.BlockNumber),
		Severity: alert.SeverityCritical,
		Tags: map[string]string{
			"chain_id":        strconv.FormatInt(s.chainID, 10),
			"checkpoint":      strconv.FormatUint(cp.BlockNumber, 10),
			"checkpoint_hash": cp.BlockHash,
			"parent_hash":     first.ParentHash.Hex(),
		},
	})
}

func (s *ReconcilerService) updateLag(ctx context.Context, checkpoint uint64) uint64 {
	head, err := s.reader.LatestBlockNumber(ctx)
	if err != nil {
		logger.Debug("read chain head failed", zap.Error(err))
		return 0
	}
	metrics.RecordCheckpoint(checkpoint, head)
	return head
}

// Status 对账状态快照
func (s *ReconcilerService) Status(ctx context.Context) (*ReconcilerStatus, error) {
	s.mu.RLock()
	st := &ReconcilerStatus{
		ChainID:    s.chainID,
		Running:    s.running,
		Halted:     s.halted,
		HaltReason: s.haltReason,
		LastPassAt: s.lastPassAt,
		LastError:  s.lastError,
	}
	s.mu.RUnlock()

	cp, err := s.checkpointRepo.Get(ctx, s.chainID)
	if err != nil && !errors.Is(err, repository.ErrCheckpointNotFound) {
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInternal, err, "read checkpoint")
	}
	if cp != nil {
		st.CheckpointBlock = cp.BlockNumber
		st.CheckpointHash = cp.BlockHash
	}

	st.LatestBlock = s.updateLag(ctx, st.CheckpointBlock)
	if st.LatestBlock > st.CheckpointBlock {
		st.LagBlocks = st.LatestBlock - st.CheckpointBlock
	}
	return st, nil
}

// Bootstrap 检查点不存在时从 startBlock 初始化
func (s *ReconcilerService) Bootstrap(ctx context.Context, ref model.BlockRef) error {
	written, err := s.checkpointRepo.Bootstrap(ctx, model.NewCheckpoint(s.chainID, ref))
	if err != nil {
		return pkgerrors.Wrapf(pkgerrors.ErrInternal, err, "bootstrap checkpoint")
	}
	if written {
		logger.Info("checkpoint bootstrapped",
			zap.Int64("chain_id", s.chainID),
			zap.Uint64("block", ref.Number),
			zap.String("hash", ref.Hash.Hex()))
	}
	return nil
}
