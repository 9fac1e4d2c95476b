// ========================================
// MintService 票据铸造协调说明
// ========================================
//
// ## 功能概述
// 接收 mintNfts 请求, 固定活动资源到 IPFS, 签名并提交 mintTickets 交易,
// 同步返回交易哈希. 终态 (FINAL) 只由 ReconcilerService 观察到链上
// TicketsMinted 事件后写入.
//
// ## 互斥
// pending_mints 上 ticket_id / event_id 的部分唯一索引 (resolved_at IS NULL)
// 保证同一票据同时最多一个未决铸造, 跨实例有效.
//
// ## 失败处理
// - 固定/签名/提交失败: 删除预留标记, 释放 nonce, 活动保持 DRAFT
// - 提交成功但记录受理失败: 退避重试, 仍失败则保留标记并返回
//   UNRESOLVED_MINT (带交易哈希), 由 MintMonitor 持续告警
//
// ## 消息输出 (Kafka Producer)
// - Topic: ticket-mint-submitted, key ticket_id
//
// ========================================
package service

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-mint/internal/blockchain"
	"github.com/eidos-exchange/eidos-mint/internal/contract"
	"github.com/eidos-exchange/eidos-mint/internal/kafka"
	"github.com/eidos-exchange/eidos-mint/internal/metrics"
	"github.com/eidos-exchange/eidos-mint/internal/model"
	"github.com/eidos-exchange/eidos-mint/internal/pinning"
	"github.com/eidos-exchange/eidos-mint/internal/repository"
	"github.com/eidos-exchange/eidos-mint/pkg/alert"
	pkgerrors "github.com/eidos-exchange/eidos-mint/pkg/errors"
	"github.com/eidos-exchange/eidos-mint/pkg/logger"
)

// MintServiceConfig 铸造配置
type MintServiceConfig struct {
	ChainID       int64
	GasLimit      uint64
	SubmitTimeout time.Duration
	PinTimeout    time.Duration
	RecordRetries int
	RecordBackoff time.Duration
}

// MintRequest 铸造请求
type MintRequest struct {
	TicketID    string
	RequestedBy string // 可选, 非空时必须是活动创建者
}

// MintResult 铸造受理结果
type MintResult struct {
	TxHash   string `json:"tx_hash"`
	TicketID string `json:"ticket_id"`
	EventID  string `json:"event_id"`
	IPFSHash string `json:"ipfs_hash"`
}

// MintService 铸造协调服务
type MintService struct {
	ticketRepo      repository.TicketRepository
	pendingMintRepo repository.PendingMintRepository
	tx              repository.Transactor
	pinner          pinning.AssetPinner
	submitter       TxSubmitter
	signer          blockchain.Signer
	nonces          NonceAllocator
	nft             *contract.TicketNFT

	publisher kafka.EventPublisher
	alerter   alert.Alerter

	chainID       int64
	gasLimit      uint64
	submitTimeout time.Duration
	pinTimeout    time.Duration
	recordRetries int
	recordBackoff time.Duration
}

// NewMintService 创建铸造服务
func NewMintService(
	ticketRepo repository.TicketRepository,
	pendingMintRepo repository.PendingMintRepository,
	tx repository.Transactor,
	pinner pinning.AssetPinner,
	submitter TxSubmitter,
	signer blockchain.Signer,
	nonces NonceAllocator,
	nft *contract.TicketNFT,
	cfg *MintServiceConfig,
) *MintService {
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 500000
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout == 0 {
		submitTimeout = 30 * time.Second
	}
	pinTimeout := cfg.PinTimeout
	if pinTimeout == 0 {
		pinTimeout = time.Minute
	}
	recordRetries := cfg.RecordRetries
	if recordRetries <= 0 {
		recordRetries = 5
	}
	recordBackoff := cfg.RecordBackoff
	if recordBackoff == 0 {
		recordBackoff = 200 * time.Millisecond
	}

	return &MintService{
		ticketRepo:      ticketRepo,
		pendingMintRepo: pendingMintRepo,
		tx:              tx,
		pinner:          pinner,
		submitter:       submitter,
		signer:          signer,
		nonces:          nonces,
		nft:             nft,
		publisher:       kafka.NoopEventPublisher{},
		alerter:         alert.NoopAlerter{},
		chainID:         cfg.ChainID,
		gasLimit:        gasLimit,
		submitTimeout:   submitTimeout,
		pinTimeout:      pinTimeout,
		recordRetries:   recordRetries,
		recordBackoff:   recordBackoff,
	}
}

// SetPublisher 设置事件发布器
func (s *MintService) SetPublisher(p kafka.EventPublisher) {
	s.publisher = p
}

// SetAlerter 设置告警
func (s *MintService) SetAlerter(a alert.Alerter) {
	s.alerter = a
}

// RequestMint 受理铸造请求, 返回已提交交易的哈希
func (s *MintService) RequestMint(ctx context.Context, req *MintRequest) (*MintResult, error) {
	start := time.Now()
	result, err := s.requestMint(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = mintOutcome(err)
		logger.Warn("mint request failed",
			zap.String("ticket_id", req.TicketID),
			zap.String("requested_by", req.RequestedBy),
			zap.String("code", pkgerrors.GetCode(err)),
			zap.Error(err))
	}
	metrics.RecordMintRequest(outcome, time.Since(start).Seconds())
	return result, err
}

func mintOutcome(err error) string {
	switch {
	case pkgerrors.Is(err, pkgerrors.ErrIneligibleMint):
		return "ineligible"
	case pkgerrors.Is(err, pkgerrors.ErrPinning):
		return "pinning_error"
	case pkgerrors.Is(err, pkgerrors.ErrSubmission):
		return "submission_error"
	case pkgerrors.Is(err, pkgerrors.ErrUnresolvedMint):
		return "unresolved"
	case pkgerrors.Is(err, pkgerrors.ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}

func (s *MintService) requestMint(ctx context.Context, req *MintRequest) (*MintResult, error) {
	if _, err := uuid.Parse(req.TicketID); err != nil {
		return nil, pkgerrors.ErrInvalidRequest.WithMessage("ticket_id must be a uuid")
	}
	if req.RequestedBy != "" {
		if _, err := uuid.Parse(req.RequestedBy); err != nil {
			return nil, pkgerrors.ErrInvalidRequest.WithMessage("requested_by must be a uuid")
		}
	}

	ticket, event, err := s.checkPreconditions(ctx, req)
	if err != nil {
		return nil, err
	}

	// 预留之后的步骤不受调用方取消影响
	dctx := context.WithoutCancel(ctx)

	marker := &model.PendingMint{TicketID: ticket.ID, EventID: event.ID}
	if err := s.withTimeout(dctx, s.submitTimeout, func(ctx context.Context) error {
		return s.reserve(ctx, marker)
	}); err != nil {
		var notDraft *eventNotDraftError
		switch {
		case errors.As(err, &notDraft):
			return nil, ineligible(ticket.ID, "event status is "+notDraft.status.String())
		case errors.Is(err, repository.ErrMintAlreadyPending):
			return nil, ineligible(ticket.ID, "mint already pending")
		}
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInternal, err, "reserve mint")
	}

	return s.submit(dctx, req, ticket, event, marker)
}

type eventNotDraftError struct {
	status model.EventStatus
}

func (e *eventNotDraftError) Error() string {
	return "event status is " + e.status.String()
}

// reserve 锁定活动行并复核 DRAFT 后插入预留标记.
// 先锁活动再写标记, 与对账确认的加锁顺序一致
func (s *MintService) reserve(ctx context.Context, marker *model.PendingMint) error {
	return s.tx.Transaction(ctx, func(ctx context.Context) error {
		event, err := s.ticketRepo.GetEvent(ctx, marker.EventID, &repository.QueryOptions{ForUpdate: true})
		if err != nil {
			return err
		}
		if event.EventStatus != model.EventStatusDraft {
			return &eventNotDraftError{status: event.EventStatus}
		}
		return s.pendingMintRepo.Reserve(ctx, marker)
	})
}

func ineligible(ticketID, reason string) *pkgerrors.Error {
	return pkgerrors.ErrIneligibleMint.
		WithDetail("ticket_id", ticketID).
		WithDetail("reason", reason)
}

// checkPreconditions 票据存在, 活动为 DRAFT, 无未决铸造, 请求者为创建者
func (s *MintService) checkPreconditions(ctx context.Context, req *MintRequest) (*model.Ticket, *model.Event, error) {
	ticket, err := s.ticketRepo.GetTicket(ctx, req.TicketID)
	if err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return nil, nil, ineligible(req.TicketID, "ticket not found")
		}
		return nil, nil, pkgerrors.Wrapf(pkgerrors.ErrInternal, err, "get ticket")
	}

	event, err := s.ticketRepo.GetEvent(ctx, ticket.EventID, nil)
	if err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			return nil, nil, ineligible(req.TicketID, "event not found")
		}
		return nil, nil, pkgerrors.Wrapf(pkgerrors.ErrInternal, err, "get event")
	}
	if event.EventStatus != model.EventStatusDraft {
		return nil, nil, ineligible(req.TicketID, "event status is "+event.EventStatus.String())
	}
	if req.RequestedBy != "" && req.RequestedBy != event.CreatedByUser {
		return nil, nil, ineligible(req.TicketID, "requester is not the event creator")
	}

	if _, err := s.pendingMintRepo.GetActiveByTicket(ctx, ticket.ID); err == nil {
		return nil, nil, ineligible(req.TicketID, "mint already pending")
	} else if !errors.Is(err, repository.ErrPendingMintNotFound) {
		return nil, nil, pkgerrors.Wrapf(pkgerrors.ErrInternal, err, "get pending mint")
	}
	return ticket, event, nil
}

func (s *MintService) submit(ctx context.Context, req *MintRequest, ticket *model.Ticket, event *model.Event, marker *model.PendingMint) (*MintResult, error) {
	ipfsHash, err := s.ensurePinned(ctx, event.ID)
	if err != nil {
		s.abort(ctx, marker, nil)
		return nil, err
	}

	args, err := BuildMintArgs(ticket, event, ipfsHash)
	if err != nil {
		s.abort(ctx, marker, nil)
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidRequest, err, "build mint payload")
	}

	sctx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	nonce, err := s.nonces.AcquireNonce(sctx)
	if err != nil {
		s.abort(ctx, marker, nil)
		return nil, pkgerrors.Wrapf(pkgerrors.ErrSubmission, err, "acquire nonce")
	}

	txHash, err := s.signAndSend(sctx, nonce, args)
	if err != nil {
		s.abort(ctx, marker, &nonce)
		if blockchain.IsNonceTooLow(err) {
			if rerr := s.nonces.Resync(ctx); rerr != nil {
				logger.Warn("nonce resync failed", zap.Error(rerr))
			}
		}
		if pkgerrors.Is(err, pkgerrors.ErrSubmission) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.ErrSubmission, err)
	}
	s.nonces.ConfirmNonce(nonce, txHash)

	logger.Info("mint transaction submitted",
		zap.String("ticket_id", ticket.ID),
		zap.String("event_id", event.ID),
		zap.String("tx_hash", txHash),
		zap.Uint64("nonce", nonce))

	if err := s.recordAcceptance(ctx, marker, txHash, nonce); err != nil {
		logger.Error("record mint acceptance failed, marker left unresolved",
			zap.Int64("pending_mint_id", marker.ID),
			zap.String("ticket_id", ticket.ID),
			zap.String("tx_hash", txHash),
			zap.Error(err))
		s.alerter.SendAsync(ctx, &alert.Alert{
			Title:    "Unresolved ticket mint",
			Message:  "mint transaction accepted by the chain but the acceptance record failed",
			Severity: alert.SeverityCritical,
			Tags: map[string]string{
				"ticket_id":       ticket.ID,
				"event_id":        event.ID,
				"tx_hash":         txHash,
				"pending_mint_id": strconv.FormatInt(marker.ID, 10),
			},
		})
		return nil, pkgerrors.Wrap(pkgerrors.ErrUnresolvedMint, err).
			WithDetail("ticket_id", ticket.ID).
			WithDetail("tx_hash", txHash)
	}

	if err := s.publisher.PublishMintSubmitted(ctx, &model.MintSubmittedMessage{
		TicketID:    ticket.ID,
		EventID:     event.ID,
		TxHash:      txHash,
		IPFSHash:    ipfsHash,
		ChainID:     s.chainID,
		RequestedBy: req.RequestedBy,
		SubmittedAt: nowMilli(),
	}); err != nil {
		logger.Warn("publish mint submitted failed",
			zap.String("ticket_id", ticket.ID),
			zap.String("tx_hash", txHash),
			zap.Error(err))
	}

	return &MintResult{
		TxHash:   txHash,
		TicketID: ticket.ID,
		EventID:  event.ID,
		IPFSHash: ipfsHash,
	}, nil
}

func (s *MintService) signAndSend(ctx context.Context, nonce uint64, args *contract.MintTicketsArgs) (string, error) {
	gasPrice, err := s.submitter.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	tx, err := s.nft.MintTickets(&bind.TransactOpts{
		From:     s.signer.Address(),
		Nonce:    new(big.Int).SetUint64(nonce),
		GasLimit: s.gasLimit,
		GasPrice: gasPrice,
	}, args)
	if err != nil {
		return "", err
	}

	signed, err := s.signer.SignTx(tx)
	if err != nil {
		return "", err
	}

	hash, err := s.submitter.SubmitTransaction(ctx, signed)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// ensurePinned 资源未固定时固定, 并发写入者胜出时使用已存储的哈希
func (s *MintService) ensurePinned(ctx context.Context, eventID string) (string, error) {
	asset, err := s.ticketRepo.GetAssetByEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrAssetNotFound) {
			return "", pkgerrors.ErrIneligibleMint.
				WithDetail("event_id", eventID).
				WithDetail("reason", "event has no asset file")
		}
		return "", pkgerrors.Wrapf(pkgerrors.ErrInternal, err, "get asset")
	}
	if asset.Pinned() {
		return *asset.IPFSHash, nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.pinTimeout)
	defer cancel()

	hash, err := s.pinner.Pin(pctx, asset)
	if err != nil {
		return "", err
	}

	written, err := s.ticketRepo.SetIPFSHash(ctx, asset.ID, hash)
	if err != nil {
		return "", pkgerrors.Wrapf(pkgerrors.ErrPinning, err, "store ipfs hash")
	}
	if written {
		return hash, nil
	}

	stored, err := s.ticketRepo.GetAsset(ctx, asset.ID)
	if err != nil {
		return "", pkgerrors.Wrapf(pkgerrors.ErrPinning, err, "reload asset")
	}
	if stored.Pinned() {
		return *stored.IPFSHash, nil
	}
	return hash, nil
}

// recordAcceptance 标记 SUBMITTED 并推进活动 DRAFT -> MINTING
func (s *MintService) recordAcceptance(ctx context.Context, marker *model.PendingMint, txHash string, nonce uint64) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.recordBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(eb, uint64(s.recordRetries))

	return backoff.RetryNotify(func() error {
		return s.withTimeout(ctx, s.submitTimeout, func(ctx context.Context) error {
			return s.tx.Transaction(ctx, func(ctx context.Context) error {
				return s.markAccepted(ctx, marker, txHash, nonce)
			})
		})
	}, b, func(err error, d time.Duration) {
		logger.Warn("record mint acceptance failed, retrying",
			zap.Int64("pending_mint_id", marker.ID),
			zap.String("tx_hash", txHash),
			zap.Duration("backoff", d),
			zap.Error(err))
	})
}

func (s *MintService) markAccepted(ctx context.Context, marker *model.PendingMint, txHash string, nonce uint64) error {
	err := s.pendingMintRepo.MarkSubmitted(ctx, marker.ID, txHash, nonce)
	if errors.Is(err, repository.ErrPendingMintConflict) {
		// 确认事件先于受理记录到达, 对账已完成 DRAFT -> MINTING -> FINAL
		current, gerr := s.pendingMintRepo.GetByID(ctx, marker.ID)
		if gerr == nil && current.Status == model.PendingMintStatusConfirmed {
			return nil
		}
		return backoff.Permanent(err)
	}
	if err != nil {
		return err
	}

	err = s.ticketRepo.TransitionEventStatus(ctx, marker.EventID, model.EventStatusDraft, model.EventStatusMinting)
	if errors.Is(err, repository.ErrStatusConflict) {
		event, gerr := s.ticketRepo.GetEvent(ctx, marker.EventID, nil)
		if gerr == nil && event.EventStatus >= model.EventStatusMinting {
			return nil
		}
	}
	return err
}

// abort 撤销预留并释放 nonce
func (s *MintService) abort(ctx context.Context, marker *model.PendingMint, nonce *uint64) {
	if err := s.withTimeout(ctx, s.submitTimeout, func(ctx context.Context) error {
		return s.pendingMintRepo.DeleteReservation(ctx, marker.ID)
	}); err != nil {
		logger.Error("delete mint reservation failed",
			zap.Int64("pending_mint_id", marker.ID),
			zap.String("ticket_id", marker.TicketID),
			zap.Error(err))
	}
	if nonce != nil {
		if err := s.nonces.ReleaseNonce(ctx, *nonce); err != nil {
			logger.Warn("release nonce failed", zap.Uint64("nonce", *nonce), zap.Error(err))
		}
	}
}

func (s *MintService) withTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}

// BuildMintArgs 构造 mintTickets 调用参数
func BuildMintArgs(ticket *model.Ticket, event *model.Event, ipfsHash string) (*contract.MintTicketsArgs, error) {
	ticketID, err := contract.TicketIDToBytes16(ticket.ID)
	if err != nil {
		return nil, err
	}

	extra, err := buildExtra(ticket.Price)
	if err != nil {
		return nil, err
	}

	media := event.CoverPhotoURL
	return &contract.MintTicketsArgs{
		TicketID:        ticketID,
		TokenURI:        "ipfs://" + ipfsHash,
		Media:           media,
		MediaHash:       sha256.Sum256([]byte(media)),
		NumberOfTickets: big.NewInt(int64(ticket.Quantity())),
		Extra:           extra,
	}, nil
}

// buildExtra {"price":"<decimal>"}, 无价格时为 {}
func buildExtra(price *string) (string, error) {
	extra := map[string]string{}
	if price != nil && *price != "" {
		d, err := decimal.NewFromString(*price)
		if err != nil {
			return "", err
		}
		if d.IsNegative() {
			return "", errors.New("negative ticket price")
		}
		extra["price"] = d.String()
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
