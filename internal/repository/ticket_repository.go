package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-mint/internal/model"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrEventNotFound  = errors.New("event not found")
	ErrAssetNotFound  = errors.New("asset file not found")
	// ErrInvalidTransition 状态只能单步前进
	ErrInvalidTransition = errors.New("invalid event status transition")
	// ErrStatusConflict 条件更新未命中, 状态已被其他写入者改变
	ErrStatusConflict = errors.New("event status changed concurrently")
)

// ApplyOutcome 铸造确认应用结果
type ApplyOutcome int

const (
	ApplyOutcomeFinalized          ApplyOutcome = iota // MINTING -> FINAL
	ApplyOutcomeFinalizedFromDraft                     // DRAFT -> MINTING -> FINAL (确认先于受理记录到达)
	ApplyOutcomeAlreadyFinal                           // 重放, 无变化
	ApplyOutcomeUnexpectedMint                         // DRAFT 且无铸造标记, 不变更
)

func (o ApplyOutcome) String() string {
	switch o {
	case ApplyOutcomeFinalized:
		return "finalized"
	case ApplyOutcomeFinalizedFromDraft:
		return "finalized_from_draft"
	case ApplyOutcomeAlreadyFinal:
		return "already_final"
	case ApplyOutcomeUnexpectedMint:
		return "unexpected_mint"
	default:
		return "unknown"
	}
}

// Applied 是否产生了状态变化
func (o ApplyOutcome) Applied() bool {
	return o == ApplyOutcomeFinalized || o == ApplyOutcomeFinalizedFromDraft
}

// MintConfirmation 链上确认
type MintConfirmation struct {
	TicketID       string
	MintedTokenRef string
	TxHash         string
	BlockNumber    uint64
}

// ApplyResult 应用结果
type ApplyResult struct {
	Outcome        ApplyOutcome
	EventID        string
	MarkerResolved bool
}

// TicketRepository 票据/活动/资源仓储
type TicketRepository interface {
	GetTicket(ctx context.Context, ticketID string) (*model.Ticket, error)
	GetEvent(ctx context.Context, eventID string, opts *QueryOptions) (*model.Event, error)
	// TransitionEventStatus 条件推进活动状态
	TransitionEventStatus(ctx context.Context, eventID string, from, to model.EventStatus) error
	// SetMintedTokenRef 仅在未设置时写入
	SetMintedTokenRef(ctx context.Context, ticketID, ref string) (bool, error)
	// ApplyMintConfirmation 将链上确认应用到票据状态, 需在事务中调用
	ApplyMintConfirmation(ctx context.Context, conf *MintConfirmation) (*ApplyResult, error)

	GetAssetByEvent(ctx context.Context, eventID string) (*model.AssetFile, error)
	GetAsset(ctx context.Context, assetID string) (*model.AssetFile, error)
	// SetIPFSHash 仅在未设置时写入, 返回是否写入
	SetIPFSHash(ctx context.Context, assetID, hash string) (bool, error)
}

type ticketRepository struct {
	*Repository
	pendingMints PendingMintRepository
}

// NewTicketRepository 创建票据仓储
func NewTicketRepository(db *gorm.DB, pendingMints PendingMintRepository) TicketRepository {
	return &ticketRepository{
		Repository:   NewRepository(db),
		pendingMints: pendingMints,
	}
}

func (r *ticketRepository) GetTicket(ctx context.Context, ticketID string) (*model.Ticket, error) {
	var ticket model.Ticket
	err := r.DB(ctx).Where("id = ?", ticketID).First(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (r *ticketRepository) GetEvent(ctx context.Context, eventID string, opts *QueryOptions) (*model.Event, error) {
	var event model.Event
	err := opts.ApplyLock(r.DB(ctx)).Where("id = ?", eventID).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *ticketRepository) TransitionEventStatus(ctx context.Context, eventID string, from, to model.EventStatus) error {
	if !from.CanTransitionTo(to) {
		return ErrInvalidTransition
	}

	result := r.DB(ctx).Model(&model.Event{}).
		Where("id = ? AND event_status = ?", eventID, from).
		Updates(map[string]interface{}{
			"event_status": to,
			"updated_at":   nowMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *ticketRepository) SetMintedTokenRef(ctx context.Context, ticketID, ref string) (bool, error) {
	result := r.DB(ctx).Model(&model.Ticket{}).
		Where("id = ? AND minted_token_ref IS NULL", ticketID).
		Updates(map[string]interface{}{
			"minted_token_ref": ref,
			"updated_at":       nowMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *ticketRepository) ApplyMintConfirmation(ctx context.Context, conf *MintConfirmation) (*ApplyResult, error) {
	ticket, err := r.GetTicket(ctx, conf.TicketID)
	if err != nil {
		return nil, err
	}

	event, err := r.GetEvent(ctx, ticket.EventID, &QueryOptions{ForUpdate: true})
	if err != nil {
		return nil, err
	}

	res := &ApplyResult{EventID: event.ID}

	if event.EventStatus == model.EventStatusFinal {
		res.Outcome = ApplyOutcomeAlreadyFinal
		return res, nil
	}

	// 只确认本票的活动标记, 活动标记属于其他票时不推进活动状态
	if _, err := r.pendingMints.GetActiveByTicket(ctx, ticket.ID); err != nil {
		if errors.Is(err, ErrPendingMintNotFound) {
			res.Outcome = ApplyOutcomeUnexpectedMint
			return res, nil
		}
		return nil, err
	}

	switch event.EventStatus {
	case model.EventStatusMinting:
		if err := r.TransitionEventStatus(ctx, event.ID, model.EventStatusMinting, model.EventStatusFinal); err != nil {
			return nil, err
		}
		res.Outcome = ApplyOutcomeFinalized

	case model.EventStatusDraft:
		if err := r.TransitionEventStatus(ctx, event.ID, model.EventStatusDraft, model.EventStatusMinting); err != nil {
			return nil, err
		}
		if err := r.TransitionEventStatus(ctx, event.ID, model.EventStatusMinting, model.EventStatusFinal); err != nil {
			return nil, err
		}
		res.Outcome = ApplyOutcomeFinalizedFromDraft

	default:
		return nil, ErrInvalidTransition
	}

	resolved, err := r.pendingMints.ConfirmActive(ctx, ticket.ID, conf.BlockNumber, conf.TxHash)
	if err != nil {
		return nil, err
	}
	res.MarkerResolved = resolved

	if conf.MintedTokenRef != "" {
		if _, err := r.SetMintedTokenRef(ctx, ticket.ID, conf.MintedTokenRef); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r *ticketRepository) GetAssetByEvent(ctx context.Context, eventID string) (*model.AssetFile, error) {
	var asset model.AssetFile
	err := r.DB(ctx).Where("event_id = ?", eventID).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (r *ticketRepository) GetAsset(ctx context.Context, assetID string) (*model.AssetFile, error) {
	var asset model.AssetFile
	err := r.DB(ctx).Where("id = ?", assetID).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (r *ticketRepository) SetIPFSHash(ctx context.Context, assetID, hash string) (bool, error) {
	result := r.DB(ctx).Model(&model.AssetFile{}).
		Where("id = ? AND ipfs_hash IS NULL", assetID).
		Update("ipfs_hash", hash)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
