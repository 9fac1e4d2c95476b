// Package projector 将识别出的链上事件映射为票据/活动状态迁移
package projector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eidos-exchange/eidos-mint/internal/contract"
	"github.com/eidos-exchange/eidos-mint/internal/model"
)

// ErrMalformedLog 已识别事件的日志无法解析
var ErrMalformedLog = errors.New("malformed event log")

// Transition 状态迁移请求
type Transition struct {
	TicketID       string
	NewStatus      model.EventStatus
	MintedTokenRef string
	IPFSHash       string
}

// Projector 纯函数投影, 不访问存储
type Projector struct {
	nft *contract.TicketNFT
}

// New 创建投影器
func New(nft *contract.TicketNFT) *Projector {
	return &Projector{nft: nft}
}

// Project 未识别的事件返回 nil, nil
func (p *Projector) Project(methodName string, logs []model.EventLog) (*Transition, error) {
	switch methodName {
	case contract.EventTicketsMinted:
		return p.projectTicketsMinted(logs)
	default:
		return nil, nil
	}
}

func (p *Projector) projectTicketsMinted(logs []model.EventLog) (*Transition, error) {
	if len(logs) == 0 {
		return nil, fmt.Errorf("%w: %s without logs", ErrMalformedLog, contract.EventTicketsMinted)
	}

	var t *Transition
	for _, lg := range logs {
		ev, err := p.nft.ParseTicketsMinted(toTypesLog(lg))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		if ev.Count.Sign() <= 0 {
			return nil, fmt.Errorf("%w: zero ticket count", ErrMalformedLog)
		}

		ticketID := contract.Bytes16ToTicketID(ev.TicketID)
		if t != nil && t.TicketID != ticketID {
			return nil, fmt.Errorf("%w: mixed tickets %s and %s in one call", ErrMalformedLog, t.TicketID, ticketID)
		}
		if t == nil {
			t = &Transition{
				TicketID:       ticketID,
				NewStatus:      model.EventStatusFinal,
				MintedTokenRef: fmt.Sprintf("%s:%s", ev.FirstTokenID.String(), ev.Count.String()),
				IPFSHash:       strings.TrimPrefix(ev.TokenURI, "ipfs://"),
			}
		}
	}
	return t, nil
}

func toTypesLog(lg model.EventLog) types.Log {
	return types.Log{
		Address:     lg.Address,
		Topics:      lg.Topics,
		Data:        lg.Data,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		Index:       lg.LogIndex,
	}
}
