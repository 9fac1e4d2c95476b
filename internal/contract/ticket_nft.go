// Package contract 票据 NFT 合约的 ABI 编解码
package contract

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// TicketNFTABI TicketNFT 合约 ABI
//
// Solidity 接口:
//
//	function mintTickets(
//	    bytes16 ticketId,
//	    string calldata tokenURI,
//	    string calldata media,
//	    bytes32 mediaHash,
//	    uint256 numberOfTickets,
//	    string calldata extra
//	) external;
//
//	event TicketsMinted(bytes16 indexed ticketId, uint256 firstTokenId, uint256 count, string tokenURI);
//	event Transfer(address indexed from, address indexed to, uint256 indexed tokenId);
const TicketNFTABI = `[
	{
		"type": "function",
		"name": "mintTickets",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "ticketId", "type": "bytes16"},
			{"name": "tokenURI", "type": "string"},
			{"name": "media", "type": "string"},
			{"name": "mediaHash", "type": "bytes32"},
			{"name": "numberOfTickets", "type": "uint256"},
			{"name": "extra", "type": "string"}
		],
		"outputs": []
	},
	{
		"type": "event",
		"name": "TicketsMinted",
		"anonymous": false,
		"inputs": [
			{"name": "ticketId", "type": "bytes16", "indexed": true},
			{"name": "firstTokenId", "type": "uint256", "indexed": false},
			{"name": "count", "type": "uint256", "indexed": false},
			{"name": "tokenURI", "type": "string", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Transfer",
		"anonymous": false,
		"inputs": [
			{"name": "from", "type": "address", "indexed": true},
			{"name": "to", "type": "address", "indexed": true},
			{"name": "tokenId", "type": "uint256", "indexed": true}
		]
	}
]`

const (
	// EventTicketsMinted 铸造完成事件名
	EventTicketsMinted = "TicketsMinted"
	// EventTransfer ERC721 转移事件名
	EventTransfer = "Transfer"

	methodMintTickets = "mintTickets"
)

var (
	ErrInvalidTicketID    = errors.New("invalid ticket id")
	ErrInvalidTicketCount = errors.New("number of tickets must be positive")
	ErrNotEnoughTopics    = errors.New("not enough topics for TicketsMinted event")
	ErrUnexpectedTopic    = errors.New("log is not a TicketsMinted event")
)

// MintTicketsArgs mintTickets 调用参数
type MintTicketsArgs struct {
	TicketID        [16]byte `abi:"ticketId"`
	TokenURI        string   `abi:"tokenURI"`
	Media           string   `abi:"media"`
	MediaHash       [32]byte `abi:"mediaHash"`
	NumberOfTickets *big.Int `abi:"numberOfTickets"`
	Extra           string   `abi:"extra"`
}

// TicketsMintedEvent TicketsMinted 事件
type TicketsMintedEvent struct {
	TicketID     [16]byte
	FirstTokenID *big.Int `abi:"firstTokenId"`
	Count        *big.Int `abi:"count"`
	TokenURI     string   `abi:"tokenURI"`
	Raw          types.Log
}

// TicketNFT TicketNFT 合约
type TicketNFT struct {
	address common.Address
	abi     abi.ABI
}

// NewTicketNFT 创建合约实例
func NewTicketNFT(address common.Address) (*TicketNFT, error) {
	parsed, err := abi.JSON(strings.NewReader(TicketNFTABI))
	if err != nil {
		return nil, err
	}
	return &TicketNFT{address: address, abi: parsed}, nil
}

// Address 合约地址
func (c *TicketNFT) Address() common.Address {
	return c.address
}

// ABI 合约 ABI
func (c *TicketNFT) ABI() abi.ABI {
	return c.abi
}

// PackMintTickets 编码 mintTickets 调用数据
func (c *TicketNFT) PackMintTickets(args *MintTicketsArgs) ([]byte, error) {
	if args.TicketID == ([16]byte{}) {
		return nil, ErrInvalidTicketID
	}
	if args.NumberOfTickets == nil || args.NumberOfTickets.Sign() <= 0 {
		return nil, ErrInvalidTicketCount
	}
	return c.abi.Pack(methodMintTickets,
		args.TicketID,
		args.TokenURI,
		args.Media,
		args.MediaHash,
		args.NumberOfTickets,
		args.Extra,
	)
}

// MintTickets 构建未签名的 mintTickets 交易
func (c *TicketNFT) MintTickets(opts *bind.TransactOpts, args *MintTicketsArgs) (*types.Transaction, error) {
	data, err := c.PackMintTickets(args)
	if err != nil {
		return nil, err
	}

	tx := types.NewTransaction(
		opts.Nonce.Uint64(),
		c.address,
		big.NewInt(0),
		opts.GasLimit,
		opts.GasPrice,
		data,
	)
	return tx, nil
}

// UnpackMintTickets 解码 mintTickets 调用数据
func (c *TicketNFT) UnpackMintTickets(data []byte) (*MintTicketsArgs, error) {
	method, err := c.abi.MethodById(data)
	if err != nil {
		return nil, err
	}
	if method.Name != methodMintTickets {
		return nil, fmt.Errorf("unexpected method %s", method.Name)
	}

	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	args := &MintTicketsArgs{}
	if err := method.Inputs.Copy(args, values); err != nil {
		return nil, err
	}
	return args, nil
}

// ParseTicketsMinted 解析 TicketsMinted 日志
func (c *TicketNFT) ParseTicketsMinted(log types.Log) (*TicketsMintedEvent, error) {
	if len(log.Topics) < 2 {
		return nil, ErrNotEnoughTopics
	}
	if log.Topics[0] != c.TicketsMintedTopic() {
		return nil, ErrUnexpectedTopic
	}

	event := &TicketsMintedEvent{Raw: log}
	// bytes16 indexed 左对齐存放在 topic 中
	copy(event.TicketID[:], log.Topics[1][:16])

	if err := c.abi.UnpackIntoInterface(event, EventTicketsMinted, log.Data); err != nil {
		return nil, err
	}
	if event.FirstTokenID == nil || event.Count == nil {
		return nil, fmt.Errorf("incomplete %s data", EventTicketsMinted)
	}
	return event, nil
}

// EventName 根据 topic0 返回事件名, 非本合约事件返回 false
func (c *TicketNFT) EventName(topic0 common.Hash) (string, bool) {
	ev, err := c.abi.EventByID(topic0)
	if err != nil {
		return "", false
	}
	return ev.Name, true
}

// TicketsMintedTopic TicketsMinted 事件 topic
func (c *TicketNFT) TicketsMintedTopic() common.Hash {
	return c.abi.Events[EventTicketsMinted].ID
}

// TransferTopic Transfer 事件 topic
func (c *TicketNFT) TransferTopic() common.Hash {
	return c.abi.Events[EventTransfer].ID
}

// TicketIDToBytes16 uuid 字符串转 bytes16
func TicketIDToBytes16(id string) ([16]byte, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}, fmt.Errorf("%w: %v", ErrInvalidTicketID, err)
	}
	return u, nil
}

// Bytes16ToTicketID bytes16 转 uuid 字符串
func Bytes16ToTicketID(b [16]byte) string {
	return uuid.UUID(b).String()
}

// TicketIDTopic 票据 ID 对应的 indexed topic
func TicketIDTopic(b [16]byte) common.Hash {
	var h common.Hash
	copy(h[:], b[:])
	return h
}
