package blockchain

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrNoHealthyRPC   = errors.New("no healthy RPC endpoint available")
	ErrTxNotFound     = errors.New("transaction not found")
	ErrHeaderNotFound = errors.New("block header not found")
	// ErrRangeMoved 拉取期间区块范围发生变化 (链头重组), 重新拉取即可
	ErrRangeMoved = errors.New("block range changed during fetch")
)

// Class 错误分类
type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

// Decision 分类结果
type Decision struct {
	Class  Class
	Reason string
}

// IsTransient 是否可重试
func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

// Classify 判断链 RPC 错误是否为临时性错误
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}
	if errors.Is(err, ErrNoHealthyRPC) || errors.Is(err, ErrRangeMoved) || errors.Is(err, ErrHeaderNotFound) {
		return Decision{Class: ClassTransient, Reason: "chain_unavailable"}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429 || httpErr.StatusCode >= 500:
			return Decision{Class: ClassTransient, Reason: "http_status"}
		default:
			return Decision{Class: ClassTerminal, Reason: "http_status"}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Decision{Class: ClassTransient, Reason: "net_error"}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return classifyJSONRPCCode(rpcErr.ErrorCode(), err.Error())
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}
	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

func classifyJSONRPCCode(code int, msg string) Decision {
	lower := strings.ToLower(msg)
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
	}
	if code == -32603 || code == -32005 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_transient"}
	}
	if code <= -32000 && code >= -32099 && containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	}
	return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
}

// IsAlreadyKnown 节点已收到同一笔交易
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "already known") || strings.Contains(lower, "known transaction")
}

// IsNonceTooLow nonce 已被使用
func IsNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"header not found",
	"server closed idle connection",
}

var terminalMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"method not found",
	"execution reverted",
	"insufficient funds",
	"nonce too low",
	"intrinsic gas too low",
	"replacement transaction underpriced",
	"exceeds block gas limit",
}
