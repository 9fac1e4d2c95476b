package pinning

import (
	"context"
	"errors"
	"net/http"
	"time"

	files "github.com/ipfs/boxo/files"
	shell "github.com/ipfs/go-ipfs-api"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-mint/pkg/logger"
)

// ContentStore 内容寻址存储
type ContentStore interface {
	Add(ctx context.Context, content []byte) (string, error)
}

// IPFSConfig IPFS 配置
type IPFSConfig struct {
	APIURL  string
	Timeout time.Duration

	// 熔断: 连续失败 MaxFailures 次打开, OpenTimeout 后半开放行 HalfOpenReqs 个请求
	MaxFailures  uint32
	OpenTimeout  time.Duration
	HalfOpenReqs uint32
}

// IPFSPinner 通过 IPFS HTTP API 添加并固定内容
type IPFSPinner struct {
	sh      *shell.Shell
	breaker *gobreaker.CircuitBreaker
}

// NewIPFSPinner 创建 IPFS 固定器
func NewIPFSPinner(cfg *IPFSConfig) *IPFSPinner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	sh := shell.NewShellWithClient(cfg.APIURL, &http.Client{Timeout: timeout})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ipfs",
		MaxRequests: cfg.HalfOpenReqs,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &IPFSPinner{sh: sh, breaker: breaker}
}

// Add 添加内容并固定, 返回 CID
func (p *IPFSPinner) Add(ctx context.Context, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.add(ctx, content)
	})
	if err != nil {
		return "", err
	}

	cid, _ := result.(string)
	if cid == "" {
		return "", errors.New("ipfs add returned empty hash")
	}
	return cid, nil
}

// add 直接构造 multipart 请求, 取消通过 ctx 传到 HTTP 调用.
// 按新版 kubo (>= 0.23) 的绝对路径编码发送, 不做 /version 探测
func (p *IPFSPinner) add(ctx context.Context, content []byte) (string, error) {
	dir := files.NewSliceDirectory([]files.DirEntry{files.FileEntry("", files.NewBytesFile(content))})

	var out struct {
		Hash string
	}
	err := p.sh.Request("add").
		Option("pin", true).
		Option("cid-version", 0).
		Body(files.NewMultiFileReader(dir, true, false)).
		Exec(ctx, &out)
	if err != nil {
		return "", err
	}
	return out.Hash, nil
}

// State 熔断器状态
func (p *IPFSPinner) State() gobreaker.State {
	return p.breaker.State()
}
