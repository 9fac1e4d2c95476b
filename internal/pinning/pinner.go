// Package pinning 将活动资源从 S3 拉取并固定到 IPFS
package pinning

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-mint/internal/metrics"
	"github.com/eidos-exchange/eidos-mint/internal/model"
	pkgerrors "github.com/eidos-exchange/eidos-mint/pkg/errors"
	"github.com/eidos-exchange/eidos-mint/pkg/logger"
)

// AssetPinner 资源固定能力
type AssetPinner interface {
	Pin(ctx context.Context, asset *model.AssetFile) (string, error)
}

// Pinner S3 -> IPFS
type Pinner struct {
	objects ObjectFetcher
	store   ContentStore
	timeout time.Duration
}

// NewPinner 创建 Pinner, timeout 覆盖下载与固定全过程
func NewPinner(objects ObjectFetcher, store ContentStore, timeout time.Duration) *Pinner {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Pinner{objects: objects, store: store, timeout: timeout}
}

// Pin 固定资源, 返回内容哈希; 失败返回 PINNING_ERROR
func (p *Pinner) Pin(ctx context.Context, asset *model.AssetFile) (string, error) {
	if asset.Pinned() {
		return *asset.IPFSHash, nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	content, err := p.objects.Fetch(ctx, asset.S3Bucket, asset.S3AbsoluteKey)
	if err != nil {
		metrics.RecordPin("fetch_failed", time.Since(start).Seconds())
		return "", pkgerrors.Wrapf(pkgerrors.ErrPinning, err, "fetch asset %s", asset.ID)
	}

	hash, err := p.store.Add(ctx, content)
	if err != nil {
		metrics.RecordPin("pin_failed", time.Since(start).Seconds())
		return "", pkgerrors.Wrapf(pkgerrors.ErrPinning, err, "pin asset %s", asset.ID)
	}

	metrics.RecordPin("success", time.Since(start).Seconds())
	logger.Info("asset pinned",
		zap.String("asset_id", asset.ID),
		zap.String("event_id", asset.EventID),
		zap.String("ipfs_hash", hash),
		zap.Int("size", len(content)))
	return hash, nil
}
