package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos-mint/internal/service"
)

// ReconcilerStatusProvider 对账状态
type ReconcilerStatusProvider interface {
	Status(ctx context.Context) (*service.ReconcilerStatus, error)
}

// UnresolvedMintLister 未决铸造
type UnresolvedMintLister interface {
	List(ctx context.Context) ([]*service.UnresolvedMint, error)
}

// ReconcilerHandler 运维查询
type ReconcilerHandler struct {
	reconciler ReconcilerStatusProvider
	monitor    UnresolvedMintLister
}

// NewReconcilerHandler 创建处理器
func NewReconcilerHandler(reconciler ReconcilerStatusProvider, monitor UnresolvedMintLister) *ReconcilerHandler {
	return &ReconcilerHandler{reconciler: reconciler, monitor: monitor}
}

// Status 对账状态与检查点落后
// GET /api/v1/reconciler/status
func (h *ReconcilerHandler) Status(c *gin.Context) {
	st, err := h.reconciler.Status(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, st)
}

// ListUnresolvedMints 超时未决的铸造
// GET /api/v1/mints/unresolved
func (h *ReconcilerHandler) ListUnresolvedMints(c *gin.Context) {
	reports, err := h.monitor.List(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"items": reports, "total": len(reports)})
}
