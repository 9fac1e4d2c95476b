package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos-mint/internal/service"
)

// Minter 铸造请求受理
type Minter interface {
	RequestMint(ctx context.Context, req *service.MintRequest) (*service.MintResult, error)
}

// MintRequestBody POST /api/v1/tickets/:ticket_id/mint 请求体
type MintRequestBody struct {
	RequestedBy string `json:"requested_by"`
}

// MintHandler 铸造处理器
type MintHandler struct {
	minter Minter
}

// NewMintHandler 创建铸造处理器
func NewMintHandler(minter Minter) *MintHandler {
	return &MintHandler{minter: minter}
}

// RequestMint 提交铸造, 成功返回交易哈希
// POST /api/v1/tickets/:ticket_id/mint
func (h *MintHandler) RequestMint(c *gin.Context) {
	var body MintRequestBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			BadRequest(c, "invalid request body")
			return
		}
	}

	res, err := h.minter.RequestMint(c.Request.Context(), &service.MintRequest{
		TicketID:    c.Param("ticket_id"),
		RequestedBy: body.RequestedBy,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, res)
}
