package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-mint/internal/model"
	"github.com/eidos-exchange/eidos-mint/internal/service"
	pkgerrors "github.com/eidos-exchange/eidos-mint/pkg/errors"
)

// MockStatusProvider Mock 对账状态
type MockStatusProvider struct {
	mock.Mock
}

func (m *MockStatusProvider) Status(ctx context.Context) (*service.ReconcilerStatus, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ReconcilerStatus), args.Error(1)
}

// MockMintLister Mock 未决铸造查询
type MockMintLister struct {
	mock.Mock
}

func (m *MockMintLister) List(ctx context.Context) ([]*service.UnresolvedMint, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*service.UnresolvedMint), args.Error(1)
}

func setupReconcilerRouter(h *ReconcilerHandler) *gin.Engine {
	r := gin.New()
	r.GET("/api/v1/reconciler/status", h.Status)
	r.GET("/api/v1/mints/unresolved", h.ListUnresolvedMints)
	return r
}

func TestReconcilerHandler_Status(t *testing.T) {
	provider := new(MockStatusProvider)
	provider.On("Status", mock.Anything).Return(&service.ReconcilerStatus{
		ChainID:         31337,
		Running:         true,
		CheckpointBlock: 120,
		LatestBlock:     125,
		LagBlocks:       5,
	}, nil)

	r := setupReconcilerRouter(NewReconcilerHandler(provider, new(MockMintLister)))
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/reconciler/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var st service.ReconcilerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.Running)
	assert.Equal(t, uint64(120), st.CheckpointBlock)
	assert.Equal(t, uint64(5), st.LagBlocks)
}

func TestReconcilerHandler_Status_NotBootstrapped(t *testing.T) {
	provider := new(MockStatusProvider)
	provider.On("Status", mock.Anything).Return(nil, pkgerrors.ErrNotFound.WithMessage("checkpoint not found"))

	r := setupReconcilerRouter(NewReconcilerHandler(provider, new(MockMintLister)))
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/reconciler/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReconcilerHandler_ListUnresolvedMints(t *testing.T) {
	txHash := "0xabc"
	lister := new(MockMintLister)
	lister.On("List", mock.Anything).Return([]*service.UnresolvedMint{
		{
			Marker: &model.PendingMint{
				ID:       7,
				TicketID: testTicketID,
				Status:   model.PendingMintStatusSubmitted,
				TxHash:   &txHash,
			},
			ReceiptStatus: service.ReceiptStatusNotFound,
			AgeSeconds:    3600,
		},
	}, nil)

	r := setupReconcilerRouter(NewReconcilerHandler(new(MockStatusProvider), lister))
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/mints/unresolved", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Items []service.UnresolvedMint `json:"items"`
		Total int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, int64(7), resp.Items[0].Marker.ID)
	assert.Equal(t, "not_found", resp.Items[0].ReceiptStatus)
}
