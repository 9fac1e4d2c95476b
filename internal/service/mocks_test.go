package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/mock"

	"github.com/eidos-exchange/eidos-mint/internal/model"
	"github.com/eidos-exchange/eidos-mint/internal/repository"
	"github.com/eidos-exchange/eidos-mint/pkg/alert"
)

// ========== 内存存储 ==========

// memStore 实现各仓储接口, 语义与 Postgres 实现一致
type memStore struct {
	mu   sync.Mutex
	txMu sync.Mutex // 事务串行执行, 快照回滚不会覆盖并发事务的写入

	checkpoints  map[int64]model.Checkpoint
	ingested     map[model.DedupKey]model.IngestedEvent
	events       map[string]model.Event
	tickets      map[string]model.Ticket
	assets       map[string]model.AssetFile
	pendingMints map[int64]model.PendingMint
	nextID       int64

	failMarkSubmitted error
}

func newMemStore() *memStore {
	return &memStore{
		checkpoints:  make(map[int64]model.Checkpoint),
		ingested:     make(map[model.DedupKey]model.IngestedEvent),
		events:       make(map[string]model.Event),
		tickets:      make(map[string]model.Ticket),
		assets:       make(map[string]model.AssetFile),
		pendingMints: make(map[int64]model.PendingMint),
	}
}

type memSnapshot struct {
	checkpoints  map[int64]model.Checkpoint
	ingested     map[model.DedupKey]model.IngestedEvent
	events       map[string]model.Event
	tickets      map[string]model.Ticket
	assets       map[string]model.AssetFile
	pendingMints map[int64]model.PendingMint
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Transaction fn 失败时回滚到快照
func (s *memStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := memSnapshot{
		checkpoints:  copyMap(s.checkpoints),
		ingested:     copyMap(s.ingested),
		events:       copyMap(s.events),
		tickets:      copyMap(s.tickets),
		assets:       copyMap(s.assets),
		pendingMints: copyMap(s.pendingMints),
	}
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.checkpoints = snap.checkpoints
		s.ingested = snap.ingested
		s.events = snap.events
		s.tickets = snap.tickets
		s.assets = snap.assets
		s.pendingMints = snap.pendingMints
		s.mu.Unlock()
		return err
	}
	return nil
}

// --- CheckpointRepository ---

func (s *memStore) Get(ctx context.Context, chainID int64) (*model.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[chainID]
	if !ok {
		return nil, repository.ErrCheckpointNotFound
	}
	return &cp, nil
}

func (s *memStore) Advance(ctx context.Context, next, expected *model.Checkpoint) error {
	if next.BlockNumber < expected.BlockNumber {
		return repository.ErrCheckpointRegression
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.checkpoints[next.ChainID]
	if !ok || cur.BlockNumber != expected.BlockNumber || cur.BlockHash != expected.BlockHash {
		return repository.ErrStaleCheckpoint
	}
	cur.BlockNumber = next.BlockNumber
	cur.BlockHash = next.BlockHash
	s.checkpoints[next.ChainID] = cur
	return nil
}

func (s *memStore) Bootstrap(ctx context.Context, cp *model.Checkpoint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[cp.ChainID]; ok {
		return false, nil
	}
	s.checkpoints[cp.ChainID] = *cp
	return true, nil
}

func (s *memStore) setCheckpoint(chainID int64, number uint64, hash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[chainID] = model.Checkpoint{ChainID: chainID, BlockNumber: number, BlockHash: hash.Hex()}
}

// --- EventLogRepository ---

func (s *memStore) Insert(ctx context.Context, ev *model.IngestedEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.DedupKey{TxHash: ev.TxHash, MethodName: ev.MethodName, AccountID: ev.AccountID}
	if _, ok := s.ingested[key]; ok {
		return false, nil
	}
	s.nextID++
	ev.ID = s.nextID
	s.ingested[key] = *ev
	return true, nil
}

func (s *memStore) GetByKey(ctx context.Context, key model.DedupKey) (*model.IngestedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.ingested[key]
	if !ok {
		return nil, repository.ErrIngestedEventNotFound
	}
	return &ev, nil
}

func (s *memStore) ListByBlockRange(ctx context.Context, chainID int64, from, to uint64) ([]*model.IngestedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.IngestedEvent
	for _, ev := range s.ingested {
		if ev.ChainID == chainID && ev.BlockNumber >= from && ev.BlockNumber <= to {
			ev := ev
			out = append(out, &ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CountByChain(ctx context.Context, chainID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.ingested {
		if ev.ChainID == chainID {
			n++
		}
	}
	return n, nil
}

// --- PendingMintRepository ---

func (s *memStore) Reserve(ctx context.Context, pm *model.PendingMint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.pendingMints {
		if existing.IsActive() && (existing.TicketID == pm.TicketID || existing.EventID == pm.EventID) {
			return repository.ErrMintAlreadyPending
		}
	}
	s.nextID++
	pm.ID = s.nextID
	pm.Status = model.PendingMintStatusReserved
	pm.ReservedAt = nowMilli()
	s.pendingMints[pm.ID] = *pm
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id int64) (*model.PendingMint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.pendingMints[id]
	if !ok {
		return nil, repository.ErrPendingMintNotFound
	}
	return &pm, nil
}

func (s *memStore) GetActiveByTicket(ctx context.Context, ticketID string) (*model.PendingMint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pm := range s.pendingMints {
		if pm.IsActive() && pm.TicketID == ticketID {
			return &pm, nil
		}
	}
	return nil, repository.ErrPendingMintNotFound
}

func (s *memStore) MarkSubmitted(ctx context.Context, id int64, txHash string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMarkSubmitted != nil {
		return s.failMarkSubmitted
	}
	pm, ok := s.pendingMints[id]
	if !ok || pm.Status != model.PendingMintStatusReserved || !pm.IsActive() {
		return repository.ErrPendingMintConflict
	}
	n := int64(nonce)
	now := nowMilli()
	pm.Status = model.PendingMintStatusSubmitted
	pm.TxHash = &txHash
	pm.Nonce = &n
	pm.SubmittedAt = &now
	s.pendingMints[id] = pm
	return nil
}

func (s *memStore) DeleteReservation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pm, ok := s.pendingMints[id]; ok && pm.Status == model.PendingMintStatusReserved {
		delete(s.pendingMints, id)
	}
	return nil
}

func (s *memStore) ConfirmActive(ctx context.Context, ticketID string, blockNumber uint64, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pm := range s.pendingMints {
		if pm.IsActive() && pm.TicketID == ticketID {
			now := nowMilli()
			pm.Status = model.PendingMintStatusConfirmed
			pm.ResolvedAt = &now
			pm.ConfirmedBlock = &blockNumber
			pm.ConfirmedTxHash = &txHash
			s.pendingMints[id] = pm
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ListUnresolvedBefore(ctx context.Context, before int64, limit int) ([]*model.PendingMint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PendingMint
	for _, pm := range s.pendingMints {
		if pm.IsActive() && pm.ReservedAt < before {
			pm := pm
			out = append(out, &pm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountUnresolved(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, pm := range s.pendingMints {
		if pm.IsActive() {
			n++
		}
	}
	return n, nil
}

func (s *memStore) activeMarkers() int {
	n, _ := s.CountUnresolved(context.Background())
	return int(n)
}

// --- TicketRepository ---

func (s *memStore) GetTicket(ctx context.Context, ticketID string) (*model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, repository.ErrTicketNotFound
	}
	return &t, nil
}

func (s *memStore) GetEvent(ctx context.Context, eventID string, _ *repository.QueryOptions) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return nil, repository.ErrEventNotFound
	}
	return &e, nil
}

func (s *memStore) TransitionEventStatus(ctx context.Context, eventID string, from, to model.EventStatus) error {
	if !from.CanTransitionTo(to) {
		return repository.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok || e.EventStatus != from {
		return repository.ErrStatusConflict
	}
	e.EventStatus = to
	s.events[eventID] = e
	return nil
}

func (s *memStore) SetMintedTokenRef(ctx context.Context, ticketID, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok || t.MintedTokenRef != nil {
		return false, nil
	}
	t.MintedTokenRef = &ref
	s.tickets[ticketID] = t
	return true, nil
}

func (s *memStore) ApplyMintConfirmation(ctx context.Context, conf *repository.MintConfirmation) (*repository.ApplyResult, error) {
	ticket, err := s.GetTicket(ctx, conf.TicketID)
	if err != nil {
		return nil, err
	}
	event, err := s.GetEvent(ctx, ticket.EventID, nil)
	if err != nil {
		return nil, err
	}

	res := &repository.ApplyResult{EventID: event.ID}
	if event.EventStatus == model.EventStatusFinal {
		res.Outcome = repository.ApplyOutcomeAlreadyFinal
		return res, nil
	}
	if _, err := s.GetActiveByTicket(ctx, ticket.ID); err != nil {
		res.Outcome = repository.ApplyOutcomeUnexpectedMint
		return res, nil
	}

	switch event.EventStatus {
	case model.EventStatusMinting:
		if err := s.TransitionEventStatus(ctx, event.ID, model.EventStatusMinting, model.EventStatusFinal); err != nil {
			return nil, err
		}
		res.Outcome = repository.ApplyOutcomeFinalized
	case model.EventStatusDraft:
		if err := s.TransitionEventStatus(ctx, event.ID, model.EventStatusDraft, model.EventStatusMinting); err != nil {
			return nil, err
		}
		if err := s.TransitionEventStatus(ctx, event.ID, model.EventStatusMinting, model.EventStatusFinal); err != nil {
			return nil, err
		}
		res.Outcome = repository.ApplyOutcomeFinalizedFromDraft
	}

	res.MarkerResolved, _ = s.ConfirmActive(ctx, ticket.ID, conf.BlockNumber, conf.TxHash)
	if conf.MintedTokenRef != "" {
		_, _ = s.SetMintedTokenRef(ctx, ticket.ID, conf.MintedTokenRef)
	}
	return res, nil
}

func (s *memStore) GetAssetByEvent(ctx context.Context, eventID string) (*model.AssetFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assets {
		if a.EventID == eventID {
			return &a, nil
		}
	}
	return nil, repository.ErrAssetNotFound
}

func (s *memStore) GetAsset(ctx context.Context, assetID string) (*model.AssetFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok {
		return nil, repository.ErrAssetNotFound
	}
	return &a, nil
}

func (s *memStore) SetIPFSHash(ctx context.Context, assetID, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok || a.IPFSHash != nil {
		return false, nil
	}
	a.IPFSHash = &hash
	s.assets[assetID] = a
	return true, nil
}

func (s *memStore) eventStatus(eventID string) model.EventStatus {
	e, _ := s.GetEvent(context.Background(), eventID, nil)
	return e.EventStatus
}

// seedTicket 写入活动/票据/资源
func (s *memStore) seedTicket(eventID, ticketID, creator string, status model.EventStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price := "12.50"
	qty := 3
	s.events[eventID] = model.Event{
		ID:            eventID,
		EventName:     "Launch Night",
		EventSlug:     "launch-night-" + eventID[:8],
		CoverPhotoURL: "https://cdn.example.com/cover.png",
		EventStatus:   status,
		CreatedByUser: creator,
	}
	s.tickets[ticketID] = model.Ticket{
		ID:                ticketID,
		EventID:           eventID,
		TicketName:        "General Admission",
		Price:             &price,
		QuantityAvailable: &qty,
	}
	s.assets["asset-"+eventID] = model.AssetFile{
		ID:            "asset-" + eventID,
		S3Bucket:      "eidos-assets",
		S3AbsoluteKey: fmt.Sprintf("events/%s/cover.png", eventID),
		EventID:       eventID,
	}
}

// ========== Mock 外部依赖 ==========

type mockChainReader struct {
	mock.Mock
}

func (m *mockChainReader) FetchEventsSince(ctx context.Context, cp *model.Checkpoint, maxBlocks int) (*model.Batch, error) {
	args := m.Called(ctx, cp, maxBlocks)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Batch), args.Error(1)
}

func (m *mockChainReader) LatestBlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockSubmitter) SubmitTransaction(ctx context.Context, signedTx *types.Transaction) (common.Hash, error) {
	args := m.Called(ctx, signedTx)
	return args.Get(0).(common.Hash), args.Error(1)
}

type mockReceipts struct {
	mock.Mock
}

func (m *mockReceipts) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Receipt), args.Error(1)
}

type mockNonces struct {
	mock.Mock
}

func (m *mockNonces) AcquireNonce(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockNonces) ConfirmNonce(nonce uint64, txHash string) {
	m.Called(nonce, txHash)
}

func (m *mockNonces) ReleaseNonce(ctx context.Context, nonce uint64) error {
	args := m.Called(ctx, nonce)
	return args.Error(0)
}

func (m *mockNonces) Resync(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockPinner struct {
	mock.Mock
}

func (m *mockPinner) Pin(ctx context.Context, asset *model.AssetFile) (string, error) {
	args := m.Called(ctx, asset)
	return args.String(0), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishMintSubmitted(ctx context.Context, msg *model.MintSubmittedMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockPublisher) PublishMintFinalized(ctx context.Context, msg *model.MintFinalizedMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type mockAlerter struct {
	mock.Mock
}

func (m *mockAlerter) Send(ctx context.Context, a *alert.Alert) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *mockAlerter) SendAsync(ctx context.Context, a *alert.Alert) {
	m.Called(ctx, a)
}

func (m *mockAlerter) Close() {}

func severity(s alert.Severity) interface{} {
	return mock.MatchedBy(func(a *alert.Alert) bool { return a.Severity == s })
}

var errBoom = errors.New("boom")
