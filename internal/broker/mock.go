package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/money"
)

// Mock is an in-memory Port used by tests and by the facade when no
// broker credentials are configured (paper-adjacent dry run). It never
// advances a trade's reported state on its own; tests script responses
// with QueueSync/FailNext.
type Mock struct {
	mu sync.Mutex

	submitted map[string]OrderIDs
	failNext  map[string]error
	syncQueue map[string][]SyncResult

	// OnSyncTrade, if set, runs after a SyncTrade call for tradeID succeeds
	// but before the result is returned to the caller. Tests use it to
	// inject a side effect (e.g. cancelling the caller's context) between a
	// successful broker call and the reconciler's subsequent database
	// writes, to exercise a downstream-failure-leaves-no-partial-state case.
	OnSyncTrade func(tradeID string)
}

// NewMock builds an empty Mock.
func NewMock() *Mock {
	return &Mock{
		submitted: make(map[string]OrderIDs),
		failNext:  make(map[string]error),
		syncQueue: make(map[string][]SyncResult),
	}
}

// FailNext makes the next call for tradeID fail with err, then clears the
// failure (so the following call succeeds again), used to exercise the
// atomicity property (broker failure leaves local state unchanged).
func (m *Mock) FailNext(tradeID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[tradeID] = err
}

// QueueSync appends a SyncResult to be returned by the next SyncTrade call
// for tradeID, in FIFO order.
func (m *Mock) QueueSync(tradeID string, r SyncResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncQueue[tradeID] = append(m.syncQueue[tradeID], r)
}

func (m *Mock) takeFailure(tradeID string) error {
	err, ok := m.failNext[tradeID]
	if !ok {
		return nil
	}
	delete(m.failNext, tradeID)
	return err
}

func (m *Mock) SubmitTrade(ctx context.Context, t TradeView) (OrderIDs, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(t.ID); err != nil {
		return OrderIDs{}, "", err
	}
	ids := OrderIDs{Entry: uuid.NewString(), Stop: uuid.NewString(), Target: uuid.NewString()}
	m.submitted[t.ID] = ids
	return ids, fmt.Sprintf("mock: submitted bracket for trade %s", t.ID), nil
}

func (m *Mock) SyncTrade(ctx context.Context, t TradeView, ids OrderIDs) (SyncResult, error) {
	m.mu.Lock()
	if err := m.takeFailure(t.ID); err != nil {
		m.mu.Unlock()
		return SyncResult{}, err
	}
	q := m.syncQueue[t.ID]
	var result SyncResult
	if len(q) == 0 {
		result = SyncResult{Status: domain.TradeSubmitted, Log: "mock: no change"}
	} else {
		result = q[0]
		m.syncQueue[t.ID] = q[1:]
	}
	hook := m.OnSyncTrade
	m.mu.Unlock()

	if hook != nil {
		hook(t.ID)
	}
	return result, nil
}

func (m *Mock) CloseTrade(ctx context.Context, t TradeView, ids OrderIDs) (ReportedOrder, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(t.ID); err != nil {
		return ReportedOrder{}, "", err
	}
	replacement := ReportedOrder{LocalOrderID: ids.Target, Status: domain.OrderPendingNew}
	return replacement, fmt.Sprintf("mock: closed trade %s with market target", t.ID), nil
}

func (m *Mock) CancelTrade(ctx context.Context, t TradeView, ids OrderIDs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeFailure(t.ID)
}

func (m *Mock) ModifyStop(ctx context.Context, t TradeView, ids OrderIDs, newPrice money.Amount) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(t.ID); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

func (m *Mock) ModifyTarget(ctx context.Context, t TradeView, ids OrderIDs, newPrice money.Amount) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(t.ID); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

var _ Port = (*Mock)(nil)
