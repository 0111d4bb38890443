package chi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chirouter "github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/duetware/budgetd/internal/cache"
	"github.com/duetware/budgetd/internal/domain"
	"github.com/duetware/budgetd/internal/usecase/admission"
	"github.com/duetware/budgetd/internal/usecase/coordination"
	"github.com/duetware/budgetd/internal/usecase/reserve"
	"github.com/duetware/budgetd/internal/usecase/stats"
)

// memLedger implements reserve.Repository and stats.Repository in memory.
type memLedger struct {
	txns    map[string]domain.Transaction
	open    map[string]string
	counter map[string]int64
	err     error
}

func newMemLedger() *memLedger {
	return &memLedger{
		txns:    make(map[string]domain.Transaction),
		open:    make(map[string]string),
		counter: make(map[string]int64),
	}
}

func (m *memLedger) Insert(ctx context.Context, txn domain.Transaction) error {
	if m.err != nil {
		return m.err
	}
	m.txns[txn.ID] = txn
	m.open[txn.OperationID] = txn.ID
	return nil
}

func (m *memLedger) FindOpen(ctx context.Context, operationID string) (domain.Transaction, error) {
	if m.err != nil {
		return domain.Transaction{}, m.err
	}
	id, ok := m.open[operationID]
	if !ok {
		return domain.Transaction{}, domain.ErrNoSuchReservation
	}
	return m.txns[id], nil
}

func (m *memLedger) Update(ctx context.Context, txn domain.Transaction) error {
	if m.err != nil {
		return m.err
	}
	m.txns[txn.ID] = txn
	return nil
}

func (m *memLedger) ClearOpen(ctx context.Context, operationID string) error {
	delete(m.open, operationID)
	return nil
}

func (m *memLedger) ListDay(ctx context.Context, principal, day string) ([]domain.Transaction, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Transaction
	for _, txn := range m.txns {
		if txn.Principal == principal && m.Day(txn.CreatedAt) == day {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (m *memLedger) AddUsed(ctx context.Context, principal, day string, delta int64) error {
	m.counter[principal+":"+day] += delta
	return nil
}

func (m *memLedger) ReadUsed(ctx context.Context, principal, day string) (int64, error) {
	return m.counter[principal+":"+day], nil
}

func (m *memLedger) Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

type memStatuses struct {
	rows map[string]domain.ProjectStatus
}

func (m *memStatuses) Upsert(ctx context.Context, st domain.ProjectStatus) error {
	m.rows[st.Principal] = st
	return nil
}

func (m *memStatuses) Get(ctx context.Context, principal string) (domain.ProjectStatus, error) {
	st, ok := m.rows[principal]
	if !ok {
		return domain.ProjectStatus{}, domain.ErrStatusNotFound
	}
	return st, nil
}

type memMessages struct {
	msgs []domain.Message
}

func (m *memMessages) Insert(ctx context.Context, msg domain.Message) error {
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *memMessages) ListUnread(ctx context.Context, to string) ([]domain.Message, error) {
	var out []domain.Message
	for _, msg := range m.msgs {
		if msg.To == to && !msg.Read {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessages) MarkRead(ctx context.Context, to, id string) error {
	for i := range m.msgs {
		if m.msgs[i].To == to && m.msgs[i].ID == id {
			m.msgs[i].Read = true
			return nil
		}
	}
	return domain.ErrMessageNotFound
}

type memStorage struct {
	pingErr  error
	degraded bool
}

func (m *memStorage) Ping(ctx context.Context) error { return m.pingErr }
func (m *memStorage) Degraded() bool                 { return m.degraded }

type fixture struct {
	ledger   *memLedger
	statuses *memStatuses
	messages *memMessages
	storage  *memStorage
	router   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ledger:   newMemLedger(),
		statuses: &memStatuses{rows: make(map[string]domain.ProjectStatus)},
		messages: &memMessages{},
		storage:  &memStorage{},
	}
	logger := zap.NewNop()

	engine := reserve.New(f.ledger, reserve.Config{
		DailyLimit:         1000,
		MaxSingleOperation: 800,
	}, logger)
	gate := admission.New(engine, admission.Config{
		DailyLimit:         1000,
		MaxSingleOperation: 800,
		WarningThreshold:   0.8,
		EmergencyThreshold: 0.95,
	}, logger)
	coord := coordination.New(f.statuses, f.messages, engine, coordination.Config{
		Self:                   "alpha",
		Peer:                   "beta",
		DailyLimit:             1000,
		StalenessWindow:        4 * time.Hour,
		PollInterval:           0,
		CombinedUsageThreshold: 0.85,
		HealthFloor:            0.5,
		MessageTTL:             24 * time.Hour,
	}, logger)
	statsSvc := stats.New(f.ledger, stats.Config{
		DailyLimit:         1000,
		WarningThreshold:   0.8,
		EmergencyThreshold: 0.95,
	})
	memo, err := cache.New(cache.Config{
		Dir:            t.TempDir(),
		MemoryCapacity: 16,
		MemoryTTL:      time.Minute,
		DiskTTL:        time.Hour,
		MaxDiskBytes:   1 << 20,
		SweepInterval:  time.Minute,
	}, logger)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	server := NewServer("alpha", engine, gate, coord, statsSvc, memo, f.storage, logger)
	r := chirouter.NewRouter()
	server.Routes(r)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}
