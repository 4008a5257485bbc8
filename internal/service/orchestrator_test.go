package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/karacabey/imagemill/internal/domain"
	"github.com/karacabey/imagemill/internal/queue"
	"go.uber.org/zap"
)

type fakeBatchRepo struct {
	mu sync.Mutex

	createWithItemsFn func(ctx context.Context, b *domain.Batch, items []*domain.Item) error
	getByIDFn         func(ctx context.Context, id string) (*domain.Batch, error)
	markProcessingFn  func(ctx context.Context, id string) error
	markTerminalFn    func(ctx context.Context, id string, status domain.BatchStatus, completedAt time.Time) (bool, error)
	listStaleFn       func(ctx context.Context, olderThan time.Time, limit int) ([]domain.Batch, error)

	terminalCalls []domain.BatchStatus
}

func (f *fakeBatchRepo) CreateWithItems(ctx context.Context, b *domain.Batch, items []*domain.Item) error {
	if f.createWithItemsFn != nil {
		return f.createWithItemsFn(ctx, b, items)
	}
	return nil
}

func (f *fakeBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeBatchRepo) MarkProcessing(ctx context.Context, id string) error {
	if f.markProcessingFn != nil {
		return f.markProcessingFn(ctx, id)
	}
	return nil
}

func (f *fakeBatchRepo) MarkTerminal(ctx context.Context, id string, status domain.BatchStatus, completedAt time.Time) (bool, error) {
	f.mu.Lock()
	f.terminalCalls = append(f.terminalCalls, status)
	f.mu.Unlock()
	if f.markTerminalFn != nil {
		return f.markTerminalFn(ctx, id, status, completedAt)
	}
	return true, nil
}

func (f *fakeBatchRepo) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Batch, error) {
	if f.listStaleFn != nil {
		return f.listStaleFn(ctx, olderThan, limit)
	}
	return nil, nil
}

func (f *fakeBatchRepo) terminalStatuses() []domain.BatchStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.BatchStatus(nil), f.terminalCalls...)
}

type fakeItemRepo struct {
	mu sync.Mutex

	listByBatchIDFn func(ctx context.Context, batchID string) ([]domain.Item, error)
	setOutputsFn    func(ctx context.Context, itemID string, outputs []*string, settledAt time.Time) error

	settled map[string][]*string
}

func (f *fakeItemRepo) ListByBatchID(ctx context.Context, batchID string) ([]domain.Item, error) {
	if f.listByBatchIDFn != nil {
		return f.listByBatchIDFn(ctx, batchID)
	}
	return nil, nil
}

func (f *fakeItemRepo) SetOutputs(ctx context.Context, itemID string, outputs []*string, settledAt time.Time) error {
	if f.setOutputsFn != nil {
		return f.setOutputsFn(ctx, itemID, outputs, settledAt)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled == nil {
		f.settled = make(map[string][]*string)
	}
	f.settled[itemID] = outputs
	return nil
}

func (f *fakeItemRepo) settledOutputs(itemID string) ([]*string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	outputs, ok := f.settled[itemID]
	return outputs, ok
}

type fakeRunner struct {
	mu    sync.Mutex
	runFn func(ctx context.Context, item domain.Item) []*string
	runs  int
}

func (f *fakeRunner) Run(ctx context.Context, item domain.Item) []*string {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.runFn != nil {
		return f.runFn(ctx, item)
	}
	return make([]*string, len(item.SourceURLs))
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type notifyCall struct {
	callbackURL string
	batchID     string
	status      domain.BatchStatus
}

type fakeNotifier struct {
	mu       sync.Mutex
	notifyFn func(ctx context.Context, callbackURL string, batchID string, status domain.BatchStatus) error
	calls    []notifyCall
}

func (f *fakeNotifier) Notify(ctx context.Context, callbackURL string, batchID string, status domain.BatchStatus) error {
	f.mu.Lock()
	f.calls = append(f.calls, notifyCall{callbackURL: callbackURL, batchID: batchID, status: status})
	f.mu.Unlock()
	if f.notifyFn != nil {
		return f.notifyFn(ctx, callbackURL, batchID, status)
	}
	return nil
}

func (f *fakeNotifier) notifyCalls() []notifyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifyCall(nil), f.calls...)
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

func strPtr(s string) *string { return &s }

func pendingBatch(id string, callbackURL *string) *domain.Batch {
	now := time.Now().UTC()
	return &domain.Batch{
		ID:          id,
		Status:      domain.BatchStatusPending,
		CallbackURL: callbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func testItem(id, batchID string, seq int, urls ...string) domain.Item {
	return domain.Item{
		ID:             id,
		BatchID:        batchID,
		SequenceNumber: seq,
		Name:           fmt.Sprintf("item-%d", seq),
		SourceURLs:     urls,
	}
}

func newTestOrchestrator(t *testing.T, batches *fakeBatchRepo, items *fakeItemRepo, runner ItemRunner, notif *fakeNotifier, concurrency int) *Orchestrator {
	t.Helper()

	orch, err := NewOrchestrator(batches, items, &fakeConsumer{}, runner, notif, concurrency, zap.NewNop())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return orch
}

func TestProcessBatchMixedOutcomesCompletes(t *testing.T) {
	t.Parallel()

	batch := pendingBatch("b-1", strPtr("http://callback.local/hook"))
	batches := &fakeBatchRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Batch, error) {
			return batch, nil
		},
	}
	items := &fakeItemRepo{
		listByBatchIDFn: func(ctx context.Context, batchID string) ([]domain.Item, error) {
			return []domain.Item{
				testItem("i-1", "b-1", 1, "http://img/a.jpg", "http://img/b.jpg"),
				testItem("i-2", "b-1", 2, "http://img/c.jpg"),
			}, nil
		},
	}
	runner := &fakeRunner{
		runFn: func(ctx context.Context, item domain.Item) []*string {
			outputs := make([]*string, len(item.SourceURLs))
			if item.SequenceNumber == 1 {
				outputs[0] = strPtr("out/a.jpg")
			}
			return outputs
		},
	}
	notif := &fakeNotifier{}

	orch := newTestOrchestrator(t, batches, items, runner, notif, 4)
	if err := orch.ProcessBatch(context.Background(), "b-1"); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	statuses := batches.terminalStatuses()
	if len(statuses) != 1 || statuses[0] != domain.BatchStatusCompleted {
		t.Fatalf("terminal statuses = %v, want [COMPLETED]", statuses)
	}

	outputs, ok := items.settledOutputs("i-1")
	if !ok {
		t.Fatal("item i-1 was not settled")
	}
	if len(outputs) != 2 || outputs[0] == nil || *outputs[0] != "out/a.jpg" || outputs[1] != nil {
		t.Fatalf("i-1 outputs = %v", outputs)
	}
	if _, ok := items.settledOutputs("i-2"); !ok {
		t.Fatal("item i-2 was not settled")
	}

	calls := notif.notifyCalls()
	if len(calls) != 1 {
		t.Fatalf("notify calls = %d, want 1", len(calls))
	}
	if calls[0].callbackURL != "http://callback.local/hook" || calls[0].batchID != "b-1" || calls[0].status != domain.BatchStatusCompleted {
		t.Fatalf("unexpected notify call %+v", calls[0])
	}
}

func TestProcessBatchAllSourcesFailedStillCompletes(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Batch, error) {
			return pendingBatch("b-2", nil), nil
		},
	}
	items := &fakeItemRepo{
		listByBatchIDFn: func(ctx context.Context, batchID string) ([]domain.Item, error) {
			return []domain.Item{testItem("i-1", "b-2", 1, "http://img/a.jpg")}, nil
		},
	}
	notif := &fakeNotifier{}

	orch := newTestOrchestrator(t, batches, items, &fakeRunner{}, notif, 2)
	if err := orch.ProcessBatch(context.Background(), "b-2"); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	statuses := batches.terminalStatuses()
	if len(statuses) != 1 || statuses[0] != domain.BatchStatusCompleted {
		t.Fatalf("terminal statuses = %v, want [COMPLETED]", statuses)
	}
	if len(notif.notifyCalls()) != 0 {
		t.Fatal("no callback expected without a callback url")
	}
}

func TestProcessBatchStoreFailureFailsWithoutCallback(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Batch, error) {
			return pendingBatch("b-3", strPtr("http://callback.local/hook")), nil
		},
	}
	items := &fakeItemRepo{
		listByBatchIDFn: func(ctx context.Context, batchID string) ([]domain.Item, error) {
			return []domain.Item{testItem("i-1", "b-3", 1, "http://img/a.jpg")}, nil
		},
		setOutputsFn: func(ctx context.Context, itemID string, outputs []*string, settledAt time.Time) error {
			return errors.New("connection reset")
		},
	}
	notif := &fakeNotifier{}

	orch := newTestOrchestrator(t, batches, items, &fakeRunner{}, notif, 2)
	if err := orch.ProcessBatch(context.Background(), "b-3"); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	statuses := batches.terminalStatuses()
	if len(statuses) != 1 || statuses[0] != domain.BatchStatusFailed {
		t.Fatalf("terminal statuses = %v, want [FAILED]", statuses)
	}
	if len(notif.notifyCalls()) != 0 {
		t.Fatal("failed batches must not trigger the callback")
	}
}

func TestProcessBatchLostTerminalRaceSkipsCallback(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Batch, error) {
			return pendingBatch("b-4", strPtr("http://callback.local/hook")), nil
		},
		markTerminalFn: func(ctx context.Context, id string, status domain.BatchStatus, completedAt time.Time) (bool, error) {
			return false, nil
		},
	}
	items := &fakeItemRepo{
		listByBatchIDFn: func(ctx context.Context, batchID string) ([]domain.Item, error) {
			return []domain.Item{testItem("i-1", "b-4", 1, "http://img/a.jpg")}, nil
		},
	}
	notif := &fakeNotifier{}

	orch := newTestOrchestrator(t, batches, items, &fakeRunner{}, notif, 2)
	if err := orch.ProcessBatch(context.Background(), "b-4"); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	if len(notif.notifyCalls()) != 0 {
		t.Fatal("callback must fire at most once across deliveries")
	}
}

func TestProcessBatchTerminalRedeliveryIsNoop(t *testing.T) {
	t.Parallel()

	completedAt := time.Now().UTC()
	batches := &fakeBatchRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Batch, error) {
			return &domain.Batch{
				ID:          id,
				Status:      domain.BatchStatusCompleted,
				CompletedAt: &completedAt,
			}, nil
		},
		markProcessingFn: func(ctx context.Context, id string) error {
			t.Error("MarkProcessing must not run for a terminal batch")
			return nil
		},
	}
	runner := &fakeRunner{}
	notif := &fakeNotifier{}

	orch := newTestOrchestrator(t, batches, &fakeItemRepo{}, runner, notif, 2)
	if err := orch.ProcessBatch(context.Background(), "b-5"); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	if runner.runCount() != 0 {
		t.Fatal("no items should run for a terminal batch")
	}
	if len(batches.terminalStatuses()) != 0 {
		t.Fatal("no terminal writes expected")
	}
	if len(notif.notifyCalls()) != 0 {
		t.Fatal("no callback expected on redelivery of a terminal batch")
	}
}

func TestProcessBatchUnknownBatchIsDropped(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t, &fakeBatchRepo{}, &fakeItemRepo{}, &fakeRunner{}, &fakeNotifier{}, 2)
	if err := orch.ProcessBatch(context.Background(), "missing"); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
}

func TestProcessBatchSkipsSettledItems(t *testing.T) {
	t.Parallel()

	settledAt := time.Now().UTC()
	settled := testItem("i-1", "b-6", 1, "http://img/a.jpg")
	settled.SettledAt = &settledAt
	settled.OutputLocations = []*string{strPtr("out/a.jpg")}

	batches := &fakeBatchRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Batch, error) {
			return pendingBatch("b-6", nil), nil
		},
	}
	items := &fakeItemRepo{
		listByBatchIDFn: func(ctx context.Context, batchID string) ([]domain.Item, error) {
			return []domain.Item{
				settled,
				testItem("i-2", "b-6", 2, "http://img/b.jpg"),
			}, nil
		},
	}
	runner := &fakeRunner{}

	orch := newTestOrchestrator(t, batches, items, runner, &fakeNotifier{}, 2)
	if err := orch.ProcessBatch(context.Background(), "b-6"); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	if runner.runCount() != 1 {
		t.Fatalf("runs = %d, want 1 (settled item must keep its outcome)", runner.runCount())
	}
	if _, ok := items.settledOutputs("i-1"); ok {
		t.Fatal("settled item must not be written again")
	}
	if _, ok := items.settledOutputs("i-2"); !ok {
		t.Fatal("unsettled item must settle")
	}
}

func TestProcessBatchHonorsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	const limit = 2
	var mu sync.Mutex
	inFlight, peak := 0, 0

	manifest := make([]domain.Item, 0, 10)
	for i := 1; i <= 10; i++ {
		manifest = append(manifest, testItem(fmt.Sprintf("i-%d", i), "b-7", i, "http://img/a.jpg"))
	}

	batches := &fakeBatchRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Batch, error) {
			return pendingBatch("b-7", nil), nil
		},
	}
	items := &fakeItemRepo{
		listByBatchIDFn: func(ctx context.Context, batchID string) ([]domain.Item, error) {
			return manifest, nil
		},
	}
	runner := &fakeRunner{
		runFn: func(ctx context.Context, item domain.Item) []*string {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return make([]*string, len(item.SourceURLs))
		},
	}

	orch := newTestOrchestrator(t, batches, items, runner, &fakeNotifier{}, limit)
	if err := orch.ProcessBatch(context.Background(), "b-7"); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	if runner.runCount() != len(manifest) {
		t.Fatalf("runs = %d, want %d", runner.runCount(), len(manifest))
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > limit {
		t.Fatalf("peak concurrency = %d, want <= %d", peak, limit)
	}
}

func TestProcessBatchPanickingItemSettlesEmpty(t *testing.T) {
	t.Parallel()

	batches := &fakeBatchRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Batch, error) {
			return pendingBatch("b-8", nil), nil
		},
	}
	items := &fakeItemRepo{
		listByBatchIDFn: func(ctx context.Context, batchID string) ([]domain.Item, error) {
			return []domain.Item{
				testItem("i-1", "b-8", 1, "http://img/a.jpg", "http://img/b.jpg"),
				testItem("i-2", "b-8", 2, "http://img/c.jpg"),
			}, nil
		},
	}
	runner := &fakeRunner{
		runFn: func(ctx context.Context, item domain.Item) []*string {
			if item.SequenceNumber == 1 {
				panic("corrupt image header")
			}
			outputs := make([]*string, len(item.SourceURLs))
			outputs[0] = strPtr("out/c.jpg")
			return outputs
		},
	}

	orch := newTestOrchestrator(t, batches, items, runner, &fakeNotifier{}, 2)
	if err := orch.ProcessBatch(context.Background(), "b-8"); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	outputs, ok := items.settledOutputs("i-1")
	if !ok {
		t.Fatal("crashed item must still settle")
	}
	if len(outputs) != 2 || outputs[0] != nil || outputs[1] != nil {
		t.Fatalf("crashed item outputs = %v, want all nil", outputs)
	}

	statuses := batches.terminalStatuses()
	if len(statuses) != 1 || statuses[0] != domain.BatchStatusCompleted {
		t.Fatalf("terminal statuses = %v, want [COMPLETED]", statuses)
	}
}

func TestProcessBatchCancelledContextLeavesBatchResumable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	batches := &fakeBatchRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Batch, error) {
			return pendingBatch("b-9", nil), nil
		},
	}
	items := &fakeItemRepo{
		listByBatchIDFn: func(ctx context.Context, batchID string) ([]domain.Item, error) {
			return []domain.Item{testItem("i-1", "b-9", 1, "http://img/a.jpg")}, nil
		},
	}
	runner := &fakeRunner{
		runFn: func(ctx context.Context, item domain.Item) []*string {
			cancel()
			return make([]*string, len(item.SourceURLs))
		},
	}

	orch := newTestOrchestrator(t, batches, items, runner, &fakeNotifier{}, 2)
	err := orch.ProcessBatch(ctx, "b-9")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ProcessBatch() error = %v, want context.Canceled", err)
	}

	if _, ok := items.settledOutputs("i-1"); ok {
		t.Fatal("an interrupted run must not settle the item")
	}
	if len(batches.terminalStatuses()) != 0 {
		t.Fatal("an interrupted delivery must not commit a terminal status")
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewOrchestrator(nil, &fakeItemRepo{}, &fakeConsumer{}, &fakeRunner{}, &fakeNotifier{}, 1, nil); err == nil {
		t.Fatal("expected error for nil batch repository")
	}
	if _, err := NewOrchestrator(&fakeBatchRepo{}, nil, &fakeConsumer{}, &fakeRunner{}, &fakeNotifier{}, 1, nil); err == nil {
		t.Fatal("expected error for nil item repository")
	}
	if _, err := NewOrchestrator(&fakeBatchRepo{}, &fakeItemRepo{}, &fakeConsumer{}, nil, &fakeNotifier{}, 1, nil); err == nil {
		t.Fatal("expected error for nil runner")
	}
	if _, err := NewOrchestrator(&fakeBatchRepo{}, &fakeItemRepo{}, &fakeConsumer{}, &fakeRunner{}, nil, 1, nil); err == nil {
		t.Fatal("expected error for nil notifier")
	}
}
