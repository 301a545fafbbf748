package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/chain"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/execmode"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/gas"
	"github.com/ChicoPanama/Vanta-Bot-sub000/internal/storage"
)

const (
	testKeyHex     = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testRouterAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// memLedger is an in-memory stand-in for the postgres ledger.
type memLedger struct {
	mu         sync.Mutex
	nextID     int64
	intents    map[int64]*storage.Intent
	byKey      map[string]int64
	order      []int64
	attempts   map[int64][]*storage.SendAttempt
	receipts   map[int64]*storage.Receipt
	attemptErr error
}

func newMemLedger() *memLedger {
	return &memLedger{
		intents:  make(map[int64]*storage.Intent),
		byKey:    make(map[string]int64),
		attempts: make(map[int64][]*storage.SendAttempt),
		receipts: make(map[int64]*storage.Receipt),
	}
}

var (
	_ storage.IntentStore  = (*memLedger)(nil)
	_ storage.AttemptStore = (*memLedger)(nil)
	_ storage.ReceiptStore = (*memLedger)(nil)
)

func (m *memLedger) GetOrCreateIntent(ctx context.Context, intent storage.Intent) (storage.Intent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[intent.IdempotencyKey]; ok {
		return *m.intents[id], false, nil
	}
	m.nextID++
	now := time.Now().UTC()
	intent.ID = m.nextID
	intent.State = storage.StateCreated
	intent.CreatedAt = now
	intent.UpdatedAt = now
	stored := intent
	m.intents[stored.ID] = &stored
	m.byKey[stored.IdempotencyKey] = stored.ID
	m.order = append(m.order, stored.ID)
	return stored, true, nil
}

func (m *memLedger) UpdateIntentState(ctx context.Context, id int64, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return fmt.Errorf("intent %d not found", id)
	}
	it.State = state
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memLedger) SetIntentMode(ctx context.Context, id int64, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return fmt.Errorf("intent %d not found", id)
	}
	it.Mode = mode
	return nil
}

func (m *memLedger) SetIntentNonce(ctx context.Context, id int64, nonce int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return fmt.Errorf("intent %d not found", id)
	}
	it.Nonce = &nonce
	return nil
}

func (m *memLedger) FinishIntent(ctx context.Context, id int64, state, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return fmt.Errorf("intent %d not found", id)
	}
	it.State = state
	it.Outcome = &outcome
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memLedger) ListRecentIntents(ctx context.Context, limit int) ([]storage.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Intent
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.intents[m.order[i]])
	}
	return out, nil
}

func (m *memLedger) ListPendingIntents(ctx context.Context, olderThan time.Time) ([]storage.PendingIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.PendingIntent
	for _, id := range m.order {
		it := m.intents[id]
		if it.Terminal() || !it.CreatedAt.Before(olderThan) {
			continue
		}
		out = append(out, storage.PendingIntent{Intent: *it, Attempts: int64(len(m.attempts[id]))})
	}
	return out, nil
}

func (m *memLedger) ListRecoverableIntents(ctx context.Context) ([]storage.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Intent
	for _, id := range m.order {
		switch m.intents[id].State {
		case storage.StateSending, storage.StateSent, storage.StateRBFPending:
			out = append(out, *m.intents[id])
		}
	}
	return out, nil
}

func (m *memLedger) CountIntents(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.intents)), nil
}

func (m *memLedger) InsertSendAttempt(ctx context.Context, attempt storage.SendAttempt) (storage.SendAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attemptErr != nil {
		return storage.SendAttempt{}, m.attemptErr
	}
	m.nextID++
	attempt.ID = m.nextID
	attempt.Status = storage.AttemptStatusSent
	attempt.SentAt = time.Now().UTC()
	stored := attempt
	m.attempts[attempt.IntentID] = append(m.attempts[attempt.IntentID], &stored)
	return stored, nil
}

func (m *memLedger) MarkAttemptStatus(ctx context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rows := range m.attempts {
		for _, row := range rows {
			if row.ID == id {
				row.Status = status
				return nil
			}
		}
	}
	return fmt.Errorf("attempt %d not found", id)
}

func (m *memLedger) MarkSupersededAttempts(ctx context.Context, intentID, minedAttemptID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.attempts[intentID] {
		if row.ID != minedAttemptID && row.Status == storage.AttemptStatusSent {
			row.Status = storage.AttemptStatusReplaced
		}
	}
	return nil
}

func (m *memLedger) ListAttempts(ctx context.Context, intentID int64) ([]storage.SendAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.SendAttempt, 0, len(m.attempts[intentID]))
	for _, row := range m.attempts[intentID] {
		out = append(out, *row)
	}
	return out, nil
}

func (m *memLedger) RecordReceipt(ctx context.Context, receipt storage.Receipt) (storage.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.receipts[receipt.IntentID]; ok {
		return *existing, nil
	}
	m.nextID++
	receipt.ID = m.nextID
	receipt.CreatedAt = time.Now().UTC()
	stored := receipt
	m.receipts[receipt.IntentID] = &stored
	return stored, nil
}

func (m *memLedger) GetReceiptByIntent(ctx context.Context, intentID int64) (storage.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[intentID]; ok {
		return *r, nil
	}
	return storage.Receipt{}, errors.New("receipt not found")
}

func (m *memLedger) ListReceiptsBetween(ctx context.Context, from, to time.Time) ([]storage.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Receipt
	for _, r := range m.receipts {
		if !r.MinedAt.Before(from) && !r.MinedAt.After(to) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memLedger) intent(t *testing.T, id int64) storage.Intent {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		t.Fatalf("intent %d not in ledger", id)
	}
	return *it
}

func (m *memLedger) attemptRows(intentID int64) []storage.SendAttempt {
	rows, _ := m.ListAttempts(context.Background(), intentID)
	return rows
}

func (m *memLedger) receiptFor(intentID int64) (storage.Receipt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[intentID]
	if !ok {
		return storage.Receipt{}, false
	}
	return *r, true
}

// fakeRPC scripts node behaviour.
type fakeRPC struct {
	mu          sync.Mutex
	baseFee     *big.Int
	baseFeeErr  error
	pending     uint64
	estimate    uint64
	estimateErr error
	sendErrs    []error
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
}

var _ chain.RPC = (*fakeRPC)(nil)

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		baseFee:  gwei(10),
		estimate: 210000,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeRPC) BaseFee(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.baseFeeErr != nil {
		return nil, f.baseFeeErr
	}
	return new(big.Int).Set(f.baseFee), nil
}

func (f *fakeRPC) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeRPC) EstimateGas(ctx context.Context, from, to common.Address, data []byte, value *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeRPC) Send(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	return nil
}

func (f *fakeRPC) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, chain.ErrReceiptNotFound
}

func (f *fakeRPC) setReceipt(hash common.Hash, receipt *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = receipt
}

func (f *fakeRPC) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// fakeNonces hands out a local sequence.
type fakeNonces struct {
	mu             sync.Mutex
	next           uint64
	nextErr        error
	reconcileTo    uint64
	nextCalls      int
	reconcileCalls int
}

func (f *fakeNonces) Next(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCalls++
	if f.nextErr != nil {
		return 0, f.nextErr
	}
	v := f.next
	f.next++
	return v, nil
}

func (f *fakeNonces) Reconcile(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconcileCalls++
	f.next = f.reconcileTo + 1
	return f.reconcileTo, nil
}

func (f *fakeNonces) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextCalls
}

type fakeModes struct {
	mu   sync.Mutex
	mode string
}

func (f *fakeModes) CurrentMode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeModes) set(mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

type failingSigner struct{}

func (failingSigner) Address() common.Address { return common.Address{} }

func (failingSigner) Sign(chain.TxPayload) (*types.Transaction, error) {
	return nil, errors.New("keystore sealed")
}

func testDeps(t *testing.T, modes *fakeModes, nonces *fakeNonces, rpc *fakeRPC, ledger *memLedger) Deps {
	t.Helper()
	signer, err := chain.NewSigner(testKeyHex, 8453)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	policy, err := gas.NewPolicy(gas.Options{
		SurgeMultiplier:    2,
		PriorityFeeGwei:    2,
		CeilingGwei:        300,
		ReplacementBumpPct: 15,
	})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	return Deps{
		Modes:    modes,
		Nonces:   nonces,
		Fees:     policy,
		RPC:      rpc,
		Signer:   signer,
		Builder:  chain.NewRouterBuilder(chain.RouterOptions{RouterAddress: testRouterAddr}),
		Intents:  ledger,
		Attempts: ledger,
		Receipts: ledger,
	}
}

func fastOptions() Options {
	return Options{
		InclusionTimeout:    250 * time.Millisecond,
		ReceiptPollInterval: 5 * time.Millisecond,
		MaxReplacements:     2,
		IdempotencyBucket:   time.Hour,
		DefaultGasLimit:     500000,
	}
}

func baseRequest() Request {
	return Request{
		UserID:         "user-1",
		Action:         chain.ActionOpen,
		Symbol:         "ETH/USD",
		Side:           chain.SideLong,
		Quantity:       decimal.NewFromInt(250),
		ReferencePrice: decimal.RequireFromString("3150.25"),
	}
}

type execOut struct {
	res Result
	err error
}

func executeAsync(ctx context.Context, eng *Engine, req Request) <-chan execOut {
	ch := make(chan execOut, 1)
	go func() {
		res, err := eng.Execute(ctx, req)
		ch <- execOut{res: res, err: err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan execOut) Result {
	t.Helper()
	select {
	case out := <-ch:
		if out.err != nil {
			t.Fatalf("execute: %v", out.err)
		}
		return out.res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for execute result")
	}
	return Result{}
}

func waitForSends(t *testing.T, rpc *fakeRPC, n int) []*types.Transaction {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		txs := rpc.sentTxs()
		if len(txs) >= n {
			return txs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d broadcasts, saw %d", n, len(rpc.sentTxs()))
	return nil
}

func minedReceipt(tx *types.Transaction, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		BlockNumber:       big.NewInt(7421833),
		GasUsed:           118000,
		EffectiveGasPrice: gwei(11),
	}
}

func TestExecuteValidatesRequest(t *testing.T) {
	ledger := newMemLedger()
	eng := NewEngine(fastOptions(), testDeps(t, &fakeModes{mode: execmode.ModeDry}, &fakeNonces{}, newFakeRPC(), ledger), zerolog.Nop())

	bad := []Request{
		{},
		{UserID: "u", Action: "liquidate", Symbol: "ETH/USD", Side: chain.SideLong, Quantity: decimal.NewFromInt(1), ReferencePrice: decimal.NewFromInt(1)},
		{UserID: "u", Action: chain.ActionOpen, Symbol: "ETH/USD", Side: "sideways", Quantity: decimal.NewFromInt(1), ReferencePrice: decimal.NewFromInt(1)},
		{UserID: "u", Action: chain.ActionOpen, Symbol: "ETH/USD", Side: chain.SideLong, Quantity: decimal.Zero, ReferencePrice: decimal.NewFromInt(1)},
		{UserID: "u", Action: chain.ActionOpen, Symbol: "ETH/USD", Side: chain.SideLong, Quantity: decimal.NewFromInt(1), ReferencePrice: decimal.NewFromInt(-5)},
	}
	for i, req := range bad {
		if _, err := eng.Execute(context.Background(), req); err == nil {
			t.Fatalf("request %d: expected validation error", i)
		}
	}
	if n, _ := ledger.CountIntents(context.Background()); n != 0 {
		t.Fatalf("validation failures created %d intents", n)
	}
}

func TestExecuteDryModeSimulates(t *testing.T) {
	rpc := newFakeRPC()
	ledger := newMemLedger()
	nonces := &fakeNonces{next: 7}
	eng := NewEngine(fastOptions(), testDeps(t, &fakeModes{mode: execmode.ModeDry}, nonces, rpc, ledger), zerolog.Nop())

	res, err := eng.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != OutcomeSimulated {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeSimulated)
	}
	if !res.Final {
		t.Fatal("simulated result should be final")
	}
	if got := ledger.intent(t, res.Intent.ID); got.State != storage.StateFinal {
		t.Fatalf("state = %q, want %q", got.State, storage.StateFinal)
	}
	if n := len(rpc.sentTxs()); n != 0 {
		t.Fatalf("dry mode broadcast %d transactions", n)
	}
	if nonces.count() != 0 {
		t.Fatal("dry mode consumed a nonce")
	}
}

func TestExecuteLiveMinesTransaction(t *testing.T) {
	rpc := newFakeRPC()
	ledger := newMemLedger()
	nonces := &fakeNonces{next: 7}
	eng := NewEngine(fastOptions(), testDeps(t, &fakeModes{mode: execmode.ModeLive}, nonces, rpc, ledger), zerolog.Nop())

	ch := executeAsync(context.Background(), eng, baseRequest())
	tx := waitForSends(t, rpc, 1)[0]
	rpc.setReceipt(tx.Hash(), minedReceipt(tx, types.ReceiptStatusSuccessful))
	res := awaitResult(t, ch)

	if res.Outcome != OutcomeMined {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeMined)
	}
	if !res.Final || res.TxHash != tx.Hash().Hex() {
		t.Fatalf("result = final %v hash %s, want final with %s", res.Final, res.TxHash, tx.Hash().Hex())
	}
	if tx.Nonce() != 7 {
		t.Fatalf("tx nonce = %d, want 7", tx.Nonce())
	}
	// fee cap = base fee (10 gwei) * surge (2) + tip (2 gwei)
	if tx.GasFeeCap().Cmp(gwei(22)) != 0 {
		t.Fatalf("fee cap = %s, want %s", tx.GasFeeCap(), gwei(22))
	}

	intent := ledger.intent(t, res.Intent.ID)
	if intent.State != storage.StateFinal {
		t.Fatalf("state = %q, want %q", intent.State, storage.StateFinal)
	}
	if intent.Nonce == nil || *intent.Nonce != 7 {
		t.Fatalf("stored nonce = %v, want 7", intent.Nonce)
	}
	receipt, ok := ledger.receiptFor(intent.ID)
	if !ok || receipt.TxHash != tx.Hash().Hex() || !receipt.Success {
		t.Fatalf("receipt = %+v ok=%v, want success for %s", receipt, ok, tx.Hash().Hex())
	}
	rows := ledger.attemptRows(intent.ID)
	if len(rows) != 1 || rows[0].Status != storage.AttemptStatusMined {
		t.Fatalf("attempts = %+v, want one mined row", rows)
	}
}

func TestExecuteDeduplicatesTerminalIntent(t *testing.T) {
	ledger := newMemLedger()
	eng := NewEngine(fastOptions(), testDeps(t, &fakeModes{mode: execmode.ModeDry}, &fakeNonces{}, newFakeRPC(), ledger), zerolog.Nop())

	first, err := eng.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := eng.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}

	if !second.Deduped {
		t.Fatal("second submission should deduplicate")
	}
	if second.Intent.ID != first.Intent.ID {
		t.Fatalf("dedup hit intent %d, want %d", second.Intent.ID, first.Intent.ID)
	}
	if second.Outcome != OutcomeSimulated || !second.Final {
		t.Fatalf("dedup outcome = %q final %v, want stored simulated outcome", second.Outcome, second.Final)
	}
	if n, _ := ledger.CountIntents(context.Background()); n != 1 {
		t.Fatalf("ledger holds %d intents, want 1", n)
	}
}

func TestExecuteDedupInFlightReportsSubmitted(t *testing.T) {
	rpc := newFakeRPC()
	ledger := newMemLedger()
	opts := fastOptions()
	opts.InclusionTimeout = 2 * time.Second
	eng := NewEngine(opts, testDeps(t, &fakeModes{mode: execmode.ModeLive}, &fakeNonces{next: 3}, rpc, ledger), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ch := executeAsync(ctx, eng, baseRequest())
	tx := waitForSends(t, rpc, 1)[0]

	second, err := eng.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Deduped {
		t.Fatal("second submission should deduplicate")
	}
	if second.Outcome != OutcomeSubmitted || second.Final {
		t.Fatalf("in-flight dedup = %q final %v, want submitted and not final", second.Outcome, second.Final)
	}
	if second.TxHash != tx.Hash().Hex() {
		t.Fatalf("dedup hash = %s, want %s", second.TxHash, tx.Hash().Hex())
	}

	cancel()
	first := awaitResult(t, ch)
	if first.Outcome != OutcomeSubmitted || first.Final {
		t.Fatalf("interrupted result = %q final %v, want submitted and not final", first.Outcome, first.Final)
	}
	if got := ledger.intent(t, first.Intent.ID); got.Terminal() {
		t.Fatalf("interrupted intent reached terminal state %q", got.State)
	}
}

func TestExecuteRevertedTransaction(t *testing.T) {
	rpc := newFakeRPC()
	ledger := newMemLedger()
	eng := NewEngine(fastOptions(), testDeps(t, &fakeModes{mode: execmode.ModeLive}, &fakeNonces{}, rpc, ledger), zerolog.Nop())

	ch := executeAsync(context.Background(), eng, baseRequest())
	tx := waitForSends(t, rpc, 1)[0]
	rpc.setReceipt(tx.Hash(), minedReceipt(tx, types.ReceiptStatusFailed))
	res := awaitResult(t, ch)

	if res.Outcome != FailureOutcome(ReasonReverted) {
		t.Fatalf("outcome = %q, want %q", res.Outcome, FailureOutcome(ReasonReverted))
	}
	if res.Retryable {
		t.Fatal("reverted execution must not be retryable")
	}
	if got := ledger.intent(t, res.Intent.ID); got.State != storage.StateFailed {
		t.Fatalf("state = %q, want %q", got.State, storage.StateFailed)
	}
	receipt, ok := ledger.receiptFor(res.Intent.ID)
	if !ok || receipt.Success {
		t.Fatalf("receipt = %+v ok=%v, want recorded revert", receipt, ok)
	}
}

func TestExecuteBuildFailureFailsFast(t *testing.T) {
	rpc := newFakeRPC()
	ledger := newMemLedger()
	nonces := &fakeNonces{}
	eng := NewEngine(fastOptions(), testDeps(t, &fakeModes{mode: execmode.ModeLive}, nonces, rpc, ledger), zerolog.Nop())

	req := baseRequest()
	req.Symbol = "DOGE/USD"
	res, err := eng.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != FailureOutcome(ReasonBuild) {
		t.Fatalf("outcome = %q, want %q", res.Outcome, FailureOutcome(ReasonBuild))
	}
	if res.Retryable {
		t.Fatal("build failures must not be retryable")
	}
	if nonces.count() != 0 {
		t.Fatal("build failure consumed a nonce")
	}
	if n := len(rpc.sentTxs()); n != 0 {
		t.Fatalf("build failure broadcast %d transactions", n)
	}
}

func TestExecuteNonceFailureIsRetryable(t *testing.T) {
	ledger := newMemLedger()
	nonces := &fakeNonces{nextErr: errors.New("allocator unavailable")}
	eng := NewEngine(fastOptions(), testDeps(t, &fakeModes{mode: execmode.ModeLive}, nonces, newFakeRPC(), ledger), zerolog.Nop())

	res, err := eng.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != FailureOutcome(ReasonNonce) {
		t.Fatalf("outcome = %q, want %q", res.Outcome, FailureOutcome(ReasonNonce))
	}
	if !res.Retryable {
		t.Fatal("nonce failures should be retryable")
	}
}

func TestExecuteQuoteFailureIsRetryable(t *testing.T) {
	rpc := newFakeRPC()
	rpc.baseFeeErr = errors.New("rpc connection refused")
	ledger := newMemLedger()
	eng := NewEngine(fastOptions(), testDeps(t, &fakeModes{mode: execmode.ModeLive}, &fakeNonces{}, rpc, ledger), zerolog.Nop())

	res, err := eng.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != FailureOutcome(ReasonQuote) {
		t.Fatalf("outcome = %q, want %q", res.Outcome, FailureOutcome(ReasonQuote))
	}
	if !res.Retryable {
		t.Fatal("quote failures should be retryable")
	}
}

func TestExecuteSignFailureIsNotRetryable(t *testing.T) {
	ledger := newMemLedger()
	deps := testDeps(t, &fakeModes{mode: execmode.ModeLive}, &fakeNonces{}, newFakeRPC(), ledger)
	deps.Signer = failingSigner{}
	eng := NewEngine(fastOptions(), deps, zerolog.Nop())

	res, err := eng.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != FailureOutcome(ReasonSign) {
		t.Fatalf("outcome = %q, want %q", res.Outcome, FailureOutcome(ReasonSign))
	}
	if res.Retryable {
		t.Fatal("sign failures must not be retryable")
	}
	if rows := ledger.attemptRows(res.Intent.ID); len(rows) != 0 {
		t.Fatalf("sign failure persisted %d attempts", len(rows))
	}
}

func TestExecuteSendFailureMarksAttempt(t *testing.T) {
	rpc := newFakeRPC()
	rpc.sendErrs = []error{errors.New("txpool is full")}
	ledger := newMemLedger()
	eng := NewEngine(fastOptions(), testDeps(t, &fakeModes{mode: execmode.ModeLive}, &fakeNonces{}, rpc, ledger), zerolog.Nop())

	res, err := eng.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != FailureOutcome(ReasonSend) {
		t.Fatalf("outcome = %q, want %q", res.Outcome, FailureOutcome(ReasonSend))
	}
	if !res.Retryable {
		t.Fatal("send failures should be retryable")
	}
	rows := ledger.attemptRows(res.Intent.ID)
	if len(rows) != 1 || rows[0].Status != storage.AttemptStatusFailed {
		t.Fatalf("attempts = %+v, want one failed row", rows)
	}
}

func TestExecuteUnderpricedRetriesOnce(t *testing.T) {
	rpc := newFakeRPC()
	rpc.sendErrs = []error{errors.New("transaction underpriced")}
	ledger := newMemLedger()
	eng := NewEngine(fastOptions(), testDeps(t, &fakeModes{mode: execmode.ModeLive}, &fakeNonces{}, rpc, ledger), zerolog.Nop())

	ch := executeAsync(context.Background(), eng, baseRequest())
	txs := waitForSends(t, rpc, 2)
	rpc.setReceipt(txs[1].Hash(), minedReceipt(txs[1], types.ReceiptStatusSuccessful))
	res := awaitResult(t, ch)

	if res.Outcome != OutcomeMined {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeMined)
	}
	if txs[1].GasFeeCap().Cmp(txs[0].GasFeeCap()) <= 0 {
		t.Fatalf("retry fee cap %s did not exceed original %s", txs[1].GasFeeCap(), txs[0].GasFeeCap())
	}
	rows := ledger.attemptRows(res.Intent.ID)
	if len(rows) != 2 {
		t.Fatalf("attempts = %d, want 2", len(rows))
	}
	if rows[0].Status != storage.AttemptStatusFailed || rows[1].Status != storage.AttemptStatusMined {
		t.Fatalf("attempt statuses = %q/%q, want failed then mined", rows[0].Status, rows[1].Status)
	}
	if rows[1].Kind != storage.AttemptKindInitial {
		t.Fatalf("retry kind = %q, want initial", rows[1].Kind)
	}
}

func TestExecuteNonceTooLowReconciles(t *testing.T) {
	rpc := newFakeRPC()
	rpc.sendErrs = []error{errors.New("nonce too low")}
	ledger := newMemLedger()
	nonces := &fakeNonces{next: 7, reconcileTo: 42}
	eng := NewEngine(fastOptions(), testDeps(t, &fakeModes{mode: execmode.ModeLive}, nonces, rpc, ledger), zerolog.Nop())

	ch := executeAsync(context.Background(), eng, baseRequest())
	txs := waitForSends(t, rpc, 2)
	rpc.setReceipt(txs[1].Hash(), minedReceipt(txs[1], types.ReceiptStatusSuccessful))
	res := awaitResult(t, ch)

	if res.Outcome != OutcomeMined {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeMined)
	}
	if txs[1].Nonce() != 42 {
		t.Fatalf("retry nonce = %d, want reconciled 42", txs[1].Nonce())
	}
	if nonces.reconcileCalls != 1 {
		t.Fatalf("reconcile calls = %d, want 1", nonces.reconcileCalls)
	}
	intent := ledger.intent(t, res.Intent.ID)
	if intent.Nonce == nil || *intent.Nonce != 42 {
		t.Fatalf("stored nonce = %v, want 42", intent.Nonce)
	}
}

func TestReplacementAfterInclusionTimeout(t *testing.T) {
	rpc := newFakeRPC()
	ledger := newMemLedger()
	opts := fastOptions()
	opts.InclusionTimeout = 60 * time.Millisecond
	eng := NewEngine(opts, testDeps(t, &fakeModes{mode: execmode.ModeLive}, &fakeNonces{next: 5}, rpc, ledger), zerolog.Nop())

	ch := executeAsync(context.Background(), eng, baseRequest())
	txs := waitForSends(t, rpc, 2)
	rpc.setReceipt(txs[1].Hash(), minedReceipt(txs[1], types.ReceiptStatusSuccessful))
	res := awaitResult(t, ch)

	if res.Outcome != OutcomeMined {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeMined)
	}
	if res.TxHash != txs[1].Hash().Hex() {
		t.Fatalf("winning hash = %s, want replacement %s", res.TxHash, txs[1].Hash().Hex())
	}
	if txs[0].Nonce() != txs[1].Nonce() {
		t.Fatalf("replacement nonce %d differs from original %d", txs[1].Nonce(), txs[0].Nonce())
	}

	// Replacements must clear the node's 12% floor on both caps.
	floor := func(x *big.Int) *big.Int {
		return new(big.Int).Div(new(big.Int).Mul(x, big.NewInt(112)), big.NewInt(100))
	}
	if txs[1].GasFeeCap().Cmp(floor(txs[0].GasFeeCap())) < 0 {
		t.Fatalf("replacement fee cap %s below 112%% of %s", txs[1].GasFeeCap(), txs[0].GasFeeCap())
	}
	if txs[1].GasTipCap().Cmp(floor(txs[0].GasTipCap())) < 0 {
		t.Fatalf("replacement tip %s below 112%% of %s", txs[1].GasTipCap(), txs[0].GasTipCap())
	}

	rows := ledger.attemptRows(res.Intent.ID)
	if len(rows) != 2 {
		t.Fatalf("attempts = %d, want 2", len(rows))
	}
	if rows[1].Kind != storage.AttemptKindReplacement {
		t.Fatalf("second attempt kind = %q, want replacement", rows[1].Kind)
	}
	if rows[0].Status != storage.AttemptStatusReplaced || rows[1].Status != storage.AttemptStatusMined {
		t.Fatalf("attempt statuses = %q/%q, want replaced then mined", rows[0].Status, rows[1].Status)
	}
}

func TestStuckAfterReplacementBudget(t *testing.T) {
	rpc := newFakeRPC()
	ledger := newMemLedger()
	opts := fastOptions()
	opts.InclusionTimeout = 20 * time.Millisecond
	opts.MaxReplacements = 1
	eng := NewEngine(opts, testDeps(t, &fakeModes{mode: execmode.ModeLive}, &fakeNonces{}, rpc, ledger), zerolog.Nop())

	res := awaitResult(t, executeAsync(context.Background(), eng, baseRequest()))

	if res.Outcome != FailureOutcome(ReasonStuck) {
		t.Fatalf("outcome = %q, want %q", res.Outcome, FailureOutcome(ReasonStuck))
	}
	if !res.Retryable {
		t.Fatal("stuck executions should be retryable")
	}
	if n := len(rpc.sentTxs()); n != 2 {
		t.Fatalf("broadcasts = %d, want initial plus one replacement", n)
	}
	if res.TxHash == "" {
		t.Fatal("stuck result should carry the last broadcast hash")
	}
	if got := ledger.intent(t, res.Intent.ID); got.State != storage.StateFailed {
		t.Fatalf("state = %q, want %q", got.State, storage.StateFailed)
	}
}

func TestExecuteFeeCeilingBelowBaseFee(t *testing.T) {
	rpc := newFakeRPC()
	rpc.baseFee = gwei(100)
	ledger := newMemLedger()
	deps := testDeps(t, &fakeModes{mode: execmode.ModeLive}, &fakeNonces{}, rpc, ledger)
	policy, err := gas.NewPolicy(gas.Options{
		SurgeMultiplier:    1,
		PriorityFeeGwei:    0.5,
		CeilingGwei:        1,
		ReplacementBumpPct: 15,
	})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	deps.Fees = policy
	eng := NewEngine(fastOptions(), deps, zerolog.Nop())

	res, err := eng.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Outcome != FailureOutcome(ReasonFeeCeiling) {
		t.Fatalf("outcome = %q, want %q", res.Outcome, FailureOutcome(ReasonFeeCeiling))
	}
	if res.Retryable {
		t.Fatal("fee ceiling failures need a config change, not a retry")
	}
	if n := len(rpc.sentTxs()); n != 0 {
		t.Fatalf("fee ceiling failure broadcast %d transactions", n)
	}
}
