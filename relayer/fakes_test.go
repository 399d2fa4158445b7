package relayer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"gopropbridge/config"
	"gopropbridge/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

func testConfig() *config.Configuration {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// fakeClock fires After channels only when Advance moves time past them.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// newFakeClock starts at the wall clock so fake-clock timestamps stay
// comparable with the ledger's own record timestamps.
func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var remaining []fakeWaiter
	var due []fakeWaiter
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	now := c.now
	c.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
}

type stageCall struct {
	propertyID uint64
	stage      int
}

// fakeGateway implements StacksGateway.
type fakeGateway struct {
	mu          sync.Mutex
	locked      map[uint64]*big.Int
	stages      map[uint64]int
	updateErrs  []error
	updateCalls []stageCall
	txSeq       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		locked: make(map[uint64]*big.Int),
		stages: make(map[uint64]int),
	}
}

func (g *fakeGateway) UpdateStage(propertyID uint64, stage int, proof string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.updateErrs) > 0 {
		err := g.updateErrs[0]
		g.updateErrs = g.updateErrs[1:]
		return "", err
	}
	g.updateCalls = append(g.updateCalls, stageCall{propertyID, stage})
	g.stages[propertyID] = stage
	g.txSeq++
	return fmt.Sprintf("stx-tx-%d", g.txSeq), nil
}

func (g *fakeGateway) ReadStage(propertyID uint64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stages[propertyID], nil
}

func (g *fakeGateway) setStage(propertyID uint64, stage int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stages[propertyID] = stage
}

func (g *fakeGateway) LockedBalance(propertyID uint64) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.locked[propertyID]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (g *fakeGateway) setLocked(propertyID uint64, amount *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked[propertyID] = new(big.Int).Set(amount)
}

func (g *fakeGateway) updates() []stageCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]stageCall(nil), g.updateCalls...)
}

type creditCall struct {
	propertyID   uint64
	custodian    string
	amount       *big.Int
	sourceTxHash string
}

// fakeManager implements EVMManager.
type fakeManager struct {
	mu         sync.Mutex
	pool       *big.Int
	minted     map[uint64]*big.Int
	creditErrs []error
	debitErrs  []error
	ackErrs    []error
	credits    []creditCall
	debits     []creditCall
	applies    []stageCall
	acks       []stageCall
	txSeq      int
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		pool:   new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil), // deep pool
		minted: make(map[uint64]*big.Int),
	}
}

// nextTx returns hash-shaped ids so destination logs can reference them the
// way real receipts do.
func (m *fakeManager) nextTx() string {
	m.txSeq++
	return evmTxHash(m.txSeq)
}

func evmTxHash(seq int) string {
	return common.BigToHash(big.NewInt(int64(seq))).Hex()
}

func (m *fakeManager) CreditDeposit(ctx context.Context, propertyID uint64, custodian string, amount *big.Int, sourceTxHash string, proof [32]byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.creditErrs) > 0 {
		err := m.creditErrs[0]
		m.creditErrs = m.creditErrs[1:]
		return "", err
	}
	m.credits = append(m.credits, creditCall{propertyID, custodian, new(big.Int).Set(amount), sourceTxHash})
	return m.nextTx(), nil
}

func (m *fakeManager) DebitWithdrawal(ctx context.Context, propertyID uint64, custodian string, amount *big.Int, sourceTxHash string, proof [32]byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.debitErrs) > 0 {
		err := m.debitErrs[0]
		m.debitErrs = m.debitErrs[1:]
		return "", err
	}
	m.debits = append(m.debits, creditCall{propertyID, custodian, new(big.Int).Set(amount), sourceTxHash})
	return m.nextTx(), nil
}

func (m *fakeManager) ApplyStage(ctx context.Context, propertyID uint64, stage int, proof [32]byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applies = append(m.applies, stageCall{propertyID, stage})
	return m.nextTx(), nil
}

func (m *fakeManager) AcknowledgeStage(ctx context.Context, propertyID uint64, stage int, proof [32]byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ackErrs) > 0 {
		err := m.ackErrs[0]
		m.ackErrs = m.ackErrs[1:]
		return "", err
	}
	m.acks = append(m.acks, stageCall{propertyID, stage})
	return m.nextTx(), nil
}

func (m *fakeManager) PoolBalance(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.pool), nil
}

func (m *fakeManager) MintedBalance(ctx context.Context, propertyID uint64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.minted[propertyID]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *fakeManager) setMinted(propertyID uint64, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minted[propertyID] = new(big.Int).Set(amount)
}

func (m *fakeManager) creditCalls() []creditCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]creditCall(nil), m.credits...)
}

func (m *fakeManager) debitCalls() []creditCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]creditCall(nil), m.debits...)
}

func (m *fakeManager) ackCalls() []stageCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stageCall(nil), m.acks...)
}

func (m *fakeManager) applyCalls() []stageCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stageCall(nil), m.applies...)
}

const testCustodian = "0x00000000000000000000000000000000000000Aa"

func depositPrint(propertyID uint64, txid string, amount int64, height uint64) types.StacksPrint {
	return types.StacksPrint{
		Topic:       "deposit",
		PropertyID:  propertyID,
		Principal:   "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7.USER",
		Custodian:   testCustodian,
		Amount:      big.NewInt(amount),
		TxID:        txid,
		PrintIndex:  0,
		BlockHeight: height,
	}
}

func newTestRelayer(cfg *config.Configuration, clock Clock, gw *fakeGateway, mgr *fakeManager) (*Relayer, *MemStore) {
	store := NewMemStore()
	rel := New(cfg, testLogger(), store, store, store, gw, mgr, FixedRate{}, clock)
	return rel, store
}
