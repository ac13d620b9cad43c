package consensus

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"Astor/internal/ledger"
	"Astor/internal/logger"
)

const (
	// inboxSize is the buffer size for inbound network messages.
	inboxSize = 1024

	// submitSize is the buffer size for locally submitted transactions.
	submitSize = 1024
)

// Transport carries encoded messages between validators.
type Transport interface {
	Broadcast(data []byte) error
	Send(peerID string, data []byte) error
}

// Persister receives every committed block with its ledger result.
type Persister interface {
	PersistBlock(b *Block, result ledger.BlockResult) error
}

// ResettablePersister can drop its contents before a resync.
type ResettablePersister interface {
	Persister
	Reset() error
}

// BlockFetcher returns up to max consecutive committed blocks starting at
// from. An empty result means the source has nothing past from-1.
type BlockFetcher interface {
	FetchBlocks(ctx context.Context, from uint64, max int) ([]*Block, error)
}

// HeightReporter is implemented by fetchers that learn the height peers
// have reached.
type HeightReporter interface {
	NetworkHeight() uint64
}

// State is the engine's position in the current round.
type State int

const (
	StateIdle State = iota
	StatePrePrepare
	StatePrepare
	StateCommit
	StateViewChange
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePrePrepare:
		return "PrePrepare"
	case StatePrepare:
		return "Prepare"
	case StateCommit:
		return "Commit"
	case StateViewChange:
		return "ViewChange"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a snapshot of the engine for collaborators.
type Status struct {
	View               uint64
	Height             uint64
	State              State
	Primary            string
	Pending            int
	ViewChangeAttempts int
	Stalled            bool
	Halted             bool
	HaltReason         string
	LatestBlock        *Block

	// Syncing is set while blocks are being fetched from peers.
	Syncing bool
	// NetworkHeight is the highest height seen from peers, never below Height.
	NetworkHeight uint64
	// Unpersisted counts committed blocks the persister has not accepted yet.
	Unpersisted int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPersister hands every committed block to p.
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithFetcher enables catch-up from peers when the node falls behind.
func WithFetcher(f BlockFetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithLastBlock resumes after b, whose transactions the ledger already holds.
func WithLastBlock(b *Block) Option {
	return func(e *Engine) {
		if b == nil {
			return
		}
		e.lastBlock = b
		e.lastCommitted = b.Sequence
		e.view = b.View
	}
}

type inbound struct {
	from string
	data []byte
}

type fetchResult struct {
	from   uint64
	blocks []*Block
	err    error
}

type call struct {
	fn   func()
	done chan struct{}
}

// Engine is one validator's pBFT state machine. All protocol state is owned
// by a single goroutine; public methods only enqueue work or read the
// published snapshot.
type Engine struct {
	cfg       Config
	id        string
	key       ed25519.PrivateKey
	vs        *ValidatorSet
	transport Transport
	persister Persister
	fetcher   BlockFetcher

	ledger atomic.Pointer[ledger.Ledger]
	status atomic.Pointer[Status]

	inbox     chan inbound
	submitCh  chan []ledger.Transaction
	fetchedCh chan fetchResult
	calls     chan call
	ticker    *timeoutTicker

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Owned by the loop goroutine.
	view          uint64
	lastCommitted uint64
	lastBlock     *Block
	state         State
	pending       []ledger.Transaction
	pendingIDs    map[string]struct{}
	round         *round
	locked        *PreparedCert
	vcTarget      uint64
	vcAttempts    int
	vcRound       int
	viewChanges   map[uint64]map[string]*ViewChange
	stalled       bool
	future        map[string][]Message
	local         []Message
	catchingUp    bool
	networkHeight uint64
	unpersisted   []persistJob
}

// New creates an engine for validator id. The ledger must already reflect
// every block up to the one given by WithLastBlock.
func New(cfg Config, id string, key ed25519.PrivateKey, vs *ValidatorSet, l *ledger.Ledger, transport Transport, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}

	v, ok := vs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, id)
	}
	if len(key) != ed25519.PrivateKeySize || !v.PublicKey.Equal(key.Public()) {
		return nil, fmt.Errorf("private key does not match validator %s", id)
	}

	e := &Engine{
		cfg:         cfg,
		id:          id,
		key:         key,
		vs:          vs,
		transport:   transport,
		inbox:       make(chan inbound, inboxSize),
		submitCh:    make(chan []ledger.Transaction, submitSize),
		fetchedCh:   make(chan fetchResult, 1),
		calls:       make(chan call),
		ticker:      newTimeoutTicker(),
		pendingIDs:  make(map[string]struct{}),
		viewChanges: make(map[uint64]map[string]*ViewChange),
		future:      make(map[string][]Message),
	}
	e.ledger.Store(l)

	for _, opt := range opts {
		opt(e)
	}

	e.round = newRound(e.view, e.lastCommitted+1)
	e.publishStatus()

	return e, nil
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	if e.cfg.IntegrityInterval > 0 {
		e.ticker.schedule(timerIntegrity, e.cfg.IntegrityInterval, 0, 0)
	}

	e.wg.Add(1)
	go e.run()

	logger.Info("consensus started",
		"node", e.id,
		"validators", e.vs.Len(),
		"quorum", e.vs.QuorumSize(),
		"view", e.view,
		"height", e.lastCommitted,
	)

	return nil
}

// Stop terminates the event loop and its timers.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.ticker.stop()
}

func (e *Engine) run() {
	defer e.wg.Done()
	defer e.running.Store(false)

	for {
		select {
		case <-e.ctx.Done():
			return

		case in := <-e.inbox:
			e.step(func() { e.receive(in.from, in.data) })

		case txs := <-e.submitCh:
			e.step(func() { e.addPending(txs, true) })

		case ti := <-e.ticker.Chan():
			e.step(func() { e.onTimeout(ti) })

		case res := <-e.fetchedCh:
			e.step(func() { e.onFetched(res) })

		case c := <-e.calls:
			e.step(c.fn)
			close(c.done)
		}
	}
}

// step applies one event, then the messages the node sent to itself, then
// publishes the new status.
func (e *Engine) step(fn func()) {
	fn()
	e.drainLocal()
	e.publishStatus()
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	if !e.running.Load() {
		e.step(fn)
		return nil
	}

	c := call{fn: fn, done: make(chan struct{})}

	select {
	case e.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrStopped
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver hands an inbound message to the engine. from is the validator id
// the transport authenticated, or "" if unknown.
func (e *Engine) Deliver(from string, data []byte) {
	select {
	case e.inbox <- inbound{from: from, data: data}:
	default:
		logger.Warn("inbox full, dropping message", "from", from, "size", len(data))
	}
}

// SubmitTransaction enqueues t for ordering and returns its id. The
// transaction is committed only once a later block contains it.
func (e *Engine) SubmitTransaction(t ledger.EntryType) (string, error) {
	if halted, _ := e.Ledger().Halted(); halted {
		return "", ErrLedgerHalted
	}

	tx := ledger.NewTransaction(t)
	if err := tx.Validate(); err != nil {
		return "", err
	}

	select {
	case e.submitCh <- []ledger.Transaction{tx}:
		return tx.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// SubmitTransactions enqueues transactions whose id and timestamp are
// already fixed, such as genesis allocations every validator submits.
// Copies already in the ledger are rejected at commit as duplicates.
func (e *Engine) SubmitTransactions(txs []ledger.Transaction) error {
	if halted, _ := e.Ledger().Halted(); halted {
		return ErrLedgerHalted
	}

	for _, tx := range txs {
		if err := tx.Validate(); err != nil {
			return fmt.Errorf("transaction %s:\n%w", tx.ID, err)
		}
	}

	select {
	case e.submitCh <- slices.Clone(txs):
		return nil
	default:
		return ErrQueueFull
	}
}

// Ledger returns the ledger currently owned by the engine.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger.Load() }

// Status returns the latest published snapshot.
func (e *Engine) Status() Status { return *e.status.Load() }

// Height returns the sequence of the last committed block.
func (e *Engine) Height() uint64 { return e.status.Load().Height }

// View returns the current view.
func (e *Engine) View() uint64 { return e.status.Load().View }

// State returns the current round state.
func (e *Engine) State() State { return e.status.Load().State }

// LatestBlock returns the last committed block, or nil.
func (e *Engine) LatestBlock() *Block { return e.status.Load().LatestBlock }

// TotalSupply returns the ledger's total supply.
func (e *Engine) TotalSupply() uint64 { return e.Ledger().TotalSupply() }

// Balance returns the ledger balance of account id.
func (e *Engine) Balance(id string) uint64 { return e.Ledger().Balance(id) }

// VerifyIntegrity walks the ledger chain.
func (e *Engine) VerifyIntegrity() bool { return e.Ledger().VerifyIntegrity() }

func (e *Engine) publishStatus() {
	halted, reason := e.Ledger().Halted()

	e.status.Store(&Status{
		View:               e.view,
		Height:             e.lastCommitted,
		State:              e.state,
		Primary:            e.vs.PrimaryFor(e.view),
		Pending:            len(e.pending),
		ViewChangeAttempts: e.vcAttempts,
		Stalled:            e.stalled,
		Halted:             halted,
		HaltReason:         reason,
		LatestBlock:        e.lastBlock,
		Syncing:            e.catchingUp,
		NetworkHeight:      max(e.networkHeight, e.lastCommitted),
		Unpersisted:        len(e.unpersisted),
	})
}

// receive decodes and dispatches one network message.
func (e *Engine) receive(from string, data []byte) {
	m, err := Decode(data)
	if err != nil {
		logger.Warn("dropping malformed message", "from", from, "error", err)
		return
	}

	if from != "" && m.Sender() != from {
		logger.Warn("security: sender does not match transport identity",
			"from", from,
			"claimed", m.Sender(),
			"kind", m.Kind(),
		)
		return
	}

	e.handleMessage(m)
}

// handleMessage authenticates m and routes it by kind and round.
func (e *Engine) handleMessage(m Message) {
	if err := VerifyMessage(e.vs, m); err != nil {
		if errors.Is(err, ErrUnknownValidator) {
			logger.Warn("security: message from unknown validator", describe(m)...)
		} else {
			logger.Warn("dropping message", append(describe(m), "reason", err)...)
		}
		return
	}

	switch v := m.(type) {
	case *TxRelay:
		e.addPending(v.Transactions, false)
		return
	case *ViewChange:
		e.onViewChange(v)
		return
	}

	view, sequence := roundOf(m)

	switch err := e.admit(view, sequence); {
	case err == nil:
	case errors.Is(err, errFuture):
		e.bufferFuture(m)
		return
	default:
		logger.Debug("dropping stale message", append(describe(m), "reason", err)...)
		return
	}

	switch v := m.(type) {
	case *PrePrepare:
		e.onPrePrepare(v)
	case *Prepare:
		e.onPrepare(v)
	case *Commit:
		e.onCommit(v)
	}
}

// emit signs m, broadcasts it and queues it for local handling.
func (e *Engine) emit(m Message) {
	Sign(m, e.key)

	if err := e.transport.Broadcast(Encode(m)); err != nil {
		logger.Warn("broadcast failed", append(describe(m), "error", err)...)
	}

	e.local = append(e.local, m)
}

// drainLocal handles the node's own messages after the current event.
func (e *Engine) drainLocal() {
	for len(e.local) > 0 {
		m := e.local[0]
		e.local = e.local[1:]
		e.handleMessage(m)
	}
}

// addPending queues transactions not already pending. relay forwards
// locally submitted ones to the other validators.
func (e *Engine) addPending(txs []ledger.Transaction, relay bool) {
	var added []ledger.Transaction

	for _, tx := range txs {
		if _, dup := e.pendingIDs[tx.ID]; dup {
			continue
		}
		if e.Ledger().Has(tx.ID) {
			logger.Debug("transaction already committed", "tx", tx.ID)
			continue
		}
		if err := tx.Validate(); err != nil {
			logger.Warn("transaction rejected", "tx", tx.ID, "reason", err)
			continue
		}
		if len(e.pending) >= e.cfg.MaxPending {
			logger.Warn("pending queue full, dropping transaction", "tx", tx.ID)
			continue
		}

		e.pending = append(e.pending, tx)
		e.pendingIDs[tx.ID] = struct{}{}
		added = append(added, tx)
	}

	if len(added) == 0 {
		return
	}

	if relay {
		m := &TxRelay{Transactions: added, NodeID: e.id}
		Sign(m, e.key)
		if err := e.transport.Broadcast(Encode(m)); err != nil {
			logger.Warn("transaction relay failed", "count", len(added), "error", err)
		}
	}

	e.armViewTimer()
	e.maybePropose(false)
}

// removePending drops committed transactions from the queue.
func (e *Engine) removePending(txs []ledger.Transaction) {
	if len(txs) == 0 {
		return
	}

	done := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		done[tx.ID] = struct{}{}
	}

	kept := e.pending[:0]
	for _, tx := range e.pending {
		if _, ok := done[tx.ID]; ok {
			delete(e.pendingIDs, tx.ID)
			continue
		}
		kept = append(kept, tx)
	}

	clear(e.pending[len(kept):])
	e.pending = kept
}

// onTimeout dispatches a fired timer.
func (e *Engine) onTimeout(ti timeoutInfo) {
	if !e.ticker.isCurrent(ti) {
		return
	}

	switch ti.kind {
	case timerBatch:
		if ti.view == e.view && ti.sequence == e.lastCommitted+1 {
			e.maybePropose(true)
		}

	case timerView:
		e.onViewTimeout(ti)

	case timerIntegrity:
		e.checkIntegrity()
		e.ticker.schedule(timerIntegrity, e.cfg.IntegrityInterval, 0, 0)
	}
}

// checkIntegrity verifies the full chain and halts the ledger on mismatch.
func (e *Engine) checkIntegrity() bool {
	l := e.Ledger()
	if halted, _ := l.Halted(); halted {
		return false
	}

	if !l.VerifyIntegrity() {
		l.Halt(fmt.Sprintf("chain verification failed at height %d", e.lastCommitted))
		e.ticker.cancel(timerBatch)
		e.ticker.cancel(timerView)
		return false
	}

	return true
}
