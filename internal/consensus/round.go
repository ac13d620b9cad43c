package consensus

import (
	"errors"
	"fmt"
	"time"

	"Astor/internal/ledger"
	"Astor/internal/logger"
)

var (
	errFuture = errors.New("message for a future round")
	errPast   = errors.New("message for a past round")
)

// persistJob is a committed block waiting for the persister.
type persistJob struct {
	block  *Block
	result ledger.BlockResult
}

// round tracks agreement on one (view, sequence).
type round struct {
	view     uint64
	sequence uint64

	proposal *PrePrepare
	prepares map[string]*Prepare
	commits  map[string]*Commit

	sentPrepare bool
	prepared    bool
	committed   bool
}

func newRound(view, sequence uint64) *round {
	return &round{
		view:     view,
		sequence: sequence,
		prepares: make(map[string]*Prepare),
		commits:  make(map[string]*Commit),
	}
}

// roundOf returns the (view, sequence) a round message belongs to.
func roundOf(m Message) (uint64, uint64) {
	switch v := m.(type) {
	case *PrePrepare:
		return v.View, v.Sequence
	case *Prepare:
		return v.View, v.Sequence
	case *Commit:
		return v.View, v.Sequence
	}
	return 0, 0
}

// admit classifies a round message against the node's position.
func (e *Engine) admit(view, sequence uint64) error {
	switch {
	case sequence <= e.lastCommitted:
		return fmt.Errorf("%w: sequence %d already committed", errPast, sequence)
	case view < e.view:
		return fmt.Errorf("%w: %w: view %d < %d", errPast, ErrViewMismatch, view, e.view)
	case view > e.view:
		return errFuture
	case sequence > e.lastCommitted+1:
		return fmt.Errorf("%w: %w: sequence %d beyond %d", errFuture, ErrSequenceGap, sequence, e.lastCommitted+1)
	}
	return nil
}

// maybePropose sends a PrePrepare when this node is the primary and a
// batch is ready. force proposes a partial batch.
func (e *Engine) maybePropose(force bool) {
	if !e.vs.IsPrimary(e.id, e.view) || e.state != StateIdle || e.round.proposal != nil || e.stalled {
		return
	}
	if halted, _ := e.Ledger().Halted(); halted {
		return
	}

	seq := e.lastCommitted + 1

	// a prepared batch from an earlier view must be proposed again as is
	if e.locked != nil && e.locked.Sequence == seq {
		e.propose(e.locked.Transactions, e.locked)
		return
	}

	if len(e.pending) == 0 {
		return
	}

	if len(e.pending) < e.cfg.BatchSize && !force {
		if !e.ticker.active(timerBatch) {
			e.ticker.schedule(timerBatch, e.cfg.BatchTimeout, e.view, seq)
		}
		return
	}

	n := min(len(e.pending), e.cfg.BatchSize)
	batch := make([]ledger.Transaction, n)
	copy(batch, e.pending[:n])

	e.propose(batch, nil)
}

func (e *Engine) propose(txs []ledger.Transaction, justification *PreparedCert) {
	e.ticker.cancel(timerBatch)

	m := &PrePrepare{
		View:          e.view,
		Sequence:      e.lastCommitted + 1,
		Digest:        MerkleRoot(txs),
		Transactions:  txs,
		Justification: justification,
		NodeID:        e.id,
	}

	e.state = StatePrePrepare

	logger.Info("proposing batch",
		"view", m.View,
		"sequence", m.Sequence,
		"txs", len(txs),
		"digest", m.Digest.Short(),
		"reproposal", justification != nil,
	)

	e.emit(m)
}

func (e *Engine) onPrePrepare(m *PrePrepare) {
	r := e.round

	if !e.vs.IsPrimary(m.NodeID, m.View) {
		logger.Warn("dropping pre-prepare", append(describe(m), "reason", ErrNotPrimary)...)
		return
	}

	if MerkleRoot(m.Transactions) != m.Digest {
		logger.Warn("dropping pre-prepare", append(describe(m), "reason", ErrDigestMismatch)...)
		return
	}

	if j := m.Justification; j != nil {
		if err := j.Verify(e.vs); err != nil || j.Sequence != m.Sequence || j.Digest != m.Digest || j.View >= m.View {
			logger.Warn("dropping pre-prepare", append(describe(m), "reason", ErrInvalidCert)...)
			return
		}
	}

	if r.proposal != nil {
		if r.proposal.Digest == m.Digest {
			return
		}

		logger.Warn("security: equivocating primary",
			"reason", ErrEquivocation,
			"primary", m.NodeID,
			"view", m.View,
			"sequence", m.Sequence,
			"first", r.proposal.Digest.Short(),
			"second", m.Digest.Short(),
		)
		e.startViewChange(e.view + 1)
		return
	}

	if e.state == StateViewChange {
		return
	}

	r.proposal = m

	if m.Justification.supersedes(e.locked) {
		e.locked = m.Justification
	}

	if e.locked != nil && e.locked.Sequence == m.Sequence && e.locked.Digest != m.Digest {
		logger.Warn("pre-prepare conflicts with prepared batch",
			"view", m.View,
			"sequence", m.Sequence,
			"digest", m.Digest.Short(),
			"locked", e.locked.Digest.Short(),
			"locked_view", e.locked.View,
		)
	} else {
		r.sentPrepare = true
		if e.state == StateIdle || e.state == StatePrePrepare {
			e.state = StatePrepare
		}
		e.emit(&Prepare{View: m.View, Sequence: m.Sequence, Digest: m.Digest, NodeID: e.id})
	}

	e.armViewTimer()
	e.checkPrepared()
	e.checkCommitted()
}

func (e *Engine) onPrepare(m *Prepare) {
	r := e.round

	if prev, ok := r.prepares[m.NodeID]; ok {
		if prev.Digest != m.Digest {
			logger.Warn("security: conflicting prepares", "from", m.NodeID, "view", m.View, "sequence", m.Sequence)
		}
		return
	}

	r.prepares[m.NodeID] = m
	e.checkPrepared()
}

func (e *Engine) onCommit(m *Commit) {
	r := e.round

	if prev, ok := r.commits[m.NodeID]; ok {
		if prev.Digest != m.Digest {
			logger.Warn("security: conflicting commits", "from", m.NodeID, "view", m.View, "sequence", m.Sequence)
		}
		return
	}

	r.commits[m.NodeID] = m
	e.checkCommitted()
}

// checkPrepared moves to Commit once a quorum prepared the proposal.
func (e *Engine) checkPrepared() {
	r := e.round
	if r.proposal == nil || r.prepared {
		return
	}

	sigs := make(map[string][]byte)
	for id, p := range r.prepares {
		if p.Digest == r.proposal.Digest {
			sigs[id] = p.Signature
		}
	}

	if len(sigs) < e.vs.QuorumSize() {
		return
	}

	r.prepared = true

	cert := &PreparedCert{
		View:         r.view,
		Sequence:     r.sequence,
		Digest:       r.proposal.Digest,
		Transactions: r.proposal.Transactions,
		Prepares:     sigs,
	}
	if e.locked == nil || e.locked.Sequence != cert.Sequence || cert.supersedes(e.locked) {
		e.locked = cert
	}

	if e.state == StateViewChange {
		return
	}

	e.state = StateCommit
	e.emit(&Commit{View: r.view, Sequence: r.sequence, Digest: r.proposal.Digest, NodeID: e.id})
}

// checkCommitted finalizes the round once a quorum committed the proposal.
func (e *Engine) checkCommitted() {
	r := e.round
	if r.proposal == nil || r.committed {
		return
	}

	sigs := make(map[string][]byte)
	for id, c := range r.commits {
		if c.Digest == r.proposal.Digest {
			sigs[id] = c.Signature
		}
	}

	if len(sigs) < e.vs.QuorumSize() {
		return
	}

	r.committed = true
	e.commitRound(sigs)
}

// commitRound builds the block for the current round and applies it.
func (e *Engine) commitRound(sigs map[string][]byte) {
	r := e.round

	l := e.Ledger()
	if halted, _ := l.Halted(); halted {
		logger.Warn("ledger halted, not committing", "sequence", r.sequence)
		return
	}

	if !l.VerifyTail() {
		l.Halt(fmt.Sprintf("tail hash mismatch before block %d", r.sequence))
		return
	}

	block := Assemble(Batch{
		Sequence:     r.sequence,
		View:         r.view,
		PreviousHash: e.lastHash(),
		Transactions: r.proposal.Transactions,
	}, sigs)

	if err := e.applyBlock(block); err != nil {
		logger.Error("commit failed", "sequence", r.sequence, "error", err)
		return
	}

	e.afterCommit()
}

// applyBlock appends a committed block to the ledger and hands it to the
// persister. It advances lastCommitted but does not touch the round.
func (e *Engine) applyBlock(b *Block) error {
	start := time.Now()

	result, err := e.Ledger().AppendBlock(b.Sequence, b.Transactions)
	if err != nil {
		return err
	}

	if e.persister != nil {
		e.unpersisted = append(e.unpersisted, persistJob{block: b, result: result})
		e.flushPersist()
	}

	e.lastCommitted = b.Sequence
	e.lastBlock = b
	e.removePending(b.Transactions)

	logger.Info("block committed",
		"sequence", b.Sequence,
		"view", b.View,
		"txs", len(b.Transactions),
		"rejected", len(result.Rejected),
		"digest", b.MerkleRoot.Short(),
		logger.Timed(start),
	)

	return nil
}

// flushPersist hands queued blocks to the persister in order. A failed
// block stays queued with everything after it and is retried on the next
// commit, so the persisted chain never skips a sequence.
func (e *Engine) flushPersist() {
	for len(e.unpersisted) > 0 {
		job := e.unpersisted[0]
		if err := e.persister.PersistBlock(job.block, job.result); err != nil {
			logger.Error("persisting block failed",
				"sequence", job.block.Sequence,
				"backlog", len(e.unpersisted),
				"error", err,
			)
			return
		}

		e.unpersisted[0] = persistJob{}
		e.unpersisted = e.unpersisted[1:]
	}
	e.unpersisted = nil
}

// afterCommit opens the next round. A commit proves the current primary
// is live, so a view change still in progress for this view is abandoned.
func (e *Engine) afterCommit() {
	e.round = newRound(e.view, e.lastCommitted+1)
	if e.locked != nil && e.locked.Sequence <= e.lastCommitted {
		e.locked = nil
	}

	if e.state == StateViewChange {
		logger.Info("commit during view change, staying in view", "view", e.view, "target", e.vcTarget)
	}
	e.state = StateIdle
	e.vcTarget = 0
	e.vcRound = 0
	e.vcAttempts = 0
	e.stalled = false

	e.ticker.cancel(timerView)
	e.ticker.cancel(timerBatch)
	e.armViewTimer()

	e.replayFuture()
	e.maybePropose(false)
}

func (e *Engine) lastHash() Hash {
	if e.lastBlock == nil {
		return Hash{}
	}
	return e.lastBlock.Hash()
}

// armViewTimer starts the progress timer when there is outstanding work.
func (e *Engine) armViewTimer() {
	if e.state == StateViewChange || e.stalled || e.ticker.active(timerView) {
		return
	}
	if len(e.pending) == 0 && e.round.proposal == nil {
		return
	}

	e.ticker.schedule(timerView, e.viewTimeout(), e.view, e.lastCommitted+1)
}

func (e *Engine) viewTimeout() time.Duration {
	return e.cfg.ViewTimeout + time.Duration(e.vcAttempts)*e.cfg.ViewTimeoutDelta
}
