package consensus

import (
	"slices"

	"Astor/internal/logger"
)

// onViewTimeout fires when a round or a view change made no progress.
func (e *Engine) onViewTimeout(ti timeoutInfo) {
	if ti.view != e.view {
		return
	}

	if e.state == StateViewChange {
		logger.Warn("view change timed out", "target", e.vcTarget, "attempts", e.vcAttempts)
		e.startViewChange(e.vcTarget + 1)
		return
	}

	if ti.sequence != e.lastCommitted+1 {
		return
	}

	logger.Warn("no progress, requesting view change",
		"view", e.view,
		"sequence", ti.sequence,
		"primary", e.vs.PrimaryFor(e.view),
		"reason", ErrQuorumTimeout,
	)
	e.startViewChange(e.view + 1)
}

// startViewChange broadcasts a ViewChange for target.
func (e *Engine) startViewChange(target uint64) {
	if target <= e.view || (e.state == StateViewChange && target <= e.vcTarget) {
		return
	}

	e.ticker.cancel(timerBatch)
	e.ticker.cancel(timerView)

	if e.vcRound >= e.cfg.MaxViewChangeAttempts {
		if !e.stalled {
			e.stalled = true
			logger.Error("consensus stalled: view change attempts exhausted",
				"view", e.view,
				"target", target,
				"attempts", e.vcRound,
			)
		}
		return
	}

	e.vcAttempts++
	e.vcRound++
	e.state = StateViewChange
	e.vcTarget = target

	m := &ViewChange{NewView: target, NodeID: e.id}
	if e.locked != nil && e.locked.Sequence == e.lastCommitted+1 {
		m.Prepared = e.locked
	}

	logger.Info("view change",
		"view", e.view,
		"target", target,
		"attempt", e.vcAttempts,
		"prepared", m.Prepared != nil,
	)

	e.emit(m)
	e.ticker.schedule(timerView, e.viewTimeout(), e.view, e.lastCommitted+1)
}

func (e *Engine) onViewChange(m *ViewChange) {
	if m.NewView <= e.view {
		return
	}

	if c := m.Prepared; c != nil {
		if err := c.Verify(e.vs); err != nil || c.View >= m.NewView {
			logger.Warn("dropping view change", append(describe(m), "reason", ErrInvalidCert)...)
			return
		}
		if c.Sequence == e.lastCommitted+1 && c.supersedes(e.locked) {
			e.locked = c
		}
	}

	votes := e.viewChanges[m.NewView]
	if votes == nil {
		votes = make(map[string]*ViewChange)
		e.viewChanges[m.NewView] = votes
	}
	if _, dup := votes[m.NodeID]; dup {
		return
	}
	votes[m.NodeID] = m

	if len(votes) >= e.vs.QuorumSize() {
		e.enterView(m.NewView)
		return
	}

	e.maybeJoinViewChange()
}

// maybeJoinViewChange follows f+1 validators asking for higher views, since
// at least one of them is honest. It joins the smallest such view.
func (e *Engine) maybeJoinViewChange() {
	highest := make(map[string]uint64)
	for view, votes := range e.viewChanges {
		if view <= e.view {
			continue
		}
		for id := range votes {
			if view > highest[id] {
				highest[id] = view
			}
		}
	}

	if len(highest) < e.vs.F()+1 {
		return
	}

	views := make([]uint64, 0, len(highest))
	for _, v := range highest {
		views = append(views, v)
	}
	slices.Sort(views)

	target := views[0]
	if e.state == StateViewChange && target <= e.vcTarget {
		return
	}

	logger.Info("joining view change", "view", e.view, "target", target, "peers", len(highest))
	e.startViewChange(target)
}

// enterView adopts view after a quorum agreed on it.
func (e *Engine) enterView(view uint64) {
	if view <= e.view {
		return
	}

	// the highest prepared certificate in the quorum is re-proposed
	for _, m := range e.viewChanges[view] {
		if c := m.Prepared; c != nil && c.Sequence == e.lastCommitted+1 && c.supersedes(e.locked) {
			e.locked = c
		}
	}

	e.setView(view)

	logger.Info("entered view",
		"view", view,
		"primary", e.vs.PrimaryFor(view),
		"height", e.lastCommitted,
	)

	e.armViewTimer()
	e.replayFuture()
	e.maybePropose(false)
}

// setView switches to view and resets per-view state. Reaching a new view
// is progress, so a stalled node resumes; vcAttempts keeps growing the
// timeout until the next commit.
func (e *Engine) setView(view uint64) {
	e.view = view
	e.state = StateIdle
	e.vcTarget = 0
	e.vcRound = 0
	e.stalled = false
	e.round = newRound(view, e.lastCommitted+1)

	for v := range e.viewChanges {
		if v <= view {
			delete(e.viewChanges, v)
		}
	}

	e.ticker.cancel(timerView)
	e.ticker.cancel(timerBatch)
}
