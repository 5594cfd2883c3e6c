package mint

import "sync"

// secretLedger tracks which secrets (by their Y = HashToCurve(secret)
// point, hex-encoded) have been spent or are pending settlement. It is
// the mint's only source of truth for double-spend prevention.
//
// Pending entries record which quote reserved them: a melt's phase B
// re-verifying the same secrets phase A already marked pending must
// not treat its own reservation as a conflict, only a different
// request's.
//
// The mint engine itself runs its request handlers cooperatively
// single-threaded (spec's concurrency model), but the ledger guards its
// maps with a mutex anyway: a caller embedding Engine in an HTTP
// server will typically handle requests on goroutines-per-connection
// even if the engine's own invariants assume serialized calls to each
// individual operation.
type secretLedger struct {
	mu      sync.RWMutex
	spent   map[string]struct{}
	pending map[string]string // y -> quote id that reserved it
}

func newSecretLedger() *secretLedger {
	return &secretLedger{
		spent:   make(map[string]struct{}),
		pending: make(map[string]string),
	}
}

func (l *secretLedger) isSpent(y string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.spent[y]
	return ok
}

func (l *secretLedger) isPending(y string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.pending[y]
	return ok
}

// conflicts reports whether any of ys is spent, or pending under a
// quote other than forQuote. Passing an empty forQuote means no
// reservation is exempt, so any pending entry counts as a conflict.
func (l *secretLedger) conflicts(ys []string, forQuote string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, y := range ys {
		if _, ok := l.spent[y]; ok {
			return true
		}
		if owner, ok := l.pending[y]; ok && owner != forQuote {
			return true
		}
	}
	return false
}

// markPending atomically reserves ys for quoteId. Used while a melt's
// Lightning payment is in flight, so a concurrent request can't spend
// the same proofs while payment is outstanding.
func (l *secretLedger) markPending(ys []string, quoteId string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, y := range ys {
		l.pending[y] = quoteId
	}
}

// clearPending releases ys without marking them spent — used when a
// melt attempt fails and the proofs become spendable again.
func (l *secretLedger) clearPending(ys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, y := range ys {
		delete(l.pending, y)
	}
}

// settle atomically clears ys from pending (if present) and marks them
// spent. This is the only path that retires secrets permanently; both
// swap (no pending phase) and melt (pending then settle) end here.
func (l *secretLedger) settle(ys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, y := range ys {
		delete(l.pending, y)
		l.spent[y] = struct{}{}
	}
}
