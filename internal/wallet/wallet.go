// Package wallet owns a single client's balances and transaction history,
// and the single lock that guards both. Only the transaction queue worker
// mutates a wallet; sessions take read-only snapshots.
package wallet

import (
	"sync"

	"github.com/pendathiao123/srdbtc-broker/internal/transaction"
	"github.com/pendathiao123/srdbtc-broker/pkg/logging"
)

// InitialUSDBalance is credited to a wallet the first time a client
// authenticates and no prior wallet file exists.
const InitialUSDBalance = 10000.0

// State is the mutable data a Mutate closure is allowed to touch. It is
// handed to the closure by reference while the wallet's lock is held.
type State struct {
	Balances map[transaction.Currency]float64
	History  []transaction.Transaction
}

// Wallet is a thread-safe per-client ledger with file persistence. Callers
// never see the lock directly: Mutate keeps the critical section inside
// this package instead of handing out a raw mutex.
type Wallet struct {
	clientID string
	dataDir  string

	mu    sync.RWMutex
	state State

	log *logging.Logger
}

// New creates a Wallet for clientID rooted at dataDir, loading existing
// state from disk or initializing defaults if none exists.
func New(clientID, dataDir string) (*Wallet, error) {
	w := &Wallet{
		clientID: clientID,
		dataDir:  dataDir,
		state: State{
			Balances: map[transaction.Currency]float64{
				transaction.USD:    InitialUSDBalance,
				transaction.SRDBTC: 0,
			},
		},
		log: logging.GetDefault().Component("wallet"),
	}

	if err := w.Load(); err != nil {
		return nil, err
	}
	return w, nil
}

// ClientID returns the owning client's id.
func (w *Wallet) ClientID() string {
	return w.clientID
}

// GetBalance returns a snapshot of the balance for cur.
func (w *Wallet) GetBalance(cur transaction.Currency) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.Balances[cur]
}

// GetHistory returns a defensive copy of the transaction history.
func (w *Wallet) GetHistory() []transaction.Transaction {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]transaction.Transaction, len(w.state.History))
	copy(out, w.state.History)
	return out
}

// Mutate runs f with exclusive access to the wallet's balances and
// history. f must preserve the non-negative-balance invariant itself;
// Mutate does not validate the result. The transaction queue is the only
// legitimate production caller.
func (w *Wallet) Mutate(f func(*State)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f(&w.state)
}
