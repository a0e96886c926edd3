// Package txqueue serializes every balance-mutating request across the
// system through a single worker, so wallet invariants never race.
package txqueue

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pendathiao123/srdbtc-broker/internal/transaction"
	"github.com/pendathiao123/srdbtc-broker/internal/wallet"
	"github.com/pendathiao123/srdbtc-broker/pkg/logging"
)

// PriceFeed is the subset of pricefeed.PriceFeed the queue depends on.
type PriceFeed interface {
	GetPrice(asset string) float64
}

// Session is the subset of session.Session the queue needs: access to the
// owned wallet, and a callback to deliver the outcome.
type Session interface {
	Wallet() *wallet.Wallet
	ApplyTransactionResult(tx transaction.Transaction)
}

// TransactionQueue is a single-consumer FIFO. add_request never blocks the
// caller; exactly one worker goroutine executes requests to completion one
// at a time.
type TransactionQueue struct {
	priceFeed PriceFeed
	audit     *transaction.AuditLog
	feeRate   float64

	reqCh chan transaction.Request

	mu       sync.RWMutex
	sessions map[string]Session

	cancel context.CancelFunc
	done   chan struct{}
	log    *logging.Logger
}

// New creates a TransactionQueue with the given fee rate (fraction of the
// USD leg) and channel capacity. It does not start the worker.
func New(priceFeed PriceFeed, audit *transaction.AuditLog, feeRate float64, capacity int) *TransactionQueue {
	return &TransactionQueue{
		priceFeed: priceFeed,
		audit:     audit,
		feeRate:   feeRate,
		reqCh:     make(chan transaction.Request, capacity),
		sessions:  make(map[string]Session),
		log:       logging.GetDefault().Component("txqueue"),
	}
}

// RegisterSession stores a non-owning handle keyed by client id.
func (q *TransactionQueue) RegisterSession(clientID string, s Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessions[clientID] = s
}

// UnregisterSession removes a client's session handle.
func (q *TransactionQueue) UnregisterSession(clientID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sessions, clientID)
}

func (q *TransactionQueue) lookupSession(clientID string) (Session, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	s, ok := q.sessions[clientID]
	return s, ok
}

// AddRequest enqueues req for execution and returns immediately. If the
// queue is at capacity, the request never blocks the caller: instead a
// FAILED transaction with reason "server busy" is synthesized, audited,
// and notified exactly like any other execution failure.
func (q *TransactionQueue) AddRequest(req transaction.Request) {
	select {
	case q.reqCh <- req:
	default:
		tx := q.synthesizeFailed(req, "server busy")
		q.finish(req.ClientID, tx)
	}
}

// Start launches the worker goroutine. A second call without an
// intervening Stop is a no-op.
func (q *TransactionQueue) Start() {
	if q.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(ctx)
}

// Stop signals the worker and waits for the in-flight request, if any, to
// finish. Queued-but-not-started requests are discarded. Idempotent.
func (q *TransactionQueue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	q.cancel = nil
}

func (q *TransactionQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q.reqCh:
			q.execute(req)
		}
	}
}

// execute runs one request to completion: look up the session, validate the
// market price, mutate the wallet under its lock, then audit and notify
// outside any lock.
func (q *TransactionQueue) execute(req transaction.Request) {
	sess, ok := q.lookupSession(req.ClientID)
	if !ok {
		tx := q.synthesizeFailed(req, "session unavailable")
		q.finish(req.ClientID, tx)
		return
	}

	price := q.priceFeed.GetPrice(string(req.Asset))
	if !validPrice(price) {
		tx := q.synthesizeFailed(req, "invalid market price")
		q.finishWithSession(sess, tx)
		return
	}

	w := sess.Wallet()
	var tx transaction.Transaction
	w.Mutate(func(st *wallet.State) {
		tx = q.settle(req, st)
	})

	if tx.Status == transaction.COMPLETED {
		if err := w.Save(); err != nil {
			q.log.Error("failed to save wallet after completed transaction", "client_id", req.ClientID, "error", err)
		}
	}
	q.finishWithSession(sess, tx)
}

// settle computes and applies a single request's effect on st, re-reading
// the market price inside the wallet lock so the figure logged always
// matches the figure validated. It never leaves st partially updated: a
// rejected request returns a FAILED transaction without touching st.
func (q *TransactionQueue) settle(req transaction.Request, st *wallet.State) transaction.Transaction {
	price := q.priceFeed.GetPrice(string(req.Asset))
	if !validPrice(price) {
		return q.newTransaction(req, 0, 0, 0, 0, transaction.FAILED, "invalid market price")
	}
	if req.Quantity <= 0 {
		return q.newTransaction(req, req.Quantity, price, 0, 0, transaction.FAILED, "zero quantity")
	}

	switch req.Type {
	case transaction.BUY:
		cost := req.Quantity * price
		fee := cost * q.feeRate
		total := cost + fee
		if st.Balances[transaction.USD] < total {
			return q.newTransaction(req, req.Quantity, price, total, fee, transaction.FAILED, "insufficient USD funds")
		}
		st.Balances[transaction.USD] -= total
		st.Balances[transaction.SRDBTC] += req.Quantity
		tx := q.newTransaction(req, req.Quantity, price, total, fee, transaction.COMPLETED, "")
		st.History = append(st.History, tx)
		return tx

	case transaction.SELL:
		gross := req.Quantity * price
		fee := gross * q.feeRate
		total := gross - fee
		if st.Balances[transaction.SRDBTC] < req.Quantity {
			return q.newTransaction(req, req.Quantity, price, total, fee, transaction.FAILED, "insufficient SRD-BTC funds")
		}
		st.Balances[transaction.SRDBTC] -= req.Quantity
		st.Balances[transaction.USD] += total
		tx := q.newTransaction(req, req.Quantity, price, total, fee, transaction.COMPLETED, "")
		st.History = append(st.History, tx)
		return tx

	default:
		return q.newTransaction(req, req.Quantity, price, 0, 0, transaction.FAILED, "unknown request type")
	}
}

func (q *TransactionQueue) newTransaction(req transaction.Request, qty, price, total, fee float64, status transaction.Status, reason string) transaction.Transaction {
	return transaction.Transaction{
		ID:            transaction.NextID(),
		ClientID:      req.ClientID,
		Type:          req.Type,
		Asset:         req.Asset,
		Quantity:      qty,
		UnitPrice:     price,
		TotalAmount:   total,
		Fee:           fee,
		Timestamp:     time.Now(),
		Status:        status,
		FailureReason: reason,
	}
}

func (q *TransactionQueue) synthesizeFailed(req transaction.Request, reason string) transaction.Transaction {
	return q.newTransaction(req, req.Quantity, 0, 0, 0, transaction.FAILED, reason)
}

// finish audits tx and, if the client has a live session, notifies it.
// Used for failures discovered before a session lookup would make sense
// to repeat (queue-full, session-unavailable).
func (q *TransactionQueue) finish(clientID string, tx transaction.Transaction) {
	if err := q.audit.Append(&tx); err != nil {
		q.log.Error("failed to audit transaction", "id", tx.ID, "error", err)
	}
	if sess, ok := q.lookupSession(clientID); ok {
		sess.ApplyTransactionResult(tx)
	}
}

func (q *TransactionQueue) finishWithSession(sess Session, tx transaction.Transaction) {
	if err := q.audit.Append(&tx); err != nil {
		q.log.Error("failed to audit transaction", "id", tx.ID, "error", err)
	}
	sess.ApplyTransactionResult(tx)
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
