// Package bot implements a long-only Bollinger-bands mean-reversion
// strategy that runs on its own goroutine for the lifetime of a session.
package bot

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pendathiao123/srdbtc-broker/internal/transaction"
	"github.com/pendathiao123/srdbtc-broker/pkg/logging"
)

// State is the bot's position.
type State int

const (
	StateNone State = iota
	StateLong
	// StateShort is declared for completeness; this strategy only ever
	// enters StateLong.
	StateShort
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateLong:
		return "LONG"
	case StateShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// PriceSource is the subset of pricefeed.PriceFeed the bot depends on.
type PriceSource interface {
	GetPrice(asset string) float64
}

// WalletView is the subset of wallet.Wallet the bot depends on.
type WalletView interface {
	GetBalance(cur transaction.Currency) float64
}

// Submitter enqueues a request on behalf of the bot's owning session.
type Submitter interface {
	AddRequest(req transaction.Request)
}

const tickSlice = 100 * time.Millisecond

// Bot runs one Bollinger-bands decision loop for a single client and asset.
type Bot struct {
	clientID string
	asset    transaction.Currency
	period   int
	k        float64
	interval time.Duration
	feeRate  float64

	prices  PriceSource
	wallet  WalletView
	submit  Submitter

	mu          sync.Mutex
	window      []float64
	state       State
	entryPrice  float64

	cancel context.CancelFunc
	done   chan struct{}
	log    *logging.Logger
}

// New creates a Bot. It does not start the loop; call Start for that.
// feeRate must match the transaction queue's fee rate: the bot's 100%-of-USD
// BUY sizing has to reserve the fee leg up front the same way the session's
// manual BUY does, or it will overshoot the available balance.
func New(clientID string, asset transaction.Currency, period int, k float64, interval time.Duration, feeRate float64, prices PriceSource, wallet WalletView, submit Submitter) *Bot {
	return &Bot{
		clientID: clientID,
		asset:    asset,
		period:   period,
		k:        k,
		interval: interval,
		feeRate:  feeRate,
		prices:   prices,
		wallet:   wallet,
		submit:   submit,
		log:      logging.GetDefault().Component("bot"),
	}
}

// State returns the bot's current position.
func (b *Bot) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start launches the decision loop. A second call without an intervening
// Stop is a no-op.
func (b *Bot) Start() {
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx)
}

// Stop signals the loop and waits for it to exit. Interruptible within one
// tickSlice. Idempotent.
func (b *Bot) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.cancel = nil
}

func (b *Bot) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(tickSlice)
	defer ticker.Stop()

	var elapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed += tickSlice
			if elapsed < b.interval {
				continue
			}
			elapsed = 0
			b.tick()
		}
	}
}

// tick runs one decision iteration. A panic here stops the bot but never
// propagates to the owning session.
func (b *Bot) tick() {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bot iteration panicked, stopping", "client_id", b.clientID, "panic", r)
			go b.Stop()
		}
	}()

	price := b.prices.GetPrice(string(b.asset))
	if !validPrice(price) {
		return
	}

	b.mu.Lock()
	b.window = append(b.window, price)
	if len(b.window) > 2*b.period {
		b.window = b.window[len(b.window)-2*b.period:]
	}
	if len(b.window) < b.period {
		b.mu.Unlock()
		return
	}
	recent := b.window[len(b.window)-b.period:]
	mean, stddev := bollingerStats(recent)
	upper := mean + b.k*stddev
	lower := mean - b.k*stddev
	state := b.state
	b.mu.Unlock()

	switch state {
	case StateNone:
		if price <= lower && b.wallet.GetBalance(transaction.USD) > 0 {
			b.buy(price)
		}
	case StateLong:
		if price >= upper && b.wallet.GetBalance(transaction.SRDBTC) > 0 {
			b.closeLong(price)
		}
	}
}

// buy spends all available USD, converted to asset quantity at price. The
// transaction queue re-validates at its own execution price.
func (b *Bot) buy(price float64) {
	usd := b.wallet.GetBalance(transaction.USD)
	if usd <= 0 || price <= 0 {
		return
	}
	qty := usd / (price * (1 + b.feeRate))
	b.submit.AddRequest(transaction.Request{
		ClientID: b.clientID,
		Type:     transaction.BUY,
		Asset:    b.asset,
		Quantity: qty,
	})
}

// closeLong sells the entire asset position.
func (b *Bot) closeLong(price float64) {
	qty := b.wallet.GetBalance(transaction.SRDBTC)
	if qty <= 0 {
		return
	}
	b.submit.AddRequest(transaction.Request{
		ClientID: b.clientID,
		Type:     transaction.SELL,
		Asset:    b.asset,
		Quantity: qty,
	})
}

// ApplyTransactionResult advances the state machine. Decisions are made
// from a snapshot of the window; the state only moves once a BUY or SELL
// actually completes.
func (b *Bot) ApplyTransactionResult(tx transaction.Transaction) {
	if tx.Status != transaction.COMPLETED {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case tx.Type == transaction.BUY && b.state == StateNone:
		b.state = StateLong
		b.entryPrice = tx.UnitPrice
	case tx.Type == transaction.SELL && b.state == StateLong:
		b.state = StateNone
		b.entryPrice = 0
	case tx.Type == transaction.BUY && b.state == StateLong:
		// position reinforced; entry price left at its original value
	}
}

func bollingerStats(window []float64) (mean, stddev float64) {
	n := float64(len(window))
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	mean = sum / n

	var sqDiff float64
	for _, v := range window {
		d := v - mean
		sqDiff += d * d
	}
	stddev = math.Sqrt(sqDiff / n)
	return mean, stddev
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
