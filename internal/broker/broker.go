// Package broker owns the process-wide price feed and transaction queue,
// and the registry of live sessions, one per authenticated client.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/pendathiao123/srdbtc-broker/internal/bot"
	"github.com/pendathiao123/srdbtc-broker/internal/session"
	"github.com/pendathiao123/srdbtc-broker/internal/transaction"
	"github.com/pendathiao123/srdbtc-broker/internal/wallet"
	"github.com/pendathiao123/srdbtc-broker/pkg/logging"
)

// AuthOutcome describes how an already-authenticated connection arrived.
type AuthOutcome int

const (
	// AuthSuccess: the client already had a wallet on disk.
	AuthSuccess AuthOutcome = iota
	// AuthNew: no wallet existed; one is initialized with defaults.
	AuthNew
)

// PriceFeed is the subset of pricefeed.PriceFeed the broker depends on.
type PriceFeed interface {
	GetPrice(asset string) float64
	Start()
	Stop()
}

// Queue is the subset of txqueue.TransactionQueue the broker depends on.
type Queue interface {
	AddRequest(req transaction.Request)
	RegisterSession(clientID string, s session.QueueSession)
	UnregisterSession(clientID string)
	Start()
	Stop()
}

// UserStore persists the aggregate user list at shutdown.
type UserStore interface {
	SaveUsers() error
}

// Broker accepts authenticated connections, enforces one live session per
// client, and coordinates orderly shutdown of every owned component.
type Broker struct {
	walletsDir  string
	counterPath string
	prices      PriceFeed
	queue       Queue
	users       UserStore
	feeRate     float64
	botInterval time.Duration
	log         *logging.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	wg       sync.WaitGroup
	stopping bool
}

// New creates a Broker. Start must be called before Accept. feeRate must
// match the transaction queue's own fee rate: it is handed to every Session
// and Bot so their order sizing reserves the fee leg the same way the
// queue's settle() does.
func New(walletsDir, counterPath string, prices PriceFeed, queue Queue, users UserStore, feeRate float64, botInterval time.Duration) *Broker {
	return &Broker{
		walletsDir:  walletsDir,
		counterPath: counterPath,
		prices:      prices,
		queue:       queue,
		users:       users,
		feeRate:     feeRate,
		botInterval: botInterval,
		sessions:    make(map[string]*session.Session),
		log:         logging.GetDefault().Component("broker"),
	}
}

// Start restores the transaction counter and launches the price feed and
// transaction queue.
func (b *Broker) Start() error {
	if err := transaction.LoadCounter(b.counterPath); err != nil {
		return fmt.Errorf("failed to load transaction counter: %w", err)
	}
	b.prices.Start()
	b.queue.Start()
	return nil
}

// Accept is the entry point an external TLS accept loop calls once a
// connection has been authenticated. It rejects a client_id that already
// has a live session, tearing down only the new connection; the existing
// session is left untouched.
func (b *Broker) Accept(transport session.Transport, clientID string, outcome AuthOutcome) error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		_ = transport.Close()
		return fmt.Errorf("broker is shutting down")
	}
	if _, exists := b.sessions[clientID]; exists {
		b.mu.Unlock()
		_ = transport.Close()
		return fmt.Errorf("client %q already connected", clientID)
	}
	b.mu.Unlock()

	w, err := wallet.New(clientID, b.walletsDir)
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("failed to open wallet for %q: %w", clientID, err)
	}

	sess := session.New(clientID, transport, w, b.prices, b.queue, b.feeRate, b.botFactory(clientID, w))

	b.mu.Lock()
	if _, exists := b.sessions[clientID]; exists {
		b.mu.Unlock()
		_ = transport.Close()
		return fmt.Errorf("client %q already connected", clientID)
	}
	b.sessions[clientID] = sess
	b.wg.Add(1)
	b.mu.Unlock()

	b.log.Info("session accepted", "client_id", clientID, "auth_outcome", outcome)

	go func() {
		defer b.wg.Done()
		sess.Run()
		b.mu.Lock()
		delete(b.sessions, clientID)
		b.mu.Unlock()
	}()
	return nil
}

func (b *Broker) botFactory(clientID string, w *wallet.Wallet) session.BotFactory {
	return func(period int, k float64) session.Bot {
		return bot.New(clientID, transaction.SRDBTC, period, k, b.botInterval, b.feeRate, b.prices, w, b.queue)
	}
}

// Shutdown stops accepting new sessions, signals every live session to
// stop and waits for it, then stops the transaction queue, the price
// feed, and finally persists aggregate state.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.stopping = true
	sessions := make([]*session.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	b.wg.Wait()

	b.queue.Stop()
	b.prices.Stop()

	if err := b.users.SaveUsers(); err != nil {
		b.log.Error("failed to persist user store at shutdown", "error", err)
	}
	if err := transaction.SaveCounter(b.counterPath); err != nil {
		b.log.Error("failed to persist transaction counter at shutdown", "error", err)
	}
}
