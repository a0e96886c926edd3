// Package session runs the per-client command loop: one Session per
// authenticated connection, owning a wallet and optionally a bot.
package session

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pendathiao123/srdbtc-broker/internal/transaction"
	"github.com/pendathiao123/srdbtc-broker/internal/wallet"
	"github.com/pendathiao123/srdbtc-broker/pkg/logging"
)

// Transport is a duplex, line-framed, UTF-8 byte stream. It collapses a
// separate client/server connection pair into the one capability the
// session loop actually needs.
type Transport interface {
	ReadLine() (string, error)
	WriteLine(string) error
	Close() error
}

// PriceSource is the subset of pricefeed.PriceFeed a session depends on.
type PriceSource interface {
	GetPrice(asset string) float64
}

// QueueSession is the handle a Queue keeps for a registered session. The
// *Session type below satisfies this.
type QueueSession interface {
	Wallet() *wallet.Wallet
	ApplyTransactionResult(tx transaction.Transaction)
}

// Queue is the subset of txqueue.TransactionQueue a session depends on.
type Queue interface {
	AddRequest(req transaction.Request)
	RegisterSession(clientID string, s QueueSession)
	UnregisterSession(clientID string)
}

// Bot is the subset of bot.Bot a session depends on.
type Bot interface {
	Start()
	Stop()
	ApplyTransactionResult(tx transaction.Transaction)
}

// BotFactory builds a Bot for this session on START BOT.
type BotFactory func(period int, k float64) Bot

const historyShown = 10

// Session is one authenticated client's command loop.
type Session struct {
	clientID  string
	transport Transport
	wallet    *wallet.Wallet
	prices    PriceSource
	queue     Queue
	feeRate   float64
	newBot    BotFactory
	log       *logging.Logger

	mu  sync.Mutex
	bot Bot
}

// New creates a Session. Run registers it with the queue before reading
// any command, so it receives transaction results from then on. feeRate must
// match the transaction queue's fee rate, since BUY sizing has to reserve
// the fee leg up front to land on the spend the client actually asked for.
func New(clientID string, transport Transport, w *wallet.Wallet, prices PriceSource, queue Queue, feeRate float64, newBot BotFactory) *Session {
	return &Session{
		clientID:  clientID,
		transport: transport,
		wallet:    w,
		prices:    prices,
		queue:     queue,
		feeRate:   feeRate,
		newBot:    newBot,
		log:       logging.GetDefault().Component("session"),
	}
}

// ClientID returns the owning client's id.
func (s *Session) ClientID() string {
	return s.clientID
}

// Wallet returns the session's owned wallet.
func (s *Session) Wallet() *wallet.Wallet {
	return s.wallet
}

// Close signals the session to stop by closing its transport, which
// unblocks a pending ReadLine and lets Run's own shutdown path take over.
// Safe to call even if the transport is already closed.
func (s *Session) Close() {
	_ = s.transport.Close()
}

// Run reads and dispatches commands until the transport closes, QUIT/STOP
// SESSION is received, or a read error occurs. It always stops the bot,
// saves the wallet, and unregisters from the queue before returning,
// regardless of how it exits.
func (s *Session) Run() {
	s.queue.RegisterSession(s.clientID, s)
	defer s.shutdown()

	for {
		line, err := s.transport.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn("transport read failed, stopping session", "client_id", s.clientID, "error", err)
			}
			return
		}

		stop := s.dispatch(strings.TrimSpace(line))
		if stop {
			return
		}
	}
}

func (s *Session) shutdown() {
	s.mu.Lock()
	b := s.bot
	s.bot = nil
	s.mu.Unlock()
	if b != nil {
		b.Stop()
	}

	if err := s.wallet.Save(); err != nil {
		s.log.Error("failed to save wallet on shutdown", "client_id", s.clientID, "error", err)
	}
	s.queue.UnregisterSession(s.clientID)
	if err := s.transport.Close(); err != nil {
		s.log.Warn("failed to close transport on shutdown", "client_id", s.clientID, "error", err)
	}
}

// dispatch runs one command and returns true if the session should stop.
func (s *Session) dispatch(line string) (stop bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	verb := strings.ToUpper(fields[0])

	switch verb {
	case "QUIT":
		s.reply("OK: goodbye")
		return true
	case "STOP":
		if len(fields) >= 2 && strings.EqualFold(fields[1], "SESSION") {
			s.reply("OK: session stopping")
			return true
		}
		if len(fields) >= 2 && strings.EqualFold(fields[1], "BOT") {
			s.handleStopBot()
			return false
		}
		s.replyError("unknown command")
		return false
	case "SHOW":
		if len(fields) >= 2 && strings.EqualFold(fields[1], "WALLET") {
			s.handleShowWallet()
			return false
		}
		if len(fields) >= 2 && strings.EqualFold(fields[1], "TRANSACTIONS") {
			s.handleShowTransactions()
			return false
		}
		s.replyError("unknown command")
		return false
	case "GET_PRICE":
		s.handleGetPrice(fields)
		return false
	case "BUY":
		s.handleTrade(transaction.BUY, fields)
		return false
	case "SELL":
		s.handleTrade(transaction.SELL, fields)
		return false
	case "START":
		if len(fields) >= 2 && strings.EqualFold(fields[1], "BOT") {
			s.handleStartBot(fields[2:])
			return false
		}
		s.replyError("unknown command")
		return false
	default:
		s.replyError("unknown command")
		return false
	}
}

func (s *Session) reply(msg string) {
	if err := s.transport.WriteLine(msg); err != nil {
		s.log.Warn("failed to write response", "client_id", s.clientID, "error", err)
	}
}

func (s *Session) replyError(msg string) {
	s.reply("ERROR: " + msg)
}

func (s *Session) handleShowWallet() {
	usd := s.wallet.GetBalance(transaction.USD)
	srd := s.wallet.GetBalance(transaction.SRDBTC)
	s.reply(fmt.Sprintf("BALANCE USD: %.2f, SRD-BTC: %.10f", usd, srd))
}

func (s *Session) handleShowTransactions() {
	hist := s.wallet.GetHistory()
	total := len(hist)
	shown := hist
	if len(shown) > historyShown {
		shown = shown[len(shown)-historyShown:]
	}
	s.reply(fmt.Sprintf("TRANSACTION_HISTORY (Total: %d, Showing last %d):", total, len(shown)))
	for _, tx := range shown {
		s.reply(formatHistoryLine(tx))
	}
}

func formatHistoryLine(tx transaction.Transaction) string {
	if tx.Status == transaction.COMPLETED {
		return fmt.Sprintf("- ID=%s TYPE=%s ASSET=%s QTY=%.10f PRICE=%.2f TOTAL=%.2f STATUS=%s",
			tx.ID, tx.Type, tx.Asset, tx.Quantity, tx.UnitPrice, tx.TotalAmount, tx.Status)
	}
	return fmt.Sprintf("- ID=%s TYPE=%s ASSET=%s STATUS=%s REASON=%s",
		tx.ID, tx.Type, tx.Asset, tx.Status, tx.FailureReason)
}

func (s *Session) handleGetPrice(fields []string) {
	if len(fields) != 2 {
		s.replyError("usage: GET_PRICE <asset>")
		return
	}
	price := s.prices.GetPrice(fields[1])
	s.reply(fmt.Sprintf("PRICE %s %v", fields[1], price))
}

func (s *Session) botActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bot != nil
}

func (s *Session) handleTrade(kind transaction.Type, fields []string) {
	if s.botActive() {
		s.replyError("bot is active, STOP BOT first")
		return
	}
	if len(fields) != 3 {
		s.replyError("usage: " + string(kind) + " <asset> <percent 1..100>")
		return
	}
	asset := transaction.Currency(strings.ToUpper(fields[1]))
	percent, err := strconv.ParseFloat(fields[2], 64)
	if err != nil || percent < 1 || percent > 100 {
		s.replyError("percent must be between 1 and 100")
		return
	}

	price := s.prices.GetPrice(string(asset))
	if price <= 0 {
		s.replyError("invalid market price")
		return
	}

	var qty float64
	if kind == transaction.BUY {
		spend := percent / 100 * s.wallet.GetBalance(transaction.USD)
		// Divide out the fee leg up front so a 100% BUY lands on exactly
		// the USD the client has, matching the TQ's own cost+fee=total
		// computation instead of overshooting and failing on funds.
		qty = spend / (price * (1 + s.feeRate))
	} else {
		qty = percent / 100 * s.wallet.GetBalance(transaction.SRDBTC)
	}

	s.queue.AddRequest(transaction.Request{
		ClientID: s.clientID,
		Type:     kind,
		Asset:    asset,
		Quantity: qty,
	})
	s.reply("OK: order submitted")
}

func (s *Session) handleStartBot(args []string) {
	if s.botActive() {
		s.replyError("bot already running")
		return
	}
	if len(args) != 2 {
		s.replyError("usage: START BOT <period:int>2 <k:real>>0")
		return
	}
	period, err1 := strconv.Atoi(args[0])
	k, err2 := strconv.ParseFloat(args[1], 64)
	if err1 != nil || err2 != nil || period < 2 || k <= 0 {
		s.replyError("invalid bot parameters")
		return
	}

	b := s.newBot(period, k)
	s.mu.Lock()
	s.bot = b
	s.mu.Unlock()
	b.Start()
	s.reply("BOT STARTED.")
}

func (s *Session) handleStopBot() {
	s.mu.Lock()
	b := s.bot
	s.bot = nil
	s.mu.Unlock()
	if b == nil {
		s.replyError("bot is not running")
		return
	}
	b.Stop()
	s.reply("BOT STOPPED.")
}

// ApplyTransactionResult is the queue's notification callback. It forwards
// the outcome to the bot, if any, and writes a result line to the client.
// A write failure here is not fatal: the session keeps running.
func (s *Session) ApplyTransactionResult(tx transaction.Transaction) {
	s.mu.Lock()
	b := s.bot
	s.mu.Unlock()
	if b != nil {
		b.ApplyTransactionResult(tx)
	}

	if tx.Status == transaction.COMPLETED {
		s.reply(fmt.Sprintf("TRANSACTION_RESULT ID=%s STATUS=%s TYPE=%s QTY=%.10f TOTAL=%.2f PRICE=%.2f",
			tx.ID, tx.Status, tx.Type, tx.Quantity, tx.TotalAmount, tx.UnitPrice))
		return
	}
	s.reply(fmt.Sprintf("TRANSACTION_RESULT ID=%s STATUS=%s REASON=%s", tx.ID, tx.Status, tx.FailureReason))
}
