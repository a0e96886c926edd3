// Command brokerd is the broker daemon: it loads configuration, opens the
// TLS (or plain TCP, for local/offline use) listener, authenticates
// connecting clients against the user store, and hands each authenticated
// connection to the Broker.
package main

import (
	"bufio"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pendathiao123/srdbtc-broker/internal/broker"
	"github.com/pendathiao123/srdbtc-broker/internal/config"
	"github.com/pendathiao123/srdbtc-broker/internal/marketdb"
	"github.com/pendathiao123/srdbtc-broker/internal/pricefeed"
	"github.com/pendathiao123/srdbtc-broker/internal/transaction"
	"github.com/pendathiao123/srdbtc-broker/internal/txqueue"
	"github.com/pendathiao123/srdbtc-broker/internal/userstore"
	"github.com/pendathiao123/srdbtc-broker/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (built-in defaults if omitted)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "brokerd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logging.SetDefault(logging.New(&logging.Config{
		Level:      cfg.LogLevel,
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}))
	log := logging.GetDefault().Component("brokerd")

	audit, err := transaction.OpenAuditLog(cfg.AuditCSVPath)
	if err != nil {
		log.Fatal("failed to open audit log", "error", err)
	}
	defer audit.Close()

	users, err := userstore.Open(cfg.UsersFile)
	if err != nil {
		log.Fatal("failed to open user store", "error", err)
	}

	prices := pricefeed.New(
		pricefeed.NewSyntheticSource(cfg.PriceFeed.Volatility, time.Now().UnixNano()),
		cfg.PriceFeed.RingCapacity,
		cfg.PriceFeed.RefreshInterval(),
		cfg.PriceFeed.InitialPrice,
	)

	if cfg.MarketDBPath != "" {
		mdb, err := marketdb.Open(cfg.MarketDBPath)
		if err != nil {
			log.Error("failed to open market database, continuing without it", "error", err)
		} else {
			defer mdb.Close()
			prices.OnSample(func(price float64) {
				mdb.RecordPrice(pricefeed.Asset, price, time.Now().Unix())
			})
		}
	}

	queue := txqueue.New(prices, audit, cfg.TxQueue.FeeRate, cfg.TxQueue.QueueCapacity)

	b := broker.New(cfg.WalletsDir, cfg.CounterPath, prices, queue, users, cfg.TxQueue.FeeRate, cfg.Bot.Interval())
	if err := b.Start(); err != nil {
		log.Fatal("failed to start broker", "error", err)
	}

	listener, err := openListener(cfg)
	if err != nil {
		log.Fatal("failed to open listener", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go acceptLoop(listener, b, users, log)

	log.Info("brokerd listening", "addr", cfg.ListenAddr)
	<-sigCh
	log.Info("shutdown signal received")
	_ = listener.Close()
	b.Shutdown()
	log.Info("brokerd stopped")
}

// openListener opens a TLS listener when cert/key paths are configured, or
// falls back to plain TCP for local and offline use. The TLS handshake and
// certificate material are an external boundary per spec.md §1/§6; this is
// the thin accept-loop wiring the core assumes already happened.
func openListener(cfg *config.Config) (net.Listener, error) {
	if cfg.TLSCertPath == "" || cfg.TLSKeyPath == "" {
		return net.Listen("tcp", cfg.ListenAddr)
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS keypair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	return tls.Listen("tcp", cfg.ListenAddr, tlsCfg)
}

func acceptLoop(listener net.Listener, b *broker.Broker, users *userstore.Store, log *logging.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("accept failed", "error", err)
			continue
		}
		go handleConn(conn, b, users, log)
	}
}

// handleConn performs the one-line authentication handshake and, on
// success, hands the connection to the Broker. The Broker's own
// single-session-per-client check happens inside Accept; this function only
// owns the handshake itself.
func handleConn(conn net.Conn, b *broker.Broker, users *userstore.Store, log *logging.Logger) {
	transport := newConnTransport(conn)

	clientID, outcome, err := authenticate(transport, users)
	if err != nil {
		log.Warn("authentication failed", "error", err)
		_ = transport.WriteLine("ERROR: authentication failed")
		_ = transport.Close()
		return
	}

	if err := b.Accept(transport, clientID, outcome); err != nil {
		log.Warn("connection rejected", "client_id", clientID, "error", err)
		_ = transport.WriteLine("ERROR: " + err.Error())
		return
	}
	_ = transport.WriteLine("OK: authenticated")
}

// authenticate reads the first line of a new connection, expected to be
// "AUTH <client_id> <password>", and resolves it against the user store. An
// unknown client_id registers a new account with the given password
// (outcome NEW); a known one must match its stored bcrypt hash.
func authenticate(transport *connTransport, users *userstore.Store) (clientID string, outcome broker.AuthOutcome, err error) {
	line, err := transport.ReadLine()
	if err != nil {
		return "", 0, fmt.Errorf("failed to read auth line: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) != 3 || !strings.EqualFold(fields[0], "AUTH") {
		return "", 0, fmt.Errorf("expected AUTH <client_id> <password>")
	}
	clientID, password := fields[1], fields[2]

	hash, ok := users.Lookup(clientID)
	if !ok {
		if err := users.SetPassword(clientID, password); err != nil {
			return "", 0, fmt.Errorf("failed to register new client: %w", err)
		}
		if err := users.SaveUsers(); err != nil {
			return "", 0, fmt.Errorf("failed to persist new client: %w", err)
		}
		return clientID, broker.AuthNew, nil
	}

	if !userstore.VerifyPassword(password, hash) {
		return "", 0, fmt.Errorf("invalid credentials")
	}
	return clientID, broker.AuthSuccess, nil
}

// connTransport adapts a net.Conn to session.Transport: LF-terminated line
// framing over a buffered reader, with writes serialized so the session's
// own response lines never interleave mid-line with this handshake's.
type connTransport struct {
	conn net.Conn
	r    *bufio.Reader

	mu sync.Mutex
}

func newConnTransport(conn net.Conn) *connTransport {
	return &connTransport{conn: conn, r: bufio.NewReader(conn)}
}

func (t *connTransport) ReadLine() (string, error) {
	line, err := t.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *connTransport) WriteLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.conn, "%s\n", line)
	return err
}

func (t *connTransport) Close() error {
	return t.conn.Close()
}
