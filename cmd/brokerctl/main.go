// Command brokerctl is a thin interactive client: it dials the broker over
// TLS and relays operator input to the connection line by line.
package main

import (
	"bufio"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/chzyer/readline"
)

func main() {
	addr := flag.String("addr", "localhost:8443", "broker address")
	clientID := flag.String("client-id", "", "client id to authenticate as")
	password := flag.String("password", "", "password for the client id")
	insecure := flag.Bool("insecure-skip-verify", false, "skip TLS certificate verification (development only)")
	flag.Parse()

	if *clientID == "" {
		fmt.Fprintln(os.Stderr, "brokerctl: -client-id is required")
		os.Exit(1)
	}

	conn, err := tls.Dial("tcp", *addr, &tls.Config{InsecureSkipVerify: *insecure})
	if err != nil {
		fmt.Fprintf(os.Stderr, "brokerctl: failed to connect to %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := authenticate(conn, *clientID, *password); err != nil {
		fmt.Fprintf(os.Stderr, "brokerctl: authentication failed: %v\n", err)
		os.Exit(1)
	}

	if err := runRepl(conn); err != nil {
		fmt.Fprintf(os.Stderr, "brokerctl: %v\n", err)
		os.Exit(1)
	}
}

func authenticate(conn net.Conn, clientID, password string) error {
	if _, err := fmt.Fprintf(conn, "AUTH %s %s\n", clientID, password); err != nil {
		return err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "OK:") {
		return fmt.Errorf("server rejected authentication: %s", strings.TrimSpace(line))
	}
	return nil
}

func runRepl(conn net.Conn) error {
	completer := readline.NewPrefixCompleter(
		readline.PcItem("SHOW", readline.PcItem("WALLET"), readline.PcItem("TRANSACTIONS")),
		readline.PcItem("GET_PRICE", readline.PcItem("SRD-BTC")),
		readline.PcItem("BUY", readline.PcItem("SRD-BTC")),
		readline.PcItem("SELL", readline.PcItem("SRD-BTC")),
		readline.PcItem("START", readline.PcItem("BOT")),
		readline.PcItem("STOP", readline.PcItem("BOT"), readline.PcItem("SESSION")),
		readline.PcItem("QUIT"),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "brokerctl> ",
		HistoryFile:     "/tmp/brokerctl_history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "QUIT",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	reader := bufio.NewReader(conn)
	go printResponses(reader)

	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintln(conn, line); err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
		if strings.EqualFold(line, "QUIT") || strings.EqualFold(line, "STOP SESSION") {
			return nil
		}
	}
}

func printResponses(r *bufio.Reader) {
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			fmt.Print(line)
		}
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "brokerctl: connection closed: %v\n", err)
			}
			return
		}
	}
}
