package wallet

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pendathiao123/srdbtc-broker/internal/transaction"
)

// path returns the on-disk path for this wallet's file.
func (w *Wallet) path() string {
	return filepath.Join(w.dataDir, w.clientID+".wallet")
}

// Save atomically writes balances and history to disk: write to a
// temporary file in the same directory, fsync, then rename over the
// previous file. On any failure the previous valid file remains readable.
func (w *Wallet) Save() error {
	w.mu.RLock()
	usd := w.state.Balances[transaction.USD]
	srd := w.state.Balances[transaction.SRDBTC]
	history := make([]transaction.Transaction, len(w.state.History))
	copy(history, w.state.History)
	w.mu.RUnlock()

	if err := os.MkdirAll(w.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create wallets directory: %w", err)
	}

	finalPath := w.path()
	tmp, err := os.CreateTemp(w.dataDir, w.clientID+".wallet.tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp wallet file: %w", err)
	}
	tmpPath := tmp.Name()

	writeErr := func() error {
		bw := bufio.NewWriter(tmp)
		if _, err := fmt.Fprintf(bw, "USD %.10f\n", usd); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(bw, "SRD-BTC %.10f\n", srd); err != nil {
			return err
		}
		for _, tx := range history {
			if _, err := fmt.Fprintf(bw, "TRANSACTION %s %s %s %s %s %s %s %s %d %s\n",
				tx.ID, tx.ClientID, tx.Type, tx.Asset,
				formatAmount(tx.Quantity), formatAmount(tx.UnitPrice),
				formatAmount(tx.TotalAmount), formatAmount(tx.Fee),
				tx.Timestamp.Unix(), tx.Status); err != nil {
				return err
			}
		}
		return bw.Flush()
	}()
	if writeErr != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write wallet file: %w", writeErr)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync wallet file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close wallet temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename wallet file into place: %w", err)
	}
	return nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 10, 64)
}

// Load reads the wallet file if present, replacing in-memory state. If
// the file does not exist, the wallet keeps its already-initialized
// default state. Malformed lines are skipped with a warning; a parse
// never fails the load. Any transaction recorded with a "pending" status
// is coerced to FAILED on load, since pending is a transient in-flight
// state never meant to be read back.
func (w *Wallet) Load() error {
	f, err := os.Open(w.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open wallet file: %w", err)
	}
	defer f.Close()

	balances := map[transaction.Currency]float64{
		transaction.USD:    InitialUSDBalance,
		transaction.SRDBTC: 0,
	}
	var history []transaction.Transaction

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "USD":
			if len(fields) != 2 {
				w.log.Warn("skipping malformed USD line", "line", line)
				continue
			}
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				w.log.Warn("skipping malformed USD balance", "line", line, "error", err)
				continue
			}
			balances[transaction.USD] = v
		case "SRD-BTC":
			if len(fields) != 2 {
				w.log.Warn("skipping malformed SRD-BTC line", "line", line)
				continue
			}
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				w.log.Warn("skipping malformed SRD-BTC balance", "line", line, "error", err)
				continue
			}
			balances[transaction.SRDBTC] = v
		case "TRANSACTION":
			tx, ok := parseTransactionLine(fields, w.clientID)
			if !ok {
				w.log.Warn("skipping malformed transaction line", "line", line)
				continue
			}
			history = append(history, tx)
		default:
			w.log.Warn("skipping unknown wallet file line", "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read wallet file: %w", err)
	}

	w.mu.Lock()
	w.state.Balances = balances
	w.state.History = history
	w.mu.Unlock()
	return nil
}

// parseTransactionLine parses "TRANSACTION id clientId type asset qty
// unitPrice total fee ts status". A trailing status of "pending" coerces
// to FAILED.
func parseTransactionLine(fields []string, ownerClientID string) (transaction.Transaction, bool) {
	if len(fields) != 11 {
		return transaction.Transaction{}, false
	}
	qty, err1 := strconv.ParseFloat(fields[5], 64)
	unitPrice, err2 := strconv.ParseFloat(fields[6], 64)
	total, err3 := strconv.ParseFloat(fields[7], 64)
	fee, err4 := strconv.ParseFloat(fields[8], 64)
	ts, err5 := strconv.ParseInt(fields[9], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return transaction.Transaction{}, false
	}

	clientID := fields[2]
	if clientID != ownerClientID {
		return transaction.Transaction{}, false
	}

	status := transaction.Status(strings.ToUpper(fields[10]))
	if strings.EqualFold(fields[10], "pending") {
		status = transaction.FAILED
	}
	if status != transaction.COMPLETED && status != transaction.FAILED {
		return transaction.Transaction{}, false
	}

	return transaction.Transaction{
		ID:          fields[1],
		ClientID:    clientID,
		Type:        transaction.Type(fields[3]),
		Asset:       transaction.Currency(fields[4]),
		Quantity:    qty,
		UnitPrice:   unitPrice,
		TotalAmount: total,
		Fee:         fee,
		Timestamp:   time.Unix(ts, 0),
		Status:      status,
	}, true
}
