package transaction

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
)

var auditHeader = []string{
	"ID", "ClientID", "Type", "Asset", "Qty", "UnitPrice", "Total", "Fee",
	"Timestamp", "Status", "Reason",
}

// AuditLog appends one CSV row per finalized transaction to a single
// process-wide file. The header is specified exactly by the broker's wire
// contract, so this is a plain encoding/csv writer rather than routed
// through the structured logger.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// OpenAuditLog opens (creating if necessary) the audit CSV at path,
// writing the header only if the file is new.
func OpenAuditLog(path string) (*AuditLog, error) {
	needsHeader := false
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	al := &AuditLog{file: f, w: csv.NewWriter(f)}
	if needsHeader {
		if err := al.w.Write(auditHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to write audit header: %w", err)
		}
		al.w.Flush()
	}
	return al, nil
}

// Append writes one row for tx and flushes immediately so a crash never
// loses an already-finalized transaction's audit trail.
func (a *AuditLog) Append(tx *Transaction) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	row := []string{
		tx.ID,
		tx.ClientID,
		string(tx.Type),
		string(tx.Asset),
		strconv.FormatFloat(tx.Quantity, 'f', -1, 64),
		strconv.FormatFloat(tx.UnitPrice, 'f', -1, 64),
		strconv.FormatFloat(tx.TotalAmount, 'f', -1, 64),
		strconv.FormatFloat(tx.Fee, 'f', -1, 64),
		strconv.FormatInt(tx.Timestamp.Unix(), 10),
		string(tx.Status),
		tx.FailureReason,
	}
	if err := a.w.Write(row); err != nil {
		return fmt.Errorf("failed to write audit row: %w", err)
	}
	a.w.Flush()
	return a.w.Error()
}

// Close flushes and closes the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.w.Flush()
	return a.file.Close()
}
