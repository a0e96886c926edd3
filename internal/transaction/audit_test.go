package transaction

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAuditLog_WritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.csv")

	al, err := OpenAuditLog(path)
	if err != nil {
		t.Fatalf("OpenAuditLog: %v", err)
	}
	tx := &Transaction{
		ID: "TXN-0000000001", ClientID: "alice", Type: BUY, Asset: SRDBTC,
		Quantity: 49.995, UnitPrice: 100, TotalAmount: 5000, Fee: 0.5,
		Timestamp: time.Unix(1700000000, 0), Status: COMPLETED,
	}
	if err := al.Append(tx); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := al.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	al2, err := OpenAuditLog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := al2.Append(tx); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if err := al2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}

	if len(rows) != 3 {
		t.Fatalf("expected 1 header + 2 data rows, got %d rows: %v", len(rows), rows)
	}
	if rows[0][0] != "ID" {
		t.Fatalf("expected header row first, got %v", rows[0])
	}
	if rows[1][0] != tx.ID {
		t.Fatalf("expected first data row id %s, got %s", tx.ID, rows[1][0])
	}
}
