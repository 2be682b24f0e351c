package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/biequity/reconciler/internal/config"
	"github.com/biequity/reconciler/internal/storage"
)

func sampleRecords() []storage.Record {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []storage.Record{
		{
			EventID: "0xaa:0", Kind: "mint", Symbol: "AAPL", Amount: "1.5", BlockNumber: 10, LogIndex: 0,
			TxHash: "0xaa", Status: storage.StatusSettled, ClientOrderID: "cid-1", OrderID: "ord-1",
			SettlementTx: "0xbb", Attempts: 1, SettleAttempts: 1, CreatedAt: ts, UpdatedAt: ts,
		},
		{
			EventID: "0xcc:2", Kind: "redeem", Symbol: "TSLA", Amount: "2", BlockNumber: 11, LogIndex: 2,
			TxHash: "0xcc", Status: storage.StatusFailed, ErrorKind: "validation", LastError: "symbol, unsupported",
			CreatedAt: ts, UpdatedAt: ts,
		},
	}
}

func TestWriteRecordsCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRecords(&buf, "csv", sampleRecords()); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and two rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(recordHeader, ",") {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][0] != "0xaa:0" || rows[1][7] != "settled" || rows[1][16] != "2026-03-01T12:00:00Z" {
		t.Fatalf("row 1 = %v", rows[1])
	}
	if rows[2][13] != "symbol, unsupported" {
		t.Fatalf("quoted field not preserved: %v", rows[2])
	}
}

func TestWriteRecordsJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRecords(&buf, "json", sampleRecords()); err != nil {
		t.Fatalf("write json: %v", err)
	}
	var got []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0]["brokerage_order_id"] != "ord-1" || got[1]["error_kind"] != "validation" {
		t.Fatalf("unexpected json: %s", buf.String())
	}
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeSample(path, false); err != nil {
		t.Fatalf("first write: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != config.Sample {
		t.Fatalf("sample content mismatch")
	}
	if err := writeSample(path, false); err == nil {
		t.Fatalf("expected existing file to be refused")
	}
	if err := writeSample(path, true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
}

func TestPrintState(t *testing.T) {
	var buf bytes.Buffer
	counts := map[storage.Status]int{storage.StatusSettled: 3, storage.StatusFailed: 1}
	printState(&buf, 90, true, 100, 2, counts)
	out := buf.String()
	for _, want := range []string{"watermark: 90", "safe: 98 lag: 8", "records: 4", "failed", "settled"} {
		if !strings.Contains(out, want) {
			t.Fatalf("state output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printState(&buf, 0, false, 0, 0, map[storage.Status]int{})
	if !strings.Contains(buf.String(), "first run pending") {
		t.Fatalf("expected no-watermark message, got %q", buf.String())
	}
}

func TestBuildSinks(t *testing.T) {
	sinks, err := buildSinks([]config.Sink{
		{ID: "s", Type: "slack", WebhookURL: "http://hooks.test/s"},
		{ID: "w", Type: "Webhook", URL: "http://hooks.test/w", Method: "POST"},
	})
	if err != nil {
		t.Fatalf("build sinks: %v", err)
	}
	if len(sinks) != 2 {
		t.Fatalf("expected 2 sinks, got %d", len(sinks))
	}
	if _, err := buildSinks([]config.Sink{{ID: "p", Type: "pager"}}); err == nil {
		t.Fatalf("expected unsupported type to fail")
	}
}
