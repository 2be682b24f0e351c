package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/biequity/reconciler/internal/catalog"
	"github.com/biequity/reconciler/internal/engine"
	"github.com/biequity/reconciler/internal/lock"
	"github.com/biequity/reconciler/internal/storage"
)

type fakeProcessor struct {
	sum engine.Summary
	err error
}

func (f *fakeProcessor) Process(context.Context) (engine.Summary, error) { return f.sum, f.err }

type fakeAssets struct {
	assets []catalog.SupportedAsset
	err    error
}

func (f *fakeAssets) ListSupportedAssets(context.Context) ([]catalog.SupportedAsset, error) {
	return f.assets, f.err
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestLiveness(t *testing.T) {
	w := do(t, NewRouter(Options{}), http.MethodGet, "/")
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
}

func TestProcessEventsAlwaysReturns200(t *testing.T) {
	tests := []struct {
		name        string
		proc        *fakeProcessor
		wantSuccess bool
		wantBuys    int
		wantError   string
	}{
		{
			name: "completed",
			proc: &fakeProcessor{sum: engine.Summary{
				Buys:  []engine.EventResult{{EventID: "0x1:0", Success: true}, {EventID: "0x1:1", Success: false, ErrorKind: "validation"}},
				Sells: []engine.EventResult{},
			}},
			wantSuccess: true,
			wantBuys:    2,
		},
		{
			name:        "already_running",
			proc:        &fakeProcessor{err: lock.ErrAlreadyRunning},
			wantSuccess: false,
			wantError:   "already running",
		},
		{
			name:        "aborted",
			proc:        &fakeProcessor{err: errors.New("plan block range: rpc down")},
			wantSuccess: false,
			wantError:   "rpc down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, NewRouter(Options{Processor: tt.proc}), http.MethodPost, "/process-events")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var resp ProcessResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Success != tt.wantSuccess || len(resp.Processed.Buys) != tt.wantBuys {
				t.Fatalf("unexpected response %+v", resp)
			}
			if resp.Processed.Sells == nil || resp.Processed.Buys == nil {
				t.Fatalf("result lists must be present: %+v", resp)
			}
			if tt.wantError != "" && !strings.Contains(resp.Error, tt.wantError) {
				t.Fatalf("error = %q, want %q", resp.Error, tt.wantError)
			}
		})
	}
}

func TestProcessEventsBodyShape(t *testing.T) {
	proc := &fakeProcessor{sum: engine.Summary{
		Buys:  []engine.EventResult{},
		Sells: []engine.EventResult{{EventID: "0x2:3", Kind: "redeem", Symbol: "TSLA", Success: true, OrderID: "ord-1"}},
	}}
	w := do(t, NewRouter(Options{Processor: proc}), http.MethodPost, "/process-events")
	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	processed, ok := raw["processed"].(map[string]any)
	if !ok {
		t.Fatalf("missing processed: %v", raw)
	}
	sells := processed["sells"].([]any)
	first := sells[0].(map[string]any)
	if first["event_id"] != "0x2:3" || first["order_id"] != "ord-1" || first["success"] != true {
		t.Fatalf("unexpected sell result %v", first)
	}
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		checker  Checker
		wantCode int
		wantDB   string
		wantRPC  string
	}{
		{
			name: "all_ok",
			checker: Checker{
				DBPing:  func(ctx context.Context) error { return nil },
				RPCPing: func(ctx context.Context) error { return nil },
			},
			wantCode: http.StatusOK,
			wantDB:   "ok",
			wantRPC:  "ok",
		},
		{
			name: "rpc_fail",
			checker: Checker{
				DBPing:  func(ctx context.Context) error { return nil },
				RPCPing: func(ctx context.Context) error { return context.DeadlineExceeded },
			},
			wantCode: http.StatusServiceUnavailable,
			wantDB:   "ok",
			wantRPC:  "fail",
		},
		{
			name:     "no_checkers",
			wantCode: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, NewRouter(Options{Checker: tt.checker}), http.MethodGet, "/healthz")
			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			var resp map[string]string
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["status"] != "ok" {
				t.Errorf("status = %q, want ok", resp["status"])
			}
			if tt.wantDB != "" && resp["db"] != tt.wantDB {
				t.Errorf("db = %q, want %q", resp["db"], tt.wantDB)
			}
			if tt.wantRPC != "" && resp["rpc"] != tt.wantRPC {
				t.Errorf("rpc = %q, want %q", resp["rpc"], tt.wantRPC)
			}
		})
	}
}

func TestRecordsEndpoint(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	for _, id := range []string{"0xa:0", "0xb:0"} {
		if _, _, err := store.EnsureRecord(ctx, storage.Record{EventID: id, Kind: "mint", Symbol: "AAPL", Amount: "1", BlockNumber: 3}); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	rec, _ := store.GetRecord(ctx, "0xb:0")
	rec.Status = storage.StatusFailed
	rec.ErrorKind = "validation"
	if err := store.UpdateRecord(ctx, rec, storage.StatusDiscovered); err != nil {
		t.Fatalf("update: %v", err)
	}

	h := NewRouter(Options{Records: store})
	w := do(t, h, http.MethodGet, "/records?status=failed")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var recs []storage.Record
	if err := json.NewDecoder(w.Body).Decode(&recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].EventID != "0xb:0" {
		t.Fatalf("unexpected records %+v", recs)
	}

	if w := do(t, h, http.MethodGet, "/records?status=bogus"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d, want 400", w.Code)
	}

	w = do(t, h, http.MethodGet, "/records/summary")
	var counts map[string]int
	if err := json.NewDecoder(w.Body).Decode(&counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts["failed"] != 1 || counts["discovered"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestAssetsEndpoint(t *testing.T) {
	ok := &fakeAssets{assets: []catalog.SupportedAsset{{Symbol: "AAPL", Tradable: true, Fractionable: true}}}
	w := do(t, NewRouter(Options{Assets: ok}), http.MethodGet, "/assets")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"symbol":"AAPL"`) {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}

	failing := &fakeAssets{err: errors.New("brokerage status 401: unauthorized")}
	w = do(t, NewRouter(Options{Assets: failing}), http.MethodGet, "/assets")
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), "Failed to fetch supported stocks") {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
}

func TestProcessRouteRequiresPost(t *testing.T) {
	w := do(t, NewRouter(Options{Processor: &fakeProcessor{}}), http.MethodGet, "/process-events")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}
