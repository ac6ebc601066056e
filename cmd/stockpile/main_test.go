package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/internal/testutil"
	"github.com/Sternrassler/stockpile/pkg/ratelimit"
)

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestOpsServerRoutes(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{CallsPerMinute: 30}, zerolog.New(io.Discard))
	ops := newOpsServer(":0", "/metrics", limiter, zerolog.New(io.Discard))

	srv := httptest.NewServer(ops.router)
	defer srv.Close()

	tests := []struct {
		path     string
		contains string
	}{
		{path: "/health", contains: "OK"},
		{path: "/limiter", contains: `"calls_per_minute":30`},
		{path: "/metrics", contains: "stockpile_ratelimit_calls_per_minute"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s failed: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("body missing %q:\n%s", tt.contains, body)
			}
		})
	}
}

func TestUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "no command", args: nil, want: exitUsage},
		{name: "unknown command", args: []string{"fetch"}, want: exitUsage},
		{name: "help", args: []string{"help"}, want: exitOK},
		{name: "bad flag", args: []string{"run", "-nope"}, want: exitUsage},
		{name: "missing config", args: []string{"sweep", "-config", "/nonexistent/stockpile.yaml", "-env-file", "/nonexistent/.env"}, want: exitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if got := run(context.Background(), tt.args, &stdout, &stderr); got != tt.want {
				t.Errorf("run(%v) = %d, want %d (stderr: %s)", tt.args, got, tt.want, stderr.String())
			}
		})
	}
}

// workspace writes a config pointing at a mock provider and a temporary
// SQLite store, plus a backlog file.
func workspace(t *testing.T, providerURL, backlog string) (configPath, backlogPath string) {
	t.Helper()
	dir := t.TempDir()

	configPath = filepath.Join(dir, "stockpile.yaml")
	cfg := fmt.Sprintf(`
provider:
  base_url: %s
  api_key: test
rate_limit:
  calls_per_minute: 6000
retry:
  max_attempts: 1
  initial_backoff: 1ms
  max_backoff: 2ms
runner:
  batch_size: 100
staging:
  dir: %s
store:
  driver: sqlite
  sqlite:
    path: %s
logging:
  level: error
`, providerURL, filepath.Join(dir, "staging"), filepath.Join(dir, "db", "stockpile.db"))
	if err := os.WriteFile(configPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	backlogPath = filepath.Join(dir, "backlog.csv")
	if err := os.WriteFile(backlogPath, []byte(backlog), 0644); err != nil {
		t.Fatal(err)
	}
	return configPath, backlogPath
}

func TestCommands_EndToEnd(t *testing.T) {
	mock := testutil.NewMockProvider()
	defer mock.Close()
	mock.Script("AAPL", testutil.NewBarsResponse("AAPL", testutil.DailyBar("2024-01-02", 185), testutil.DailyBar("2024-01-03", 184)))
	mock.Script("MSFT", testutil.NewBarsResponse("MSFT", testutil.DailyBar("2024-01-02", 370)))

	configPath, backlogPath := workspace(t, mock.URL(),
		"identity,from,to\nAAPL,2024-01-02,2024-01-03\nMSFT,2024-01-02,2024-01-03\nGONE,2024-01-02,2024-01-03\n")
	common := []string{"-config", configPath, "-env-file", filepath.Join(t.TempDir(), ".env")}
	ctx := context.Background()

	var stdout, stderr bytes.Buffer
	code := run(ctx, append([]string{"run"}, append(common, "-backlog", backlogPath)...), &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("run exit = %d, stderr:\n%s", code, stderr.String())
	}

	var summary struct {
		Status     string         `json:"status"`
		RowsStaged int            `json:"rows_staged"`
		Succeeded  int            `json:"succeeded"`
		Failures   map[string]int `json:"failures"`
		Validation *struct {
			Failed int `json:"failed"`
		} `json:"validation"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &summary); err != nil {
		t.Fatalf("summary is not JSON: %v\n%s", err, stdout.String())
	}
	if summary.Status != "success" || summary.RowsStaged != 3 || summary.Succeeded != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Failures["permanent"] != 1 {
		t.Errorf("failures = %v, want one permanent", summary.Failures)
	}
	if summary.Validation == nil || summary.Validation.Failed != 0 {
		t.Errorf("validation = %+v, want all checks passing", summary.Validation)
	}

	t.Run("validate", func(t *testing.T) {
		var out bytes.Buffer
		if code := run(ctx, append([]string{"validate", "-tables", "stock_history"}, common...), &out, io.Discard); code != exitOK {
			t.Fatalf("validate exit = %d\n%s", code, out.String())
		}
		if !strings.Contains(out.String(), "0 failed") {
			t.Errorf("validate output:\n%s", out.String())
		}
	})

	t.Run("publish is a no-op", func(t *testing.T) {
		var out bytes.Buffer
		if code := run(ctx, append([]string{"publish"}, common...), &out, io.Discard); code != exitOK {
			t.Fatalf("publish exit = %d\n%s", code, out.String())
		}
		if !strings.Contains(out.String(), "stock_history") || !strings.Contains(out.String(), "SKIPPED") {
			t.Errorf("publish output:\n%s", out.String())
		}
	})

	t.Run("untrackable", func(t *testing.T) {
		var out bytes.Buffer
		if code := run(ctx, append([]string{"untrackable"}, common...), &out, io.Discard); code != exitOK {
			t.Fatalf("untrackable exit = %d", code)
		}
		if !strings.Contains(out.String(), "GONE") {
			t.Errorf("untrackable output:\n%s", out.String())
		}
	})

	t.Run("sweep", func(t *testing.T) {
		var out bytes.Buffer
		if code := run(ctx, append([]string{"sweep", "-age", "1h"}, common...), &out, io.Discard); code != exitOK {
			t.Fatalf("sweep exit = %d", code)
		}
		if !strings.Contains(out.String(), "removed 0") {
			t.Errorf("sweep output: %s", out.String())
		}
	})

	t.Run("second run skips untrackable", func(t *testing.T) {
		var out bytes.Buffer
		before := mock.Calls("GONE")
		if code := run(ctx, append([]string{"run"}, append(common, "-backlog", backlogPath)...), &out, io.Discard); code != exitOK {
			t.Fatalf("second run exit = %d", code)
		}
		if mock.Calls("GONE") != before {
			t.Errorf("GONE fetched again after being marked untrackable")
		}
	})
}
