package client

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestAggregatesEndpoint_NewRequest(t *testing.T) {
	e := AggregatesEndpoint{BaseURL: "https://api.example.com/", APIKey: "k"}
	j := testJob(t, "brk.b")

	req, err := e.NewRequest(context.Background(), j)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if want := "/v2/aggs/ticker/BRK.B/range/1/day/2024-01-01/2024-01-31"; req.URL.Path != want {
		t.Errorf("path = %q, want %q", req.URL.Path, want)
	}
	q := req.URL.Query()
	if q.Get("apiKey") != "k" || q.Get("sort") != "asc" || q.Get("limit") != "50000" {
		t.Errorf("query = %v", q)
	}
}

func TestAggregatesEndpoint_Decode(t *testing.T) {
	e := AggregatesEndpoint{}
	j := testJob(t, "AAPL")

	tests := []struct {
		name     string
		body     string
		wantRows int
		wantKind ErrorKind
		wantErr  bool
	}{
		{
			name:     "bars",
			body:     `{"status":"OK","resultsCount":1,"results":[{"o":1,"h":2,"l":0.5,"c":1.5,"v":100,"t":1704171600000}]}`,
			wantRows: 1,
		},
		{name: "empty", body: `{"status":"OK","resultsCount":0}`},
		{name: "not found", body: `{"status":"NOT_FOUND"}`, wantErr: true, wantKind: KindPermanent},
		{name: "rate limit", body: `{"status":"ERROR","error":"You've exceeded the maximum requests per minute"}`, wantErr: true, wantKind: KindRateLimited},
		{name: "provider error", body: `{"status":"ERROR","error":"internal"}`, wantErr: true, wantKind: KindTransient},
		{name: "malformed", body: `{"results":[`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := e.Decode(200, []byte(tt.body), j)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Decode() expected error")
				}
				if KindOf(err) != tt.wantKind {
					t.Errorf("KindOf() = %q, want %q", KindOf(err), tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if len(rows) != tt.wantRows {
				t.Errorf("len(rows) = %d, want %d", len(rows), tt.wantRows)
			}
		})
	}
}

func TestAggregatesEndpoint_DecodeDate(t *testing.T) {
	// 2024-01-02 05:00 UTC is midnight in New York.
	body := `{"status":"OK","results":[{"o":1,"h":1,"l":1,"c":1,"v":12.0,"t":1704171600000}]}`
	rows, err := AggregatesEndpoint{}.Decode(200, []byte(body), testJob(t, "AAPL"))
	if err != nil {
		t.Fatal(err)
	}
	if got := rows[0]["date"].(time.Time); !got.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %v", got)
	}
	if got := rows[0]["volume"]; got != int64(12) {
		t.Errorf("volume = %v (%T)", got, got)
	}
	if _, err := AggregatesSchema().Coerce(rows[0]); err != nil {
		t.Errorf("row does not fit AggregatesSchema: %v", err)
	}
	if !strings.EqualFold(rows[0]["ticker"].(string), "aapl") {
		t.Errorf("ticker = %v", rows[0]["ticker"])
	}
}

func TestAggregatesEndpoint_DecodeVolumeRounding(t *testing.T) {
	tests := []struct {
		volume string
		want   int64
	}{
		{volume: "1000.6", want: 1001},
		{volume: "1000.4", want: 1000},
		{volume: "1000.5", want: 1001},
		{volume: "0.4", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.volume, func(t *testing.T) {
			body := `{"status":"OK","results":[{"o":1,"h":1,"l":1,"c":1,"v":` + tt.volume + `,"t":1704171600000}]}`
			rows, err := AggregatesEndpoint{}.Decode(200, []byte(body), testJob(t, "AAPL"))
			if err != nil {
				t.Fatal(err)
			}
			if got := rows[0]["volume"]; got != tt.want {
				t.Errorf("volume = %v (%T), want %d", got, got, tt.want)
			}
		})
	}
}
