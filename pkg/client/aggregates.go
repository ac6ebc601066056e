package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/stockpile/pkg/job"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// AggregatesEndpoint fetches adjusted daily bars from a polygon-style
// aggregates API.
type AggregatesEndpoint struct {
	// BaseURL is the provider root, e.g. https://api.polygon.io.
	BaseURL string

	// APIKey is sent as the apiKey query parameter.
	APIKey string

	// Timespan is the bar size. Empty means "day".
	Timespan string

	// Multiplier is the bar count per timespan. Zero means 1.
	Multiplier int
}

// AggregatesSchema is the row shape produced by AggregatesEndpoint.
func AggregatesSchema() table.Schema {
	return table.Schema{
		Columns: []table.Column{
			{Name: "ticker", Type: table.TypeString, Required: true},
			{Name: "date", Type: table.TypeDate, Required: true},
			{Name: "open", Type: table.TypeFloat},
			{Name: "high", Type: table.TypeFloat},
			{Name: "low", Type: table.TypeFloat},
			{Name: "close", Type: table.TypeFloat},
			{Name: "adj_close", Type: table.TypeFloat},
			{Name: "volume", Type: table.TypeInt},
		},
		PrimaryKey: []string{"ticker", "date"},
	}
}

// NewRequest builds the aggregates request for a job.
func (e AggregatesEndpoint) NewRequest(ctx context.Context, j job.Job) (*http.Request, error) {
	timespan := e.Timespan
	if timespan == "" {
		timespan = "day"
	}
	multiplier := e.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/%d/%s/%s/%s",
		url.PathEscape(j.Identity), multiplier, timespan,
		j.From.Format(table.DateLayout), j.To.Format(table.DateLayout))

	q := url.Values{}
	q.Set("adjusted", "true")
	q.Set("sort", "asc")
	q.Set("limit", "50000")
	if e.APIKey != "" {
		q.Set("apiKey", e.APIKey)
	}

	return http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(e.BaseURL, "/")+path+"?"+q.Encode(), nil)
}

type aggregatesResponse struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	Message      string `json:"message"`
	ResultsCount int    `json:"resultsCount"`
	Results      []struct {
		Open   float64 `json:"o"`
		High   float64 `json:"h"`
		Low    float64 `json:"l"`
		Close  float64 `json:"c"`
		Volume float64 `json:"v"`
		Millis int64   `json:"t"`
	} `json:"results"`
}

// Decode maps an aggregates body to rows. A body without results is a
// successful empty fetch. Volume arrives as a float because adjusted bars
// can carry split-scaled fractional shares; it is rounded to the nearest
// whole share.
func (e AggregatesEndpoint) Decode(status int, body []byte, j job.Job) ([]table.Row, error) {
	var resp aggregatesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse aggregates: %w", err)
	}

	msg := resp.Error
	if msg == "" {
		msg = resp.Message
	}
	switch strings.ToUpper(resp.Status) {
	case "NOT_FOUND":
		return nil, &FetchError{Kind: KindPermanent, Message: msg}
	case "ERROR":
		if IsRateLimitMessage(msg) {
			return nil, &FetchError{Kind: KindRateLimited, Message: msg}
		}
		return nil, &FetchError{Kind: KindTransient, Message: msg}
	}

	if len(resp.Results) == 0 {
		return nil, nil
	}

	rows := make([]table.Row, 0, len(resp.Results))
	for _, bar := range resp.Results {
		y, m, d := time.UnixMilli(bar.Millis).UTC().Date()
		rows = append(rows, table.Row{
			"ticker":    j.Identity,
			"date":      time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
			"open":      bar.Open,
			"high":      bar.High,
			"low":       bar.Low,
			"close":     bar.Close,
			"adj_close": bar.Close,
			"volume":    int64(math.Round(bar.Volume)),
		})
	}
	return rows, nil
}
