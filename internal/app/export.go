package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"driftwatch/internal/aggregate"
)

// Export fetches aggregate history for an endpoint from a running service
// and renders it as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Endpoint == "" {
		return errors.New("--endpoint is required")
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = 500
	}

	aggs, err := fetchAggregates(ctx, opts)
	if err != nil {
		return err
	}
	if len(aggs) == 0 {
		a.Logger.Info().Str("endpoint", opts.Endpoint).Msg("no aggregate history for endpoint")
		return nil
	}

	downsampled := downsampleAggregates(aggs, opts.MaxPoints)
	a.Logger.Info().
		Int("total", len(aggs)).
		Int("exported", len(downsampled)).
		Str("endpoint", opts.Endpoint).
		Msg("exporting aggregate history")

	if opts.CSVPath != "" {
		if err := writeAggregatesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeAggregatesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func fetchAggregates(ctx context.Context, opts ExportOptions) ([]aggregate.WindowAggregate, error) {
	query := url.Values{}
	query.Set("endpoint", opts.Endpoint)
	query.Set("window", opts.Window.String())

	endpoint := fmt.Sprintf("http://%s/metrics?%s", opts.Addr, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metrics from %s: %w", opts.Addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned %s", resp.Status)
	}

	var aggs []aggregate.WindowAggregate
	if err := json.NewDecoder(resp.Body).Decode(&aggs); err != nil {
		return nil, fmt.Errorf("decode metrics response: %w", err)
	}
	return aggs, nil
}

func downsampleAggregates(aggs []aggregate.WindowAggregate, max int) []aggregate.WindowAggregate {
	if max <= 0 || len(aggs) <= max {
		return aggs
	}

	result := make([]aggregate.WindowAggregate, 0, max)
	step := float64(len(aggs)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(aggs) {
			idx = len(aggs) - 1
		}
		result = append(result, aggs[idx])
	}
	return result
}

func writeAggregatesCSV(path string, aggs []aggregate.WindowAggregate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"window_end", "window_size", "avg_latency_ms", "p95_latency_ms", "error_rate", "request_volume", "response_size_variance", "sample_count"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, agg := range aggs {
		record := []string{
			agg.WindowEnd.UTC().Format(time.RFC3339),
			agg.WindowSize.String(),
			strconv.FormatFloat(agg.AvgLatency, 'f', 3, 64),
			strconv.FormatFloat(agg.P95Latency, 'f', 3, 64),
			strconv.FormatFloat(agg.ErrorRate, 'f', 5, 64),
			strconv.FormatInt(agg.RequestVolume, 10),
			strconv.FormatFloat(agg.ResponseSizeVariance, 'f', 3, 64),
			strconv.FormatInt(agg.SampleCount, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeAggregatesPNG(path string, aggs []aggregate.WindowAggregate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(aggs))
	avgLatency := make([]float64, len(aggs))
	p95Latency := make([]float64, len(aggs))
	errorRate := make([]float64, len(aggs))

	for i, agg := range aggs {
		x[i] = agg.WindowEnd
		avgLatency[i] = agg.AvgLatency
		p95Latency[i] = agg.P95Latency
		errorRate[i] = agg.ErrorRate * 100
	}

	latencyFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Latency (ms)",
			ValueFormatter: latencyFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Error rate (%)",
			ValueFormatter: latencyFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Avg latency",
				XValues: x,
				YValues: avgLatency,
			},
			chart.TimeSeries{
				Name:    "P95 latency",
				XValues: x,
				YValues: p95Latency,
			},
			chart.TimeSeries{
				Name:    "Error rate %",
				XValues: x,
				YValues: errorRate,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
