// Benchmark tool for replaying labelled PaySim data through Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// Each row becomes one card transaction: nameOrig is the card fingerprint,
// nameDest the merchant and step the hour offset from -start. A HOLD or BLOCK
// decision counts as a fraud prediction and is scored against isFraud.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Row is one labelled PaySim record.
type Row struct {
	Step     int
	Type     string
	Amount   decimal.Decimal
	NameOrig string
	NameDest string
	IsFraud  bool
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	Holds    int64
	Blocks   int64
	SARs     int64
	CTRs     int64
	Degraded int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

var requiredColumns = []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	currency := flag.String("currency", "USD", "Currency for every transaction")
	startFlag := flag.String("start", "", "RFC3339 time of step 0 (default: now minus the largest step)")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only test fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - PaySim replay")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nStart the server first:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	fmt.Printf("\nReading PaySim data from %s...\n", *csvPath)
	rows, err := readPaySimCSV(*csvPath, *limit, *fraudOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("ERROR: no transactions selected")
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(rows))

	fraudCount := 0
	maxStep := 0
	for _, r := range rows {
		if r.IsFraud {
			fraudCount++
		}
		maxStep = max(maxStep, r.Step)
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(rows)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(rows)-fraudCount, 100*float64(len(rows)-fraudCount)/float64(len(rows)))

	start := time.Now().UTC().Add(-time.Duration(maxStep+1) * time.Hour)
	if *startFlag != "" {
		start, err = time.Parse(time.RFC3339, *startFlag)
		if err != nil {
			fmt.Printf("ERROR: invalid -start: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	began := time.Now()
	m := runBenchmark(rows, *baseURL, *tenantID, *currency, start, *workers, *verbose)
	printResults(m, time.Since(began))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readPaySimCSV(path string, limit int, fraudOnly bool, sampleRate float64) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var rows []Row
	sampleCounter := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // malformed row
		}

		isFraud := record[col["isfraud"]] == "1"
		if fraudOnly && !isFraud {
			continue
		}
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		step, err := strconv.Atoi(record[col["step"]])
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(record[col["amount"]])
		if err != nil || amount.IsNegative() {
			continue
		}

		rows = append(rows, Row{
			Step:     step,
			Type:     record[col["type"]],
			Amount:   amount,
			NameOrig: record[col["nameorig"]],
			NameDest: record[col["namedest"]],
			IsFraud:  isFraud,
		})
		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	// Velocity features depend on arrival order.
	slices.SortStableFunc(rows, func(a, b Row) int { return a.Step - b.Step })
	return rows, nil
}

// toRequest maps a PaySim row onto a card transaction. Rows within the same
// step are spread across the hour so timestamps stay distinct.
func toRequest(r Row, i int, currency string, start time.Time) domain.TransactionRequest {
	ts := start.Add(time.Duration(r.Step)*time.Hour + time.Duration(i%3600)*time.Second)
	return domain.TransactionRequest{
		ID:          fmt.Sprintf("paysim-%d-%s", i, r.NameOrig),
		MerchantID:  r.NameDest,
		Channel:     r.Type,
		PANHash:     r.NameOrig,
		AmountMinor: r.Amount.Shift(2).Round(0).IntPart(),
		Currency:    currency,
		Timestamp:   &ts,
	}
}

func runBenchmark(rows []Row, baseURL, tenantID, currency string, start time.Time, numWorkers int, verbose bool) *Metrics {
	m := &Metrics{}

	type job struct {
		row Row
		req domain.TransactionRequest
	}
	work := make(chan job, 100)
	var wg sync.WaitGroup

	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for j := range work {
				began := time.Now()
				result, err := evaluate(client, baseURL, tenantID, j.req)
				atomic.AddInt64(&m.ProcessingTimeMs, time.Since(began).Milliseconds())
				atomic.AddInt64(&m.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", j.req.ID, err)
					}
					continue
				}
				m.record(j.row.IsFraud, result)

				if verbose {
					mark := "ok  "
					if result.Alerting() != j.row.IsFraud {
						mark = "MISS"
					}
					fmt.Printf("%s %-12s | Type: %-8s | Amount: %14s | Fraud: %-5v | %-5s %v\n",
						mark, j.row.NameOrig, j.row.Type, j.row.Amount.StringFixed(2),
						j.row.IsFraud, result.Decision, result.TriggeredRules)
				}
			}
		}()
	}

	for i, r := range rows {
		work <- job{row: r, req: toRequest(r, i, currency, start)}
	}
	close(work)
	wg.Wait()

	return m
}

func (m *Metrics) record(actual bool, result *domain.RuleEvaluationResult) {
	if actual {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}

	switch result.Decision {
	case domain.DecisionHold:
		atomic.AddInt64(&m.Holds, 1)
	case domain.DecisionBlock:
		atomic.AddInt64(&m.Blocks, 1)
	}
	if result.SARRequired {
		atomic.AddInt64(&m.SARs, 1)
	}
	if result.CTRRequired {
		atomic.AddInt64(&m.CTRs, 1)
	}
	if result.Degraded {
		atomic.AddInt64(&m.Degraded, 1)
	}

	predicted := result.Alerting()
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

func evaluate(client *http.Client, baseURL, tenantID string, req domain.TransactionRequest) (*domain.RuleEvaluationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.RuleEvaluationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nDECISIONS\n")
	fmt.Printf("   HOLD:             %d\n", m.Holds)
	fmt.Printf("   BLOCK:            %d\n", m.Blocks)
	fmt.Printf("   SAR flagged:      %d\n", m.SARs)
	fmt.Printf("   CTR flagged:      %d\n", m.CTRs)
	fmt.Printf("   Degraded:         %d\n", m.Degraded)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                      Predicted")
	fmt.Println("                 HOLD/BLOCK     ALLOW")
	fmt.Printf("   Actual  F    %10d %10d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF    %10d %10d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	accuracy := ratio(m.TruePositives+m.TrueNegatives,
		m.TruePositives+m.TrueNegatives+m.FalsePositives+m.FalseNegatives)

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of holds and blocks, how many were fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many were stopped)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)
	if m.TotalNonFraud > 0 {
		fmt.Printf("   False Alarms: %d / %d (%.2f%%)\n",
			m.FalsePositives, m.TotalNonFraud, 100*ratio(m.FalsePositives, m.TotalNonFraud))
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", ratio(m.ProcessingTimeMs, m.TotalProcessed))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
