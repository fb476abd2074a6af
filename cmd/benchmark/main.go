// Benchmark tool for testing harrier against labeled application data.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/applications.csv -url http://localhost:8080
//
// The CSV carries one application per row with the operational signals
// and a ground-truth fraud label. Each row is sent to POST /assessments
// and harrier's verdict is compared with the label to produce precision,
// recall, F1, and a confusion matrix.
//
// Expected columns: application_id, broker_id, otp_hours, actual_fee,
// expected_fee, actual_duration, expected_duration, similarity,
// forgery_confidence, is_fraud.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledApplication is one row of the benchmark dataset.
type LabeledApplication struct {
	ApplicationID     string
	BrokerID          string
	OTPHours          float64
	ActualFee         float64
	ExpectedFee       float64
	ActualDuration    float64
	ExpectedDuration  float64
	Similarity        float64
	ForgeryConfidence float64
	IsFraud           bool
}

// AssessRequest mirrors the harrier API request format.
type AssessRequest struct {
	ApplicationID    string         `json:"applicationId"`
	BrokerID         string         `json:"brokerId"`
	OTPIssuedAt      *time.Time     `json:"otpIssuedAt,omitempty"`
	ActualFee        *float64       `json:"actualFee,omitempty"`
	ExpectedFee      *float64       `json:"expectedFee,omitempty"`
	ActualDuration   *float64       `json:"actualDuration,omitempty"`
	ExpectedDuration *float64       `json:"expectedDuration,omitempty"`
	Similarity       *float64       `json:"similarity,omitempty"`
	Forgery          *ForgeryReport `json:"forgery,omitempty"`
}

// ForgeryReport mirrors the document verification payload.
type ForgeryReport struct {
	IsForged   bool    `json:"isForged"`
	Confidence float64 `json:"confidence"`
}

// AssessResponse is the subset of the harrier response we score on.
type AssessResponse struct {
	AssessmentID string  `json:"assessmentId"`
	IsFraudulent bool    `json:"isFraudulent"`
	AnomalyScore float64 `json:"anomalyScore"`
	FraudLevel   string  `json:"fraudLevel"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled applications CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "harrier base URL")
	officeID := flag.String("office", "benchmark-office", "Office ID for requests")
	limit := flag.Int("limit", 10000, "Maximum applications to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each application result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/applications.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("HARRIER BENCHMARK - labeled application replay")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("harrier URL: %s\n", *baseURL)
	fmt.Printf("Office ID:   %s\n", *officeID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: harrier not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure harrier is running:")
		fmt.Println("  go run cmd/harrier/main.go")
		os.Exit(1)
	}
	fmt.Println("harrier is healthy")

	fmt.Printf("\nReading applications from %s...\n", *csvPath)
	applications, err := readApplicationsCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d applications\n", len(applications))

	fraudCount := 0
	for _, app := range applications {
		if app.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(applications)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(applications)-fraudCount, 100*float64(len(applications)-fraudCount)/float64(len(applications)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(applications, *baseURL, *officeID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
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

func readApplicationsCSV(path string, limit int) ([]LabeledApplication, error) {
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

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	parseFloat := func(record []string, col string) float64 {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return 0
		}
		v, _ := strconv.ParseFloat(record[i], 64)
		return v
	}
	parseString := func(record []string, col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var applications []LabeledApplication
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		app := LabeledApplication{
			ApplicationID:     parseString(record, "application_id"),
			BrokerID:          parseString(record, "broker_id"),
			OTPHours:          parseFloat(record, "otp_hours"),
			ActualFee:         parseFloat(record, "actual_fee"),
			ExpectedFee:       parseFloat(record, "expected_fee"),
			ActualDuration:    parseFloat(record, "actual_duration"),
			ExpectedDuration:  parseFloat(record, "expected_duration"),
			Similarity:        parseFloat(record, "similarity"),
			ForgeryConfidence: parseFloat(record, "forgery_confidence"),
			IsFraud:           parseString(record, "is_fraud") == "1",
		}
		applications = append(applications, app)

		if limit > 0 && len(applications) >= limit {
			break
		}
	}

	return applications, nil
}

func runBenchmark(applications []LabeledApplication, baseURL, officeID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledApplication, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for app := range work {
				start := time.Now()
				result, err := assessApplication(client, baseURL, officeID, app)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", app.ApplicationID, err)
					}
					continue
				}

				if app.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := result.IsFraudulent
				actual := app.IsFraud

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					mark := "ok"
					if predicted != actual {
						mark = "MISS"
					}
					fmt.Printf("%-4s %-14s | broker %-10s | fraud=%-5v | level=%-6s score=%.2f\n",
						mark, app.ApplicationID, app.BrokerID, app.IsFraud, result.FraudLevel, result.AnomalyScore)
				}
			}
		}()
	}

	for _, app := range applications {
		work <- app
	}
	close(work)

	wg.Wait()

	return metrics
}

func assessApplication(client *http.Client, baseURL, officeID string, app LabeledApplication) (*AssessResponse, error) {
	req := AssessRequest{
		ApplicationID: app.ApplicationID,
		BrokerID:      app.BrokerID,
	}

	if app.OTPHours > 0 {
		issued := time.Now().UTC().Add(-time.Duration(app.OTPHours * float64(time.Hour)))
		req.OTPIssuedAt = &issued
	}
	if app.ActualFee > 0 {
		req.ActualFee = &app.ActualFee
		req.ExpectedFee = &app.ExpectedFee
	}
	if app.ActualDuration > 0 {
		req.ActualDuration = &app.ActualDuration
		req.ExpectedDuration = &app.ExpectedDuration
	}
	if app.Similarity > 0 {
		req.Similarity = &app.Similarity
	}
	if app.ForgeryConfidence > 0 {
		req.Forgery = &ForgeryReport{
			IsForged:   app.ForgeryConfidence >= 0.6,
			Confidence: app.ForgeryConfidence,
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/assessments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Office-ID", officeID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result AssessResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Printf("   TP: %8d   FN: %8d\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("   FP: %8d   TN: %8d\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f req/sec\n", rps)
	}

	fmt.Println()
}
