// Benchmark tool for replaying PaySim fraud data against a running
// Kestrel instance.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/paysim.csv -url http://localhost:8080
//
// Each labeled PaySim row is posted to POST /detect; the response's
// hasCritical verdict (or -score-threshold against highestScore) is the
// predicted fraud flag. The tool prints a confusion matrix with
// precision, recall, and F1 against the isFraud labels.
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
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type options struct {
	csvPath        string
	baseURL        string
	tenantID       string
	limit          int
	workers        int
	fraudOnly      bool
	sampleRate     float64
	scoreThreshold float64
	verbose        bool
}

// paysimRow is one transaction from the PaySim dataset. Step is the
// simulation hour since epoch of the run.
type paysimRow struct {
	Step     int
	Type     string
	Amount   float64
	NameOrig string
	NameDest string
	IsFraud  bool
}

// detectContext mirrors Kestrel's TransactionContext wire shape for the
// fields the dataset can populate.
type detectContext struct {
	Amount    *float64 `json:"amount,omitempty"`
	Currency  *string  `json:"currency,omitempty"`
	HourOfDay *int     `json:"hourOfDay,omitempty"`
	DayOfWeek *int     `json:"dayOfWeek,omitempty"`
}

type detectRequest struct {
	TxID    string        `json:"txId,omitempty"`
	TxType  string        `json:"txType,omitempty"`
	UserID  string        `json:"userId,omitempty"`
	Context detectContext `json:"context"`
}

type detectResponse struct {
	TxID         string  `json:"txId"`
	HighestScore float64 `json:"highestScore"`
	HasCritical  bool    `json:"hasCritical"`
	Persisted    int     `json:"persisted"`
}

// tally is the shared confusion matrix, updated atomically by workers.
type tally struct {
	tp, fp, tn, fn int64
	fraud, clean   int64
	errors         int64
	processed      int64
}

func main() {
	var opts options
	flag.StringVar(&opts.csvPath, "csv", "", "Path to PaySim CSV file")
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8080", "Kestrel base URL")
	flag.StringVar(&opts.tenantID, "tenant", "benchmark-test", "Tenant ID for requests")
	flag.IntVar(&opts.limit, "limit", 10000, "Maximum transactions to replay (0 = all)")
	flag.IntVar(&opts.workers, "workers", 10, "Concurrent request workers")
	flag.BoolVar(&opts.fraudOnly, "fraud-only", false, "Replay only fraud-labeled rows")
	flag.Float64Var(&opts.sampleRate, "sample", 1.0, "Sample rate for non-fraud rows (0.0-1.0)")
	flag.Float64Var(&opts.scoreThreshold, "score-threshold", 0, "Predict fraud when highestScore >= threshold (0 = use hasCritical)")
	flag.BoolVar(&opts.verbose, "verbose", false, "Print one line per transaction")
	flag.Parse()

	if opts.csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println()
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("🦅 Kestrel benchmark: PaySim replay")
	fmt.Printf("   csv=%s url=%s tenant=%s workers=%d limit=%d sample=%.2f\n\n",
		opts.csvPath, opts.baseURL, opts.tenantID, opts.workers, opts.limit, opts.sampleRate)

	if err := waitHealthy(opts.baseURL); err != nil {
		fmt.Printf("Kestrel is not reachable at %s: %v\n", opts.baseURL, err)
		fmt.Println("Start it with: go run cmd/kestrel/main.go")
		os.Exit(1)
	}

	rows, err := loadPaySim(opts)
	if err != nil {
		fmt.Printf("failed to read %s: %v\n", opts.csvPath, err)
		os.Exit(1)
	}

	var fraud int
	for _, r := range rows {
		if r.IsFraud {
			fraud++
		}
	}
	fmt.Printf("loaded %d rows (%d fraud, %d clean)\n\n", len(rows), fraud, len(rows)-fraud)

	started := time.Now()
	m, latencies := replay(rows, opts)
	report(m, latencies, time.Since(started))
}

func waitHealthy(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// loadPaySim reads the CSV, honoring -limit, -fraud-only, and -sample.
// Column positions come from the header, so variant exports still parse.
func loadPaySim(opts options) ([]paysimRow, error) {
	f, err := os.Open(opts.csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(name)] = i
	}
	for _, required := range []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csv is missing column %q", required)
		}
	}

	var rows []paysimRow
	cleanSeen := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // tolerate malformed rows
		}

		isFraud := rec[col["isfraud"]] == "1"
		if opts.fraudOnly && !isFraud {
			continue
		}
		if !isFraud && opts.sampleRate < 1.0 {
			cleanSeen++
			if float64(cleanSeen%100)/100.0 >= opts.sampleRate {
				continue
			}
		}

		step, _ := strconv.Atoi(rec[col["step"]])
		amount, _ := strconv.ParseFloat(rec[col["amount"]], 64)

		rows = append(rows, paysimRow{
			Step:     step,
			Type:     rec[col["type"]],
			Amount:   amount,
			NameOrig: rec[col["nameorig"]],
			NameDest: rec[col["namedest"]],
			IsFraud:  isFraud,
		})
		if opts.limit > 0 && len(rows) >= opts.limit {
			break
		}
	}
	return rows, nil
}

// replay pushes every row through a worker pool and returns the tally
// plus per-request latencies for percentile reporting.
func replay(rows []paysimRow, opts options) (*tally, []time.Duration) {
	m := &tally{}
	work := make(chan paysimRow, 2*opts.workers)

	latMu := sync.Mutex{}
	latencies := make([]time.Duration, 0, len(rows))

	var wg sync.WaitGroup
	for w := 0; w < opts.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				began := time.Now()
				resp, err := score(client, opts, row)
				took := time.Since(began)

				latMu.Lock()
				latencies = append(latencies, took)
				latMu.Unlock()

				atomic.AddInt64(&m.processed, 1)
				if err != nil {
					atomic.AddInt64(&m.errors, 1)
					if opts.verbose {
						fmt.Printf("ERR  %-12s %v\n", row.NameOrig, err)
					}
					continue
				}

				if row.IsFraud {
					atomic.AddInt64(&m.fraud, 1)
				} else {
					atomic.AddInt64(&m.clean, 1)
				}

				predicted := resp.HasCritical
				if opts.scoreThreshold > 0 {
					predicted = resp.HighestScore >= opts.scoreThreshold
				}

				switch {
				case predicted && row.IsFraud:
					atomic.AddInt64(&m.tp, 1)
				case predicted && !row.IsFraud:
					atomic.AddInt64(&m.fp, 1)
				case !predicted && row.IsFraud:
					atomic.AddInt64(&m.fn, 1)
				default:
					atomic.AddInt64(&m.tn, 1)
				}

				if opts.verbose {
					mark := "ok  "
					if predicted != row.IsFraud {
						mark = "MISS"
					}
					fmt.Printf("%s %-12s %-8s $%12.2f fraud=%-5v score=%6.2f critical=%v\n",
						mark, row.NameOrig, row.Type, row.Amount, row.IsFraud,
						resp.HighestScore, resp.HasCritical)
				}
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)
	wg.Wait()

	return m, latencies
}

// score posts one row to /detect. PaySim steps are simulation hours, so
// hour-of-day and day-of-week derive from the step and feed the
// seasonal detector.
func score(client *http.Client, opts options, row paysimRow) (*detectResponse, error) {
	hour := row.Step % 24
	dow := (row.Step / 24) % 7
	currency := "USD"

	body, err := json.Marshal(detectRequest{
		TxID:   fmt.Sprintf("paysim-%s-%d", row.NameOrig, row.Step),
		TxType: row.Type,
		UserID: row.NameOrig,
		Context: detectContext{
			Amount:    &row.Amount,
			Currency:  &currency,
			HourOfDay: &hour,
			DayOfWeek: &dow,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, opts.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", opts.tenantID)

	httpResp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", httpResp.StatusCode)
	}

	var out detectResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func report(m *tally, latencies []time.Duration, elapsed time.Duration) {
	precision, recall, f1 := 0.0, 0.0, 0.0
	if m.tp+m.fp > 0 {
		precision = float64(m.tp) / float64(m.tp+m.fp)
	}
	if m.tp+m.fn > 0 {
		recall = float64(m.tp) / float64(m.tp+m.fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	accuracy := 0.0
	if total := m.tp + m.fp + m.tn + m.fn; total > 0 {
		accuracy = float64(m.tp+m.tn) / float64(total)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Println("\n=== results ===")
	fmt.Printf("processed %d rows in %v (%d errors)\n",
		m.processed, elapsed.Round(time.Millisecond), m.errors)
	fmt.Printf("labels: %d fraud / %d clean\n\n", m.fraud, m.clean)

	fmt.Println("confusion matrix (rows = actual, cols = predicted critical/clean):")
	fmt.Printf("  fraud  %8d %8d\n", m.tp, m.fn)
	fmt.Printf("  clean  %8d %8d\n\n", m.fp, m.tn)

	fmt.Printf("precision %.4f   recall %.4f   f1 %.4f   accuracy %.4f\n",
		precision, recall, f1, accuracy)
	if m.fraud > 0 {
		fmt.Printf("fraud caught: %d/%d (%.1f%%), missed: %d\n",
			m.tp, m.fraud, 100*float64(m.tp)/float64(m.fraud), m.fn)
	}
	if m.clean > 0 {
		fmt.Printf("false alarms: %d/%d (%.2f%%)\n",
			m.fp, m.clean, 100*float64(m.fp)/float64(m.clean))
	}

	if len(latencies) > 0 {
		fmt.Printf("\nlatency p50=%v p95=%v p99=%v max=%v, throughput %.1f tx/s\n",
			percentile(latencies, 0.50).Round(time.Millisecond),
			percentile(latencies, 0.95).Round(time.Millisecond),
			percentile(latencies, 0.99).Round(time.Millisecond),
			latencies[len(latencies)-1].Round(time.Millisecond),
			float64(m.processed)/elapsed.Seconds(),
		)
	}

	switch {
	case recall >= 0.9:
		fmt.Println("\nrecall is excellent; most fraud is being caught")
	case recall >= 0.5:
		fmt.Println("\nrecall is moderate; a meaningful share of fraud is missed")
	default:
		fmt.Println("\nrecall is poor; most fraud is being missed")
	}
	if precision < 0.2 && m.fp > 0 {
		fmt.Println("precision is very low; alerts are mostly false alarms")
	}
}
