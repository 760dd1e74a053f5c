package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the load generator settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	hotRefs     int
)

// Metrics
var (
	totalRequests uint64
	acked         uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "unique", "Workload type: unique | duplicate")
	flag.IntVar(&hotRefs, "hot-refs", 5, "Distinct receipts in the duplicate workload")
}

func main() {
	flag.Parse()
	log.Printf("Starting Load: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, i, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, id int, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 10 * time.Second}
	rng := rand.New(rand.NewSource(int64(id)*7919 + start.UnixNano()))

	for seq := 0; time.Since(start) < duration; seq++ {
		var transID string
		if workload == "duplicate" {
			// Every worker replays the same few receipts; the engine must
			// converge on one ledger row per receipt.
			transID = fmt.Sprintf("LOAD%06d", rng.Intn(hotRefs))
		} else {
			transID = fmt.Sprintf("LOAD%03d%08d", id, seq)
		}

		payload := map[string]string{
			"TransactionType":   "Pay Bill",
			"TransID":           transID,
			"TransTime":         time.Now().Format("20060102150405"),
			"TransAmount":       "100.00",
			"BusinessShortCode": "600000",
			"BillRefNumber":     fmt.Sprintf("POL%06d", rng.Intn(1000)+1),
			"MSISDN":            fmt.Sprintf("2547%08d", rng.Intn(100000000)),
			"OrgAccountBalance": "100000.00",
		}
		body, _ := json.Marshal(payload)

		atomic.AddUint64(&totalRequests, 1)
		resp, err := client.Post(targetURL+"/callbacks/c2b/confirmation", "application/json", bytes.NewReader(body))
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		var ack struct {
			ResultCode int `json:"ResultCode"`
		}
		err = json.NewDecoder(resp.Body).Decode(&ack)
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK || ack.ResultCode != 0 {
			// The engine promises a fixed success ack no matter what;
			// anything else is a defect worth counting.
			atomic.AddUint64(&failOther, 1)
			continue
		}
		atomic.AddUint64(&acked, 1)
	}
}

func printResults(elapsed time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	fmt.Println("--- Results ---")
	fmt.Printf("Elapsed:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Total sent:     %d (%.0f req/s)\n", total, float64(total)/elapsed.Seconds())
	fmt.Printf("Acked (fixed):  %d\n", atomic.LoadUint64(&acked))
	fmt.Printf("Failures:       %d\n", atomic.LoadUint64(&failOther))
	if workload == "duplicate" {
		fmt.Printf("Distinct receipts sent: %d — verify payment_ledger_entries has at most that many LOAD%% rows.\n", hotRefs)
	}
}
