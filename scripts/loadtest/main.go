// Script loadtest pushes a high volume of job creations to benchmark the
// API's ingestion path.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultJobCount    = 50000
	defaultConcurrency = 100
	maxHTTPRetries     = 3
)

func main() {
	apiURL := getEnv("API_URL", "http://localhost:8080")
	jobCount := defaultJobCount
	concurrency := defaultConcurrency

	fmt.Printf("=== Laundry API Load Test ===\n")
	fmt.Printf("Target:      %s\n", apiURL)
	fmt.Printf("Total Jobs:  %d\n", jobCount)
	fmt.Printf("Concurrency: %d\n\n", concurrency)

	ctx := context.Background()
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        concurrency * 2,
			MaxIdleConnsPerHost: concurrency * 2,
			MaxConnsPerHost:     concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	var (
		createSuccess int64
		createFail    int64
		httpRetries   int64
		wg            sync.WaitGroup
		sem           = make(chan struct{}, concurrency)
	)

	serviceTypes := []string{"wash", "wash_fold", "wash_fold_iron", "shoes", "sewing", "other"}
	prices := map[string]float64{
		"wash": 1.50, "fold": 2.00, "iron": 2.50, "pickup": 5.00,
		"shoes": 8.00, "sewing": 6.00, "other": 10.00,
	}

	start := time.Now()

	for i := 0; i < jobCount; i++ {
		wg.Add(1)
		sem <- struct{}{}

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			reqBody, _ := json.Marshal(map[string]any{
				"client": map[string]string{
					"name":  fmt.Sprintf("Load Client %d", idx),
					"email": fmt.Sprintf("load%d@example.com", idx),
				},
				"provider": map[string]any{
					"owner_id": fmt.Sprintf("washer-%d", idx%50),
					"prices":   prices,
				},
				"service_type":   serviceTypes[idx%len(serviceTypes)],
				"weight":         float64(3 + idx%20),
				"include_pickup": idx%2 == 0,
			})

			// Retry HTTP request on transient server errors.
			var lastErr error
			for attempt := 0; attempt <= maxHTTPRetries; attempt++ {
				if attempt > 0 {
					atomic.AddInt64(&httpRetries, 1)
					time.Sleep(time.Duration(attempt*50) * time.Millisecond)
				}

				req, err := http.NewRequestWithContext(ctx, "POST", apiURL+"/api/v1/jobs", bytes.NewReader(reqBody))
				if err != nil {
					lastErr = err
					continue
				}
				req.Header.Set("Content-Type", "application/json")

				resp, err := httpClient.Do(req)
				if err != nil {
					lastErr = err
					continue
				}

				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				if resp.StatusCode == http.StatusCreated {
					atomic.AddInt64(&createSuccess, 1)
					lastErr = nil
					break
				}

				lastErr = fmt.Errorf("status %d", resp.StatusCode)
				if resp.StatusCode < 500 {
					break
				}
			}

			if lastErr != nil {
				atomic.AddInt64(&createFail, 1)
			}

			count := atomic.LoadInt64(&createSuccess) + atomic.LoadInt64(&createFail)
			if count%10000 == 0 {
				elapsed := time.Since(start)
				rate := float64(count) / elapsed.Seconds() * 60
				fmt.Printf("  Progress: %d/%d jobs created (%.0f jobs/min)\n", count, jobCount, rate)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("\n=== Results ===\n")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Created:      %d / %d\n", createSuccess, jobCount)
	fmt.Printf("Failures:     %d\n", createFail)
	fmt.Printf("HTTP Retries: %d\n", httpRetries)
	fmt.Printf("Throughput:   %.0f jobs/min\n", float64(createSuccess)/elapsed.Seconds()*60)

	if createFail > 0 {
		fmt.Printf("\nWARNING: %d jobs failed to create\n", createFail)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
