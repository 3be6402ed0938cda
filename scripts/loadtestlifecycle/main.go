// Script loadtestlifecycle drives full job lifecycles concurrently: create,
// accept, start, complete. It exercises the admission ceiling and the state
// machine's compare-and-swap paths under contention.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boardwalkclay1/laundry-bubbles/pkg/client"
)

const (
	defaultLifecycles  = 2000
	defaultConcurrency = 50
	providerCount      = 20
)

func main() {
	apiURL := getEnv("API_URL", "http://localhost:8080")
	lifecycles := defaultLifecycles
	concurrency := defaultConcurrency

	fmt.Printf("=== Laundry Lifecycle Load Test ===\n")
	fmt.Printf("Target:      %s\n", apiURL)
	fmt.Printf("Lifecycles:  %d\n", lifecycles)
	fmt.Printf("Concurrency: %d\n", concurrency)
	fmt.Printf("Providers:   %d (5 active jobs each)\n\n", providerCount)

	c := client.New(apiURL)
	ctx := context.Background()

	prices := client.Prices{
		Wash: 1.50, Fold: 2.00, Iron: 2.50, Pickup: 5.00,
		Shoes: 8.00, Sewing: 6.00, Other: 10.00,
	}

	var (
		completed        int64
		capacityRejected int64
		failed           int64
		wg               sync.WaitGroup
		sem              = make(chan struct{}, concurrency)
	)

	start := time.Now()

	for i := 0; i < lifecycles; i++ {
		wg.Add(1)
		sem <- struct{}{}

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			providerID := fmt.Sprintf("washer-%d", idx%providerCount)
			j, err := c.CreateJob(ctx, &client.CreateJobRequest{
				Client: client.ClientInfo{
					Name:  fmt.Sprintf("Client %d", idx),
					Email: fmt.Sprintf("lifecycle%d@example.com", idx),
				},
				Provider:    client.Provider{OwnerID: providerID, Prices: prices},
				ServiceType: "wash_fold",
				Weight:      float64(3 + idx%15),
			})
			if err != nil {
				atomic.AddInt64(&failed, 1)
				return
			}

			// With far more concurrent lifecycles than provider slots, a
			// share of accepts must bounce off the admission ceiling.
			if _, err := c.Accept(ctx, j.ID, providerID); err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Code == "capacity_exceeded" {
					atomic.AddInt64(&capacityRejected, 1)
					return
				}
				atomic.AddInt64(&failed, 1)
				return
			}

			if _, err := c.Start(ctx, j.ID); err != nil {
				atomic.AddInt64(&failed, 1)
				return
			}
			if _, err := c.Complete(ctx, j.ID); err != nil {
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&completed, 1)
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("=== Results ===\n")
	fmt.Printf("Duration:          %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Completed:         %d / %d\n", completed, lifecycles)
	fmt.Printf("Capacity Rejected: %d (expected under contention)\n", capacityRejected)
	fmt.Printf("Failed:            %d\n", failed)
	fmt.Printf("Throughput:        %.0f lifecycles/min\n", float64(completed)/elapsed.Seconds()*60)

	if failed > 0 {
		fmt.Printf("\nWARNING: %d lifecycles failed unexpectedly\n", failed)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
