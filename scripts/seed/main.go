// Script seed pushes sample jobs through the API for development.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/boardwalkclay1/laundry-bubbles/pkg/client"
)

func main() {
	apiURL := getEnv("API_URL", "http://localhost:8080")
	c := client.New(apiURL)
	ctx := context.Background()

	prices := client.Prices{
		Wash:   1.50,
		Fold:   2.00,
		Iron:   2.50,
		Pickup: 5.00,
		Shoes:  8.00,
		Sewing: 6.00,
		Other:  10.00,
	}
	providers := []client.Provider{
		{OwnerID: "washer-ana", DisplayName: "Ana's Laundry", Prices: prices},
		{OwnerID: "washer-ben", DisplayName: "Spin City", Prices: prices},
	}
	serviceTypes := []string{"wash", "wash_fold", "wash_fold_iron", "shoes", "sewing"}

	var seeded []*client.JobResponse
	for i := 0; i < 10; i++ {
		resp, err := c.CreateJob(ctx, &client.CreateJobRequest{
			Client: client.ClientInfo{
				Name:  fmt.Sprintf("Client %d", i),
				Email: fmt.Sprintf("client%d@example.com", i),
			},
			Provider:      providers[i%len(providers)],
			ServiceType:   serviceTypes[i%len(serviceTypes)],
			Weight:        float64(5 + i),
			IncludePickup: i%2 == 0,
			Tip:           float64(i % 4),
		})
		if err != nil {
			log.Printf("failed to create job %d: %v", i, err)
			continue
		}
		seeded = append(seeded, resp)
		fmt.Printf("created job %s (service=%s total=%.2f)\n", resp.ID, resp.ServiceType, resp.Total)
	}

	// Walk a few jobs through the lifecycle so dashboards show every state.
	for i, j := range seeded {
		if i >= 4 {
			break
		}
		provider := providers[i%len(providers)]
		if _, err := c.Accept(ctx, j.ID, provider.OwnerID); err != nil {
			log.Printf("failed to accept job %s: %v", j.ID, err)
			continue
		}
		fmt.Printf("accepted job %s (provider=%s)\n", j.ID, provider.OwnerID)

		if i >= 2 {
			continue
		}
		if _, err := c.Start(ctx, j.ID); err != nil {
			log.Printf("failed to start job %s: %v", j.ID, err)
			continue
		}
		if _, err := c.Complete(ctx, j.ID); err != nil {
			log.Printf("failed to complete job %s: %v", j.ID, err)
			continue
		}
		fmt.Printf("completed job %s\n", j.ID)
	}

	fmt.Printf("\nseed complete: %d jobs\n", len(seeded))
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
