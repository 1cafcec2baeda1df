package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/miel/pkg/api"
)

// printStatus queries a running miel process's loopback-only /status
// endpoint and renders it as a table, the same shape `miel validate`
// renders a parsed config.
func printStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return fmt.Errorf("query %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: unexpected status %s", addr, resp.Status)
	}

	var body api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}

	if len(body.Services) == 0 {
		fmt.Println("no services configured")
		return nil
	}

	fmt.Printf("%-20s %-8s %-10s %-8s %-8s %s\n", "SERVICE", "READY", "SPAWNING", "TARGET", "CIRCUIT", "LAST ERROR")
	for _, svc := range body.Services {
		circuit := "closed"
		if svc.CircuitOpen {
			circuit = "OPEN"
		}
		fmt.Printf("%-20s %-8d %-10d %-8d %-8s %s\n",
			svc.Service, svc.Ready, svc.Spawning, svc.Target, circuit, svc.LastError)
	}
	return nil
}
