package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

var baseURL = "http://localhost:8080"

func main() {
	if v := os.Getenv("BASE_URL"); v != "" {
		baseURL = v
	}
	// Wait for server to start
	time.Sleep(2 * time.Second)

	// 1. Health Check
	checkEndpoint("GET", "/health", nil, 200)

	// 2. Seed prices for the trade day and today
	tradeDay := time.Now().UTC().AddDate(0, 0, -3).Format("2006-01-02")
	today := time.Now().UTC().Format("2006-01-02")
	checkEndpoint("POST", "/prices", map[string]string{"asset_id": "E2E", "date": tradeDay, "price": "100"}, 201)
	checkEndpoint("POST", "/prices", map[string]string{"asset_id": "E2E", "date": today, "price": "104.5"}, 201)

	// 3. Record a buy
	portfolioID := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	txID := createTransaction(portfolioID, tradeDay)
	fmt.Printf("Created Transaction ID: %s\n", txID)

	// 4. Series and analytics
	checkEndpoint("GET", "/portfolios/"+portfolioID+"/snapshots", nil, 200)
	checkEndpoint("GET", "/portfolios/"+portfolioID+"/summary?period=1W", nil, 200)
	checkEndpoint("GET", "/portfolios/"+portfolioID+"/chart?period=1M", nil, 200)
	checkEndpoint("GET", "/portfolios/"+portfolioID+"/holdings", nil, 200)
	checkEndpoint("GET", "/portfolios/"+portfolioID+"/export?period=1W&holdings=true", nil, 200)

	// 5. Tax views
	checkEndpoint("GET", "/portfolios/"+portfolioID+"/tax/exposure?method=fifo", nil, 200)
	checkEndpoint("GET", "/portfolios/"+portfolioID+"/tax/aging?lookback=400", nil, 200)

	// 6. Delete the trade
	checkEndpoint("DELETE", "/transactions/"+txID, nil, 200)

	// 7. Verify the series is gone
	checkEndpoint("GET", "/portfolios/"+portfolioID+"/summary?period=ALL", nil, 200)

	fmt.Println("ALL TESTS PASSED")
}

func checkEndpoint(method, path string, body interface{}, expectedStatus int) []byte {
	fmt.Printf("Testing %s %s...\n", method, path)
	var bodyReader io.Reader
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, _ := http.NewRequest(method, baseURL+path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != expectedStatus {
		log.Fatalf("Expected status %d, got %d. Body: %s", expectedStatus, resp.StatusCode, string(respBody))
	}
	fmt.Printf("Response: %s\n", string(respBody))
	return respBody
}

func createTransaction(portfolioID, day string) string {
	fmt.Println("Creating transaction...")
	body := checkEndpoint("POST", "/portfolios/"+portfolioID+"/transactions", map[string]string{
		"idempotency_key": fmt.Sprintf("e2e-key-%d", time.Now().UnixNano()),
		"asset_id":        "E2E",
		"type":            "buy",
		"date":            day,
		"quantity":        "10",
		"price":           "100",
		"total_amount":    "1000",
	}, 201)

	var res map[string]interface{}
	if err := json.Unmarshal(body, &res); err != nil {
		log.Fatalf("Decode create response: %v", err)
	}
	if res["recomputed"] != true {
		log.Fatalf("Snapshots were not recomputed: %s", string(body))
	}
	id, _ := res["transaction_id"].(string)
	return id
}
