// integration_test.go contains an end-to-end test suite for the auction API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

var (
	testServerURL string
	redisClient   *redis.Client
	testCtx       = context.Background()
)

// testAPIKey is the static API key used to authenticate integration test requests.
const testAPIKey = "test-integration-key"

// TestMain starts an in-process Redis and the HTTP server with the full
// middleware chain, then runs the tests.
func TestMain(m *testing.M) {
	mr, err := miniredis.Run()
	if err != nil {
		panic("failed to start miniredis: " + err.Error())
	}
	redisClient = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	catalog := NewCatalog(redisClient)
	ledger := NewLedger(redisClient)
	logger := testLogger()
	handler := NewHandler(catalog, ledger, redisClient, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/items", handler.itemsHandler)
	mux.HandleFunc("/items/", handler.itemHandler)
	mux.HandleFunc("/offers", handler.offersHandler)
	mux.HandleFunc("/healthz", handler.healthHandler)

	validKeys := map[string]struct{}{testAPIKey: {}}
	root := requestIDMiddleware(logger)(loggingMiddleware()(authMiddleware(validKeys)(mux)))
	srv := httptest.NewServer(root)
	testServerURL = srv.URL

	code := m.Run()

	srv.Close()
	redisClient.Close()
	mr.Close()
	os.Exit(code)
}

// authTransport injects the test API key into outgoing HTTP requests.
type authTransport struct {
	token string
	base  http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

func apiClient() *http.Client {
	return &http.Client{Transport: &authTransport{token: testAPIKey, base: http.DefaultTransport}}
}

func doJSON(t *testing.T, client *http.Client, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal %s %s body: %v", method, path, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testServerURL+path, rd)
	if err != nil {
		t.Fatalf("creating %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// TestAuctionFlowIntegration exercises the full item/offer lifecycle over
// HTTP: create, read, bid, highest-offer, update, and cascade on delete.
func TestAuctionFlowIntegration(t *testing.T) {
	if err := redisClient.FlushDB(testCtx).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	client := apiClient()

	// CREATE item with a caller-supplied id
	resp := doJSON(t, client, http.MethodPost, "/items/item1", CreateItemRequest{
		Name:  "Cap",
		Price: "$10",
	})
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST /items/item1 status %d, body: %s", resp.StatusCode, body)
	}
	var created Item
	decodeBody(t, resp, &created)
	if created.ID != "item1" || created.Name != "Cap" {
		t.Fatalf("unexpected created item: %+v", created)
	}

	// EXISTS probe
	resp = doJSON(t, client, http.MethodOptions, "/items/item1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("OPTIONS /items/item1 status %d", resp.StatusCode)
	}
	resp = doJSON(t, client, http.MethodOptions, "/items/ghost", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("OPTIONS /items/ghost status %d", resp.StatusCode)
	}

	// DUPLICATE create
	resp = doJSON(t, client, http.MethodPost, "/items/item1", CreateItemRequest{Name: "Other", Price: "$1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate POST /items/item1 status %d", resp.StatusCode)
	}

	// BID twice
	ana := decimal.RequireFromString("15.00")
	bo := decimal.RequireFromString("20.00")
	resp = doJSON(t, client, http.MethodPost, "/offers", CreateOfferRequest{
		ItemID: "item1", Name: "Ana", Email: "a@x.com", Amount: &ana,
	})
	var first Offer
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST /offers (Ana) status %d, body: %s", resp.StatusCode, body)
	}
	decodeBody(t, resp, &first)
	if first.Sequence == 0 || first.Status != StatusPending || first.ItemID != "item1" {
		t.Fatalf("unexpected stored offer: %+v", first)
	}
	resp = doJSON(t, client, http.MethodPost, "/offers", CreateOfferRequest{
		ItemID: "item1", Name: "Bo", Email: "b@x.com", Amount: &bo,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /offers (Bo) status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// OFFER against a missing item is rejected before the ledger is touched
	resp = doJSON(t, client, http.MethodPost, "/offers", CreateOfferRequest{
		ItemID: "item-missing", Name: "Ana", Email: "a@x.com", Amount: &ana,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("POST /offers (missing item) status %d", resp.StatusCode)
	}

	// OFFER with a missing field fails validation
	resp = doJSON(t, client, http.MethodPost, "/offers", CreateOfferRequest{
		ItemID: "item1", Name: "Ana", Amount: &ana,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /offers (no email) status %d", resp.StatusCode)
	}

	// HIGHEST offer
	resp = doJSON(t, client, http.MethodGet, "/items/item1/offers/highest", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET highest status %d", resp.StatusCode)
	}
	var best Offer
	decodeBody(t, resp, &best)
	if best.Name != "Bo" || !best.Amount.Equal(bo) {
		t.Fatalf("unexpected highest offer: %+v", best)
	}

	// LIST offers for the item, insertion order
	resp = doJSON(t, client, http.MethodGet, "/items/item1/offers", nil)
	var offers []Offer
	decodeBody(t, resp, &offers)
	if len(offers) != 2 || offers[0].Name != "Ana" || offers[1].Name != "Bo" {
		t.Fatalf("unexpected offer listing: %+v", offers)
	}

	// UPDATE item
	resp = doJSON(t, client, http.MethodPut, "/items/item1", UpdateItemRequest{
		Name: "Signed cap", Description: "worn once", Price: "$99",
	})
	var updated Item
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /items/item1 status %d", resp.StatusCode)
	}
	decodeBody(t, resp, &updated)
	if updated.Name != "Signed cap" || updated.ID != "item1" {
		t.Fatalf("unexpected updated item: %+v", updated)
	}

	// LIST items
	resp = doJSON(t, client, http.MethodGet, "/items", nil)
	var items []Item
	decodeBody(t, resp, &items)
	if len(items) != 1 || items[0].Name != "Signed cap" {
		t.Fatalf("unexpected item listing: %+v", items)
	}

	// DELETE cascades to the item's offers
	resp = doJSON(t, client, http.MethodDelete, "/items/item1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE /items/item1 status %d", resp.StatusCode)
	}
	resp = doJSON(t, client, http.MethodGet, "/items/item1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET deleted item status %d", resp.StatusCode)
	}
	resp = doJSON(t, client, http.MethodGet, "/offers", nil)
	var remaining []Offer
	decodeBody(t, resp, &remaining)
	if len(remaining) != 0 {
		t.Fatalf("offers survived item deletion: %+v", remaining)
	}
}

// TestAuthAndHealthIntegration covers the ambient middleware: requests
// without a valid key are rejected, and the health probe reports storage
// reachability.
func TestAuthAndHealthIntegration(t *testing.T) {
	// no key
	resp, err := http.Get(testServerURL + "/items")
	if err != nil {
		t.Fatalf("GET /items (anonymous) error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous GET /items status %d", resp.StatusCode)
	}

	// wrong key
	bad := &http.Client{Transport: &authTransport{token: "wrong", base: http.DefaultTransport}}
	resp = doJSON(t, bad, http.MethodGet, "/items", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad-key GET /items status %d", resp.StatusCode)
	}

	// health probe with the store up
	resp = doJSON(t, apiClient(), http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status %d", resp.StatusCode)
	}
	if id := resp.Header.Get("X-Request-ID"); id == "" {
		t.Error("missing X-Request-ID response header")
	}
	resp.Body.Close()
}
