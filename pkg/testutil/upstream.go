// Package testutil provides fake upstream providers for package tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MarketsPayload is a /coins/markets response for three coins, deliberately
// not in market-cap order.
const MarketsPayload = `[
  {"id":"pepe","symbol":"pepe","name":"Pepe","image":"https://img/pepe.png","current_price":0.0000123,
   "price_change_24h":-0.0000001,"price_change_percentage_24h":-1.2,"price_change_percentage_7d_in_currency":4.5,
   "market_cap":5200000000,"total_volume":800000000,"last_updated":"2024-05-01T12:00:00.000Z"},
  {"id":"dogecoin","symbol":"doge","name":"Dogecoin","image":"https://img/doge.png","current_price":"0.1523",
   "price_change_24h":0.004,"price_change_percentage_24h":2.7,"price_change_percentage_7d_in_currency":null,
   "market_cap":22000000000,"total_volume":null,"last_updated":"2024-05-01T12:00:00.000Z"},
  {"id":"bonk","symbol":"bonk","name":"Bonk","image":"https://img/bonk.png","current_price":0.000025,
   "price_change_24h":0.0000002,"price_change_percentage_24h":0.8,
   "market_cap":null,"total_volume":120000000,"last_updated":"2024-05-01T12:00:00.000Z"}
]`

// CoinPayload is a /coins/dogecoin response.
const CoinPayload = `{
  "id":"dogecoin","symbol":"doge","name":"Dogecoin",
  "image":{"large":"https://img/doge-large.png"},
  "description":{"en":"Dogecoin is a cryptocurrency based on a meme."},
  "market_data":{
    "current_price":{"usd":0.1523},
    "price_change_24h":0.004,
    "price_change_percentage_24h":2.7,
    "price_change_percentage_7d":-3.1,
    "market_cap":{"usd":22000000000},
    "total_volume":{"usd":900000000},
    "circulating_supply":144000000000,
    "total_supply":null,
    "max_supply":null,
    "last_updated":"2024-05-01T12:00:00.000Z"
  }
}`

// TrendingPayload is a /search/trending response.
const TrendingPayload = `{"coins":[
  {"item":{"id":"bonk","name":"Bonk","symbol":"bonk","market_cap_rank":60,"large":"https://img/bonk.png",
    "data":{"price_change_percentage_24h":{"usd":12.5}}}},
  {"item":{"id":"floki","name":"FLOKI","symbol":"floki","market_cap_rank":80,"large":"https://img/floki.png"}}
]}`

// GlobalPayload is a /global response.
const GlobalPayload = `{"data":{
  "active_cryptocurrencies":13000,"markets":1000,
  "total_market_cap":{"usd":2400000000000},"total_volume":{"usd":90000000000},
  "market_cap_percentage":{"btc":52.1,"eth":16.9},
  "market_cap_change_percentage_24h_usd":1.3
}}`

// SearchPayload is a /search response.
const SearchPayload = `{"coins":[
  {"id":"dogwifcoin","name":"dogwifhat","symbol":"WIF","market_cap_rank":45,"large":"https://img/wif.png"},
  {"id":"book-of-meme","name":"BOOK OF MEME","symbol":"BOME","market_cap_rank":150,"large":"https://img/bome.png"}
]}`

// FakeCoinGecko is an httptest server speaking the subset of the CoinGecko
// API the gateway uses. Status and delay can be changed while running.
type FakeCoinGecko struct {
	Server *httptest.Server

	mu       sync.Mutex
	status   int
	delay    time.Duration
	bodies   map[string]string
	lastKey  string
	calls    map[string]int
	total    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewFakeCoinGecko starts a fake server that is closed with the test.
func NewFakeCoinGecko(t testing.TB) *FakeCoinGecko {
	t.Helper()
	f := &FakeCoinGecko{
		status: http.StatusOK,
		bodies: map[string]string{
			"/coins/markets":   MarketsPayload,
			"/coins/dogecoin":  CoinPayload,
			"/search/trending": TrendingPayload,
			"/global":          GlobalPayload,
			"/search":          SearchPayload,
		},
		calls: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeCoinGecko) serve(w http.ResponseWriter, r *http.Request) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	f.total.Add(1)

	path := strings.TrimPrefix(r.URL.Path, "/api/v3")

	f.mu.Lock()
	f.calls[path]++
	f.lastKey = r.Header.Get("x-cg-demo-api-key")
	status, delay := f.status, f.delay
	body, ok := f.bodies[path]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"fake failure"}`))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"coin not found"}`))
		return
	}
	w.Write([]byte(body))
}

// URL returns the server base URL.
func (f *FakeCoinGecko) URL() string {
	return f.Server.URL
}

// SetStatus makes every following request answer with status.
func (f *FakeCoinGecko) SetStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// SetDelay delays every following response.
func (f *FakeCoinGecko) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// SetBody replaces the payload served for path.
func (f *FakeCoinGecko) SetBody(path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[path] = body
}

// Calls returns how many requests hit path.
func (f *FakeCoinGecko) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

// Total returns the number of requests served.
func (f *FakeCoinGecko) Total() int {
	return int(f.total.Load())
}

// PeakInFlight returns the highest observed request concurrency.
func (f *FakeCoinGecko) PeakInFlight() int {
	return int(f.peak.Load())
}

// LastAPIKey returns the demo API key header of the latest request.
func (f *FakeCoinGecko) LastAPIKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastKey
}
