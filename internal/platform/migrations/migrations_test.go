package migrations

import (
	"io"
	"os"
	"strings"
	"testing"
)

func TestSourceListsInitialMigration(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	first, err := src.First()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first != 1 {
		t.Fatalf("first version = %d, want 1", first)
	}

	r, _, err := src.ReadUp(first)
	if err != nil {
		t.Fatalf("read up: %v", err)
	}
	defer r.Close()
	body, _ := io.ReadAll(r)

	for _, table := range []string{
		"users", "trades", "polls", "poll_responses", "educational_content",
		"market_data_cache", "subscriptions", "portfolio_holdings",
	} {
		if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("schema is missing table %s", table)
		}
	}

	down, _, err := src.ReadDown(first)
	if err != nil {
		t.Fatalf("read down: %v", err)
	}
	down.Close()
}

func TestUpIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	if err := Up(dsn); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := Up(dsn); err != nil {
		t.Fatalf("second up should be a no-op: %v", err)
	}
	v, dirty, err := Version(dsn)
	if err != nil || dirty || v < 1 {
		t.Fatalf("version = %d dirty=%v err=%v", v, dirty, err)
	}
}
