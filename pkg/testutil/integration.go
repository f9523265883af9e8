package testutil

import (
	"os"
	"testing"
)

// PostgresDSNEnv names the variable holding a disposable Postgres database
// for integration tests.
const PostgresDSNEnv = "CTGOV_TEST_POSTGRES_DSN"

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// PostgresDSN returns the integration database DSN or skips the test.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	IntegrationTest(t)
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	return dsn
}
