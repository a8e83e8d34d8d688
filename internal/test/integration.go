package test

import (
	"os"
	"testing"
)

// Integration skips the test unless integration tests are enabled with TESTCLUSTER_INTEGRATION=1.
// Integration tests need a Docker daemon.
func Integration(t *testing.T) {
	if os.Getenv("TESTCLUSTER_INTEGRATION") != "1" {
		t.Skip("skipping integration test, set TESTCLUSTER_INTEGRATION=1 to run it")
	}
}
