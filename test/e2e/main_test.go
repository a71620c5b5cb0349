package e2e

import (
	"os"
	"os/exec"
	"testing"
)

var formsyncBin string

func TestMain(m *testing.M) {
	formsyncBin = envOrLookPath("FORMSYNC_BIN", "formsync")
	os.Exit(m.Run())
}

func envOrLookPath(envVar, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return ""
}

func requireFormsync(t *testing.T) {
	t.Helper()
	if formsyncBin == "" {
		t.Skip("formsync binary not available (set FORMSYNC_BIN or add to PATH)")
	}
}
