package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/go/osx"
	"github.com/m-lab/go/prometheusx/promtest"
	"github.com/m-lab/go/rtx"
)

func setupMain(t *testing.T) func() {
	cleanups := []func(){}
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.yaml")
	rtx.Must(os.WriteFile(settings, []byte("throttlingMethod: provided\n"), 0644), "Could not write settings")

	// Set up the command-line args via environment variables:
	for _, ev := range []struct{ key, value string }{
		{"ADDR", ":0"},
		{"PROMETHEUSX_LISTEN_ADDRESS", ":0"},
		{"DATADIR", dir},
		{"SETTINGS", settings},
		{"LOG_LEVEL", "debug"},
	} {
		cleanups = append(cleanups, osx.MustSetenv(ev.key, ev.value))
	}
	return func() {
		for _, f := range cleanups {
			f()
		}
	}
}

func Test_ContextCancelsMain(t *testing.T) {
	cleanup := setupMain(t)
	defer cleanup()

	// Set up the global context for main()
	ctx, cancel = context.WithCancel(context.Background())

	// Run main, but cancel it very soon after starting.
	go func() {
		time.Sleep(1 * time.Second)
		cancel()
	}()
	// If this doesn't run forever, then canceling the context causes main to exit.
	main()
}

func TestMetrics(t *testing.T) {
	promtest.LintMetrics(t)
}
