package sysutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetLogLevel(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"  DeBuG  ", zerolog.DebugLevel}, // case + trim
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel}, // empty -> info
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel}, // alias
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"trace", zerolog.TraceLevel},
		{"unknown", zerolog.InfoLevel}, // default
	}

	for _, tc := range cases {
		applied := SetLogLevel(tc.in)
		if got := zerolog.GlobalLevel(); got != tc.want || applied != tc.want {
			t.Fatalf("SetLogLevel(%q) -> %v (returned %v); want %v", tc.in, got, applied, tc.want)
		}
	}
}

func TestSetupLogging_FileSink(t *testing.T) {
	origLogger, origLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = origLogger
		zerolog.SetGlobalLevel(origLevel)
	})

	path := filepath.Join(t.TempDir(), "app.log")
	closer := SetupLogging(LogOptions{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1})

	log.Info().Str("component", "test").Msg("hello file")
	log.Debug().Msg("filtered")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	got := string(b)
	if !strings.Contains(got, `"message":"hello file"`) || !strings.Contains(got, `"component":"test"`) {
		t.Fatalf("log file missing entry: %s", got)
	}
	if strings.Contains(got, "filtered") {
		t.Fatalf("debug entry should be filtered at info level: %s", got)
	}
}

func TestSetupLogging_NoFile(t *testing.T) {
	origLogger, origLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = origLogger
		zerolog.SetGlobalLevel(origLevel)
	})

	closer := SetupLogging(LogOptions{Level: "warn", Pretty: true})
	if err := closer.Close(); err != nil {
		t.Fatalf("nop closer returned %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("level = %v", zerolog.GlobalLevel())
	}
}
