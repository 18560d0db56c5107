package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupEmitsCanonicalKeys(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})
	var buf bytes.Buffer
	logger := setup(&buf, "escrowd", "test")
	logger.Info("escrow created", slog.String("credential", "L1secret"), slog.String("coin", "btc"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing %q in %v", key, line)
		}
	}
	if line["severity"] != "INFO" || line["message"] != "escrow created" {
		t.Fatalf("unexpected line %v", line)
	}
	if line["credential"] != RedactedValue {
		t.Fatalf("credential leaked: %v", line["credential"])
	}
	if line["coin"] != "btc" {
		t.Fatalf("unexpected coin %v", line["coin"])
	}
}

func TestSensitiveKeys(t *testing.T) {
	for _, key := range []string{"credential", "Private_Key", "hmac_secret", "access_token", "redis_password"} {
		if !Sensitive(key) {
			t.Fatalf("%q should be sensitive", key)
		}
	}
	for _, key := range []string{"escrow", "coin", "txid", "fee_address", "tokens_total", ""} {
		if Sensitive(key) {
			t.Fatalf("%q should not be sensitive", key)
		}
	}
}

func TestHandlerRedactsSecrets(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})
	var buf bytes.Buffer
	logger := setup(&buf, "escrowd", "")
	logger.Warn("payout", slog.String("private_key", "0xdeadbeef"), slog.Group("webhook", slog.String("secret", "s3cr3t")))
	if strings.Contains(buf.String(), "deadbeef") || strings.Contains(buf.String(), "s3cr3t") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), RedactedValue) {
		t.Fatalf("expected redaction marker: %s", buf.String())
	}
}

func TestSetupWithFileWritesRotatingLog(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})
	path := filepath.Join(t.TempDir(), "escrowd.log")
	logger := SetupWithFile("escrowd", "", FileOptions{Path: path, MaxSizeMB: 1})
	logger.Warn("monitor sweep slow")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "monitor sweep slow") {
		t.Fatalf("log file missing entry: %s", data)
	}
}
