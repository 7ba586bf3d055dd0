package logger_test

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"versekeep/internal/logger"
)

func TestRedactsSensitiveKeys(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := logger.FromZap(zap.New(core))

	log.Info("submission accepted", "contract_id", "c1", "body", "roses are red", "jwt_token", "abc", "detail", map[string]any{"secret": "x", "version": 2})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["contract_id"] != "c1" {
		t.Fatalf("contract_id altered: %v", fields["contract_id"])
	}
	if fields["body"] != "[REDACTED]" || fields["jwt_token"] != "[REDACTED]" {
		t.Fatalf("sensitive values leaked: %v", fields)
	}
	detail, ok := fields["detail"].(map[string]any)
	if !ok || detail["secret"] != "[REDACTED]" {
		t.Fatalf("nested secret leaked: %v", fields["detail"])
	}
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := logger.FromZap(zap.New(core)).With("trigger", "deadlines")
	log.Warn("contract check failed", "contract_id", "c2")
	fields := logs.All()[0].ContextMap()
	if fields["trigger"] != "deadlines" || fields["contract_id"] != "c2" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := logger.New("dev", "loud"); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := logger.New("prod", "warn"); err != nil {
		t.Fatalf("prod logger: %v", err)
	}
}
