package audit_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elabx-org/cloudmux/internal/audit"
)

func TestAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := audit.New(path)
	if err != nil {
		t.Fatalf("audit.New() error = %v", err)
	}
	defer logger.Close()

	logger.Log(audit.Entry{
		Action:       audit.ActionUpload,
		Workspace:    "W",
		ProviderID:   "p1",
		ProviderType: "s3",
		File:         "report.pdf",
		RemotePath:   "s3://archive/report.pdf",
		Bytes:        1024,
		DurationMs:   87,
		TriggeredBy:  "cloudmux-agent",
	})
	logger.Log(audit.Entry{Action: audit.ActionRuleCreate, Workspace: "W", RuleID: "r1"})
	logger.Log(audit.Entry{Action: audit.ActionConnect, Workspace: "X", ProviderID: "p2"})

	entries, err := logger.Query(audit.QueryOptions{Workspace: "W"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].RemotePath != "s3://archive/report.pdf" {
		t.Errorf("RemotePath = %q, want s3://archive/report.pdf", entries[0].RemotePath)
	}

	rules, err := logger.Query(audit.QueryOptions{Action: "rule."})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rules) != 1 || rules[0].RuleID != "r1" {
		t.Errorf("rule entries = %+v, want one for r1", rules)
	}
}

func TestAuditPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := audit.New(path)
	if err != nil {
		t.Fatalf("audit.New() error = %v", err)
	}
	defer logger.Close()

	logger.Log(audit.Entry{Action: audit.ActionUpload, Timestamp: time.Now().AddDate(0, 0, -40)})
	logger.Log(audit.Entry{Action: audit.ActionDisconnect})

	if err := logger.Prune(30); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	entries, err := logger.Query(audit.QueryOptions{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionDisconnect {
		t.Errorf("entries after prune = %+v", entries)
	}

	logger.Log(audit.Entry{Action: audit.ActionConnect})
	if b, _ := os.ReadFile(path); len(b) == 0 {
		t.Error("log empty after re-open")
	}
}
