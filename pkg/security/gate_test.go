package security

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/restflow/restflow/pkg/storage"
)

func openTestGate(t *testing.T, policy Policy) *Gate {
	t.Helper()
	engine, err := storage.OpenEngine(filepath.Join(t.TempDir(), "restflow.db"), nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	gate, err := Open(context.Background(), engine, policy)
	if err != nil {
		t.Fatalf("open gate: %v", err)
	}
	return gate
}

func TestBlocklistWinsOverAllowlist(t *testing.T) {
	gate := openTestGate(t, Policy{
		Blocklist: []Rule{{Pattern: "rm"}},
		Allowlist: []Rule{{Pattern: "*"}},
		Default:   DefaultAllow,
	})

	decision, err := gate.CheckCommand(context.Background(), "rm -rf /", "t1", "a1", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed || decision.RequiresApproval {
		t.Fatalf("expected blocked, got %+v", decision)
	}
}

func TestAllowlistShortCircuitsApproval(t *testing.T) {
	gate := openTestGate(t, Policy{
		Allowlist:        []Rule{{Pattern: "ls"}},
		ApprovalRequired: []Rule{{Pattern: "*"}},
		Default:          DefaultDeny,
	})

	decision, err := gate.CheckCommand(context.Background(), "ls -la", "t1", "a1", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowlist to win, got %+v", decision)
	}
}

func TestPathPatternMatchesCanonicalPath(t *testing.T) {
	gate := openTestGate(t, Policy{
		Blocklist: []Rule{{Pattern: "/usr/bin/*"}},
		Default:   DefaultAllow,
	})

	decision, err := gate.CheckCommand(context.Background(), "/usr/bin/curl http://x", "t1", "a1", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected path pattern block, got %+v", decision)
	}

	// A bare pattern matches the basename.
	gate2 := openTestGate(t, Policy{
		Blocklist: []Rule{{Pattern: "curl"}},
		Default:   DefaultAllow,
	})
	decision, err = gate2.CheckCommand(context.Background(), "/usr/bin/curl http://x", "t1", "a1", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected basename block, got %+v", decision)
	}
}

func TestDefaultActions(t *testing.T) {
	deny := openTestGate(t, Policy{Default: DefaultDeny})
	decision, err := deny.CheckCommand(context.Background(), "anything", "t1", "a1", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected default deny")
	}

	allow := openTestGate(t, Policy{Default: DefaultAllow})
	decision, err = allow.CheckCommand(context.Background(), "anything", "t1", "a1", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected default allow")
	}
}

func TestApprovalLifecycle(t *testing.T) {
	gate := openTestGate(t, Policy{Default: DefaultRequireApproval})
	ctx := context.Background()

	decision, err := gate.CheckCommand(ctx, "deploy prod", "t1", "a1", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.RequiresApproval || decision.ApprovalID == "" {
		t.Fatalf("expected approval required, got %+v", decision)
	}

	rec, found, err := gate.GetApproval(ctx, decision.ApprovalID)
	if err != nil || !found {
		t.Fatalf("expected persisted approval: %v found=%v", err, found)
	}
	if rec.Status != StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}

	if err := gate.Approve(ctx, decision.ApprovalID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := gate.Consume(ctx, decision.ApprovalID); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// A consumed approval cannot be consumed twice.
	if err := gate.Consume(ctx, decision.ApprovalID); err == nil {
		t.Fatal("expected double consume to fail")
	}
}

func TestRejectedApprovalIsTerminal(t *testing.T) {
	gate := openTestGate(t, Policy{Default: DefaultRequireApproval})
	ctx := context.Background()

	decision, err := gate.CheckCommand(ctx, "drop database", "t1", "a1", "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := gate.Reject(ctx, decision.ApprovalID, "too risky"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// Neither a second transition nor a consume is possible.
	if err := gate.Approve(ctx, decision.ApprovalID); err == nil {
		t.Fatal("expected approve after reject to fail")
	}
	if err := gate.Consume(ctx, decision.ApprovalID); err == nil {
		t.Fatal("expected consume after reject to fail")
	}

	rec, _, err := gate.GetApproval(ctx, decision.ApprovalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusRejected || rec.Reason != "too risky" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestCheckToolActionUsesPatternString(t *testing.T) {
	gate := openTestGate(t, Policy{
		Blocklist: []Rule{{Pattern: "http:delete *"}},
		Default:   DefaultAllow,
	})

	decision, err := gate.CheckToolAction(context.Background(), "http", "delete", "https://example.com/x", "DELETE request", "a1", "t1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected tool action block, got %+v", decision)
	}

	decision, err = gate.CheckToolAction(context.Background(), "http", "get", "https://example.com/x", "GET request", "a1", "t1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected get allowed, got %+v", decision)
	}
}

func TestListByTask(t *testing.T) {
	gate := openTestGate(t, Policy{Default: DefaultRequireApproval})
	ctx := context.Background()

	if _, err := gate.CheckCommand(ctx, "one", "task-1", "a1", ""); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := gate.CheckCommand(ctx, "two", "task-1", "a1", ""); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := gate.CheckCommand(ctx, "other", "task-2", "a1", ""); err != nil {
		t.Fatalf("check: %v", err)
	}

	approvals, err := gate.ListByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(approvals) != 2 {
		t.Fatalf("expected 2 approvals for task-1, got %d", len(approvals))
	}
}
