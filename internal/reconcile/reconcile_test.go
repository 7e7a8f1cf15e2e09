package reconcile_test

import (
	"context"
	"testing"

	"github.com/claude-slack/broker/internal/reconcile"
	"github.com/claude-slack/broker/internal/safedb"
	"github.com/claude-slack/broker/internal/schema"
	"github.com/claude-slack/broker/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := schema.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := schema.Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store.New(safedb.New(db))
}

func TestPlanCreatesMissingGlobalChannel(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	r := reconcile.New(st)

	cfg := &reconcile.Config{
		DefaultChannels: []reconcile.DefaultChannel{
			{Name: "general", Scope: reconcile.ScopeGlobal, IsDefault: true},
		},
	}

	plan, err := r.Plan(ctx, cfg, nil, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Infrastructure) != 1 {
		t.Fatalf("expected 1 infrastructure action, got %d", len(plan.Infrastructure))
	}
	if plan.Infrastructure[0].ChannelID != "global:general" {
		t.Fatalf("unexpected channel id: %s", plan.Infrastructure[0].ChannelID)
	}
}

func TestApplyThenReplanIsEmpty(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	r := reconcile.New(st)

	cfg := &reconcile.Config{
		DefaultChannels: []reconcile.DefaultChannel{
			{Name: "general", Scope: reconcile.ScopeGlobal, IsDefault: true},
		},
	}
	agents := []reconcile.AgentDescriptor{
		{AgentID: "alice", ProjectHash: "", Discoverable: store.DiscoverabilityPublic},
	}

	plan, err := r.Plan(ctx, cfg, agents, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.IsEmpty() {
		t.Fatal("expected a non-empty initial plan")
	}
	if err := r.Apply(ctx, plan); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	replan, err := r.Plan(ctx, cfg, agents, nil)
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if !replan.IsEmpty() {
		t.Fatalf("expected idempotent re-run to produce no plan, got %+v", replan)
	}
}

func TestNeverDefaultAgentExcludedFromDefaultAccess(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	r := reconcile.New(st)

	cfg := &reconcile.Config{
		DefaultChannels: []reconcile.DefaultChannel{
			{Name: "general", Scope: reconcile.ScopeGlobal, IsDefault: true},
		},
	}
	agents := []reconcile.AgentDescriptor{
		{AgentID: "bob", ProjectHash: "", NeverDefault: true},
	}

	plan, err := r.Plan(ctx, cfg, agents, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, a := range plan.DefaultAccess {
		if a.AgentID == "bob" {
			t.Fatal("expected never_default agent to be excluded from default access plan")
		}
	}
}

func TestExcludeListOverridesEligibility(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	r := reconcile.New(st)

	cfg := &reconcile.Config{
		DefaultChannels: []reconcile.DefaultChannel{
			{Name: "general", Scope: reconcile.ScopeGlobal, IsDefault: true, Exclude: []string{"carol"}},
		},
	}
	agents := []reconcile.AgentDescriptor{
		{AgentID: "carol", ProjectHash: ""},
	}

	plan, err := r.Plan(ctx, cfg, agents, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, a := range plan.DefaultAccess {
		if a.AgentID == "carol" {
			t.Fatal("expected excluded agent to be skipped")
		}
	}
}

func TestPriorOptOutIsNotReJoined(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	r := reconcile.New(st)

	if _, err := st.CreateChannel(ctx, "global:general", "general", "", "reconciler", false); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := st.AddMember(ctx, "global:general", "dave", "member"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := st.RemoveMember(ctx, "global:general", "dave"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}

	cfg := &reconcile.Config{
		DefaultChannels: []reconcile.DefaultChannel{
			{Name: "general", Scope: reconcile.ScopeGlobal, IsDefault: true},
		},
	}
	agents := []reconcile.AgentDescriptor{
		{AgentID: "dave", ProjectHash: ""},
	}

	plan, err := r.Plan(ctx, cfg, agents, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, a := range plan.DefaultAccess {
		if a.AgentID == "dave" {
			t.Fatal("expected a previously opted-out member not to be re-added by default provisioning")
		}
	}
}

func TestProjectScopedChannelUsesProjectHash(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	r := reconcile.New(st)

	cfg := &reconcile.Config{
		DefaultChannels: []reconcile.DefaultChannel{
			{Name: "standup", Scope: reconcile.ScopeProject, IsDefault: true},
		},
	}

	plan, err := r.Plan(ctx, cfg, nil, []string{"abcd1234"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Infrastructure) != 1 {
		t.Fatalf("expected 1 infrastructure action, got %d", len(plan.Infrastructure))
	}
	if plan.Infrastructure[0].ChannelID != "proj_abcd1234:standup" {
		t.Fatalf("unexpected channel id: %s", plan.Infrastructure[0].ChannelID)
	}
}
