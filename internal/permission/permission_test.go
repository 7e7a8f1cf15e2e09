package permission_test

import (
	"context"
	"testing"

	"github.com/claude-slack/broker/internal/identity"
	"github.com/claude-slack/broker/internal/permission"
	"github.com/claude-slack/broker/internal/safedb"
	"github.com/claude-slack/broker/internal/schema"
	"github.com/claude-slack/broker/internal/store"
)

func setup(t *testing.T) (*store.Store, *permission.Resolver) {
	t.Helper()
	db, err := schema.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := schema.Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	sdb := safedb.New(db)
	return store.New(sdb), permission.New(sdb)
}

func TestVisibleChannelsRequiresMembershipEvenForGlobal(t *testing.T) {
	ctx := context.Background()
	s, r := setup(t)

	globalID := identity.GlobalChannelID("announcements")
	projID := identity.ProjectChannelID("/repo", "dev")
	if _, err := s.CreateChannel(ctx, globalID, "announcements", "", "daemon", false); err != nil {
		t.Fatalf("CreateChannel global: %v", err)
	}
	if _, err := s.CreateChannel(ctx, projID, "dev", "hash1", "daemon", false); err != nil {
		t.Fatalf("CreateChannel proj: %v", err)
	}

	visible, err := r.VisibleChannels(ctx, "furiosa")
	if err != nil {
		t.Fatalf("VisibleChannels: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("expected no visible channels before any membership, got %v", visible)
	}

	if err := s.AddMember(ctx, globalID, "furiosa", "member"); err != nil {
		t.Fatalf("AddMember global: %v", err)
	}
	visible, err = r.VisibleChannels(ctx, "furiosa")
	if err != nil {
		t.Fatalf("VisibleChannels after global join: %v", err)
	}
	if len(visible) != 1 || visible[0] != globalID {
		t.Fatalf("expected only the joined global channel visible, got %v", visible)
	}

	if err := s.AddMember(ctx, projID, "furiosa", "member"); err != nil {
		t.Fatalf("AddMember proj: %v", err)
	}
	visible, err = r.VisibleChannels(ctx, "furiosa")
	if err != nil {
		t.Fatalf("VisibleChannels after both joins: %v", err)
	}
	if len(visible) != 2 {
		t.Fatalf("expected 2 visible channels after joining both, got %v", visible)
	}
}

func TestVisibleChannelsExcludesOptedOutGlobal(t *testing.T) {
	ctx := context.Background()
	s, r := setup(t)

	globalID := identity.GlobalChannelID("general")
	if _, err := s.CreateChannel(ctx, globalID, "general", "", "daemon", false); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := s.AddMember(ctx, globalID, "furiosa", "member"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := s.RemoveMember(ctx, globalID, "furiosa"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}

	visible, err := r.VisibleChannels(ctx, "furiosa")
	if err != nil {
		t.Fatalf("VisibleChannels: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("expected a global channel an agent opted out of to stay invisible, got %v", visible)
	}
}

func TestVisibleChannelsExcludesArchived(t *testing.T) {
	ctx := context.Background()
	s, r := setup(t)

	globalID := identity.GlobalChannelID("general")
	if _, err := s.CreateChannel(ctx, globalID, "general", "", "daemon", false); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := s.AddMember(ctx, globalID, "furiosa", "member"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := s.ArchiveChannel(ctx, globalID); err != nil {
		t.Fatalf("ArchiveChannel: %v", err)
	}

	visible, err := r.VisibleChannels(ctx, "furiosa")
	if err != nil {
		t.Fatalf("VisibleChannels: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("expected archived channel to be invisible, got %v", visible)
	}
}

func TestCanDMOpenPoliciesDefaultEligible(t *testing.T) {
	ctx := context.Background()
	s, r := setup(t)
	if _, err := s.EnsureProject(ctx, "hash1", "/repo", ""); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "alice", "hash1", "implementer", "", store.DMPolicyOpen, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent alice: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "bob", "hash1", "planner", "", store.DMPolicyOpen, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent bob: %v", err)
	}

	canDM, err := r.CanDM(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("CanDM: %v", err)
	}
	if !canDM {
		t.Fatal("expected two open-policy agents to be DM-eligible by default")
	}
}

func TestCanDMRejectsSelf(t *testing.T) {
	ctx := context.Background()
	_, r := setup(t)
	if _, err := r.CanDM(ctx, "alice", "alice"); err == nil {
		t.Fatal("expected error for self-DM")
	}
}

func TestCanDMClosedPolicyDenies(t *testing.T) {
	ctx := context.Background()
	s, r := setup(t)
	if _, err := s.EnsureProject(ctx, "hash1", "/repo", ""); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "alice", "hash1", "implementer", "", store.DMPolicyOpen, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent alice: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "bob", "hash1", "planner", "", store.DMPolicyClosed, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent bob: %v", err)
	}

	canDM, err := r.CanDM(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("CanDM: %v", err)
	}
	if canDM {
		t.Fatal("expected a closed dm_policy to deny regardless of the other party's policy")
	}
}

func TestCanDMBlockOverridesOpenPolicy(t *testing.T) {
	ctx := context.Background()
	s, r := setup(t)
	if _, err := s.EnsureProject(ctx, "hash1", "/repo", ""); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "alice", "hash1", "implementer", "", store.DMPolicyOpen, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent alice: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "bob", "hash1", "planner", "", store.DMPolicyOpen, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent bob: %v", err)
	}

	if err := s.BlockDM(ctx, "bob", "alice", "bob"); err != nil {
		t.Fatalf("BlockDM: %v", err)
	}

	canDM, err := r.CanDM(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("CanDM: %v", err)
	}
	if canDM {
		t.Fatal("expected bob's block of alice to deny the DM in either direction")
	}
}

func TestCanDMRestrictedRequiresAllowGrant(t *testing.T) {
	ctx := context.Background()
	s, r := setup(t)
	if _, err := s.EnsureProject(ctx, "hash1", "/repo", ""); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "alice", "hash1", "implementer", "", store.DMPolicyOpen, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent alice: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "bob", "hash1", "planner", "", store.DMPolicyRestricted, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent bob: %v", err)
	}

	canDM, err := r.CanDM(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("CanDM: %v", err)
	}
	if canDM {
		t.Fatal("expected restricted bob to deny alice without an explicit allow from bob")
	}

	if err := s.GrantDM(ctx, "bob", "alice", "bob"); err != nil {
		t.Fatalf("GrantDM: %v", err)
	}

	canDM, err = r.CanDM(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("CanDM after grant: %v", err)
	}
	if !canDM {
		t.Fatal("expected bob's allow grant to bob->alice to permit alice to DM bob")
	}
}

func TestCanDMRevokeRemovesAllowGrant(t *testing.T) {
	ctx := context.Background()
	s, r := setup(t)
	if _, err := s.EnsureProject(ctx, "hash1", "/repo", ""); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "alice", "hash1", "implementer", "", store.DMPolicyOpen, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent alice: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "bob", "hash1", "planner", "", store.DMPolicyRestricted, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent bob: %v", err)
	}
	if err := s.GrantDM(ctx, "bob", "alice", "bob"); err != nil {
		t.Fatalf("GrantDM: %v", err)
	}
	if err := s.RevokeDM(ctx, "bob", "alice"); err != nil {
		t.Fatalf("RevokeDM: %v", err)
	}

	canDM, err := r.CanDM(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("CanDM: %v", err)
	}
	if canDM {
		t.Fatal("expected revoking the allow grant to return to the restricted default deny")
	}
}

func TestDiscoverableCrossProjectViaLink(t *testing.T) {
	ctx := context.Background()
	s, r := setup(t)
	if _, err := s.EnsureProject(ctx, "hashA", "/a", ""); err != nil {
		t.Fatalf("EnsureProject A: %v", err)
	}
	if _, err := s.EnsureProject(ctx, "hashB", "/b", ""); err != nil {
		t.Fatalf("EnsureProject B: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "alice", "hashA", "implementer", "", store.DMPolicyOpen, store.DiscoverabilityProject); err != nil {
		t.Fatalf("RegisterAgent alice: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "bob", "hashB", "planner", "", store.DMPolicyOpen, store.DiscoverabilityProject); err != nil {
		t.Fatalf("RegisterAgent bob: %v", err)
	}

	if ok, _ := r.Discoverable(ctx, "alice", "bob"); ok {
		t.Fatal("expected cross-project agents to be undiscoverable before linking")
	}

	if err := s.LinkProjects(ctx, "hashA", "hashB", "operator"); err != nil {
		t.Fatalf("LinkProjects: %v", err)
	}
	if ok, err := r.Discoverable(ctx, "alice", "bob"); err != nil || !ok {
		t.Fatalf("expected discoverable after linking, ok=%v err=%v", ok, err)
	}
}

func TestDiscoverablePublicAlwaysVisibleCrossProject(t *testing.T) {
	ctx := context.Background()
	s, r := setup(t)
	if _, err := s.EnsureProject(ctx, "hashA", "/a", ""); err != nil {
		t.Fatalf("EnsureProject A: %v", err)
	}
	if _, err := s.EnsureProject(ctx, "hashB", "/b", ""); err != nil {
		t.Fatalf("EnsureProject B: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "alice", "hashA", "implementer", "", store.DMPolicyOpen, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent alice: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "bob", "hashB", "planner", "", store.DMPolicyOpen, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent bob: %v", err)
	}

	if ok, err := r.Discoverable(ctx, "alice", "bob"); err != nil || !ok {
		t.Fatalf("expected a public agent to be discoverable cross-project with no link, ok=%v err=%v", ok, err)
	}
}

func TestDiscoverablePrivateNeverVisible(t *testing.T) {
	ctx := context.Background()
	s, r := setup(t)
	if _, err := s.EnsureProject(ctx, "hash1", "/repo", ""); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "alice", "hash1", "implementer", "", store.DMPolicyOpen, store.DiscoverabilityPublic); err != nil {
		t.Fatalf("RegisterAgent alice: %v", err)
	}
	if _, err := s.RegisterAgent(ctx, "bob", "hash1", "planner", "", store.DMPolicyOpen, store.DiscoverabilityPrivate); err != nil {
		t.Fatalf("RegisterAgent bob: %v", err)
	}

	if ok, _ := r.Discoverable(ctx, "alice", "bob"); ok {
		t.Fatal("expected bob to be undiscoverable since discoverable=private")
	}
}
