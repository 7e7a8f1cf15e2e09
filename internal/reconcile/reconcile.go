// Package reconcile implements the broker's declarative default-channel
// and agent-discovery reconciliation (§4.8): a YAML config names default
// channels per scope, the reconciler diffs that against current database
// state, and applies the result in three rollback-isolated phases.
// Grounded on the teacher's layered yaml.Unmarshal-then-env-override
// config loading (jra3-linear-fuse's internal/config), adapted from a
// single flat Config into the broker's plan/apply split.
package reconcile

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/claude-slack/broker/internal/brokererr"
	"github.com/claude-slack/broker/internal/identity"
	"github.com/claude-slack/broker/internal/store"
)

// Scope names which agents a default channel entry applies to.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeProject Scope = "project"
)

// DefaultChannel is one entry in the declarative config: a channel name,
// the scope it applies to, and the exclude list overriding eligibility.
type DefaultChannel struct {
	Name       string   `yaml:"name"`
	Scope      Scope    `yaml:"scope"`
	AccessType string   `yaml:"access_type"`
	IsDefault  bool     `yaml:"is_default"`
	Exclude    []string `yaml:"exclude"`
}

// Config is the top-level declarative reconciliation document.
type Config struct {
	DefaultChannels []DefaultChannel `yaml:"default_channels"`
}

// Load reads and parses a reconciliation config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInvalidArgument, "reconcile.Load", fmt.Errorf("read config: %w", err))
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, brokererr.New(brokererr.KindInvalidArgument, "reconcile.Load", fmt.Errorf("parse config: %w", err))
	}
	return &cfg, nil
}

// AgentDescriptor is a single agent known to the caller's frontmatter
// discovery (an external collaborator, §1 non-goals) that the
// reconciler registers or updates. Discovery of these from disk is out
// of scope here; the caller supplies the parsed list.
type AgentDescriptor struct {
	AgentID      string
	ProjectHash  string
	Role         string
	DisplayName  string
	DMPolicy     store.DMPolicy
	Discoverable store.Discoverability
	NeverDefault bool
}

// Action is one step of a reconciliation plan.
type Action struct {
	Phase        Phase
	Kind         string // "create_channel", "register_agent", "add_member"
	ChannelName  string
	ChannelID    string
	ProjectHash  string
	AgentID      string
	Role         string
	DisplayName  string
	DMPolicy     store.DMPolicy
	Discoverable store.Discoverability
	Reason       string
}

// Phase identifies one of the three rollback-isolated application
// phases named in §4.8.
type Phase int

const (
	PhaseInfrastructure Phase = iota
	PhaseAgentDiscovery
	PhaseDefaultAccess
)

func (p Phase) String() string {
	switch p {
	case PhaseInfrastructure:
		return "infrastructure"
	case PhaseAgentDiscovery:
		return "agent_discovery"
	case PhaseDefaultAccess:
		return "default_access"
	default:
		return "unknown"
	}
}

// Plan is the diff between current state and the desired state named by
// a Config and a set of discovered agents, grouped by phase.
type Plan struct {
	Infrastructure []Action
	AgentDiscovery []Action
	DefaultAccess  []Action
}

// IsEmpty reports whether the plan has no actions in any phase — the
// idempotence case §4.8 requires ("re-running the reconciler yields no
// plan when state matches config").
func (p *Plan) IsEmpty() bool {
	return len(p.Infrastructure) == 0 && len(p.AgentDiscovery) == 0 && len(p.DefaultAccess) == 0
}

// Reconciler computes and applies reconciliation plans against a store.
type Reconciler struct {
	store *store.Store
}

// New creates a Reconciler.
func New(st *store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// Plan computes the actions required to bring the database in line with
// cfg and agents, without mutating anything.
func (r *Reconciler) Plan(ctx context.Context, cfg *Config, agents []AgentDescriptor, projectHashes []string) (*Plan, error) {
	plan := &Plan{}

	for _, dc := range cfg.DefaultChannels {
		scopes := scopeHashes(dc, projectHashes)
		for _, projectHash := range scopes {
			channelID := channelIDFor(dc, projectHash)
			existing, err := r.store.GetChannelByChannelID(ctx, channelID)
			if err != nil && !brokererr.Is(err, brokererr.KindNotFound) {
				return nil, err
			}
			if existing == nil {
				plan.Infrastructure = append(plan.Infrastructure, Action{
					Phase: PhaseInfrastructure, Kind: "create_channel",
					ChannelName: dc.Name, ChannelID: channelID, ProjectHash: projectHash,
					Reason: "declared as a default channel with no matching channel row",
				})
			}
		}
	}

	for _, agent := range agents {
		existing, err := r.store.GetAgent(ctx, agent.AgentID)
		if err != nil && !brokererr.Is(err, brokererr.KindNotFound) {
			return nil, err
		}
		if existing == nil {
			plan.AgentDiscovery = append(plan.AgentDiscovery, Action{
				Phase: PhaseAgentDiscovery, Kind: "register_agent",
				AgentID: agent.AgentID, ProjectHash: agent.ProjectHash,
				Role: agent.Role, DisplayName: agent.DisplayName,
				DMPolicy: agent.DMPolicy, Discoverable: agent.Discoverable,
				Reason: "discovered agent has no registration row",
			})
		}
	}

	for _, dc := range cfg.DefaultChannels {
		if !dc.IsDefault {
			continue
		}
		exclude := toSet(dc.Exclude)
		scopes := scopeHashes(dc, projectHashes)
		for _, projectHash := range scopes {
			channelID := channelIDFor(dc, projectHash)
			for _, agent := range agents {
				if !eligible(dc, agent, projectHash, exclude) {
					continue
				}
				alreadyJoined, everJoined, err := r.membershipState(ctx, channelID, agent.AgentID)
				if err != nil {
					return nil, err
				}
				if alreadyJoined || everJoined {
					// A prior opted_out row is never silently re-joined by
					// default provisioning (§4.8).
					continue
				}
				plan.DefaultAccess = append(plan.DefaultAccess, Action{
					Phase: PhaseDefaultAccess, Kind: "add_member",
					ChannelID: channelID, AgentID: agent.AgentID,
					Reason: "eligible agent missing default-channel membership",
				})
			}
		}
	}

	return plan, nil
}

func (r *Reconciler) membershipState(ctx context.Context, channelID, agentID string) (isMember, everJoined bool, err error) {
	isMember, err = r.store.IsMember(ctx, channelID, agentID)
	if err != nil {
		return false, false, err
	}
	if isMember {
		return true, true, nil
	}
	everJoined, err = r.store.HasEverJoined(ctx, channelID, agentID)
	if err != nil {
		return false, false, err
	}
	return false, everJoined, nil
}

func scopeHashes(dc DefaultChannel, projectHashes []string) []string {
	if dc.Scope == ScopeGlobal {
		return []string{""}
	}
	return projectHashes
}

func channelIDFor(dc DefaultChannel, projectHash string) string {
	if dc.Scope == ScopeGlobal {
		return identity.GlobalChannelID(dc.Name)
	}
	return fmt.Sprintf("proj_%s:%s", projectHash, dc.Name)
}

func eligible(dc DefaultChannel, agent AgentDescriptor, projectHash string, exclude map[string]bool) bool {
	if agent.NeverDefault {
		return false
	}
	if exclude[agent.AgentID] {
		return false
	}
	if dc.Scope == ScopeGlobal {
		return true
	}
	return agent.ProjectHash == projectHash
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Apply executes a plan phase by phase. If a phase fails partway, the
// actions already applied in that phase are rolled back (for phases
// whose actions are simple inserts, rollback is a best-effort delete of
// what this call itself created) and the error is returned without
// attempting the remaining phases — later phases in the plan depend on
// earlier ones having fully succeeded.
func (r *Reconciler) Apply(ctx context.Context, plan *Plan) error {
	if err := r.applyInfrastructure(ctx, plan.Infrastructure); err != nil {
		return fmt.Errorf("reconcile: infrastructure phase: %w", err)
	}
	if err := r.applyAgentDiscovery(ctx, plan.AgentDiscovery); err != nil {
		return fmt.Errorf("reconcile: agent discovery phase: %w", err)
	}
	if err := r.applyDefaultAccess(ctx, plan.DefaultAccess); err != nil {
		return fmt.Errorf("reconcile: default access phase: %w", err)
	}
	return nil
}

func (r *Reconciler) applyInfrastructure(ctx context.Context, actions []Action) error {
	var created []string
	for _, a := range actions {
		if _, err := r.store.CreateChannel(ctx, a.ChannelID, a.ChannelName, a.ProjectHash, "reconciler", false); err != nil {
			for _, rollback := range created {
				_ = r.store.ArchiveChannel(ctx, rollback)
			}
			return err
		}
		created = append(created, a.ChannelID)
	}
	return nil
}

func (r *Reconciler) applyAgentDiscovery(ctx context.Context, actions []Action) error {
	for _, a := range actions {
		if _, err := r.store.RegisterAgent(ctx, a.AgentID, a.ProjectHash, a.Role, a.DisplayName, a.DMPolicy, a.Discoverable); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) applyDefaultAccess(ctx context.Context, actions []Action) error {
	var joined []Action
	for _, a := range actions {
		if err := r.store.AddMember(ctx, a.ChannelID, a.AgentID, "member"); err != nil {
			for _, rollback := range joined {
				_ = r.store.RemoveMember(ctx, rollback.ChannelID, rollback.AgentID)
			}
			return err
		}
		joined = append(joined, a)
	}
	return nil
}
