// Package facade exposes the broker's unified public contract (§4.6):
// a single Broker object orchestrating the relational store, the
// permission resolver, the filter compiler, the vector index, the
// search engine, and the event bus. Mutating messaging, channel, and
// agent methods validate their inputs, check permission where the
// operation has one, delegate to the stores, and then publish one event
// on the bus; SendDM also publishes dm.created when it creates the
// pair's channel, and the project and link methods publish no event.
// Grounded on the teacher's internal/daemon/rpc/message.go: the same
// resolve-then-validate-then-mutate-then-publish method shape, adapted
// from a JSON-RPC handler per request type into a direct Go method per
// operation.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/claude-slack/broker/internal/brokererr"
	"github.com/claude-slack/broker/internal/embedding"
	"github.com/claude-slack/broker/internal/eventbus"
	"github.com/claude-slack/broker/internal/filter"
	"github.com/claude-slack/broker/internal/identity"
	"github.com/claude-slack/broker/internal/permission"
	"github.com/claude-slack/broker/internal/retry"
	"github.com/claude-slack/broker/internal/safedb"
	"github.com/claude-slack/broker/internal/search"
	"github.com/claude-slack/broker/internal/store"
	"github.com/claude-slack/broker/internal/types"
	"github.com/claude-slack/broker/internal/vectorindex"
)

// Broker is the single entry point the rest of the system (CLI,
// reconciler, any future external façade) talks to.
type Broker struct {
	db         *safedb.DB
	store      *store.Store
	permission *permission.Resolver
	filter     *filter.Compiler
	vector     *vectorindex.Index // nil when no vector backend is configured
	embedder   embedding.Provider
	search     *search.Engine
	bus        *eventbus.Bus
	vectorRetry *retry.Limiter
}

// defaultVectorRetryRate/Burst/MaxAttempts bound how hard a flaky vector
// backend gets hit by the dual-write path before giving up and leaving
// the message for the next ResyncVectors pass.
const (
	defaultVectorRetryRate        = 5.0
	defaultVectorRetryBurst       = 5
	defaultVectorRetryMaxAttempts = 3
)

// New composes a Broker from already-opened collaborators. vector and
// embedder may both be nil, in which case semantic search is
// unavailable and only filter-only search and relational operations
// work — the broker degrades gracefully rather than failing to start.
func New(db *safedb.DB, vector *vectorindex.Index, embedder embedding.Provider, bus *eventbus.Bus) *Broker {
	st := store.New(db)
	perm := permission.New(db)
	compiler := filter.New()
	return &Broker{
		db:         db,
		store:      st,
		permission: perm,
		filter:     compiler,
		vector:     vector,
		embedder:   embedder,
		search:     search.New(st, vector, embedder, compiler, perm),
		bus:        bus,
		vectorRetry: retry.New(defaultVectorRetryRate, defaultVectorRetryBurst, defaultVectorRetryMaxAttempts),
	}
}

// snapshotPayload is the body of the first frame an event stream
// subscriber receives: the channels it can currently see and each
// channel's most recent messages, per §4.7's "snapshot-then-stream".
type snapshotPayload struct {
	Channels []string                  `json:"channels"`
	Recent   map[string][]*store.Message `json:"recent"`
}

// snapshotRecentLimit bounds how many messages per channel ride along
// in the initial snapshot frame.
const snapshotRecentLimit = 20

// Snapshot implements eventstream.SnapshotProvider: the visible-channels
// and recent-messages state a newly connected subscriber needs before
// it starts receiving live events.
func (b *Broker) Snapshot(agentID, _ string) (any, error) {
	ctx := context.Background()
	channels, err := b.permission.VisibleChannels(ctx, agentID)
	if err != nil {
		return nil, err
	}
	recent := make(map[string][]*store.Message, len(channels))
	for _, channelID := range channels {
		msgs, err := b.store.ListMessagesByChannel(ctx, channelID, snapshotRecentLimit)
		if err != nil {
			return nil, err
		}
		recent[channelID] = msgs
	}
	return snapshotPayload{Channels: channels, Recent: recent}, nil
}

// Close releases the vector index, if one is configured. The
// relational *sql.DB is owned by the caller (it may be shared with
// migration tooling) and is not closed here.
func (b *Broker) Close() error {
	if b.vector != nil {
		return b.vector.Close()
	}
	return nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// --- Messaging ---------------------------------------------------------

// SendInput is the validated input to Send.
type SendInput struct {
	ChannelID  string
	AgentID    string
	SessionID  string
	ThreadID   string
	Body       string
	Confidence *float64
	Metadata   json.RawMessage
	AuthoredBy string
	Disclosed  bool
}

// Send posts a message into an existing, non-archived channel the
// sender is a member of with send rights. It commits the relational
// row first; the vector dual-write happens after, and its failure
// does not roll back the relational commit (§4.4's repairable
// inconsistency design) — it leaves vector_synced=0 for the resync
// pass to catch.
func (b *Broker) Send(ctx context.Context, in SendInput) (*store.Message, error) {
	if in.Confidence != nil && (*in.Confidence < 0 || *in.Confidence > 1) {
		return nil, brokererr.New(brokererr.KindInvalidArgument, "facade.Send", fmt.Errorf("confidence must be in [0,1]"))
	}
	channel, err := b.store.GetChannelByChannelID(ctx, in.ChannelID)
	if err != nil {
		return nil, err
	}
	if channel.Archived {
		return nil, brokererr.New(brokererr.KindPolicyDenied, "facade.Send", fmt.Errorf("channel %s is archived", in.ChannelID))
	}
	isMember, err := b.store.IsMember(ctx, in.ChannelID, in.AgentID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, brokererr.New(brokererr.KindPermissionDenied, "facade.Send", fmt.Errorf("%s is not a member of %s", in.AgentID, in.ChannelID))
	}

	metadata := in.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	msg := &store.Message{
		MessageID:  identity.GenerateMessageID(),
		ChannelID:  in.ChannelID,
		ThreadID:   in.ThreadID,
		AgentID:    in.AgentID,
		SessionID:  in.SessionID,
		CreatedAt:  nowRFC3339(),
		Body:       in.Body,
		Confidence: in.Confidence,
		Metadata:   string(metadata),
		AuthoredBy: in.AuthoredBy,
		Disclosed:  in.Disclosed,
	}
	if err := b.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	b.dualWriteVector(ctx, msg)
	b.publishMessageCreated(msg)
	return msg, nil
}

// dualWriteVector embeds and writes msg's vector after the relational
// commit. Errors are swallowed here by design: the resync pass
// (ResyncVectors) is the recovery path, not the caller's error return
// (§4.4 "tolerant of partial failure").
func (b *Broker) dualWriteVector(ctx context.Context, msg *store.Message) {
	if b.vector == nil || b.embedder == nil {
		return
	}
	vec, err := b.embedder.Embed(ctx, msg.Body)
	if err != nil {
		return
	}
	conf := 0.5
	if msg.Confidence != nil {
		conf = *msg.Confidence
	}
	flat := filter.VectorFilter{
		"sender_id":  msg.AgentID,
		"timestamp":  msg.CreatedAt,
		"confidence": conf,
	}
	err = b.vectorRetry.Do(ctx, func() error {
		return b.vector.Upsert(ctx, msg.MessageID, vec, msg.ChannelID, flat)
	})
	if err != nil {
		return
	}
	_ = b.store.MarkVectorSynced(ctx, msg.MessageID)
}

// ResyncVectors streams messages the relational store has but the
// vector index is missing (vector_synced=0) and re-indexes them, the
// operational counterpart of §4.4's "sync check".
func (b *Broker) ResyncVectors(ctx context.Context, batchSize int) (int, error) {
	if b.vector == nil || b.embedder == nil {
		return 0, nil
	}
	unsynced, err := b.store.ListUnsyncedMessages(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range unsynced {
		b.dualWriteVector(ctx, msg)
	}
	return len(unsynced), nil
}

func (b *Broker) publishMessageCreated(msg *store.Message) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(eventbus.Event{
		Kind:       types.KindMessageCreated,
		EntityType: "message",
		EntityID:   msg.MessageID,
		ChannelID:  msg.ChannelID,
		Timestamp:  time.Now().UTC(),
		Payload: types.MessageCreatedPayload{
			MessageID: msg.MessageID, ChannelID: msg.ChannelID, ThreadID: msg.ThreadID,
			AgentID: msg.AgentID, SessionID: msg.SessionID, Body: msg.Body,
			Confidence: msg.Confidence, AuthoredBy: msg.AuthoredBy, Disclosed: msg.Disclosed,
			CreatedAt: msg.CreatedAt,
		},
	})
}

// Get fetches a message by ID with no permission check (administrative
// access).
func (b *Broker) Get(ctx context.Context, messageID string) (*store.Message, error) {
	return b.store.GetMessage(ctx, messageID)
}

// GetForAgent fetches a message only if agentID can see the message's
// channel.
func (b *Broker) GetForAgent(ctx context.Context, agentID, messageID string) (*store.Message, error) {
	msg, err := b.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := b.requireVisible(ctx, agentID, msg.ChannelID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (b *Broker) requireVisible(ctx context.Context, agentID, channelID string) error {
	visible, err := b.permission.VisibleChannels(ctx, agentID)
	if err != nil {
		return err
	}
	for _, c := range visible {
		if c == channelID {
			return nil
		}
	}
	return brokererr.New(brokererr.KindPermissionDenied, "facade.requireVisible", fmt.Errorf("%s cannot see channel %s", agentID, channelID))
}

// SendDM sends a direct message between two agents, auto-provisioning
// their shared dm: channel on first contact (§4.4). Rejects if CanDM
// denies the pair.
func (b *Broker) SendDM(ctx context.Context, fromAgent, toAgent, body string, confidence *float64, metadata json.RawMessage) (*store.Message, error) {
	canDM, err := b.permission.CanDM(ctx, fromAgent, toAgent)
	if err != nil {
		return nil, err
	}
	if !canDM {
		return nil, brokererr.New(brokererr.KindPolicyDenied, "facade.SendDM", fmt.Errorf("%s may not DM %s (closed/restricted/blocked)", fromAgent, toAgent))
	}

	fromA, err := b.store.GetAgent(ctx, fromAgent)
	if err != nil {
		return nil, err
	}
	toA, err := b.store.GetAgent(ctx, toAgent)
	if err != nil {
		return nil, err
	}

	channelID := identity.DMChannelIDFromHashes(fromAgent, fromA.ProjectHash, toAgent, toA.ProjectHash)
	isNew := false
	if _, err := b.store.GetChannelByChannelID(ctx, channelID); err != nil {
		if !brokererr.Is(err, brokererr.KindNotFound) {
			return nil, err
		}
		if _, err := b.store.CreateChannel(ctx, channelID, channelID, "", fromAgent, true); err != nil {
			return nil, err
		}
		if err := b.store.AddMember(ctx, channelID, fromAgent, "member"); err != nil {
			return nil, err
		}
		if err := b.store.AddMember(ctx, channelID, toAgent, "member"); err != nil {
			return nil, err
		}
		isNew = true
	}

	msg, err := b.Send(ctx, SendInput{ChannelID: channelID, AgentID: fromAgent, Body: body, Confidence: confidence, Metadata: metadata})
	if err != nil {
		return nil, err
	}

	if isNew && b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Kind: types.KindDMCreated, EntityType: "channel", EntityID: channelID, ChannelID: channelID,
			Timestamp: time.Now().UTC(),
			Payload:   types.DMCreatedPayload{ChannelID: channelID, Members: []string{fromAgent, toAgent}},
		})
	}
	return msg, nil
}

// --- Channels ------------------------------------------------------------

// CreateChannel creates (or, idempotently, returns) a channel. The
// caller supplies a fully-formed channel ID matching the grammar of
// §6; internal/identity's constructors are the intended callers for
// deriving it.
func (b *Broker) CreateChannel(ctx context.Context, channelID, name, projectHash, createdBy string, neverDefault bool) (*store.Channel, error) {
	ch, err := b.store.CreateChannel(ctx, channelID, name, projectHash, createdBy, neverDefault)
	if err != nil {
		return nil, err
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Kind: types.KindChannelCreated, EntityType: "channel", EntityID: channelID, ChannelID: channelID,
			Timestamp: time.Now().UTC(),
			Payload: types.ChannelCreatedPayload{
				ChannelID: channelID, ChannelKind: string(ch.ChannelKind), Name: name, ProjectHash: projectHash, CreatedBy: createdBy,
			},
		})
	}
	return ch, nil
}

// Join adds agentID as a member of channelID.
func (b *Broker) Join(ctx context.Context, channelID, agentID string) error {
	channel, err := b.store.GetChannelByChannelID(ctx, channelID)
	if err != nil {
		return err
	}
	if channel.Archived {
		return brokererr.New(brokererr.KindPolicyDenied, "facade.Join", fmt.Errorf("channel %s is archived", channelID))
	}
	if err := b.store.AddMember(ctx, channelID, agentID, "member"); err != nil {
		return err
	}
	b.publishMember(channelID, agentID, "member", types.KindChannelMemberJoin)
	return nil
}

// Leave removes agentID's membership (soft opt-out, §4.8 eligibility).
func (b *Broker) Leave(ctx context.Context, channelID, agentID string) error {
	switch identity.ClassifyChannel(channelID) {
	case identity.ChannelKindDM, identity.ChannelKindNotes:
		return brokererr.New(brokererr.KindPolicyDenied, "facade.Leave", fmt.Errorf("channel %s does not permit leaving (can_leave=false)", channelID))
	}
	if err := b.store.RemoveMember(ctx, channelID, agentID); err != nil {
		return err
	}
	b.publishMember(channelID, agentID, "", types.KindChannelMemberLeave)
	return nil
}

// Invite is Join performed on behalf of another agent by an inviter
// who is already a member of the channel. Membership is the only check
// (§3's membership-as-sole-access-carrier); there is no separate
// invite capability.
func (b *Broker) Invite(ctx context.Context, channelID, inviterID, inviteeID string) error {
	isMember, err := b.store.IsMember(ctx, channelID, inviterID)
	if err != nil {
		return err
	}
	if !isMember {
		return brokererr.New(brokererr.KindPermissionDenied, "facade.Invite", fmt.Errorf("%s cannot invite into %s", inviterID, channelID))
	}
	return b.Join(ctx, channelID, inviteeID)
}

func (b *Broker) publishMember(channelID, agentID, role, kind string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(eventbus.Event{
		Kind: kind, EntityType: "channel_member", EntityID: agentID, ChannelID: channelID,
		Timestamp: time.Now().UTC(),
		Payload:   types.ChannelMemberPayload{ChannelID: channelID, AgentID: agentID, Role: role},
	})
}

// ListForAgent returns the channels visible to agentID (§4.2).
func (b *Broker) ListForAgent(ctx context.Context, agentID string) ([]string, error) {
	return b.permission.VisibleChannels(ctx, agentID)
}

// Members lists a channel's active (non-opted-out) members.
func (b *Broker) Members(ctx context.Context, channelID string) ([]*store.Member, error) {
	return b.store.ListMembers(ctx, channelID)
}

// Archive marks a channel archived; sends are rejected thereafter
// while membership rows are untouched (§3).
func (b *Broker) Archive(ctx context.Context, channelID string) error {
	if err := b.store.ArchiveChannel(ctx, channelID); err != nil {
		return err
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Kind: types.KindChannelArchived, EntityType: "channel", EntityID: channelID, ChannelID: channelID,
			Timestamp: time.Now().UTC(),
			Payload:   types.ChannelArchivedPayload{ChannelID: channelID},
		})
	}
	return nil
}

// --- Agents ----------------------------------------------------------------

// RegisterAgent registers (or updates) an agent identity. A private
// notes channel is auto-provisioned on first registration (§3/§4.4).
func (b *Broker) RegisterAgent(ctx context.Context, agentID, projectHash, role, displayName string, dmPolicy store.DMPolicy, discoverable store.Discoverability) (*store.Agent, error) {
	agent, err := b.store.RegisterAgent(ctx, agentID, projectHash, role, displayName, dmPolicy, discoverable)
	if err != nil {
		return nil, err
	}
	scopeTag := "global"
	if projectHash != "" {
		scopeTag = projectHash
	}
	notesChannelID := identity.NotesChannelID(agentID, scopeTag)
	if _, err := b.store.GetChannelByChannelID(ctx, notesChannelID); err != nil {
		if !brokererr.Is(err, brokererr.KindNotFound) {
			return nil, err
		}
		if _, err := b.store.CreateChannel(ctx, notesChannelID, notesChannelID, projectHash, agentID, true); err != nil {
			return nil, err
		}
		if err := b.store.AddMember(ctx, notesChannelID, agentID, "owner"); err != nil {
			return nil, err
		}
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Kind: types.KindAgentRegistered, EntityType: "agent", EntityID: agentID,
			Timestamp: time.Now().UTC(),
			Payload: types.AgentRegisteredPayload{
				AgentID: agentID, ProjectHash: projectHash, Role: role,
				DMPolicy: string(dmPolicy), Discoverable: string(discoverable),
			},
		})
	}
	return agent, nil
}

// GetAgent fetches an agent by ID.
func (b *Broker) GetAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	return b.store.GetAgent(ctx, agentID)
}

// ListAgents lists every agent registered under a project.
func (b *Broker) ListAgents(ctx context.Context, projectHash string) ([]*store.Agent, error) {
	return b.store.ListAgentsByProject(ctx, projectHash)
}

// MessagableFor returns the subset of candidateIDs that viewerID may
// DM, per §4.2's CanDM primitive.
func (b *Broker) MessagableFor(ctx context.Context, viewerID string, candidateIDs []string) ([]string, error) {
	var eligible []string
	for _, candidate := range candidateIDs {
		ok, err := b.permission.CanDM(ctx, viewerID, candidate)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, candidate)
		}
	}
	return eligible, nil
}

// --- Notes -------------------------------------------------------------

// WriteNote writes into (auto-provisioning if absent) an agent's
// private notes:{agent}:{scope} channel — the owner is the channel's
// sole member (§4.4: can_send=true; can_leave=false is enforced by
// Leave, which rejects notes channels).
func (b *Broker) WriteNote(ctx context.Context, agentID, projectHash, body string, confidence *float64, metadata json.RawMessage) (*store.Message, error) {
	scopeTag := "global"
	if projectHash != "" {
		scopeTag = projectHash
	}
	notesChannelID := identity.NotesChannelID(agentID, scopeTag)
	if _, err := b.store.GetChannelByChannelID(ctx, notesChannelID); err != nil {
		if !brokererr.Is(err, brokererr.KindNotFound) {
			return nil, err
		}
		if _, err := b.store.CreateChannel(ctx, notesChannelID, notesChannelID, projectHash, agentID, true); err != nil {
			return nil, err
		}
		if err := b.store.AddMember(ctx, notesChannelID, agentID, "owner"); err != nil {
			return nil, err
		}
	}
	return b.Send(ctx, SendInput{ChannelID: notesChannelID, AgentID: agentID, Body: body, Confidence: confidence, Metadata: metadata})
}

// RecentNotes returns the agentID's most recent notes, newest first.
func (b *Broker) RecentNotes(ctx context.Context, agentID, projectHash string, limit int) ([]*store.Message, error) {
	scopeTag := "global"
	if projectHash != "" {
		scopeTag = projectHash
	}
	return b.store.ListMessagesByChannel(ctx, identity.NotesChannelID(agentID, scopeTag), limit)
}

// PeekNotes fetches one note by ID, scoped to the owning agent.
func (b *Broker) PeekNotes(ctx context.Context, agentID, messageID string) (*store.Message, error) {
	msg, err := b.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if identity.ClassifyChannel(msg.ChannelID) != identity.ChannelKindNotes {
		return nil, brokererr.New(brokererr.KindPermissionDenied, "facade.PeekNotes", fmt.Errorf("%s is not a notes message", messageID))
	}
	if msg.AgentID != agentID {
		return nil, brokererr.New(brokererr.KindPermissionDenied, "facade.PeekNotes", fmt.Errorf("%s does not own note %s", agentID, messageID))
	}
	return msg, nil
}

// SearchNotes runs a search scoped to agentID's own notes channels.
func (b *Broker) SearchNotes(ctx context.Context, agentID, projectHash string, q search.Query) ([]search.Result, error) {
	scopeTag := "global"
	if projectHash != "" {
		scopeTag = projectHash
	}
	notesChannelID := identity.NotesChannelID(agentID, scopeTag)
	return b.search.Search(ctx, restrictQueryToChannel(q, notesChannelID))
}

func restrictQueryToChannel(q search.Query, channelID string) search.Query {
	channelFilter := &filter.Node{Field: "channel_id", Op: "$eq", Value: channelID}
	if q.Filter == nil || (q.Filter.LogicalOp == "" && q.Filter.Field == "") {
		q.Filter = channelFilter
		return q
	}
	q.Filter = &filter.Node{LogicalOp: "$and", Children: []*filter.Node{q.Filter, channelFilter}}
	return q
}

// --- Search --------------------------------------------------------------

// Search runs an unscoped query across every channel (administrative
// callers only, §4.6).
func (b *Broker) Search(ctx context.Context, q search.Query) ([]search.Result, error) {
	return b.search.Search(ctx, q)
}

// SearchForAgent runs a permission-scoped query for agentID.
func (b *Broker) SearchForAgent(ctx context.Context, agentID string, q search.Query) ([]search.Result, error) {
	return b.search.SearchForAgent(ctx, agentID, q)
}

// --- Projects & links ------------------------------------------------------

// LinkProjects grants cross-project discovery/DM eligibility.
func (b *Broker) LinkProjects(ctx context.Context, projectA, projectB, linkedBy string) error {
	return b.store.LinkProjects(ctx, projectA, projectB, linkedBy)
}

// UnlinkProjects revokes a previously granted project link.
func (b *Broker) UnlinkProjects(ctx context.Context, projectA, projectB string) error {
	return b.store.UnlinkProjects(ctx, projectA, projectB)
}

// ListProjectLinks lists links touching projectHash.
func (b *Broker) ListProjectLinks(ctx context.Context, projectHash string) ([]*store.ProjectLink, error) {
	return b.store.ListProjectLinks(ctx, projectHash)
}

// EnsureProject registers a project (get-or-create).
func (b *Broker) EnsureProject(ctx context.Context, projectHash, rootPath, displayName string) (*store.Project, error) {
	return b.store.EnsureProject(ctx, projectHash, rootPath, displayName)
}
