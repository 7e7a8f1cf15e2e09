// Package types defines the payload shapes carried on eventbus.Event's
// Payload field for each event kind the façade publishes (§4.7). Event
// envelope fields (seq, kind, timestamp) live on eventbus.Event and
// eventstream.Frame; these structs are strictly the kind-specific body.
package types

// Event kind constants, matching the names used in spec examples
// (message.created, channel.created, ...).
const (
	KindMessageCreated     = "message.created"
	KindMessageDeleted     = "message.deleted"
	KindChannelCreated     = "channel.created"
	KindChannelArchived    = "channel.archived"
	KindChannelMemberJoin  = "channel.member.joined"
	KindChannelMemberLeave = "channel.member.left"
	KindAgentRegistered    = "agent.registered"
	KindDMCreated          = "dm.created"
)

// MessageCreatedPayload is the body of a message.created event.
type MessageCreatedPayload struct {
	MessageID  string   `json:"message_id"`
	ChannelID  string   `json:"channel_id"`
	ThreadID   string   `json:"thread_id,omitempty"`
	AgentID    string   `json:"agent_id"`
	SessionID  string   `json:"session_id,omitempty"`
	Body       string   `json:"body"`
	Confidence *float64 `json:"confidence,omitempty"`
	AuthoredBy string   `json:"authored_by,omitempty"`
	Disclosed  bool     `json:"disclosed,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

// MessageDeletedPayload is the body of a message.deleted event.
type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
}

// ChannelCreatedPayload is the body of a channel.created event.
type ChannelCreatedPayload struct {
	ChannelID   string `json:"channel_id"`
	ChannelKind string `json:"channel_kind"`
	Name        string `json:"name"`
	ProjectHash string `json:"project_hash,omitempty"`
	CreatedBy   string `json:"created_by"`
}

// ChannelArchivedPayload is the body of a channel.archived event.
type ChannelArchivedPayload struct {
	ChannelID string `json:"channel_id"`
}

// ChannelMemberPayload is the body of a channel.member.joined or
// channel.member.left event.
type ChannelMemberPayload struct {
	ChannelID string `json:"channel_id"`
	AgentID   string `json:"agent_id"`
	Role      string `json:"role,omitempty"`
}

// AgentRegisteredPayload is the body of an agent.registered event.
type AgentRegisteredPayload struct {
	AgentID      string `json:"agent_id"`
	ProjectHash  string `json:"project_hash"`
	Role         string `json:"role"`
	DMPolicy     string `json:"dm_policy"`
	Discoverable string `json:"discoverable"`
}

// DMCreatedPayload is the body of a dm.created event, fired the first
// time a direct-message channel is provisioned between two agents.
type DMCreatedPayload struct {
	ChannelID string   `json:"channel_id"`
	Members   []string `json:"members"`
}
