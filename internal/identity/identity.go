// Package identity generates and parses the broker's identifiers: project
// hashes, channel IDs in the global/project/dm/notes grammar, and the
// ULID-based IDs used for messages, events, sessions, and tool calls.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// Crockford's base32 alphabet (no padding, case-insensitive).
	crockfordBase32 = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

	agentNameRegex = regexp.MustCompile(`^[a-z0-9_]+$`)

	reservedAgentNames = map[string]bool{
		"daemon":    true,
		"system":    true,
		"broker":    true,
		"all":       true,
		"broadcast": true,
	}
)

// ProjectHash derives the 8-character project hash used in proj_{hash8}
// channel IDs, from a normalized project root path. Two agents pointed at
// the same project root must derive the same hash without coordination.
func ProjectHash(projectRoot string) string {
	normalized := strings.TrimRight(strings.ToLower(strings.TrimSpace(projectRoot)), "/")
	hash := sha256.Sum256([]byte(normalized))
	return crockfordBase32.EncodeToString(hash[:])[:8]
}

// GlobalChannelID builds a global channel ID: global:name.
func GlobalChannelID(name string) string {
	return "global:" + name
}

// ProjectChannelID builds a project-scoped channel ID: proj_{hash8}:name.
func ProjectChannelID(projectRoot, name string) string {
	return fmt.Sprintf("proj_%s:%s", ProjectHash(projectRoot), name)
}

// DMChannelID builds a direct-message channel ID: dm:{a1}:{p1}:{a2}:{p2},
// where the two (agent, project-hash) pairs are ordered lexicographically
// by agent name so the same pair of agents always derive the same ID
// regardless of who initiates.
func DMChannelID(agentA, projectRootA, agentB, projectRootB string) string {
	return DMChannelIDFromHashes(agentA, ProjectHash(projectRootA), agentB, ProjectHash(projectRootB))
}

// DMChannelIDFromHashes builds a direct-message channel ID from
// already-resolved project hashes, for callers (e.g. internal/facade)
// that only have an agent's project_hash on hand, not its root path.
func DMChannelIDFromHashes(agentA, hashA, agentB, hashB string) string {
	if agentA > agentB || (agentA == agentB && hashA > hashB) {
		agentA, hashA, agentB, hashB = agentB, hashB, agentA, hashA
	}
	return fmt.Sprintf("dm:%s:%s:%s:%s", agentA, hashA, agentB, hashB)
}

// NotesChannelID builds a private notes channel ID: notes:{agent}:{scope}.
func NotesChannelID(agent, scopeTag string) string {
	return fmt.Sprintf("notes:%s:%s", agent, scopeTag)
}

// ChannelKind classifies a channel ID by its grammar prefix.
type ChannelKind string

const (
	ChannelKindGlobal  ChannelKind = "global"
	ChannelKindProject ChannelKind = "project"
	ChannelKindDM      ChannelKind = "dm"
	ChannelKindNotes   ChannelKind = "notes"
	ChannelKindUnknown ChannelKind = "unknown"
)

// ClassifyChannel returns the grammar kind of a channel ID.
func ClassifyChannel(channelID string) ChannelKind {
	switch {
	case strings.HasPrefix(channelID, "global:"):
		return ChannelKindGlobal
	case strings.HasPrefix(channelID, "proj_"):
		return ChannelKindProject
	case strings.HasPrefix(channelID, "dm:"):
		return ChannelKindDM
	case strings.HasPrefix(channelID, "notes:"):
		return ChannelKindNotes
	default:
		return ChannelKindUnknown
	}
}

// ParseDMChannelID splits a dm:{a1}:{p1}:{a2}:{p2} channel ID into its two
// (agent, project-hash) participants. Returns an error if channelID is not
// a well-formed DM channel ID.
func ParseDMChannelID(channelID string) (agentA, hashA, agentB, hashB string, err error) {
	if !strings.HasPrefix(channelID, "dm:") {
		return "", "", "", "", fmt.Errorf("not a dm channel id: %s", channelID)
	}
	parts := strings.Split(strings.TrimPrefix(channelID, "dm:"), ":")
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("malformed dm channel id: %s", channelID)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

// GenerateAgentID returns the agent's own name as its ID when one is
// supplied, or a deterministic role-derived ID otherwise: role + "_" +
// base32(sha256(projectHash|role))[:10], lowercased so it satisfies
// ValidateAgentName.
func GenerateAgentID(projectHash, role, name string) string {
	if name != "" {
		return name
	}
	input := fmt.Sprintf("%s|%s", projectHash, role)
	hash := sha256.Sum256([]byte(input))
	encoded := strings.ToLower(crockfordBase32.EncodeToString(hash[:]))
	return fmt.Sprintf("%s_%s", role, encoded[:10])
}

// GenerateMessageID returns a new ULID-based message ID: msg_{ulid}.
func GenerateMessageID() string { return "msg_" + generateULID() }

// GenerateThreadID returns a new ULID-based thread ID: thr_{ulid}.
func GenerateThreadID() string { return "thr_" + generateULID() }

// GenerateEventID returns a new ULID-based event ID: evt_{ulid}.
func GenerateEventID() string { return "evt_" + generateULID() }

// GenerateChannelInternalID returns a new ULID-based surrogate key used for
// the channel's primary key (distinct from its human-facing channel ID).
func GenerateChannelInternalID() string { return "chn_" + generateULID() }

// GenerateSessionID returns a new ULID-based session ID: ses_{ulid}.
func GenerateSessionID() string { return "ses_" + generateULID() }

// GenerateSessionToken returns a new ULID-based reconnection token: tok_{ulid}.
func GenerateSessionToken() string { return "tok_" + generateULID() }

// GenerateToolCallID returns a new ULID-based tool-call ID: tc_{ulid}.
func GenerateToolCallID() string { return "tc_" + generateULID() }

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	return id.String()
}

// ULIDTimestamp extracts the creation timestamp encoded in a prefixed,
// ULID-suffixed ID (e.g. "msg_01H...").
func ULIDTimestamp(prefixedID string) (time.Time, error) {
	idx := strings.LastIndex(prefixedID, "_")
	raw := prefixedID
	if idx >= 0 {
		raw = prefixedID[idx+1:]
	}
	id, err := ulid.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ulid: %w", err)
	}
	ms := id.Time()
	if ms/1000 > uint64(math.MaxInt64) {
		return time.Time{}, fmt.Errorf("ulid timestamp %d exceeds int64 range", ms)
	}
	sec := int64(ms / 1000)      //nolint:gosec // overflow checked above
	nsec := int64(ms%1000) * 1e6 //nolint:gosec // ms%1000 is always < 1000
	return time.Unix(sec, nsec), nil
}

// ValidateAgentName validates an agent name: lowercase letters, digits, and
// underscores only, non-empty, and not one of the reserved system names.
func ValidateAgentName(name string) error {
	if name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if reservedAgentNames[name] {
		return fmt.Errorf("agent name %q is reserved", name)
	}
	if !agentNameRegex.MatchString(name) {
		return fmt.Errorf("agent name %q contains invalid characters; only a-z, 0-9, and _ are allowed", name)
	}
	return nil
}
