// Package models holds the entities of the flow engine's data model: users
// (tenants), contacts, flows and their node/edge definitions, sessions,
// broadcasts, and recipients. Types here are persistence-shape structs; the
// store package maps them to and from SQLite rows.
package models

import (
	"encoding/json"
	"time"
)

// FlowStatus is the lifecycle state of a Flow.
type FlowStatus string

const (
	FlowDraft    FlowStatus = "Draft"
	FlowActive   FlowStatus = "Active"
	FlowPaused   FlowStatus = "Paused"
	FlowArchived FlowStatus = "Archived"
)

// Channel identifies the delivery channel a Flow targets.
type Channel string

const ChannelWhatsApp Channel = "whatsapp"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "Active"
	SessionPaused    SessionStatus = "Paused"
	SessionCompleted SessionStatus = "Completed"
	SessionErrored   SessionStatus = "Errored"
)

// NodeType enumerates the 12 node types a flow definition may contain.
type NodeType string

const (
	NodeTrigger      NodeType = "trigger"
	NodeMessage      NodeType = "message"
	NodeOptions      NodeType = "options"
	NodeDelay        NodeType = "delay"
	NodeCondition    NodeType = "condition"
	NodeAPI          NodeType = "api"
	NodeAssign       NodeType = "assign"
	NodeMedia        NodeType = "media"
	NodeWhatsAppFlow NodeType = "whatsapp_flow"
	NodeHandoff      NodeType = "handoff"
	NodeGoto         NodeType = "goto"
	NodeEnd          NodeType = "end"
)

// ValidNodeTypes is the closed set of node types the sanitizer accepts.
var ValidNodeTypes = map[NodeType]bool{
	NodeTrigger: true, NodeMessage: true, NodeOptions: true, NodeDelay: true,
	NodeCondition: true, NodeAPI: true, NodeAssign: true, NodeMedia: true,
	NodeWhatsAppFlow: true, NodeHandoff: true, NodeGoto: true, NodeEnd: true,
}

// User is a tenant: the owner of flows, contacts, and broadcasts. Its
// lifecycle (signup, credential rotation) is managed outside this core.
type User struct {
	ID                string
	AccessToken       string
	BusinessAccountID string
	PhoneNumberID     string
	VerifyToken       string
}

// Contact is an end-user the tenant talks to over WhatsApp.
type Contact struct {
	ID     string
	UserID string
	Phone  string // canonical digits-only
	Name   string
}

// Position is a node's visual coordinate; carried through sanitize/execute
// untouched but validated as finite numbers.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one step of a flow definition. Data is the type-specific payload,
// validated lazily at execution time rather than at sanitize time. Extra
// holds any top-level node properties beyond id/type/data/position verbatim,
// so a flow builder's own fields (labels, UI hints, future properties this
// package doesn't know about yet) survive a sanitize round-trip untouched.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Data     map[string]any `json:"data"`
	Position Position       `json:"position"`
	Extra    map[string]any `json:"-"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(n.Extra)+4)
	for k, v := range n.Extra {
		m[k] = v
	}
	m["id"] = n.ID
	m["type"] = n.Type
	m["data"] = n.Data
	m["position"] = n.Position
	return json.Marshal(m)
}

func (n *Node) UnmarshalJSON(b []byte) error {
	type alias Node
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*n = Node(a)

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	delete(m, "id")
	delete(m, "type")
	delete(m, "data")
	delete(m, "position")
	if len(m) > 0 {
		n.Extra = m
	}
	return nil
}

// Edge connects two nodes. SourceHandle carries dispatch information for
// condition ("true"/"false") and options ("opt-<i>"/"no-match") nodes; it is
// nil when unset, distinct from an edge that deliberately carries "".
type Edge struct {
	ID           string  `json:"id"`
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	SourceHandle *string `json:"sourceHandle,omitempty"`
	TargetHandle *string `json:"targetHandle,omitempty"`
}

// FlowDefinition is the canonical, sanitized graph shape the executor walks.
type FlowDefinition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// MetaFlow carries the optional WhatsApp Flow binding for a Flow.
type MetaFlow struct {
	ID         string `json:"id,omitempty"`
	Token      string `json:"token,omitempty"`
	Version    string `json:"version,omitempty"`
	RevisionID string `json:"revisionId,omitempty"`
	Status     string `json:"status,omitempty"`
	Metadata   string `json:"metadata,omitempty"`
}

// Flow is a named, owned dialogue graph.
type Flow struct {
	ID         string
	UserID     string
	Name       string
	Trigger    string
	Status     FlowStatus
	Channel    Channel
	Definition FlowDefinition
	MetaFlow   MetaFlow
	UpdatedAt  time.Time
}

// Session is the runtime state of one Flow for one Contact.
type Session struct {
	ID            string
	ContactID     string
	FlowID        string
	Status        SessionStatus
	CurrentNodeID *string
	Context       map[string]any
	UpdatedAt     time.Time
}

// Broadcast is a bulk send job and its aggregate counters.
type Broadcast struct {
	ID              string
	UserID          string
	TotalRecipients int
	SuccessCount    int
	FailureCount    int
	Status          string
}

// RecipientStatus is the canonical per-recipient delivery state.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "Pending"
	RecipientSent      RecipientStatus = "Sent"
	RecipientDelivered RecipientStatus = "Delivered"
	RecipientRead      RecipientStatus = "Read"
	RecipientFailed    RecipientStatus = "Failed"
	RecipientWarning   RecipientStatus = "Warning"
)

// SuccessStatuses and FailureStatuses partition RecipientStatus for the
// broadcast aggregate delta computation of §4.8.
var SuccessStatuses = map[RecipientStatus]bool{
	RecipientSent: true, RecipientDelivered: true, RecipientRead: true,
}

var FailureStatuses = map[RecipientStatus]bool{
	RecipientFailed: true,
}

// BroadcastRecipient is one targeted contact within a Broadcast.
type BroadcastRecipient struct {
	ID              string
	BroadcastID     string
	ContactID       string
	Status          RecipientStatus
	Error           string
	StatusUpdatedAt *time.Time
	MessageID       string
	ConversationID  string
}

// Log is an append-only snapshot of a session's state after processing one
// inbound event.
type Log struct {
	ID        string
	SessionID string
	Status    SessionStatus
	Context   map[string]any
	CreatedAt time.Time
}

// RawJSON is an alias for payload fields the core treats as opaque. Inbound
// media blobs themselves are carried as untyped maps and are never
// schema-validated against a media-type union.
type RawJSON = json.RawMessage
