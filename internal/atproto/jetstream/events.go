// Package jetstream subscribes to a Jetstream-style change feed over
// WebSocket and classifies delivered events as historical replay or live.
package jetstream

import "encoding/json"

// JetstreamEvent is the wire envelope for one feed message.
type JetstreamEvent struct {
	Did    string       `json:"did"`
	TimeUS int64        `json:"time_us"`
	Kind   string       `json:"kind"` // "commit", "account", "identity"
	Commit *CommitEvent `json:"commit,omitempty"`
}

// CommitEvent describes a repository operation inside a commit message.
type CommitEvent struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"` // "create", "update", "delete"
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// Event is what the subscriber delivers to its consumer. Record is nil for
// delete operations, which are forwarded as tombstones.
type Event struct {
	DID        string
	TimeUS     int64
	Operation  string
	Collection string
	RKey       string
	CID        string
	Record     json.RawMessage
}

// URI renders the at:// address of the record the event concerns.
func (e *Event) URI() string {
	return "at://" + e.DID + "/" + e.Collection + "/" + e.RKey
}
