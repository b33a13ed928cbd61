package listings

import (
	"context"
	"encoding/json"
)

// ParticipantRegistry is the durable registry of DIDs known to publish
// listings. Both aggregation strategies and the change feed subscriber grow
// it as new participants are observed.
type ParticipantRegistry interface {
	// Add records a DID; adding an already-known DID is a no-op.
	Add(ctx context.Context, did string) error

	// List returns all known participant DIDs.
	List(ctx context.Context) ([]string, error)
}

// RemoteRecord is a record as returned by a repository listing call.
type RemoteRecord struct {
	URI   string
	CID   string
	Value json.RawMessage
}

// RecordSource lists records from a participant's repository.
type RecordSource interface {
	ListRecords(ctx context.Context, pdsURL, repoDID, collection string, limit int) ([]RemoteRecord, error)
}

// RecordWriter creates records in the authenticated user's repository.
type RecordWriter interface {
	CreateRecord(ctx context.Context, repoDID, collection string, record any) (uri, cid string, err error)
}

// SearchHit is a single result from the network-wide search operation.
type SearchHit struct {
	URI       string
	CID       string
	AuthorDID string
	Record    json.RawMessage
}

// SearchSource performs network-wide keyword search, the aggregator's
// discovery path when no participant registry is available.
type SearchSource interface {
	Search(ctx context.Context, term string, limit int) ([]SearchHit, error)
}

// SocialGraph answers follow-relationship queries for the visibility filter.
type SocialGraph interface {
	// Follows reports whether actorDID follows subjectDID.
	Follows(ctx context.Context, actorDID, subjectDID string) (bool, error)
}
