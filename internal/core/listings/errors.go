package listings

import "fmt"

// ErrInvalidRecord is returned for records that cannot be surfaced: missing
// addressing information or an unparseable payload. Treated as absence of
// data, never as a fatal aggregation error.
type ErrInvalidRecord struct {
	URI    string
	Reason string
}

func (e *ErrInvalidRecord) Error() string {
	return fmt.Sprintf("invalid listing record %s: %s", e.URI, e.Reason)
}

// ErrWrongRecordType is returned when a record's $type discriminator does
// not match the listing collection. Used to filter search results.
type ErrWrongRecordType struct {
	URI  string
	Type string
}

func (e *ErrWrongRecordType) Error() string {
	return fmt.Sprintf("record %s has type %q, expected %q", e.URI, e.Type, Collection)
}

// ErrInvalidInput is returned when a listing submission fails validation.
type ErrInvalidInput struct {
	Field  string
	Reason string
}

func (e *ErrInvalidInput) Error() string {
	return fmt.Sprintf("invalid listing input: %s %s", e.Field, e.Reason)
}
