package listings

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
)

// Collection is the lexicon collection listing records live under in each
// participant's repository.
const Collection = "net.atmarket.listing"

// Listing is a marketplace listing aggregated from a participant's
// repository. Listings are immutable once fetched; updates arrive as new
// fetch or stream events. Every listing carries full addressing information
// (AuthorDID + URI + CID) so it can be re-fetched authoritatively.
type Listing struct {
	URI              string    // at://<did>/<collection>/<rkey>
	CID              string    // content hash of the exact record bytes
	AuthorDID        string    // owning repository
	Title            string
	Description      string
	Location         string
	Category         string
	Condition        string
	Tags             []string
	ImageCIDs        []string  // blob references, resolvable against the author's PDS
	HideFromContacts bool
	CreatedAt        time.Time
}

// ListingInput is the validated field data for a new listing record.
type ListingInput struct {
	Title            string
	Description      string
	Location         string
	Category         string
	Condition        string
	Tags             []string
	ImageCIDs        []string
	HideFromContacts bool
}

// listingRecord is the wire shape of a net.atmarket.listing record.
type listingRecord struct {
	Type             string     `json:"$type"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Location         string     `json:"location,omitempty"`
	Category         string     `json:"category,omitempty"`
	Condition        string     `json:"condition,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	Images           []imageRef `json:"images,omitempty"`
	HideFromContacts bool       `json:"hideFromContacts,omitempty"`
	CreatedAt        string     `json:"createdAt"`
}

type imageRef struct {
	Alt   string  `json:"alt,omitempty"`
	Image blobRef `json:"image"`
}

type blobRef struct {
	Type     string   `json:"$type,omitempty"`
	Ref      blobLink `json:"ref"`
	MimeType string   `json:"mimeType,omitempty"`
	Size     int64    `json:"size,omitempty"`
}

type blobLink struct {
	Link string `json:"$link"`
}

// ParseRecord converts a raw repository record into a Listing. It enforces
// the addressing invariant (DID, URI, and a syntactically valid CID must all
// be present) and the $type discriminator.
func ParseRecord(authorDID, uri, cidStr string, raw json.RawMessage) (*Listing, error) {
	if authorDID == "" || uri == "" || cidStr == "" {
		return nil, &ErrInvalidRecord{URI: uri, Reason: "missing addressing information"}
	}
	if _, err := cid.Decode(cidStr); err != nil {
		return nil, &ErrInvalidRecord{URI: uri, Reason: fmt.Sprintf("invalid CID: %v", err)}
	}

	var rec listingRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, &ErrInvalidRecord{URI: uri, Reason: fmt.Sprintf("malformed record: %v", err)}
	}
	if rec.Type != Collection {
		return nil, &ErrWrongRecordType{URI: uri, Type: rec.Type}
	}
	if rec.Title == "" {
		return nil, &ErrInvalidRecord{URI: uri, Reason: "missing title"}
	}

	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		// Tolerate bad author clocks rather than dropping the record
		createdAt = time.Now().UTC()
	}

	listing := &Listing{
		URI:              uri,
		CID:              cidStr,
		AuthorDID:        authorDID,
		Title:            rec.Title,
		Description:      rec.Description,
		Location:         rec.Location,
		Category:         rec.Category,
		Condition:        rec.Condition,
		Tags:             rec.Tags,
		HideFromContacts: rec.HideFromContacts,
		CreatedAt:        createdAt,
	}

	for _, img := range rec.Images {
		if img.Image.Ref.Link != "" {
			listing.ImageCIDs = append(listing.ImageCIDs, img.Image.Ref.Link)
		}
	}

	return listing, nil
}

// buildRecord converts ListingInput into the wire shape for creation.
func buildRecord(input ListingInput, createdAt time.Time) *listingRecord {
	rec := &listingRecord{
		Type:             Collection,
		Title:            input.Title,
		Description:      input.Description,
		Location:         input.Location,
		Category:         input.Category,
		Condition:        input.Condition,
		Tags:             input.Tags,
		HideFromContacts: input.HideFromContacts,
		CreatedAt:        createdAt.UTC().Format(time.RFC3339),
	}
	for _, imageCID := range input.ImageCIDs {
		rec.Images = append(rec.Images, imageRef{
			Image: blobRef{Type: "blob", Ref: blobLink{Link: imageCID}},
		})
	}
	return rec
}
