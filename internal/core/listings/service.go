package listings

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"atmarket/internal/atproto/identity"
	"atmarket/internal/atproto/xrpc"
)

// defaultSearchTerms is the fixed battery of keywords used by the
// network-wide discovery path. Results are filtered by the record type
// discriminator, so broad terms only cost bandwidth, not correctness.
var defaultSearchTerms = []string{
	"for sale", "selling", "marketplace", "atmarket", "listing",
}

// Options configures the aggregator.
type Options struct {
	Collection        string
	FanoutLimit       int           // max records fetched per participant
	SearchLimit       int           // max hits fetched per search term
	CacheTTL          time.Duration // search snapshot freshness window
	SearchMinInterval time.Duration // minimum spacing between search passes
	SearchTerms       []string
	DefaultPDS        string // fallback endpoint when resolution fails
}

func (o *Options) applyDefaults() {
	if o.Collection == "" {
		o.Collection = Collection
	}
	if o.FanoutLimit <= 0 {
		o.FanoutLimit = 100
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = 25
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.SearchMinInterval <= 0 {
		o.SearchMinInterval = 30 * time.Second
	}
	if len(o.SearchTerms) == 0 {
		o.SearchTerms = defaultSearchTerms
	}
}

// snapshot is the single cache slot for the search discovery path. It is
// replaced atomically under the service mutex; readers see either the old or
// the new snapshot, never a partial one.
type snapshot struct {
	listings []Listing
	takenAt  time.Time
}

// Service aggregates listings scattered across independently-owned
// repositories into one view.
type Service struct {
	resolver identity.Resolver
	registry ParticipantRegistry
	records  RecordSource
	search   SearchSource
	graph    SocialGraph // optional; nil disables the visibility filter
	writer   RecordWriter
	opts     Options
	logger   *slog.Logger

	mu         sync.Mutex
	cache      *snapshot
	lastSearch time.Time
}

// NewService creates the aggregator. graph and writer may be nil: without a
// graph the visibility filter is skipped (fail-open), without a writer
// Publish is unavailable.
func NewService(resolver identity.Resolver, registry ParticipantRegistry, records RecordSource, search SearchSource, graph SocialGraph, writer RecordWriter, opts Options, logger *slog.Logger) *Service {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		resolver: resolver,
		registry: registry,
		records:  records,
		search:   search,
		graph:    graph,
		writer:   writer,
		opts:     opts,
		logger:   logger,
	}
}

// Fetch returns the aggregated listing view for a viewer ("" = anonymous).
//
// Strategy selection: when the participant registry yields known DIDs, a
// concurrent fan-out over their repositories is the fast path. When the
// registry is empty or fan-out produces nothing, the (expensive, cached,
// throttled) network-wide search fallback runs instead.
//
// All-strategies-failed renders as an empty result, not an error; only a
// cancelled context propagates.
func (s *Service) Fetch(ctx context.Context, viewerDID string) ([]Listing, error) {
	var merged []Listing

	dids, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Warn("participant registry unavailable, using search fallback", "error", err)
	}

	if len(dids) > 0 {
		merged = s.fanOut(ctx, dids)
	}

	if len(merged) == 0 {
		merged, err = s.searchWithPolicy(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("search fallback failed", "error", err)
			merged = nil
		}
	}

	return s.applyVisibility(ctx, viewerDID, merged), nil
}

// fanOut concurrently lists each known participant's repository and merges
// the results. A failure for one participant is logged and contained; it
// never fails the pass.
func (s *Service) fanOut(ctx context.Context, dids []string) []Listing {
	results := make([][]Listing, len(dids))

	var wg sync.WaitGroup
	for i, did := range dids {
		wg.Add(1)
		go func(i int, did string) {
			defer wg.Done()

			pdsURL, err := s.resolver.ResolveDID(ctx, did)
			if err != nil {
				if s.opts.DefaultPDS == "" {
					s.logger.Warn("skipping participant, endpoint resolution failed", "did", did, "error", err)
					return
				}
				pdsURL = s.opts.DefaultPDS
			}

			recs, err := s.records.ListRecords(ctx, pdsURL, did, s.opts.Collection, s.opts.FanoutLimit)
			if err != nil {
				s.logger.Warn("skipping participant, record listing failed", "did", did, "error", err)
				return
			}

			var parsed []Listing
			for _, rec := range recs {
				listing, parseErr := ParseRecord(did, rec.URI, rec.CID, rec.Value)
				if parseErr != nil {
					s.logger.Debug("dropping unparseable record", "uri", rec.URI, "error", parseErr)
					continue
				}
				parsed = append(parsed, *listing)
			}
			results[i] = parsed
		}(i, did)
	}
	wg.Wait()

	var flat []Listing
	for _, batch := range results {
		flat = append(flat, batch...)
	}
	return s.registerAndDedupe(ctx, flat)
}

// searchWithPolicy wraps runSearch with the cache and throttle policy:
//  1. fresh cache -> return it without any network call
//  2. throttled and a cache exists (even stale) -> return the stale cache
//  3. throttled and no cache -> wait out the remaining interval, then search
//  4. rate-limited by the network -> return any existing cache instead of
//     propagating the error
func (s *Service) searchWithPolicy(ctx context.Context) ([]Listing, error) {
	s.mu.Lock()

	for {
		if s.cache != nil && time.Since(s.cache.takenAt) < s.opts.CacheTTL {
			cached := s.cache.listings
			s.mu.Unlock()
			return cached, nil
		}

		wait := s.opts.SearchMinInterval - time.Since(s.lastSearch)
		if wait <= 0 {
			break
		}
		if s.cache != nil {
			cached := s.cache.listings
			s.mu.Unlock()
			return cached, nil
		}
		s.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// Another waiter may have searched while we slept. Re-check the
		// cache and the throttle before claiming the next search slot.
		s.mu.Lock()
	}

	s.lastSearch = time.Now()
	s.mu.Unlock()

	found, err := s.runSearch(ctx)
	if err != nil {
		if errors.Is(err, xrpc.ErrRateLimited) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.cache != nil {
				s.logger.Warn("search rate limited, serving stale cache")
				return s.cache.listings, nil
			}
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache = &snapshot{listings: found, takenAt: time.Now()}
	s.mu.Unlock()

	return found, nil
}

// runSearch issues the fixed term battery and keeps hits whose record type
// discriminator matches the listing collection. Per-term failures are
// contained; an explicit rate-limit response aborts the pass so the policy
// layer can fall back to cache.
func (s *Service) runSearch(ctx context.Context) ([]Listing, error) {
	var flat []Listing

	for _, term := range s.opts.SearchTerms {
		hits, err := s.search.Search(ctx, term, s.opts.SearchLimit)
		if err != nil {
			if errors.Is(err, xrpc.ErrRateLimited) || ctx.Err() != nil {
				return nil, err
			}
			s.logger.Warn("search term failed", "term", term, "error", err)
			continue
		}

		for _, hit := range hits {
			listing, parseErr := ParseRecord(hit.AuthorDID, hit.URI, hit.CID, hit.Record)
			if parseErr != nil {
				// Search returns records of all types; only log real damage
				var wrongType *ErrWrongRecordType
				if !errors.As(parseErr, &wrongType) {
					s.logger.Debug("dropping unparseable search hit", "uri", hit.URI, "error", parseErr)
				}
				continue
			}
			flat = append(flat, *listing)
		}
	}

	return s.registerAndDedupe(ctx, flat), nil
}

// registerAndDedupe deduplicates by record URI (first seen wins) and appends
// every newly observed author DID to the participant registry.
func (s *Service) registerAndDedupe(ctx context.Context, found []Listing) []Listing {
	seen := make(map[string]struct{}, len(found))
	deduped := make([]Listing, 0, len(found))

	for _, listing := range found {
		if _, dup := seen[listing.URI]; dup {
			continue
		}
		seen[listing.URI] = struct{}{}
		deduped = append(deduped, listing)

		if err := s.registry.Add(ctx, listing.AuthorDID); err != nil {
			s.logger.Warn("failed to register participant", "did", listing.AuthorDID, "error", err)
		}
	}

	return deduped
}

// applyVisibility suppresses listings whose author declared
// "hide from network contacts" when the author follows the viewer.
//
// Trust boundary: a failed social-graph lookup defaults to SHOWING the
// record. This is a deliberate usability choice; deployments with stricter
// privacy requirements should front this with a fail-closed graph.
func (s *Service) applyVisibility(ctx context.Context, viewerDID string, found []Listing) []Listing {
	if len(found) == 0 {
		return []Listing{}
	}
	if s.graph == nil || viewerDID == "" {
		return found
	}

	visible := make([]Listing, 0, len(found))
	for _, listing := range found {
		if !listing.HideFromContacts || listing.AuthorDID == viewerDID {
			visible = append(visible, listing)
			continue
		}
		follows, err := s.graph.Follows(ctx, listing.AuthorDID, viewerDID)
		if err != nil {
			s.logger.Debug("visibility check failed, showing record", "uri", listing.URI, "error", err)
			visible = append(visible, listing)
			continue
		}
		if !follows {
			visible = append(visible, listing)
		}
	}
	return visible
}

// Publish creates a listing record in the author's own repository.
func (s *Service) Publish(ctx context.Context, authorDID string, input ListingInput) (uri, cidStr string, err error) {
	if s.writer == nil {
		return "", "", errors.New("no authenticated record writer configured")
	}
	if input.Title == "" {
		return "", "", &ErrInvalidInput{Field: "title", Reason: "is required"}
	}

	record := buildRecord(input, time.Now())
	uri, cidStr, err = s.writer.CreateRecord(ctx, authorDID, s.opts.Collection, record)
	if err != nil {
		return "", "", err
	}

	if regErr := s.registry.Add(ctx, authorDID); regErr != nil {
		s.logger.Warn("failed to register own DID", "error", regErr)
	}

	return uri, cidStr, nil
}
