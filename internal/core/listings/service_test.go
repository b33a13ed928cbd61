package listings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atmarket/internal/atproto/identity"
	"atmarket/internal/atproto/xrpc"
)

// testCID is a syntactically valid content identifier for fixtures
const testCID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

func listingJSON(title string) json.RawMessage {
	rec := map[string]any{
		"$type":     Collection,
		"title":     title,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(rec)
	return data
}

func hiddenListingJSON(title string) json.RawMessage {
	rec := map[string]any{
		"$type":            Collection,
		"title":            title,
		"hideFromContacts": true,
		"createdAt":        time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(rec)
	return data
}

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, identifier string) (*identity.Identity, error) {
	return &identity.Identity{DID: identifier, PDSURL: "https://pds.example.com"}, nil
}
func (stubResolver) ResolveDID(ctx context.Context, did string) (string, error) {
	return "https://pds.example.com", nil
}
func (stubResolver) Purge(ctx context.Context, identifier string) error { return nil }

type memRegistry struct {
	mu   sync.Mutex
	dids []string
	seen map[string]bool
}

func newMemRegistry(dids ...string) *memRegistry {
	r := &memRegistry{seen: make(map[string]bool)}
	for _, did := range dids {
		r.dids = append(r.dids, did)
		r.seen[did] = true
	}
	return r
}

func (r *memRegistry) Add(ctx context.Context, did string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seen[did] {
		r.seen[did] = true
		r.dids = append(r.dids, did)
	}
	return nil
}

func (r *memRegistry) List(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dids...), nil
}

type fakeRecords struct {
	mu      sync.Mutex
	byDID   map[string][]RemoteRecord
	failing map[string]bool
	calls   int
}

func (f *fakeRecords) ListRecords(ctx context.Context, pdsURL, repoDID, collection string, limit int) ([]RemoteRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.failing[repoDID] {
		return nil, errors.New("repository unreachable")
	}
	return f.byDID[repoDID], nil
}

type fakeSearch struct {
	mu          sync.Mutex
	hits        []SearchHit
	calls       int
	callTimes   []time.Time
	rateLimited bool
}

func (f *fakeSearch) Search(ctx context.Context, term string, limit int) ([]SearchHit, error) {
	f.mu.Lock()
	f.calls++
	f.callTimes = append(f.callTimes, time.Now())
	f.mu.Unlock()
	if f.rateLimited {
		return nil, &xrpc.Error{StatusCode: 429, Kind: "RateLimitExceeded"}
	}
	return f.hits, nil
}

func (f *fakeSearch) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSearch) passTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.callTimes...)
}

type fakeGraph struct {
	follows map[string]bool // key: actor->subject
	err     error
}

func (f *fakeGraph) Follows(ctx context.Context, actorDID, subjectDID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.follows[actorDID+"->"+subjectDID], nil
}

func newTestService(registry ParticipantRegistry, records RecordSource, search SearchSource, graph SocialGraph, opts Options) *Service {
	return NewService(stubResolver{}, registry, records, search, graph, nil, opts, nil)
}

func TestFanOut_MergesAndSkipsFailedParticipants(t *testing.T) {
	registry := newMemRegistry("did:plc:alice", "did:plc:bob", "did:plc:broken")
	records := &fakeRecords{
		byDID: map[string][]RemoteRecord{
			"did:plc:alice": {
				{URI: "at://did:plc:alice/" + Collection + "/1", CID: testCID, Value: listingJSON("Bike")},
			},
			"did:plc:bob": {
				{URI: "at://did:plc:bob/" + Collection + "/1", CID: testCID, Value: listingJSON("Couch")},
			},
		},
		failing: map[string]bool{"did:plc:broken": true},
	}
	search := &fakeSearch{}

	svc := newTestService(registry, records, search, nil, Options{})

	got, err := svc.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, got, 2, "one failed participant must not fail the pass")
	assert.Equal(t, 0, search.callCount(), "fan-out success must not invoke the search fallback")
}

func TestFanOut_DedupesByURIFirstSeenWins(t *testing.T) {
	registry := newMemRegistry("did:plc:alice")
	dupURI := "at://did:plc:alice/" + Collection + "/1"
	records := &fakeRecords{
		byDID: map[string][]RemoteRecord{
			"did:plc:alice": {
				{URI: dupURI, CID: testCID, Value: listingJSON("First")},
				{URI: dupURI, CID: testCID, Value: listingJSON("Second")},
			},
		},
	}

	svc := newTestService(registry, records, &fakeSearch{}, nil, Options{})

	got, err := svc.Fetch(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "First", got[0].Title)

	uris := make(map[string]int)
	for _, l := range got {
		uris[l.URI]++
	}
	for uri, n := range uris {
		assert.Equal(t, 1, n, "duplicate URI in merged result: %s", uri)
	}
}

func TestSearchFallback_FiltersTypeAndRegistersParticipants(t *testing.T) {
	registry := newMemRegistry()
	search := &fakeSearch{hits: []SearchHit{
		{
			URI: "at://did:plc:carol/" + Collection + "/1", CID: testCID,
			AuthorDID: "did:plc:carol", Record: listingJSON("Lamp"),
		},
		{
			URI: "at://did:plc:dave/app.bsky.feed.post/1", CID: testCID,
			AuthorDID: "did:plc:dave",
			Record:    json.RawMessage(`{"$type":"app.bsky.feed.post","text":"selling nothing"}`),
		},
	}}

	svc := newTestService(registry, &fakeRecords{}, search, nil, Options{
		SearchTerms: []string{"selling"},
	})

	got, err := svc.Fetch(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, got, 1, "non-listing record types must be filtered out")
	assert.Equal(t, "Lamp", got[0].Title)

	dids, _ := registry.List(context.Background())
	assert.Contains(t, dids, "did:plc:carol", "search-discovered DIDs must be registered")
}

func TestSearchFallback_CacheFreshness(t *testing.T) {
	registry := newMemRegistry()
	search := &fakeSearch{hits: []SearchHit{{
		URI: "at://did:plc:carol/" + Collection + "/1", CID: testCID,
		AuthorDID: "did:plc:carol", Record: listingJSON("Lamp"),
	}}}

	svc := newTestService(registry, &fakeRecords{}, search, nil, Options{
		SearchTerms:       []string{"selling"},
		CacheTTL:          80 * time.Millisecond,
		SearchMinInterval: time.Millisecond,
	})

	ctx := context.Background()

	first, err := svc.Fetch(ctx, "")
	require.NoError(t, err)
	afterFirst := search.callCount()

	second, err := svc.Fetch(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, afterFirst, search.callCount(), "fresh cache must be served without a network call")
	assert.Equal(t, first, second)

	time.Sleep(100 * time.Millisecond)

	_, err = svc.Fetch(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, afterFirst*2, search.callCount(), "expired cache must trigger exactly one new pass")
}

func TestSearchFallback_ThrottleBlocksWhenNoCache(t *testing.T) {
	registry := newMemRegistry()
	search := &fakeSearch{}

	interval := 150 * time.Millisecond
	svc := newTestService(registry, &fakeRecords{}, search, nil, Options{
		SearchTerms:       []string{"selling"},
		SearchMinInterval: interval,
	})

	ctx := context.Background()

	// A rate-limited first pass arms the throttle without producing a cache.
	search.rateLimited = true
	start := time.Now()
	_, err := svc.Fetch(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, search.callCount())

	search.rateLimited = false
	got, err := svc.Fetch(ctx, "")
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, interval, "second pass must wait out the minimum interval")
	assert.Equal(t, 2, search.callCount(), "the wait must end in a real search, not a cache hit")
	assert.Empty(t, got)
}

func TestSearchFallback_ConcurrentWaitersShareOnePass(t *testing.T) {
	registry := newMemRegistry()
	search := &fakeSearch{hits: []SearchHit{{
		URI: "at://did:plc:carol/" + Collection + "/1", CID: testCID,
		AuthorDID: "did:plc:carol", Record: listingJSON("Lamp"),
	}}}

	interval := 200 * time.Millisecond
	svc := newTestService(registry, &fakeRecords{}, search, nil, Options{
		SearchTerms:       []string{"selling"},
		SearchMinInterval: interval,
	})

	ctx := context.Background()

	// A rate-limited first pass arms the throttle without producing a cache.
	search.rateLimited = true
	_, err := svc.Fetch(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, search.callCount())
	search.rateLimited = false

	const waiters = 4
	results := make([][]Listing, waiters)
	errs := make([]error, waiters)

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Fetch(ctx, "")
		}(i)
	}
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Len(t, results[i], 1, "every waiter must see the pass that ended the wait")
	}

	assert.Equal(t, 2, search.callCount(), "waiters blocked together must share a single pass")
	times := search.passTimes()
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, interval, "passes must stay the minimum interval apart")
	}
}

func TestSearchFallback_RateLimitServesStaleCache(t *testing.T) {
	registry := newMemRegistry()
	search := &fakeSearch{hits: []SearchHit{{
		URI: "at://did:plc:carol/" + Collection + "/1", CID: testCID,
		AuthorDID: "did:plc:carol", Record: listingJSON("Lamp"),
	}}}

	svc := newTestService(registry, &fakeRecords{}, search, nil, Options{
		SearchTerms:       []string{"selling"},
		CacheTTL:          20 * time.Millisecond,
		SearchMinInterval: time.Millisecond,
	})

	ctx := context.Background()

	first, err := svc.Fetch(ctx, "")
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(30 * time.Millisecond) // cache now stale
	search.rateLimited = true

	got, err := svc.Fetch(ctx, "")
	require.NoError(t, err, "rate limiting must not surface as a hard failure when a cache exists")
	assert.Equal(t, first, got, "stale cache must be served on rate limit")
}

func TestVisibilityFilter(t *testing.T) {
	registry := newMemRegistry("did:plc:seller")
	records := &fakeRecords{
		byDID: map[string][]RemoteRecord{
			"did:plc:seller": {
				{URI: "at://did:plc:seller/" + Collection + "/open", CID: testCID, Value: listingJSON("Public")},
				{URI: "at://did:plc:seller/" + Collection + "/hidden", CID: testCID, Value: hiddenListingJSON("Hidden")},
			},
		},
	}

	t.Run("suppressed when author follows viewer", func(t *testing.T) {
		graph := &fakeGraph{follows: map[string]bool{"did:plc:seller->did:plc:viewer": true}}
		svc := newTestService(registry, records, &fakeSearch{}, graph, Options{})

		got, err := svc.Fetch(context.Background(), "did:plc:viewer")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Public", got[0].Title)
	})

	t.Run("shown when author does not follow viewer", func(t *testing.T) {
		graph := &fakeGraph{follows: map[string]bool{}}
		svc := newTestService(registry, records, &fakeSearch{}, graph, Options{})

		got, err := svc.Fetch(context.Background(), "did:plc:viewer")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("fails open on graph lookup error", func(t *testing.T) {
		graph := &fakeGraph{err: errors.New("graph service down")}
		svc := newTestService(registry, records, &fakeSearch{}, graph, Options{})

		got, err := svc.Fetch(context.Background(), "did:plc:viewer")
		require.NoError(t, err)
		assert.Len(t, got, 2, "lookup failure must default to showing the record")
	})

	t.Run("anonymous viewer sees everything", func(t *testing.T) {
		graph := &fakeGraph{follows: map[string]bool{"did:plc:seller->did:plc:viewer": true}}
		svc := newTestService(registry, records, &fakeSearch{}, graph, Options{})

		got, err := svc.Fetch(context.Background(), "")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestFetch_EmptyOnTotalFailure(t *testing.T) {
	registry := newMemRegistry("did:plc:broken")
	records := &fakeRecords{failing: map[string]bool{"did:plc:broken": true}}
	search := &fakeSearch{rateLimited: true}

	svc := newTestService(registry, records, search, nil, Options{
		SearchTerms:       []string{"selling"},
		SearchMinInterval: time.Millisecond,
	})

	got, err := svc.Fetch(context.Background(), "")
	require.NoError(t, err, "total failure must render as an empty result, not an error")
	assert.Empty(t, got)
}

func TestParseRecord_EnforcesAddressingInvariant(t *testing.T) {
	raw := listingJSON("Bike")

	_, err := ParseRecord("", "at://x/y/z", testCID, raw)
	assert.Error(t, err, "missing DID must be rejected")

	_, err = ParseRecord("did:plc:alice", "", testCID, raw)
	assert.Error(t, err, "missing URI must be rejected")

	_, err = ParseRecord("did:plc:alice", "at://x/y/z", "", raw)
	assert.Error(t, err, "missing CID must be rejected")

	_, err = ParseRecord("did:plc:alice", "at://x/y/z", "not-a-cid", raw)
	assert.Error(t, err, "malformed CID must be rejected")

	listing, err := ParseRecord("did:plc:alice", "at://x/y/z", testCID, raw)
	require.NoError(t, err)
	assert.Equal(t, "Bike", listing.Title)
	assert.Equal(t, "did:plc:alice", listing.AuthorDID)
}

func TestParseRecord_FallsBackToNowOnBadTimestamp(t *testing.T) {
	raw := json.RawMessage(fmt.Sprintf(`{"$type":%q,"title":"Bike","createdAt":"yesterday-ish"}`, Collection))

	listing, err := ParseRecord("did:plc:alice", "at://x/y/z", testCID, raw)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), listing.CreatedAt, 5*time.Second)
}
