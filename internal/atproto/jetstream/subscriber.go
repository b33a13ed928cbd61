package jetstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"atmarket/internal/core/listings"
)

const (
	defaultLookback     = 90 * 24 * time.Hour
	defaultQuietPeriod  = 3 * time.Second
	defaultLiveWindow   = 5 * time.Second
	defaultPollInterval = 500 * time.Millisecond

	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Options configures a subscription.
type Options struct {
	Endpoint   string // ws:// or wss:// URL of the feed's subscribe endpoint
	Collection string // record collection to filter to

	// Cursor is a unix-microsecond offset to resume from. Zero means "now
	// minus Lookback", so new clients replay pre-existing records without a
	// separate backfill.
	Cursor   int64
	Lookback time.Duration

	// QuietPeriod is how long the feed must stay silent, after at least one
	// message, before replay is considered complete. LiveWindow short-cuts
	// that: a message whose emission timestamp is within it of wall-clock
	// now flips the subscription to live immediately.
	QuietPeriod  time.Duration
	LiveWindow   time.Duration
	PollInterval time.Duration

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Lookback <= 0 {
		o.Lookback = defaultLookback
	}
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = defaultQuietPeriod
	}
	if o.LiveWindow <= 0 {
		o.LiveWindow = defaultLiveWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Handler receives one event. historical is true while the subscription is
// still replaying the backlog behind the cursor.
type Handler func(event Event, historical bool)

// Subscribe connects to the feed and delivers matching events to onEvent in
// transport order, at most once each. onReplayComplete, when non-nil, fires
// exactly once: after the quiet period, on the first live-window message, or
// when the connection closes before any message arrived. The returned
// function closes the connection and stops all timers; it is idempotent.
// Cancelling ctx closes the connection as well.
//
// The connection is not re-established on failure; callers decide whether
// and when to subscribe again.
func Subscribe(ctx context.Context, opts Options, registry listings.ParticipantRegistry, onEvent Handler, onReplayComplete func()) (func(), error) {
	opts.applyDefaults()

	endpoint, err := subscribeURL(opts)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to feed: %w", err)
	}

	sub := &subscription{
		conn:     conn,
		opts:     opts,
		registry: registry,
		onEvent:  onEvent,
		done:     make(chan struct{}),
	}
	sub.replay.fn = onReplayComplete

	subCtx, cancel := context.WithCancel(ctx)
	go sub.readLoop(subCtx)
	go sub.pollQuietPeriod(subCtx)
	go sub.pingLoop(subCtx)

	// Cancelling ctx must release readLoop from its blocking read, not just
	// stop the timers. Closing the connection is the only way to do that.
	go func() {
		select {
		case <-subCtx.Done():
			sub.closeConn()
		case <-sub.done:
		}
	}()

	unsubscribe := func() {
		sub.closeOnce.Do(func() {
			cancel()
			sub.closeConn()
			close(sub.done)
		})
	}
	return unsubscribe, nil
}

func subscribeURL(opts Options) (string, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid feed endpoint: %w", err)
	}

	cursor := opts.Cursor
	if cursor <= 0 {
		cursor = time.Now().Add(-opts.Lookback).UnixMicro()
	}

	q := u.Query()
	q.Set("wantedCollections", opts.Collection)
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// replayGate fires its callback exactly once across all transition paths.
type replayGate struct {
	once sync.Once
	fn   func()
}

func (g *replayGate) fire() {
	g.once.Do(func() {
		if g.fn != nil {
			g.fn()
		}
	})
}

type subscription struct {
	conn     *websocket.Conn
	opts     Options
	registry listings.ParticipantRegistry
	onEvent  Handler

	replay    replayGate
	closeOnce sync.Once
	connOnce  sync.Once
	done      chan struct{}

	mu       sync.Mutex
	lastMsg  time.Time
	received bool
	live     bool
}

func (s *subscription) closeConn() {
	s.connOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.opts.Logger.Debug("feed connection close", "error", err)
		}
	})
}

func (s *subscription) markLive() {
	s.mu.Lock()
	s.live = true
	s.mu.Unlock()
	s.replay.fire()
}

func (s *subscription) readLoop(ctx context.Context) {
	log := s.opts.Logger

	if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		log.Debug("failed to set read deadline", "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("feed connection closed", "error", err)
			}
			// A caller may be blocked waiting for replay completion even
			// though no message ever arrived.
			s.markLive()
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			log.Debug("failed to set read deadline", "error", err)
		}

		if err := s.handleMessage(ctx, message); err != nil {
			log.Warn("failed to handle feed event", "error", err)
		}
	}
}

func (s *subscription) handleMessage(ctx context.Context, data []byte) error {
	var event JetstreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("failed to parse event: %w", err)
	}

	emitted := time.UnixMicro(event.TimeUS)
	if time.Since(emitted) <= s.opts.LiveWindow {
		s.markLive()
	}

	s.mu.Lock()
	s.received = true
	s.lastMsg = time.Now()
	historical := !s.live
	s.mu.Unlock()

	if event.Kind != "commit" || event.Commit == nil {
		return nil
	}
	if s.opts.Collection != "" && event.Commit.Collection != s.opts.Collection {
		return nil
	}

	out := Event{
		DID:        event.Did,
		TimeUS:     event.TimeUS,
		Operation:  event.Commit.Operation,
		Collection: event.Commit.Collection,
		RKey:       event.Commit.RKey,
		CID:        event.Commit.CID,
	}

	switch event.Commit.Operation {
	case "create", "update":
		out.Record = event.Commit.Record
		if s.registry != nil {
			if err := s.registry.Add(ctx, event.Did); err != nil {
				s.opts.Logger.Warn("failed to register feed participant", "did", event.Did, "error", err)
			}
		}
	case "delete":
		// Forwarded as a tombstone so consumers can drop the record.
		s.opts.Logger.Debug("observed delete", "uri", out.URI())
	default:
		return nil
	}

	s.onEvent(out, historical)
	return nil
}

// pollQuietPeriod watches for the feed going silent after at least one
// message, which marks the end of cursor replay.
func (s *subscription) pollQuietPeriod(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			quiet := s.received && !s.live && time.Since(s.lastMsg) > s.opts.QuietPeriod
			live := s.live
			s.mu.Unlock()

			if live {
				return
			}
			if quiet {
				s.markLive()
				return
			}
		}
	}
}

func (s *subscription) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.opts.Logger.Debug("feed ping failed", "error", err)
				return
			}
		}
	}
}
