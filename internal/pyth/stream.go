package pyth

import (
	"PerpKeeper/internal/ingestion"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// StreamConfig tunes the price streamer.
type StreamConfig struct {
	URL           string
	AnchorMarket  string        // streaming starts once this market is known
	WaitInterval  time.Duration // poll interval while waiting for markets, and reconnect delay
	Reinit        time.Duration // the subscription is rebuilt this often to pick up new markets
	DefaultMaxAge time.Duration // used when a market has no pythMaxAge
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		AnchorMarket:  "BTC-USD",
		WaitInterval:  2 * time.Second,
		Reinit:        15 * time.Minute,
		DefaultMaxAge: 10 * time.Second,
	}
}

// Update is one price observation decoded from the stream.
type Update struct {
	FeedID      string // lowercase hex, no 0x
	Price       float64
	PublishTime time.Time
}

type wsMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	PriceFeed *struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"price_feed"`
}

// ParseMessage decodes a stream message. Messages that carry no price
// return a nil update.
func ParseMessage(data []byte) (*Update, error) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}

	switch msg.Type {
	case "price_update":
	case "response":
		if msg.Status == "error" {
			return nil, fmt.Errorf("stream error: %s", msg.Error)
		}
		return nil, nil
	default:
		return nil, nil
	}
	if msg.PriceFeed == nil {
		return nil, fmt.Errorf("price_update without price_feed")
	}

	raw, err := decimal.NewFromString(msg.PriceFeed.Price.Price)
	if err != nil {
		return nil, fmt.Errorf("feed %s price: %w", msg.PriceFeed.ID, err)
	}
	price, _ := raw.Shift(msg.PriceFeed.Price.Expo).Float64()

	return &Update{
		FeedID:      ingestion.NormalizeFeedID(msg.PriceFeed.ID),
		Price:       price,
		PublishTime: time.Unix(msg.PriceFeed.Price.PublishTime, 0),
	}, nil
}

type feedTarget struct {
	market string
	maxAge time.Duration
}

// Streamer subscribes to the feeds of every known market and forwards fresh
// prices to the ingestion channel.
type Streamer struct {
	cfg     StreamConfig
	store   *state.Store
	ticks   chan<- ingestion.PriceTick
	dialer  *websocket.Dialer
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewStreamer(cfg StreamConfig, store *state.Store, ticks chan<- ingestion.PriceTick, metrics *observability.Metrics, logger zerolog.Logger) *Streamer {
	return &Streamer{
		cfg:   cfg,
		store: store,
		ticks: ticks,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Streamer) WithClock(now func() time.Time) *Streamer {
	s.now = now
	return s
}

// Run streams until ctx ends. Each session lasts at most Reinit, then the
// feed set is rebuilt from the store and a new connection is opened.
func (s *Streamer) Run(ctx context.Context) error {
	for {
		feeds, err := s.waitForMarkets(ctx)
		if err != nil {
			return err
		}

		sessionCtx, cancel := context.WithTimeout(ctx, s.cfg.Reinit)
		err = s.session(sessionCtx, feeds)
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn().Err(err).Msg("price stream interrupted")
			if err := sleep(ctx, s.cfg.WaitInterval); err != nil {
				return err
			}
			continue
		}
		s.logger.Info().Int("feeds", len(feeds)).Msg("re-initialising price stream")
	}
}

func (s *Streamer) waitForMarkets(ctx context.Context) (map[string]feedTarget, error) {
	for {
		if _, ok := s.store.Market(s.cfg.AnchorMarket); ok {
			return s.feeds(), nil
		}
		s.logger.Debug().Str("anchor", s.cfg.AnchorMarket).Msg("markets not loaded, waiting")
		if err := sleep(ctx, s.cfg.WaitInterval); err != nil {
			return nil, err
		}
	}
}

func (s *Streamer) feeds() map[string]feedTarget {
	feeds := make(map[string]feedTarget)
	for _, m := range s.store.Markets() {
		if m.PythFeed == "" {
			continue
		}
		maxAge := s.cfg.DefaultMaxAge
		if m.PythMaxAge > 0 {
			maxAge = time.Duration(m.PythMaxAge) * time.Second
		}
		feeds[ingestion.NormalizeFeedID(m.PythFeed)] = feedTarget{market: m.Name, maxAge: maxAge}
	}
	return feeds
}

func (s *Streamer) session(ctx context.Context, feeds map[string]feedTarget) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	defer conn.Close()

	ids := make([]string, 0, len(feeds))
	for id := range feeds {
		ids = append(ids, id)
	}
	sub, _ := json.Marshal(map[string]any{"type": "subscribe", "ids": ids})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info().Int("feeds", len(ids)).Str("url", s.cfg.URL).Msg("price stream subscribed")

	// ReadMessage does not take a context; closing the conn unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		update, err := ParseMessage(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("bad stream message")
			continue
		}
		if update == nil {
			continue
		}
		if err := s.forward(ctx, feeds, update); err != nil {
			return err
		}
	}
}

func (s *Streamer) forward(ctx context.Context, feeds map[string]feedTarget, u *Update) error {
	target, ok := feeds[u.FeedID]
	if !ok {
		return nil
	}
	if s.now().Sub(u.PublishTime) > target.maxAge {
		if s.metrics != nil {
			s.metrics.PricesRejected.WithLabelValues("stale_feed").Inc()
		}
		return nil
	}

	select {
	case s.ticks <- ingestion.PriceTick{
		Market:    target.market,
		Price:     u.Price,
		Timestamp: u.PublishTime,
		Source:    "pyth",
	}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
