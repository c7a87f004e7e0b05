package network

import (
	"PerpKeeper/internal/observability"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var ErrNoEndpoints = errors.New("no rpc endpoints configured")

// Selector is the process-wide round-robin cursor over RPC endpoints.
// Callers read Current before a network call and Advance after a transport
// failure.
type Selector struct {
	mu        sync.RWMutex
	endpoints []string
	index     int

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewSelector(endpoints []string, metrics *observability.Metrics, logger zerolog.Logger) (*Selector, error) {
	clean := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if e != "" {
			clean = append(clean, e)
		}
	}
	if len(clean) == 0 {
		return nil, ErrNoEndpoints
	}
	return &Selector{
		endpoints: clean,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Current returns the endpoint in use.
func (s *Selector) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[s.index]
}

// Index returns the position of the endpoint in use.
func (s *Selector) Index() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index
}

// Advance moves to the next endpoint, wrapping to the first, and returns it.
func (s *Selector) Advance() string {
	s.mu.Lock()
	from := s.endpoints[s.index]
	s.index = (s.index + 1) % len(s.endpoints)
	to := s.endpoints[s.index]
	idx := s.index
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.EndpointFailovers.Inc()
		s.metrics.CurrentEndpoint.Set(float64(idx))
	}
	s.logger.Warn().Str("from", from).Str("to", to).Msg("rpc endpoint failover")
	return to
}

// Len returns the number of configured endpoints.
func (s *Selector) Len() int {
	return len(s.endpoints)
}

// Logger exposes the selector's logger to the retry wrapper.
func (s *Selector) Logger() zerolog.Logger {
	return s.logger
}
