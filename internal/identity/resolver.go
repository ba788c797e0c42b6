package identity

import (
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// ClientIdentity is resolved once per request and not modified afterwards.
type ClientIdentity struct {
	ClientID  string
	SessionID *string
}

// Request is the cookie and override data available to a single delivery.
type Request struct {
	Cookies map[string]string
	// ClientID and SessionID, when set, are used verbatim.
	ClientID  string
	SessionID string
}

// Resolver derives identities for one measurement id.
type Resolver struct {
	measurementID string
	logger        *slog.Logger
	now           func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewResolver builds a resolver seeded from the clock.
func NewResolver(measurementID string, logger *slog.Logger) *Resolver {
	seed := uint64(time.Now().UnixNano())
	return NewResolverWithSource(measurementID, logger, rand.New(rand.NewPCG(seed, seed>>1)), time.Now)
}

// NewResolverWithSource allows deterministic randomness and time in tests.
func NewResolverWithSource(measurementID string, logger *slog.Logger, rng *rand.Rand, now func() time.Time) *Resolver {
	return &Resolver{
		measurementID: measurementID,
		logger:        logger,
		now:           now,
		rng:           rng,
	}
}

// Resolve returns the client identity for req. It never fails: unusable
// cookies are logged and replaced by a generated id.
func (r *Resolver) Resolve(req Request) ClientIdentity {
	return ClientIdentity{
		ClientID:  r.ClientID(req),
		SessionID: r.SessionID(req),
	}
}

func (r *Resolver) ClientID(req Request) string {
	if strings.TrimSpace(req.ClientID) != "" {
		return req.ClientID
	}
	if raw, ok := req.Cookies[ClientCookieName]; ok {
		id, err := ParseClientCookie(raw)
		if err == nil {
			return id
		}
		r.logger.Warn("client cookie format error", "cookie", ClientCookieName, "value", raw, "error", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return GenerateClientID(r.rng, r.now())
}

func (r *Resolver) SessionID(req Request) *string {
	if strings.TrimSpace(req.SessionID) != "" {
		s := req.SessionID
		return &s
	}
	if r.measurementID == "" {
		return nil
	}
	name := SessionCookieName(r.measurementID)
	raw, ok := req.Cookies[name]
	if !ok {
		return nil
	}
	if id, ok := ParseSessionCookie(raw); ok {
		return &id
	}
	r.logger.Warn("could not extract session id", "cookie", name, "value", raw)
	return nil
}
