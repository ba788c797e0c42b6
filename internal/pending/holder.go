package pending

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"example.com/conversion-relay/internal/kvstore"
)

// CookieName holds pending conversions for anonymous browsers.
const CookieName = "cr_pending_conversions"

// maxCookieBytes keeps the encoded cookie under the common 4KB browser limit.
const maxCookieBytes = 3800

// ErrCookieTooLarge is returned when the anonymous container cannot fit the
// records.
var ErrCookieTooLarge = errors.New("pending cookie too large")

type ScopeKind string

const (
	ScopeUser      ScopeKind = "user"
	ScopeAnonymous ScopeKind = "anonymous"
)

// Scope identifies whose pending conversions a holder keeps.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// Holder is a container of pending records keyed by entity id.
type Holder interface {
	Scope() Scope
	Load(ctx context.Context) (map[string]Record, error)
	Save(ctx context.Context, records map[string]Record) error
	Clear(ctx context.Context) error
}

// UserHolder keeps records for an authenticated user in the key/value
// store. It survives across sessions.
type UserHolder struct {
	store  kvstore.Store
	userID string
}

func NewUserHolder(store kvstore.Store, userID string) *UserHolder {
	return &UserHolder{store: store, userID: userID}
}

func (h *UserHolder) Scope() Scope { return Scope{Kind: ScopeUser, ID: h.userID} }

func (h *UserHolder) key() string { return kvstore.UserKey(h.userID, "pending") }

func (h *UserHolder) Load(ctx context.Context) (map[string]Record, error) {
	raw, ok, err := h.store.Get(ctx, h.key())
	if err != nil {
		return nil, fmt.Errorf("load user pending: %w", err)
	}
	records := map[string]Record{}
	if !ok || raw == "" {
		return records, nil
	}
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("decode user pending: %w", err)
	}
	return records, nil
}

func (h *UserHolder) Save(ctx context.Context, records map[string]Record) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode user pending: %w", err)
	}
	if err := h.store.Set(ctx, h.key(), string(raw)); err != nil {
		return fmt.Errorf("save user pending: %w", err)
	}
	return nil
}

func (h *UserHolder) Clear(ctx context.Context) error {
	if err := h.store.Delete(ctx, h.key()); err != nil {
		return fmt.Errorf("clear user pending: %w", err)
	}
	return nil
}

// CookieHolder keeps records for an anonymous browser in a cookie with a
// finite lifetime. Writes go to the response and are visible to later
// loads within the same request.
type CookieHolder struct {
	r      *http.Request
	w      http.ResponseWriter
	maxAge time.Duration

	loaded  bool
	records map[string]Record
}

func NewCookieHolder(w http.ResponseWriter, r *http.Request, maxAge time.Duration) *CookieHolder {
	return &CookieHolder{r: r, w: w, maxAge: maxAge}
}

func (h *CookieHolder) Scope() Scope { return Scope{Kind: ScopeAnonymous} }

func (h *CookieHolder) Load(_ context.Context) (map[string]Record, error) {
	if h.loaded {
		return copyRecords(h.records), nil
	}
	records := map[string]Record{}
	c, err := h.r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return records, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil, fmt.Errorf("decode pending cookie: %w", err)
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode pending cookie: %w", err)
	}
	return records, nil
}

func (h *CookieHolder) Save(_ context.Context, records map[string]Record) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode pending cookie: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)
	if len(value) > maxCookieBytes {
		return fmt.Errorf("%w: %d bytes", ErrCookieTooLarge, len(value))
	}
	// Not HttpOnly: the flush script expires it from the browser.
	http.SetCookie(h.w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(h.maxAge / time.Second),
		SameSite: http.SameSiteLaxMode,
	})
	h.loaded = true
	h.records = copyRecords(records)
	return nil
}

func (h *CookieHolder) Clear(_ context.Context) error {
	http.SetCookie(h.w, &http.Cookie{
		Name:   CookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	h.loaded = true
	h.records = map[string]Record{}
	return nil
}

func copyRecords(in map[string]Record) map[string]Record {
	out := make(map[string]Record, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
