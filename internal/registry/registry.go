// Package registry maintains the authoritative in-memory table of
// participants known to the gateway: identity, transport channel,
// configured and granted capabilities, and lifecycle status.
//
// Concurrency discipline: all mutations serialize through a single
// mutex; reads go through a copy-on-publish snapshot that is rebuilt
// after every mutation and swapped in atomically. Broadcast fan-out
// therefore iterates a stable roster without holding any lock.
//
// Grants live inside the participant they apply to and are ephemeral by
// default: detaching a channel drops them, so a reconnecting participant
// starts from its configured set.
//
// Called by: gateway core
// Calls: capability compilation, constant-time token comparison
package registry

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mew-protocol/mew/internal/capability"
	"github.com/mew-protocol/mew/internal/transport"
)

// Status is a participant's lifecycle state as known to the gateway.
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusCompacting   Status = "compacting"
	StatusShuttingDown Status = "shutting_down"
	StatusDisconnected Status = "disconnected"
)

// Errors callers branch on.
var (
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrAlreadyConnected   = errors.New("participant already connected")
	ErrNotConnected       = errors.New("participant not connected")
)

// tokenPrefixLen is the length of the token index key. Prefix indexing
// narrows the candidate set; the decision itself is a constant-time
// comparison over the full token.
const tokenPrefixLen = 8

// Grant is a dynamic capability grant applied to a participant.
type Grant struct {
	ID        string
	Patterns  []*capability.Pattern
	GrantedBy string
	GrantedAt time.Time
	Reason    string
	Ephemeral bool // dropped when the recipient disconnects
}

// Seed is the immutable configuration-derived part of a participant.
type Seed struct {
	ID           string
	DisplayName  string
	Tokens       []string
	Capabilities []capability.Capability
}

// participant is the registry's internal mutable record.
type participant struct {
	seed       Seed
	configured []*capability.Pattern
	grants     map[string]*Grant
	grantOrder []string
	channel    transport.Channel
	status     Status
}

// View is an immutable read-side projection of one participant. Views
// are rebuilt on every mutation and shared without copying afterwards.
type View struct {
	ID          string
	DisplayName string
	Status      Status
	Channel     transport.Channel // nil when disconnected
	Configured  []*capability.Pattern
	Granted     []*capability.Pattern

	// EffectiveCapabilities is the source form of configured + granted
	// capabilities, in that order, for welcome and roster payloads.
	EffectiveCapabilities []capability.Capability
}

// Connected reports whether the participant currently has a channel.
func (v *View) Connected() bool { return v.Channel != nil }

// Registry is the process-wide participant table.
type Registry struct {
	mu           sync.Mutex
	participants map[string]*participant
	tokens       map[string][]tokenEntry
	snapshot     atomic.Pointer[snapshot]
}

type tokenEntry struct {
	token         string
	participantID string
}

type snapshot struct {
	byID  map[string]*View
	views []*View // stable order: registration order
	order []string
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{
		participants: make(map[string]*participant),
		tokens:       make(map[string][]tokenEntry),
	}
	r.snapshot.Store(&snapshot{byID: map[string]*View{}})
	return r
}

// Register inserts a participant from its configuration seed. Only the
// gateway calls this, after loading space configuration or on successful
// join of a previously unknown identity.
func (r *Registry) Register(seed Seed) error {
	patterns := make([]*capability.Pattern, 0, len(seed.Capabilities))
	for i, cap := range seed.Capabilities {
		p, err := capability.Compile(cap)
		if err != nil {
			return fmt.Errorf("capability %d for %q: %w", i, seed.ID, err)
		}
		patterns = append(patterns, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.participants[seed.ID]; exists {
		return fmt.Errorf("participant %q already registered", seed.ID)
	}
	r.participants[seed.ID] = &participant{
		seed:       seed,
		configured: patterns,
		grants:     make(map[string]*Grant),
		status:     StatusDisconnected,
	}
	for _, token := range seed.Tokens {
		key := tokenKey(token)
		r.tokens[key] = append(r.tokens[key], tokenEntry{token: token, participantID: seed.ID})
	}
	r.publishLocked()
	return nil
}

// ResolveToken maps a presented token to a participant id. Candidates
// are narrowed by prefix index, then each is compared in constant time;
// the loop always visits every candidate so timing does not reveal which
// one matched.
func (r *Registry) ResolveToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	r.mu.Lock()
	candidates := r.tokens[tokenKey(token)]
	r.mu.Unlock()

	matchedID := ""
	for _, entry := range candidates {
		if subtle.ConstantTimeCompare([]byte(token), []byte(entry.token)) == 1 {
			matchedID = entry.participantID
		}
	}
	return matchedID, matchedID != ""
}

// AttachChannel binds a transport channel to the participant and marks
// it active.
func (r *Registry) AttachChannel(id string, ch transport.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return ErrUnknownParticipant
	}
	if p.channel != nil {
		return ErrAlreadyConnected
	}
	p.channel = ch
	p.status = StatusActive
	r.publishLocked()
	return nil
}

// DetachChannel removes the participant's channel, marks it
// disconnected, and drops ephemeral grants.
func (r *Registry) DetachChannel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return ErrUnknownParticipant
	}
	if p.channel == nil {
		return ErrNotConnected
	}
	p.channel = nil
	p.status = StatusDisconnected
	for grantID, grant := range p.grants {
		if grant.Ephemeral {
			delete(p.grants, grantID)
		}
	}
	p.grantOrder = rebuildOrder(p.grants, p.grantOrder)
	r.publishLocked()
	return nil
}

// Grant appends a grant record to the recipient and returns the grant
// id. Grants deduplicate by id only; pattern-equivalent grants coexist
// and are revoked independently.
func (r *Registry) Grant(id string, grant Grant) (string, error) {
	if grant.ID == "" {
		grant.ID = uuid.New().String()
	}
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return "", ErrUnknownParticipant
	}
	if _, exists := p.grants[grant.ID]; exists {
		return "", fmt.Errorf("grant %q already exists on %q", grant.ID, id)
	}
	stored := grant
	p.grants[grant.ID] = &stored
	p.grantOrder = append(p.grantOrder, grant.ID)
	r.publishLocked()
	return grant.ID, nil
}

// Revoke removes the named grants from the participant, returning how
// many were actually present.
func (r *Registry) Revoke(id string, grantIDs []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return 0, ErrUnknownParticipant
	}
	removed := 0
	for _, grantID := range grantIDs {
		if _, exists := p.grants[grantID]; exists {
			delete(p.grants, grantID)
			removed++
		}
	}
	if removed > 0 {
		p.grantOrder = rebuildOrder(p.grants, p.grantOrder)
		r.publishLocked()
	}
	return removed, nil
}

// SetStatus updates a participant's lifecycle status as reported by its
// runtime.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return ErrUnknownParticipant
	}
	p.status = status
	r.publishLocked()
	return nil
}

// Get returns the current view of one participant.
func (r *Registry) Get(id string) (*View, bool) {
	v, ok := r.snapshot.Load().byID[id]
	return v, ok
}

// Connected returns a stable snapshot of currently connected
// participants, in registration order. The slice is shared and must not
// be mutated.
func (r *Registry) Connected() []*View {
	snap := r.snapshot.Load()
	out := make([]*View, 0, len(snap.views))
	for _, v := range snap.views {
		if v.Connected() {
			out = append(out, v)
		}
	}
	return out
}

// All returns a stable snapshot of every registered participant.
func (r *Registry) All() []*View {
	return r.snapshot.Load().views
}

// publishLocked rebuilds the read-side snapshot. Must hold r.mu.
func (r *Registry) publishLocked() {
	old := r.snapshot.Load()
	order := old.order

	// Preserve registration order, appending newly registered ids.
	known := make(map[string]bool, len(order))
	for _, id := range order {
		known[id] = true
	}
	for id := range r.participants {
		if !known[id] {
			order = append(order, id)
		}
	}

	snap := &snapshot{
		byID:  make(map[string]*View, len(r.participants)),
		views: make([]*View, 0, len(r.participants)),
		order: order,
	}
	for _, id := range order {
		p, ok := r.participants[id]
		if !ok {
			continue
		}
		view := buildView(p)
		snap.byID[id] = view
		snap.views = append(snap.views, view)
	}
	r.snapshot.Store(snap)
}

// buildView projects one participant into an immutable view.
func buildView(p *participant) *View {
	granted := make([]*capability.Pattern, 0)
	effective := make([]capability.Capability, 0, len(p.configured))
	for _, pat := range p.configured {
		effective = append(effective, pat.Source())
	}
	for _, grantID := range p.grantOrder {
		grant, ok := p.grants[grantID]
		if !ok {
			continue
		}
		for _, pat := range grant.Patterns {
			granted = append(granted, pat)
			effective = append(effective, pat.Source())
		}
	}
	return &View{
		ID:                    p.seed.ID,
		DisplayName:           p.seed.DisplayName,
		Status:                p.status,
		Channel:               p.channel,
		Configured:            p.configured,
		Granted:               granted,
		EffectiveCapabilities: effective,
	}
}

// rebuildOrder drops deleted grant ids from the order slice.
func rebuildOrder(grants map[string]*Grant, order []string) []string {
	out := order[:0]
	for _, id := range order {
		if _, ok := grants[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// tokenKey derives the prefix index key for a token.
func tokenKey(token string) string {
	if len(token) <= tokenPrefixLen {
		return token
	}
	return token[:tokenPrefixLen]
}
