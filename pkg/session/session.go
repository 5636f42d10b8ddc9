// pkg/session/session.go

// Package session generates quote/chart session identifiers and tracks which
// symbols are bound to which session. A session id is never reused within a
// process run; generation is safe for concurrent callers.
package session

import (
	"fmt"
	"math/rand"
	"sync"
)

// Kind of a logical session multiplexed over one physical socket.
type Kind int

const (
	Quote Kind = iota
	Chart
)

const (
	quotePrefix = "qs_"
	chartPrefix = "cs_"

	tokenLength = 12
	tokenChars  = "abcdefghijklmnopqrstuvwxyz"
)

// Registry issues session identifiers and records symbol bindings.
type Registry struct {
	mu       sync.Mutex
	issued   map[string]Kind
	bindings map[string][]string // session id -> ordered EXCHANGE:SYMBOL pairs
	bound    map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		issued:   make(map[string]Kind),
		bindings: make(map[string][]string),
		bound:    make(map[string]map[string]struct{}),
	}
}

// NewQuoteSession returns a fresh identifier of the form "qs_<12 random letters>".
func (r *Registry) NewQuoteSession() string { return r.generate(quotePrefix, Quote) }

// NewChartSession returns a fresh identifier of the form "cs_<12 random letters>".
func (r *Registry) NewChartSession() string { return r.generate(chartPrefix, Chart) }

func (r *Registry) generate(prefix string, kind Kind) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := prefix + randomToken(tokenLength)
		if _, taken := r.issued[id]; taken {
			continue
		}
		r.issued[id] = kind
		return id
	}
}

// Bind records that session carries updates for EXCHANGE:SYMBOL. Binding the
// same pair twice is a no-op.
func (r *Registry) Bind(sessionID, exchange, symbol string) {
	pair := FormatSymbol(exchange, symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.bound[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.bound[sessionID] = set
	}
	if _, dup := set[pair]; dup {
		return
	}
	set[pair] = struct{}{}
	r.bindings[sessionID] = append(r.bindings[sessionID], pair)
}

// Symbols returns the ordered list of pairs bound to a session.
func (r *Registry) Symbols(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.bindings[sessionID]))
	copy(out, r.bindings[sessionID])
	return out
}

// KindOf reports the kind of an issued session id.
func (r *Registry) KindOf(sessionID string) (Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.issued[sessionID]
	return k, ok
}

// FormatSymbol joins an exchange and symbol into the wire form "EXCHANGE:SYMBOL".
func FormatSymbol(exchange, symbol string) string {
	return fmt.Sprintf("%s:%s", exchange, symbol)
}

func randomToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = tokenChars[rand.Intn(len(tokenChars))]
	}
	return string(b)
}
