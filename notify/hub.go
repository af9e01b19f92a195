// Package notify fans out content-free change signals to the clients watching
// a board. Signals tell clients to pull fresh state; they carry no data and
// are delivered at most once.
package notify

import (
	"errors"
	"fmt"
	"sync"
)

// Kind names what changed.
type Kind string

const (
	TaskChanged   Kind = "task-changed"
	ActionChanged Kind = "action-changed"
)

// Kinds lists every signal kind.
var Kinds = []Kind{TaskChanged, ActionChanged}

func (k Kind) Valid() bool {
	return k == TaskChanged || k == ActionChanged
}

// ErrUnknownKind rejects an announce with a kind outside Kinds.
var ErrUnknownKind = errors.New("unknown signal kind")

// Signal is one announce on a board. Origin is the client that caused the
// change and is skipped during delivery; it may be empty.
type Signal struct {
	Board  string `json:"board"`
	Kind   Kind   `json:"kind"`
	Origin string `json:"origin,omitempty"`
}

// Publisher forwards locally announced signals to other processes.
type Publisher interface {
	Publish(sig Signal) error
}

// Hub keeps the subscriptions of every board served by this process.
type Hub struct {
	mu     sync.Mutex
	boards map[string]map[*Subscription]struct{}
	pubs   []Publisher
}

func NewHub() *Hub {
	return &Hub{boards: make(map[string]map[*Subscription]struct{})}
}

// Attach adds a publisher that receives every announce made on this hub.
func (h *Hub) Attach(p Publisher) {
	h.mu.Lock()
	h.pubs = append(h.pubs, p)
	h.mu.Unlock()
}

// Subscribe registers clientID on the board. The caller must Close the
// subscription when the client goes away.
func (h *Hub) Subscribe(boardID, clientID string) *Subscription {
	s := &Subscription{hub: h, board: boardID, client: clientID, ready: make(chan struct{}, 1)}
	h.mu.Lock()
	subs := h.boards[boardID]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		h.boards[boardID] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Subscribers returns how many subscriptions the board has.
func (h *Hub) Subscribers(boardID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boards[boardID])
}

// Announce delivers kind to every subscriber of the board except origin and
// hands the signal to the attached publishers. Local delivery never blocks.
func (h *Hub) Announce(boardID string, kind Kind, origin string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	sig := Signal{Board: boardID, Kind: kind, Origin: origin}
	h.Deliver(sig)

	h.mu.Lock()
	pubs := append([]Publisher(nil), h.pubs...)
	h.mu.Unlock()
	var errs []error
	for _, p := range pubs {
		if err := p.Publish(sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver fans sig out to local subscribers only.
func (h *Hub) Deliver(sig Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.boards[sig.Board] {
		if sig.Origin != "" && s.client == sig.Origin {
			continue
		}
		s.push(sig.Kind)
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.boards[s.board]
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.boards, s.board)
	}
}

// Subscription receives the signals of one client. Signals of the same kind
// that arrive before the client drains them collapse into one.
type Subscription struct {
	hub    *Hub
	board  string
	client string

	mu      sync.Mutex
	pending map[Kind]bool
	ready   chan struct{}
	closed  bool
}

// Ready fires when at least one signal is pending.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Drain returns the pending kinds in Kinds order and clears them.
func (s *Subscription) Drain() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Kind
	for _, k := range Kinds {
		if s.pending[k] {
			out = append(out, k)
		}
	}
	s.pending = nil
	return out
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.remove(s)
}

func (s *Subscription) push(k Kind) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pending == nil {
		s.pending = make(map[Kind]bool, len(Kinds))
	}
	s.pending[k] = true
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
