package netbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/fsrv/internal/event"
	"github.com/zsiec/fsrv/internal/eventq"
)

// Categories is the set of event categories that cross the bridge.
const Categories = event.CategoryNet | event.CategoryExternal

// framePad pads every packed event to a fixed size so each SRT message
// carries exactly one event.
const framePad = 128

// sendQueueSize bounds the per-peer outbound backlog.
const sendQueueSize = 64

var (
	ErrNoSuchPeer = errors.New("netbridge: no such peer")
	ErrPeerBusy   = errors.New("netbridge: peer send queue full")
	errPeerClosed = errors.New("netbridge: peer closed")
)

// PeerStats captures connection-level metrics for a peer.
type PeerStats struct {
	ID         int32  `json:"id"`
	Name       string `json:"name"`
	RemoteAddr string `json:"remoteAddr"`
	EventsIn   int64  `json:"eventsIn"`
	EventsOut  int64  `json:"eventsOut"`
	Dropped    int64  `json:"dropped"`
	BytesIn    int64  `json:"bytesIn"`
	BytesOut   int64  `json:"bytesOut"`
	UptimeMs   int64  `json:"uptimeMs"`
}

// Peer is one connected remote engine. Peer ids are negative so they never
// collide with frameserver session ids in an event's Source field.
type Peer struct {
	ID         int32
	Name       string
	RemoteAddr string
	StartedAt  time.Time

	conn io.ReadWriteCloser
	out  chan event.Event
	done chan struct{}

	eventsIn  atomic.Int64
	eventsOut atomic.Int64
	dropped   atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
}

// Done is closed once the peer has been unregistered.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Stats returns a snapshot of the peer's counters.
func (p *Peer) Stats() PeerStats {
	return PeerStats{
		ID:         p.ID,
		Name:       p.Name,
		RemoteAddr: p.RemoteAddr,
		EventsIn:   p.eventsIn.Load(),
		EventsOut:  p.eventsOut.Load(),
		Dropped:    p.dropped.Load(),
		BytesIn:    p.bytesIn.Load(),
		BytesOut:   p.bytesOut.Load(),
		UptimeMs:   time.Since(p.StartedAt).Milliseconds(),
	}
}

// countingReader tallies bytes read from a peer connection.
type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Registry tracks connected peers. It is the rendezvous point between the
// SRT transports and the engine's default event queue.
type Registry struct {
	log     *slog.Logger
	inbound *eventq.Queue

	mu     sync.RWMutex
	peers  map[int32]*Peer
	nextID int32
}

// NewRegistry creates a Registry delivering inbound events to inbound. If log
// is nil, slog.Default() is used.
func NewRegistry(inbound *eventq.Queue, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "netbridge"),
		inbound: inbound,
		peers:   make(map[int32]*Peer),
		nextID:  -1,
	}
}

// Register adds a peer for conn. The caller runs Serve to pump it.
func (r *Registry) Register(name, remote string, conn io.ReadWriteCloser) *Peer {
	p := &Peer{
		Name:       name,
		RemoteAddr: remote,
		StartedAt:  time.Now(),
		conn:       conn,
		out:        make(chan event.Event, sendQueueSize),
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	for {
		id := r.nextID
		r.nextID--
		if r.nextID >= 0 {
			r.nextID = -1
		}
		if _, ok := r.peers[id]; !ok {
			p.ID = id
			break
		}
	}
	r.peers[p.ID] = p
	r.mu.Unlock()

	r.log.Info("peer registered", "peer", p.ID, "name", name, "remote", remote)
	r.notify(event.KindNetConnected, p)
	return p
}

// Unregister removes a peer, closing its connection and signaling Done.
func (r *Registry) Unregister(id int32) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()

	if ok {
		p.conn.Close()
		close(p.done)
		st := p.Stats()
		r.log.Info("peer unregistered", "peer", id, "name", p.Name,
			"events_in", st.EventsIn, "events_out", st.EventsOut, "uptime_ms", st.UptimeMs)
		r.notify(event.KindNetDisconnected, p)
	}
}

// notify posts a connection state change for p on the inbound queue.
func (r *Registry) notify(kind uint32, p *Peer) {
	ev := event.New(event.CategoryNet, kind)
	ev.Source = p.ID
	ev.SetMessage(p.Name)
	if err := r.inbound.Enqueue(ev); err != nil {
		r.log.Warn("connection event dropped", "peer", p.ID, "error", err)
	}
}

// Get returns the peer with the given id.
func (r *Registry) Get(id int32) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// List returns stats for every connected peer, ordered by id descending
// (oldest first).
func (r *Registry) List() []PeerStats {
	r.mu.RLock()
	out := make([]PeerStats, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.Stats())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerStats) int { return int(b.ID - a.ID) })
	return out
}

// Send queues ev for one peer.
func (r *Registry) Send(id int32, ev event.Event) error {
	p, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchPeer, id)
	}
	return p.enqueue(ev)
}

// Broadcast queues ev for every peer except the one it came from and
// returns how many peers accepted it. Events outside Categories are ignored.
func (r *Registry) Broadcast(ev event.Event) int {
	if ev.Category&Categories == 0 {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for id, p := range r.peers {
		if id == ev.Source {
			continue
		}
		if p.enqueue(ev) == nil {
			n++
		}
	}
	return n
}

func (p *Peer) enqueue(ev event.Event) error {
	select {
	case p.out <- ev:
		return nil
	default:
		p.dropped.Add(1)
		return ErrPeerBusy
	}
}

// Serve pumps a registered peer until its connection fails or ctx is
// cancelled, then unregisters it.
func (r *Registry) Serve(ctx context.Context, p *Peer) {
	defer r.Unregister(p.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return p.conn.Close()
	})
	g.Go(func() error { return r.readLoop(p) })
	g.Go(func() error { return r.writeLoop(gctx, p) })

	if err := g.Wait(); err != nil && !errors.Is(err, errPeerClosed) && ctx.Err() == nil {
		r.log.Debug("peer stopped", "peer", p.ID, "error", err)
	}
}

func (r *Registry) readLoop(p *Peer) error {
	dec := event.NewDecoder(countingReader{r: p.conn, n: &p.bytesIn})
	for {
		ev, err := dec.Decode()
		if err != nil {
			var pe *event.ParseError
			if errors.As(err, &pe) && !errors.Is(err, event.ErrFrameTooLarge) {
				r.log.Debug("dropping malformed event", "peer", p.ID, "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return errPeerClosed
			}
			return err
		}
		if ev.Category&Categories == 0 {
			r.log.Debug("dropping event outside bridge categories", "peer", p.ID, "category", ev.Category)
			continue
		}
		ev.Source = p.ID
		p.eventsIn.Add(1)
		if err := r.inbound.Enqueue(ev); err != nil {
			p.dropped.Add(1)
		}
	}
}

func (r *Registry) writeLoop(ctx context.Context, p *Peer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.out:
			n, err := p.conn.Write(event.Pack(ev, framePad))
			p.bytesOut.Add(int64(n))
			if err != nil {
				return err
			}
			p.eventsOut.Add(1)
		}
	}
}
