package netbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// streamIDPrefix is the stream id namespace bridge peers connect under.
const streamIDPrefix = "bridge/"

// DefaultDialTimeout bounds how long Connect waits for the remote listener.
const DefaultDialTimeout = 10 * time.Second

// Server accepts incoming bridge connections from remote engines.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *Registry
}

// NewServer creates a Server that listens on addr and pumps every accepted
// connection through registry. If log is nil, slog.Default() is used.
func NewServer(addr string, registry *Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "bridge-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		name := peerName(conn.StreamID())
		p := s.registry.Register(name, conn.RemoteAddr().String(), conn)
		go s.registry.Serve(ctx, p)
	}
}

// peerName derives a peer's display name from its SRT stream id.
func peerName(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, streamIDPrefix)
	if streamID == "" {
		return "anonymous"
	}
	return streamID
}

// Remote describes a bridge listener to connect to.
type Remote struct {
	Address  string `json:"address" yaml:"address"`
	Name     string `json:"name" yaml:"name"`
	StreamID string `json:"streamId,omitempty" yaml:"stream_id,omitempty"`
}

type activeLink struct {
	remote Remote
	peer   int32
	cancel context.CancelFunc
}

// Caller dials remote bridge listeners and keeps one link per name.
type Caller struct {
	log      *slog.Logger
	registry *Registry

	// DialTimeout overrides DefaultDialTimeout when positive.
	DialTimeout time.Duration

	mu    sync.Mutex
	links map[string]*activeLink
}

// NewCaller creates a Caller registering its links with registry. If log is
// nil, slog.Default() is used.
func NewCaller(registry *Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "bridge-caller"),
		registry: registry,
		links:    make(map[string]*activeLink),
	}
}

// Connect dials the remote synchronously, returning an error if the
// connection fails. On success the link is served in the background.
func (c *Caller) Connect(ctx context.Context, r Remote) error {
	if r.Address == "" {
		return errors.New("netbridge: address is required")
	}
	if r.Name == "" {
		return errors.New("netbridge: name is required")
	}

	c.mu.Lock()
	if _, exists := c.links[r.Name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("netbridge: link %q already active", r.Name)
	}
	c.mu.Unlock()

	c.log.Info("dialing", "address", r.Address, "name", r.Name)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = r.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = streamIDPrefix + r.Name
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(r.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	drain := func() {
		if res := <-ch; res.conn != nil {
			res.conn.Close()
		}
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.link(ctx, r, res.conn)
	case <-timer.C:
		go drain()
		return fmt.Errorf("SRT dial timed out after %s", timeout)
	case <-ctx.Done():
		go drain()
		return ctx.Err()
	}
}

func (c *Caller) link(ctx context.Context, r Remote, conn *srtgo.Conn) error {
	linkCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, exists := c.links[r.Name]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("netbridge: link %q already active", r.Name)
	}
	p := c.registry.Register(r.Name, r.Address, conn)
	c.links[r.Name] = &activeLink{remote: r, peer: p.ID, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", r.Address, "name", r.Name, "peer", p.ID)

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.links, r.Name)
			c.mu.Unlock()
			c.log.Info("link ended", "name", r.Name)
		}()
		c.registry.Serve(linkCtx, p)
	}()
	return nil
}

// Disconnect tears down the named link.
func (c *Caller) Disconnect(name string) error {
	c.mu.Lock()
	l, ok := c.links[name]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("netbridge: no active link %q", name)
	}
	c.log.Info("disconnecting", "name", name, "peer", l.peer)
	l.cancel()
	return nil
}

// Active returns the remotes with a live link.
func (c *Caller) Active() []Remote {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Remote, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, l.remote)
	}
	return out
}
