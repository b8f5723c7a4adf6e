package mav

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/mav/schema"
	"github.com/outofforest/mav/transport"
	"github.com/outofforest/mav/wire"
	"github.com/outofforest/parallel"
)

// Default values used for zero fields of Config.
const (
	DefaultSystemID          uint8 = 253
	DefaultComponentID       uint8 = 1
	DefaultHeartbeatInterval       = time.Second
	DefaultQueueCapacity           = 128
	DefaultQueueTTL                = 5 * time.Second
)

// Config is the config of runtime.
type Config struct {
	Dictionary *schema.Dictionary
	Transports []transport.Transport

	// SystemID and ComponentID are used for messages sent without sender identity.
	SystemID    uint8
	ComponentID uint8

	// Heartbeat is sent periodically to every connection. Runtime without heartbeat only listens.
	Heartbeat         *Message
	HeartbeatInterval time.Duration

	// QueueCapacity limits the number of messages queued per connection, the oldest ones are dropped.
	QueueCapacity int

	// QueueTTL is the age after which queued message is dropped. Negative value disables aging.
	QueueTTL time.Duration

	// ReportUnknownMessages passes frames of messages missing in the dictionary to OnFrameError.
	ReportUnknownMessages bool

	// OnFrameError is called on the I/O goroutine for every rejected frame.
	OnFrameError func(err *DecodeError, frame wire.Frame)
}

// link is the transport together with the lock serializing writes to it.
type link struct {
	transport   transport.Transport
	systemID    uint8
	componentID uint8

	mu        sync.Mutex
	closeOnce sync.Once
}

func (l *link) send(peer transport.PeerID, m *Message, seq uint8) error {
	systemID, componentID := m.SystemID, m.ComponentID
	if systemID == 0 && componentID == 0 {
		systemID, componentID = l.systemID, l.componentID
	}
	frame := m.encode(systemID, componentID, seq)

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.transport.Send(peer, frame)
}

func (l *link) close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.transport.Close()
	})
	return err
}

type connKey struct {
	Link *link
	Peer transport.PeerID
}

// Runtime drives transports: it owns the receiving goroutine of each of them, demultiplexes frames into
// connections and sends the heartbeat.
type Runtime struct {
	config Config
	links  []*link
	queue  queueConfig

	firstCh   chan struct{}
	stoppedCh chan struct{}

	mu           sync.Mutex
	started      bool
	stopped      bool
	heartbeat    *Message
	conns        map[connKey]*Connection
	announced    map[*Connection]struct{}
	first        *Connection
	onConnection []func(c *Connection)
}

// NewRuntime creates runtime.
func NewRuntime(config Config) (*Runtime, error) {
	if config.Dictionary == nil {
		return nil, errors.WithStack(ErrNoDictionary)
	}
	if len(config.Transports) == 0 {
		return nil, errors.WithStack(ErrNoTransports)
	}
	if config.SystemID == 0 && config.ComponentID == 0 {
		config.SystemID = DefaultSystemID
		config.ComponentID = DefaultComponentID
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultQueueCapacity
	}
	if config.QueueTTL == 0 {
		config.QueueTTL = DefaultQueueTTL
	}

	r := &Runtime{
		config: config,
		queue: queueConfig{
			Capacity: config.QueueCapacity,
			TTL:      config.QueueTTL,
		},
		firstCh:   make(chan struct{}),
		stoppedCh: make(chan struct{}),
		conns:     map[connKey]*Connection{},
		announced: map[*Connection]struct{}{},
	}
	if config.Heartbeat != nil {
		r.heartbeat = config.Heartbeat.Clone()
	}

	for _, t := range config.Transports {
		l := &link{
			transport:   t,
			systemID:    config.SystemID,
			componentID: config.ComponentID,
		}
		r.links = append(r.links, l)

		// Client transports talk to the single peer, its connection exists from the beginning,
		// so heartbeat reaches the peer before anything is received from it.
		if t.Topology() == transport.Client {
			key := connKey{Link: l, Peer: t.Peer()}
			r.conns[key] = r.newConnection(key)
		}
	}

	return r, nil
}

// Dictionary returns the dictionary used by runtime.
func (r *Runtime) Dictionary() *schema.Dictionary {
	return r.config.Dictionary
}

// SetHeartbeat replaces the heartbeat message. Nil disables heartbeat.
func (r *Runtime) SetHeartbeat(m *Message) {
	if m != nil {
		m = m.Clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.heartbeat = m
}

// OnConnection registers callback invoked once for every connection discovered afterwards. Callback runs
// on the I/O goroutine, so it must not block.
func (r *Runtime) OnConnection(fn func(c *Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onConnection = append(r.onConnection, fn)
}

// AwaitConnection waits until the first valid frame is received from any peer and returns its connection.
// Zero timeout does not wait, WaitForever waits until ctx is done.
func (r *Runtime) AwaitConnection(ctx context.Context, timeout time.Duration) (*Connection, error) {
	timeoutCh, stop := timeoutChannel(timeout)
	defer stop()

	select {
	case <-r.firstCh:
		return r.firstConnection(), nil
	default:
	}

	select {
	case <-r.firstCh:
		return r.firstConnection(), nil
	case <-r.stoppedCh:
		return nil, errors.WithStack(ErrConnectionClosed)
	case <-timeoutCh:
		return nil, errors.WithStack(ErrTimeout)
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

// Connections returns connections which received at least one valid frame.
func (r *Runtime) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Connection, 0, len(r.announced))
	for c := range r.announced {
		conns = append(conns, c)
	}
	return conns
}

// Run runs the runtime until ctx is canceled. Afterwards transports and connections are closed
// and runtime can't be run again.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.WithStack(ErrAlreadyStarted)
	}
	r.started = true
	r.mu.Unlock()

	defer r.teardown(ctx)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for _, l := range r.links {
			spawn("receiver", parallel.Fail, func(ctx context.Context) error {
				return r.runReceiver(ctx, l)
			})
		}
		spawn("heartbeat", parallel.Fail, r.runHeartbeat)
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			for _, l := range r.links {
				_ = l.close()
			}
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}

func (r *Runtime) runReceiver(ctx context.Context, l *link) error {
	log := logger.Get(ctx).With(zap.Stringer("topology", l.transport.Topology()))
	parsers := map[transport.PeerID]*wire.Parser{}

	for {
		peer, data, err := l.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			return err
		}

		// Each peer has its own parser, datagrams of different peers must not be mixed.
		p, exists := parsers[peer]
		if !exists {
			p = wire.NewParser(r.config.Dictionary.CRCExtra)
			parsers[peer] = p
		}

		p.Feed(data, func(ev wire.Event) {
			r.handleEvent(log, l, peer, ev)
		})
	}
}

func (r *Runtime) handleEvent(log *zap.Logger, l *link, peer transport.PeerID, ev wire.Event) {
	if ev.Err != nil {
		if errors.Is(ev.Err, wire.ErrUnknownMessage) && !r.config.ReportUnknownMessages {
			log.Debug("Unknown message dropped", zap.String("peer", string(peer)),
				zap.Uint32("messageID", ev.Frame.MessageID))
			return
		}

		log.Debug("Frame dropped", zap.String("peer", string(peer)), zap.Error(ev.Err))
		if r.config.OnFrameError != nil {
			r.config.OnFrameError(&DecodeError{Peer: peer, Err: ev.Err}, ev.Frame)
		}
		return
	}

	m, err := messageFromFrame(r.config.Dictionary, ev.Frame)
	if err != nil {
		log.Debug("Frame dropped", zap.String("peer", string(peer)), zap.Error(err))
		return
	}

	c, callbacks := r.connection(l, peer)
	if c == nil {
		return
	}
	if len(callbacks) > 0 {
		log.Info("Connection discovered", zap.String("peer", string(peer)))
	}
	for _, fn := range callbacks {
		fn(c)
	}

	c.dispatch(m, time.Now())
}

// connection returns connection of the peer, creating it if needed. When connection receives its first
// frame, callbacks to be notified are returned, and nil otherwise.
func (r *Runtime) connection(l *link, peer transport.PeerID) (*Connection, []func(c *Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil, nil
	}

	key := connKey{Link: l, Peer: peer}
	c, exists := r.conns[key]
	if !exists {
		c = r.newConnection(key)
		r.conns[key] = c
	}

	if _, announced := r.announced[c]; announced {
		return c, nil
	}
	r.announced[c] = struct{}{}
	if r.first == nil {
		r.first = c
		close(r.firstCh)
	}

	callbacks := make([]func(c *Connection), 0, len(r.onConnection)+1)
	return c, append(callbacks, r.onConnection...)
}

func (r *Runtime) newConnection(key connKey) *Connection {
	return newConnection(key.Peer, r.config.Dictionary, key.Link, r.queue, func(c *Connection) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.conns[key] == c {
			delete(r.conns, key)
		}
		delete(r.announced, c)
	})
}

func (r *Runtime) firstConnection() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.first
}

func (r *Runtime) runHeartbeat(ctx context.Context) error {
	log := logger.Get(ctx)

	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		r.mu.Lock()
		heartbeat := r.heartbeat
		var conns []*Connection
		if heartbeat != nil {
			conns = make([]*Connection, 0, len(r.conns))
			for _, c := range r.conns {
				conns = append(conns, c)
			}
		}
		r.mu.Unlock()

		for _, c := range conns {
			if err := c.Send(heartbeat); err != nil && !errors.Is(err, ErrConnectionClosed) {
				log.Error("Sending heartbeat failed", zap.String("peer", string(c.Peer())), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Runtime) teardown(ctx context.Context) {
	for _, l := range r.links {
		if err := l.close(); err != nil {
			logger.Get(ctx).Error("Closing transport failed", zap.Error(err))
		}
	}

	r.mu.Lock()
	r.stopped = true
	r.heartbeat = nil
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	close(r.stoppedCh)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
