package dbus

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const busName = "org.freedesktop.DBus"
const busPath = ObjectPath("/org/freedesktop/DBus")
const busIface = "org.freedesktop.DBus"

// connState is the lifecycle of a Connection.
type connState int32

const (
	stateOpen connState = iota
	stateDraining
	stateClosed
)

// subscriber is one Subscribe call's delivery channel, guarded by its
// own mutex so a lagging consumer only affects itself.
type subscriber struct {
	rule    *MatchRule
	ch      chan *Message
	dropped uint64
	mu      sync.Mutex
	closed  bool
}

// shut closes the subscriber's channel exactly once, under its own
// lock so the dispatcher can never send on a closed channel.
func (s *subscriber) shut() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Connection multiplexes method calls, replies and signals over one
// Transport. Safe for concurrent use from multiple goroutines.
type Connection struct {
	transport Transport
	order     binary.ByteOrder
	cfg       *Config
	ctx       Context
	log       *connLogger

	serial uint32 // accessed via atomic; starts at 1, never 0

	mu         sync.Mutex
	pending    map[uint32]chan *Message
	subs       []*subscriber
	names      []string
	uniqueName string
	isBus      bool
	state      connState

	eavesdrop chan *Message

	recvSeq uint64 // atomic

	// sendQ is the bounded outgoing queue the writer goroutine drains;
	// it is the single point where wire order is decided.
	sendQ      chan *Message
	writerDone chan struct{}

	matches *matchTable

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps an already-authenticated Transport in a
// Connection and starts its reader goroutine. order is the byte order
// this side will encode outgoing messages with; D-Bus allows either
// endianness per message, but one side is consistent for the
// connection's lifetime.
func NewConnection(t Transport, order binary.ByteOrder, opts ...Option) (*Connection, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if err := ValidateOptionEncoding(cfg.format, cfg.optionEncoding); err != nil {
		return nil, err
	}
	c := &Connection{
		transport:  t,
		order:      order,
		cfg:        cfg,
		ctx:        Context{Format: cfg.format, Order: order, StartOffset: 0, Option: cfg.optionEncoding},
		log:        newConnLogger(cfg.logger, fmt.Sprintf("%p", t)),
		serial:     0,
		pending:    map[uint32]chan *Message{},
		matches:    newMatchTable(),
		sendQ:      make(chan *Message, cfg.maxQueued),
		writerDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// DialConnection connects to address, authenticates, and returns a ready
// Connection using little-endian encoding. The connection is
// peer-to-peer until Hello is called; use ConnectSessionBus or
// ConnectSystemBus for a bus connection with Hello already done.
func DialConnection(address string, opts ...Option) (*Connection, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	t, err := Dial(address, cfg.mechanisms)
	if err != nil {
		return nil, err
	}
	return NewConnection(t, binary.LittleEndian, opts...)
}

// ConnectSessionBus dials the session bus and performs Hello.
func ConnectSessionBus(opts ...Option) (*Connection, error) {
	addr, err := SessionBusAddress()
	if err != nil {
		return nil, err
	}
	return connectBus(addr, opts...)
}

// ConnectSystemBus dials the system bus and performs Hello.
func ConnectSystemBus(opts ...Option) (*Connection, error) {
	addr, err := SystemBusAddress()
	if err != nil {
		return nil, err
	}
	return connectBus(addr, opts...)
}

func connectBus(addr string, opts ...Option) (*Connection, error) {
	c, err := DialConnection(addr, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := c.Hello(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Hello performs the org.freedesktop.DBus.Hello call that turns a
// freshly-authenticated connection into a bus connection: the reply
// carries the unique name (":1.42") the bus assigned. Must be the
// first method call on a bus connection; peer-to-peer connections
// never call it.
func (c *Connection) Hello() (string, error) {
	reply, err := c.Call(busPath, busIface, "Hello", busName)
	if err != nil {
		return "", err
	}
	vals, err := reply.Body(c.ctx)
	if err != nil {
		return "", err
	}
	if len(vals) == 0 {
		return "", InvalidMessageError{Reason: "Hello reply carries no name"}
	}
	name, ok := vals[0].(String)
	if !ok {
		return "", InvalidMessageError{Reason: "Hello reply body is not a string"}
	}
	c.mu.Lock()
	c.uniqueName = string(name)
	c.isBus = true
	c.names = append(c.names, string(name))
	c.mu.Unlock()
	return string(name), nil
}

// UniqueName returns the unique bus name assigned by Hello, or ""
// on a peer-to-peer connection.
func (c *Connection) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

// guidHolder is implemented by transports that learned the server's
// GUID during authentication.
type guidHolder interface{ ServerGUID() string }

// ServerGUID returns the GUID the server presented during the
// handshake, or "" when the transport did not record one.
func (c *Connection) ServerGUID() string {
	if g, ok := c.transport.(guidHolder); ok {
		return g.ServerGUID()
	}
	return ""
}

func (c *Connection) onBus() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isBus
}

// nextSerial returns the next serial for an outgoing message,
// guaranteed monotonic and non-zero.
func (c *Connection) nextSerial() uint32 {
	for {
		s := atomic.AddUint32(&c.serial, 1)
		if s != 0 {
			return s
		}
	}
}

// Context returns the codec Context this connection encodes and
// decodes message bodies with.
func (c *Connection) Context() Context { return c.ctx }

func (c *Connection) loadState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send enqueues msg for the writer goroutine and returns once the
// queue accepts it, not once the bytes leave the kernel. A zero serial
// is assigned here. When the queue is full, Send blocks until the
// writer frees a slot or the connection closes.
func (c *Connection) Send(msg *Message) error {
	if c.loadState() == stateClosed {
		return ErrConnectionClosed
	}
	if msg.Serial == 0 {
		msg.Serial = c.nextSerial()
	}
	select {
	case c.sendQ <- msg:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// writeLoop is the writer goroutine: the sole consumer of sendQ, so
// enqueue order equals wire order. On close it flushes whatever was
// already accepted before the transport goes away.
func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case msg := <-c.sendQ:
			if err := c.transport.WriteMessage(msg, c.order); err != nil {
				c.log.WithError(err).Debug("write loop exiting")
				go c.Close()
				return
			}
		case <-c.closed:
			for {
				select {
				case msg := <-c.sendQ:
					if err := c.transport.WriteMessage(msg, c.order); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Call sends a method call and blocks until the matching
// METHOD_RETURN/ERROR arrives, the connection closes, or the
// configured method timeout elapses.
func (c *Connection) Call(path ObjectPath, iface, member, destination string, args ...Value) (*Message, error) {
	if c.loadState() != stateOpen {
		return nil, ErrConnectionClosed
	}
	b := NewMethodCall(path, iface, member, destination)
	if len(args) > 0 {
		var err error
		b, err = b.WithBody(c.ctx, args...)
		if err != nil {
			return nil, err
		}
	}
	serial := c.nextSerial()
	msg, err := b.Build(serial, c.order)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[serial] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, serial)
		c.mu.Unlock()
	}()

	c.log.forMessage(msg).Debug("sending method call")
	if err := c.Send(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.Type == TypeError {
			vals, _ := reply.Body(c.ctx)
			return nil, &CallError{Name: reply.ErrorName, Body: vals}
		}
		return reply, nil
	case <-time.After(c.cfg.methodTimeout):
		return nil, ErrTimeout
	case <-c.closed:
		return nil, ErrConnectionClosed
	}
}

// CallNoReply sends a method call with the NoReplyExpected flag set
// and returns immediately without waiting for or expecting a reply.
func (c *Connection) CallNoReply(path ObjectPath, iface, member, destination string, args ...Value) error {
	b := NewMethodCall(path, iface, member, destination).WithFlags(FlagNoReplyExpected)
	if len(args) > 0 {
		var err error
		b, err = b.WithBody(c.ctx, args...)
		if err != nil {
			return err
		}
	}
	msg, err := b.Build(c.nextSerial(), c.order)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// EmitSignal sends a SIGNAL message from path/iface/member.
func (c *Connection) EmitSignal(path ObjectPath, iface, member string, args ...Value) error {
	b := NewSignal(path, iface, member)
	var err error
	if len(args) > 0 {
		b, err = b.WithBody(c.ctx, args...)
		if err != nil {
			return err
		}
	}
	msg, err := b.Build(c.nextSerial(), c.order)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Stream is one live subscription: a bounded receive channel plus the
// bookkeeping needed to cancel it and to detect loss when the
// consumer fell behind the reader.
type Stream struct {
	// C delivers matching messages; it is closed by Cancel and on
	// connection shutdown.
	C      <-chan *Message
	sub    *subscriber
	cancel func()
}

// Cancel tears the subscription down, closing C and issuing
// RemoveMatch when this was the rule's last reference.
func (st *Stream) Cancel() { st.cancel() }

// Lagged reports whether the reader had to drop messages because this
// stream's consumer fell behind, and if so how many.
func (st *Stream) Lagged() error {
	st.sub.mu.Lock()
	dropped := st.sub.dropped
	st.sub.mu.Unlock()
	if dropped == 0 {
		return nil
	}
	return &ErrLagged{Dropped: dropped}
}

// Subscribe installs rule (issuing AddMatch on the bus on the first
// reference to this exact rule string) and returns a channel of
// matching messages plus a cancel function that reverses the
// subscription (issuing RemoveMatch on the last reference). On a
// peer-to-peer connection there is no broker to install anything on,
// so only the local filter is registered.
func (c *Connection) Subscribe(rule *MatchRule) (<-chan *Message, func(), error) {
	st, err := c.SubscribeStream(rule)
	if err != nil {
		return nil, nil, err
	}
	return st.C, st.cancel, nil
}

// SubscribeStream is Subscribe returning the full Stream handle, so
// the consumer can also ask whether it lagged.
func (c *Connection) SubscribeStream(rule *MatchRule) (*Stream, error) {
	ruleStr := rule.String()
	first := c.matches.acquire(ruleStr)
	if first && c.onBus() {
		if _, err := c.Call(busPath, busIface, "AddMatch", busName, String(ruleStr)); err != nil {
			c.matches.release(ruleStr)
			return nil, err
		}
	}

	sub := &subscriber{rule: rule, ch: make(chan *Message, c.cfg.maxQueued)}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		sub.shut()
		if c.matches.release(ruleStr) && c.onBus() {
			c.Call(busPath, busIface, "RemoveMatch", busName, String(ruleStr))
		}
	}
	return &Stream{C: sub.ch, sub: sub, cancel: cancel}, nil
}

// Eavesdrop returns a channel receiving every message this connection
// reads that is neither a reply to one of its own pending calls nor
// matched by any installed Subscribe rule. The bus's NameAcquired and
// NameLost signals are the exception: they update Names() and are not
// delivered here. When the channel is full, the message is dropped.
func (c *Connection) Eavesdrop() <-chan *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eavesdrop == nil {
		c.eavesdrop = make(chan *Message, c.cfg.maxQueued)
	}
	return c.eavesdrop
}

// Names returns the bus names this connection currently owns: the
// unique name from Hello and names RequestName obtained as primary
// owner, minus those given up through ReleaseName, kept up to date by
// NameAcquired/NameLost signals that no Subscribe rule matched.
func (c *Connection) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// RequestName asks the bus to assign name to this connection.
func (c *Connection) RequestName(name string, flags uint32) (uint32, error) {
	reply, err := c.Call(busPath, busIface, "RequestName", busName, String(name), Uint32(flags))
	if err != nil {
		return 0, err
	}
	vals, err := reply.Body(c.ctx)
	if err != nil || len(vals) == 0 {
		return 0, err
	}
	result := uint32(vals[0].(Uint32))
	if result == 1 { // DBUS_REQUEST_NAME_REPLY_PRIMARY_OWNER
		c.mu.Lock()
		c.names = append(c.names, name)
		c.mu.Unlock()
	}
	return result, nil
}

// ReleaseName asks the bus to release a name this connection owns.
func (c *Connection) ReleaseName(name string) (uint32, error) {
	reply, err := c.Call(busPath, busIface, "ReleaseName", busName, String(name))
	if err != nil {
		return 0, err
	}
	vals, err := reply.Body(c.ctx)
	if err != nil || len(vals) == 0 {
		return 0, err
	}
	c.mu.Lock()
	for i, n := range c.names {
		if n == name {
			c.names = append(c.names[:i], c.names[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return uint32(vals[0].(Uint32)), nil
}

// Drain puts the connection into the Draining state: no new Call is
// accepted, but in-flight calls may still complete before Close tears
// down the transport. Send (and so CallNoReply, EmitSignal and the
// object server's replies) still enqueues until the connection closes.
func (c *Connection) Drain() {
	c.mu.Lock()
	if c.state == stateOpen {
		c.state = stateDraining
	}
	c.mu.Unlock()
}

// Close drains, then closes the underlying transport and unblocks any
// goroutine waiting on Call or a Subscribe channel.
func (c *Connection) Close() error {
	c.Drain()
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		// Pending reply channels are left open: every waiter also
		// selects on c.closed, and closing them could race a
		// dispatcher that already looked one up.
		c.pending = map[uint32]chan *Message{}
		subs := c.subs
		c.subs = nil
		if c.eavesdrop != nil {
			close(c.eavesdrop)
			c.eavesdrop = nil
		}
		c.mu.Unlock()

		for _, s := range subs {
			s.shut()
		}
		close(c.closed)
		// Let the writer flush messages the queue already accepted
		// before the transport goes away.
		<-c.writerDone
		err = c.transport.Close()
	})
	return err
}

func (c *Connection) readLoop() {
	for {
		msg, order, err := c.transport.ReadMessage()
		if err != nil {
			c.log.WithError(err).Debug("read loop exiting")
			c.Close()
			return
		}
		if msg.UnixFds > 0 && !c.transport.CanPassFDs() {
			err := CodecError{Kind: CodecFdsNotSupported, Reason: "received unix fds over a transport that cannot pass them"}
			c.log.WithError(err).Error("failing message")
			c.Close()
			return
		}
		msg.order = order
		msg.RecvSeq = atomic.AddUint64(&c.recvSeq, 1)
		c.dispatchIncoming(msg)
	}
}

func (c *Connection) dispatchIncoming(msg *Message) {
	c.log.forMessage(msg).Trace("received message")

	if msg.Type == TypeMethodReturn || msg.Type == TypeError {
		c.mu.Lock()
		ch, ok := c.pending[msg.ReplySerial]
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	c.mu.Lock()
	var matched []*subscriber
	for _, s := range c.subs {
		if s.rule.Matches(msg) {
			matched = append(matched, s)
		}
	}
	eaves := c.eavesdrop
	c.mu.Unlock()

	if len(matched) == 0 {
		if msg.Type == TypeSignal && msg.Interface == busIface && msg.Member == "NameAcquired" {
			c.trackNameAcquired(msg)
			return
		}
		if msg.Type == TypeSignal && msg.Interface == busIface && msg.Member == "NameLost" {
			c.trackNameLost(msg)
			return
		}
		if eaves != nil {
			// Re-check under the lock: Close closes the eavesdrop
			// channel while holding it, and a send must never race
			// that close.
			c.mu.Lock()
			if c.state != stateClosed && c.eavesdrop != nil {
				select {
				case c.eavesdrop <- msg:
				default:
				}
			}
			c.mu.Unlock()
		}
		return
	}
	for _, s := range matched {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		select {
		case s.ch <- msg:
		default:
			// drop oldest, then enqueue, so a lagging consumer
			// loses history rather than stalling the reader
			select {
			case <-s.ch:
				s.dropped++
			default:
			}
			select {
			case s.ch <- msg:
			default:
			}
		}
		s.mu.Unlock()
	}
}

func (c *Connection) trackNameAcquired(msg *Message) {
	vals, err := msg.Body(c.ctx)
	if err != nil || len(vals) == 0 {
		return
	}
	name, ok := vals[0].(String)
	if !ok {
		return
	}
	c.mu.Lock()
	for _, n := range c.names {
		if n == string(name) {
			c.mu.Unlock()
			return
		}
	}
	c.names = append(c.names, string(name))
	c.mu.Unlock()
}

func (c *Connection) trackNameLost(msg *Message) {
	vals, err := msg.Body(c.ctx)
	if err != nil || len(vals) == 0 {
		return
	}
	name, ok := vals[0].(String)
	if !ok {
		return
	}
	c.mu.Lock()
	for i, n := range c.names {
		if n == string(name) {
			c.names = append(c.names[:i], c.names[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}
