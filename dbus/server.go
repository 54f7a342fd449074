package dbus

import "sync"

// MethodHandler implements one exported method. body is the decoded
// call arguments; the returned values become the METHOD_RETURN body.
type MethodHandler func(msg *Message, body []Value) ([]Value, error)

// PropertyEmitsChanged is the org.freedesktop.DBus.Properties
// EmitsChangedSignal annotation value for one property.
type PropertyEmitsChanged string

const (
	EmitsChangedTrue        PropertyEmitsChanged = "true"
	EmitsChangedInvalidates PropertyEmitsChanged = "invalidates"
	EmitsChangedConst       PropertyEmitsChanged = "const"
	EmitsChangedFalse       PropertyEmitsChanged = "false"
)

// Property describes one exported property.
type Property struct {
	Sig          Signature
	Get          func() (Value, error)
	Set          func(Value) error // nil for read-only properties
	EmitsChanged PropertyEmitsChanged
}

// Interface is one exported D-Bus interface implementation, with its
// own RWMutex so the object server can let concurrent property reads
// proceed while serializing method calls and property writes against
// it.
type Interface struct {
	Name       string
	Methods    map[string]MethodHandler
	Properties map[string]*Property
	Signals    []string

	// methodIn records the declared input signature of methods added
	// via AddMethodIn; calls whose body signature doesn't match get an
	// InvalidArgs error before the handler runs.
	methodIn map[string]Signature
	// readOnly marks methods that never mutate the instance; they run
	// under the read half of mu so they don't serialize against each
	// other.
	readOnly map[string]bool

	mu sync.RWMutex
}

func NewInterface(name string) *Interface {
	return &Interface{
		Name:       name,
		Methods:    map[string]MethodHandler{},
		Properties: map[string]*Property{},
		methodIn:   map[string]Signature{},
		readOnly:   map[string]bool{},
	}
}

func (i *Interface) AddMethod(name string, h MethodHandler) *Interface {
	i.Methods[name] = h
	return i
}

// AddMethodIn is AddMethod with a declared input signature; the
// dispatcher rejects calls whose body signature doesn't match in,
// treating a top-level structure and its bare field list as equal.
func (i *Interface) AddMethodIn(name string, in Signature, h MethodHandler) *Interface {
	i.Methods[name] = h
	i.methodIn[name] = in
	return i
}

// AddMethodRO registers a handler that never mutates the instance, so
// the dispatcher runs it under a shared lock and concurrent read-only
// calls don't serialize against each other.
func (i *Interface) AddMethodRO(name string, h MethodHandler) *Interface {
	i.Methods[name] = h
	i.readOnly[name] = true
	return i
}

func (i *Interface) AddProperty(name string, p *Property) *Interface {
	i.Properties[name] = p
	return i
}

func (i *Interface) AddSignal(name string) *Interface {
	i.Signals = append(i.Signals, name)
	return i
}

// pathNode holds every interface exported at one object path, in
// registration order; order matters for the first-registered-wins
// tie-break when a method call omits its interface.
type pathNode struct {
	order      []string
	interfaces map[string]*Interface
	// objectManager is set when this path has ObjectManager enabled;
	// the descendant paths it reports are found by scanning the
	// server's nodes each time they are needed.
	objectManager bool
}

// ObjectServer exports interfaces at object paths and dispatches
// incoming method calls against them. It also answers the
// standard Introspectable and Properties interfaces for any path that
// has at least one exported interface, and ObjectManager for any path
// where EnableObjectManager was called.
type ObjectServer struct {
	conn *Connection
	cfg  *Config
	log  *connLogger

	mu    sync.RWMutex
	nodes map[ObjectPath]*pathNode
}

// NewObjectServer creates a server dispatching calls received on conn.
func NewObjectServer(conn *Connection, opts ...Option) *ObjectServer {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	s := &ObjectServer{
		conn:  conn,
		cfg:   cfg,
		log:   newConnLogger(cfg.logger, "object-server"),
		nodes: map[ObjectPath]*pathNode{},
	}
	go s.serveLoop()
	return s
}

func (s *ObjectServer) node(path ObjectPath) *pathNode {
	n, ok := s.nodes[path]
	if !ok {
		n = &pathNode{interfaces: map[string]*Interface{}}
		s.nodes[path] = n
	}
	return n
}

// Export registers iface at path, replacing any interface of the same
// name already there. Emits InterfacesAdded on the nearest ancestor
// path with ObjectManager enabled.
func (s *ObjectServer) Export(path ObjectPath, iface *Interface) {
	s.mu.Lock()
	n := s.node(path)
	if _, exists := n.interfaces[iface.Name]; !exists {
		n.order = append(n.order, iface.Name)
	}
	n.interfaces[iface.Name] = iface
	s.mu.Unlock()

	s.emitInterfacesAdded(path, iface)
}

// Unexport removes ifaceName from path, emitting InterfacesRemoved on
// the nearest ancestor with ObjectManager enabled.
func (s *ObjectServer) Unexport(path ObjectPath, ifaceName string) {
	s.mu.Lock()
	n, ok := s.nodes[path]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, exists := n.interfaces[ifaceName]; !exists {
		s.mu.Unlock()
		return
	}
	delete(n.interfaces, ifaceName)
	for i, name := range n.order {
		if name == ifaceName {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	empty := len(n.order) == 0 && !n.objectManager
	if empty {
		delete(s.nodes, path)
	}
	s.mu.Unlock()

	s.emitInterfacesRemoved(path, []string{ifaceName})
}

// EnableObjectManager marks path as an org.freedesktop.DBus.ObjectManager
// root: GetManagedObjects and InterfacesAdded/Removed cover every
// descendant path.
func (s *ObjectServer) EnableObjectManager(path ObjectPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.node(path).objectManager = true
}

func (s *ObjectServer) serveLoop() {
	// The object server watches the raw eavesdrop channel rather than
	// Subscribe, since method calls addressed to this connection don't
	// need an AddMatch round-trip: the bus already routes them here.
	ch := s.conn.Eavesdrop()
	for msg := range ch {
		if msg.Type != TypeMethodCall {
			continue
		}
		go s.dispatch(msg)
	}
}
