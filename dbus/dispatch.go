package dbus

const (
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
)

// dispatch resolves msg's path/interface/member against the exported
// interfaces and replies with a METHOD_RETURN or ERROR. Resolution
// proceeds in order:
//  1. unknown path -> UnknownObject
//  2. interface given, not exported at path -> UnknownInterface,
//     unless it's one of the standard interfaces, always available
//  3. interface omitted -> the first-registered interface declaring
//     member wins
//  4. member not found on the resolved interface -> UnknownMethod
func (s *ObjectServer) dispatch(msg *Message) {
	reply, err := s.handle(msg)
	if !msg.WantsReply() {
		return
	}
	out := s.buildReply(msg, reply, err)
	if sendErr := s.conn.Send(out); sendErr != nil {
		s.log.WithError(sendErr).Warn("failed to send reply")
	}
}

func (s *ObjectServer) buildReply(msg *Message, reply []Value, err error) *Message {
	if err != nil {
		return s.errorReply(msg, err)
	}
	b := NewMethodReturn(msg.Serial, msg.Sender)
	if len(reply) > 0 {
		var berr error
		b, berr = b.WithBody(s.conn.ctx, reply...)
		if berr != nil {
			return s.errorReply(msg, berr)
		}
	}
	out, err := b.Build(s.conn.nextSerial(), s.conn.order)
	if err != nil {
		return s.errorReply(msg, err)
	}
	return out
}

func (s *ObjectServer) errorReply(msg *Message, err error) *Message {
	name, body := errorNameAndBody(err)
	b := NewError(msg.Serial, name, msg.Sender)
	b, _ = b.WithBody(s.conn.ctx, body...)
	out, buildErr := b.Build(s.conn.nextSerial(), s.conn.order)
	if buildErr != nil {
		// Fall back to a body-less error rather than drop the reply.
		b2 := NewError(msg.Serial, name, msg.Sender)
		out, _ = b2.Build(s.conn.nextSerial(), s.conn.order)
	}
	return out
}

func errorNameAndBody(err error) (string, []Value) {
	switch e := err.(type) {
	case *CallError:
		return e.Name, e.Body
	case InvalidMessageError:
		return "org.freedesktop.DBus.Error.InvalidArgs", []Value{String(e.Reason)}
	default:
		return "org.freedesktop.DBus.Error.Failed", []Value{String(err.Error())}
	}
}

var errInvalidArgs = &CallError{Name: "org.freedesktop.DBus.Error.InvalidArgs"}
var errUnknownObject = &CallError{Name: "org.freedesktop.DBus.Error.UnknownObject"}
var errUnknownInterface = &CallError{Name: "org.freedesktop.DBus.Error.UnknownInterface"}
var errUnknownMethod = &CallError{Name: "org.freedesktop.DBus.Error.UnknownMethod"}
var errUnknownProperty = &CallError{Name: "org.freedesktop.DBus.Error.UnknownProperty"}
var errPropertyReadOnly = &CallError{Name: "org.freedesktop.DBus.Error.PropertyReadOnly"}

func (s *ObjectServer) handle(msg *Message) ([]Value, error) {
	switch msg.Interface {
	case ifaceIntrospectable:
		if msg.Member == "Introspect" {
			return s.handleIntrospect(msg)
		}
	case ifaceProperties:
		return s.handleProperties(msg)
	case ifaceObjectManager:
		if msg.Member == "GetManagedObjects" {
			return s.handleGetManagedObjects(msg)
		}
	}

	s.mu.RLock()
	n, ok := s.nodes[msg.Path]
	s.mu.RUnlock()
	if !ok {
		return nil, errUnknownObject
	}

	iface, err := s.resolveInterface(n, msg)
	if err != nil {
		return nil, err
	}

	if iface.readOnly[msg.Member] {
		iface.mu.RLock()
		defer iface.mu.RUnlock()
	} else {
		iface.mu.Lock()
		defer iface.mu.Unlock()
	}

	method, ok := iface.Methods[msg.Member]
	if !ok {
		return nil, errUnknownMethod
	}
	if want, declared := iface.methodIn[msg.Member]; declared && !msg.Signature.EqualTopLevel(want) {
		return nil, errInvalidArgs
	}
	body, err := msg.Body(s.conn.ctx)
	if err != nil {
		return nil, InvalidMessageError{Reason: err.Error()}
	}
	return method(msg, body)
}

// resolveInterface implements step 2/3 of the dispatch algorithm.
func (s *ObjectServer) resolveInterface(n *pathNode, msg *Message) (*Interface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if msg.Interface != "" {
		iface, ok := n.interfaces[msg.Interface]
		if !ok {
			return nil, errUnknownInterface
		}
		return iface, nil
	}
	for _, name := range n.order {
		iface := n.interfaces[name]
		if _, ok := iface.Methods[msg.Member]; ok {
			return iface, nil
		}
	}
	return nil, errUnknownMethod
}
