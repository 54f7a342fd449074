package dbus

// Object is a convenience handle bound to one destination and object
// path, so callers don't repeat them on every call — the same shape as
// a real godbus/dbus Object, generalized to this module's typed Value
// API instead of reflection-based Store.
type Object struct {
	conn *Connection
	dest string
	path ObjectPath
}

// Object returns a handle for dest/path on this connection.
func (c *Connection) Object(dest string, path ObjectPath) *Object {
	return &Object{conn: c, dest: dest, path: path}
}

// Path returns the object path this handle is bound to.
func (o *Object) Path() ObjectPath { return o.path }

// Destination returns the bus name this handle is bound to.
func (o *Object) Destination() string { return o.dest }

// Call invokes iface.member on this object and blocks for the reply.
func (o *Object) Call(iface, member string, args ...Value) (*Message, error) {
	return o.conn.Call(o.path, iface, member, o.dest, args...)
}

// Go invokes iface.member without blocking the caller; the returned
// PendingCall's Done channel receives exactly once when the reply or error
// arrives.
func (o *Object) Go(iface, member string, args ...Value) *PendingCall {
	pc := &PendingCall{Done: make(chan *PendingCall, 1)}
	go func() {
		reply, err := o.Call(iface, member, args...)
		pc.Reply = reply
		pc.Err = err
		pc.Done <- pc
	}()
	return pc
}

// PendingCall is the asynchronous counterpart to Object.Call.
type PendingCall struct {
	Reply *Message
	Err   error
	Done  chan *PendingCall
}

// GetProperty fetches one org.freedesktop.DBus.Properties value.
func (o *Object) GetProperty(iface, name string) (Value, error) {
	reply, err := o.Call("org.freedesktop.DBus.Properties", "Get", String(iface), String(name))
	if err != nil {
		return nil, err
	}
	vals, err := reply.Body(o.conn.ctx)
	if err != nil || len(vals) == 0 {
		return nil, err
	}
	v, ok := vals[0].(*Variant)
	if !ok {
		return vals[0], nil
	}
	return v.Val, nil
}

// SetProperty sets one org.freedesktop.DBus.Properties value.
func (o *Object) SetProperty(iface, name string, v Value) error {
	variant := &Variant{Sig: v.DBusSignature(), Val: v}
	_, err := o.Call("org.freedesktop.DBus.Properties", "Set", String(iface), String(name), variant)
	return err
}

// GetAllProperties fetches every property of iface as a map.
func (o *Object) GetAllProperties(iface string) (map[string]Value, error) {
	reply, err := o.Call("org.freedesktop.DBus.Properties", "GetAll", String(iface))
	if err != nil {
		return nil, err
	}
	vals, err := reply.Body(o.conn.ctx)
	if err != nil || len(vals) == 0 {
		return nil, err
	}
	dict, ok := vals[0].(*Dict)
	if !ok {
		return nil, InvalidMessageError{Reason: "GetAll reply body is not a{sv}"}
	}
	out := make(map[string]Value, len(dict.Entries))
	for _, e := range dict.Entries {
		k, ok := e.Key.(String)
		if !ok {
			continue
		}
		if v, ok := e.Val.(*Variant); ok {
			out[string(k)] = v.Val
		} else {
			out[string(k)] = e.Val
		}
	}
	return out, nil
}

// Introspect fetches and returns the raw introspection XML for this
// object.
func (o *Object) Introspect() (string, error) {
	reply, err := o.Call("org.freedesktop.DBus.Introspectable", "Introspect")
	if err != nil {
		return "", err
	}
	vals, err := reply.Body(o.conn.ctx)
	if err != nil || len(vals) == 0 {
		return "", err
	}
	s, ok := vals[0].(String)
	if !ok {
		return "", InvalidMessageError{Reason: "Introspect reply body is not a string"}
	}
	return string(s), nil
}
