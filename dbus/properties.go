package dbus

// handleProperties dispatches org.freedesktop.DBus.Properties calls
// (Get/Set/GetAll) against the interface named in the call's first
// argument.
func (s *ObjectServer) handleProperties(msg *Message) ([]Value, error) {
	body, err := msg.Body(s.conn.ctx)
	if err != nil {
		return nil, InvalidMessageError{Reason: err.Error()}
	}

	s.mu.RLock()
	n, ok := s.nodes[msg.Path]
	s.mu.RUnlock()
	if !ok {
		return nil, errUnknownObject
	}

	switch msg.Member {
	case "Get":
		if len(body) < 2 {
			return nil, InvalidMessageError{Reason: "Properties.Get requires (interface, name)"}
		}
		ifaceName := string(body[0].(String))
		propName := string(body[1].(String))
		iface, err := s.lookupInterface(n, ifaceName)
		if err != nil {
			return nil, err
		}
		iface.mu.RLock()
		p, ok := iface.Properties[propName]
		iface.mu.RUnlock()
		if !ok {
			return nil, errUnknownProperty
		}
		v, err := p.Get()
		if err != nil {
			return nil, err
		}
		return []Value{&Variant{Sig: v.DBusSignature(), Val: v}}, nil

	case "Set":
		if len(body) < 3 {
			return nil, InvalidMessageError{Reason: "Properties.Set requires (interface, name, value)"}
		}
		ifaceName := string(body[0].(String))
		propName := string(body[1].(String))
		variant, ok := body[2].(*Variant)
		if !ok {
			return nil, InvalidMessageError{Reason: "Properties.Set value must be a variant"}
		}
		iface, err := s.lookupInterface(n, ifaceName)
		if err != nil {
			return nil, err
		}
		iface.mu.Lock()
		p, ok := iface.Properties[propName]
		iface.mu.Unlock()
		if !ok {
			return nil, errUnknownProperty
		}
		if p.Set == nil {
			return nil, errPropertyReadOnly
		}
		iface.mu.Lock()
		err = p.Set(variant.Val)
		iface.mu.Unlock()
		if err != nil {
			return nil, err
		}
		s.notifyPropertyChanged(msg.Path, ifaceName, propName, p, variant.Val)
		return nil, nil

	case "GetAll":
		if len(body) < 1 {
			return nil, InvalidMessageError{Reason: "Properties.GetAll requires (interface)"}
		}
		ifaceName := string(body[0].(String))
		iface, err := s.lookupInterface(n, ifaceName)
		if err != nil {
			return nil, err
		}
		iface.mu.RLock()
		defer iface.mu.RUnlock()
		dict := &Dict{KeySig: MustParseSignature("s"), ValSig: MustParseSignature("v")}
		for name, p := range iface.Properties {
			v, err := p.Get()
			if err != nil {
				return nil, err
			}
			dict.Entries = append(dict.Entries, DictEntry{
				Key: String(name),
				Val: &Variant{Sig: v.DBusSignature(), Val: v},
			})
		}
		return []Value{dict}, nil

	default:
		return nil, errUnknownMethod
	}
}

func (s *ObjectServer) lookupInterface(n *pathNode, name string) (*Interface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iface, ok := n.interfaces[name]
	if !ok {
		return nil, errUnknownInterface
	}
	return iface, nil
}

// notifyPropertyChanged emits PropertiesChanged according to the
// property's EmitsChangedSignal policy: "true" includes the new
// value in the changed_properties dict, "invalidates" lists the name
// in invalidated_properties instead, "const"/"false" emit nothing.
func (s *ObjectServer) notifyPropertyChanged(path ObjectPath, ifaceName, propName string, p *Property, newVal Value) {
	changed := &Dict{KeySig: MustParseSignature("s"), ValSig: MustParseSignature("v")}
	var invalidated []Value

	switch p.EmitsChanged {
	case EmitsChangedTrue:
		changed.Entries = append(changed.Entries, DictEntry{
			Key: String(propName),
			Val: &Variant{Sig: newVal.DBusSignature(), Val: newVal},
		})
	case EmitsChangedInvalidates:
		invalidated = append(invalidated, String(propName))
	case EmitsChangedConst, EmitsChangedFalse, "":
		return
	}

	err := s.conn.EmitSignal(path, ifaceProperties, "PropertiesChanged",
		String(ifaceName), changed, &Array{Elem: MustParseSignature("s"), Vals: invalidated})
	if err != nil {
		s.log.WithError(err).Warn("failed to emit PropertiesChanged")
	}
}
