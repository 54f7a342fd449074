package dbus

import "strings"

// handleGetManagedObjects implements org.freedesktop.DBus.ObjectManager
// .GetManagedObjects, returning every descendant path's interfaces and
// properties as a{oa{sa{sv}}}.
func (s *ObjectServer) handleGetManagedObjects(msg *Message) ([]Value, error) {
	s.mu.RLock()
	root, ok := s.nodes[msg.Path]
	s.mu.RUnlock()
	if !ok || !root.objectManager {
		return nil, errUnknownObject
	}

	outer := &Dict{KeySig: MustParseSignature("o"), ValSig: MustParseSignature("a{sa{sv}}")}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for path, n := range s.nodes {
		if path == msg.Path || !isDescendant(msg.Path, path) {
			continue
		}
		inner := &Dict{KeySig: MustParseSignature("s"), ValSig: MustParseSignature("a{sv}")}
		for _, name := range n.order {
			iface := n.interfaces[name]
			iface.mu.RLock()
			propDict := &Dict{KeySig: MustParseSignature("s"), ValSig: MustParseSignature("v")}
			for pname, p := range iface.Properties {
				v, err := p.Get()
				if err != nil {
					iface.mu.RUnlock()
					return nil, err
				}
				propDict.Entries = append(propDict.Entries, DictEntry{
					Key: String(pname), Val: &Variant{Sig: v.DBusSignature(), Val: v},
				})
			}
			iface.mu.RUnlock()
			inner.Entries = append(inner.Entries, DictEntry{Key: String(name), Val: propDict})
		}
		if len(inner.Entries) == 0 {
			continue
		}
		outer.Entries = append(outer.Entries, DictEntry{Key: ObjectPath(path), Val: inner})
	}
	return []Value{outer}, nil
}

func isDescendant(parent, candidate ObjectPath) bool {
	p, c := string(parent), string(candidate)
	if p == "/" {
		return c != "/"
	}
	return strings.HasPrefix(c, p+"/")
}

func (s *ObjectServer) nearestObjectManager(path ObjectPath) (ObjectPath, bool) {
	cur := string(path)
	for {
		s.mu.RLock()
		n, ok := s.nodes[ObjectPath(cur)]
		s.mu.RUnlock()
		if ok && n.objectManager {
			return ObjectPath(cur), true
		}
		if cur == "/" || cur == "" {
			return "", false
		}
		idx := strings.LastIndexByte(cur, '/')
		if idx <= 0 {
			cur = "/"
		} else {
			cur = cur[:idx]
		}
	}
}

func (s *ObjectServer) emitInterfacesAdded(path ObjectPath, iface *Interface) {
	mgr, ok := s.nearestObjectManager(path)
	if !ok || mgr == path {
		return
	}
	iface.mu.RLock()
	propDict := &Dict{KeySig: MustParseSignature("s"), ValSig: MustParseSignature("v")}
	for pname, p := range iface.Properties {
		v, err := p.Get()
		if err != nil {
			iface.mu.RUnlock()
			s.log.WithError(err).Warn("failed to read property for InterfacesAdded")
			return
		}
		propDict.Entries = append(propDict.Entries, DictEntry{
			Key: String(pname), Val: &Variant{Sig: v.DBusSignature(), Val: v},
		})
	}
	iface.mu.RUnlock()

	ifacesDict := &Dict{KeySig: MustParseSignature("s"), ValSig: MustParseSignature("a{sv}")}
	ifacesDict.Entries = append(ifacesDict.Entries, DictEntry{Key: String(iface.Name), Val: propDict})

	if err := s.conn.EmitSignal(mgr, ifaceObjectManager, "InterfacesAdded", ObjectPath(path), ifacesDict); err != nil {
		s.log.WithError(err).Warn("failed to emit InterfacesAdded")
	}
}

func (s *ObjectServer) emitInterfacesRemoved(path ObjectPath, ifaceNames []string) {
	mgr, ok := s.nearestObjectManager(path)
	if !ok || mgr == path {
		return
	}
	names := make([]Value, len(ifaceNames))
	for i, n := range ifaceNames {
		names[i] = String(n)
	}
	arr := &Array{Elem: MustParseSignature("s"), Vals: names}
	if err := s.conn.EmitSignal(mgr, ifaceObjectManager, "InterfacesRemoved", ObjectPath(path), arr); err != nil {
		s.log.WithError(err).Warn("failed to emit InterfacesRemoved")
	}
}
