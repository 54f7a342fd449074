package dbus

import (
	"encoding/xml"
	"strings"
)

// introspectNode mirrors the subset of the D-Bus introspection XML
// schema this server emits: nodes, interfaces, methods, signals and
// properties. Methods and signals are listed by name only; no arg
// elements are emitted. Generated at call time with encoding/xml.
type introspectNode struct {
	XMLName    xml.Name             `xml:"node"`
	Interfaces []introspectInterface `xml:"interface"`
	Children   []introspectChild     `xml:"node"`
}

type introspectChild struct {
	Name string `xml:"name,attr"`
}

type introspectInterface struct {
	Name       string                `xml:"name,attr"`
	Methods    []introspectMethod    `xml:"method"`
	Signals    []introspectSignal    `xml:"signal"`
	Properties []introspectProperty  `xml:"property"`
}

type introspectMethod struct {
	Name string             `xml:"name,attr"`
	Args []introspectArgOut `xml:"arg"`
}

type introspectSignal struct {
	Name string             `xml:"name,attr"`
	Args []introspectArgOut `xml:"arg"`
}

type introspectArgOut struct {
	Direction string `xml:"direction,attr,omitempty"`
}

type introspectProperty struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Access string `xml:"access,attr"`
}

const introspectDoctype = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN" "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">` + "\n"

func (s *ObjectServer) handleIntrospect(msg *Message) ([]Value, error) {
	xmlStr, err := s.introspectXML(msg.Path)
	if err != nil {
		return nil, err
	}
	return []Value{String(xmlStr)}, nil
}

func (s *ObjectServer) introspectXML(path ObjectPath) (string, error) {
	s.mu.RLock()
	n, ok := s.nodes[path]
	s.mu.RUnlock()

	doc := introspectNode{}
	if ok {
		for _, name := range n.order {
			iface := n.interfaces[name]
			iface.mu.RLock()
			ii := introspectInterface{Name: iface.Name}
			for mName := range iface.Methods {
				ii.Methods = append(ii.Methods, introspectMethod{Name: mName})
			}
			for sName := range propertySignalSet(iface.Signals) {
				ii.Signals = append(ii.Signals, introspectSignal{Name: sName})
			}
			for pName, p := range iface.Properties {
				access := "read"
				if p.Set != nil {
					access = "readwrite"
				}
				ii.Properties = append(ii.Properties, introspectProperty{
					Name: pName, Type: p.Sig.String(), Access: access,
				})
			}
			iface.mu.RUnlock()
			doc.Interfaces = append(doc.Interfaces, ii)
		}
		if n.objectManager {
			doc.Interfaces = append(doc.Interfaces, introspectInterface{Name: ifaceObjectManager})
		}
	}
	doc.Interfaces = append(doc.Interfaces,
		introspectInterface{Name: ifaceIntrospectable, Methods: []introspectMethod{{Name: "Introspect"}}},
		introspectInterface{Name: ifaceProperties, Methods: []introspectMethod{
			{Name: "Get"}, {Name: "Set"}, {Name: "GetAll"},
		}, Signals: []introspectSignal{{Name: "PropertiesChanged"}}},
	)

	s.mu.RLock()
	seen := map[string]bool{}
	for p := range s.nodes {
		if child, ok := immediateChild(path, p); ok && !seen[child] {
			seen[child] = true
			doc.Children = append(doc.Children, introspectChild{Name: child})
		}
	}
	s.mu.RUnlock()

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return introspectDoctype + string(out), nil
}

func propertySignalSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// immediateChild reports whether candidate is a descendant of parent
// and, if so, returns the next path segment below parent.
func immediateChild(parent, candidate ObjectPath) (string, bool) {
	p, c := string(parent), string(candidate)
	if c == p {
		return "", false
	}
	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(c, prefix) {
		return "", false
	}
	rest := c[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], true
	}
	return rest, true
}
