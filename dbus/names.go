package dbus

import "strings"

// ValidateObjectPath reports whether p is a syntactically valid D-Bus
// object path (Glossary: "/"-separated segments of [A-Za-z0-9_]+, no
// trailing slash except the root path itself).
func ValidateObjectPath(p string) error {
	return validateObjectPath(p)
}

// ValidateInterfaceName reports whether n is a syntactically valid
// D-Bus interface name: at least two dot-separated elements, each
// matching [A-Za-z_][A-Za-z0-9_]*, max length 255.
func ValidateInterfaceName(n string) error {
	if len(n) == 0 || len(n) > 255 {
		return NameError{Kind: "interface", Value: n}
	}
	parts := strings.Split(n, ".")
	if len(parts) < 2 {
		return NameError{Kind: "interface", Value: n}
	}
	for _, p := range parts {
		if !isNameElement(p, false) {
			return NameError{Kind: "interface", Value: n}
		}
	}
	return nil
}

// ValidateBusName reports whether n is a syntactically valid D-Bus bus
// name, either unique (":" prefix, elements may start with a digit)
// or well-known (no leading digit in any element).
func ValidateBusName(n string) error {
	if len(n) == 0 || len(n) > 255 {
		return NameError{Kind: "bus name", Value: n}
	}
	unique := strings.HasPrefix(n, ":")
	body := n
	if unique {
		body = n[1:]
	}
	parts := strings.Split(body, ".")
	if len(parts) < 2 {
		return NameError{Kind: "bus name", Value: n}
	}
	for _, p := range parts {
		if !isNameElement(p, unique) {
			return NameError{Kind: "bus name", Value: n}
		}
	}
	return nil
}

// ValidateMemberName reports whether n is a syntactically valid D-Bus
// member (method/signal/property) name: matches [A-Za-z_][A-Za-z0-9_]*,
// max length 255, no dots.
func ValidateMemberName(n string) error {
	if len(n) == 0 || len(n) > 255 || !isNameElement(n, false) {
		return NameError{Kind: "member", Value: n}
	}
	return nil
}

func isNameElement(s string, allowLeadingDigit bool) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
		isDigit := c >= '0' && c <= '9'
		if i == 0 && !isAlpha && !(allowLeadingDigit && isDigit) {
			return false
		}
		if !isAlpha && !isDigit {
			return false
		}
	}
	return true
}
