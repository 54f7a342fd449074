// Package dbus implements the D-Bus wire protocol: message encoding in
// both the classic D-Bus format and the GVariant format, a connection
// that multiplexes method calls, replies and signals over a single
// transport, and an object server for exporting interfaces at object
// paths.
package dbus
