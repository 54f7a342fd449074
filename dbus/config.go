package dbus

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxQueued bounds how many undelivered signal/call
	// messages a Connection buffers per subscriber before it starts
	// dropping the oldest and reporting ErrLagged.
	DefaultMaxQueued = 64
	// DefaultMethodTimeout is how long Call waits for a reply before
	// returning ErrTimeout.
	DefaultMethodTimeout = 25 * time.Second
)

// Config holds a Connection's or ObjectServer's tunables, built
// through functional options the way Dial/NewConnection accept them.
type Config struct {
	maxQueued      int
	methodTimeout  time.Duration
	optionEncoding OptionEncoding
	format         Format
	logger         *logrus.Logger
	mechanisms     []AuthMechanism
}

func defaultConfig() *Config {
	return &Config{
		maxQueued:      DefaultMaxQueued,
		methodTimeout:  DefaultMethodTimeout,
		optionEncoding: OptionAsArray,
		format:         FormatDBus,
		logger:         defaultLogger(),
		mechanisms:     DefaultMechanisms,
	}
}

// Option configures a Connection at construction time.
type Option func(*Config)

// WithMaxQueued sets the per-subscriber signal queue depth.
func WithMaxQueued(n int) Option {
	return func(c *Config) { c.maxQueued = n }
}

// WithMethodTimeout sets how long Call waits for a reply.
func WithMethodTimeout(d time.Duration) Option {
	return func(c *Config) { c.methodTimeout = d }
}

// WithOptionEncoding fixes how Maybe values are (de)serialized for the
// lifetime of the connection; see ValidateOptionEncoding.
func WithOptionEncoding(opt OptionEncoding) Option {
	return func(c *Config) { c.optionEncoding = opt }
}

// WithFormat selects the wire format (FormatDBus or FormatGVariant)
// this connection encodes message bodies with.
func WithFormat(f Format) Option {
	return func(c *Config) { c.format = f }
}

// WithLogger overrides the *logrus.Logger a Connection logs through.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Config) { c.logger = l }
}

// WithMechanisms overrides the SASL mechanisms a client offers, in
// order of preference.
func WithMechanisms(mechs ...AuthMechanism) Option {
	return func(c *Config) { c.mechanisms = mechs }
}
