package chatsync

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Defaults used when a Config field is left zero.
const (
	DefaultSendTimeout = 30 * time.Second
	DefaultEchoWindow  = 5 * time.Second
	DefaultPageSize    = 30
	DefaultBusSize     = 256
)

// Duration is a time.Duration that reads and writes as text ("30s") in
// config files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config configures an Engine.
type Config struct {
	// ViewerID is the id of the logged-in user.
	ViewerID string `toml:"viewer_id" validate:"required"`

	// MediaBaseURL is prefixed to relative attachment paths.
	MediaBaseURL string `toml:"media_base_url" validate:"omitempty,url"`

	// SendTimeout bounds how long a message may stay in the sending state.
	// Zero keeps the default; a negative value disables the bound.
	SendTimeout Duration `toml:"send_timeout"`

	// EchoWindow is the tolerance of the legacy echo match that pairs an
	// echo without correlation token to a provisional message by sender,
	// content and time. Zero keeps the default; a negative value disables
	// the fallback.
	EchoWindow Duration `toml:"echo_window"`

	// PageSize is the number of messages requested per history page.
	PageSize int `toml:"page_size" validate:"gte=0,lte=200"`

	// BusSize is the buffer of the real-time event bus.
	BusSize int `toml:"bus_size" validate:"gte=0"`

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `toml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
}

// DefaultConfig returns a config for viewerID with every default applied.
func DefaultConfig(viewerID string) Config {
	c := Config{ViewerID: viewerID}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.SendTimeout == 0 {
		c.SendTimeout = Duration(DefaultSendTimeout)
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = Duration(DefaultEchoWindow)
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.BusSize == 0 {
		c.BusSize = DefaultBusSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

var validate = validator.New()

// Validate checks the config for missing or out-of-range values.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// ParseConfig decodes a TOML document, applies defaults and validates the
// result.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrap(err, "cannot parse config")
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "cannot read config")
	}
	return ParseConfig(data)
}

func (c Config) sendTimeout() time.Duration {
	if c.SendTimeout < 0 {
		return 0
	}
	return time.Duration(c.SendTimeout)
}

func (c Config) echoWindow() time.Duration {
	if c.EchoWindow < 0 {
		return 0
	}
	return time.Duration(c.EchoWindow)
}
