package regadera

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// StorageDriver selects where readings and watering events are kept.
type StorageDriver string

const (
	// StorageMemory keeps everything in process memory. Data is lost on exit.
	StorageMemory StorageDriver = "memory"

	// StorageSQLite keeps everything in a SQLite database file.
	StorageSQLite StorageDriver = "sqlite"
)

// InfluxConfig configures the optional InfluxDB v2 mirror.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// MQTTConfig configures the optional MQTT relay.
type MQTTConfig struct {
	Broker   string
	ClientID string
	// Topic defaults to "regadera/readings".
	Topic string
	// QoS is 0 or 1.
	QoS      byte
	Username string
	Password string
}

// rgConfig holds mutable state during Regadera construction.
type rgConfig struct {
	title         string
	port          int
	writeTimeout  time.Duration
	maxFrameBytes int64

	ingestChannel  string
	observeChannel string
	producerPath   string
	observerPath   string

	storageDriver StorageDriver
	storageDSN    string

	influx *InfluxConfig
	mqtt   *MQTTConfig

	logger           *slog.Logger
	readingCallbacks []func(Reading)
}

// Option is a function that configures a [Regadera] instance during construction.
//
// Options return an error if validation fails.
type Option func(*rgConfig) error

// WithPort sets the HTTP port for the websocket endpoints, REST API and
// dashboard. Defaults to 8000 if not specified.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *rgConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithTitle sets the dashboard title displayed in the browser tab and header.
//
// If not specified, defaults to "Auto-Regadera".
func WithTitle(title string) Option {
	return func(cfg *rgConfig) error {
		cfg.title = title
		return nil
	}
}

// WithWriteTimeout bounds every write to a single websocket connection.
// An observer that cannot accept a message within the timeout is
// disconnected. Defaults to 5 seconds.
//
// Returns an error if the duration is zero or negative.
func WithWriteTimeout(d time.Duration) Option {
	return func(cfg *rgConfig) error {
		if d <= 0 {
			return errors.New("write timeout must be positive")
		}
		cfg.writeTimeout = d
		return nil
	}
}

// WithMaxFrameBytes limits the size of inbound websocket frames. A producer
// sending a larger frame is disconnected. Defaults to 4096.
//
// Returns an error if n is zero or negative.
func WithMaxFrameBytes(n int64) Option {
	return func(cfg *rgConfig) error {
		if n <= 0 {
			return errors.New("max frame bytes must be positive")
		}
		cfg.maxFrameBytes = n
		return nil
	}
}

// WithChannels sets the names of the producer and observer channels.
// Defaults to "esp32" and "ui-feed".
//
// Returns an error if either name is empty or both are the same.
func WithChannels(ingest, observe string) Option {
	return func(cfg *rgConfig) error {
		if ingest == "" || observe == "" {
			return errors.New("channel names cannot be empty")
		}
		if ingest == observe {
			return fmt.Errorf("ingest and observe channels must differ, both are %q", ingest)
		}
		cfg.ingestChannel = ingest
		cfg.observeChannel = observe
		return nil
	}
}

// WithPaths sets the websocket paths for producers and observers.
// Defaults to "/ws/esp32" and "/ws/ui-feed".
//
// Returns an error if a path does not start with "/" or both are the same.
func WithPaths(producer, observer string) Option {
	return func(cfg *rgConfig) error {
		if !strings.HasPrefix(producer, "/") || !strings.HasPrefix(observer, "/") {
			return errors.New("websocket paths must start with /")
		}
		if producer == observer {
			return fmt.Errorf("producer and observer paths must differ, both are %q", producer)
		}
		cfg.producerPath = producer
		cfg.observerPath = observer
		return nil
	}
}

// WithMemoryStorage keeps readings in memory. This is the default.
func WithMemoryStorage() Option {
	return func(cfg *rgConfig) error {
		cfg.storageDriver = StorageMemory
		cfg.storageDSN = ""
		return nil
	}
}

// WithSQLiteStorage stores readings and watering events in the SQLite
// database at path. The file and schema are created if missing.
//
// Returns an error if path is empty.
func WithSQLiteStorage(path string) Option {
	return func(cfg *rgConfig) error {
		if path == "" {
			return errors.New("sqlite path cannot be empty")
		}
		cfg.storageDriver = StorageSQLite
		cfg.storageDSN = path
		return nil
	}
}

// WithInflux mirrors every published reading to an InfluxDB v2 bucket.
//
// Returns an error if any field is empty.
func WithInflux(c InfluxConfig) Option {
	return func(cfg *rgConfig) error {
		if c.URL == "" || c.Token == "" || c.Org == "" || c.Bucket == "" {
			return errors.New("influx url, token, org and bucket are required")
		}
		cfg.influx = &c
		return nil
	}
}

// WithMQTT relays every published reading to an MQTT topic.
//
// Returns an error if the broker is empty or QoS is above 1.
func WithMQTT(c MQTTConfig) Option {
	return func(cfg *rgConfig) error {
		if c.Broker == "" {
			return errors.New("mqtt broker is required")
		}
		if c.QoS > 1 {
			return fmt.Errorf("mqtt qos must be 0 or 1, got %d", c.QoS)
		}
		cfg.mqtt = &c
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Regadera instance.
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *rgConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithReadingCallback registers a function to be called for every reading
// that is persisted and broadcast, whether it arrived over the producer
// websocket or the REST API.
//
// Multiple callbacks may be registered; they execute in registration order.
//
// Callbacks must be non-blocking: they run on the publishing goroutine and
// delay the next reading from the producer. Panics within callbacks are
// recovered and logged.
//
// Nil callbacks are silently ignored.
func WithReadingCallback(cb func(Reading)) Option {
	return func(cfg *rgConfig) error {
		if cb == nil {
			return nil
		}
		cfg.readingCallbacks = append(cfg.readingCallbacks, cb)
		return nil
	}
}
