package config

import (
	"github.com/jpalmerr/regadera"
)

// BuildOptions converts parsed configuration into SDK options for [regadera.New].
func BuildOptions(cfg *Config) []regadera.Option {
	opts := []regadera.Option{
		regadera.WithPort(cfg.Port),
		regadera.WithWriteTimeout(cfg.WriteTimeout.Duration()),
		regadera.WithMaxFrameBytes(cfg.MaxFrameBytes),
		regadera.WithChannels(cfg.Channels.Ingest, cfg.Channels.Observe),
		regadera.WithPaths(cfg.Paths.Producer, cfg.Paths.Observer),
	}

	if cfg.Title != "" {
		opts = append(opts, regadera.WithTitle(cfg.Title))
	}

	switch cfg.Storage.Driver {
	case DriverMemory:
		opts = append(opts, regadera.WithMemoryStorage())
	default:
		opts = append(opts, regadera.WithSQLiteStorage(cfg.Storage.DSN))
	}

	if cfg.Influx.Enabled() {
		opts = append(opts, regadera.WithInflux(regadera.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}))
	}

	if cfg.MQTT.Enabled() {
		opts = append(opts, regadera.WithMQTT(regadera.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}))
	}

	return opts
}
