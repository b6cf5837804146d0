// Package config loads the worker's configuration. CLI parsing and
// configuration-file loading are explicitly out of scope for the
// mirroring core (spec.md §1); this package is the thin ambient layer a
// runnable binary needs around it.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// requiredProducerProperties are the four durability properties the
// producer adapter enforces at construction (spec.md §4.A). If the
// operator's config sets any of them, the override actually takes effect
// (where the underlying transport has an equivalent) and NewProducer logs
// a warning naming the property.
var requiredProducerProperties = []string{
	"producer.acks",
	"producer.retries",
	"producer.max.in.flight.requests.per.connection",
	"producer.block.on.buffer.full",
}

// producerBlockOnBufferFull has no equivalent in the destination client,
// so an override of it is logged and rejected rather than wired through.
const producerBlockOnBufferFull = "producer.block.on.buffer.full"

// Config is the worker's fully resolved, immutable-after-load
// configuration.
type Config struct {
	AbortOnSendFailure     bool
	OffsetCommitIntervalMs int
	ConsumerTimeoutMs      int
	TopicMappingFile       string

	SourceBrokers      []string
	DestinationBrokers []string

	MembershipEtcdEndpoints []string
	MembershipClusterName   string
	MembershipInstanceID    string
	MembershipHost          string

	MetricsListenAddr string

	// ProducerOverriddenProperties names any of requiredProducerProperties
	// explicitly set in the loaded config, so the producer adapter can
	// warn about each one by name. ProducerRejectedOverrides is the subset
	// of those that have no equivalent on the destination transport and
	// are therefore ignored rather than applied.
	ProducerOverriddenProperties []string
	ProducerRejectedOverrides    []string

	// ProducerAcksOverride is the parsed value of producer.acks ("all",
	// "leader", or "none"), or "" if not overridden.
	ProducerAcksOverride string
	// ProducerRetriesOverride is the parsed value of producer.retries, or
	// -1 if not overridden.
	ProducerRetriesOverride int
	// ProducerMaxInFlightOverride is the parsed value of
	// producer.max.in.flight.requests.per.connection, or 0 if not
	// overridden.
	ProducerMaxInFlightOverride int
}

// CommitInterval is OffsetCommitIntervalMs as a time.Duration.
func (c *Config) CommitInterval() time.Duration {
	return time.Duration(c.OffsetCommitIntervalMs) * time.Millisecond
}

// ConsumerTimeout is ConsumerTimeoutMs as a time.Duration.
func (c *Config) ConsumerTimeout() time.Duration {
	return time.Duration(c.ConsumerTimeoutMs) * time.Millisecond
}

// Load reads configuration from path (any format viper supports: YAML,
// JSON, TOML, ...), applying the defaults spec.md §6 enumerates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("abort-on-send-failure", true)
	v.SetDefault("offset-commit-interval-ms", 60000)
	v.SetDefault("consumer.timeout.ms", 10000)
	v.SetDefault("metrics.listen-addr", ":9308")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	if v.IsSet("consumer.auto.commit.enable") && v.GetBool("consumer.auto.commit.enable") {
		logrus.Warn("consumer.auto.commit.enable is forced to false; the core always drives commits explicitly")
	}

	cfg := &Config{
		AbortOnSendFailure:      v.GetBool("abort-on-send-failure"),
		OffsetCommitIntervalMs:  v.GetInt("offset-commit-interval-ms"),
		ConsumerTimeoutMs:       v.GetInt("consumer.timeout.ms"),
		TopicMappingFile:        v.GetString("topic-mapping-file"),
		SourceBrokers:           v.GetStringSlice("source.brokers"),
		DestinationBrokers:      v.GetStringSlice("destination.brokers"),
		MembershipEtcdEndpoints: v.GetStringSlice("membership.etcd-endpoints"),
		MembershipClusterName:   v.GetString("membership.cluster-name"),
		MembershipInstanceID:    v.GetString("membership.instance-id"),
		MembershipHost:          v.GetString("membership.host"),
		MetricsListenAddr:       v.GetString("metrics.listen-addr"),
		ProducerRetriesOverride: -1,
	}

	for _, prop := range requiredProducerProperties {
		if !v.IsSet(prop) {
			continue
		}
		cfg.ProducerOverriddenProperties = append(cfg.ProducerOverriddenProperties, prop)
		switch prop {
		case "producer.acks":
			cfg.ProducerAcksOverride = v.GetString(prop)
		case "producer.retries":
			cfg.ProducerRetriesOverride = v.GetInt(prop)
		case "producer.max.in.flight.requests.per.connection":
			cfg.ProducerMaxInFlightOverride = v.GetInt(prop)
		case producerBlockOnBufferFull:
			cfg.ProducerRejectedOverrides = append(cfg.ProducerRejectedOverrides, prop)
		}
	}

	return cfg, nil
}
