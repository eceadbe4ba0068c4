// Package trapprocessor receives SNMP v1/v2c traps over UDP and runs each
// datagram through the relay pipeline on a bounded worker pool.
//
// Configuration is accepted either as a nested map, shaped like the validated
// configuration file, or as any value implementing Config:
//
//	config := map[string]any{
//		"snmp": map[string]any{
//			"bind_address": "0.0.0.0",
//			"port":         162,
//			"community":    "public",
//			"read_timeout": "1s",
//		},
//		"worker_pool": map[string]any{
//			"size":       4,
//			"queue_size": 1024,
//		},
//		"poller": map[string]any{
//			"version": "2c",
//		},
//	}
//
//	processor, err := trapprocessor.New(config, trapprocessor.Dependencies{
//		Correlator: c,
//		Store:      db,
//		Relayer:    relayClient,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := processor.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer processor.Stop(shutdownCtx)
package trapprocessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/geekxflood/traprelay/metrics"
	"github.com/geekxflood/traprelay/snmptranslate"
)

// Config is the configuration contract of the receiver and pipeline.
//
// Values are read once at construction. Changing them afterwards has no
// effect on a running Listener.
type Config interface {
	// SNMP listener settings
	GetSNMPBindAddress() string
	GetSNMPPort() int
	GetSNMPCommunity() string
	GetReadTimeout() time.Duration
	GetBufferSize() int

	// Worker pool settings
	GetWorkerPoolSize() int
	GetQueueSize() int

	// GetPollerVersion is the SNMP version used to poll trap sources.
	GetPollerVersion() gosnmp.SnmpVersion
}

type configImpl struct {
	snmpBindAddress string
	snmpPort        int
	snmpCommunity   string
	readTimeout     time.Duration
	bufferSize      int
	workerPoolSize  int
	queueSize       int
	pollerVersion   gosnmp.SnmpVersion
}

func (c *configImpl) GetSNMPBindAddress() string           { return c.snmpBindAddress }
func (c *configImpl) GetSNMPPort() int                     { return c.snmpPort }
func (c *configImpl) GetSNMPCommunity() string             { return c.snmpCommunity }
func (c *configImpl) GetReadTimeout() time.Duration        { return c.readTimeout }
func (c *configImpl) GetBufferSize() int                   { return c.bufferSize }
func (c *configImpl) GetWorkerPoolSize() int               { return c.workerPoolSize }
func (c *configImpl) GetQueueSize() int                    { return c.queueSize }
func (c *configImpl) GetPollerVersion() gosnmp.SnmpVersion { return c.pollerVersion }

// Dependencies are the collaborators of the pipeline. Correlator, Store and
// Relayer are required.
type Dependencies struct {
	Correlator Correlator
	Store      Store
	Relayer    Relayer

	// Translator names unrecognized var-binds. Defaults to the built-in table.
	Translator snmptranslate.Translator

	// Metrics may be nil.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// TrapProcessor ties a Listener to a Pipeline.
type TrapProcessor struct {
	config   Config
	pipeline *Pipeline
	listener *Listener
}

// New parses configObj and wires the pipeline and listener.
//
// Supported configuration types:
//
//   - map[string]any with "snmp", "worker_pool" and "poller" sections, as
//     produced by the config package
//   - any value implementing Config
//
// Missing keys take their defaults; invalid values are rejected.
func New(configObj any, deps Dependencies) (*TrapProcessor, error) {
	config, err := ParseConfig(configObj)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	pipeline, err := NewPipeline(config, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	listener, err := NewListener(config, pipeline, Options{Logger: deps.Logger, Metrics: deps.Metrics})
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	return &TrapProcessor{
		config:   config,
		pipeline: pipeline,
		listener: listener,
	}, nil
}

// Config returns the parsed configuration.
func (tp *TrapProcessor) Config() Config {
	return tp.config
}

// Start binds the trap socket and starts the workers.
func (tp *TrapProcessor) Start(ctx context.Context) error {
	return tp.listener.Start(ctx)
}

// Stop closes the socket and waits for queued traps to be processed.
func (tp *TrapProcessor) Stop(ctx context.Context) error {
	return tp.listener.Stop(ctx)
}

// State reports the listener state.
func (tp *TrapProcessor) State() State {
	return tp.listener.State()
}

// Addr returns the bound address, or nil when not listening.
func (tp *TrapProcessor) Addr() *net.UDPAddr {
	return tp.listener.Addr()
}

// ParseConfig builds a Config from a nested map or validates and copies a
// Config implementation.
func ParseConfig(configObj any) (Config, error) {
	config := &configImpl{
		snmpBindAddress: "0.0.0.0",
		snmpPort:        162,
		readTimeout:     time.Second,
		bufferSize:      65535,
		workerPoolSize:  4,
		queueSize:       1024,
		pollerVersion:   gosnmp.Version2c,
	}

	switch cfg := configObj.(type) {
	case map[string]any:
		if err := parseMapConfig(config, cfg); err != nil {
			return nil, err
		}
	case Config:
		parseConfigInterface(config, cfg)
	default:
		return nil, fmt.Errorf("unsupported configuration type: %T", configObj)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

func parseMapConfig(config *configImpl, cfg map[string]any) error {
	if snmpCfg, ok := cfg["snmp"].(map[string]any); ok {
		if err := parseSnmpConfig(config, snmpCfg); err != nil {
			return fmt.Errorf("invalid SNMP configuration: %w", err)
		}
	}

	if poolCfg, ok := cfg["worker_pool"].(map[string]any); ok {
		parseWorkerPoolConfig(config, poolCfg)
	}

	if pollerCfg, ok := cfg["poller"].(map[string]any); ok {
		if err := parsePollerConfig(config, pollerCfg); err != nil {
			return fmt.Errorf("invalid poller configuration: %w", err)
		}
	}

	return nil
}

func parseSnmpConfig(config *configImpl, snmpCfg map[string]any) error {
	if addr := getStringValue(snmpCfg, "bind_address"); addr != "" {
		config.snmpBindAddress = addr
	}
	if port, ok := getIntValue(snmpCfg, "port"); ok {
		config.snmpPort = port
	}
	if community := getStringValue(snmpCfg, "community"); community != "" {
		config.snmpCommunity = community
	}
	if size, ok := getIntValue(snmpCfg, "buffer_size"); ok {
		config.bufferSize = size
	}

	timeout, ok, err := getDurationValue(snmpCfg, "read_timeout")
	if err != nil {
		return err
	}
	if ok {
		config.readTimeout = timeout
	}

	return nil
}

func parseWorkerPoolConfig(config *configImpl, poolCfg map[string]any) {
	if size, ok := getIntValue(poolCfg, "size"); ok {
		config.workerPoolSize = size
	}
	if size, ok := getIntValue(poolCfg, "queue_size"); ok {
		config.queueSize = size
	}
}

func parsePollerConfig(config *configImpl, pollerCfg map[string]any) error {
	version := getStringValue(pollerCfg, "version")
	if version == "" {
		return nil
	}
	v, err := ParsePollerVersion(version)
	if err != nil {
		return err
	}
	config.pollerVersion = v
	return nil
}

func parseConfigInterface(config *configImpl, cfg Config) {
	config.snmpBindAddress = cfg.GetSNMPBindAddress()
	config.snmpPort = cfg.GetSNMPPort()
	config.snmpCommunity = cfg.GetSNMPCommunity()
	config.readTimeout = cfg.GetReadTimeout()
	config.bufferSize = cfg.GetBufferSize()
	config.workerPoolSize = cfg.GetWorkerPoolSize()
	config.queueSize = cfg.GetQueueSize()
	config.pollerVersion = cfg.GetPollerVersion()
}

// ParsePollerVersion maps "1" and "2c" to their gosnmp versions.
func ParsePollerVersion(version string) (gosnmp.SnmpVersion, error) {
	switch version {
	case "1":
		return gosnmp.Version1, nil
	case "2c":
		return gosnmp.Version2c, nil
	default:
		return 0, fmt.Errorf("invalid SNMP version: %s (must be 1 or 2c)", version)
	}
}

func getStringValue(m map[string]any, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getIntValue(m map[string]any, key string) (int, bool) {
	val, ok := m[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func getDurationValue(m map[string]any, key string) (time.Duration, bool, error) {
	val, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	switch v := val.(type) {
	case time.Duration:
		return v, true, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return d, true, nil
	}
	return 0, false, fmt.Errorf("%s: expected duration string, got %T", key, val)
}

func validateConfig(config *configImpl) error {
	if config.snmpPort < 0 || config.snmpPort > 65535 {
		return fmt.Errorf("invalid SNMP port: %d", config.snmpPort)
	}
	if config.snmpBindAddress == "" {
		return errors.New("SNMP bind address cannot be empty")
	}
	if config.snmpCommunity == "" {
		return errors.New("SNMP community cannot be empty")
	}
	if config.readTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive, got %s", config.readTimeout)
	}
	if config.bufferSize < 484 || config.bufferSize > 65535 {
		return fmt.Errorf("buffer size must be between 484 and 65535, got %d", config.bufferSize)
	}
	if config.workerPoolSize < 1 {
		return errors.New("worker pool size must be at least 1")
	}
	if config.queueSize < 1 {
		return errors.New("queue size must be at least 1")
	}
	if config.pollerVersion != gosnmp.Version1 && config.pollerVersion != gosnmp.Version2c {
		return fmt.Errorf("invalid poller version: %v", config.pollerVersion)
	}
	return nil
}
