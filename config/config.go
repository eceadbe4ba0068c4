// Package config loads the traprelay configuration file and validates it
// against an embedded CUE schema.
//
// The schema (schema.cue) declares every key, its constraints and its
// default. A YAML or JSON file only has to set what differs from the
// defaults, plus the required snmp.community and relay endpoint.
//
// # Basic Usage
//
//	manager, err := config.Load(config.Options{ConfigPath: "traprelay.yaml"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer manager.Close()
//
//	community, _ := manager.GetString("snmp.community")
//	workers, _ := manager.GetInt("worker_pool.size")
//
// # Environment Variables
//
// Values may reference the environment, with an optional default:
//
//	snmp:
//	  community: "${TRAP_COMMUNITY}"
//	relay:
//	  host: "${RELAY_HOST:-localhost}"
//
// # Hot Reload
//
// Watch re-reads the file whenever it changes. Callbacks registered with
// OnChange receive nil after a successful reload, or the reason the new file
// was rejected; a rejected file leaves the previous values in place.
package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/yaml"
	"github.com/fsnotify/fsnotify"

	"github.com/geekxflood/traprelay/logging"
)

//go:embed schema.cue
var schemaSource string

// maxFileSize bounds the configuration file size.
const maxFileSize = 1 << 20

// reloadDelay lets editors finish writing before the file is re-read.
const reloadDelay = 100 * time.Millisecond

// Provider gives typed access to configuration values by dot-separated path.
//
// The optional defaultValue is returned when the path does not exist.
type Provider interface {
	GetString(path string, defaultValue ...string) (string, error)
	GetInt(path string, defaultValue ...int) (int, error)
	GetBool(path string, defaultValue ...bool) (bool, error)
	GetDuration(path string, defaultValue ...time.Duration) (time.Duration, error)
	GetMap(path string) (map[string]any, error)
	Exists(path string) bool
}

// Options configure Load.
type Options struct {
	// ConfigPath is the YAML (.yaml, .yml) or JSON (.json) file to load.
	ConfigPath string

	// SchemaContent replaces the embedded schema. It must define #Config.
	SchemaContent string

	Logger *slog.Logger
}

// Manager holds the validated configuration. It is safe for concurrent use.
type Manager struct {
	opts   Options
	logger *slog.Logger

	cue    *cue.Context
	schema cue.Value

	mu        sync.RWMutex
	data      map[string]any
	callbacks []func(error)

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Provider = (*Manager)(nil)

// Schema returns the embedded CUE schema source.
func Schema() string {
	return schemaSource
}

// Load reads, expands, validates and decodes opts.ConfigPath.
func Load(opts Options) (*Manager, error) {
	if opts.ConfigPath == "" {
		return nil, errors.New("config path cannot be empty")
	}
	if opts.SchemaContent == "" {
		opts.SchemaContent = schemaSource
	}

	ctx := cuecontext.New()
	root := ctx.CompileString(opts.SchemaContent, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	schema := root.LookupPath(cue.ParsePath("#Config"))
	if !schema.Exists() {
		return nil, errors.New("schema does not define #Config")
	}

	m := &Manager{
		opts:   opts,
		logger: logging.OrComponent(opts.Logger, "config"),
		cue:    ctx,
		schema: schema,
	}

	data, err := m.load()
	if err != nil {
		return nil, err
	}
	m.data = data
	return m, nil
}

// ValidateFile loads path and discards the result.
func ValidateFile(path string) error {
	m, err := Load(Options{ConfigPath: path})
	if err != nil {
		return err
	}
	return m.Close()
}

// load reads the file and returns the decoded configuration with defaults applied.
func (m *Manager) load() (map[string]any, error) {
	content, err := readFile(m.opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	content = expandEnvironmentVariables(content)

	user, err := m.parse(m.opts.ConfigPath, content)
	if err != nil {
		return nil, err
	}

	unified := m.schema.Unify(user)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %s", formatError(err))
	}

	var data map[string]any
	if err := unified.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return data, nil
}

// parse builds a CUE value from YAML or JSON content.
func (m *Manager) parse(path string, content []byte) (cue.Value, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		file, err := yaml.Extract(path, content)
		if err != nil {
			return cue.Value{}, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		v := m.cue.BuildFile(file)
		if err := v.Err(); err != nil {
			return cue.Value{}, fmt.Errorf("failed to build YAML config: %w", err)
		}
		return v, nil
	case ".json":
		v := m.cue.CompileBytes(content, cue.Filename(path))
		if err := v.Err(); err != nil {
			return cue.Value{}, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		return v, nil
	default:
		return cue.Value{}, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
}

// formatError flattens CUE's multi-error into one line per violation.
func formatError(err error) string {
	details := strings.TrimSpace(cueerrors.Details(err, nil))
	return strings.ReplaceAll(details, "\n", "; ")
}

// Validate re-checks the current values against the schema.
func (m *Manager) Validate() error {
	m.mu.RLock()
	data := m.data
	m.mu.RUnlock()

	v := m.schema.Unify(m.cue.Encode(data))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("configuration validation failed: %s", formatError(err))
	}
	return nil
}

// Reload re-reads the file. On failure the previous values are kept.
func (m *Manager) Reload() error {
	data, err := m.load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

// OnChange registers callback to run after every reload attempt triggered by Watch.
func (m *Manager) OnChange(callback func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// Watch reloads the file on change until ctx is done or Close is called.
// The parent directory is watched so that editors replacing the file by
// rename are seen.
func (m *Manager) Watch(ctx context.Context) error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.watcher != nil {
		return errors.New("hot reload already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	path, err := filepath.Abs(m.opts.ConfigPath)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.watcher = watcher
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.watch(ctx, watcher, path, m.done)
	return nil
}

func (m *Manager) watch(ctx context.Context, watcher *fsnotify.Watcher, path string, done chan struct{}) {
	defer close(done)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			m.handleFileChange(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.notify(fmt.Errorf("file watcher error: %w", err))

		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleFileChange(ctx context.Context) {
	select {
	case <-time.After(reloadDelay):
	case <-ctx.Done():
		return
	}

	err := m.Reload()
	if err != nil {
		m.logger.Warn("configuration reload rejected", "path", m.opts.ConfigPath, "error", err)
	} else {
		m.logger.Info("configuration reloaded", "path", m.opts.ConfigPath)
	}
	m.notify(err)
}

func (m *Manager) notify(err error) {
	m.mu.RLock()
	callbacks := slices.Clone(m.callbacks)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// Close stops Watch.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.watcher == nil {
		return nil
	}
	m.cancel()
	err := m.watcher.Close()
	<-m.done
	m.watcher = nil
	return err
}

// All returns a copy of the whole configuration.
func (m *Manager) All() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyMap(m.data)
}

// GetString returns the string at path.
func (m *Manager) GetString(path string, defaultValue ...string) (string, error) {
	value, err := m.get(path)
	if err != nil {
		if len(defaultValue) > 0 {
			return defaultValue[0], nil
		}
		return "", err
	}

	if s, ok := value.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("value at path %s is not a string: %T", path, value)
}

// GetInt returns the integer at path.
func (m *Manager) GetInt(path string, defaultValue ...int) (int, error) {
	value, err := m.get(path)
	if err != nil {
		if len(defaultValue) > 0 {
			return defaultValue[0], nil
		}
		return 0, err
	}

	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("value at path %s is not an integer: %T", path, value)
	}
}

// GetBool returns the boolean at path.
func (m *Manager) GetBool(path string, defaultValue ...bool) (bool, error) {
	value, err := m.get(path)
	if err != nil {
		if len(defaultValue) > 0 {
			return defaultValue[0], nil
		}
		return false, err
	}

	if b, ok := value.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("value at path %s is not a boolean: %T", path, value)
}

// GetDuration parses the duration string at path.
func (m *Manager) GetDuration(path string, defaultValue ...time.Duration) (time.Duration, error) {
	value, err := m.get(path)
	if err != nil {
		if len(defaultValue) > 0 {
			return defaultValue[0], nil
		}
		return 0, err
	}

	s, ok := value.(string)
	if !ok {
		return 0, fmt.Errorf("value at path %s is not a duration string: %T", path, value)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration at path %s: %w", path, err)
	}
	return d, nil
}

// GetMap returns a copy of the section at path.
func (m *Manager) GetMap(path string) (map[string]any, error) {
	value, err := m.get(path)
	if err != nil {
		return nil, err
	}
	if section, ok := value.(map[string]any); ok {
		return copyMap(section), nil
	}
	return nil, fmt.Errorf("value at path %s is not a map: %T", path, value)
}

// Exists reports whether path is set.
func (m *Manager) Exists(path string) bool {
	_, err := m.get(path)
	return err == nil
}

func (m *Manager) get(path string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if path == "" {
		return m.data, nil
	}

	var current any = m.data
	for _, part := range strings.Split(path, ".") {
		section, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %s: cannot navigate through non-map value", path)
		}
		current, ok = section[part]
		if !ok {
			return nil, fmt.Errorf("path %s not found", path)
		}
	}
	return current, nil
}

// expandEnvironmentVariables replaces $VAR, ${VAR} and ${VAR:-default}.
// Unset variables without a default expand to the empty string.
func expandEnvironmentVariables(content []byte) []byte {
	return []byte(os.Expand(string(content), func(key string) string {
		name, fallback, hasDefault := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasDefault {
			return fallback
		}
		return ""
	}))
}

// readFile reads a regular file of bounded size.
func readFile(path string) ([]byte, error) {
	clean := filepath.Clean(path)

	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config path %s is not a regular file", clean)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	content, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, fmt.Errorf("configuration file %s is empty", clean)
	}
	return content, nil
}

func copyMap(original map[string]any) map[string]any {
	result := make(map[string]any, len(original))
	for key, value := range original {
		if section, ok := value.(map[string]any); ok {
			result[key] = copyMap(section)
		} else {
			result[key] = value
		}
	}
	return result
}
