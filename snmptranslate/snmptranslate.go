// Package snmptranslate names OIDs from a static table of well-known objects.
//
// The table covers SNMPv2-MIB, IF-MIB, LLDP-MIB and the Cisco locIfReason
// column, which is what traps handled by traprelay carry. Lookups resolve the
// longest known prefix and append the instance suffix, the way snmptranslate
// prints ifDescr.5 for 1.3.6.1.2.1.2.2.1.2.5.
//
// Basic Usage:
//
//	t := snmptranslate.New()
//	name, ok := t.Translate("1.3.6.1.2.1.2.2.1.2.5") // "ifDescr.5", true
//
// Translations are memoized in an LRU cache shared by all callers.
package snmptranslate

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Translator resolves OIDs to symbolic names.
type Translator interface {
	// Translate returns the name of oid and whether any prefix was known.
	Translate(oid string) (string, bool)

	// TranslateBatch returns the names of every known OID in oids.
	TranslateBatch(oids []string) map[string]string

	// Add registers name for oid, replacing an existing entry.
	Add(oid, name string) error

	// GetStats returns lookup statistics.
	GetStats() Stats
}

// Stats counts lookups.
type Stats struct {
	TotalOIDs   int   `json:"total_oids"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	Unknown     int64 `json:"unknown"`
}

// Config holds configuration options for the translator.
type Config struct {
	// MaxCacheSize bounds the number of memoized translations.
	MaxCacheSize int `json:"max_cache_size"`

	// Names are registered on top of the built-in table.
	Names map[string]string `json:"names"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{MaxCacheSize: 4096}
}

// builtin maps OIDs without a leading dot to their MIB object names.
var builtin = map[string]string{
	// SNMPv2-MIB
	"1.3.6.1.2.1.1.1":         "sysDescr",
	"1.3.6.1.2.1.1.2":         "sysObjectID",
	"1.3.6.1.2.1.1.3":         "sysUpTime",
	"1.3.6.1.2.1.1.4":         "sysContact",
	"1.3.6.1.2.1.1.5":         "sysName",
	"1.3.6.1.2.1.1.6":         "sysLocation",
	"1.3.6.1.6.3.1.1.4.1":     "snmpTrapOID",
	"1.3.6.1.6.3.1.1.4.3":     "snmpTrapEnterprise",
	"1.3.6.1.6.3.18.1.3":      "snmpTrapAddress",
	"1.3.6.1.6.3.18.1.4":      "snmpTrapCommunity",
	"1.3.6.1.6.3.1.1.5.1":     "coldStart",
	"1.3.6.1.6.3.1.1.5.2":     "warmStart",
	"1.3.6.1.6.3.1.1.5.3":     "linkDown",
	"1.3.6.1.6.3.1.1.5.4":     "linkUp",
	"1.3.6.1.6.3.1.1.5.5":     "authenticationFailure",
	"1.3.6.1.6.3.1.1.5.6":     "egpNeighborLoss",
	"1.3.6.1.2.1.2.1":         "ifNumber",
	"1.3.6.1.2.1.2.2":         "ifTable",
	"1.3.6.1.2.1.2.2.1":       "ifEntry",
	"1.3.6.1.2.1.2.2.1.1":     "ifIndex",
	"1.3.6.1.2.1.2.2.1.2":     "ifDescr",
	"1.3.6.1.2.1.2.2.1.3":     "ifType",
	"1.3.6.1.2.1.2.2.1.4":     "ifMtu",
	"1.3.6.1.2.1.2.2.1.5":     "ifSpeed",
	"1.3.6.1.2.1.2.2.1.6":     "ifPhysAddress",
	"1.3.6.1.2.1.2.2.1.7":     "ifAdminStatus",
	"1.3.6.1.2.1.2.2.1.8":     "ifOperStatus",
	"1.3.6.1.2.1.2.2.1.9":     "ifLastChange",
	"1.3.6.1.2.1.2.2.1.10":    "ifInOctets",
	"1.3.6.1.2.1.2.2.1.13":    "ifInDiscards",
	"1.3.6.1.2.1.2.2.1.14":    "ifInErrors",
	"1.3.6.1.2.1.2.2.1.16":    "ifOutOctets",
	"1.3.6.1.2.1.2.2.1.19":    "ifOutDiscards",
	"1.3.6.1.2.1.2.2.1.20":    "ifOutErrors",
	"1.3.6.1.2.1.31.1.1.1.1":  "ifName",
	"1.3.6.1.2.1.31.1.1.1.18": "ifAlias",
	// LLDP-MIB
	"1.0.8802.1.1.2.1.4.1.1.5": "lldpRemChassisId",
	"1.0.8802.1.1.2.1.4.1.1.7": "lldpRemPortId",
	"1.0.8802.1.1.2.1.4.1.1.8": "lldpRemPortDesc",
	"1.0.8802.1.1.2.1.4.1.1.9": "lldpRemSysName",
	// OLD-CISCO-INTERFACES-MIB
	"1.3.6.1.4.1.9.2.2.1.1.20": "locIfReason",
}

// translator implements Translator.
type translator struct {
	mu   sync.RWMutex
	trie *oidTrie

	cache *lru.Cache[string, cached]

	hits    atomic.Int64
	misses  atomic.Int64
	unknown atomic.Int64
}

type cached struct {
	name  string
	found bool
}

// New creates a translator with the default configuration.
func New() Translator {
	t, _ := NewWithConfig(DefaultConfig())
	return t
}

// NewWithConfig creates a translator with config. It fails when a name in
// config.Names has a malformed OID.
func NewWithConfig(config Config) (Translator, error) {
	if config.MaxCacheSize <= 0 {
		config.MaxCacheSize = DefaultConfig().MaxCacheSize
	}
	cache, err := lru.New[string, cached](config.MaxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create translation cache: %w", err)
	}

	t := &translator{trie: newOIDTrie(), cache: cache}
	for oid, name := range builtin {
		if err := t.trie.insert(oid, name); err != nil {
			return nil, err
		}
	}
	for oid, name := range config.Names {
		if name == "" {
			return nil, fmt.Errorf("name for %s cannot be empty", oid)
		}
		if err := t.trie.insert(normalizeOID(oid), name); err != nil {
			return nil, fmt.Errorf("invalid name %q: %w", name, err)
		}
	}
	return t, nil
}

// Translate resolves oid. Unknown OIDs are returned normalized with ok false.
func (t *translator) Translate(oid string) (string, bool) {
	key := normalizeOID(oid)
	if key == "" {
		return "", false
	}

	if c, ok := t.cache.Get(key); ok {
		t.hits.Add(1)
		return c.name, c.found
	}
	t.misses.Add(1)

	t.mu.RLock()
	name, rest, found := t.trie.lookup(key)
	t.mu.RUnlock()

	c := cached{name: key}
	if found {
		c = cached{name: name, found: true}
		if len(rest) > 0 {
			c.name = name + "." + strings.Join(rest, ".")
		}
	} else {
		t.unknown.Add(1)
	}

	t.cache.Add(key, c)
	return c.name, c.found
}

// TranslateBatch resolves oids, omitting the unknown ones.
func (t *translator) TranslateBatch(oids []string) map[string]string {
	out := make(map[string]string, len(oids))
	for _, oid := range oids {
		if name, ok := t.Translate(oid); ok {
			out[oid] = name
		}
	}
	return out
}

// Add registers name for oid and invalidates memoized translations.
func (t *translator) Add(oid, name string) error {
	if name == "" {
		return fmt.Errorf("name for %s cannot be empty", oid)
	}
	t.mu.Lock()
	err := t.trie.insert(normalizeOID(oid), name)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.cache.Purge()
	return nil
}

// GetStats returns lookup statistics.
func (t *translator) GetStats() Stats {
	t.mu.RLock()
	size := t.trie.size
	t.mu.RUnlock()

	return Stats{
		TotalOIDs:   size,
		CacheHits:   t.hits.Load(),
		CacheMisses: t.misses.Load(),
		Unknown:     t.unknown.Load(),
	}
}

// oidTrie stores names by numeric OID arc.
//
//	1.3.6.1.2.1.2.2.1.1 -> "ifIndex"
//	1.3.6.1.2.1.2.2.1.2 -> "ifDescr"
//
// share every node down to ifEntry and branch on the last arc.
type oidTrie struct {
	root *trieNode
	size int
}

type trieNode struct {
	children map[uint32]*trieNode
	name     string
}

func newOIDTrie() *oidTrie {
	return &oidTrie{root: &trieNode{children: make(map[uint32]*trieNode)}}
}

func (t *oidTrie) insert(oid, name string) error {
	arcs, err := parseArcs(oid)
	if err != nil {
		return err
	}

	node := t.root
	for _, arc := range arcs {
		child, ok := node.children[arc]
		if !ok {
			child = &trieNode{children: make(map[uint32]*trieNode)}
			node.children[arc] = child
		}
		node = child
	}
	if node.name == "" {
		t.size++
	}
	node.name = name
	return nil
}

// lookup returns the name of the longest named prefix of oid and the arcs after it.
func (t *oidTrie) lookup(oid string) (string, []string, bool) {
	parts := strings.Split(oid, ".")

	var (
		name  string
		depth int
	)
	node := t.root
	for i, part := range parts {
		arc, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			break
		}
		child, ok := node.children[uint32(arc)]
		if !ok {
			break
		}
		node = child
		if node.name != "" {
			name, depth = node.name, i+1
		}
	}
	if name == "" {
		return "", nil, false
	}
	return name, parts[depth:], true
}

func parseArcs(oid string) ([]uint32, error) {
	if oid == "" {
		return nil, fmt.Errorf("OID cannot be empty")
	}
	parts := strings.Split(oid, ".")
	arcs := make([]uint32, 0, len(parts))
	for _, part := range parts {
		arc, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid OID %q: %w", oid, err)
		}
		arcs = append(arcs, uint32(arc))
	}
	return arcs, nil
}

// normalizeOID strips surrounding whitespace and dots.
func normalizeOID(oid string) string {
	return strings.Trim(strings.TrimSpace(oid), ".")
}
