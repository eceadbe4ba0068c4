// Package poller opens SNMP sessions against trap-sending devices and runs
// the GET and GET-NEXT requests the correlator needs.
//
// Sessions are not safe for concurrent use. Callers open one per unit of work
// and close it when done:
//
//	d := poller.NewDialer(poller.Options{Port: 161, Timeout: 5 * time.Second})
//	s, err := d.Dial(ctx, poller.Target{Address: "192.0.2.1", Community: "public", Version: gosnmp.Version2c})
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	vars, err := s.Get([]string{"1.3.6.1.2.1.1.5.0"})
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/geekxflood/traprelay/logging"
)

// maxOids bounds the number of OIDs per request PDU.
const maxOids = 60

// ErrSNMPStatus is wrapped when the agent answers with a non-zero error-status.
var ErrSNMPStatus = errors.New("agent returned error status")

// Target identifies the device to poll.
type Target struct {
	Address   string
	Community string
	Version   gosnmp.SnmpVersion
}

// Variable is one binding of a response PDU. OID has no leading dot.
type Variable struct {
	OID   string
	Type  gosnmp.Asn1BER
	Value any
}

// Missing reports whether the agent had no value for the requested OID.
func (v Variable) Missing() bool {
	switch v.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return true
	default:
		return false
	}
}

// Int returns the value as a signed integer.
func (v Variable) Int() (int64, bool) {
	switch v.Type {
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks,
		gosnmp.Uinteger32, gosnmp.Counter64:
		b := gosnmp.ToBigInt(v.Value)
		if !b.IsInt64() {
			return 0, false
		}
		return b.Int64(), true
	default:
		return 0, false
	}
}

// Uint returns the value as an unsigned counter. Negative values are rejected.
func (v Variable) Uint() (uint64, bool) {
	switch v.Type {
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks,
		gosnmp.Uinteger32, gosnmp.Counter64:
		b := gosnmp.ToBigInt(v.Value)
		if b.Sign() < 0 || !b.IsUint64() {
			return 0, false
		}
		return b.Uint64(), true
	default:
		return 0, false
	}
}

// Text returns the value as a string. OCTET STRINGs are returned verbatim.
func (v Variable) Text() string {
	if v.Missing() {
		return ""
	}
	switch val := v.Value.(type) {
	case []byte:
		return string(val)
	case string:
		return val
	case nil:
		return ""
	default:
		if n, ok := v.Int(); ok {
			return strconv.FormatInt(n, 10)
		}
		return fmt.Sprint(val)
	}
}

// Session is an open polling session.
type Session interface {
	Get(oids []string) ([]Variable, error)
	GetNext(oids []string) ([]Variable, error)
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Session, error)
}

// Options configure SNMPDialer.
type Options struct {
	// Port is the agent UDP port. Default 161.
	Port uint16

	// Timeout bounds each request round-trip. Default 5s.
	Timeout time.Duration

	// Retries is the number of retransmissions after a timeout.
	Retries int

	Logger *slog.Logger
}

// SNMPDialer opens gosnmp sessions.
type SNMPDialer struct {
	opts       Options
	snmpLogger gosnmp.Logger
}

// NewDialer creates a dialer with opts, applying defaults.
func NewDialer(opts Options) *SNMPDialer {
	if opts.Port == 0 {
		opts.Port = 161
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	opts.Logger = logging.OrComponent(opts.Logger, "poller")

	return &SNMPDialer{
		opts:       opts,
		snmpLogger: logging.SNMPLogger(opts.Logger),
	}
}

// Dial connects a session to target. The session's requests are bound to ctx.
func (d *SNMPDialer) Dial(ctx context.Context, target Target) (Session, error) {
	if target.Address == "" {
		return nil, errors.New("poll target address cannot be empty")
	}
	if target.Version != gosnmp.Version1 && target.Version != gosnmp.Version2c {
		return nil, fmt.Errorf("unsupported SNMP version for polling: %v", target.Version)
	}

	host, port := splitTarget(target.Address, d.opts.Port)
	g := &gosnmp.GoSNMP{
		Target:    host,
		Port:      port,
		Community: target.Community,
		Version:   target.Version,
		Timeout:   d.opts.Timeout,
		Retries:   d.opts.Retries,
		MaxOids:   maxOids,
		Context:   ctx,
		Logger:    d.snmpLogger,
	}

	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", host, port, err)
	}

	d.opts.Logger.DebugContext(ctx, "poll session opened", "target", host, "port", port, "version", target.Version.String())
	return &snmpSession{conn: g}, nil
}

// splitTarget accepts "host" or "host:port".
func splitTarget(address string, defaultPort uint16) (string, uint16) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return address, defaultPort
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, defaultPort
	}
	return host, uint16(port)
}

type snmpSession struct {
	conn *gosnmp.GoSNMP
}

func (s *snmpSession) Get(oids []string) ([]Variable, error) {
	return s.batch(oids, s.conn.Get, gosnmp.NoSuchInstance)
}

func (s *snmpSession) GetNext(oids []string) ([]Variable, error) {
	return s.batch(oids, s.conn.GetNext, gosnmp.EndOfMibView)
}

// batch splits oids into requests of at most maxOids. An SNMPv1 agent
// answers noSuchName for the whole PDU when one OID has no value; that OID
// is reported with the missing type and the rest of the PDU is re-sent.
func (s *snmpSession) batch(oids []string, do func([]string) (*gosnmp.SnmpPacket, error), missing gosnmp.Asn1BER) ([]Variable, error) {
	out := make([]Variable, 0, len(oids))
	for i := 0; i < len(oids); i += maxOids {
		end := min(i+maxOids, len(oids))

		vars, err := s.request(oids[i:end], do, missing)
		out = append(out, vars...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *snmpSession) request(oids []string, do func([]string) (*gosnmp.SnmpPacket, error), missing gosnmp.Asn1BER) ([]Variable, error) {
	out := make([]Variable, len(oids))
	pending := make([]int, len(oids))
	for i := range oids {
		pending[i] = i
	}

	for len(pending) > 0 {
		req := make([]string, 0, len(pending))
		for _, idx := range pending {
			req = append(req, "."+strings.TrimPrefix(oids[idx], "."))
		}

		pkt, err := do(req)
		if err != nil {
			return nil, err
		}
		if pkt.Error == gosnmp.NoSuchName && int(pkt.ErrorIndex) >= 1 && int(pkt.ErrorIndex) <= len(pending) {
			at := int(pkt.ErrorIndex) - 1
			idx := pending[at]
			out[idx] = Variable{OID: strings.TrimPrefix(oids[idx], "."), Type: missing}
			pending = append(pending[:at], pending[at+1:]...)
			continue
		}
		if pkt.Error != gosnmp.NoError {
			return nil, fmt.Errorf("%w: %v at index %d", ErrSNMPStatus, pkt.Error, pkt.ErrorIndex)
		}
		if len(pkt.Variables) != len(pending) {
			return nil, fmt.Errorf("expected %d variables, got %d", len(pending), len(pkt.Variables))
		}
		for i, pdu := range pkt.Variables {
			out[pending[i]] = Variable{
				OID:   strings.TrimPrefix(pdu.Name, "."),
				Type:  pdu.Type,
				Value: pdu.Value,
			}
		}
		pending = nil
	}
	return out, nil
}

func (s *snmpSession) Close() error {
	if s.conn == nil || s.conn.Conn == nil {
		return nil
	}
	err := s.conn.Conn.Close()
	s.conn = nil
	return err
}
