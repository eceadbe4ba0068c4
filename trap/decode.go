package trap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gosnmp/gosnmp"

	"github.com/geekxflood/traprelay/logging"
)

// BER tags read by PeekVersion.
const (
	tagSequence = 0x30
	tagInteger  = 0x02
)

var (
	// ErrMalformedEncoding is returned for truncated or otherwise undecodable datagrams.
	ErrMalformedEncoding = errors.New("malformed SNMP encoding")

	// ErrNotATrap is returned when the message decodes but its PDU is not the
	// trap PDU of its protocol version.
	ErrNotATrap = errors.New("PDU is not a trap")
)

// UnsupportedVersionError reports a message whose version tag is neither
// SNMPv1 nor SNMPv2c.
type UnsupportedVersionError struct {
	Version int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported SNMP version %d", e.Version)
}

// Decoder turns raw datagrams into Messages. It is safe for concurrent use.
type Decoder struct {
	snmpLogger gosnmp.Logger
}

// NewDecoder creates a decoder. gosnmp's internal tracing is forwarded to
// logger at debug level; a nil logger uses the global one.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{snmpLogger: logging.SNMPLogger(logger)}
}

// PeekVersion reads the version tag from the message header without decoding
// the community or PDU.
func PeekVersion(raw []byte) (Version, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: empty datagram", ErrMalformedEncoding)
	}
	if raw[0] != tagSequence {
		return 0, fmt.Errorf("%w: expected SEQUENCE, got tag %#02x", ErrMalformedEncoding, raw[0])
	}

	_, n, err := readLength(raw[1:])
	if err != nil {
		return 0, err
	}
	pos := 1 + n

	if pos >= len(raw) || raw[pos] != tagInteger {
		return 0, fmt.Errorf("%w: missing version INTEGER", ErrMalformedEncoding)
	}
	pos++

	size, n, err := readLength(raw[pos:])
	if err != nil {
		return 0, err
	}
	pos += n
	if size < 1 || size > 8 || pos+size > len(raw) {
		return 0, fmt.Errorf("%w: bad version length %d", ErrMalformedEncoding, size)
	}

	// two's complement, sign taken from the first content octet
	v := int64(int8(raw[pos]))
	for _, b := range raw[pos+1 : pos+size] {
		v = v<<8 | int64(b)
	}
	return Version(v), nil
}

// readLength decodes a definite-form BER length, returning the length and the
// number of octets it occupied.
func readLength(b []byte) (int, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("%w: truncated length", ErrMalformedEncoding)
	}
	first := b[0]
	if first&0x80 == 0 {
		return int(first), 1, nil
	}

	count := int(first & 0x7f)
	if count == 0 || count > 4 {
		return 0, 0, fmt.Errorf("%w: unsupported length form %#02x", ErrMalformedEncoding, first)
	}
	if len(b) < 1+count {
		return 0, 0, fmt.Errorf("%w: truncated length", ErrMalformedEncoding)
	}

	length := 0
	for _, c := range b[1 : 1+count] {
		length = length<<8 | int(c)
	}
	return length, 1 + count, nil
}

// Decode decodes raw into a Message. Errors are *UnsupportedVersionError,
// or wrap ErrNotATrap or ErrMalformedEncoding.
func (d *Decoder) Decode(raw []byte) (msg *Message, err error) {
	version, err := PeekVersion(raw)
	if err != nil {
		return nil, err
	}
	if version != V1 && version != V2c {
		return nil, &UnsupportedVersionError{Version: int(version)}
	}

	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = fmt.Errorf("%w: decoder panic: %v", ErrMalformedEncoding, r)
		}
	}()

	params := &gosnmp.GoSNMP{Logger: d.snmpLogger}
	packet, err := params.SnmpDecodePacket(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEncoding, err)
	}
	if Version(packet.Version) != version {
		return nil, fmt.Errorf("%w: version changed during decode", ErrMalformedEncoding)
	}

	t, err := fromPacket(version, packet)
	if err != nil {
		return nil, err
	}

	return &Message{
		Version:   version,
		Community: packet.Community,
		Trap:      t,
	}, nil
}

func fromPacket(version Version, packet *gosnmp.SnmpPacket) (Trap, error) {
	switch version {
	case V1:
		if packet.PDUType != gosnmp.Trap {
			return nil, fmt.Errorf("%w: SNMPv1 message carries PDU %#02x", ErrNotATrap, byte(packet.PDUType))
		}
		return &V1Trap{
			Enterprise:   NormalizeOID(packet.Enterprise),
			AgentAddress: packet.AgentAddress,
			GenericTrap:  strconv.Itoa(packet.GenericTrap),
			SpecificTrap: strconv.Itoa(packet.SpecificTrap),
			TimeStamp:    strconv.FormatUint(uint64(packet.Timestamp), 10),
			Bindings:     convertVariables(packet.Variables),
		}, nil
	default:
		if packet.PDUType != gosnmp.SNMPv2Trap {
			return nil, fmt.Errorf("%w: SNMPv2c message carries PDU %#02x", ErrNotATrap, byte(packet.PDUType))
		}
		return &V2cTrap{Bindings: convertVariables(packet.Variables)}, nil
	}
}

func convertVariables(pdus []gosnmp.SnmpPDU) []VarBind {
	out := make([]VarBind, 0, len(pdus))
	for _, pdu := range pdus {
		out = append(out, VarBind{
			OID:   NormalizeOID(pdu.Name),
			Value: FormatValue(pdu),
		})
	}
	return out
}

// FormatValue renders a PDU value as text. Numbers are base 10, printable
// OCTET STRINGs are returned as-is and other octets as 0x-prefixed hex.
// NULL and the SNMPv2 exception values render as the empty string.
func FormatValue(pdu gosnmp.SnmpPDU) string {
	switch pdu.Type {
	case gosnmp.OctetString, gosnmp.BitString, gosnmp.Opaque:
		b, ok := pdu.Value.([]byte)
		if !ok {
			return fmt.Sprint(pdu.Value)
		}
		if isPrintable(b) {
			return string(b)
		}
		return "0x" + hex.EncodeToString(b)

	case gosnmp.ObjectIdentifier:
		return NormalizeOID(fmt.Sprint(pdu.Value))

	case gosnmp.IPAddress:
		return fmt.Sprint(pdu.Value)

	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks,
		gosnmp.Uinteger32, gosnmp.Counter64:
		return gosnmp.ToBigInt(pdu.Value).String()

	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return ""

	default:
		if pdu.Value == nil {
			return ""
		}
		return fmt.Sprint(pdu.Value)
	}
}

// NormalizeOID strips surrounding whitespace and leading or trailing dots.
func NormalizeOID(oid string) string {
	return strings.Trim(strings.TrimSpace(oid), ".")
}

// isPrintable reports whether b is printable ASCII or common whitespace.
func isPrintable(b []byte) bool {
	for _, c := range b {
		if (c < 0x20 || c > 0x7e) && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
	}
	return true
}
