// Package trap decodes SNMP v1 and v2c trap datagrams and interprets their
// variable bindings.
//
// Decoding is split in two steps. PeekVersion reads only the message header
// so that unsupported protocol versions are rejected before the PDU body is
// touched; Decoder.Decode then runs the full BER decode through gosnmp and
// returns a Message whose Trap field is either a *V1Trap or a *V2cTrap.
//
//	dec := trap.NewDecoder(logger)
//	msg, err := dec.Decode(datagram)
//	if err != nil {
//		var uv *trap.UnsupportedVersionError
//		switch {
//		case errors.As(err, &uv), errors.Is(err, trap.ErrNotATrap), errors.Is(err, trap.ErrMalformedEncoding):
//			// drop
//		}
//	}
//
//	if _, err := trap.NewCommunityValidator("public", logger).Validate(ctx, msg); err != nil {
//		return err
//	}
//
//	b, err := trap.Interpret(msg.Trap)
package trap

import "fmt"

// Version is the SNMP message version tag as carried on the wire.
type Version int

// Supported versions.
const (
	V1  Version = 0
	V2c Version = 1
)

// String returns the conventional name of the version ("1", "2c").
func (v Version) String() string {
	switch v {
	case V1:
		return "1"
	case V2c:
		return "2c"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// VarBind is a single OID/value pair. OIDs are dotted without a leading dot.
type VarBind struct {
	OID   string `json:"oid"`
	Value string `json:"value"`
}

// Trap is a decoded trap PDU. The concrete type is *V1Trap or *V2cTrap.
type Trap interface {
	Version() Version
	VarBinds() []VarBind
	isTrap()
}

// V1Trap is an SNMPv1 Trap-PDU.
type V1Trap struct {
	Enterprise   string
	AgentAddress string
	GenericTrap  string
	SpecificTrap string
	TimeStamp    string
	Bindings     []VarBind
}

// Version implements Trap.
func (*V1Trap) Version() Version { return V1 }

// VarBinds implements Trap.
func (t *V1Trap) VarBinds() []VarBind { return t.Bindings }

func (*V1Trap) isTrap() {}

// V2cTrap is an SNMPv2-Trap-PDU received in a community-based message.
// sysUpTime.0 and snmpTrapOID.0 are kept as ordinary bindings.
type V2cTrap struct {
	Bindings []VarBind
}

// Version implements Trap.
func (*V2cTrap) Version() Version { return V2c }

// VarBinds implements Trap.
func (t *V2cTrap) VarBinds() []VarBind { return t.Bindings }

func (*V2cTrap) isTrap() {}

// Message is a decoded community-based SNMP message carrying a trap.
type Message struct {
	Version   Version
	Community string
	Trap      Trap
}
