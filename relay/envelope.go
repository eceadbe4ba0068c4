package relay

import (
	"time"

	"github.com/geekxflood/traprelay/correlator"
	"github.com/geekxflood/traprelay/trap"
)

// TrapDateLayout formats trap_date as MM/DD/YYYY, HH:MM:SS.
const TrapDateLayout = "01/02/2006, 15:04:05"

// VarBind is an unrecognized binding as relayed downstream.
type VarBind struct {
	OID   string `json:"oid"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value"`
}

// Envelope is the JSON document posted for every validated trap.
type Envelope struct {
	IfIndex   *int    `json:"if_index,omitempty"`
	IfState   *string `json:"if_state,omitempty"`
	IfName    *string `json:"if_name,omitempty"`
	IPAddress string  `json:"ip_address"`
	TrapDate  string  `json:"trap_date"`
	OID       string  `json:"oid"`
	Value     string  `json:"value"`
	Version   string  `json:"version"`

	VarBinds  []VarBind          `json:"var_binds"`
	Interface *correlator.Record `json:"interface,omitempty"`

	// SNMPv1 header fields.
	Enterprise   string `json:"enterprise,omitempty"`
	AgentAddress string `json:"agent_address,omitempty"`
	GenericTrap  string `json:"generic_trap,omitempty"`
	SpecificTrap string `json:"specific_trap,omitempty"`
	TimeStamp    string `json:"time_stamp,omitempty"`
}

// Namer resolves an OID to a symbolic name. It reports false for unknown OIDs.
type Namer func(oid string) (string, bool)

// NewEnvelope assembles the envelope for a trap received from sourceIP at
// receivedAt. rec may be nil. name may be nil.
func NewEnvelope(msg *trap.Message, b *trap.Bindings, sourceIP string, receivedAt time.Time, rec *correlator.Record, name Namer) *Envelope {
	env := &Envelope{
		IfIndex:   b.IfIndex,
		IfState:   b.IfState,
		IfName:    b.IfName,
		IPAddress: sourceIP,
		TrapDate:  receivedAt.UTC().Format(TrapDateLayout),
		Version:   msg.Version.String(),
		VarBinds:  make([]VarBind, 0, len(b.Unrecognized)),
		Interface: rec,
	}

	if binds := msg.Trap.VarBinds(); len(binds) > 0 {
		env.OID = binds[0].OID
		env.Value = binds[0].Value
	}

	for _, vb := range b.Unrecognized {
		out := VarBind{OID: vb.OID, Value: vb.Value}
		if name != nil {
			if n, ok := name(vb.OID); ok {
				out.Name = n
			}
		}
		env.VarBinds = append(env.VarBinds, out)
	}

	if v1, ok := msg.Trap.(*trap.V1Trap); ok {
		env.Enterprise = v1.Enterprise
		env.AgentAddress = v1.AgentAddress
		env.GenericTrap = v1.GenericTrap
		env.SpecificTrap = v1.SpecificTrap
		env.TimeStamp = v1.TimeStamp
	}

	return env
}
