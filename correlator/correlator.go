// Package correlator builds an interface status record for the interface a
// trap refers to by polling the device that sent it.
//
// Every call to Correlate opens its own poll session and closes it before
// returning, so a Correlator can be shared by all workers:
//
//	c := correlator.New(poller.NewDialer(poller.Options{}), logger)
//	rec, err := c.Correlate(ctx, 5, "192.0.2.1", "public", gosnmp.Version2c)
//	if errors.Is(err, correlator.ErrPollUnavailable) {
//		// relay without interface data
//	}
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosnmp/gosnmp"

	"github.com/geekxflood/traprelay/logging"
	"github.com/geekxflood/traprelay/poller"
)

// IF-MIB ifTable columns and the other objects polled per correlation.
const (
	oidIfAdminStatus  = "1.3.6.1.2.1.2.2.1.7"
	oidIfOperStatus   = "1.3.6.1.2.1.2.2.1.8"
	oidIfInDiscards   = "1.3.6.1.2.1.2.2.1.13"
	oidIfInErrors     = "1.3.6.1.2.1.2.2.1.14"
	oidIfOutDiscards  = "1.3.6.1.2.1.2.2.1.19"
	oidIfOutErrors    = "1.3.6.1.2.1.2.2.1.20"
	oidSysName        = "1.3.6.1.2.1.1.5.0"
	oidLldpRemSysName = "1.0.8802.1.1.2.1.4.1.1.9"
	oidLldpRemPortID  = "1.0.8802.1.1.2.1.4.1.1.7"
)

// ErrPollUnavailable is matched by every *PollUnavailableError.
var ErrPollUnavailable = errors.New("interface poll unavailable")

// PollUnavailableError reports that a required query against the device failed.
type PollUnavailableError struct {
	Address string
	Err     error
}

func (e *PollUnavailableError) Error() string {
	return fmt.Sprintf("poll of %s unavailable: %v", e.Address, e.Err)
}

func (e *PollUnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPollUnavailable) hold.
func (e *PollUnavailableError) Is(target error) bool { return target == ErrPollUnavailable }

// AdminStatus is the decoded ifAdminStatus.
type AdminStatus string

const (
	AdminUp      AdminStatus = "up"
	AdminDown    AdminStatus = "down"
	AdminTesting AdminStatus = "testing"
	AdminUnknown AdminStatus = "unknown"
)

// AdminStatusFromCode maps an ifAdminStatus value. Unlisted codes are unknown.
func AdminStatusFromCode(code int64) AdminStatus {
	switch code {
	case 1:
		return AdminUp
	case 2:
		return AdminDown
	case 3:
		return AdminTesting
	default:
		return AdminUnknown
	}
}

// OperStatus is the decoded ifOperStatus.
type OperStatus string

const (
	OperUp             OperStatus = "up"
	OperDown           OperStatus = "down"
	OperTesting        OperStatus = "testing"
	OperDormant        OperStatus = "dormant"
	OperNotPresent     OperStatus = "notPresent"
	OperLowerLayerDown OperStatus = "lowerLayerDown"
	OperUnknown        OperStatus = "unknown"
)

// OperStatusFromCode maps an ifOperStatus value. Unlisted codes, including
// the agent's own unknown(4), are unknown.
func OperStatusFromCode(code int64) OperStatus {
	switch code {
	case 1:
		return OperUp
	case 2:
		return OperDown
	case 3:
		return OperTesting
	case 5:
		return OperDormant
	case 6:
		return OperNotPresent
	case 7:
		return OperLowerLayerDown
	default:
		return OperUnknown
	}
}

// CounterStatus summarizes the error and discard counters.
type CounterStatus string

const (
	StatusOK    CounterStatus = "ok"
	StatusError CounterStatus = "error"
)

// Classify returns StatusOK iff every counter is zero.
func Classify(counters ...uint64) CounterStatus {
	for _, c := range counters {
		if c > 0 {
			return StatusError
		}
	}
	return StatusOK
}

// Record is the interface status collected for one trap.
type Record struct {
	ID               string        `json:"id"`
	IfIndex          int           `json:"if_index"`
	AdminStatus      AdminStatus   `json:"admin_status"`
	OperStatus       OperStatus    `json:"oper_status"`
	InErrors         uint64        `json:"in_errors"`
	OutErrors        uint64        `json:"out_errors"`
	InDiscards       uint64        `json:"in_discards"`
	OutDiscards      uint64        `json:"out_discards"`
	Status           CounterStatus `json:"status"`
	SystemName       string        `json:"system_name"`
	NeighborHostname *string       `json:"neighbor_hostname"`
	NeighborPort     *string       `json:"neighbor_port"`
	IPAddress        string        `json:"ip_address"`
	CollectedAt      time.Time     `json:"collected_at"`
}

// Correlator polls devices through a poller.Dialer.
type Correlator struct {
	dialer poller.Dialer
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Correlator. A nil logger uses the global one.
func New(dialer poller.Dialer, logger *slog.Logger) *Correlator {
	return &Correlator{
		dialer: dialer,
		logger: logging.OrComponent(logger, "correlator"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Correlate polls deviceAddress for the state of interface ifIndex.
func (c *Correlator) Correlate(ctx context.Context, ifIndex int, deviceAddress, community string, version gosnmp.SnmpVersion) (*Record, error) {
	p := &poll{
		ctx:    ctx,
		dialer: c.dialer,
		target: poller.Target{Address: deviceAddress, Community: community, Version: version},
	}
	defer p.close()

	rec := &Record{
		ID:        uuid.NewString(),
		IfIndex:   ifIndex,
		IPAddress: deviceAddress,
	}

	admin, err := p.get(instance(oidIfAdminStatus, ifIndex))
	if err != nil {
		return nil, err
	}
	rec.AdminStatus = AdminUnknown
	if code, ok := admin[0].Int(); ok {
		rec.AdminStatus = AdminStatusFromCode(code)
	}

	oper, err := p.get(instance(oidIfOperStatus, ifIndex))
	if err != nil {
		return nil, err
	}
	rec.OperStatus = OperUnknown
	if code, ok := oper[0].Int(); ok {
		rec.OperStatus = OperStatusFromCode(code)
	}

	counters, err := p.get(
		instance(oidIfInErrors, ifIndex),
		instance(oidIfOutErrors, ifIndex),
		instance(oidIfInDiscards, ifIndex),
		instance(oidIfOutDiscards, ifIndex),
	)
	if err != nil {
		return nil, err
	}
	rec.InErrors = counter(counters[0])
	rec.OutErrors = counter(counters[1])
	rec.InDiscards = counter(counters[2])
	rec.OutDiscards = counter(counters[3])
	rec.Status = Classify(rec.InErrors, rec.OutErrors, rec.InDiscards, rec.OutDiscards)

	sysName, err := p.get(oidSysName)
	if err != nil {
		return nil, err
	}
	rec.SystemName = sysName[0].Text()

	rec.NeighborHostname, rec.NeighborPort, err = p.neighbor(ifIndex)
	if err != nil {
		c.logger.DebugContext(ctx, "LLDP neighbor lookup failed",
			"address", deviceAddress,
			"if_index", ifIndex,
			"error", err)
	}

	rec.CollectedAt = c.now()

	c.logger.DebugContext(ctx, "interface correlated",
		"address", deviceAddress,
		"if_index", ifIndex,
		"admin_status", rec.AdminStatus,
		"oper_status", rec.OperStatus,
		"status", rec.Status)

	return rec, nil
}

// poll owns the session for one correlation. The session is opened on first
// use and released by close.
type poll struct {
	ctx     context.Context
	dialer  poller.Dialer
	target  poller.Target
	session poller.Session
}

func (p *poll) ensureSession() (poller.Session, error) {
	if p.session != nil {
		return p.session, nil
	}
	s, err := p.dialer.Dial(p.ctx, p.target)
	if err != nil {
		return nil, err
	}
	p.session = s
	return s, nil
}

// get runs a required GET. Any failure is a *PollUnavailableError.
func (p *poll) get(oids ...string) ([]poller.Variable, error) {
	s, err := p.ensureSession()
	if err != nil {
		return nil, p.unavailable(fmt.Errorf("failed to open session: %w", err))
	}
	vars, err := s.Get(oids)
	if err != nil {
		return nil, p.unavailable(fmt.Errorf("failed to get %s: %w", strings.Join(oids, ","), err))
	}
	if len(vars) != len(oids) {
		return nil, p.unavailable(fmt.Errorf("expected %d variables, got %d", len(oids), len(vars)))
	}
	return vars, nil
}

// maxNeighborRows bounds the LLDP remote table walk.
const maxNeighborRows = 256

// neighbor walks lldpRemSysName and lldpRemPortId in lockstep and returns the
// first row whose lldpRemLocalPortNum is ifIndex. Rows are indexed
// <timeMark>.<localPortNum>.<remIndex>. No matching row yields nil values.
func (p *poll) neighbor(ifIndex int) (*string, *string, error) {
	s, err := p.ensureSession()
	if err != nil {
		return nil, nil, err
	}

	cursor := []string{oidLldpRemSysName, oidLldpRemPortID}
	for range maxNeighborRows {
		vars, err := s.GetNext(cursor)
		if err != nil {
			return nil, nil, err
		}
		if len(vars) != 2 || !inColumn(vars[0], oidLldpRemSysName) || vars[0].OID == cursor[0] {
			return nil, nil, nil
		}

		row := strings.TrimPrefix(vars[0].OID, oidLldpRemSysName+".")
		if localPort(row) == ifIndex {
			var port *string
			if inColumn(vars[1], oidLldpRemPortID) && vars[1].OID == oidLldpRemPortID+"."+row {
				port = text(vars[1])
			}
			return text(vars[0]), port, nil
		}
		cursor = []string{vars[0].OID, oidLldpRemPortID + "." + row}
	}
	return nil, nil, nil
}

// localPort returns the lldpRemLocalPortNum arc of an LLDP remote table row
// index, or -1 when the index is malformed.
func localPort(row string) int {
	arcs := strings.Split(row, ".")
	if len(arcs) != 3 {
		return -1
	}
	n, err := strconv.Atoi(arcs[1])
	if err != nil {
		return -1
	}
	return n
}

func (p *poll) unavailable(err error) error {
	return &PollUnavailableError{Address: p.target.Address, Err: err}
}

func (p *poll) close() {
	if p.session != nil {
		_ = p.session.Close()
		p.session = nil
	}
}

func instance(column string, index int) string {
	return column + "." + strconv.Itoa(index)
}

func inColumn(v poller.Variable, column string) bool {
	return !v.Missing() && strings.HasPrefix(v.OID, column+".")
}

func text(v poller.Variable) *string {
	s := v.Text()
	if s == "" {
		return nil
	}
	return &s
}

// counter treats absent values as zero.
func counter(v poller.Variable) uint64 {
	n, ok := v.Uint()
	if !ok {
		return 0
	}
	return n
}
