package trapprocessor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gosnmp/gosnmp"

	"github.com/geekxflood/traprelay/correlator"
	"github.com/geekxflood/traprelay/logging"
	"github.com/geekxflood/traprelay/metrics"
	"github.com/geekxflood/traprelay/relay"
	"github.com/geekxflood/traprelay/snmptranslate"
	"github.com/geekxflood/traprelay/trap"
)

// Correlator builds the interface record for a trap's ifIndex.
type Correlator interface {
	Correlate(ctx context.Context, ifIndex int, deviceAddress, community string, version gosnmp.SnmpVersion) (*correlator.Record, error)
}

// Store persists interface records.
type Store interface {
	AddInterface(ctx context.Context, rec *correlator.Record) error
}

// Relayer delivers envelopes downstream. Implementations log their own
// failures.
type Relayer interface {
	Relay(ctx context.Context, env *relay.Envelope) error
}

// Pipeline processes a single datagram end to end: decode, community check,
// interpretation, correlation, persistence and relay. It is safe for
// concurrent use by all workers.
type Pipeline struct {
	decoder       *trap.Decoder
	validator     *trap.CommunityValidator
	pollerVersion gosnmp.SnmpVersion

	correlator Correlator
	store      Store
	relayer    Relayer
	translator snmptranslate.Translator

	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ PacketProcessor = (*Pipeline)(nil)

// NewPipeline creates a Pipeline for the community and poller version in config.
func NewPipeline(config Config, deps Dependencies) (*Pipeline, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if deps.Correlator == nil {
		return nil, errors.New("correlator cannot be nil")
	}
	if deps.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if deps.Relayer == nil {
		return nil, errors.New("relayer cannot be nil")
	}

	translator := deps.Translator
	if translator == nil {
		translator = snmptranslate.New()
	}

	logger := logging.OrComponent(deps.Logger, "pipeline")
	return &Pipeline{
		decoder:       trap.NewDecoder(logger),
		validator:     trap.NewCommunityValidator(config.GetSNMPCommunity(), logger),
		pollerVersion: config.GetPollerVersion(),
		correlator:    deps.Correlator,
		store:         deps.Store,
		relayer:       deps.Relayer,
		translator:    translator,
		metrics:       deps.Metrics,
		logger:        logger,
	}, nil
}

// ProcessPacket runs packet through the pipeline. It returns the error that
// caused the datagram to be dropped, or nil once an envelope was handed to
// the relayer. Correlation, persistence and relay failures do not drop the
// trap and are not returned.
func (p *Pipeline) ProcessPacket(ctx context.Context, packet []byte, addr *net.UDPAddr, receivedAt time.Time) error {
	source := sourceIP(addr)
	ctx = logging.WithTraceID(logging.WithSource(ctx, source), uuid.NewString())

	msg, err := p.decoder.Decode(packet)
	if err != nil {
		p.drop(ctx, decodeReason(err), err)
		return err
	}

	if _, err := p.validator.Validate(ctx, msg); err != nil {
		p.metrics.Dropped(metrics.ReasonCommunityMismatch)
		return err
	}

	bindings, err := trap.Interpret(msg.Trap)
	if err != nil {
		p.drop(ctx, metrics.ReasonInvalidTrap, err)
		return err
	}

	var rec *correlator.Record
	if bindings.HasIfIndex() {
		rec = p.correlate(ctx, *bindings.IfIndex, source, msg.Community)
		if rec != nil {
			p.persist(ctx, rec)
		}
	}

	env := relay.NewEnvelope(msg, bindings, source, receivedAt, rec, p.translator.Translate)
	p.metrics.Relayed(p.relayer.Relay(ctx, env))
	p.metrics.Processed()

	p.logger.DebugContext(ctx, "trap processed",
		"version", msg.Version.String(),
		"var_binds", len(msg.Trap.VarBinds()),
		"correlated", rec != nil)
	return nil
}

func (p *Pipeline) drop(ctx context.Context, reason string, err error) {
	p.metrics.Dropped(reason)
	p.logger.WarnContext(ctx, "dropping trap", "reason", reason, "error", err)
}

func (p *Pipeline) correlate(ctx context.Context, ifIndex int, source, community string) *correlator.Record {
	start := time.Now()
	rec, err := p.correlator.Correlate(ctx, ifIndex, source, community, p.pollerVersion)
	p.metrics.ObserveCorrelation(time.Since(start).Seconds())
	if err != nil {
		p.logger.ErrorContext(ctx, "interface correlation failed",
			"if_index", ifIndex,
			"error", err)
		return nil
	}
	return rec
}

func (p *Pipeline) persist(ctx context.Context, rec *correlator.Record) {
	err := p.store.AddInterface(ctx, rec)
	p.metrics.Stored(err)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to persist interface record",
			"id", rec.ID,
			"if_index", rec.IfIndex,
			"error", err)
	}
}

func decodeReason(err error) string {
	var unsupported *trap.UnsupportedVersionError
	switch {
	case errors.As(err, &unsupported):
		return metrics.ReasonUnsupportedVersion
	case errors.Is(err, trap.ErrNotATrap):
		return metrics.ReasonNotATrap
	default:
		return metrics.ReasonMalformed
	}
}
