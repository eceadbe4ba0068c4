package trap

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"

	"github.com/geekxflood/traprelay/logging"
)

// ErrCommunityMismatch is returned when a message's community string differs
// from the configured one.
var ErrCommunityMismatch = errors.New("community mismatch")

// CommunityValidator checks the community string of decoded messages against
// a single configured secret.
type CommunityValidator struct {
	expected []byte
	logger   *slog.Logger
}

// NewCommunityValidator creates a validator for community.
func NewCommunityValidator(community string, logger *slog.Logger) *CommunityValidator {
	return &CommunityValidator{
		expected: []byte(community),
		logger:   logging.OrComponent(logger, "community"),
	}
}

// Validate returns the message's community when it matches byte for byte.
// A mismatch logs one warning naming the received community and returns
// ErrCommunityMismatch.
func (v *CommunityValidator) Validate(ctx context.Context, msg *Message) (string, error) {
	if msg == nil {
		return "", ErrCommunityMismatch
	}
	if subtle.ConstantTimeCompare([]byte(msg.Community), v.expected) == 1 {
		return msg.Community, nil
	}

	v.logger.WarnContext(ctx, "wrong SNMP community", "community", msg.Community, "version", msg.Version.String())
	return "", ErrCommunityMismatch
}
