package logging

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gosnmp/gosnmp"
)

// snmpAdapter forwards gosnmp's internal debug output to slog at debug level.
type snmpAdapter struct {
	logger *slog.Logger
}

func (a snmpAdapter) Print(v ...any) {
	a.logger.Debug(strings.TrimSpace(fmt.Sprint(v...)))
}

func (a snmpAdapter) Printf(format string, v ...any) {
	a.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// SNMPLogger returns a gosnmp.Logger writing to logger at debug level.
// gosnmp is chatty, so the output only appears when debug is enabled.
func SNMPLogger(logger *slog.Logger) gosnmp.Logger {
	if logger == nil {
		logger = Get()
	}
	return gosnmp.NewLogger(snmpAdapter{logger: logger.With("component", "gosnmp")})
}
