// Package command implements the traprelay command line.
package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/geekxflood/traprelay/config"
	"github.com/geekxflood/traprelay/logging"
	"github.com/geekxflood/traprelay/poller"
	"github.com/geekxflood/traprelay/relay"
	"github.com/geekxflood/traprelay/snmptranslate"
	"github.com/geekxflood/traprelay/store"
)

const defaultConfigPath = "traprelay.yaml"

// GlobalParams are the flags shared by every subcommand.
type GlobalParams struct {
	ConfigPath string
}

// RootCommand returns the traprelay root command with its subcommands.
func RootCommand() *cobra.Command {
	var params GlobalParams
	root := &cobra.Command{
		Use:          "traprelay [command]",
		Short:        "SNMP trap relay",
		Long:         `traprelay receives SNMPv1 and SNMPv2c traps, polls the sending device for the state of the interface a trap names, stores the result and posts every trap as JSON to an HTTP collector.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&params.ConfigPath, "config", "c", defaultConfigPath, "path to the YAML or JSON configuration file")

	root.AddCommand(
		serveCommand(&params),
		interfacesCommand(&params),
		validateCommand(&params),
	)
	return root
}

// settings are the sections of the configuration consumed outside the
// trapprocessor package.
type settings struct {
	logging    logging.Config
	poller     poller.Options
	relay      relay.Options
	database   store.Options
	translator snmptranslate.Config

	metricsEnabled bool
	metricsAddress string
}

func loadSettings(p config.Provider) (*settings, error) {
	var errs []error
	str := func(path string) string {
		v, err := p.GetString(path)
		errs = append(errs, err)
		return v
	}
	num := func(path string) int {
		v, err := p.GetInt(path)
		errs = append(errs, err)
		return v
	}
	flag := func(path string) bool {
		v, err := p.GetBool(path)
		errs = append(errs, err)
		return v
	}
	dur := func(path string) time.Duration {
		v, err := p.GetDuration(path)
		errs = append(errs, err)
		return v
	}
	names := func(path string) map[string]string {
		section, err := p.GetMap(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		out := make(map[string]string, len(section))
		for oid, v := range section {
			name, ok := v.(string)
			if !ok {
				errs = append(errs, fmt.Errorf("%s.%s: name must be a string, got %T", path, oid, v))
				continue
			}
			out[oid] = name
		}
		return out
	}

	s := &settings{
		logging: logging.Config{
			Level:     str("logging.level"),
			Format:    str("logging.format"),
			Output:    str("logging.output"),
			AddSource: flag("logging.add_source"),
		},
		poller: poller.Options{
			Port:    uint16(num("poller.port")),
			Timeout: dur("poller.timeout"),
			Retries: num("poller.retries"),
		},
		relay: relay.Options{
			Host:    str("relay.host"),
			Port:    num("relay.port"),
			Path:    str("relay.path"),
			Timeout: dur("relay.timeout"),
		},
		database: store.Options{
			Path:    str("database.path"),
			Timeout: dur("database.timeout"),
		},
		translator: snmptranslate.Config{
			MaxCacheSize: num("snmptranslate.cache_size"),
			Names:        names("snmptranslate.names"),
		},
		metricsEnabled: flag("metrics.enabled"),
		metricsAddress: str("metrics.address"),
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}
