package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geekxflood/traprelay/config"
)

func validateCommand(params *GlobalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a configuration file against the schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := params.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.ValidateFile(path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration is valid\n", path)
			return err
		},
	}
}
