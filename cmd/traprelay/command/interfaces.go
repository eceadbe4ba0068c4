package command

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geekxflood/traprelay/config"
	"github.com/geekxflood/traprelay/correlator"
	"github.com/geekxflood/traprelay/store"
)

func interfacesCommand(params *GlobalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "Print the stored interface records as JSON",
		Long:  `Print every interface record collected so far, oldest first. The database is locked by a running serve process, so stop it first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := config.Load(config.Options{ConfigPath: params.ConfigPath})
			if err != nil {
				return err
			}
			defer manager.Close()

			s, err := loadSettings(manager)
			if err != nil {
				return err
			}

			db := store.New(s.database)
			if err := db.Connect(); err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Disconnect()

			records, err := db.GetInterfaces(cmd.Context())
			if err != nil {
				return err
			}
			if records == nil {
				records = []correlator.Record{}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}
}
