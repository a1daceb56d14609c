package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/syncabletree/internal/version"
)

func newVersionCommand() *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the syncabletree version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asYAML {
				data, err := yaml.Marshal(version.Get())
				if err != nil {
					return fmt.Errorf("marshal version: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print module, version and Go toolchain as YAML")
	return cmd
}
