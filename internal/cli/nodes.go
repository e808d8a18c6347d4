package cli

import (
	"github.com/spf13/cobra"
)

func newNodesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Inspect proxy nodes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered nodes and their connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), list)
			}

			t := newTable("ID", "NAME", "ADDRESS", "ENABLED", "STATUS", "CONNECTED")
			for _, n := range list.Nodes {
				connected := dim("no")
				if n.Connected {
					connected = successStyle.Render("yes")
				}
				enabled := "yes"
				if !n.Enabled {
					enabled = warnStyle.Render("no")
				}
				t.add(n.ID, n.Name, n.Address, enabled, string(n.Status), connected)
			}
			t.render(cmd.OutOrStdout())
			return nil
		},
	})
	return cmd
}
