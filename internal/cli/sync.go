package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newResyncCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <user>",
		Short: "Push a user's allow-list to every node again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().ResyncUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			success(cmd.OutOrStdout(), fmt.Sprintf("Resync of %s queued at epoch %d", resp.UserID, resp.Epoch))
			return nil
		},
	}
}

func newReconcileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run a reconciliation sweep and heal nodes that are behind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(out, status)
			}
			success(out, fmt.Sprintf("Checked %d users, healed %d node states in %s",
				status.UsersChecked, status.NodesHealed, status.LastRunDuration))
			if len(status.Errors) > 0 {
				warn(out, strings.Join(status.Errors, "; "))
			}
			return nil
		},
	}
}
