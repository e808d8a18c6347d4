package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newPolicyCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or change a user's device limit",
	}
	cmd.AddCommand(newPolicyShowCmd(opts), newPolicySetCmd(opts))
	return cmd
}

func limitString(limit *int) string {
	if limit == nil {
		return "unlimited"
	}
	return strconv.Itoa(*limit)
}

func newPolicyShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user>",
		Short: "Show the allow-list of a user and its state on every node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sync, err := opts.client().UserSync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(out, sync)
			}

			snap := sync.Snapshot
			fmt.Fprintf(out, "%s epoch %d, limit %s, enforce %t, %d allowed devices\n",
				bold(snap.UserID), snap.Epoch, limitString(snap.DeviceLimit), snap.Enforce, len(snap.Fingerprints))

			t := newTable("NODE", "ACKED", "STATUS", "ATTEMPTS", "ERROR")
			for _, st := range sync.Nodes {
				acked := strconv.FormatInt(st.AckedEpoch, 10)
				if st.Behind(snap.Epoch) {
					acked = warnStyle.Render(acked)
				}
				t.add(st.NodeID, acked, string(st.Status), strconv.Itoa(st.Attempts), st.LastError)
			}
			t.render(out)
			return nil
		},
	}
}

func newPolicySetCmd(opts *options) *cobra.Command {
	var (
		limit     int
		unlimited bool
		enforce   bool
	)
	cmd := &cobra.Command{
		Use:   "set <user>",
		Short: "Set the device limit of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if unlimited == cmd.Flags().Changed("limit") {
				return errors.New("pass exactly one of --limit or --unlimited")
			}
			var limitPtr *int
			if !unlimited {
				limitPtr = &limit
			}

			version, err := opts.client().SetPolicy(cmd.Context(), args[0], limitPtr, enforce)
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), version)
			}
			success(cmd.OutOrStdout(), fmt.Sprintf("Policy of %s set: limit %s, enforce %t, epoch %d",
				version.UserID, limitString(version.DeviceLimit), version.Enforce, version.Epoch))
			if !version.Enforce {
				warn(cmd.OutOrStdout(), "limit is tracked but not enforced")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of allowed devices")
	cmd.Flags().BoolVar(&unlimited, "unlimited", false, "remove the device limit")
	cmd.Flags().BoolVar(&enforce, "enforce", true, "reject devices over the limit instead of only tracking them")
	return cmd
}
