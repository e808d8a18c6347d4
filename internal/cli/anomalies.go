package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newAnomaliesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "anomalies <user>",
		Short: "Show the multilogin report of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := opts.client().Anomalies(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(out, report)
			}

			fmt.Fprintf(out, "%s %d active devices, limit %s\n",
				bold(report.UserID), report.ActiveDevices, limitString(report.DeviceLimit))
			if report.LimitExceeded {
				warn(out, "more active devices than the limit allows")
			}
			for _, st := range report.OutOfSyncNodes {
				warn(out, fmt.Sprintf("node %s is behind at epoch %d", st.NodeID, st.AckedEpoch))
			}

			t := newTable("DEVICE", "LABEL", "IPS", "DATACENTER", "COUNTRIES", "REASONS")
			for _, f := range report.Devices {
				reasons := strings.Join(f.Reasons, ", ")
				if reasons != "" {
					reasons = errorStyle.Render(reasons)
				}
				t.add(f.DeviceID, f.Label, strconv.Itoa(f.IPCount),
					fmt.Sprintf("%.0f%%", f.DatacenterShare*100), strings.Join(f.Countries, ","), reasons)
			}
			t.render(out)
			return nil
		},
	}
}
