package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/deviceguard/server/internal/models"
	"github.com/spf13/cobra"
)

func newDevicesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"device", "dev"},
		Short:   "List, inspect and block devices",
	}
	cmd.AddCommand(
		newDevicesListCmd(opts),
		newDevicesShowCmd(opts),
		newDevicesTrafficCmd(opts),
		newDevicesBlockCmd(opts, true),
		newDevicesBlockCmd(opts, false),
		newDevicesDeleteCmd(opts),
	)
	return cmd
}

func newDevicesListCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Search devices across users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			for flag, param := range map[string]string{
				"user":        "user",
				"node":        "node",
				"ip":          "ip",
				"country":     "country",
				"client-type": "client_type",
				"blocked":     "blocked",
				"datacenter":  "datacenter",
				"from":        "from",
				"to":          "to",
				"offset":      "offset",
				"limit":       "limit",
			} {
				if cmd.Flags().Changed(flag) {
					query.Set(param, cmd.Flags().Lookup(flag).Value.String())
				}
			}

			list, err := opts.client().ListDevices(cmd.Context(), query)
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), list)
			}
			renderDevices(cmd, list.Devices)
			fmt.Fprintln(cmd.OutOrStdout(), dim(fmt.Sprintf("%d of %d devices", len(list.Devices), list.TotalCount)))
			return nil
		},
	}

	f := cmd.Flags()
	f.String("user", "", "only devices of this user")
	f.String("node", "", "only devices last seen on this node")
	f.String("ip", "", "only devices that used this IP")
	f.String("country", "", "only devices seen from this country code")
	f.String("client-type", "", "android, ios, windows, macos, linux or other")
	f.Bool("blocked", false, "filter on the blocked flag")
	f.Bool("datacenter", false, "filter on datacenter IP usage")
	f.String("from", "", "last seen at or after (RFC3339)")
	f.String("to", "", "last seen at or before (RFC3339)")
	f.Int("offset", 0, "skip this many devices")
	f.Int("limit", models.DefaultDeviceListLimit, "maximum devices to return")
	return cmd
}

func renderDevices(cmd *cobra.Command, devices []*models.Device) {
	t := newTable("ID", "USER", "CLIENT", "TYPE", "LAST SEEN", "NODE", "STATE")
	for _, d := range devices {
		state := successStyle.Render("active")
		if d.IsBlocked {
			state = errorStyle.Render("blocked")
		}
		t.add(d.ID, d.UserID, deviceLabel(d), string(d.ClientType), d.LastSeenAt.Format(time.RFC3339), d.LastNodeID, state)
	}
	t.render(cmd.OutOrStdout())
}

func deviceLabel(d *models.Device) string {
	if d.DisplayName != nil && *d.DisplayName != "" {
		return *d.DisplayName
	}
	return d.ClientName
}

func newDevicesShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user> <device>",
		Short: "Show a device with its IP history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := opts.client().GetDevice(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(out, detail)
			}

			d := detail.Device
			fmt.Fprintf(out, "%s %s\n", bold(deviceLabel(d)), dim(d.ID))
			fmt.Fprintf(out, "  user:        %s\n", d.UserID)
			fmt.Fprintf(out, "  client:      %s (%s)\n", d.ClientName, d.ClientType)
			fmt.Fprintf(out, "  blocked:     %t\n", d.IsBlocked)
			fmt.Fprintf(out, "  trust:       %d\n", d.TrustLevel)
			fmt.Fprintf(out, "  first seen:  %s\n", d.FirstSeenAt.Format(time.RFC3339))
			fmt.Fprintf(out, "  last seen:   %s on %s\n", d.LastSeenAt.Format(time.RFC3339), d.LastNodeID)
			fmt.Fprintf(out, "  connections: %d\n", detail.ConnectCount)
			fmt.Fprintf(out, "  traffic:     %d up / %d down\n", detail.UploadBytes, detail.DownloadBytes)
			fmt.Fprintln(out)

			t := newTable("IP", "COUNTRY", "ASN", "DATACENTER", "CONNECTIONS", "LAST SEEN")
			for _, ip := range detail.IPs {
				asn := ""
				if ip.ASN != 0 {
					asn = "AS" + strconv.FormatInt(ip.ASN, 10)
				}
				t.add(ip.IP, ip.CountryCode, asn, strconv.FormatBool(ip.Datacenter()),
					strconv.FormatInt(ip.ConnectCount, 10), ip.LastSeenAt.Format(time.RFC3339))
			}
			t.render(out)
			return nil
		},
	}
}

func newDevicesTrafficCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traffic <user> <device>",
		Short: "Show the traffic of a device per node and time bucket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			for _, flag := range []string{"from", "to", "node"} {
				if v, _ := cmd.Flags().GetString(flag); v != "" {
					query.Set(flag, v)
				}
			}

			traffic, err := opts.client().DeviceTraffic(cmd.Context(), args[0], args[1], query)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(out, traffic)
			}

			t := newTable("BUCKET", "NODE", "CONNECTIONS", "UPLOAD", "DOWNLOAD")
			for _, b := range traffic.Traffic {
				t.add(b.BucketStart.Format(time.RFC3339), b.NodeID, strconv.FormatInt(b.ConnectCount, 10),
					strconv.FormatInt(b.UploadBytes, 10), strconv.FormatInt(b.DownloadBytes, 10))
			}
			t.render(out)
			fmt.Fprintln(out, dim(fmt.Sprintf("total: %d connections, %d up / %d down",
				traffic.TotalConnects, traffic.TotalUpload, traffic.TotalDownload)))
			return nil
		},
	}

	f := cmd.Flags()
	f.String("from", "", "earliest bucket start (RFC3339)")
	f.String("to", "", "latest bucket start (RFC3339)")
	f.String("node", "", "only traffic through this node")
	return cmd
}

func newDevicesBlockCmd(opts *options, blocked bool) *cobra.Command {
	use, short, verb := "unblock", "Allow a blocked device again", "unblocked"
	if blocked {
		use, short, verb = "block", "Block a device on every node", "blocked"
	}
	return &cobra.Command{
		Use:   use + " <user> <device>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().SetBlocked(cmd.Context(), args[0], args[1], blocked)
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			success(cmd.OutOrStdout(), fmt.Sprintf("Device %s %s, allow-list epoch %d", args[1], verb, resp.Epoch))
			return nil
		},
	}
}

func newDevicesDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <user> <device>",
		Short: "Forget a device and free its slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().DeleteDevice(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			success(cmd.OutOrStdout(), fmt.Sprintf("Device %s deleted, allow-list epoch %d", args[1], resp.Epoch))
			return nil
		},
	}
}
