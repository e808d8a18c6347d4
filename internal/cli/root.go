package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// options carries the settings shared by every subcommand
type options struct {
	v       *viper.Viper
	cfgFile string
}

// NewRootCmd builds the devicectl command tree
func NewRootCmd() *cobra.Command {
	opts := &options{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "devicectl",
		Short: "Operate a DeviceGuard server",
		Long: `devicectl talks to the operator API of a DeviceGuard server: it lists and
blocks devices, sets per-user device limits, forces allow-list pushes to proxy
nodes and shows multilogin reports.

Settings are read from flags, DEVICECTL_* environment variables or devicectl.yml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.initConfig(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.cfgFile, "config", "c", "", "config file (default: devicectl.yml)")
	flags.String("server", "http://localhost:5000", "server base URL")
	flags.String("api-key", "", "operator API key")
	flags.String("api-key-header", "X-API-Key", "header carrying the API key")
	flags.Duration("timeout", 15*time.Second, "request timeout")
	flags.Bool("json", false, "print raw JSON instead of tables")
	for _, name := range []string{"server", "api-key", "api-key-header", "timeout", "json"} {
		_ = opts.v.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newDevicesCmd(opts),
		newPolicyCmd(opts),
		newResyncCmd(opts),
		newReconcileCmd(opts),
		newAnomaliesCmd(opts),
		newNodesCmd(opts),
	)
	return rootCmd
}

// Execute runs devicectl with the process arguments
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, FormatError(err))
		return err
	}
	return nil
}

func (o *options) initConfig(cmd *cobra.Command) {
	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
	} else {
		o.v.SetConfigName("devicectl")
		o.v.SetConfigType("yml")
		o.v.AddConfigPath(".")
	}

	o.v.SetEnvPrefix("DEVICECTL")
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	if err := o.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error reading config: %v\n", err)
		}
	}
}

func (o *options) client() *Client {
	return NewClient(
		o.v.GetString("server"),
		o.v.GetString("api-key"),
		o.v.GetString("api-key-header"),
		o.v.GetDuration("timeout"),
	)
}

func (o *options) jsonOutput() bool {
	return o.v.GetBool("json")
}
