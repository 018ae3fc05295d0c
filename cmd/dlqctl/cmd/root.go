package cmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/linnemanlabs/go-core/log"
)

const envPrefix = "DLQCTL"

var (
	cfgFile    string
	timeout    time.Duration
	outputJSON bool
	verbose    bool
	serverAddr string
	apiToken   string
	nsqdAddr   string
	dlqTopic   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dlqctl",
	Short: "dlqctl - triage dead-lettered messages",
	Long: `dlqctl is a command line tool for the dlqtriage service.

You can use it to triage DLQ messages locally, publish messages to the
DLQ topic, and inspect triage runs recorded by a running server.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dlqctl.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall command timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline activity to stderr")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "dlqtriage API base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "bearer token for the dlqtriage API")
	rootCmd.PersistentFlags().StringVar(&nsqdAddr, "nsqd-tcp-addr", "127.0.0.1:4150", "nsqd TCP address")
	rootCmd.PersistentFlags().StringVar(&dlqTopic, "dlq-topic", "dlq", "NSQ topic carrying dead-lettered messages")

	// Bind flags to viper
	for _, name := range []string{"timeout", "json", "verbose", "server", "token", "nsqd-tcp-addr", "dlq-topic"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dlqctl")
	}

	// DLQCTL_NSQD_TCP_ADDR and friends
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("verbose") {
		verbose = viper.GetBool("verbose")
	}
	if !flags.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverAddr = s
		}
	}
	if !flags.Changed("token") {
		apiToken = viper.GetString("token")
	}
	if !flags.Changed("nsqd-tcp-addr") {
		if s := viper.GetString("nsqd-tcp-addr"); s != "" {
			nsqdAddr = s
		}
	}
	if !flags.Changed("dlq-topic") {
		if s := viper.GetString("dlq-topic"); s != "" {
			dlqTopic = s
		}
	}
}

// newLogger returns a stderr logger with go-core defaults when --verbose is
// set and a no-op logger otherwise.
func newLogger() (log.Logger, error) {
	if !verbose {
		return log.Nop(), nil
	}

	var lc log.Config
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	lc.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		return nil, err
	}
	lg, err := log.New(lc.ToOptions("dlqctl"))
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return lg.With("component", "cli"), nil
}

// readInput returns the named file, stdin for "-", or nil when no argument
// was given.
func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if args[0] == "-" {
		return io.ReadAll(stdin)
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return b, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
