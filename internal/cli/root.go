package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentsh/sockguard/internal/config"
	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sockguard",
		Short:         "sockguard: block network sockets in go test",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("sockguard {{.Version}}\n")

	cmd.PersistentFlags().String("config", getenvDefault(config.EnvConfig, ""), "sockguard config file (default: nearest .sockguard.yaml)")

	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newCheckCmd())

	return cmd
}

// loadConfig loads the file named by --config, or the one a test binary in
// the working directory would discover. It returns the path used, empty for
// built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	return config.Discover(wd)
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
