package cli

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/agentsh/sockguard/internal/logging"
	"github.com/agentsh/sockguard/pkg/sockguard"
	"github.com/spf13/cobra"
)

type checkResult struct {
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
	Error   string `json:"error,omitempty"`
}

func newCheckCmd() *cobra.Command {
	var (
		network       string
		disableSocket bool
		allowHosts    []string
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "check ADDRESS...",
		Short: "Report whether dials to addresses would be allowed",
		Long: `Check evaluates each address against the effective policy without
opening any socket. Addresses are host:port; a bare host is checked with
port 0, which only matches allow-list entries without a port.

Exits with status 2 when any address is blocked.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("disable-socket") {
				cfg.DisableSocket = disableSocket
			}
			if cmd.Flags().Changed("allow-hosts") {
				cfg.AllowHosts = allowHosts
			}
			allowed, err := cfg.AllowList()
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}

			p := sockguard.NewPolicy()
			if cfg.DisableSocket {
				p.Disable(allowed...)
			}
			g := sockguard.NewGuard(p, sockguard.WithLogger(logger))

			results := make([]checkResult, 0, len(args))
			blocked := 0
			for _, addr := range args {
				r := checkResult{Address: addr, Allowed: true}
				if err := g.Check(sockguard.CallDial, network, checkAddress(network, addr)); err != nil {
					r.Allowed = false
					r.Error = err.Error()
					blocked++
				}
				results = append(results, r)
			}

			if asJSON {
				if err := printJSON(cmd, results); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				for _, r := range results {
					verdict := "allowed"
					if !r.Allowed {
						verdict = "blocked"
					}
					fmt.Fprintf(out, "%s\t%s\n", verdict, r.Address)
				}
			}
			if blocked > 0 {
				return blockedExit(blocked, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "tcp", "Network as passed to net.Dial (tcp, udp, unix, ...)")
	cmd.Flags().BoolVar(&disableSocket, "disable-socket", false, "Block sockets regardless of config")
	cmd.Flags().StringSliceVar(&allowHosts, "allow-hosts", nil, "host[:port] entries allowed while blocked (replaces config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}

// checkAddress gives a bare host port 0 so it can be split like a dial
// address.
func checkAddress(network, addr string) string {
	if strings.HasPrefix(network, "unix") {
		return addr
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), "0")
}
