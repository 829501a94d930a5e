package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand writing to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	gw := command{flags: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createProcessCommand("start", "Start a process and mark it desired active", gw.Start),
		createProcessCommand("stop", "Stop a process and clear its desired flag", gw.Stop),
		createProcessCommand("restart", "Replace a running process with a fresh one", gw.Restart),
		createStatusCommand(gw),
		createLogsCommand(gw),
		createHostsCommand(gw),
		createReconcileCommand(gw),
		createVersionCommand(gw),
		createHashPasswordCommand(gw),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "gridwarden",
		Short: "Selenium grid process supervisor",
		Long: `Gridwarden keeps one Selenium hub and one node per host running across a
fleet of machines, restarting what dies and restoring what was running
when the controller comes back.

Examples:
  gridwarden serve --config gridwarden.toml   # Start the controller
  gridwarden status
  gridwarden start hub hub
  gridwarden start worker-1 node
  gridwarden version set 4.22.0
  gridwarden status --api-url=http://grid:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "controller API URL (default from --config, else http://127.0.0.1:8080/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 15*time.Minute, "request timeout")
	root.PersistentFlags().StringVar(&flags.User, "user", "", "API username when the server requires authentication")
	root.PersistentFlags().StringVar(&flags.Password, "password", "", "API password (default $"+passwordEnv+")")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate to trust for https API URLs")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON instead of tables")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the controller and its HTTP API",
		Long: `Run the controller. Without a config file a single local host is supervised.

Examples:
  gridwarden serve --config gridwarden.toml
  gridwarden serve gridwarden.toml --daemonize --pidfile /run/gridwarden.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(path, *serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createProcessCommand(name, short string, run func(ctx context.Context, host, role string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <host> <hub|node>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], args[1])
		},
	}
}

func createStatusCommand(gw command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [host]",
		Short: "Show desired and observed state of supervised processes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := ""
			if len(args) > 0 {
				host = args[0]
			}
			return gw.Status(cmd.Context(), host)
		},
	}
}

func createLogsCommand(gw command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <host> <hub|node>",
		Short: "Print the status log of a process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return gw.Logs(cmd.Context(), args[0], args[1], f.Limit)
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "lines", "n", 0, "print only the newest n entries")
	return cmd
}

func createHostsCommand(gw command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List fleet hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return gw.Hosts(cmd.Context())
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "idle <host> <true|false>",
		Short: "Mark a host idle or busy; busy hosts are not reconciled on host events",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idle, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("idle must be true or false: %w", err)
			}
			return gw.SetIdle(cmd.Context(), args[0], idle)
		},
	})
	return cmd
}

func createReconcileCommand(gw command) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return gw.Reconcile(cmd.Context())
		},
	}
}

func createVersionCommand(gw command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show or change the Selenium server version",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the selected version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return gw.VersionGet(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "set <version>",
			Short: "Select a version and restart the hub, then every active node",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return gw.VersionSet(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func createHashPasswordCommand(gw command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for [[server.auth.users]] password_hash",
		Long: `Print a bcrypt hash for a password. Without an argument the password is
read from the first line of standard input.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return gw.HashPassword(args[0])
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return gw.HashPassword(strings.TrimRight(line, "\r\n"))
		},
	}
}
