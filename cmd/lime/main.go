// Command lime is the sync core's CLI: vault lifecycle, on-demand sync,
// and device/changelog inspection.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lezzur/lime-sync-core/internal/bootstrap"
)

func main() {
	rootCmd := &cobra.Command{Use: "lime"}
	var cfgDir string
	rootCmd.PersistentFlags().StringVar(&cfgDir, "config-dir", "", "directory to search for lime.yaml")

	rootCmd.AddCommand(vaultCmd(&cfgDir))
	rootCmd.AddCommand(syncCmd(&cfgDir))
	rootCmd.AddCommand(serveCmd(&cfgDir))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func vaultCmd(cfgDir *string) *cobra.Command {
	cmd := &cobra.Command{Use: "vault"}

	setup := &cobra.Command{
		Use:   "setup",
		Short: "initialize or unlock the encryption vault",
		Run: func(cmd *cobra.Command, args []string) {
			withApp(*cfgDir, func(ctx context.Context, a *bootstrap.App) error {
				pass, err := readPassphrase()
				if err != nil {
					return err
				}
				action, err := a.Engine.SetupEncryption(ctx, pass)
				if err != nil {
					return err
				}
				fmt.Println(action)
				return nil
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "show vault and device status",
		Run: func(cmd *cobra.Command, args []string) {
			withApp(*cfgDir, func(ctx context.Context, a *bootstrap.App) error {
				return printJSON(a.Engine.Status())
			})
		},
	}

	cmd.AddCommand(setup, status)
	return cmd
}

func syncCmd(cfgDir *string) *cobra.Command {
	cmd := &cobra.Command{Use: "sync"}

	now := &cobra.Command{
		Use:   "now",
		Short: "run one push+pull sync cycle",
		Run: func(cmd *cobra.Command, args []string) {
			withApp(*cfgDir, func(ctx context.Context, a *bootstrap.App) error {
				stats, err := a.Engine.SyncNow(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}

	clone := &cobra.Command{
		Use:   "initial-clone",
		Short: "pull full history from every known device (new-device bootstrap)",
		Run: func(cmd *cobra.Command, args []string) {
			withApp(*cfgDir, func(ctx context.Context, a *bootstrap.App) error {
				stats, err := a.Engine.InitialClone(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}

	devices := &cobra.Command{
		Use:   "devices",
		Short: "list known devices",
		Run: func(cmd *cobra.Command, args []string) {
			withApp(*cfgDir, func(ctx context.Context, a *bootstrap.App) error {
				devs, err := a.Engine.ListDevices(ctx)
				if err != nil {
					return err
				}
				return printJSON(devs)
			})
		},
	}

	removeDevice := &cobra.Command{
		Use:   "remove-device [id]",
		Short: "remove a device's cloud data and local record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(*cfgDir, func(ctx context.Context, a *bootstrap.App) error {
				deleted, err := a.Engine.RemoveDevice(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("removed device %s, deleted %d cloud objects\n", args[0], deleted)
				return nil
			})
		},
	}

	var changelogTable string
	var changelogLimit int
	changelog := &cobra.Command{
		Use:   "changelog",
		Short: "show recent changelog entries",
		Run: func(cmd *cobra.Command, args []string) {
			withApp(*cfgDir, func(ctx context.Context, a *bootstrap.App) error {
				entries, err := a.Engine.RecentChangelog(ctx, changelogTable, changelogLimit)
				if err != nil {
					return err
				}
				return printJSON(entries)
			})
		},
	}
	changelog.Flags().StringVar(&changelogTable, "table", "", "filter by entity table")
	changelog.Flags().IntVar(&changelogLimit, "limit", 50, "max entries to show")

	cmd.AddCommand(now, clone, devices, removeDevice, changelog)
	return cmd
}

func serveCmd(cfgDir *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the sync daemon with auto-sync and a REST status API (see lime-server for a dedicated binary)",
		Run: func(cmd *cobra.Command, args []string) {
			withApp(*cfgDir, func(ctx context.Context, a *bootstrap.App) error {
				a.Engine.StartAutoSync(ctx)
				defer a.Engine.StopAutoSync()
				return runServer(ctx, a, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8088", "address to listen on")
	return cmd
}

func withApp(cfgDir string, fn func(ctx context.Context, a *bootstrap.App) error) {
	ctx := context.Background()
	a, err := bootstrap.New(ctx, cfgDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPassphrase reads a single line from stdin. The corpus has no terminal
// echo-suppression dependency to ground a hidden-input prompt on, so this
// is a plain line read — callers piping a passphrase in should prefer that
// over typing it at a visible prompt.
func readPassphrase() (string, error) {
	fmt.Print("passphrase: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
