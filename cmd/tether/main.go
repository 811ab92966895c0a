// Command `tether` is a small TCP client built on the tether socket layer.
//
// Usage:
//
//	tether resolve <host> [--all]          - Resolve a host the way connect does
//	tether connect <host> <port>           - Connect, send stdin, print what arrives
//	tether echo [--listen addr]            - Run a TCP echo server to test against
//	tether config init [--force]           - Write the default configuration file
//	tether version                         - Show version information
//
// Examples:
//
//	tether echo --listen 127.0.0.1:7777
//	echo ping | tether connect localhost 7777
//	tether resolve example.com --all
//
// Set LOG_LEVEL=debug to see resolution and connection diagnostics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lc/tether/internal/buildinfo"
	"github.com/lc/tether/internal/config"
	"github.com/lc/tether/internal/echo"
	"github.com/lc/tether/internal/filesys"
	"github.com/lc/tether/internal/log"
	"github.com/lc/tether/internal/resolver"
	"github.com/lc/tether/internal/socket"
)

func main() {
	defer log.Sync()

	root := &cobra.Command{
		Use:   "tether",
		Short: "Minimal TCP client",
		Long: `tether resolves a host (IPv6 first, then IPv4), connects to it over TCP
with a short SYN retry budget, and streams data in both directions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// ---- version command ----
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("version: %s\n", buildinfo.Version)
			fmt.Printf("commit: %s\n", buildinfo.Commit)
		},
	}

	// ---- resolve command ----
	var all bool
	resolveCmd := &cobra.Command{
		Use:   "resolve <host>",
		Short: "Resolve a host to the address connect would use",
		Long: `Resolve a host the way connect does: IPv6 first, IPv4 only when IPv6
yields nothing. With --all, every address of both families is listed.`,
		Example: "tether resolve example.com --all",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New().Load()
			if err != nil {
				return err
			}
			res := resolver.New(cfg.Resolver.Timeout, cfg.ResolverOptions()...)
			host := args[0]

			if !all {
				addr, err := res.Resolve(cmd.Context(), host, 0)
				if err != nil {
					return err
				}
				color.New(color.FgHiGreen, color.Bold).Printf("%s ", addr)
				color.New(color.FgHiBlack).Printf("(%s)\n", addr.Family)
				return nil
			}

			addrs, err := res.LookupAll(cmd.Context(), host)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Family", "Address"})
			table.SetHeaderColor(
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
			)
			table.SetBorder(false)
			table.SetColumnColor(
				tablewriter.Colors{tablewriter.FgYellowColor},
				tablewriter.Colors{tablewriter.FgGreenColor},
			)
			for _, a := range addrs {
				table.Append([]string{resolver.FamilyOf(a).String(), resolver.FormatAddr(a)})
			}

			color.New(color.Bold).Printf("ADDRESSES FOR %s:\n", host)
			table.Render()
			return nil
		},
	}
	resolveCmd.Flags().BoolVar(&all, "all", false, "list every address of both families")

	// ---- connect command ----
	var linger time.Duration
	connectCmd := &cobra.Command{
		Use:   "connect <host> <port>",
		Short: "Connect to host:port, send stdin and print what arrives",
		Long: `Connect to host:port. Standard input is sent as it is read and whatever
the peer sends is written to standard output. The connection stays open
until the peer closes it, Ctrl-C is pressed, or standard input ends and
the --linger period has passed.`,
		Example: "echo ping | tether connect localhost 7777",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}
			cfg, err := config.New().Load()
			if err != nil {
				return err
			}
			return connect(cmd.Context(), cfg, args[0], port, linger)
		},
	}
	connectCmd.Flags().DurationVar(&linger, "linger", time.Second,
		"how long to keep receiving after stdin ends (negative waits for the peer)")

	// ---- echo command ----
	var listen string
	echoCmd := &cobra.Command{
		Use:     "echo",
		Short:   "Run a TCP echo server",
		Example: "tether echo --listen 127.0.0.1:7777",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, err := echo.Listen(listen)
			if err != nil {
				return err
			}
			log.Infof("Echo server listening on %s", srv.Addr())
			if err := srv.Serve(cmd.Context()); err != nil {
				return err
			}
			log.Infof("Echo server on %s stopped", srv.Addr())
			return nil
		},
	}
	echoCmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7777", "address to listen on")

	// ---- config command ----
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var force bool
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Long:  fmt.Sprintf("Write the default configuration to $HOME/%s.", config.DefaultConfigPath),
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := config.Path()
			if _, err := filesys.OS().Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(filesys.OS(), path, config.Default()); err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Printf("✓ Wrote ")
			color.New(color.FgHiGreen, color.Bold).Printf("%s\n", path)
			return nil
		},
	}
	configInitCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	root.AddCommand(resolveCmd, connectCmd, echoCmd, configCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		log.Fatalf("tether: %v", err)
	}
}

func connect(ctx context.Context, cfg *config.Config, host string, port int, linger time.Duration) error {
	res := resolver.New(cfg.Resolver.Timeout, cfg.ResolverOptions()...)
	sock := socket.New(cfg.SocketConfig(), res, socket.HandlerFuncs{
		Receive: func(p []byte) { _, _ = os.Stdout.Write(p) },
	})

	if _, err := sock.Connect(ctx, host, port); err != nil {
		return err
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return sock.Receive(ctx)
	})

	// Stdin cannot be interrupted, so this reader is left behind on exit.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				sock.Send(buf[:n])
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warnf("reading stdin: %v", err)
				}
				break
			}
		}
		if linger < 0 {
			return
		}
		log.Debugf("stdin closed, closing connection in %s", linger)
		select {
		case <-time.After(linger):
			_ = sock.Close()
		case <-ctx.Done():
		}
	}()

	err := grp.Wait()
	_ = sock.Close()

	st := sock.Stats()
	c := color.New(color.FgHiBlack)
	c.Fprintf(os.Stderr, "sent %d bytes, received %d bytes in %d reads", st.BytesSent, st.BytesReceived, st.Reads)
	if st.PartialWrites > 0 {
		color.New(color.FgYellow).Fprintf(os.Stderr, " (%d partial writes)", st.PartialWrites)
	}
	fmt.Fprintln(os.Stderr)
	return err
}
