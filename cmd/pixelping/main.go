// Package main provides the CLI entry point for pixelping.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/pixelping/internal/agent"
	"github.com/postalsys/pixelping/internal/config"
	"github.com/postalsys/pixelping/internal/drawer"
	"github.com/postalsys/pixelping/internal/icmp"
	"github.com/postalsys/pixelping/internal/logging"
	"github.com/postalsys/pixelping/internal/protocol"
	"github.com/postalsys/pixelping/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pixelping",
		Short: "pixelping - Ping-a-pixel IPv6 canvas",
		Long: `pixelping is a shared canvas drawn with ICMPv6 echo requests.

Every address in a /48 prefix encodes a pixel position and colour.
Pinging an address paints that pixel, and viewers watch the canvas
change live over a WebSocket.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(drawCmd())
	rootCmd.AddCommand(addrCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard and write a configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the canvas",
		Long:  "Start the canvas with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			fmt.Printf("Starting pixelping...\n")

			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}

			stats := a.Stats()
			fmt.Printf("Backend: %s (replies: %t)\n", stats.Backend, stats.CanInject)
			fmt.Printf("Canvas: %dx%d, %s\n", stats.CanvasSize, stats.CanvasSize, cfg.Canvas.Filename)
			fmt.Printf("Live view: %s%s\n", a.LiveViewAddress(), cfg.WebSocket.Path)
			if addr := a.HealthServerAddress(); addr != "" {
				fmt.Printf("Health: %s\n", addr)
			}
			if prefix, err := config.ParsePrefix48(cfg.Backend.Prefix48); err == nil {
				fmt.Printf("Ping: %s\n", protocol.AddressTemplate(prefix))
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			case <-a.Done():
				fmt.Printf("\nAgent stopped unexpectedly, shutting down...\n")
			}

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			stopErr := a.StopWithContext(ctx)
			if err := a.Err(); err != nil {
				return err
			}
			if stopErr != nil {
				fmt.Printf("Shutdown error: %v\n", stopErr)
				return stopErr
			}

			fmt.Println("Canvas saved. Stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func drawCmd() *cobra.Command {
	var (
		imagePath  string
		prefix     string
		offsetX    int
		offsetY    int
		pps        float64
		passes     int
		privileged bool
		timeout    time.Duration
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "draw",
		Short: "Draw an image onto a canvas",
		Long: `Ping one address per non-transparent pixel of a PNG image.

With --passes 0 the image is redrawn until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.ParsePrefix48(prefix)
			if err != nil {
				return fmt.Errorf("invalid prefix: %w", err)
			}
			img, err := drawer.LoadImage(imagePath)
			if err != nil {
				return err
			}

			cfg := icmp.DefaultConfig()
			cfg.Privileged = privileged
			cfg.EchoTimeout = timeout
			pinger, err := icmp.Listen(cfg)
			if err != nil {
				return err
			}
			defer pinger.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := drawer.Draw(ctx, pinger, img, drawer.Options{
				Prefix:  p,
				OffsetX: offsetX,
				OffsetY: offsetY,
				Rate:    pps,
				Passes:  passes,
				Logger:  logging.NewLogger(logLevel, "text"),
			})
			fmt.Printf("Passes: %d, sent: %d, acknowledged: %d, failed: %d, skipped: %d\n",
				res.Passes, res.Sent, res.Acked, res.Failed, res.Skipped)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "PNG image to draw")
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Canvas /48 prefix")
	cmd.Flags().IntVarP(&offsetX, "x", "x", 0, "Horizontal offset on the canvas")
	cmd.Flags().IntVarP(&offsetY, "y", "y", 0, "Vertical offset on the canvas")
	cmd.Flags().Float64Var(&pps, "rate", 1000, "Pings per second (0 for unlimited)")
	cmd.Flags().IntVar(&passes, "passes", 1, "Number of times to draw the image (0 repeats forever)")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "Use a raw ICMPv6 socket")
	cmd.Flags().DurationVar(&timeout, "reply-timeout", icmp.DefaultConfig().EchoTimeout, "How long to wait for echo replies after the last ping")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.MarkFlagRequired("image")
	cmd.MarkFlagRequired("prefix")

	return cmd
}

func addrCmd() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "addr X Y #rrggbb",
		Short: "Print the address that paints one pixel",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.ParsePrefix48(prefix)
			if err != nil {
				return fmt.Errorf("invalid prefix: %w", err)
			}
			x, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid x: %w", err)
			}
			y, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid y: %w", err)
			}
			c, err := protocol.ParseRGB(args[2])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), protocol.EncodeAddress(p, uint16(x), uint16(y), c))
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "2602:fa9b:42::", "Canvas /48 prefix")

	return cmd
}
