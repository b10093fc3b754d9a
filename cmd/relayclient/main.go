package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adradan/chatty/internal/envelope"
	"github.com/adradan/chatty/internal/logging"
)

var (
	relayURL string
	logLevel string
	timeout  time.Duration
	logger   *zap.Logger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "relayclient",
		Short:        "Command line client for the chat relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logging.NewLogger(logLevel, "console")
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
	}
	root.PersistentFlags().StringVar(&relayURL, "url", "ws://127.0.0.1:3000/ws/", "relay websocket URL")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "client log level")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits until interrupted)")

	root.AddCommand(listenCmd(), offerCmd(), joinCmd())
	return root
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Wait for offers, answer them and chat from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			c, err := dialRelay(ctx, relayURL, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.run(ctx, readLines(ctx, cmd.InOrStdin()))
		},
	}
}

func offerCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Propose a key exchange to another session and chat from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseIdentity(to)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			c, err := dialRelay(ctx, relayURL, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.offer(ctx, target, readLines(ctx, cmd.InOrStdin()))
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "session identity to offer to")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func joinCmd() *cobra.Command {
	var (
		to      string
		message string
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Bind to a session without a handshake and send one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseIdentity(to)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			c, err := dialRelay(ctx, relayURL, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.join(ctx, target, message)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "session identity to join")
	cmd.Flags().StringVar(&message, "message", "", "message to send")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

func parseIdentity(s string) (envelope.Identity, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return envelope.Unset, fmt.Errorf("invalid session identity %q", s)
	}
	return envelope.Identity(n), nil
}

// readLines forwards stdin lines until EOF or ctx ends.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
			logger.Warn("stdin read failed", zap.Error(err))
		}
	}()
	return lines
}
