// Command auctionwatch follows one live auction from the terminal and forwards bids to it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/auctionsync/internal/app/action"
	"github.com/coachpo/auctionsync/internal/app/session"
	"github.com/coachpo/auctionsync/internal/infra/api"
	"github.com/coachpo/auctionsync/internal/infra/config"
	"github.com/coachpo/auctionsync/internal/infra/telemetry"
	"github.com/coachpo/auctionsync/internal/infra/transport/ws"
	"github.com/coachpo/auctionsync/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	serviceVersion           = "1.0.0"
	telemetryShutdownTimeout = 5 * time.Second
	listLimit                = 50
)

type flags struct {
	configPath string
	envFile    string
	auctionID  string
	userID     string
	list       bool
	info       bool
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "auctionwatch:", err)
		os.Exit(1)
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", defaultConfigPath, "Path to application configuration file")
	flag.StringVar(&f.envFile, "env-file", ".env", "Optional dotenv file loaded before the configuration")
	flag.StringVar(&f.auctionID, "auction", "", "Auction to watch (default: $"+config.EnvAuction+")")
	flag.StringVar(&f.userID, "user", "", "Participant identifier (default: $"+config.EnvUser+")")
	flag.BoolVar(&f.list, "list", false, "List running auctions and exit")
	flag.BoolVar(&f.info, "info", false, "Print the auction's details and exit")
	flag.Parse()
	return f
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func run(ctx context.Context, f flags, in io.Reader, out io.Writer) (err error) {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return err
	}
	cfg, err := config.LoadOrDefault(ctx, f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	f.auctionID = firstNonEmpty(f.auctionID, os.Getenv(config.EnvAuction))
	f.userID = firstNonEmpty(f.userID, os.Getenv(config.EnvUser))

	logger, err := observability.NewZapLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	observability.SetLogger(logger)
	defer func() { _ = logger.Sync() }()
	logger.Info("configuration initialised",
		observability.F("environment", string(cfg.Environment)),
		observability.F("base_url", cfg.Server.BaseURL))

	provider, err := telemetry.NewProvider(ctx, cfg.TelemetrySettings(serviceVersion))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry initialised", observability.F("endpoint", cfg.Telemetry.OTLPEndpoint))
	} else {
		logger.Debug("telemetry disabled")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		err = observability.AggregateErrors("shutdown", []error{err, provider.Shutdown(shutdownCtx)})
	}()

	client := api.NewClient(api.Options{
		BaseURL: apiBaseURL(cfg.Server.BaseURL),
		Timeout: cfg.Actions.RequestTimeout,
		Rate:    cfg.Actions.RequestRate,
		Burst:   cfg.Actions.RequestBurst,
		Logger:  logger,
	})

	switch {
	case f.list:
		return listAuctions(ctx, client, out)
	case f.info:
		if f.auctionID == "" {
			return errors.New("-info needs -auction")
		}
		return printAuction(ctx, client, f.auctionID, out)
	}
	return watch(ctx, cfg, f, client, logger, in, out)
}

func watch(ctx context.Context, cfg config.AppConfig, f flags, client *api.Client, logger observability.Logger, in io.Reader, out io.Writer) error {
	manager := ws.NewManager(ws.Options{
		BaseURL:             cfg.Server.BaseURL,
		AuctionID:           f.auctionID,
		UserID:              f.userID,
		ParticipantOptional: cfg.Server.ParticipantOptional,
		DialTimeout:         cfg.Connection.DialTimeout,
		WriteTimeout:        cfg.Connection.WriteTimeout,
		EventBuffer:         cfg.Connection.EventBuffer,
		BackOff:             ws.NewBackOff(cfg.BackoffSettings()),
		Dialer:              &ws.CoderDialer{ReadLimit: cfg.Connection.ReadLimit},
		Logger:              logger,
	})
	sess := session.New(manager, client, session.Options{
		AuctionID:    f.auctionID,
		UserID:       f.userID,
		EventLogSize: cfg.EventLogSize,
		Actions: action.Options{
			BidTimeout:    cfg.Actions.BidTimeout,
			BidRate:       cfg.Actions.BidRate,
			BidBurst:      cfg.Actions.BidBurst,
			StartDuration: cfg.Actions.StartDuration,
		},
		Logger: logger,
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		lifecycle conc.WaitGroup
		runErr    error
	)
	lifecycle.Go(func() {
		defer stop()
		runErr = sess.Run(runCtx)
	})
	lifecycle.Go(func() {
		render(runCtx, sess, out)
	})

	// stdin reads cannot be interrupted, so the reader is left outside the lifecycle group
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanLines(runCtx, in, lines)
	}()
	lifecycle.Go(func() {
		repl(runCtx, sess, lines, stop, out)
	})

	lifecycle.Wait()
	for _, line := range sess.Log() {
		logger.Debug("event", observability.F("line", line))
	}
	if errors.Is(runErr, context.Canceled) {
		// quit from the prompt or a signal
		return nil
	}
	return runErr
}

func render(ctx context.Context, sess *session.Session, out io.Writer) {
	last := ""
	for {
		select {
		case <-ctx.Done():
			final := formatView(sess.View())
			if final != last {
				fmt.Fprintln(out, final)
			}
			return
		case v := <-sess.Updates():
			line := formatView(v)
			if line == last {
				continue
			}
			last = line
			fmt.Fprintln(out, line)
		}
	}
}

func formatView(v session.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", v.Connection, v.State.Status)
	if v.State.HighBidder != "" {
		fmt.Fprintf(&b, " | high bid %s by %s", v.State.HighBid, v.State.HighBidder)
	} else {
		fmt.Fprintf(&b, " | high bid %s", v.State.HighBid)
	}
	fmt.Fprintf(&b, " | %s", v.Countdown)
	if v.Expired && !v.State.Finished() {
		b.WriteString(" (awaiting close)")
	}
	if v.Pending.State != action.StateNone {
		fmt.Fprintf(&b, " | bid %s %s", v.Pending.Amount, v.Pending.State)
		if v.Pending.Err != nil {
			fmt.Fprintf(&b, ": %s", userMessage(v.Pending.Err))
		}
	}
	return b.String()
}

func listAuctions(ctx context.Context, client *api.Client, out io.Writer) error {
	list, err := client.ListAuctions(ctx, api.ListOptions{Status: "RUNNING", Limit: listLimit})
	if err != nil {
		return fmt.Errorf("list auctions: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no running auctions")
		return nil
	}
	for _, a := range list {
		fmt.Fprintln(out, formatSummary(a))
	}
	return nil
}

func printAuction(ctx context.Context, client *api.Client, auctionID string, out io.Writer) error {
	a, err := client.GetAuction(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("get auction: %w", err)
	}
	fmt.Fprintln(out, formatSummary(a))
	return nil
}

func formatSummary(a api.Summary) string {
	ends := "unknown"
	if !a.EndsAt.IsZero() {
		ends = a.EndsAt.UTC().Format(time.RFC3339)
	}
	bidder := a.HighBidder
	if bidder == "" {
		bidder = "-"
	}
	return fmt.Sprintf("%s\t%s\tseller=%s\thigh=%s\tbidder=%s\tends=%s",
		a.ID, a.AuctionStatus(), a.SellerID, a.HighBid, bidder, ends)
}

func apiBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
