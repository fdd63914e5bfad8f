package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/streamclient"
)

func scoreText(score *int) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *score)
}

func render(w io.Writer, matches []domain.LiveMatch) {
	fmt.Fprintf(w, "[%s] %d live\n", time.Now().Format("15:04:05"), len(matches))
	for _, m := range matches {
		fmt.Fprintf(w, "  %-24s %2s - %-2s %-24s %s\n",
			m.HomeTeam,
			scoreText(m.HomeScore),
			scoreText(m.AwayScore),
			m.AwayTeam,
			m.Status,
		)
	}
}

func newDialer(server, transport string) (streamclient.Dialer, error) {
	server = strings.TrimRight(server, "/")
	switch transport {
	case "sse":
		return &streamclient.SSEDialer{URL: server + "/api/live/stream"}, nil
	case "ws":
		wsURL := "ws" + strings.TrimPrefix(server, "http")
		return &streamclient.WSDialer{URL: wsURL + "/ws"}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q, want sse or ws", transport)
	}
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Live score server base URL")
	transport := flag.String("transport", "sse", "Stream transport: sse or ws")
	attempts := flag.Int("attempts", 5, "Reconnect attempts before giving up")
	verbose := flag.Bool("v", false, "Log connection details")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dialer, err := newDialer(*server, *transport)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	terminal := make(chan error, 1)
	consumer := streamclient.New(streamclient.Config{
		Dialer:      dialer,
		MaxAttempts: *attempts,
		Logger:      logger,
		Handlers: streamclient.Handlers{
			OnState: func(s streamclient.State) {
				fmt.Fprintf(os.Stderr, "stream %s\n", s)
			},
			OnMatches: func(matches []domain.LiveMatch) {
				render(os.Stdout, matches)
			},
			OnStatus: func(status domain.PollingStatus) {
				fmt.Fprintf(os.Stderr, "polling active=%t live=%d polls=%d errors=%d budget_exhausted=%t\n",
					status.IsActive, status.CurrentlyLive, status.TotalPolls, status.ErrorCount, status.BudgetExhausted)
			},
			OnError: func(message string) {
				fmt.Fprintf(os.Stderr, "server error: %s\n", message)
			},
			OnTerminal: func(err error) {
				terminal <- err
			},
		},
	})
	consumer.Connect(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		consumer.Disconnect()
	case err := <-terminal:
		consumer.Disconnect()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
