// Command beacon-track sends analytics events read from stdin through the
// tracker client. Each line is one command:
//
//	nav <path>
//	action <name> [key=value ...]
//	identify <user id> [key=value ...]
//	error <message>
//	fg | bg
//	flush
//	quit
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"example.com/beacon/tracker"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := pflag.NewFlagSet("beacon-track", pflag.ContinueOnError)
	var (
		url           = fs.String("url", envOr("BEACON_URL", "http://localhost:8080"), "ingestion server URL")
		apiKey        = fs.String("api-key", os.Getenv("BEACON_API_KEY"), "tenant API key")
		appName       = fs.String("app-name", "beacon-track", "name of the local data directory")
		appVersion    = fs.String("app-version", "", "application version sent with every batch")
		memory        = fs.Bool("memory", false, "keep the identify id in memory only")
		flushInterval = fs.Duration("flush-interval", tracker.DefaultFlushInterval, "time between pushes")
		verbose       = fs.BoolP("verbose", "v", false, "debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *apiKey == "" {
		return xerrors.New("--api-key or BEACON_API_KEY is required")
	}

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if *verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store tracker.Storage
	if !*memory {
		store = tracker.ResolveStorage(logger, *appName)
	}
	lifecycle := tracker.NewManualSource()

	client, err := tracker.New(ctx, tracker.Options{
		APIKey:        *apiKey,
		URL:           *url,
		AppVersion:    *appVersion,
		Storage:       store,
		Lifecycle:     lifecycle,
		Logger:        logger,
		FlushInterval: *flushInterval,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	_, _ = fmt.Fprintf(stdout, "identify id %s\n", client.IdentifyID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return flushOnExit(client)
		case line, ok := <-lines:
			if !ok {
				return flushOnExit(client)
			}
			quit, err := handle(ctx, client, lifecycle, line)
			if err != nil {
				_, _ = fmt.Fprintln(stdout, err)
				continue
			}
			if quit {
				return flushOnExit(client)
			}
		}
	}
}

func handle(ctx context.Context, client *tracker.Client, lifecycle *tracker.ManualSource, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, rest := fields[0], fields[1:]
	switch cmd {
	case "nav":
		if len(rest) < 1 {
			return false, xerrors.New("usage: nav <path>")
		}
		client.Navigation(rest[0], parseProps(rest[1:]))
	case "action":
		if len(rest) < 1 {
			return false, xerrors.New("usage: action <name> [key=value ...]")
		}
		client.Action(rest[0], parseProps(rest[1:]))
	case "identify":
		if len(rest) < 1 {
			return false, xerrors.New("usage: identify <user id> [key=value ...]")
		}
		client.Identify(rest[0], parseProps(rest[1:]))
	case "error":
		if len(rest) < 1 {
			return false, xerrors.New("usage: error <message>")
		}
		client.CaptureError(xerrors.New(strings.Join(rest, " ")), nil)
	case "fg":
		lifecycle.SetActive(true)
	case "bg":
		lifecycle.SetActive(false)
	case "flush":
		client.Flush(ctx)
	case "quit", "exit":
		return true, nil
	default:
		return false, xerrors.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

func parseProps(pairs []string) tracker.Properties {
	if len(pairs) == 0 {
		return nil
	}
	props := make(tracker.Properties, len(pairs))
	for _, p := range pairs {
		k, v, _ := strings.Cut(p, "=")
		props[k] = v
	}
	return props
}

func flushOnExit(client *tracker.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client.Flush(ctx)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
