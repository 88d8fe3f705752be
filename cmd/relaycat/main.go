// Package main is a terminal client for the relay: it joins a room, sends
// each stdin line as a message, and prints every event it receives.
//
// Lines starting with "/status " set a status; "/react N EMOJI" reacts to
// message N.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/Tyrowin/roomrelay/internal/relayclient"
)

func main() {
	url := flag.String("url", "ws://localhost:3001/ws", "relay WebSocket URL")
	room := flag.String("room", "lobby", "room to join")
	name := flag.String("name", "", "display name")
	origin := flag.String("origin", "http://localhost:3000", "Origin header sent on the handshake")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *url, *room, *name, *origin, os.Stdin, os.Stdout); err != nil {
		logger.Error("relaycat", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url, room, name, origin string, in io.Reader, out io.Writer) error {
	opts := relayclient.DefaultOptions()
	opts.Origin = origin

	client, err := relayclient.Dial(ctx, url, opts)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.Join(ctx, room, name); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			ev, err := client.Next(ctx)
			if err != nil {
				readErr <- err
				return
			}
			_, _ = fmt.Fprintln(out, formatEvent(ev))
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := sendLine(ctx, client, line); err != nil {
				return err
			}
		}
	}
}

func sendLine(ctx context.Context, client *relayclient.Client, line string) error {
	switch {
	case strings.TrimSpace(line) == "":
		return nil
	case strings.HasPrefix(line, "/status "):
		return client.SetStatus(ctx, strings.TrimPrefix(line, "/status "))
	case strings.HasPrefix(line, "/react "):
		fields := strings.Fields(strings.TrimPrefix(line, "/react "))
		if len(fields) != 2 {
			return nil
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil
		}
		return client.React(ctx, index, fields[1])
	default:
		return client.SendMessage(ctx, line)
	}
}

func formatEvent(ev relayclient.Event) string {
	switch ev.Type {
	case "users":
		return "* in room: " + strings.Join(ev.Users, ", ")
	case "message":
		return ev.UserName + ": " + ev.Text
	case "typing":
		return "* " + ev.UserName + " is typing"
	case "reaction":
		return fmt.Sprintf("* reaction %s on #%s", ev.Emoji, ev.TargetIndex)
	case "status":
		return "* " + ev.UserName + " is " + ev.Text
	default:
		return string(ev.Raw)
	}
}
