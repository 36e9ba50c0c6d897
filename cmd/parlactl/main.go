package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/parla/internal/api"
	"github.com/matheus3301/parla/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "device profile (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		cmdWatch(ctx, c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "create":
		cmdCreate(ctx, c, args[1:], *jsonFlag)
	case "join":
		requireArgs(args, 2, "join <code>")
		cmdJoin(ctx, c, args[1], *jsonFlag)
	case "leave":
		_, err := c.Session.LeaveSession(ctx, &api.LeaveSessionRequest{})
		check(err)
		fmt.Println("Left session.")
	case "send":
		requireArgs(args, 2, "send <text>")
		cmdSend(ctx, c, strings.Join(args[1:], " "), *jsonFlag)
	case "messages":
		cmdMessages(ctx, c, *jsonFlag)
	case "react":
		requireArgs(args, 3, "react <message-id> <emoji>")
		resp, err := c.Message.ToggleReaction(ctx, &api.ToggleReactionRequest{MessageID: args[1], Emoji: args[2]})
		check(err)
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		if resp.Active {
			fmt.Printf("Reacted %s\n", args[2])
		} else {
			fmt.Printf("Removed %s\n", args[2])
		}
	case "activity":
		requireArgs(args, 2, "activity <idle|recording|processing|typing>")
		_, err := c.Message.SetActivity(ctx, &api.SetActivityRequest{Activity: args[1]})
		check(err)
	case "retry":
		requireArgs(args, 2, "retry <message-id>")
		_, err := c.Message.RetryMessage(ctx, &api.RetryMessageRequest{MessageID: args[1]})
		check(err)
		fmt.Println("Message re-queued.")
	case "reconnect":
		resp, err := c.Session.Reconnect(ctx, &api.ReconnectRequest{})
		check(err)
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		fmt.Printf("Connection: %s\n", resp.Connection)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: parlactl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                 Show connection, session and partner")
	fmt.Fprintln(os.Stderr, "  create [--qr]          Host a new session and print its code")
	fmt.Fprintln(os.Stderr, "  join <code>            Join a session by its 4-digit code")
	fmt.Fprintln(os.Stderr, "  leave                  Leave the active session")
	fmt.Fprintln(os.Stderr, "  send <text>            Translate and send a message")
	fmt.Fprintln(os.Stderr, "  messages               List the conversation")
	fmt.Fprintln(os.Stderr, "  react <id> <emoji>     Toggle a reaction")
	fmt.Fprintln(os.Stderr, "  activity <activity>    Set idle, recording, processing or typing")
	fmt.Fprintln(os.Stderr, "  retry <id>             Retry a failed message")
	fmt.Fprintln(os.Stderr, "  reconnect              Reconnect the realtime channel now")
	fmt.Fprintln(os.Stderr, "  watch [namespace...]   Stream events")
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: parlactl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.Session.GetStatus(ctx, &api.GetStatusRequest{})
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile:    %s\n", resp.Profile)
	fmt.Printf("Uptime:     %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Connection: %s\n", resp.Connection)
	if resp.Session == nil {
		fmt.Println("Session:    none")
		return
	}
	fmt.Printf("Session:    %s (code %s, %s)\n", resp.Session.SessionID, resp.Session.Code, resp.Session.Role)
	if resp.Session.ExpiresAtMs > 0 {
		fmt.Printf("Expires:    %s\n", time.UnixMilli(resp.Session.ExpiresAtMs).Format(time.RFC3339))
	}
	switch {
	case resp.Partner != nil:
		state := "offline"
		if resp.Partner.Online {
			state = "online, " + resp.Partner.Activity
		}
		fmt.Printf("Partner:    %s (%s)\n", resp.Partner.UserID, state)
	case resp.Session.PartnerID != "":
		fmt.Printf("Partner:    %s (offline)\n", resp.Session.PartnerID)
	default:
		fmt.Println("Partner:    waiting")
	}
	fmt.Printf("Activity:   %s\n", resp.LocalActivity)
	fmt.Printf("Messages:   %d\n", resp.MessageCount)
}

func cmdCreate(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	qr := fs.Bool("qr", false, "print the join code as a QR code")
	_ = fs.Parse(args)

	resp, err := c.Session.CreateSession(ctx, &api.CreateSessionRequest{})
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Session code: %s\n", resp.Session.Code)
	if *qr {
		fmt.Printf("\n%s\n", renderQR(joinURI(resp.Session.Code)))
	}
}

func cmdJoin(ctx context.Context, c *api.Client, code string, jsonOut bool) {
	resp, err := c.Session.JoinSession(ctx, &api.JoinSessionRequest{Code: code})
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Joined session %s", resp.Session.SessionID)
	if resp.Session.PartnerID != "" {
		fmt.Printf(" with %s", resp.Session.PartnerID)
	}
	fmt.Println()
}

func cmdSend(ctx context.Context, c *api.Client, text string, jsonOut bool) {
	resp, err := c.Message.SendText(ctx, &api.SendTextRequest{Text: text})
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Queued %s\n", resp.Message.ID)
}

func cmdMessages(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.Message.ListMessages(ctx, &api.ListMessagesRequest{})
	check(err)
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Messages) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range resp.Messages {
		text := m.Translation
		if text == "" {
			text = m.Original
		}
		fmt.Printf("%4d  %-10s %-12s %s", m.DisplayOrder, m.Status, m.SenderID, text)
		if m.Translation != "" && m.Translation != m.Original {
			fmt.Printf("  (%s)", m.Original)
		}
		for emoji, users := range m.Reactions {
			fmt.Printf("  %s%d", emoji, len(users))
		}
		fmt.Printf("  [%s]\n", m.ID)
	}
}

func cmdWatch(ctx context.Context, c *api.Client, namespaces []string, jsonOut bool) {
	stream, err := c.Session.WatchEvents(ctx, &api.WatchEventsRequest{Namespaces: namespaces})
	check(err)
	for {
		e, err := stream.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return
		}
		check(err)
		if jsonOut {
			outputJSON(e)
			continue
		}
		fmt.Printf("%s  %-28s %s\n", time.UnixMilli(e.OccurredAtMs).Format("15:04:05.000"), e.Kind, e.Payload)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
