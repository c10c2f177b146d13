package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wolfwarden/wolfwarden/pkg/api"
)

var (
	kindStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	scopeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Italic(true)
)

// TailCommand creates a CLI command that connects to a running daemon and
// writes its event stream to stdout.
//
// Typical usage:
//
//	wolfwarden tail --user steam-12345
//	wolfwarden tail --user '*' --cursor 0 | jq -r .event.kind
//	wolfwarden tail --user steam-12345 --pretty
//
// By default it prints NDJSON frames as-is. --pretty renders a human
// readable line per event (mainly for manual inspection).
func TailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stream realtime events (NDJSON) from a running daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Daemon address (overrides config bind_addr)",
			},
			&cli.StringFlag{
				Name:     "user",
				Usage:    "User identity to stream as",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Bearer token when the daemon runs in jwt auth mode",
			},
			&cli.StringFlag{
				Name:  "cursor",
				Usage: "Replay stored events after this sequence number before going live",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Pretty-print frames instead of raw NDJSON",
				Value: false,
			},
			&cli.BoolFlag{
				Name:  "heartbeats",
				Usage: "Print heartbeat frames too",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			addr := c.String("addr")
			if addr == "" {
				cfg, err := loadConfig(c.String("config"))
				if err != nil {
					return err
				}
				addr = cfg.BindAddr
			}
			return tailEvents(ctx, tailOptions{
				addr:       addr,
				user:       c.String("user"),
				token:      c.String("token"),
				cursor:     c.String("cursor"),
				pretty:     c.Bool("pretty"),
				heartbeats: c.Bool("heartbeats"),
			})
		},
	}
}

type tailOptions struct {
	addr       string
	user       string
	token      string
	cursor     string
	pretty     bool
	heartbeats bool
}

func tailEvents(ctx context.Context, opts tailOptions) error {
	u := url.URL{Scheme: "ws", Host: opts.addr, Path: "/api/events/ws"}
	query := u.Query()
	if opts.cursor != "" {
		query.Set("cursor", opts.cursor)
	}
	if opts.token != "" {
		query.Set("token", opts.token)
	}
	u.RawQuery = query.Encode()

	header := http.Header{}
	if opts.token == "" {
		header.Set(api.DefaultUserHeader, opts.user)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connecting to %s: %w (status %s)", u.Host, err, resp.Status)
		}
		return fmt.Errorf("connecting to %s: %w", u.Host, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	fmt.Fprintf(os.Stderr, "Tailing events from %s as %s\n", opts.addr, opts.user)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("reading stream: %w", err)
		}

		var frame api.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed frame: %v\n", err)
			continue
		}
		if frame.Type == api.FrameHeartbeat && !opts.heartbeats {
			continue
		}

		if opts.pretty {
			printPretty(frame)
			continue
		}
		fmt.Println(string(data))
	}
}

func printPretty(frame api.Frame) {
	switch frame.Type {
	case api.FrameSnapshot:
		if frame.Snapshot == nil {
			return
		}
		fmt.Printf("%s %s clients=%d pairings=%d sessions=%d\n",
			seqStyle.Render(fmt.Sprintf("#%d", frame.Seq)),
			kindStyle.Render("Snapshot"),
			len(frame.Snapshot.Clients),
			len(frame.Snapshot.Pairings),
			len(frame.Snapshot.Sessions))

	case api.FrameEvent:
		if frame.Event == nil {
			return
		}
		title := cases.Title(language.English).String(strings.ReplaceAll(string(frame.Event.Kind), "_", " "))
		fmt.Printf("%s %s %s %s\n",
			seqStyle.Render(fmt.Sprintf("#%d", frame.Event.Seq)),
			kindStyle.Render(title),
			scopeStyle.Render(frame.Event.UserScope),
			frame.Event.OccurredAt.Format(time.RFC3339))

	case api.FrameHeartbeat:
		fmt.Println(seqStyle.Render("heartbeat"))

	case api.FrameNotice:
		fmt.Println(noticeStyle.Render("notice: " + frame.Message))
	}
}
