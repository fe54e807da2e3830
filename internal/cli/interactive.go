package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"meetrelay/internal/client"
	rtc "meetrelay/internal/infrastructure/webrtc"
)

var errQuit = errors.New("quit")

// participant is the part of client.Session the prompt drives.
type participant interface {
	Chat(ctx context.Context, text string) error
	SetAudio(ctx context.Context, enabled bool) error
	SetVideo(ctx context.Context, enabled bool) error
	ShareScreen(ctx context.Context, path string) error
	StopScreenShare(ctx context.Context) error
	Links() []rtc.LinkInfo
}

const promptHelp = `commands:
  <text>              send a chat message
  /audio on|off       unmute or mute the microphone
  /video on|off       enable or disable the camera
  /share <file.ivf>   share a VP8 IVF file instead of the camera
  /unshare            stop sharing
  /links              show peer links
  /help               show this help
  /quit               leave the room`

// runPrompt reads commands from in until EOF, /quit or ctx ends.
func runPrompt(ctx context.Context, in io.Reader, out io.Writer, p participant) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			err := execLine(ctx, out, p, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintln(out, "!", err)
			}
		}
	}
}

func execLine(ctx context.Context, out io.Writer, p participant, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return p.Chat(ctx, line)
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(out, promptHelp)
		return nil
	case "/audio", "/video":
		enabled, err := parseToggle(args)
		if err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
		if cmd == "/audio" {
			return p.SetAudio(ctx, enabled)
		}
		return p.SetVideo(ctx, enabled)
	case "/share":
		if len(args) != 1 {
			return fmt.Errorf("usage: /share <file.ivf>")
		}
		return p.ShareScreen(ctx, args[0])
	case "/unshare":
		return p.StopScreenShare(ctx)
	case "/links":
		printLinks(out, p.Links())
		return nil
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
}

func parseToggle(args []string) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("expected on or off")
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", args[0])
}

func printLinks(out io.Writer, links []rtc.LinkInfo) {
	if len(links) == 0 {
		fmt.Fprintln(out, "no peers")
		return
	}
	for _, l := range links {
		name := l.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(out, "%s  %-12s %-9s %-16s rx=%dB lost=%d nack=%d pli=%d\n",
			l.ID, name, l.Role, l.State,
			l.Stats.BytesReceived, l.Stats.PacketsLost, l.Stats.NACKReceived, l.Stats.PLIReceived)
	}
}

// formatEvent renders a session event as one transcript line; empty means
// nothing to show.
func formatEvent(e client.Event) string {
	ts := e.At.Format("15:04:05")
	who := e.Name
	if who == "" {
		who = string(e.Peer)
	}
	switch e.Kind {
	case client.EventJoined:
		return fmt.Sprintf("[%s] joined as %s", ts, e.Peer)
	case client.EventPeerJoined:
		return fmt.Sprintf("[%s] * %s joined", ts, who)
	case client.EventPeerLeft:
		return fmt.Sprintf("[%s] * %s left", ts, who)
	case client.EventChat:
		return fmt.Sprintf("[%s] <%s> %s", ts, who, e.Text)
	case client.EventMedia:
		return fmt.Sprintf("[%s] * %s turned %s %s", ts, who, e.Media, onOff(e.Enabled))
	case client.EventLinkState:
		return fmt.Sprintf("[%s] link %s: %s", ts, who, e.State)
	case client.EventMediaDegraded:
		return fmt.Sprintf("[%s] ! sending placeholder media: %v", ts, e.Err)
	case client.EventError:
		return fmt.Sprintf("[%s] ! %v", ts, e.Err)
	}
	return ""
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
