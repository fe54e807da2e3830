package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"meetrelay/internal/client"
	"meetrelay/internal/core/domain"
	rtc "meetrelay/internal/infrastructure/webrtc"
	"meetrelay/pkg/validation"

	"github.com/spf13/cobra"
)

type joinOptions struct {
	server string
	name   string
	audio  string
	video  string
}

func newJoinCommand(root *rootOptions) *cobra.Command {
	opts := &joinOptions{}

	cmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room and chat from the terminal",
		Long: `Join a room as a headless participant. Every other participant gets a
direct WebRTC link carrying audio and video read from the given files
(Ogg/Opus and IVF/VP8); without files silence and no video are sent.

Lines typed on stdin are sent as chat; /help lists the commands.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), root, opts, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.server, "server", "s", "", "signaling server URL (defaults to client.server_url)")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "display name shown to the room")
	cmd.Flags().StringVar(&opts.audio, "audio", "", "Ogg/Opus file to send as microphone")
	cmd.Flags().StringVar(&opts.video, "video", "", "IVF/VP8 file to send as camera")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runJoin(ctx context.Context, root *rootOptions, opts *joinOptions, room string, in io.Reader, out io.Writer) error {
	if err := validation.ValidateRoomID(room); err != nil {
		return err
	}

	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	server := opts.server
	if server == "" {
		server = cfg.Client.ServerURL
	}

	session, err := client.Join(ctx, client.SessionConfig{
		ServerURL:   server,
		RoomID:      domain.RoomID(room),
		DisplayName: opts.name,
		DialTimeout: cfg.Client.DialTimeout,
		Engine:      rtc.ConfigFrom(cfg),
		AudioPath:   opts.audio,
		VideoPath:   opts.video,
		Sink:        rtc.DiscardSink{},
	}, logger)
	if err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for e := range session.Events() {
			if line := formatEvent(e); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}()

	// The prompt ends with the session when the server goes away.
	promptCtx, stopPrompt := context.WithCancel(ctx)
	defer stopPrompt()
	go func() {
		<-printed
		stopPrompt()
	}()

	promptErr := runPrompt(promptCtx, in, out, session)

	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Leave(leaveCtx); err != nil {
		logger.Debugw("leave failed", "error", err)
	}

	select {
	case <-printed:
	case <-time.After(2 * time.Second):
	}

	if promptErr != nil && promptCtx.Err() == nil {
		return promptErr
	}
	return nil
}
