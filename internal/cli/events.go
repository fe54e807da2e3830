package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/infrastructure/distributed"
	"meetrelay/pkg/utils"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type eventsOptions struct {
	addr    string
	channel string
	room    string
	asJSON  bool
}

func newEventsCommand(root *rootOptions) *cobra.Command {
	opts := &eventsOptions{}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow room lifecycle events published by signal servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEvents(cmd.Context(), root, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.addr, "redis", "", "Redis address (defaults to redis.address)")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "pub/sub channel (defaults to redis.channel)")
	cmd.Flags().StringVar(&opts.room, "room", "", "only show events for this room")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print raw JSON envelopes")
	return cmd
}

func runEvents(ctx context.Context, root *rootOptions, opts *eventsOptions, out io.Writer) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	addr := opts.addr
	if addr == "" {
		addr = cfg.Redis.Address
	}
	channel := opts.channel
	if channel == "" {
		channel = cfg.Redis.Channel
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	bus := distributed.NewEventBus(rdb, channel, utils.GenerateID("meetctl"), logger)
	err = bus.Subscribe(ctx, func(env distributed.Envelope) error {
		if opts.room != "" && string(env.Event.RoomID) != opts.room {
			return nil
		}
		return printEnvelope(out, env, opts.asJSON)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printEnvelope(out io.Writer, env distributed.Envelope, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(out).Encode(env)
	}
	_, err := fmt.Fprintln(out, formatRoomEvent(env.Event, env.InstanceID))
	return err
}

func formatRoomEvent(e domain.RoomEvent, instance string) string {
	ts := e.At.Format("2006-01-02 15:04:05")
	switch e.Type {
	case domain.EventParticipantJoined, domain.EventParticipantLeft:
		return fmt.Sprintf("%s %-18s room=%s participant=%s name=%q size=%d via=%s",
			ts, e.Type, e.RoomID, e.ParticipantID, e.DisplayName, e.Participants, instance)
	default:
		return fmt.Sprintf("%s %-18s room=%s size=%d via=%s", ts, e.Type, e.RoomID, e.Participants, instance)
	}
}
