package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	httphandler "meetrelay/internal/handlers/http"
	"meetrelay/pkg/validation"

	"github.com/spf13/cobra"
)

type roomsOptions struct {
	server  string
	timeout time.Duration
}

func newRoomsCommand(root *rootOptions) *cobra.Command {
	opts := &roomsOptions{}

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List the rooms a signal server is hosting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			server := opts.server
			if server == "" {
				server = cfg.Client.ServerURL
			}
			list, err := fetchRooms(cmd.Context(), http.DefaultClient, server, opts.timeout)
			if err != nil {
				return err
			}
			return printRooms(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().StringVarP(&opts.server, "server", "s", "", "server URL; ws:// and wss:// are mapped to http:// and https://")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

// apiBase turns a signaling URL such as ws://host:8080/ws into the HTTP
// origin serving the API.
func apiBase(server string) (string, error) {
	if err := validation.ValidateURL(server); err != nil {
		return "", err
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.Scheme + "://" + u.Host, nil
}

func fetchRooms(ctx context.Context, hc *http.Client, server string, timeout time.Duration) (httphandler.RoomList, error) {
	var list httphandler.RoomList

	base, err := apiBase(server)
	if err != nil {
		return list, fmt.Errorf("server URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/rooms", nil)
	if err != nil {
		return list, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return list, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return list, fmt.Errorf("list rooms: %s %s: %s", resp.Status, apiErr.Error, apiErr.Message)
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return list, fmt.Errorf("decode rooms: %w", err)
	}
	return list, nil
}

func printRooms(out io.Writer, list httphandler.RoomList) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tPARTICIPANTS\tMESSAGES\tCREATED")
	for _, r := range list.Rooms {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", r.ID, r.Participants, r.Messages, r.CreatedAt.Local().Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d rooms, %d participants\n", list.TotalRooms, list.TotalParticipants)
	return err
}
