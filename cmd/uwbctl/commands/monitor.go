package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	var handleArg string

	cmd := &cobra.Command{
		Use:   "monitor <handle>",
		Short: "Stream ranging session events",
		Long:  "Connects to the uwbd daemon and streams one session's events until interrupted (Ctrl+C).",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handleArg = args[0]
			handle, err := parseHandle(handleArg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return streamEvents(ctx, handle)
		},
	}

	return cmd
}

// streamEvents issues a long-lived GET against the session's event endpoint
// and decodes the ndjson response body one event at a time, printing each
// as it arrives until the context is cancelled or the daemon closes the
// connection.
func streamEvents(ctx context.Context, handle string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", client.baseURL+"/v1/sessions/"+handle+"/events", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if client.token != "" {
		req.Header.Set("Authorization", "Bearer "+client.token)
	}

	resp, err := client.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("watch session events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}

	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		var event eventView
		if err := dec.Decode(&event); err != nil {
			// Context cancellation (Ctrl+C) surfaces as a read error on the
			// underlying connection, not as context.Canceled directly.
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("stream error: %w", err)
		}

		out, fmtErr := formatEvent(event, outputFormat)
		if fmtErr != nil {
			return fmt.Errorf("format event: %w", fmtErr)
		}
		fmt.Println(out)
	}
}
