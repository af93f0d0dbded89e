package commands

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
)

// Sentinel errors for CLI validation.
var (
	errChipRequired    = errors.New("--chip flag is required")
	errUnknownProtocol = errors.New("unknown protocol, expected fira, ccc, or aliro")
	errAddressRequired = errors.New("--address flag is required")
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage UWB ranging sessions",
	}

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionAddCmd())
	cmd.AddCommand(sessionStartCmd())
	cmd.AddCommand(sessionStopCmd())
	cmd.AddCommand(sessionReconfigureCmd())
	cmd.AddCommand(sessionSendDataCmd())
	cmd.AddCommand(sessionDeleteCmd())

	return cmd
}

// --- session list ---

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all ranging sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var sessions []sessionView
			if err := client.do(context.Background(), "GET", "/v1/sessions/", nil, &sessions); err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out, err := formatSessions(sessions, outputFormat)
			if err != nil {
				return fmt.Errorf("format sessions: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- session show ---

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <handle>",
		Short: "Show details of a ranging session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := parseHandle(args[0])
			if err != nil {
				return err
			}

			var session sessionView
			if err := client.do(context.Background(), "GET", "/v1/sessions/"+handle, nil, &session); err != nil {
				return fmt.Errorf("get session: %w", err)
			}

			out, err := formatSession(session, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- session add ---

type openRequest struct {
	Handle        uint64 `json:"handle,omitempty"`
	SessionID     uint32 `json:"session_id"`
	ChipID        string `json:"chip_id"`
	Protocol      string `json:"protocol"`
	Role          string `json:"role"`
	UID           uint32 `json:"uid"`
	Privileged    bool   `json:"privileged"`
	StackPriority uint8  `json:"stack_priority"`
}

func sessionAddCmd() *cobra.Command {
	var (
		chip       string
		sessionID  uint32
		protocol   string
		role       string
		uid        uint32
		privileged bool
		priority   uint8
		handle     uint64
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Open a new ranging session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if chip == "" {
				return errChipRequired
			}
			if err := validateProtocol(protocol); err != nil {
				return err
			}

			if handle == 0 {
				handle = mintHandle()
			}

			req := openRequest{
				Handle:        handle,
				SessionID:     sessionID,
				ChipID:        chip,
				Protocol:      protocol,
				Role:          role,
				UID:           uid,
				Privileged:    privileged,
				StackPriority: priority,
			}

			var resp struct {
				Handle uint64 `json:"handle"`
			}
			if err := client.do(context.Background(), "POST", "/v1/sessions/", req, &resp); err != nil {
				return fmt.Errorf("open session: %w", err)
			}

			fmt.Printf("Session %d opened.\n", resp.Handle)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&chip, "chip", "", "UWBS chip id (required)")
	flags.Uint32Var(&sessionID, "session-id", 0, "32-bit ranging session identifier")
	flags.StringVar(&protocol, "protocol", "fira", "protocol: fira, ccc, or aliro")
	flags.StringVar(&role, "role", "controller", "device role: controller or controlee")
	flags.Uint32Var(&uid, "uid", 0, "owning application uid")
	flags.BoolVar(&privileged, "privileged", false, "leave this session out of fg/bg priority tracking")
	flags.Uint8Var(&priority, "priority", 0, "stack priority (0 defers to the foreground default)")
	flags.Uint64Var(&handle, "handle", 0, "session handle (0 mints a new one client-side)")

	return cmd
}

// mintHandle derives a client-side session handle from a globally unique,
// roughly time-sortable id, so a handle is available to the operator before
// the daemon's response round-trips back.
func mintHandle() uint64 {
	id := xid.New()
	b := id.Bytes()
	return binary.BigEndian.Uint64(b[:8])
}

func validateProtocol(p string) error {
	switch p {
	case "fira", "ccc", "aliro":
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownProtocol, p)
	}
}

// --- session start / stop ---

func sessionStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <handle>",
		Short: "Start ranging on an opened session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := parseHandle(args[0])
			if err != nil {
				return err
			}
			if err := client.do(context.Background(), "POST", "/v1/sessions/"+handle+"/start", nil, nil); err != nil {
				return fmt.Errorf("start ranging: %w", err)
			}
			fmt.Printf("Session %s started.\n", handle)
			return nil
		},
	}
}

func sessionStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <handle>",
		Short: "Stop ranging on an active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := parseHandle(args[0])
			if err != nil {
				return err
			}
			if err := client.do(context.Background(), "POST", "/v1/sessions/"+handle+"/stop", nil, nil); err != nil {
				return fmt.Errorf("stop ranging: %w", err)
			}
			fmt.Printf("Session %s stopped.\n", handle)
			return nil
		},
	}
}

// --- session reconfigure ---

type reconfigureBody struct {
	AddControlees []string `json:"add_controlees"`
	RemoveAddrs   []string `json:"remove_addrs"`
	StackPriority *uint8   `json:"stack_priority,omitempty"`
}

func sessionReconfigureCmd() *cobra.Command {
	var (
		addControlees []string
		removeAddrs   []string
		priority      uint8
		setPriority   bool
	)

	cmd := &cobra.Command{
		Use:   "reconfigure <handle>",
		Short: "Add/remove controlees or change stack priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := parseHandle(args[0])
			if err != nil {
				return err
			}

			body := reconfigureBody{AddControlees: addControlees, RemoveAddrs: removeAddrs}
			if setPriority {
				body.StackPriority = &priority
			}

			if err := client.do(context.Background(), "POST", "/v1/sessions/"+handle+"/reconfigure", body, nil); err != nil {
				return fmt.Errorf("reconfigure session: %w", err)
			}
			fmt.Printf("Session %s reconfigured.\n", handle)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&addControlees, "add-controlee", nil, "controlee address to add (short:xxxx or ext:xxxxxxxxxxxxxxxx), repeatable")
	flags.StringSliceVar(&removeAddrs, "remove-addr", nil, "controlee address to remove, repeatable")
	flags.Uint8Var(&priority, "priority", 0, "new stack priority")
	flags.BoolVar(&setPriority, "set-priority", false, "apply --priority (omit to leave priority unchanged)")

	return cmd
}

// --- session send-data ---

type sendDataBody struct {
	Address string `json:"address"`
	Payload []byte `json:"payload"`
}

func sessionSendDataCmd() *cobra.Command {
	var (
		address string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "send-data <handle>",
		Short: "Send an application data message to a controlee",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := parseHandle(args[0])
			if err != nil {
				return err
			}
			if address == "" {
				return errAddressRequired
			}

			body := sendDataBody{Address: address, Payload: []byte(payload)}
			if err := client.do(context.Background(), "POST", "/v1/sessions/"+handle+"/data", body, nil); err != nil {
				return fmt.Errorf("send data: %w", err)
			}
			fmt.Printf("Data queued for session %s.\n", handle)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&address, "address", "", "destination controlee address (required)")
	flags.StringVar(&payload, "payload", "", "payload text")

	return cmd
}

// --- session delete ---

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <handle>",
		Short: "Deinitialize a ranging session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := parseHandle(args[0])
			if err != nil {
				return err
			}
			if err := client.do(context.Background(), "DELETE", "/v1/sessions/"+handle, nil, nil); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			fmt.Printf("Session %s deleted.\n", handle)
			return nil
		},
	}
}

// parseHandle validates the identifier argument as a uint64 session handle
// and returns its canonical decimal string form for use in API paths.
func parseHandle(identifier string) (string, error) {
	v, err := strconv.ParseUint(identifier, 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse handle %q: %w", identifier, err)
	}
	return strconv.FormatUint(v, 10), nil
}
