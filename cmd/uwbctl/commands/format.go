package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// sessionView mirrors the admin API's session JSON shape (internal/server's
// sessionView), decoded here rather than shared via import since the CLI
// binary does not depend on the daemon's internal packages.
type sessionView struct {
	Handle     uint64 `json:"handle"`
	SessionID  uint32 `json:"session_id"`
	ChipID     string `json:"chip_id"`
	Protocol   string `json:"protocol"`
	State      string `json:"state"`
	UID        uint32 `json:"uid"`
	Controlees int    `json:"controlees"`
}

// eventView mirrors the admin API's ndjson event shape (internal/server's Event).
type eventView struct {
	Handle    uint64 `json:"handle"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
	Address   string `json:"address,omitempty"`
	Timestamp string `json:"timestamp"`
}

// formatSessions renders a slice of sessions in the requested format.
func formatSessions(sessions []sessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(sessions)
	case formatTable:
		return formatSessionsTable(sessions)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSession renders a single session in the requested format.
func formatSession(session sessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(session)
	case formatTable:
		return formatSessionDetail(session), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvent renders a streamed session event in the requested format.
func formatEvent(event eventView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(event)
	case formatTable:
		return formatEventTable(event), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatSessionsTable(sessions []sessionView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HANDLE\tSESSION-ID\tCHIP\tPROTOCOL\tSTATE\tUID\tCONTROLEES")

	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\t%d\n",
			s.Handle,
			s.SessionID,
			valueOr(s.ChipID),
			valueOr(s.Protocol),
			valueOr(s.State),
			s.UID,
			s.Controlees,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

func formatSessionDetail(s sessionView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Handle:\t%d\n", s.Handle)
	fmt.Fprintf(w, "Session ID:\t%d\n", s.SessionID)
	fmt.Fprintf(w, "Chip:\t%s\n", valueOr(s.ChipID))
	fmt.Fprintf(w, "Protocol:\t%s\n", valueOr(s.Protocol))
	fmt.Fprintf(w, "State:\t%s\n", valueOr(s.State))
	fmt.Fprintf(w, "UID:\t%d\n", s.UID)
	fmt.Fprintf(w, "Controlees:\t%d\n", s.Controlees)

	_ = w.Flush()
	return buf.String()
}

func formatEventTable(e eventView) string {
	return fmt.Sprintf("[%s] handle=%d  %s  reason=%s  addr=%s",
		valueOr(e.Timestamp),
		e.Handle,
		e.Kind,
		valueOr(e.Reason),
		valueOr(e.Address),
	)
}

// --- JSON formatting ---

func formatJSONValue(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data), nil
}

func valueOr(s string) string {
	if s == "" {
		return valueNA
	}
	return s
}
