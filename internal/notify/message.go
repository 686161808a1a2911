package notify

import (
	"fmt"
	"strings"
	"time"
)

// FormatFallbackMessage creates the body sent when real-time delivery stops.
func FormatFallbackMessage(client string, queued int, reason error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Client: %s\n", client))
	sb.WriteString(fmt.Sprintf("Queued messages: %d\n", queued))
	sb.WriteString("Real-time updates are paused; reconnect probes continue in the background.")

	if reason != nil {
		sb.WriteString(fmt.Sprintf("\n\nReason: %v", reason))
	}

	return sb.String()
}

// FormatRecoveredMessage creates the body sent when the client recovers.
func FormatRecoveredMessage(client string, delivered, dropped int, outage time.Duration) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Client: %s\n", client))
	sb.WriteString(fmt.Sprintf("Delivered: %d\n", delivered))
	sb.WriteString(fmt.Sprintf("Dropped: %d\n", dropped))
	sb.WriteString(fmt.Sprintf("Outage: %s", outage.Round(time.Second)))

	return sb.String()
}

// FormatGaveUpMessage creates the body sent when reconnecting stops.
func FormatGaveUpMessage(client string, attempts int, err error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Client: %s\n", client))
	sb.WriteString(fmt.Sprintf("Attempts: %d", attempts))

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	return sb.String()
}
