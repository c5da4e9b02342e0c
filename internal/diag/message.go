package diag

import (
	"fmt"
	"strings"
	"time"
)

// FormatStallMessage creates a stalled-pipeline alert body.
func FormatStallMessage(s Stall) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Head: %s %s\n", s.Message.Type, s.Message.Operation))
	sb.WriteString(fmt.Sprintf("Entities: %v\n", s.Message.UIDs()))
	sb.WriteString(fmt.Sprintf("Parent: %d\n", s.Message.ParentCollection))
	sb.WriteString(fmt.Sprintf("In pipeline: %d\n", s.Pipeline))
	sb.WriteString(fmt.Sprintf("Pending: %d\n", s.Pending))
	sb.WriteString(fmt.Sprintf("Waiting: %s", s.Waiting.Round(time.Second)))

	return sb.String()
}

// FormatJournalMessage creates a degraded-journal alert body.
func FormatJournalMessage(journal string, err error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Journal: %s\n", journal))
	sb.WriteString("Pending changes will not survive a restart.")
	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	return sb.String()
}
