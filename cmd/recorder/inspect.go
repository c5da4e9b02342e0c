package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/pimnotify/internal/journal"
	"github.com/dgnsrekt/pimnotify/internal/notification"
)

// record is the readable form of a journaled change.
type record struct {
	Index       int      `json:"index" yaml:"index"`
	Type        string   `json:"type" yaml:"type"`
	Operation   string   `json:"operation" yaml:"operation"`
	Session     string   `json:"session,omitempty" yaml:"session,omitempty"`
	Entities    []int64  `json:"entities" yaml:"entities"`
	Parent      int64    `json:"parent" yaml:"parent"`
	Destination int64    `json:"destination,omitempty" yaml:"destination,omitempty"`
	Resource    string   `json:"resource,omitempty" yaml:"resource,omitempty"`
	Parts       []string `json:"parts,omitempty" yaml:"parts,omitempty"`
}

type dump struct {
	Journal     string   `json:"journal" yaml:"journal"`
	Version     uint16   `json:"version" yaml:"version"`
	StartOffset uint64   `json:"startOffset" yaml:"startOffset"`
	Pending     int      `json:"pending" yaml:"pending"`
	Changes     []record `json:"changes" yaml:"changes"`
}

func inspectCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the changes waiting in the journal",
		Long: `Print the changes recorded in the journal without touching it. This is
safe to run while watch is active.

Examples:
  pimnotify-recorder inspect
  pimnotify-recorder inspect --format yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := journal.FilePath(cfg.Recorder.JournalDir, cfg.Recorder.Name)
			d, err := readDump(path)
			if err != nil {
				return err
			}
			return writeDump(cmd.OutOrStdout(), d, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, json or yaml")
	return cmd
}

func readDump(path string) (dump, error) {
	d := dump{Journal: path, Changes: []record{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("reading journal: %w", err)
	}

	c, err := journal.Decode(bytes.NewReader(data))
	if err != nil && len(c.Messages) == 0 {
		return d, err
	}
	if err != nil {
		logger.Warn("journal damaged, showing readable records")
	}
	d.Version = c.Header.Version
	d.StartOffset = c.Header.StartOffset
	d.Pending = len(c.Messages)
	for i, msg := range c.Messages {
		d.Changes = append(d.Changes, toRecord(i+1, msg))
	}
	return d, nil
}

func toRecord(index int, msg notification.Message) record {
	return record{
		Index:       index,
		Type:        msg.Type.String(),
		Operation:   msg.Operation.String(),
		Session:     msg.SessionID,
		Entities:    msg.UIDs(),
		Parent:      msg.ParentCollection,
		Destination: msg.ParentDestCollection,
		Resource:    msg.Resource,
		Parts:       msg.ItemParts,
	}
}

func writeDump(w io.Writer, d dump, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	case "yaml":
		out, err := yaml.Marshal(d)
		if err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		_, err = w.Write(out)
		return err
	case "text":
		fmt.Fprintf(w, "Journal: %s (version %d, %d pending)\n", d.Journal, d.Version, d.Pending)
		for _, r := range d.Changes {
			fmt.Fprintf(w, "%4d  %-10s %-14s %v parent=%d", r.Index, r.Type, r.Operation, r.Entities, r.Parent)
			if r.Destination > 0 {
				fmt.Fprintf(w, " dest=%d", r.Destination)
			}
			if r.Session != "" {
				fmt.Fprintf(w, " session=%s", r.Session)
			}
			fmt.Fprintln(w)
		}
		return nil
	}
	return fmt.Errorf("unknown format %q (use text, json or yaml)", format)
}
