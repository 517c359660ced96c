package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/packet"
)

func init() {
	cmd := &cobra.Command{
		Use:   "write [content]",
		Short: "Write a packet",
		Long:  "Write a packet. Content can be a positional arg, piped via stdin, or supplied as raw JSON with --payload.",
		Run:   runWrite,
	}

	cmd.Flags().StringP("type", "T", "event", "Packet type")
	cmd.Flags().String("payload", "", "Raw JSON payload (overrides content)")
	cmd.Flags().StringP("agent", "a", "", "Agent id")
	cmd.Flags().StringP("event-id", "e", "", "Upstream event id for dedup")
	cmd.Flags().String("thread", "", "Thread id (derived from the event id when omitted)")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().String("meta", "", "JSON metadata")
	cmd.Flags().String("source", "", "Source system for provenance")
	cmd.Flags().String("ttl", "", "Retention duration, e.g. 720h")
	cmd.Flags().String("parent", "", "Parent packet id for lineage")
	cmd.Flags().String("derivation", "transform", "Derivation type: split, merge, transform, inference")

	RootCmd.AddCommand(cmd)
}

func runWrite(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	payloadStr, _ := cmd.Flags().GetString("payload")
	agent, _ := cmd.Flags().GetString("agent")
	eventID, _ := cmd.Flags().GetString("event-id")
	thread, _ := cmd.Flags().GetString("thread")
	tagsStr, _ := cmd.Flags().GetString("tags")
	meta, _ := cmd.Flags().GetString("meta")
	source, _ := cmd.Flags().GetString("source")
	ttlStr, _ := cmd.Flags().GetString("ttl")
	parent, _ := cmd.Flags().GetString("parent")
	derivation, _ := cmd.Flags().GetString("derivation")

	payload := map[string]any{}
	if payloadStr != "" {
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			exitErr("parse payload", err)
		}
	} else {
		var content string
		if len(args) > 0 {
			content = strings.Join(args, " ")
		} else {
			stat, _ := os.Stdin.Stat()
			if (stat.Mode() & os.ModeCharDevice) == 0 {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					exitErr("read stdin", err)
				}
				content = string(b)
			}
		}
		if strings.TrimSpace(content) == "" {
			exitErr("write", fmt.Errorf("content is required (positional arg, stdin, or --payload)"))
		}
		payload["content"] = strings.TrimSpace(content)
	}

	metadata := map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
			exitErr("parse meta", err)
		}
	}
	if agent != "" {
		metadata["agent_id"] = agent
	}
	if eventID != "" {
		metadata["event_id"] = eventID
	}

	var tags []string
	if tagsStr != "" {
		for _, t := range strings.Split(tagsStr, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	in := packet.EnvelopeIn{
		PacketType: typ,
		Payload:    payload,
		ThreadID:   thread,
		Tags:       tags,
	}
	if len(metadata) > 0 {
		in.Metadata = metadata
	}
	if source != "" {
		in.Provenance = &packet.Provenance{SourceSystem: source}
	}
	if ttlStr != "" {
		d, err := time.ParseDuration(ttlStr)
		if err != nil {
			exitErr("parse ttl", err)
		}
		expires := time.Now().UTC().Add(d)
		in.TTL = &expires
	}
	if parent != "" {
		in.Lineage = &packet.Lineage{
			ParentIDs:      []string{parent},
			DerivationType: derivation,
			Generation:     1,
		}
	}

	svc, cleanup, err := openService(cmd)
	if err != nil {
		exitErr("open substrate", err)
	}
	defer cleanup()

	res, err := svc.WritePacket(cmd.Context(), in)
	if err != nil {
		exitErr("write", err)
	}
	printJSON(res)
}
