package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/mcdev12/spellingbee/go/internal/quiz/replog"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	*rootOptions
	Type string
	Data string
}

func newPublishCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &publishOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Append one envelope to a room",
		Long: `Append one envelope to the replicated log of a room, as if a screen had
sent it. Prints the stored entry.

Examples:
  spellingbee publish --backend nats --room gym-1 --type clear
  spellingbee publish --backend nats --room gym-1 --type control --data '{"action":"start"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "envelope type (required)")
	_ = cmd.MarkFlagRequired("type")
	cmd.Flags().StringVar(&opts.Data, "data", "", "payload as a JSON object")

	return cmd
}

// buildEnvelope decodes a type and JSON payload the way a screen message is decoded.
func buildEnvelope(kind, data string) (envelope.Envelope, error) {
	raw := map[string]json.RawMessage{}
	typ, err := json.Marshal(kind)
	if err != nil {
		return envelope.Envelope{}, err
	}
	raw["type"] = typ
	if data != "" {
		if !json.Valid([]byte(data)) {
			return envelope.Envelope{}, fmt.Errorf("--data is not valid JSON")
		}
		raw["data"] = json.RawMessage(data)
	}

	doc, err := json.Marshal(raw)
	if err != nil {
		return envelope.Envelope{}, err
	}
	env, err := envelope.Decode(doc)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}

func runPublish(cmd *cobra.Command, opts *publishOptions) error {
	env, err := buildEnvelope(opts.Type, opts.Data)
	if err != nil {
		return err
	}

	cfg, err := opts.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Sync.AppendTimeout)
	defer cancel()

	backend, err := openReplicated(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	stored, err := backend.Append(ctx, envelope.Entry{
		Key:        replog.NewKey(),
		Room:       cfg.Room,
		Payload:    env,
		InsertedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	return json.NewEncoder(cmd.OutOrStdout()).Encode(stored)
}
