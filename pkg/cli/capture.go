package cli

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/dan-solli/evna/pkg/store"
)

func cmdCapture(e *env) *cli.Command {
	var msg store.RawMessage
	var timestamp string

	return &cli.Command{
		Name:      "capture",
		Usage:     "Capture a message into the context store",
		ArgsUsage: "[text...] (read from stdin when omitted)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "conversation",
				Usage:       "Conversation id the message belongs to",
				Required:    true,
				Destination: &msg.ConversationID,
			},
			&cli.StringFlag{
				Name:        "role",
				Usage:       "Speaker role",
				Value:       "user",
				Destination: &msg.Role,
			},
			&cli.StringFlag{
				Name:        "client",
				Usage:       "Client type (desktop or code)",
				Value:       store.ClientDesktop,
				Destination: &msg.ClientType,
			},
			&cli.StringFlag{
				Name:        "id",
				Usage:       "Message id (generated when omitted)",
				Destination: &msg.ID,
			},
			&cli.StringFlag{
				Name:        "timestamp",
				Usage:       "RFC3339 timestamp (now when omitted)",
				Destination: &timestamp,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if timestamp != "" {
				ts, err := time.Parse(time.RFC3339, timestamp)
				if err != nil {
					return goerr.Wrap(err, "invalid timestamp", goerr.V("timestamp", timestamp))
				}
				msg.Timestamp = ts
			}

			text := strings.Join(c.Args().Slice(), " ")
			if text == "" {
				raw, err := io.ReadAll(e.stdin)
				if err != nil {
					return goerr.Wrap(err, "failed to read message from stdin")
				}
				text = strings.TrimSpace(string(raw))
			}
			msg.Text = text

			engine, err := e.openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.closeEngine(engine)

			result, err := engine.Capture(ctx, msg)
			if err != nil {
				return goerr.Wrap(err, "capture failed")
			}
			out := captureOutput{
				EntryID:          result.EntryID,
				DurableMessageID: result.DurableMessageID,
				Mirrored:         result.Mirrored(),
				Indexed:          result.Indexed(),
				Metadata:         result.Metadata,
			}
			if result.MirrorErr != nil {
				out.MirrorError = result.MirrorErr.Error()
			}
			if result.IndexErr != nil {
				out.IndexError = result.IndexErr.Error()
			}
			return e.printJSON(out)
		},
	}
}

type captureOutput struct {
	EntryID          string `json:"entry_id"`
	DurableMessageID string `json:"durable_message_id,omitempty"`
	Mirrored         bool   `json:"mirrored"`
	Indexed          bool   `json:"indexed"`
	MirrorError      string `json:"mirror_error,omitempty"`
	IndexError       string `json:"index_error,omitempty"`
	Metadata         any    `json:"metadata"`
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return goerr.Wrap(err, "failed to write output")
	}
	return nil
}
