package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/dan-solli/evna/pkg/evna"
	"github.com/dan-solli/evna/pkg/server"
	"github.com/dan-solli/evna/pkg/store"
)

func cmdQuery(e *env) *cli.Command {
	var filter store.QueryFilter
	var since time.Duration

	return &cli.Command{
		Name:  "query",
		Usage: "List captured entries, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "project",
				Usage:       "Project name or alias",
				Destination: &filter.Project,
			},
			&cli.StringFlag{
				Name:        "client",
				Usage:       "Only entries from this client type",
				Destination: &filter.ClientType,
			},
			&cli.DurationFlag{
				Name:        "since",
				Usage:       "Only entries newer than this duration ago",
				Destination: &since,
			},
			&cli.IntFlag{
				Name:        "limit",
				Usage:       "Maximum entries",
				Value:       evna.DefaultMaxResults,
				Destination: &filter.Limit,
			},
			&cli.StringFlag{
				Name:        "exclude-conversation",
				Usage:       "Drop entries from this conversation",
				Destination: &filter.ExcludeConversationID,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			engine, err := e.openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.closeEngine(engine)

			if since > 0 {
				filter.Since = engine.Config().Now().Add(-since)
			}

			entries, err := engine.Query(ctx, filter)
			if err != nil {
				return goerr.Wrap(err, "query failed")
			}
			if entries == nil {
				entries = []store.CapturedEntry{}
			}
			return e.printJSON(entries)
		},
	}
}

func cmdHistory(e *env) *cli.Command {
	var (
		project string
		since   time.Duration
		limit   int
	)

	return &cli.Command{
		Name:  "history",
		Usage: "List durable messages, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "project",
				Usage:       "Project name or alias",
				Destination: &project,
			},
			&cli.DurationFlag{
				Name:        "since",
				Usage:       "Only messages newer than this duration ago",
				Destination: &since,
			},
			&cli.IntFlag{
				Name:        "limit",
				Usage:       "Maximum messages",
				Value:       50,
				Destination: &limit,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			engine, err := e.openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.closeEngine(engine)

			var from time.Time
			if since > 0 {
				from = engine.Config().Now().Add(-since)
			}

			msgs, err := engine.History(ctx, project, from, limit)
			if err != nil {
				return goerr.Wrap(err, "history failed")
			}
			if msgs == nil {
				msgs = []store.DurableMessage{}
			}
			return e.printJSON(msgs)
		},
	}
}

func cmdBoot(e *env) *cli.Command {
	var req evna.BootRequest
	var format string

	return &cli.Command{
		Name:  "boot",
		Usage: "Synthesize a context narrative for a new session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "query",
				Aliases:     []string{"q"},
				Usage:       "What the session is about",
				Destination: &req.Query,
			},
			&cli.StringFlag{
				Name:        "project",
				Usage:       "Project name or alias",
				Destination: &req.Project,
			},
			&cli.IntFlag{
				Name:        "lookback",
				Usage:       "Lookback window in days",
				Destination: &req.LookbackDays,
			},
			&cli.IntFlag{
				Name:        "max",
				Usage:       "Maximum ranked results",
				Destination: &req.MaxResults,
			},
			&cli.StringFlag{
				Name:        "format",
				Aliases:     []string{"f"},
				Usage:       "Output format: markdown, json or html",
				Value:       "markdown",
				Destination: &format,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			switch format {
			case "markdown", "json", "html":
			default:
				return goerr.New("unknown output format", goerr.V("format", format))
			}

			engine, err := e.openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.closeEngine(engine)

			result, err := engine.Boot(ctx, req)
			if err != nil {
				return goerr.Wrap(err, "boot failed")
			}

			switch format {
			case "json":
				return e.printJSON(result)
			case "html":
				html, err := server.RenderHTML(result.Narrative)
				if err != nil {
					return err
				}
				_, err = e.stdout.Write(html)
				return err
			default:
				_, err = e.stdout.Write([]byte(result.Narrative))
				return err
			}
		},
	}
}
