// Command issueticket writes a join ticket into the relay's ticket store the
// way the queueing service does, for local testing without the queue.
//
//	issueticket --user-id u1 --nickname alice
//	issueticket status
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/mcp-training/chatrelay/chat/admission"
	"github.com/wricardo/mcp-training/chatrelay/chat/config"
	"github.com/wricardo/mcp-training/chatrelay/chat/store"
)

func main() {
	_ = godotenv.Load()

	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "issueticket: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "issueticket",
		Usage: "issue a chat relay join ticket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user-id", Usage: "user the ticket admits"},
			&cli.StringFlag{Name: "nickname", Usage: "display name shown in the chat"},
			&cli.StringFlag{Name: "ticket-id", Usage: "ticket id (random when empty)"},
			&cli.DurationFlag{Name: "ttl", Value: 5 * time.Minute, Usage: "ticket lifetime, 0 for none"},
			&cli.StringFlag{Name: "relay", Value: "ws://localhost:8081", Usage: "relay base URL printed with the ticket"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return issue(ctx, cmd, out)
		},
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "print the published server status",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return printStatus(ctx, out)
				},
			},
		},
	}
}

func openStores(ctx context.Context) (config.Config, *store.TicketStore, *store.StatusStore, func(), error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}
	rdb, err := store.Connect(ctx, cfg.RedisURL, cfg.StoreTimeout)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return config.Config{}, nil, nil, nil, err
	}
	closeFn := func() { rdb.Close() }
	return cfg, store.NewTicketStore(rdb, cfg.Keys), store.NewStatusStore(rdb, cfg.Keys.Status), closeFn, nil
}

func issue(ctx context.Context, cmd *cli.Command, out io.Writer) error {
	ticket := admission.Ticket{
		TicketID: strings.TrimSpace(cmd.String("ticket-id")),
		UserID:   strings.TrimSpace(cmd.String("user-id")),
		Nickname: strings.TrimSpace(cmd.String("nickname")),
	}
	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	if !ticket.Valid() {
		return errors.New("--user-id and --nickname are required")
	}

	_, tickets, _, closeFn, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := tickets.Issue(ctx, ticket, cmd.Duration("ttl")); err != nil {
		return err
	}

	relay := strings.TrimRight(cmd.String("relay"), "/")
	fmt.Fprintf(out, "ticket: %s\n", ticket.TicketID)
	fmt.Fprintf(out, "connect: %s/gameserver/?ticketId=%s\n", relay, ticket.TicketID)
	return nil
}

func printStatus(ctx context.Context, out io.Writer) error {
	_, _, statuses, closeFn, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	snapshot, err := statuses.Read(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "current_users: %d\nsoft_cap: %d\nmax_cap: %d\n",
		snapshot.CurrentUsers, snapshot.SoftCap, snapshot.MaxCap)
	return nil
}
