// Package store implements the ticket and status stores on Redis (or any
// protocol-compatible server such as Valkey).
//
// Key layout, shared with the queueing service:
//
//	queue:joining:<ticketId>      hash   userId, nickname
//	queue:joining:tickets         zset   outstanding ticket ids
//	queue:waiting:user:<userId>   any    waiting-room metadata
//	server:status                 hash   current_users, soft_cap, max_cap
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
	"github.com/wricardo/mcp-training/chatrelay/chat/admission"
	"github.com/wricardo/mcp-training/chatrelay/chat/status"
)

// Hash field names.
const (
	fieldUserID       = "userId"
	fieldNickname     = "nickname"
	fieldCurrentUsers = "current_users"
	fieldSoftCap      = "soft_cap"
	fieldMaxCap       = "max_cap"
)

// Keys names the Redis keys the stores touch.
type Keys struct {
	TicketPrefix      string
	TicketIndex       string
	WaitingUserPrefix string
	Status            string
}

// DefaultKeys returns the queueing service's key layout.
func DefaultKeys() Keys {
	return Keys{
		TicketPrefix:      "queue:joining:",
		TicketIndex:       "queue:joining:tickets",
		WaitingUserPrefix: "queue:waiting:user:",
		Status:            "server:status",
	}
}

func (k Keys) ticket(ticketID string) string    { return k.TicketPrefix + ticketID }
func (k Keys) waitingUser(userID string) string { return k.WaitingUserPrefix + userID }

// Connect parses a redis:// URL and checks the server is reachable. The
// client is returned even when the ping fails, since go-redis reconnects on
// demand.
func Connect(ctx context.Context, url string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// TicketStore reads and consumes queue-issued tickets.
type TicketStore struct {
	rdb  redis.Cmdable
	keys Keys
}

// NewTicketStore creates a ticket store over rdb.
func NewTicketStore(rdb redis.Cmdable, keys Keys) *TicketStore {
	return &TicketStore{rdb: rdb, keys: keys}
}

// Lookup reads the ticket hash.
func (s *TicketStore) Lookup(ctx context.Context, ticketID string) (admission.Ticket, error) {
	fields, err := s.rdb.HGetAll(ctx, s.keys.ticket(ticketID)).Result()
	if err != nil {
		return admission.Ticket{}, fmt.Errorf("read ticket %s: %w", ticketID, err)
	}
	if len(fields) == 0 {
		return admission.Ticket{}, admission.ErrTicketNotFound
	}

	ticket := admission.Ticket{
		TicketID: ticketID,
		UserID:   strings.TrimSpace(fields[fieldUserID]),
		Nickname: strings.TrimSpace(fields[fieldNickname]),
	}
	if !ticket.Valid() {
		return admission.Ticket{}, admission.ErrMalformedTicket
	}
	return ticket, nil
}

// Consume deletes the ticket hash, its index entry and the user's
// waiting-room metadata in one pipelined batch. The batch is not a
// transaction: a failure may leave some of the keys behind.
func (s *TicketStore) Consume(ctx context.Context, ticketID, userID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, s.keys.ticket(ticketID))
	pipe.ZRem(ctx, s.keys.TicketIndex, ticketID)
	pipe.Del(ctx, s.keys.waitingUser(userID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("consume ticket %s: %w", ticketID, err)
	}
	return nil
}

// Issue writes a ticket the way the queueing service does. A positive ttl
// expires the ticket hash.
func (s *TicketStore) Issue(ctx context.Context, ticket admission.Ticket, ttl time.Duration) error {
	if ticket.TicketID == "" || !ticket.Valid() {
		return admission.ErrMalformedTicket
	}

	key := s.keys.ticket(ticket.TicketID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fieldUserID, ticket.UserID, fieldNickname, ticket.Nickname)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	pipe.ZAdd(ctx, s.keys.TicketIndex, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: ticket.TicketID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("issue ticket %s: %w", ticket.TicketID, err)
	}
	return nil
}

// StatusStore writes the occupancy hash.
type StatusStore struct {
	rdb redis.Cmdable
	key string
}

// NewStatusStore creates a status store writing to key.
func NewStatusStore(rdb redis.Cmdable, key string) *StatusStore {
	return &StatusStore{rdb: rdb, key: key}
}

func (s *StatusStore) SetCurrentUsers(ctx context.Context, currentUsers int) error {
	return s.rdb.HSet(ctx, s.key, fieldCurrentUsers, currentUsers).Err()
}

func (s *StatusStore) SetCapacity(ctx context.Context, softCap, maxCap int) error {
	return s.rdb.HSet(ctx, s.key, fieldSoftCap, softCap, fieldMaxCap, maxCap).Err()
}

var ErrStatusNotFound = errors.New("server status not published")

// Read returns the last published snapshot.
func (s *StatusStore) Read(ctx context.Context) (status.Snapshot, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return status.Snapshot{}, fmt.Errorf("read server status: %w", err)
	}
	if len(fields) == 0 {
		return status.Snapshot{}, ErrStatusNotFound
	}

	var snap status.Snapshot
	if snap.CurrentUsers, err = cast.ToIntE(fields[fieldCurrentUsers]); err != nil {
		return status.Snapshot{}, fmt.Errorf("parse %s: %w", fieldCurrentUsers, err)
	}
	// Caps are optional until the first capacity write.
	snap.SoftCap = cast.ToInt(fields[fieldSoftCap])
	snap.MaxCap = cast.ToInt(fields[fieldMaxCap])
	return snap, nil
}
