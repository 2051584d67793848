package admission

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every ticket store call.
const DefaultTimeout = 5 * time.Second

var (
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrMalformedTicket = errors.New("ticket is missing required fields")
)

// User is the identity a ticket resolves to.
type User struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
}

// Ticket is the record held in the ticket store.
type Ticket struct {
	TicketID string `json:"ticketId"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
}

// User returns the identity bound to the ticket.
func (t Ticket) User() User {
	return User{UserID: t.UserID, Nickname: t.Nickname}
}

// Valid reports whether both identity fields are present.
func (t Ticket) Valid() bool {
	return strings.TrimSpace(t.UserID) != "" && strings.TrimSpace(t.Nickname) != ""
}

// TicketStore is the external store holding outstanding tickets.
type TicketStore interface {
	// Lookup returns ErrTicketNotFound or ErrMalformedTicket for unusable tickets.
	Lookup(ctx context.Context, ticketID string) (Ticket, error)

	// Consume deletes the ticket, its index entry and the user's waiting-room
	// metadata.
	Consume(ctx context.Context, ticketID, userID string) error
}

// FailureRecorder counts rejected admissions.
type FailureRecorder interface {
	RecordAuthFailure()
}

// Gateway validates and consumes tickets.
type Gateway struct {
	store    TicketStore
	recorder FailureRecorder
	logger   zerolog.Logger
	timeout  time.Duration
}

// NewGateway creates a gateway over store. A zero timeout means DefaultTimeout.
func NewGateway(store TicketStore, recorder FailureRecorder, logger zerolog.Logger, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		store:    store,
		recorder: recorder,
		logger:   logger.With().Str("component", "admission").Logger(),
		timeout:  timeout,
	}
}

// Authenticate resolves ticketID to a User without consuming it.
//
// Rejections are returned as *Error. Cancellation of ctx is returned as is.
func (g *Gateway) Authenticate(ctx context.Context, ticketID string) (User, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		g.fail()
		return User{}, ErrMissingTicket
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ticket, err := g.store.Lookup(lookupCtx, ticketID)
	switch {
	case err == nil && ticket.Valid():
		return ticket.User(), nil
	case err == nil:
		g.logger.Error().Str("ticket_id", ticketID).Msg("ticket is missing required fields")
		g.fail()
		return User{}, ErrInvalidTicket
	case ctx.Err() != nil:
		return User{}, ctx.Err()
	case errors.Is(err, ErrTicketNotFound):
		g.logger.Warn().Str("ticket_id", ticketID).Msg("ticket not found")
		g.fail()
		return User{}, ErrInvalidTicket
	case errors.Is(err, ErrMalformedTicket):
		g.logger.Error().Str("ticket_id", ticketID).Msg("ticket is missing required fields")
		g.fail()
		return User{}, ErrInvalidTicket
	default:
		g.logger.Warn().Err(err).Str("ticket_id", ticketID).Msg("ticket lookup failed")
		g.fail()
		return User{}, ErrStoreUnavailable
	}
}

// Consume deletes the ticket after its session has been registered.
//
// Store failures are logged and swallowed: the session proceeds and the stale
// ticket expires on its own. Only cancellation of ctx is returned.
func (g *Gateway) Consume(ctx context.Context, ticketID, userID string) error {
	if strings.TrimSpace(ticketID) == "" || strings.TrimSpace(userID) == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	consumeCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.store.Consume(consumeCtx, ticketID, userID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn().Err(err).
			Str("ticket_id", ticketID).
			Str("user_id", userID).
			Msg("failed to clean up ticket")
	}
	return nil
}

func (g *Gateway) fail() {
	if g.recorder != nil {
		g.recorder.RecordAuthFailure()
	}
}

// Error is a structured admission rejection, written to the client before
// any upgrade takes place.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Admission rejections.
var (
	ErrMissingTicket = &Error{
		Status:  http.StatusUnauthorized,
		Code:    "MissingTicketId",
		Message: "ticketId query parameter is required.",
	}
	ErrInvalidTicket = &Error{
		Status:  http.StatusUnauthorized,
		Code:    "InvalidTicket",
		Message: "ticketId is invalid or expired.",
	}
	ErrDuplicateConnection = &Error{
		Status:  http.StatusConflict,
		Code:    "DuplicateConnection",
		Message: "User already has an active session.",
	}
	ErrStoreUnavailable = &Error{
		Status:  http.StatusServiceUnavailable,
		Code:    "TicketStoreUnavailable",
		Message: "ticket store is unavailable, try again later.",
	}
)
