package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
)

// Attribute keys shared by every package that logs.
const (
	KeyOperation   = "operation"
	KeyService     = "service"
	KeyAccount     = "account"
	KeyUserHash    = "user_hash"
	KeyStatus      = "status"
	KeyError       = "error"
	KeyNegotiation = "negotiation_id"
	KeyMessageID   = "message_id"
	KeyMeeting     = "meeting_id"
	KeyState       = "state"
)

func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(Operation(operation))
}

func WithService(logger *slog.Logger, service string) *slog.Logger {
	return logger.With(slog.String(KeyService, service))
}

// WithAccount scopes logger to one configured Google account.
func WithAccount(logger *slog.Logger, account string) *slog.Logger {
	return logger.With(slog.String(KeyAccount, account))
}

func Operation(op string) slog.Attr { return slog.String(KeyOperation, op) }
func Status(status string) slog.Attr { return slog.String(KeyStatus, status) }
func Negotiation(id string) slog.Attr { return slog.String(KeyNegotiation, id) }
func MessageID(id string) slog.Attr { return slog.String(KeyMessageID, id) }
func Meeting(id string) slog.Attr { return slog.String(KeyMeeting, id) }
func State(state string) slog.Attr { return slog.String(KeyState, state) }

// Err returns the error attribute. A nil err yields an empty group, which
// handlers drop, so Err can be passed unconditionally.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// AnonymizeEmail returns a stable pseudonym for an address so log lines
// about the same counterparty can be correlated without the address.
func AnonymizeEmail(email string) string {
	if email == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(email))
	return "user:" + hex.EncodeToString(sum[:8])
}

// UserHash is the KeyUserHash attribute of AnonymizeEmail(email).
func UserHash(email string) slog.Attr {
	return slog.String(KeyUserHash, AnonymizeEmail(email))
}
