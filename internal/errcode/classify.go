package errcode

import (
	"context"
	"errors"
	"net"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ClassifySQLite inspects a database/sql driver error and returns the
// closed-set Code that best describes it. BUSY/LOCKED map to a retryable
// connection_error; constraint violations map to already_exists or
// constraint_violation depending on the failing constraint.
func ClassifySQLite(err error) Code {
	if err == nil {
		return ""
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return ConnectionError
		case sqlite3.ErrConstraint:
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return AlreadyExists
			}
			return ConstraintViolation
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return ConnectionError
	case strings.Contains(msg, "unique constraint"):
		return AlreadyExists
	case strings.Contains(msg, "constraint failed"):
		return ConstraintViolation
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return TransactionError
}

// ClassifyNetwork inspects an error from an outbound HTTP round trip (the
// sync push/pull calls) and reports whether it should be treated as a
// network_error (enqueue offline and retry) or a timeout. Unlike the
// substring-only classifier this replaces, a net.Error / context deadline
// check runs first so classification doesn't depend solely on message text.
func ClassifyNetwork(err error) Code {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return NetworkError
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return Timeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"):
		return NetworkError
	}
	return NetworkError
}
