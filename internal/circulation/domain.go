// internal/circulation/domain.go
package circulation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// UserID identifies a library patron.
type UserID string

// BookID identifies a book copy.
type BookID string

// LoanID identifies a loan record.
type LoanID string

func (id UserID) String() string { return string(id) }
func (id BookID) String() string { return string(id) }
func (id LoanID) String() string { return string(id) }

// ParseUserID builds a UserID from a raw request value.
func ParseUserID(s string) (UserID, error) {
	v, err := parseID("usuarioId", s)
	return UserID(v), err
}

// ParseBookID builds a BookID from a raw request value.
func ParseBookID(s string) (BookID, error) {
	v, err := parseID("libroId", s)
	return BookID(v), err
}

// ParseLoanID builds a LoanID from a raw request value.
func ParseLoanID(s string) (LoanID, error) {
	v, err := parseID("prestamoId", s)
	return LoanID(v), err
}

// parseID rejects blank values and otherwise returns s unchanged, so callers
// see exactly the id the client sent.
func parseID(name, s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%s is required: %w", name, ErrInvalidInput)
	}
	return s, nil
}

type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanReturned LoanStatus = "returned"
)

// Loan links a user and a book for a circulation period.
type Loan struct {
	ID         LoanID     `json:"id" db:"id"`
	UserID     UserID     `json:"user_id" db:"user_id"`
	BookID     BookID     `json:"book_id" db:"book_id"`
	LentAt     time.Time  `json:"lent_at" db:"lent_at"`
	DueAt      time.Time  `json:"due_at" db:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty" db:"returned_at"`
	Status     LoanStatus `json:"status" db:"status"`
	Version    int        `json:"-" db:"version"`
}

// LoanOpenedEvent is appended when a book is lent.
type LoanOpenedEvent struct {
	LoanID LoanID    `json:"loan_id"`
	UserID UserID    `json:"user_id"`
	BookID BookID    `json:"book_id"`
	LentAt time.Time `json:"lent_at"`
	DueAt  time.Time `json:"due_at"`
}

// LoanClosedEvent is appended when a book comes back.
type LoanClosedEvent struct {
	LoanID     LoanID    `json:"loan_id"`
	BookID     BookID    `json:"book_id"`
	ReturnedAt time.Time `json:"returned_at"`
}

const DefaultLoanPeriod = 14 * 24 * time.Hour
