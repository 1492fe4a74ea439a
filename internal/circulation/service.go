// internal/circulation/service.go
package circulation

import (
	"context"
)

// Service defines the circulation collaborator the HTTP handlers delegate to.
// Implementations report failures by wrapping ErrNotFound, ErrConflict or
// ErrInvalidInput.
type Service interface {
	Lend(ctx context.Context, userID UserID, bookID BookID) error
	ReturnLoan(ctx context.Context, loanID LoanID) error
	ListLoans(ctx context.Context) ([]Loan, error)
}
