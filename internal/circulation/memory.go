// internal/circulation/memory.go
package circulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryService keeps loans in process memory. Loans are listed in the order
// they were lent.
type memoryService struct {
	mu         sync.Mutex
	users      map[UserID]struct{}
	books      map[BookID]struct{}
	loans      []*Loan
	byID       map[LoanID]*Loan
	activeBook map[BookID]LoanID
	loanPeriod time.Duration
	now        func() time.Time
}

// NewMemoryService creates an in-memory circulation service that knows about
// the given users and books.
func NewMemoryService(users []UserID, books []BookID, loanPeriod time.Duration) Service {
	if loanPeriod <= 0 {
		loanPeriod = DefaultLoanPeriod
	}
	s := &memoryService{
		users:      make(map[UserID]struct{}, len(users)),
		books:      make(map[BookID]struct{}, len(books)),
		byID:       make(map[LoanID]*Loan),
		activeBook: make(map[BookID]LoanID),
		loanPeriod: loanPeriod,
		now:        time.Now,
	}
	for _, u := range users {
		s.users[u] = struct{}{}
	}
	for _, b := range books {
		s.books[b] = struct{}{}
	}
	return s
}

func (s *memoryService) Lend(ctx context.Context, userID UserID, bookID BookID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if _, ok := s.books[bookID]; !ok {
		return fmt.Errorf("book %s: %w", bookID, ErrNotFound)
	}
	if loanID, ok := s.activeBook[bookID]; ok {
		return fmt.Errorf("book %s is already lent under loan %s: %w", bookID, loanID, ErrConflict)
	}

	now := s.now().UTC()
	loan := &Loan{
		ID:      LoanID(uuid.New().String()),
		UserID:  userID,
		BookID:  bookID,
		LentAt:  now,
		DueAt:   now.Add(s.loanPeriod),
		Status:  LoanActive,
		Version: 1,
	}
	s.loans = append(s.loans, loan)
	s.byID[loan.ID] = loan
	s.activeBook[bookID] = loan.ID
	return nil
}

func (s *memoryService) ReturnLoan(ctx context.Context, loanID LoanID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.byID[loanID]
	if !ok {
		return fmt.Errorf("loan %s: %w", loanID, ErrNotFound)
	}
	if loan.Status == LoanReturned {
		return fmt.Errorf("loan %s already returned: %w", loanID, ErrConflict)
	}

	returnedAt := s.now().UTC()
	loan.ReturnedAt = &returnedAt
	loan.Status = LoanReturned
	loan.Version++
	delete(s.activeBook, loan.BookID)
	return nil
}

func (s *memoryService) ListLoans(ctx context.Context) ([]Loan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loans := make([]Loan, 0, len(s.loans))
	for _, l := range s.loans {
		cp := *l
		if l.ReturnedAt != nil {
			t := *l.ReturnedAt
			cp.ReturnedAt = &t
		}
		loans = append(loans, cp)
	}
	return loans, nil
}
