// internal/circulation/implementation.go
package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"biblioteca/internal/eventstore"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	loanAggregate       = "loan"
	loanOpenedEventType = "LoanOpened"
	loanClosedEventType = "LoanClosed"
)

// ReadModelSchema creates the loans projection. The partial unique index
// allows a single active loan per book.
const ReadModelSchema = `
CREATE TABLE IF NOT EXISTS loans (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	book_id TEXT NOT NULL,
	lent_at TIMESTAMPTZ NOT NULL,
	due_at TIMESTAMPTZ NOT NULL,
	returned_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	version INT NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS loans_active_book_idx ON loans (book_id) WHERE status = 'active';
`

// UserDirectory answers whether a patron exists.
type UserDirectory interface {
	UserExists(ctx context.Context, id UserID) (bool, error)
}

// BookCatalog answers whether a book exists.
type BookCatalog interface {
	BookExists(ctx context.Context, id BookID) (bool, error)
}

// service implements Service on top of the event store and a loans read model.
type service struct {
	eventStore *eventstore.EventStore
	db         *sqlx.DB
	users      UserDirectory
	books      BookCatalog
	loanPeriod time.Duration
}

// NewService creates a Postgres-backed circulation service.
func NewService(es *eventstore.EventStore, db *sql.DB, users UserDirectory, books BookCatalog, loanPeriod time.Duration) Service {
	if loanPeriod <= 0 {
		loanPeriod = DefaultLoanPeriod
	}
	return &service{
		eventStore: es,
		db:         sqlx.NewDb(db, "postgres"),
		users:      users,
		books:      books,
		loanPeriod: loanPeriod,
	}
}

// Migrate creates the event and read model tables.
func Migrate(ctx context.Context, es *eventstore.EventStore, db *sql.DB) error {
	if err := es.Migrate(ctx); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, ReadModelSchema); err != nil {
		return fmt.Errorf("create loans table: %w", err)
	}
	return nil
}

// Lend records a new loan after checking the user and book exist and the book
// is not on loan.
func (s *service) Lend(ctx context.Context, userID UserID, bookID BookID) error {
	ok, err := s.users.UserExists(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	ok, err = s.books.BookExists(ctx, bookID)
	if err != nil {
		return fmt.Errorf("failed to look up book: %w", err)
	}
	if !ok {
		return fmt.Errorf("book %s: %w", bookID, ErrNotFound)
	}

	var active int
	err = s.db.GetContext(ctx, &active, `SELECT COUNT(*) FROM loans WHERE book_id = $1 AND status = 'active'`, bookID)
	if err != nil {
		return fmt.Errorf("failed to check book availability: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("book %s is already lent: %w", bookID, ErrConflict)
	}

	now := time.Now().UTC()
	loan := Loan{
		ID:      LoanID(uuid.New().String()),
		UserID:  userID,
		BookID:  bookID,
		LentAt:  now,
		DueAt:   now.Add(s.loanPeriod),
		Status:  LoanActive,
		Version: 1,
	}

	event, err := eventstore.NewEvent(loanOpenedEventType, LoanOpenedEvent{
		LoanID: loan.ID,
		UserID: loan.UserID,
		BookID: loan.BookID,
		LentAt: loan.LentAt,
		DueAt:  loan.DueAt,
	})
	if err != nil {
		return err
	}
	event.Metadata = eventMetadata(ctx)
	if err := s.eventStore.AppendEvents(ctx, loan.ID.String(), loanAggregate, 0, []eventstore.Event{event}); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO loans (id, user_id, book_id, lent_at, due_at, status, version)
		VALUES (:id, :user_id, :book_id, :lent_at, :due_at, :status, :version)
	`, loan)
	if err != nil {
		if eventstore.IsUniqueViolation(err) {
			return fmt.Errorf("book %s is already lent: %w", bookID, ErrConflict)
		}
		return fmt.Errorf("failed to update read model: %w", err)
	}
	return nil
}

// ReturnLoan closes an active loan. The loan's event stream decides whether it
// is still open and which version the close event must follow.
func (s *service) ReturnLoan(ctx context.Context, loanID LoanID) error {
	var loan Loan
	err := s.db.GetContext(ctx, &loan, `
		SELECT id, user_id, book_id, lent_at, due_at, returned_at, status, version
		FROM loans
		WHERE id = $1
	`, loanID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("loan %s: %w", loanID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load loan: %w", err)
	}
	if loan.Status == LoanReturned {
		return fmt.Errorf("loan %s already returned: %w", loanID, ErrConflict)
	}

	history, err := s.eventStore.LoadEvents(ctx, loan.ID.String())
	if err != nil {
		return fmt.Errorf("failed to load loan history: %w", err)
	}
	if len(history) == 0 {
		return fmt.Errorf("loan %s has no recorded events", loanID)
	}
	last := history[len(history)-1]
	if last.EventType == loanClosedEventType {
		return fmt.Errorf("loan %s already returned: %w", loanID, ErrConflict)
	}

	returnedAt := time.Now().UTC()
	event, err := eventstore.NewEvent(loanClosedEventType, LoanClosedEvent{
		LoanID:     loan.ID,
		BookID:     loan.BookID,
		ReturnedAt: returnedAt,
	})
	if err != nil {
		return err
	}
	event.Metadata = eventMetadata(ctx)
	err = s.eventStore.AppendEvents(ctx, loan.ID.String(), loanAggregate, last.Version, []eventstore.Event{event})
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return fmt.Errorf("loan %s changed concurrently: %w", loanID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE loans
		SET status = $1, returned_at = $2, version = $3, updated_at = NOW()
		WHERE id = $4
	`, LoanReturned, returnedAt, last.Version+1, loan.ID)
	if err != nil {
		return fmt.Errorf("failed to update read model: %w", err)
	}
	return nil
}

// eventMetadata tags appended events with the id of the request that caused
// them, when the router assigned one.
func eventMetadata(ctx context.Context) map[string]string {
	id := middleware.GetReqID(ctx)
	if id == "" {
		return nil
	}
	return map[string]string{"request_id": id}
}

// ListLoans returns every loan in lend order.
func (s *service) ListLoans(ctx context.Context) ([]Loan, error) {
	loans := []Loan{}
	err := s.db.SelectContext(ctx, &loans, `
		SELECT id, user_id, book_id, lent_at, due_at, returned_at, status, version
		FROM loans
		ORDER BY lent_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	return loans, nil
}
