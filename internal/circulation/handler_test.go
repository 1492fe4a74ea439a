package circulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"biblioteca/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const testSecret = "circulation-test-secret"

// stubService records calls and returns canned results.
type stubService struct {
	mu       sync.Mutex
	lendErr  error
	retErr   error
	listErr  error
	loans    []Loan
	lends    [][2]string
	returns  []LoanID
	listings int
}

func (s *stubService) Lend(_ context.Context, userID UserID, bookID BookID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lends = append(s.lends, [2]string{userID.String(), bookID.String()})
	return s.lendErr
}

func (s *stubService) ReturnLoan(_ context.Context, loanID LoanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returns = append(s.returns, loanID)
	return s.retErr
}

func (s *stubService) ListLoans(context.Context) ([]Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings++
	return s.loans, s.listErr
}

func (s *stubService) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lends) + len(s.returns) + s.listings
}

func newTestRouter(svc Service) http.Handler {
	r := chi.NewRouter()
	NewHandler(svc).Routes(r, auth.NewAuthenticator(testSecret))
	return r
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tester",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

var (
	librarian = []string{"ROLE_LIBRARIAN"}
	patron    = []string{"ROLE_USER"}
)

func do(t *testing.T, h http.Handler, method, target string, form url.Values, roles []string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if roles != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, roles...))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLendDelegatesTypedIdentifiers(t *testing.T) {
	svc := &stubService{}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/circulacion/prestar?usuarioId=U1&libroId=B1", nil, librarian)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, [][2]string{{"U1", "B1"}}, svc.lends)
}

func TestLendAcceptsFormBody(t *testing.T) {
	svc := &stubService{}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/circulacion/prestar", url.Values{"usuarioId": {"U7"}, "libroId": {"B9"}}, librarian)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [][2]string{{"U7", "B9"}}, svc.lends)
}

func TestLendForwardsIdentifiersVerbatim(t *testing.T) {
	svc := &stubService{}
	h := newTestRouter(svc)

	form := url.Values{"usuarioId": {" U1"}, "libroId": {"B1\t"}}
	rec := do(t, h, http.MethodPost, "/circulacion/prestar", form, librarian)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [][2]string{{" U1", "B1\t"}}, svc.lends)

	rec = do(t, h, http.MethodPost, "/circulacion/devolver", url.Values{"prestamoId": {" L1 "}}, librarian)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []LoanID{" L1 "}, svc.returns)
}

func TestLendStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"user not found", fmt.Errorf("user U1: %w", ErrNotFound), http.StatusNotFound},
		{"book already lent", fmt.Errorf("book B1: %w", ErrConflict), http.StatusConflict},
		{"rejected by service", fmt.Errorf("bad id: %w", ErrInvalidInput), http.StatusBadRequest},
		{"unexpected", errors.New("database down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{lendErr: tt.err}
			rec := do(t, newTestRouter(svc), http.MethodPost, "/circulacion/prestar?usuarioId=U1&libroId=B1", nil, librarian)
			assert.Equal(t, tt.want, rec.Code)
			assert.Len(t, svc.lends, 1)
		})
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	svc := &stubService{lendErr: errors.New("pq: password authentication failed")}
	rec := do(t, newTestRouter(svc), http.MethodPost, "/circulacion/prestar?usuarioId=U1&libroId=B1", nil, librarian)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestInvalidIdentifiersAreRejectedBeforeDelegation(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"lend missing user", "/circulacion/prestar?libroId=B1"},
		{"lend missing book", "/circulacion/prestar?usuarioId=U1"},
		{"lend empty user", "/circulacion/prestar?usuarioId=&libroId=B1"},
		{"lend blank book", "/circulacion/prestar?usuarioId=U1&libroId=%20%20"},
		{"return missing loan", "/circulacion/devolver"},
		{"return empty loan", "/circulacion/devolver?prestamoId="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			rec := do(t, newTestRouter(svc), http.MethodPost, tt.target, nil, librarian)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, svc.calls())
		})
	}
}

func TestReturnStatusMapping(t *testing.T) {
	svc := &stubService{}
	rec := do(t, newTestRouter(svc), http.MethodPost, "/circulacion/devolver?prestamoId=L1", nil, librarian)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []LoanID{"L1"}, svc.returns)

	svc = &stubService{retErr: fmt.Errorf("loan L2: %w", ErrNotFound)}
	rec = do(t, newTestRouter(svc), http.MethodPost, "/circulacion/devolver?prestamoId=L2", nil, librarian)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLibrarianOnlyOperationsRejectOtherRoles(t *testing.T) {
	targets := []string{
		"/circulacion/prestar?usuarioId=U1&libroId=B1",
		"/circulacion/devolver?prestamoId=L1",
	}
	for _, target := range targets {
		svc := &stubService{}
		h := newTestRouter(svc)

		rec := do(t, h, http.MethodPost, target, nil, patron)
		assert.Equal(t, http.StatusForbidden, rec.Code, target)

		rec = do(t, h, http.MethodPost, target, nil, []string{})
		assert.Equal(t, http.StatusForbidden, rec.Code, target)

		rec = do(t, h, http.MethodPost, target, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)

		assert.Zero(t, svc.calls(), target)
	}
}

func TestListLoans(t *testing.T) {
	lentAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := &stubService{loans: []Loan{
		{ID: "L2", UserID: "U2", BookID: "B2", LentAt: lentAt, DueAt: lentAt.Add(DefaultLoanPeriod), Status: LoanActive},
		{ID: "L1", UserID: "U1", BookID: "B1", LentAt: lentAt, DueAt: lentAt.Add(DefaultLoanPeriod), Status: LoanReturned, ReturnedAt: &lentAt},
	}}
	h := newTestRouter(svc)

	for _, roles := range [][]string{librarian, patron} {
		rec := do(t, h, http.MethodGet, "/circulacion/prestamos", nil, roles)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var got []Loan
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, LoanID("L2"), got[0].ID)
		assert.Equal(t, LoanID("L1"), got[1].ID)
		assert.Equal(t, LoanReturned, got[1].Status)
	}
}

func TestListLoansEmptyRendersArray(t *testing.T) {
	rec := do(t, newTestRouter(&stubService{}), http.MethodGet, "/circulacion/prestamos", nil, patron)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestListLoansFailures(t *testing.T) {
	svc := &stubService{listErr: fmt.Errorf("wrapped: %w", ErrNotFound)}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/circulacion/prestamos", nil, librarian)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(t, h, http.MethodGet, "/circulacion/prestamos", nil, []string{"ROLE_GUEST"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 1, svc.listings)
}

func TestPublicStatus(t *testing.T) {
	svc := &stubService{}
	rec := do(t, newTestRouter(svc), http.MethodGet, "/circulacion/public/status", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "El servicio de circulación está funcionando correctamente", rec.Body.String())
	assert.Zero(t, svc.calls())
}

func TestCirculationScenario(t *testing.T) {
	svc := NewMemoryService([]UserID{"U1", "U2"}, []BookID{"B1"}, 0)
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/circulacion/prestar?usuarioId=U1&libroId=B1", nil, librarian)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/circulacion/prestar?usuarioId=U2&libroId=B1", nil, librarian)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/circulacion/prestar?usuarioId=U3&libroId=B1", nil, librarian)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/circulacion/prestamos", nil, patron)
	require.Equal(t, http.StatusOK, rec.Code)
	var loans []Loan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loans))
	require.Len(t, loans, 1)
	first := loans[0]
	assert.Equal(t, UserID("U1"), first.UserID)
	assert.Equal(t, LoanActive, first.Status)

	rec = do(t, h, http.MethodPost, "/circulacion/devolver?prestamoId="+url.QueryEscape(first.ID.String()), nil, librarian)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/circulacion/devolver?prestamoId=unknown", nil, librarian)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/circulacion/prestamos", nil, librarian)
	require.Equal(t, http.StatusOK, rec.Code)
	loans = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loans))
	require.Len(t, loans, 1)
	assert.Equal(t, BookID("B1"), loans[0].BookID)
	assert.Equal(t, LoanReturned, loans[0].Status)
	assert.NotNil(t, loans[0].ReturnedAt)
}

func TestRequestsAreCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	svc := NewMemoryService([]UserID{"U1", "U2"}, []BookID{"B1"}, 0)
	r := chi.NewRouter()
	NewHandler(svc, WithMeterProvider(provider)).Routes(r, auth.NewAuthenticator(testSecret))

	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/circulacion/prestar?usuarioId=U1&libroId=B1", nil, librarian).Code)
	require.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/circulacion/prestar?usuarioId=U2&libroId=B1", nil, librarian).Code)
	require.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/circulacion/prestar?usuarioId=U2&libroId=B1", nil, librarian).Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "circulation.requests" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "unexpected aggregation %T", m.Data)
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value(attribute.Key("operation"))
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				counts[fmt.Sprintf("%s/%d", op.AsString(), status.AsInt64())] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"lend/200": 1, "lend/409": 2}, counts)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusCode(fmt.Errorf("x: %w", ErrInvalidInput)))
	assert.Equal(t, http.StatusNotFound, StatusCode(fmt.Errorf("x: %w", ErrNotFound)))
	assert.Equal(t, http.StatusConflict, StatusCode(fmt.Errorf("x: %w", ErrConflict)))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.Join(errInternal, ErrNotFound)))
}
