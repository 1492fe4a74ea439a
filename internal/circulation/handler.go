// internal/circulation/handler.go
package circulation

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"biblioteca/internal/auth"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// StatusMessage is the body served by the public status endpoint.
const StatusMessage = "El servicio de circulación está funcionando correctamente"

// Handler exposes the circulation service over HTTP. It keeps no state
// between requests.
type Handler struct {
	service  Service
	tracer   trace.Tracer
	requests metric.Int64Counter
}

// Option configures a Handler.
type Option func(*handlerOptions)

type handlerOptions struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider records request metrics on mp instead of the global
// meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *handlerOptions) { o.meterProvider = mp }
}

func NewHandler(service Service, opts ...Option) *Handler {
	o := handlerOptions{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	requests, err := o.meterProvider.Meter("biblioteca/circulation").Int64Counter(
		"circulation.requests",
		metric.WithDescription("Circulation requests by operation and status code"),
	)
	if err != nil {
		otel.Handle(err)
	}
	return &Handler{
		service:  service,
		tracer:   otel.Tracer("biblioteca/circulation"),
		requests: requests,
	}
}

// Routes mounts the circulation endpoints under /circulacion. Lending and
// returning need the librarian role and listing needs librarian or user.
// The status endpoint is public. Extra middlewares, such as a rate limiter,
// wrap only the authenticated endpoints and run before authentication.
func (h *Handler) Routes(r chi.Router, authn *auth.Authenticator, protect ...func(http.Handler) http.Handler) {
	r.Route("/circulacion", func(r chi.Router) {
		r.Get("/public/status", h.HandlePublicStatus)

		r.Group(func(r chi.Router) {
			r.Use(protect...)
			r.Use(authn.Middleware)

			r.With(auth.RequireRole(auth.RoleLibrarian)).Post("/prestar", h.HandleLend)
			r.With(auth.RequireRole(auth.RoleLibrarian)).Post("/devolver", h.HandleReturn)
			r.With(auth.RequireRole(auth.RoleLibrarian, auth.RoleUser)).Get("/prestamos", h.HandleListLoans)
		})
	})
}

// HandleLend godoc
//
//	@Summary		Lend a book
//	@Description	Opens a loan of the book for the user. Fails when either is unknown or the book is already lent.
//	@Tags			circulacion
//	@Param			usuarioId	query	string	true	"User id"
//	@Param			libroId		query	string	true	"Book id"
//	@Success		200
//	@Failure		400	{object}	ErrorResponse
//	@Failure		401	{object}	ErrorResponse
//	@Failure		403	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		429	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Security		BearerToken
//	@Router			/circulacion/prestar [post]
func (h *Handler) HandleLend(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "circulation.lend")
	defer span.End()

	userID, err := ParseUserID(r.FormValue("usuarioId"))
	if err != nil {
		h.fail(ctx, w, "lend", err)
		return
	}
	bookID, err := ParseBookID(r.FormValue("libroId"))
	if err != nil {
		h.fail(ctx, w, "lend", err)
		return
	}
	span.SetAttributes(
		attribute.String("user.id", userID.String()),
		attribute.String("book.id", bookID.String()),
	)

	if err := h.service.Lend(ctx, userID, bookID); err != nil {
		h.fail(ctx, w, "lend", err)
		return
	}

	h.record(ctx, "lend", http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

// HandleReturn godoc
//
//	@Summary		Return a loan
//	@Description	Closes an active loan and frees its book.
//	@Tags			circulacion
//	@Param			prestamoId	query	string	true	"Loan id"
//	@Success		200
//	@Failure		400	{object}	ErrorResponse
//	@Failure		401	{object}	ErrorResponse
//	@Failure		403	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		429	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Security		BearerToken
//	@Router			/circulacion/devolver [post]
func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "circulation.return")
	defer span.End()

	loanID, err := ParseLoanID(r.FormValue("prestamoId"))
	if err != nil {
		h.fail(ctx, w, "return", err)
		return
	}
	span.SetAttributes(attribute.String("loan.id", loanID.String()))

	if err := h.service.ReturnLoan(ctx, loanID); err != nil {
		h.fail(ctx, w, "return", err)
		return
	}

	h.record(ctx, "return", http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

// HandleListLoans godoc
//
//	@Summary	List loans
//	@Tags		circulacion
//	@Produce	json
//	@Success	200	{array}		Loan
//	@Failure	401	{object}	ErrorResponse
//	@Failure	403	{object}	ErrorResponse
//	@Failure	429	{object}	ErrorResponse
//	@Failure	500	{object}	ErrorResponse
//	@Security	BearerToken
//	@Router		/circulacion/prestamos [get]
func (h *Handler) HandleListLoans(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "circulation.list_loans")
	defer span.End()

	loans, err := h.service.ListLoans(ctx)
	if err != nil {
		// Listing has no client-side failure modes.
		h.fail(ctx, w, "list_loans", errors.Join(errInternal, err))
		return
	}
	if loans == nil {
		loans = []Loan{}
	}
	span.SetAttributes(attribute.Int("loans.count", len(loans)))

	h.record(ctx, "list_loans", http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(loans)
}

// HandlePublicStatus godoc
//
//	@Summary	Service status
//	@Tags		circulacion
//	@Produce	plain
//	@Success	200	{string}	string
//	@Router		/circulacion/public/status [get]
func (h *Handler) HandlePublicStatus(w http.ResponseWriter, r *http.Request) {
	h.record(r.Context(), "public_status", http.StatusOK)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(StatusMessage))
}

var errInternal = errors.New("internal error")

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusCode maps a service error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, errInternal):
		return http.StatusInternalServerError
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, op string, err error) {
	status := StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("circulation %s failed: %v", op, err)
		msg = http.StatusText(status)
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)

	h.record(ctx, op, status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

func (h *Handler) record(ctx context.Context, op string, status int) {
	if h.requests == nil {
		return
	}
	h.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Int("status", status),
	))
}
