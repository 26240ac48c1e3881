// internal/circulation/handler.go
package circulation

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// StudentHeader carries the caller identity resolved by the gateway.
const StudentHeader = "X-Student-ID"

type ctxKey struct{}

// StudentIDFromContext returns the caller identity set by RequireStudent.
func StudentIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxKey{}).(int64)
	return id, ok
}

// RequireStudent rejects requests without a valid student identity.
func RequireStudent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(StudentHeader)
		if raw == "" {
			WriteError(w, Invalid("missing %s header", StudentHeader))
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			WriteError(w, Invalid("invalid %s header %q", StudentHeader, raw))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the circulation routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireStudent)
		r.Post("/student/borrow", h.HandleBorrow)
		r.Post("/student/transactions/{id}/return", h.HandleStudentReturn)
		r.Get("/student/fines", h.HandleFines)
		r.Get("/student/my-books", h.HandleMyBooks)
		r.Get("/student/history", h.HandleHistory)
	})

	r.Get("/admin/transactions", h.HandleTransactions)
	r.Post("/admin/transactions/{id}/return", h.HandleReturn)
	r.Get("/admin/transactions/{id}", h.HandleTransaction)
	r.Get("/admin/transactions/{id}/journal", h.HandleJournal)
	r.Get("/admin/overdue", h.HandleOverdue)
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	studentID, _ := StudentIDFromContext(r.Context())

	var req struct {
		BookID int64 `json:"book_id"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	receipt, err := h.service.Borrow(r.Context(), studentID, req.BookID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, receipt)
}

func (h *Handler) HandleStudentReturn(w http.ResponseWriter, r *http.Request) {
	studentID, _ := StudentIDFromContext(r.Context())
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}

	receipt, err := h.service.ReturnAsStudent(r.Context(), id, studentID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, receipt)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}

	receipt, err := h.service.Return(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, receipt)
}

func (h *Handler) HandleFines(w http.ResponseWriter, r *http.Request) {
	studentID, _ := StudentIDFromContext(r.Context())
	status, err := h.service.FineStatus(r.Context(), studentID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) HandleMyBooks(w http.ResponseWriter, r *http.Request) {
	studentID, _ := StudentIDFromContext(r.Context())
	loans, err := h.service.OpenTransactions(r.Context(), studentID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, loans)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	studentID, _ := StudentIDFromContext(r.Context())
	history, err := h.service.History(r.Context(), studentID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, history)
}

func (h *Handler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	all, err := h.service.Transactions(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, all)
}

func (h *Handler) HandleTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	t, err := h.service.Transaction(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) HandleJournal(w http.ResponseWriter, r *http.Request) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	events, err := h.service.Journal(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleOverdue(w http.ResponseWriter, r *http.Request) {
	late, err := h.service.Overdue(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, late)
}

// PathID parses a positive integer URL parameter.
func PathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, Invalid("invalid %s %q", name, raw)
	}
	return id, nil
}
