// internal/roster/handler.go
package roster

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"bookledger/internal/circulation"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/admin/students", h.HandleRegisterStudent)
	r.Get("/admin/students/{id}", h.HandleGetStudent)
}

func (h *Handler) HandleRegisterStudent(w http.ResponseWriter, r *http.Request) {
	var req NewStudent
	if err := circulation.DecodeJSON(r, &req); err != nil {
		circulation.WriteError(w, err)
		return
	}

	student, err := h.service.RegisterStudent(r.Context(), req)
	if err != nil {
		circulation.WriteError(w, err)
		return
	}
	circulation.WriteJSON(w, http.StatusCreated, student)
}

func (h *Handler) HandleGetStudent(w http.ResponseWriter, r *http.Request) {
	id, err := circulation.PathID(r, "id")
	if err != nil {
		circulation.WriteError(w, err)
		return
	}

	student, err := h.service.GetStudent(r.Context(), id)
	if err != nil {
		circulation.WriteError(w, err)
		return
	}
	circulation.WriteJSON(w, http.StatusOK, student)
}
