// internal/catalog/handler.go
package catalog

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
	r.Post("/admin/books", h.HandleAddBook)
	r.Get("/books/{id}", h.HandleGetBook)
}

func (h *Handler) HandleAddBook(w http.ResponseWriter, r *http.Request) {
	var req NewBook
	if err := circulation.DecodeJSON(r, &req); err != nil {
		circulation.WriteError(w, err)
		return
	}

	book, err := h.service.AddBook(r.Context(), req)
	if err != nil {
		circulation.WriteError(w, err)
		return
	}
	circulation.WriteJSON(w, http.StatusCreated, book)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := circulation.PathID(r, "id")
	if err != nil {
		circulation.WriteError(w, err)
		return
	}

	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		circulation.WriteError(w, err)
		return
	}
	circulation.WriteJSON(w, http.StatusOK, book)
}
