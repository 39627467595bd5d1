package agenda

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// SecretHeader carries the webhook secret; it takes precedence over the
// body field and the query parameter.
const SecretHeader = "X-Webhook-Secret"

type Handler struct {
	Dispatcher *Dispatcher
}

func NewHandler(dispatcher *Dispatcher) *Handler {
	return &Handler{Dispatcher: dispatcher}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/agenda-digest", h.handleDispatch)

	return r
}

type dispatchRequest struct {
	Secret    string `json:"secret"`
	Source    string `json:"source"`
	TestEmail string `json:"test_email"`
	Template  string `json:"template"`
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	req := Request{
		Secret:    resolveSecret(r, body.Secret),
		Source:    body.Source,
		TestEmail: body.TestEmail,
		Template:  body.Template,
		Preview:   isPreview(r.URL.Query().Get("preview")),
	}

	resp, err := h.Dispatcher.Run(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthorized):
			h.writeError(w, http.StatusUnauthorized, "unauthorized")
		case errors.Is(err, ErrInvalidTemplate):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// resolveSecret applies the precedence header > body > query.
func resolveSecret(r *http.Request, bodySecret string) string {
	if s := strings.TrimSpace(r.Header.Get(SecretHeader)); s != "" {
		return s
	}
	if s := strings.TrimSpace(bodySecret); s != "" {
		return s
	}
	return strings.TrimSpace(r.URL.Query().Get("secret"))
}

func isPreview(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// corsMiddleware permits all origins: the caller is a scheduler or an
// operator's browser, never a credentialed session.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Authorization, Content-Type, "+SecretHeader+", X-Requested-With")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
