// Copyright (C) 2025 Dyne.org foundation
// designed, written and maintained by Denis Roio <jaromil@dyne.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"dataworks/internal/dispatch"
	apperrors "dataworks/internal/errors"
	"dataworks/internal/task"
)

const defaultMaxBodyBytes = 1 << 20

// Dispatcher runs a plain-language task.
type Dispatcher interface {
	Run(ctx context.Context, text string) (*dispatch.Outcome, error)
}

// FileReader opens files inside the sandbox.
type FileReader interface {
	Open(path string) (*os.File, error)
}

// Config for the HTTP API handler.
type Config struct {
	Dispatcher   Dispatcher
	Registry     *task.Registry
	Files        FileReader
	Logger       zerolog.Logger
	MaxBodyBytes int64
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiError struct {
	Body apiErrorBody `json:"error"`
}

type runRequest struct {
	Task string `json:"task"`
}

type runResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Operation string `json:"operation"`
	Result    string `json:"result"`
	Truncated bool   `json:"truncated,omitempty"`
}

type api struct {
	dispatcher Dispatcher
	registry   *task.Registry
	files      FileReader
	logger     zerolog.Logger
	maxBody    int64
}

// New returns an HTTP handler exposing the task API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Dispatcher == nil || cfg.Registry == nil || cfg.Files == nil {
		return nil, errors.New("server requires a dispatcher, a registry and a file reader")
	}
	a := &api{
		dispatcher: cfg.Dispatcher,
		registry:   cfg.Registry,
		files:      cfg.Files,
		logger:     cfg.Logger,
		maxBody:    cfg.MaxBodyBytes,
	}
	if a.maxBody <= 0 {
		a.maxBody = defaultMaxBodyBytes
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(a.logRequests)
	router.Use(middleware.Recoverer)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, string(apperrors.CodeNotFound), "no such endpoint")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, string(apperrors.CodeValidation), "method not allowed")
	})

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Get("/operations", a.handleOperations)
	router.Post("/run", a.handleRun)
	router.Get("/read", a.handleRead)

	return router, nil
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info().
			Str("http_request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (a *api) handleRun(w http.ResponseWriter, r *http.Request) {
	text, err := a.taskText(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeValidation), err.Error())
		return
	}

	out, err := a.dispatcher.Run(r.Context(), text)
	if out != nil && out.RequestID != "" {
		w.Header().Set("X-Request-Id", out.RequestID)
	}
	if err != nil {
		writeCodedError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{
		Status:    "ok",
		RequestID: out.RequestID,
		Operation: out.Operation,
		Result:    out.Result,
		Truncated: out.Truncated,
	})
}

// taskText reads the task from the query string or a JSON body.
func (a *api) taskText(r *http.Request) (string, error) {
	if text := strings.TrimSpace(r.URL.Query().Get("task")); text != "" {
		return text, nil
	}
	if r.Body == nil || r.ContentLength == 0 {
		return "", errors.New("task is required")
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			return "", fmt.Errorf("unsupported content type %q", ct)
		}
	}

	var body runRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, a.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return "", errors.New("task is required")
		}
		return "", fmt.Errorf("invalid request body: %v", err)
	}
	text := strings.TrimSpace(body.Task)
	if text == "" {
		return "", errors.New("task is required")
	}
	return text, nil
}

func (a *api) handleRead(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if strings.TrimSpace(path) == "" {
		writeError(w, http.StatusBadRequest, string(apperrors.CodeValidation), "path is required")
		return
	}

	f, err := a.files.Open(path)
	if err != nil {
		a.logger.Warn().Err(err).Str("path", path).Msg("read rejected")
		writeCodedError(w, err, true)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		a.logger.Warn().Err(err).Str("path", path).Msg("read interrupted")
	}
}

type fieldView struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Enum     []string `json:"enum,omitempty"`
	Default  string   `json:"default,omitempty"`
}

type operationView struct {
	ID         string                 `json:"id"`
	Summary    string                 `json:"summary"`
	Fields     []fieldView            `json:"fields"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

func (a *api) handleOperations(w http.ResponseWriter, r *http.Request) {
	ops := a.registry.Operations()
	views := make([]operationView, 0, len(ops))
	for _, d := range ops {
		fields := make([]fieldView, 0, len(d.Schema))
		for _, f := range d.Schema {
			fields = append(fields, fieldView{
				Name:     f.Name,
				Type:     string(f.Type),
				Required: f.Required,
				Enum:     f.Enum,
				Default:  f.Default,
			})
		}
		views = append(views, operationView{
			ID:         d.ID,
			Summary:    d.Summary,
			Fields:     fields,
			Parameters: d.Parameters,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    a.registry.Version(),
		"operations": views,
	})
}

// StatusFor maps an error to its HTTP status. Sandbox violations on the read
// endpoint are reported as 403.
func StatusFor(err error, read bool) int {
	code, ok := apperrors.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case apperrors.CodeSandboxViolation:
		if read {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case apperrors.CodeClassification, apperrors.CodeValidation:
		return http.StatusBadRequest
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeCodedError(w http.ResponseWriter, err error, read bool) {
	code, ok := apperrors.CodeOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeError(w, StatusFor(err, read), string(code), err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Body: apiErrorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
