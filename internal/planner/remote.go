package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/v0xg/demopilot/internal/action"
)

// Remote talks to a planning service over HTTP
type Remote struct {
	base   string
	client *http.Client
}

// NewRemote creates a client for the service at baseURL
func NewRemote(baseURL string, client *http.Client) (*Remote, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid planner url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Remote{base: strings.TrimRight(baseURL, "/"), client: client}, nil
}

type createSessionRequest struct {
	Objective string `json:"objective"`
}

type nextStepRequest struct {
	CurrentStepIndex int              `json:"currentStepIndex"`
	LastAction       *action.Executed `json:"lastAction,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (r *Remote) CreateSession(ctx context.Context, objective string) (Session, error) {
	var s Session
	err := r.post(ctx, "/sessions", createSessionRequest{Objective: objective}, &s)
	if err != nil {
		return Session{}, err
	}
	if s.ID == "" {
		return Session{}, fmt.Errorf("planner returned no session id")
	}
	return s, nil
}

func (r *Remote) NextStep(ctx context.Context, sessionID string, index int, last *action.Executed) (StepResult, error) {
	var res StepResult
	path := "/sessions/" + url.PathEscape(sessionID) + "/next"
	err := r.post(ctx, path, nextStepRequest{CurrentStepIndex: index, LastAction: last}, &res)
	return res, err
}

func (r *Remote) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("planner request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read planner response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnknownSession
	case resp.StatusCode >= 300:
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("planner returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("planner returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode planner response: %w", err)
	}
	return nil
}

// Handler serves p over the same HTTP contract Remote speaks
func Handler(p Planner) http.Handler {
	r := chi.NewRouter()
	r.Post("/sessions", func(w http.ResponseWriter, req *http.Request) {
		var body createSessionRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		s, err := p.CreateSession(req.Context(), body.Objective)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, s)
	})
	r.Post("/sessions/{id}/next", func(w http.ResponseWriter, req *http.Request) {
		var body nextStepRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		res, err := p.NextStep(req.Context(), chi.URLParam(req, "id"), body.CurrentStepIndex, body.LastAction)
		switch {
		case errors.Is(err, ErrUnknownSession):
			writeError(w, http.StatusNotFound, err.Error())
		case err != nil:
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeJSON(w, http.StatusOK, res)
		}
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
