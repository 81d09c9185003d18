package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/outpost/internal/auth"
	"github.com/mattjoyce/outpost/internal/command"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		DeviceID:      s.config.DeviceID,
		Commands:      len(s.dispatcher.Names()),
		InFlight:      len(s.semaphore),
	}
	if s.telemetry != nil {
		resp.TelemetryLastRun = s.telemetry.LastRunAt()
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleExecute handles POST {command path}.
// The response body is the command result; its error kind picks the status code.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var wire command.WireRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		msg := "Invalid JSON body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "Request body too large"
		}
		s.writeResult(w, command.Failure(command.Validation, msg, nil))
		return
	}

	req, err := wire.ToRequest()
	if err != nil {
		s.writeResult(w, command.FromError(err))
		return
	}

	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	default:
		s.logger.Warn("command rejected, gateway saturated",
			"command", req.Name,
			"max_concurrent", s.config.MaxConcurrent,
			"request_id", middleware.GetReqID(r.Context()),
		)
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "error",
			"message": "Agent busy: too many commands in flight",
		})
		return
	}

	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		s.logger.Debug("dispatching command", "command", req.Name, "subject", p.Subject)
	}

	ctx, cancel := s.commandContext(r)
	defer cancel()

	res := s.dispatcher.Dispatch(ctx, req)
	if r.Context().Err() != nil {
		s.logger.Info("controller went away before the result was ready",
			"command", req.Name,
			"ok", res.OK(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	s.writeResult(w, res)
}

// handleCommands handles GET /commands.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, CommandsResponse{Commands: s.dispatcher.Names()})
}

func (s *Server) writeResult(w http.ResponseWriter, res command.Result) {
	status := http.StatusOK
	if !res.OK() {
		status = res.Error.HTTPStatus()
	}
	respondJSON(w, status, res.Body())
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
