// Package api provides HTTP handlers for SleepPath endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/BTreeMap/SleepPath/internal/flow"
	"github.com/BTreeMap/SleepPath/internal/models"
)

// StateResponse is the result payload of every session endpoint.
type StateResponse struct {
	Snapshot models.Snapshot         `json:"snapshot"`
	Screen   models.ScreenDescriptor `json:"screen"`
}

func newStateResponse(snap models.Snapshot) StateResponse {
	return StateResponse{Snapshot: snap, Screen: snap.Screen()}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"sessions": s.sessions.Len()}))
}

func (s *Server) createUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := uuid.NewString()
	o, err := s.sessions.Create(r.Context(), userID)
	if err != nil {
		writeSessionError(w, "create_user", err)
		return
	}
	slog.Info("Server.createUserHandler: session created", "userID", userID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session created", newStateResponse(o.Current())))
}

// session resolves the {userID} route parameter to a running orchestrator.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*flow.Orchestrator, bool) {
	userID := chi.URLParam(r, "userID")
	o, err := s.sessions.Get(r.Context(), userID)
	if err != nil {
		writeSessionError(w, "get_session", err)
		return nil, false
	}
	return o, true
}

// respond runs op against the caller's session and writes the snapshot. A
// session evicted between lookup and op is restarted once.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, name string, op func(ctx context.Context, o *flow.Orchestrator) (models.Snapshot, error)) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	snap, err := op(r.Context(), o)
	if errors.Is(err, flow.ErrOrchestratorStopped) {
		slog.Debug("Server.respond: session stopped mid-request, retrying", "op", name, "userID", o.UserID())
		if o, ok = s.session(w, r); !ok {
			return
		}
		snap, err = op(r.Context(), o)
	}
	if err != nil {
		writeSessionError(w, name, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(newStateResponse(snap)))
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, "state", func(ctx context.Context, o *flow.Orchestrator) (models.Snapshot, error) {
		return o.Snapshot(ctx)
	})
}

func (s *Server) setViewHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SetViewRequest
	if err := decodeJSONBody(w, r, &req, false); err != nil {
		slog.Warn("Server.setViewHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	view, err := models.ParseView(req.View)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	s.respond(w, r, "set_view", func(ctx context.Context, o *flow.Orchestrator) (models.Snapshot, error) {
		return o.SetView(ctx, view)
	})
}

func (s *Server) continueHandler(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, "continue_from_welcome", func(ctx context.Context, o *flow.Orchestrator) (models.Snapshot, error) {
		return o.ContinueFromWelcome(ctx)
	})
}

func (s *Server) advanceHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AnswersRequest
	if err := decodeJSONBody(w, r, &req, true); err != nil {
		slog.Warn("Server.advanceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	s.respond(w, r, "advance", func(ctx context.Context, o *flow.Orchestrator) (models.Snapshot, error) {
		return o.Advance(ctx, req.Answers)
	})
}

func (s *Server) retreatHandler(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, "retreat", func(ctx context.Context, o *flow.Orchestrator) (models.Snapshot, error) {
		return o.Retreat(ctx)
	})
}

func (s *Server) restartHandler(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, "restart_onboarding", func(ctx context.Context, o *flow.Orchestrator) (models.Snapshot, error) {
		return o.RestartOnboarding(ctx)
	})
}

func (s *Server) completeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AnswersRequest
	if err := decodeJSONBody(w, r, &req, true); err != nil {
		slog.Warn("Server.completeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	s.respond(w, r, "complete_onboarding", func(ctx context.Context, o *flow.Orchestrator) (models.Snapshot, error) {
		return o.CompleteOnboarding(ctx, req.Answers)
	})
}

func (s *Server) planHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ActivePlanRequest
	if err := decodeJSONBody(w, r, &req, false); err != nil {
		slog.Warn("Server.planHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	s.respond(w, r, "set_has_active_plan", func(ctx context.Context, o *flow.Orchestrator) (models.Snapshot, error) {
		return o.SetHasActivePlan(ctx, req.Active)
	})
}

func (s *Server) userNameHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UserNameRequest
	if err := decodeJSONBody(w, r, &req, false); err != nil {
		slog.Warn("Server.userNameHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	s.respond(w, r, "set_user_name", func(ctx context.Context, o *flow.Orchestrator) (models.Snapshot, error) {
		return o.SetUserName(ctx, req.UserName)
	})
}

func (s *Server) babyProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req models.BabyProfileRequest
	if err := decodeJSONBody(w, r, &req, false); err != nil {
		slog.Warn("Server.babyProfileHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	s.respond(w, r, "set_baby_profile", func(ctx context.Context, o *flow.Orchestrator) (models.Snapshot, error) {
		return o.SetBabyProfile(ctx, req.BabyName, req.BabyAgeMonths, req.BabyPhotoRef)
	})
}

func (s *Server) consultantHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ConsultantMessageRequest
	if err := decodeJSONBody(w, r, &req, false); err != nil {
		slog.Warn("Server.consultantHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	o, ok := s.session(w, r)
	if !ok {
		return
	}
	snap, err := o.Snapshot(r.Context())
	if err != nil {
		writeSessionError(w, "consultant", err)
		return
	}

	reply, err := s.responder.Reply(r.Context(), snap.Profile, req.Message)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeSessionError(w, "consultant", err)
			return
		}
		slog.Error("Server.consultantHandler: responder failed", "userID", o.UserID(), "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Consultant is unavailable, please try again"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.ConsultantReply{Reply: reply}))
}
