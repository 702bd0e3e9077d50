// Package api exposes the engine's local HTTP surface to the frontend shell:
// challenge actions, the notification list, typing signals, and room feeds.
// It binds to loopback next to the metrics endpoint and is not meant to be
// reachable from outside the host.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/stakeline/engage/internal/backing"
	"github.com/stakeline/engage/internal/challenge"
	"github.com/stakeline/engage/internal/notify"
	"github.com/stakeline/engage/internal/presence"
	"github.com/stakeline/engage/internal/protocol"
	"github.com/stakeline/engage/internal/ratelimit"
	"github.com/stakeline/engage/internal/rooms"
)

// Sender pushes a frame to the realtime gateway.
type Sender interface {
	Send(data []byte) error
}

// Limiter guards outbound actions. Implemented by ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server wires the engine components behind a local HTTP mux.
type Server struct {
	userID   string
	machine  *challenge.Machine
	notifier *notify.Dispatcher
	typing   *presence.Aggregator
	feed     *rooms.Feed
	limiter  Limiter
	sender   Sender
}

// NewServer creates the API server. limiter and sender may be nil in tests.
func NewServer(userID string, machine *challenge.Machine, notifier *notify.Dispatcher, typing *presence.Aggregator, feed *rooms.Feed, limiter Limiter, sender Sender) *Server {
	return &Server{
		userID:   userID,
		machine:  machine,
		notifier: notifier,
		typing:   typing,
		feed:     feed,
		limiter:  limiter,
		sender:   sender,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/challenges", s.listChallenges)
	mux.HandleFunc("POST /api/challenges/{id}/{action}", s.actChallenge)
	mux.HandleFunc("GET /api/notifications", s.listNotifications)
	mux.HandleFunc("POST /api/notifications/{id}/read", s.markRead)
	mux.HandleFunc("POST /api/rooms/{room}/messages", s.sendMessage)
	mux.HandleFunc("POST /api/rooms/{room}/typing", s.sendTyping)
	mux.HandleFunc("GET /api/rooms/{room}/typing", s.listTyping)
	mux.HandleFunc("GET /api/rooms/{room}/feed", s.roomFeed)
	return mux
}

func (s *Server) listChallenges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.machine.List())
}

func (s *Server) actChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_id", "challenge id must be numeric")
		return
	}
	action := challenge.Action(r.PathValue("action"))

	if !s.allow(r.Context(), ratelimit.RuleChallengeAction) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many challenge actions")
		return
	}

	ch, err := s.machine.Act(r.Context(), id, action)
	switch {
	case errors.Is(err, challenge.ErrUnknownChallenge):
		writeError(w, http.StatusNotFound, "unknown_challenge", err.Error())
	case errors.Is(err, challenge.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case err != nil:
		status := http.StatusBadGateway
		var apiErr *backing.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			status = apiErr.StatusCode
		}
		writeError(w, status, "backing_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, ch)
	}
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  s.notifier.List(),
		"unread": s.notifier.UnreadCount(),
	})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r.Context(), ratelimit.RuleMarkRead) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many mark-read calls")
		return
	}
	s.notifier.MarkRead(r.Context(), r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// messageRequest is the body of an outbound room message.
type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "invalid message payload")
		return
	}
	if err := protocol.ValidateChatText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
		return
	}

	frame, err := protocol.NewFrame(protocol.TypeChat, protocol.ChatFrame{
		RoomID: roomID,
		Text:   req.Text,
	})
	if err == nil && s.sender != nil {
		err = s.sender.Send(frame)
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_connected", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// typingRequest is the body of a typing signal from the frontend.
type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (s *Server) sendTyping(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_body", "invalid typing payload")
		return
	}

	if !s.allow(r.Context(), ratelimit.RuleTyping) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many typing signals")
		return
	}

	s.typing.MarkTyping(roomID, s.userID, req.IsTyping)

	if s.sender != nil {
		frame, err := protocol.NewFrame(protocol.TypeTyping, protocol.TypingFrame{
			RoomID:   roomID,
			IsTyping: req.IsTyping,
		})
		if err == nil {
			err = s.sender.Send(frame)
		}
		if err != nil {
			// Typing is best effort; the local aggregate stays updated.
			log.Printf("[api] typing relay failed room=%s: %v", roomID, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTyping(w http.ResponseWriter, r *http.Request) {
	users := s.typing.List(r.PathValue("room"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"line":  presence.FormatTyping(users),
	})
}

func (s *Server) roomFeed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.feed.Recent(r.PathValue("room")))
}

// allow consults the limiter, failing open when none is configured.
func (s *Server) allow(ctx context.Context, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.limiter.Allow(ctx, s.userID, rule)
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
