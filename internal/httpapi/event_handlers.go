package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"tallybot.org/internal/engine"
)

type callbackRequest struct {
	ChatID int64  `json:"chat_id"`
	Action string `json:"action"`
}

type startRequest struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type replyResponse struct {
	Handled bool         `json:"handled"`
	Reply   engine.Reply `json:"reply"`
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var ev engine.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if ev.ChatID == 0 || ev.UserID == 0 {
		writeError(w, r, http.StatusBadRequest, "chat_id and user_id are required")
		return
	}

	reply := a.engine.HandleMessage(r.Context(), ev)
	writeJSON(w, http.StatusOK, replyResponse{
		Handled: !reply.IsZero(),
		Reply:   reply,
	})
}

func (a *API) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req callbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ChatID == 0 {
		writeError(w, r, http.StatusBadRequest, "chat_id is required")
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, r, http.StatusBadRequest, "action is required")
		return
	}

	reply := a.engine.HandleCallback(r.Context(), req.ChatID, req.Action)
	writeJSON(w, http.StatusOK, replyResponse{
		Handled: !reply.IsZero(),
		Reply:   reply,
	})
}

// handleChatResource routes /v1/chats/{id}/start and /v1/chats/{id}.
func (a *API) handleChatResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/chats/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if rest, ok := strings.CutSuffix(path, "/start"); ok {
		chatID, err := parseChatID(rest)
		if err != nil {
			writeError(w, r, http.StatusNotFound, "chat not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.startChat(w, r, chatID)
		return
	}

	chatID, err := parseChatID(path)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodDelete:
		a.removeChat(w, r, chatID)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

func (a *API) startChat(w http.ResponseWriter, r *http.Request, chatID int64) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == 0 {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	reply := a.engine.HandleStart(r.Context(), engine.Event{
		ChatID:   chatID,
		UserID:   req.UserID,
		Username: req.Username,
	})
	writeJSON(w, http.StatusOK, replyResponse{
		Handled: !reply.IsZero(),
		Reply:   reply,
	})
}

// removeChat wipes the chat's live state and snapshot history. The transport
// calls it when the bot is kicked from a group.
func (a *API) removeChat(w http.ResponseWriter, r *http.Request, chatID int64) {
	if err := a.engine.HandleRemoved(r.Context(), chatID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseChatID(raw string) (int64, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "/")
	return strconv.ParseInt(raw, 10, 64)
}
