package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/webhook"
	"github.com/gorilla/mux"
)

type webhookRequest struct {
	PayloadURL string   `json:"payloadUrl"`
	Secret     string   `json:"secret"`
	AllEvents  bool     `json:"allEvents"`
	Events     []string `json:"events"`
	AllEntries bool     `json:"allEntries"`
	Entries    []string `json:"entries"`
	Enabled    bool     `json:"enabled"`
}

func (req *webhookRequest) toWebhook() (*webhook.Webhook, error) {
	u, err := url.Parse(req.PayloadURL)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid payloadUrl %q", req.PayloadURL)
	}
	w := &webhook.Webhook{
		PayloadURL: req.PayloadURL,
		Secret:     req.Secret,
		AllEvents:  req.AllEvents,
		AllEntries: req.AllEntries,
		Entries:    req.Entries,
		Enabled:    req.Enabled,
	}
	for _, s := range req.Events {
		t, err := events.ParseType(s)
		if err != nil {
			return nil, err
		}
		w.Events = append(w.Events, t)
	}
	return w, nil
}

func decodeWebhook(r *http.Request) (*webhook.Webhook, error) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("malformed webhook")
	}
	return req.toWebhook()
}

func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.index.Webhooks().List()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if hooks == nil {
		hooks = []*webhook.Webhook{}
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := decodeWebhook(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.index.Webhooks().Create(hook); err != nil {
		writeInternalError(w, err)
		return
	}
	log.Infof("Created webhook %s for %s", hook.UUID, hook.PayloadURL)
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.index.Webhooks().Get(mux.Vars(r)["uuid"])
	if errors.Is(err, webhook.ErrWebhookNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := decodeWebhook(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hook.UUID = mux.Vars(r)["uuid"]
	err = s.index.Webhooks().Update(hook)
	if errors.Is(err, webhook.ErrWebhookNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	err := s.index.Webhooks().Delete(mux.Vars(r)["uuid"])
	if errors.Is(err, webhook.ErrWebhookNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		writeInternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePingWebhook(w http.ResponseWriter, r *http.Request) {
	ev, err := s.index.PingWebhook(mux.Vars(r)["uuid"], s.remoteAddr(r))
	if errors.Is(err, webhook.ErrWebhookNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}
