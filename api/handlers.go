package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cpacia/fdpindex/crawler"
	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/exchange"
	"github.com/cpacia/fdpindex/registry"
	"github.com/gorilla/mux"
)

// detailEvents is how many of the most recent events an entry detail
// carries.
const detailEvents = 50

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var ping crawler.Ping
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPingBody)).Decode(&ping); err != nil {
		writeError(w, http.StatusBadRequest, "malformed ping")
		return
	}

	_, err := s.index.AcceptIncomingPing(ping, s.remoteAddr(r), exchange.RequestFromHTTP(r))
	switch {
	case errors.Is(err, crawler.ErrInvalidPing):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrPingDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, crawler.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case err != nil:
		writeInternalError(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleTriggerAll(w http.ResponseWriter, r *http.Request) {
	_, err := s.index.TriggerAll(s.remoteAddr(r))
	if errors.Is(err, crawler.ErrShuttingDown) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	} else if err != nil {
		writeInternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var ping crawler.Ping
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPingBody)).Decode(&ping); err != nil || ping.ClientURL == "" {
		writeError(w, http.StatusBadRequest, "clientUrl is required")
		return
	}
	_, err := s.index.Trigger(ping.ClientURL, s.remoteAddr(r))
	if errors.Is(err, registry.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	} else if errors.Is(err, crawler.ErrShuttingDown) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	} else if err != nil {
		writeInternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// entryView is an entry as clients see it: the state is the presentation
// state.
type entryView struct {
	UUID            string                `json:"uuid"`
	ClientURL       string                `json:"clientUrl"`
	State           registry.Presentation `json:"state"`
	Permit          registry.Permit       `json:"permit"`
	RepositoryURI   string                `json:"repositoryUri"`
	MetadataVersion string                `json:"metadataVersion"`
	LastRetrievalAt *time.Time            `json:"lastRetrievalAt"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

type entryDetail struct {
	entryView
	Metadata string          `json:"metadata"`
	Events   []*events.Event `json:"events"`
}

func newEntryView(e *registry.Entry, threshold time.Time) entryView {
	v := entryView{
		UUID:            e.UUID,
		ClientURL:       e.ClientURL,
		State:           e.Presentation(threshold),
		Permit:          e.Permit,
		RepositoryURI:   e.RepositoryURI,
		MetadataVersion: e.MetadataVersion,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
	if !e.LastRetrievalAt.IsZero() {
		t := e.LastRetrievalAt
		v.LastRetrievalAt = &t
	}
	return v
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := registry.Filter{
		Threshold: s.index.ValidThreshold(),
		Offset:    page.offset(),
		Limit:     page.size,
	}
	if st := r.URL.Query().Get("state"); st != "" {
		filter.Presentation, err = registry.ParsePresentation(st)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if p := r.URL.Query().Get("permit"); p != "" {
		filter.Permit, err = registry.ParsePermit(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	entries, total, err := s.index.Registry().List(filter)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	content := make([]entryView, 0, len(entries))
	for _, e := range entries {
		content = append(content, newEntryView(e, filter.Threshold))
	}
	writeJSON(w, http.StatusOK, struct {
		Content []entryView `json:"content"`
		Page    pageInfo    `json:"page"`
	}{content, page.info(total)})
}

func (s *Server) handleEntriesInfo(w http.ResponseWriter, r *http.Request) {
	counts, err := s.index.Registry().Counts(s.index.ValidThreshold())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, struct {
		EntriesCount map[registry.Presentation]int `json:"entriesCount"`
		Total        int                           `json:"total"`
	}{counts, total})
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.index.Registry().Get(mux.Vars(r)["uuid"])
	if errors.Is(err, registry.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		writeInternalError(w, err)
		return
	}

	ledger := s.index.Ledger()
	q := events.Query{RelatedTo: entry.UUID, Limit: detailEvents}
	evs, total, err := ledger.List(q)
	if err == nil && total > detailEvents {
		q.Offset = total - detailEvents
		evs, _, err = ledger.List(q)
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entryDetail{
		entryView: newEntryView(entry, s.index.ValidThreshold()),
		Metadata:  entry.Metadata,
		Events:    evs,
	})
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Permit string `json:"permit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	permit, err := registry.ParsePermit(req.Permit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := s.index.Registry().SetPermit(mux.Vars(r)["uuid"], permit)
	if errors.Is(err, registry.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		writeInternalError(w, err)
		return
	}
	log.Infof("Permit of %s set to %s", entry.ClientURL, permit)
	writeJSON(w, http.StatusOK, newEntryView(entry, s.index.ValidThreshold()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := events.Query{
		RelatedTo: r.URL.Query().Get("entryUuid"),
		Offset:    page.offset(),
		Limit:     page.size,
	}
	if t := r.URL.Query().Get("type"); t != "" {
		typ, err := events.ParseType(t)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		q.Types = []events.Type{typ}
	}
	evs, total, err := s.index.Ledger().List(q)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Content []*events.Event `json:"content"`
		Page    pageInfo        `json:"page"`
	}{evs, page.info(total)})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.index.Ledger().Get(mux.Vars(r)["uuid"])
	if errors.Is(err, events.ErrEventNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}
