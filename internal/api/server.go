package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"msgsched/internal/domain"
	"msgsched/internal/store"
)

// InFlightSource lists ids dispatched and awaiting a result.
type InFlightSource interface {
	InFlight() []int64
}

type Options struct {
	// Location is the zone request times are converted into before storing.
	Location    *time.Location
	Now         func() time.Time
	EnableDebug bool
}

type Server struct {
	r        *chi.Mux
	repo     store.Repository
	inflight InFlightSource
	loc      *time.Location
	now      func() time.Time
}

func NewServer(repo store.Repository, inflight InFlightSource, opts Options) http.Handler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, inflight: inflight, loc: opts.Location, now: opts.Now}

	r.Get("/health", health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/messages", s.createMessage)
		r.Get("/messages", s.listMessages)
		r.Get("/messages/{id}", s.getMessage)
		r.Put("/messages/{id}", s.updateMessage)
		r.Delete("/messages/{id}", s.deleteMessage)
		r.Post("/messages/{id}/active", s.setActive)
		r.Get("/history", s.history)
		r.Get("/stats", s.stats)
		r.Get("/inflight", s.listInFlight)
	})

	// Debug routes (pprof)
	if opts.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

// NewProbeServer serves only /health and /metrics, for processes without a store.
func NewProbeServer() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Get("/health", health)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type messageReq struct {
	Recipients     []domain.Recipient `json:"recipients"`
	Message        string             `json:"message"`
	MediaPath      string             `json:"media_path"`
	ScheduledTime  time.Time          `json:"scheduled_time"`
	RepeatType     string             `json:"repeat_type"`
	RepeatDays     int                `json:"repeat_days"`
	ChannelVariant int                `json:"channel_variant"`
	IsActive       *bool              `json:"is_active"`
}

func (req messageReq) apply(it *domain.ScheduledItem, loc *time.Location) error {
	repeat := domain.RepeatOnce
	if req.RepeatType != "" {
		rt, err := domain.ParseRepeatType(req.RepeatType)
		if err != nil {
			return &domain.ValidationError{Field: "repeat_type", Reason: err.Error()}
		}
		repeat = rt
	}
	if req.RepeatDays < 0 || req.RepeatDays > int(domain.AllDays) {
		return &domain.ValidationError{Field: "repeat_days", Reason: "mask must be within 0..127"}
	}
	it.Recipients = req.Recipients
	it.Message = req.Message
	it.MediaPath = req.MediaPath
	if !req.ScheduledTime.IsZero() {
		it.ScheduledTime = req.ScheduledTime.In(loc)
	} else {
		it.ScheduledTime = time.Time{}
	}
	it.RepeatType = repeat
	it.RepeatDays = domain.DayMask(req.RepeatDays)
	it.ChannelVariant = domain.ChannelVariant(req.ChannelVariant)
	if req.IsActive != nil {
		it.IsActive = *req.IsActive
	}
	return nil
}

type messageResp struct {
	ID                int64              `json:"id"`
	Recipients        []domain.Recipient `json:"recipients"`
	DisplayRecipients string             `json:"display_recipients"`
	Message           string             `json:"message"`
	MediaPath         string             `json:"media_path,omitempty"`
	ScheduledTime     time.Time          `json:"scheduled_time"`
	RepeatType        string             `json:"repeat_type"`
	RepeatDays        int                `json:"repeat_days"`
	RepeatDaysLabel   string             `json:"repeat_days_label,omitempty"`
	IsActive          bool               `json:"is_active"`
	IsSent            bool               `json:"is_sent"`
	LastSentTime      *time.Time         `json:"last_sent_time,omitempty"`
	CreatedTime       time.Time          `json:"created_time"`
	ChannelVariant    int                `json:"channel_variant"`
	NextFireTime      *time.Time         `json:"next_fire_time,omitempty"`
}

func toResp(it domain.ScheduledItem) messageResp {
	resp := messageResp{
		ID:                it.ID,
		Recipients:        it.Recipients,
		DisplayRecipients: domain.DisplayRecipients(it),
		Message:           it.Message,
		MediaPath:         it.MediaPath,
		ScheduledTime:     it.ScheduledTime,
		RepeatType:        it.RepeatType.String(),
		RepeatDays:        int(it.RepeatDays),
		IsActive:          it.IsActive,
		IsSent:            it.IsSent,
		CreatedTime:       it.CreatedTime,
		ChannelVariant:    int(it.ChannelVariant),
	}
	if resp.Recipients == nil {
		resp.Recipients = []domain.Recipient{}
	}
	if it.RepeatType == domain.RepeatCustomDays {
		resp.RepeatDaysLabel = it.RepeatDays.String()
	}
	if !it.LastSentTime.IsZero() {
		last := it.LastSentTime
		resp.LastSentTime = &last
	}
	// Retired items have nothing left to fire.
	if it.IsActive && !(it.RepeatType == domain.RepeatOnce && it.IsSent) {
		next := domain.NextScheduledTime(it)
		resp.NextFireTime = &next
	}
	return resp
}

func toResps(items []domain.ScheduledItem) []messageResp {
	out := make([]messageResp, 0, len(items))
	for _, it := range items {
		out = append(out, toResp(it))
	}
	return out
}

type createMessageResp struct {
	ID int64 `json:"id"`
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var req messageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	it := domain.ScheduledItem{IsActive: true, CreatedTime: s.now().In(s.loc)}
	if err := req.apply(&it, s.loc); err != nil {
		writeError(w, err)
		return
	}
	it = domain.Normalize(it)
	if err := domain.Validate(it); err != nil {
		writeError(w, err)
		return
	}

	id, err := s.repo.Insert(r.Context(), it)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Int64("msg_id", id).Str("repeat", it.RepeatType.String()).Int("recipients", len(it.Recipients)).Msg("message scheduled")
	writeJSON(w, http.StatusCreated, createMessageResp{ID: id})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	var (
		items []domain.ScheduledItem
		err   error
	)
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		items, err = s.repo.GetActive(r.Context())
	} else {
		items, err = s.repo.GetAll(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toResps(items))
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	it, err := s.repo.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toResp(it))
}

func (s *Server) updateMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	// Get existing message
	it, err := s.repo.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req messageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := req.apply(&it, s.loc); err != nil {
		writeError(w, err)
		return
	}
	if err := domain.Validate(domain.Normalize(it)); err != nil {
		writeError(w, err)
		return
	}

	// Rescheduling starts the item over; the store decides against the
	// current row so a concurrent delivery is kept.
	it, err = s.repo.Edit(r.Context(), it)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toResp(it))
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.repo.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activeReq struct {
	Active *bool `json:"active"`
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req activeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Active == nil {
		http.Error(w, "active is required", 400)
		return
	}
	if err := s.repo.ToggleActive(r.Context(), id, *req.Active); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	items, err := s.repo.GetSentOnceHistory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toResps(items))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.repo.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, st)
}

type inflightResp struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) listInFlight(w http.ResponseWriter, r *http.Request) {
	ids := []int64{}
	if s.inflight != nil {
		if got := s.inflight.InFlight(); got != nil {
			ids = got
		}
	}
	writeJSON(w, 200, inflightResp{IDs: ids})
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", 400)
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		http.Error(w, ve.Error(), 400)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	default:
		log.Error().Err(err).Msg("store request failed")
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
