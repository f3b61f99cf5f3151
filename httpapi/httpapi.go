// Package httpapi exposes the schedule, week history, sync controls, and
// preferences over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/timetab/timetab/cache"
	"github.com/timetab/timetab/icalexport"
	"github.com/timetab/timetab/prefs"
	"github.com/timetab/timetab/schedule"
	"github.com/timetab/timetab/sheetparse"
	"github.com/timetab/timetab/syncer"
	"github.com/timetab/timetab/weekstore"
)

// Server wires the HTTP surface over the stores and the sync coordinator.
type Server struct {
	Weeks     *weekstore.Store
	Settings  *prefs.Settings
	Favorites *prefs.Favorites
	Coord     *syncer.Coordinator
	// StaleAfter drives the stale flag on schedule responses. Zero means
	// cache.DefaultStaleAfter.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Router builds the chi router with all routes registered.
func (s *Server) Router() chi.Router {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = cache.DefaultStaleAfter
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/schedule", s.handleSchedule)
		r.Get("/groups", s.handleGroups)
		r.Get("/groups/{groupID}/ical", s.handleICal)

		r.Get("/weeks", s.handleWeeks)
		r.Post("/weeks/{weekID}/activate", s.handleActivate)
		r.Delete("/cache", s.handleClearCache)

		r.Post("/sync", s.handleSync)
		r.Get("/status", s.handleStatus)
		r.Post("/status/dismiss", s.handleDismiss)

		r.Post("/import", s.handleImport)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)

		r.Get("/favorites", s.handleGetFavorites)
		r.Put("/favorites/{groupID}", s.handleAddFavorite)
		r.Delete("/favorites/{groupID}", s.handleRemoveFavorite)
		r.Put("/favorites/default-course", s.handleDefaultCourse)
	})

	return r
}

type scheduleResponse struct {
	WeekID     string                                  `json:"week_id"`
	Name       string                                  `json:"name"`
	UploadedAt int64                                   `json:"uploaded_at"`
	Stale      bool                                    `json:"stale"`
	Groups     []scheduleGroup                         `json:"groups"`
	Schedule   map[string]map[string][]schedule.Lesson `json:"schedule"`
}

type scheduleGroup struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Course   int    `json:"course"`
	Subgroup int    `json:"subgroup"`
	Favorite bool   `json:"favorite"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, err := s.Weeks.ActiveWeek(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entry == nil || entry.Snapshot == nil {
		s.writeError(w, http.StatusNotFound, errors.New("no schedule loaded"))
		return
	}

	stale := false
	if rec, rerr := s.Weeks.Record(ctx); rerr == nil {
		stale = cache.IsStale(rec, time.Now(), s.StaleAfter)
	}

	fav := s.Favorites.Get(ctx)
	favSet := make(map[string]bool, len(fav.Groups))
	for _, id := range fav.Groups {
		favSet[id] = true
	}

	resp := scheduleResponse{
		WeekID:     entry.WeekID,
		Name:       entry.Name,
		UploadedAt: entry.UploadedAt,
		Stale:      stale,
		Schedule:   entry.Snapshot.Schedule,
	}
	for _, g := range entry.Snapshot.Groups {
		resp.Groups = append(resp.Groups, scheduleGroup{
			ID: g.ID, Name: g.Name, Course: g.Course, Subgroup: g.Subgroup,
			Favorite: favSet[g.ID],
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, err := s.Weeks.ActiveWeek(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entry == nil || entry.Snapshot == nil {
		s.writeJSON(w, http.StatusOK, []scheduleGroup{})
		return
	}

	fav := s.Favorites.Get(ctx)
	favSet := make(map[string]bool, len(fav.Groups))
	for _, id := range fav.Groups {
		favSet[id] = true
	}

	groups := make([]scheduleGroup, 0, len(entry.Snapshot.Groups))
	for _, g := range entry.Snapshot.Groups {
		groups = append(groups, scheduleGroup{
			ID: g.ID, Name: g.Name, Course: g.Course, Subgroup: g.Subgroup,
			Favorite: favSet[g.ID],
		})
	}
	s.writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleICal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := chi.URLParam(r, "groupID")

	entry, err := s.Weeks.ActiveWeek(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entry == nil || entry.Snapshot == nil {
		s.writeError(w, http.StatusNotFound, errors.New("no schedule loaded"))
		return
	}

	out, err := icalexport.Calendar(entry.Snapshot, groupID, icalexport.WeekStart(time.Now()))
	if err != nil {
		if errors.Is(err, icalexport.ErrUnknownGroup) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="schedule.ics"`)
	w.Write([]byte(out))
}

type weekSummary struct {
	WeekID     string `json:"week_id"`
	Name       string `json:"name"`
	UploadedAt int64  `json:"uploaded_at"`
	Active     bool   `json:"active"`
}

func (s *Server) handleWeeks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := s.Weeks.Weeks(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	active, _ := s.Weeks.ActiveWeek(ctx)

	out := make([]weekSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, weekSummary{
			WeekID:     e.WeekID,
			Name:       e.Name,
			UploadedAt: e.UploadedAt,
			Active:     active != nil && active.WeekID == e.WeekID,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	weekID := chi.URLParam(r, "weekID")
	err := s.Weeks.SetActiveWeek(r.Context(), weekID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"active_week_id": weekID})
	case errors.Is(err, weekstore.ErrUnknownWeek):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, weekstore.ErrBusy):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	err := s.Weeks.ClearAll(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, weekstore.ErrBusy):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Coord.Fetch(r.Context(), false)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status": "synced",
			"groups": len(snap.Groups),
		})
	case errors.Is(err, weekstore.ErrBusy):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, syncer.ErrNoData):
		s.writeError(w, http.StatusNotFound, err)
	default:
		s.writeError(w, http.StatusBadGateway, err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Coord.Status(r.Context()))
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.Coord.DismissError()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(sheetparse.MaxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()

	if err := sheetparse.CheckUpload(header.Filename, header.Size); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	payload, err := sheetparse.ReadWorkbook(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := sheetparse.Parse(payload)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	name := sheetparse.UploadName(header.Filename)
	entry, err := s.Weeks.SaveWeek(ctx, name, name, cache.SourceFile, snap)
	switch {
	case err == nil:
	case errors.Is(err, weekstore.ErrBusy):
		s.writeError(w, http.StatusConflict, err)
		return
	default:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.Logger.Info("workbook imported", "week_id", entry.WeekID, "groups", len(snap.Groups))
	s.writeJSON(w, http.StatusCreated, weekSummary{
		WeekID:     entry.WeekID,
		Name:       entry.Name,
		UploadedAt: entry.UploadedAt,
		Active:     true,
	})
}

type settingsUpdate struct {
	Mode     *prefs.Mode `json:"mode,omitempty"`
	AutoSync *bool       `json:"auto_sync,omitempty"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Settings.Get(r.Context()))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var upd settingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode settings: %w", err))
		return
	}
	if upd.Mode != nil {
		if *upd.Mode != prefs.ModeOnline && *upd.Mode != prefs.ModeOffline {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown mode %q", *upd.Mode))
			return
		}
		if err := s.Settings.SetMode(ctx, *upd.Mode); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if upd.AutoSync != nil {
		if err := s.Settings.SetAutoSync(ctx, *upd.AutoSync); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.Settings.Get(ctx))
}

func (s *Server) handleGetFavorites(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Favorites.Get(r.Context()))
}

func (s *Server) handleAddFavorite(w http.ResponseWriter, r *http.Request) {
	if err := s.Favorites.Add(r.Context(), chi.URLParam(r, "groupID")); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Favorites.Get(r.Context()))
}

func (s *Server) handleRemoveFavorite(w http.ResponseWriter, r *http.Request) {
	if err := s.Favorites.Remove(r.Context(), chi.URLParam(r, "groupID")); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Favorites.Get(r.Context()))
}

func (s *Server) handleDefaultCourse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Course string `json:"course"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode course: %w", err))
		return
	}
	if err := s.Favorites.SetDefaultCourse(r.Context(), body.Course); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Favorites.Get(r.Context()))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
