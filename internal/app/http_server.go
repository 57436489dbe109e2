package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"focus-sync/internal/domain"
	"focus-sync/internal/usecase"
)

// HTTPServer returns a configured http.Server exposing the task, session and
// sync operations. Call ListenAndServe on the returned server in a goroutine
// and Shutdown it on exit.
func (a *App) HTTPServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(a.log, a.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.log.Info("http server configured", slog.String("addr", addr))
	return srv
}

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// POST /sync?full=1
	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		rep, err := a.RunOnce(r.Context(), flag(r, "full"))
		writeReport(w, rep, err)
	})
	mux.HandleFunc("POST /foreground", func(w http.ResponseWriter, r *http.Request) {
		rep, err := a.Foreground(r.Context())
		writeReport(w, rep, err)
	})
	// POST /connectivity?online=true|false
	mux.HandleFunc("POST /connectivity", func(w http.ResponseWriter, r *http.Request) {
		online, err := strconv.ParseBool(r.URL.Query().Get("online"))
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("online must be true or false"))
			return
		}
		a.SetOnline(online)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": online})
	})

	mux.HandleFunc("POST /tasks", a.handleCreateTask)
	mux.HandleFunc("POST /tasks/{id}/sessions", a.handleSchedule)
	mux.HandleFunc("POST /tasks/{id}/import", a.handleImport)
	mux.HandleFunc("POST /tasks/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		s, err := a.ctrl.Start(r.Context(), r.PathValue("id"), r.URL.Query().Get("session"), a.now())
		writeSession(w, s, err)
	})
	mux.HandleFunc("POST /tasks/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		t, err := a.ctrl.CompleteTask(r.Context(), r.PathValue("id"), a.now())
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, newTaskView(t))
	})

	mux.HandleFunc("GET /sessions/active", func(w http.ResponseWriter, r *http.Request) {
		s, t, ok, err := a.ctrl.Active(r.Context())
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"active": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"active":  true,
			"task":    newTaskView(t),
			"session": newSessionView(s),
		})
	})
	// POST /sessions/{id}/stop?keep=1
	mux.HandleFunc("POST /sessions/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		res, err := a.ctrl.Stop(r.Context(), r.PathValue("id"), a.now(), flag(r, "keep"))
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"outcome": res.Outcome,
			"session": newSessionView(res.Session),
		})
	})
	mux.HandleFunc("POST /sessions/{id}/continue", func(w http.ResponseWriter, r *http.Request) {
		s, err := a.ctrl.Continue(r.Context(), r.PathValue("id"), a.now())
		writeSession(w, s, err)
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := a.planner.Unschedule(r.Context(), r.PathValue("id"), a.now()); err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /queue/failed", func(w http.ResponseWriter, r *http.Request) {
		ops, err := a.queue.Failed(r.Context())
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		out := make([]operationView, 0, len(ops))
		for _, op := range ops {
			out = append(out, newOperationView(op))
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("POST /queue/retry", func(w http.ResponseWriter, r *http.Request) {
		n, err := a.queue.RetryFailed(r.Context())
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "requeued": n})
	})

	// GET /calendar/events?from=...&to=...
	// from/to accept RFC3339 or YYYY-MM-DD. If omitted, defaults to today.
	mux.HandleFunc("GET /calendar/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		now := a.now().In(a.cfg.Location())
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		from := parseStartHTTP(q.Get("from"), day)
		to := parseEndHTTP(q.Get("to"), day.AddDate(0, 0, 1))
		if !to.After(from) {
			writeError(w, http.StatusBadRequest, errors.New("to must be after from"))
			return
		}
		evs, err := a.gateway.ListEvents(r.Context(), a.cfg.Calendar.CalendarIDs, domain.TimeRange{From: from, To: to})
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		out := make([]eventView, 0, len(evs))
		for _, ev := range evs {
			out = append(out, newEventView(ev))
		}
		writeJSON(w, http.StatusOK, out)
	})

	return mux
}

type createTaskRequest struct {
	Title            string   `json:"title"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	TagIDs           []string `json:"tag_ids"`
	Color            string   `json:"color"`
	ScheduledDate    string   `json:"scheduled_date"`
}

func (a *App) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decode(w, r, &req) {
		return
	}
	in := usecase.TaskInput{
		Title:            req.Title,
		EstimatedMinutes: req.EstimatedMinutes,
		TagIDs:           req.TagIDs,
		Color:            req.Color,
	}
	if req.ScheduledDate != "" {
		d, err := time.ParseInLocation("2006-01-02", req.ScheduledDate, a.cfg.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("scheduled_date must be YYYY-MM-DD"))
			return
		}
		in.ScheduledDate = d
	}
	t, err := a.planner.CreateTask(r.Context(), in, a.now())
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, newTaskView(t))
}

type scheduleRequest struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	AutoEnd *bool     `json:"auto_end"`
}

func (a *App) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	autoEnd := true
	if req.AutoEnd != nil {
		autoEnd = *req.AutoEnd
	}
	s, err := a.planner.Schedule(r.Context(), r.PathValue("id"), req.Start, req.End, autoEnd, a.now())
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionView(s))
}

type importRequest struct {
	EventID    string    `json:"event_id"`
	CalendarID string    `json:"calendar_id"`
	Title      string    `json:"title"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

func (a *App) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decode(w, r, &req) {
		return
	}
	if req.EventID == "" {
		writeError(w, http.StatusBadRequest, errors.New("event_id is required"))
		return
	}
	ev := domain.CalendarEvent{
		ID:         req.EventID,
		CalendarID: req.CalendarID,
		Title:      req.Title,
		Start:      req.Start,
		End:        req.End,
	}
	s, err := a.planner.LinkImported(r.Context(), r.PathValue("id"), ev, a.now())
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionView(s))
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSessionNotActive),
		errors.Is(err, domain.ErrSessionActive),
		errors.Is(err, domain.ErrNotResumable),
		errors.Is(err, domain.ErrSessionDiscarded),
		errors.Is(err, domain.ErrLinkConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransient),
		errors.Is(err, domain.ErrAuthExpired),
		errors.Is(err, domain.ErrCursorExpired),
		errors.Is(err, domain.ErrRemoteNotFound),
		errors.Is(err, domain.ErrMissingCursor):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func flag(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"status": "error", "error": err.Error()})
}

func writeSession(w http.ResponseWriter, s domain.Session, err error) {
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s))
}

func writeReport(w http.ResponseWriter, rep *usecase.Report, err error) {
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(statusOf(err))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "error",
			"error":  err.Error(),
			"report": rep,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "report": rep})
}

// loggingMiddleware provides basic request logging.
func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Duration("dur", time.Since(start)),
		)
	})
}

// parseStartHTTP parses a start boundary that may be RFC3339 or YYYY-MM-DD.
// If empty or invalid, defaultVal is returned.
func parseStartHTTP(val string, defaultVal time.Time) time.Time {
	if val == "" {
		return defaultVal
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t
	}
	if d, err := time.ParseInLocation("2006-01-02", val, defaultVal.Location()); err == nil {
		return d
	}
	return defaultVal
}

// parseEndHTTP parses an end boundary that may be RFC3339 or YYYY-MM-DD.
// Date-only form is inclusive: it becomes the following midnight.
func parseEndHTTP(val string, defaultVal time.Time) time.Time {
	if val == "" {
		return defaultVal
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t
	}
	if d, err := time.ParseInLocation("2006-01-02", val, defaultVal.Location()); err == nil {
		return d.AddDate(0, 0, 1)
	}
	return defaultVal
}
