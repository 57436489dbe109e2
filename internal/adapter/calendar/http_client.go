package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"focus-sync/internal/domain"
)

const (
	propTaskID    = "focusTaskId"
	propSessionID = "focusSessionId"
)

// Config configures Client.
type Config struct {
	BaseURL      string
	Token        string
	RefreshToken string
	TokenURL     string
	// CalendarIDs are read by ListEvents; the first one receives writes and
	// is the one kept in sync.
	CalendarIDs []string
	Timeout     time.Duration
}

// Client implements ports.CalendarGateway against a Google Calendar v3
// compatible REST API.
type Client struct {
	baseURL   string
	calendars []string
	tokens    *tokenSource
	http      *http.Client
	log       *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.googleapis.com/calendar/v3"
	}
	if len(cfg.CalendarIDs) == 0 {
		cfg.CalendarIDs = []string{"primary"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	tokens := newTokenSource(cfg.Token, cfg.RefreshToken, cfg.TokenURL, &http.Client{Timeout: cfg.Timeout})
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		calendars: cfg.CalendarIDs,
		tokens:    tokens,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &oauth2.Transport{Source: tokens, Base: http.DefaultTransport},
		},
		log: log,
	}
}

func (c *Client) primary() string { return c.calendars[0] }

// ListEvents returns the events of every configured calendar starting in r.
// GET /calendars/{id}/events?timeMin=...&timeMax=...
func (c *Client) ListEvents(ctx context.Context, calendarIDs []string, r domain.TimeRange) ([]domain.CalendarEvent, error) {
	if len(calendarIDs) == 0 {
		calendarIDs = c.calendars
	}
	var out []domain.CalendarEvent
	for _, cal := range calendarIDs {
		pageToken := ""
		for {
			q := url.Values{}
			q.Set("timeMin", r.From.UTC().Format(time.RFC3339))
			q.Set("timeMax", r.To.UTC().Format(time.RFC3339))
			q.Set("singleEvents", "true")
			q.Set("orderBy", "startTime")
			if pageToken != "" {
				q.Set("pageToken", pageToken)
			}
			var page rawEventList
			if err := c.do(ctx, http.MethodGet, eventsPath(cal), q, nil, &page); err != nil {
				return nil, fmt.Errorf("list events of %s: %w", cal, err)
			}
			for _, item := range page.Items {
				if item.Status == "cancelled" {
					continue
				}
				out = append(out, item.toDomain(cal))
			}
			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
	}
	return out, nil
}

// CreateEvent inserts an event on the primary calendar and returns its id.
func (c *Client) CreateEvent(ctx context.Context, in domain.EventInput) (string, error) {
	body := rawEvent{
		Summary: in.Title,
		Start:   &rawTime{DateTime: in.Start.UTC().Format(time.RFC3339)},
		End:     &rawTime{DateTime: in.End.UTC().Format(time.RFC3339)},
		ColorID: in.Color,
	}
	if in.Link.TaskID != "" || in.Link.SessionID != "" {
		body.ExtendedProperties = &rawExtended{Private: map[string]string{
			propTaskID:    in.Link.TaskID,
			propSessionID: in.Link.SessionID,
		}}
	}
	var created rawEvent
	if err := c.do(ctx, http.MethodPost, eventsPath(c.primary()), nil, body, &created); err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("create event: response has no id")
	}
	return created.ID, nil
}

// UpdateEvent patches the given fields of an event on the primary calendar.
func (c *Client) UpdateEvent(ctx context.Context, eventID string, patch domain.EventPatch) error {
	var body rawEvent
	if patch.Title != nil {
		body.Summary = *patch.Title
	}
	if patch.Start != nil {
		body.Start = &rawTime{DateTime: patch.Start.UTC().Format(time.RFC3339)}
	}
	if patch.End != nil {
		body.End = &rawTime{DateTime: patch.End.UTC().Format(time.RFC3339)}
	}
	if patch.Color != nil {
		body.ColorID = *patch.Color
	}
	if err := c.do(ctx, http.MethodPatch, eventPath(c.primary(), eventID), nil, body, nil); err != nil {
		return fmt.Errorf("update event %s: %w", eventID, err)
	}
	return nil
}

// DeleteEvent removes an event. An event that is already gone yields
// domain.ErrRemoteNotFound.
func (c *Client) DeleteEvent(ctx context.Context, eventID string) error {
	if err := c.do(ctx, http.MethodDelete, eventPath(c.primary(), eventID), nil, nil, nil); err != nil {
		return fmt.Errorf("delete event %s: %w", eventID, err)
	}
	return nil
}

// FullSync lists one page of the primary calendar in r, including
// cancelled events. The last page carries the sync token.
func (c *Client) FullSync(ctx context.Context, r domain.TimeRange, pageToken string) (domain.FullSyncPage, error) {
	q := url.Values{}
	q.Set("timeMin", r.From.UTC().Format(time.RFC3339))
	q.Set("timeMax", r.To.UTC().Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("showDeleted", "true")
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var page rawEventList
	if err := c.do(ctx, http.MethodGet, eventsPath(c.primary()), q, nil, &page); err != nil {
		return domain.FullSyncPage{}, fmt.Errorf("full sync: %w", err)
	}
	out := domain.FullSyncPage{NextPageToken: page.NextPageToken, Cursor: page.NextSyncToken}
	for _, item := range page.Items {
		out.Events = append(out.Events, item.toDomain(c.primary()))
	}
	return out, nil
}

// IncrementalSync lists one page of changes since cursor. A cursor the
// server no longer accepts (410) yields domain.ErrCursorExpired.
func (c *Client) IncrementalSync(ctx context.Context, cursor, pageToken string) (domain.DeltaPage, error) {
	q := url.Values{}
	q.Set("syncToken", cursor)
	q.Set("singleEvents", "true")
	q.Set("showDeleted", "true")
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var page rawEventList
	err := c.do(ctx, http.MethodGet, eventsPath(c.primary()), q, nil, &page)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusGone {
		return domain.DeltaPage{}, fmt.Errorf("incremental sync: %w", domain.ErrCursorExpired)
	}
	if err != nil {
		return domain.DeltaPage{}, fmt.Errorf("incremental sync: %w", err)
	}
	out := domain.DeltaPage{NextPageToken: page.NextPageToken, Cursor: page.NextSyncToken}
	for _, item := range page.Items {
		if item.Status == "cancelled" {
			out.DeletedIDs = append(out.DeletedIDs, item.ID)
			continue
		}
		out.Changed = append(out.Changed, item.toDomain(c.primary()))
	}
	return out, nil
}

// do sends one request. On 401 it refreshes the access token once and
// retries before giving up with domain.ErrAuthExpired.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = b
	}

	for attempt := 0; ; attempt++ {
		err := c.send(ctx, method, path, q, payload, out)
		var se *statusError
		if attempt == 0 && errors.As(err, &se) && se.code == http.StatusUnauthorized && c.tokens.invalidate() {
			c.log.Info("calendar access token rejected, refreshing")
			continue
		}
		return err
	}
}

func (c *Client) send(ctx context.Context, method, path string, q url.Values, payload []byte, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var re *oauth2.RetrieveError
		if errors.Is(err, domain.ErrAuthExpired) || errors.As(err, &re) {
			return fmt.Errorf("%s %s: %v: %w", method, path, err, domain.ErrAuthExpired)
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, domain.ErrTransient)
	}
	defer resp.Body.Close()
	c.log.Debug("calendar request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("dur", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// tokenSource feeds the transport. When a refresh token is configured the
// cached access token can be dropped after a 401 so the next request trades
// the refresh token for a new one.
type tokenSource struct {
	conf    *oauth2.Config
	ctx     context.Context
	refresh string

	mu  sync.RWMutex
	src oauth2.TokenSource
}

func newTokenSource(access, refresh, tokenURL string, client *http.Client) *tokenSource {
	ts := &tokenSource{refresh: refresh}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh}
	switch {
	case refresh != "" && tokenURL != "":
		ts.conf = &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams}}
		ts.ctx = context.WithValue(context.Background(), oauth2.HTTPClient, client)
		ts.src = ts.conf.TokenSource(ts.ctx, tok)
	case access != "":
		ts.src = oauth2.StaticTokenSource(tok)
	}
	return ts
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	ts.mu.RLock()
	src := ts.src
	ts.mu.RUnlock()
	if src == nil {
		return nil, fmt.Errorf("missing access token: %w", domain.ErrAuthExpired)
	}
	return src.Token()
}

// invalidate forces a refresh on the next request. It reports false when
// there is no refresh token to fall back on.
func (ts *tokenSource) invalidate() bool {
	if ts.conf == nil {
		return false
	}
	ts.mu.Lock()
	ts.src = ts.conf.TokenSource(ts.ctx, &oauth2.Token{RefreshToken: ts.refresh})
	ts.mu.Unlock()
	return true
}

// statusError is a non-2xx response. It unwraps to the matching domain
// sentinel so callers can use errors.Is.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("calendar: unexpected status %d: %s", e.code, e.body)
}

func (e *statusError) Unwrap() error {
	switch {
	case e.code == http.StatusUnauthorized:
		return domain.ErrAuthExpired
	case e.code == http.StatusNotFound || e.code == http.StatusGone:
		return domain.ErrRemoteNotFound
	case e.code == http.StatusTooManyRequests || e.code >= 500:
		return domain.ErrTransient
	}
	return nil
}

func eventsPath(calendarID string) string {
	return "/calendars/" + url.PathEscape(calendarID) + "/events"
}

func eventPath(calendarID, eventID string) string {
	return eventsPath(calendarID) + "/" + url.PathEscape(eventID)
}

// rawEvent mirrors the Calendar v3 event resource fields we use.
type rawEvent struct {
	ID                 string       `json:"id,omitempty"`
	Status             string       `json:"status,omitempty"`
	Summary            string       `json:"summary,omitempty"`
	Start              *rawTime     `json:"start,omitempty"`
	End                *rawTime     `json:"end,omitempty"`
	ColorID            string       `json:"colorId,omitempty"`
	Updated            time.Time    `json:"updated,omitzero"`
	ExtendedProperties *rawExtended `json:"extendedProperties,omitempty"`
}

type rawTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

type rawExtended struct {
	Private map[string]string `json:"private,omitempty"`
}

type rawEventList struct {
	Items         []rawEvent `json:"items"`
	NextPageToken string     `json:"nextPageToken"`
	NextSyncToken string     `json:"nextSyncToken"`
}

func (t *rawTime) parse() time.Time {
	if t == nil {
		return time.Time{}
	}
	if t.DateTime != "" {
		if v, err := time.Parse(time.RFC3339, t.DateTime); err == nil {
			return v.UTC()
		}
	}
	if t.Date != "" {
		if v, err := time.Parse(time.DateOnly, t.Date); err == nil {
			return v
		}
	}
	return time.Time{}
}

func (r rawEvent) toDomain(calendarID string) domain.CalendarEvent {
	ev := domain.CalendarEvent{
		ID:         r.ID,
		CalendarID: calendarID,
		Title:      r.Summary,
		Start:      r.Start.parse(),
		End:        r.End.parse(),
		Color:      r.ColorID,
		Deleted:    r.Status == "cancelled",
		Updated:    r.Updated,
	}
	if r.ExtendedProperties != nil {
		ev.Link = domain.LinkMetadata{
			TaskID:    r.ExtendedProperties.Private[propTaskID],
			SessionID: r.ExtendedProperties.Private[propSessionID],
		}
	}
	return ev
}
