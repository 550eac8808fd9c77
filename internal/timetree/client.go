// Package timetree is the calendar source client: it signs in to the
// TimeTree web API and pulls calendar metadata and raw event records.
package timetree

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "ttexport/internal/log"
	"ttexport/internal/model"
)

const (
	DefaultBaseURL = "https://timetreeapp.com/api"
	DefaultTimeout = 15 * time.Second

	// apiAgent is sent in the X-Timetreea header; the web API rejects
	// requests without it.
	apiAgent      = "web/2.1.0/en"
	sessionCookie = "_session_id"

	// maxSyncPages bounds the chunked event sync so a misbehaving server
	// cannot keep a run alive forever.
	maxSyncPages = 200
)

var (
	// ErrUnauthorized is returned when sign-in is rejected.
	ErrUnauthorized = errors.New("timetree: invalid credentials")
	// ErrNoSession is returned when sign-in succeeds without a session cookie.
	ErrNoSession = errors.New("timetree: no session cookie in sign-in response")
)

// StatusError is a non-2xx API response.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("timetree: %s: unexpected status %d %s", e.Op, e.Status, http.StatusText(e.Status))
}

// Client talks to the TimeTree web API. It is safe for concurrent use; the
// session is passed explicitly so tenants share one client.
type Client struct {
	baseURL string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// NewClient creates a Client with a bounded per-request timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type signInRequest struct {
	UID      string `json:"uid"`
	Password string `json:"password"`
	UUID     string `json:"uuid"`
}

// Authenticate signs in with email and password and returns the session id.
func (c *Client) Authenticate(ctx context.Context, cred model.Credential) (model.Session, error) {
	if cred.Email == "" || cred.Password == "" {
		return "", ErrUnauthorized
	}

	payload, err := json.Marshal(signInRequest{
		UID:      cred.Email,
		Password: cred.Password,
		UUID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/v1/auth/email/signin", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timetreea", apiAgent)

	appLog.Debug("timetree sign-in", "email", appLog.RedactEmail(cred.Email))

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("timetree: sign-in: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusNotFound:
		return "", ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return "", &StatusError{Op: "sign-in", Status: resp.StatusCode}
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie && ck.Value != "" {
			return model.Session(ck.Value), nil
		}
	}
	return "", ErrNoSession
}

// flexID accepts calendar ids encoded either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if s, err := strconv.Unquote(string(b)); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("calendar id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type calendarDTO struct {
	ID            flexID `json:"id"`
	AliasCode     string `json:"alias_code"`
	Name          string `json:"name"`
	DeactivatedAt *int64 `json:"deactivated_at"`
}

type calendarsResponse struct {
	Calendars []calendarDTO `json:"calendars"`
}

// FetchMetadata lists every calendar of the account in server order,
// deactivated ones included.
func (c *Client) FetchMetadata(ctx context.Context, session model.Session) ([]model.CalendarMetadata, error) {
	var body calendarsResponse
	if err := c.getJSON(ctx, session, "calendars", "/v2/calendars?since=0", &body); err != nil {
		return nil, err
	}

	out := make([]model.CalendarMetadata, 0, len(body.Calendars))
	for _, cal := range body.Calendars {
		m := model.CalendarMetadata{
			ID:        string(cal.ID),
			AliasCode: cal.AliasCode,
			Name:      cal.Name,
		}
		if cal.DeactivatedAt != nil {
			t := time.UnixMilli(*cal.DeactivatedAt).UTC()
			m.DeactivatedAt = &t
		}
		out = append(out, m)
	}
	return out, nil
}

type syncResponse struct {
	Events []json.RawMessage `json:"events"`
	Chunk  bool              `json:"chunk"`
	Since  int64             `json:"since"`
}

// FetchEvents pulls every event record of the calendar, following the
// chunked sync cursor until the server reports the last chunk.
func (c *Client) FetchEvents(ctx context.Context, session model.Session, calendarID string) ([]model.RawEvent, error) {
	if calendarID == "" {
		return nil, errors.New("timetree: calendar id is empty")
	}

	base := "/v1/calendar/" + url.PathEscape(calendarID) + "/events/sync"
	path := base
	events := make([]model.RawEvent, 0)

	for page := 0; ; page++ {
		if page >= maxSyncPages {
			return nil, fmt.Errorf("timetree: event sync exceeded %d pages", maxSyncPages)
		}

		var body syncResponse
		if err := c.getJSON(ctx, session, "events", path, &body); err != nil {
			return nil, err
		}
		for _, raw := range body.Events {
			events = append(events, model.RawEvent(raw))
		}
		if !body.Chunk {
			break
		}
		path = base + "?since=" + strconv.FormatInt(body.Since, 10)
	}

	appLog.Debug("timetree events fetched", "calendar_id", calendarID, "count", len(events))
	return events, nil
}

func (c *Client) getJSON(ctx context.Context, session model.Session, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Timetreea", apiAgent)
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: string(session)})

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("timetree: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Op: op, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("timetree: %s: decode response: %w", op, err)
	}
	return nil
}
