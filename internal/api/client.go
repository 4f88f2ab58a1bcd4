package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

var (
	// ErrNotYet is returned by JoinMeeting while the interviewer has not
	// been recorded as present.
	ErrNotYet = errors.New("interviewer not yet present")
	// ErrUnauthorized is returned for 401 responses.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("not found")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Body)
}

// Client talks to the meeting backend on behalf of one session cookie.
type Client struct {
	baseURL    string
	cookieName string
	token      string
	http       *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates an API client. baseURL includes the /auth prefix.
func NewClient(baseURL, cookieName, token string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cookieName: cookieName,
		token:      token,
		http:       &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ domain.Backend = (*Client)(nil)

func (c *Client) meetingPath(room string, suffix string) string {
	return "/meetings/" + url.PathEscape(strings.ToLower(room)) + suffix
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: c.cookieName, Value: c.token})
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and decodes a JSON body into out (if non-nil).
func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: http request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", ErrUnauthorized, se)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, se)
		}
		return se
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", op, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(op, req, out)
}

func (c *Client) sendJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(op, req, out)
}

// CurrentUser fetches the user behind the session cookie.
func (c *Client) CurrentUser(ctx context.Context) (*domain.User, error) {
	var u domain.User
	if err := c.getJSON(ctx, "api.CurrentUser", "/users/me", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Meeting fetches meeting metadata and its active flag.
func (c *Client) Meeting(ctx context.Context, room string) (*domain.Meeting, error) {
	var m domain.Meeting
	if err := c.getJSON(ctx, "api.Meeting", c.meetingPath(room, ""), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RemainingTime fetches the server-side remaining time.
func (c *Client) RemainingTime(ctx context.Context, room string) (*domain.RemainingTime, error) {
	var rt domain.RemainingTime
	if err := c.getJSON(ctx, "api.RemainingTime", c.meetingPath(room, "/remaining-time"), &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// MarkStarted records the interviewer's start of the meeting.
func (c *Client) MarkStarted(ctx context.Context, room string) error {
	return c.sendJSON(ctx, "api.MarkStarted", http.MethodPost, c.meetingPath(room, "/start"), struct{}{}, nil)
}

type joinRequest struct {
	Name string `json:"name"`
}

// JoinMeeting records the candidate's join. A 403 means the interviewer has
// not joined yet and maps to ErrNotYet.
func (c *Client) JoinMeeting(ctx context.Context, room, name string) error {
	err := c.sendJSON(ctx, "api.JoinMeeting", http.MethodPost, c.meetingPath(room, "/join"), joinRequest{Name: name}, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusForbidden {
		return fmt.Errorf("%w: %w", ErrNotYet, se)
	}
	return err
}

// MarkEnded closes the meeting on the backend.
func (c *Client) MarkEnded(ctx context.Context, room string) error {
	return c.sendJSON(ctx, "api.MarkEnded", http.MethodPost, c.meetingPath(room, "/end"), struct{}{}, nil)
}

// UploadRecording posts the finished recording as multipart form fields
// "file" and "duration" (seconds, decimal string). The body is streamed.
func (c *Client) UploadRecording(ctx context.Context, room string, file io.Reader, duration time.Duration) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeRecordingForm(mw, file, duration)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, c.meetingPath(room, "/recording"), pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	if err := c.do("api.UploadRecording", req, nil); err != nil {
		pr.Close()
		return err
	}
	log.Info().Str("module", "api").Str("room", room).Dur("duration", duration).Msg("recording uploaded")
	return nil
}

func writeRecordingForm(mw *multipart.Writer, file io.Reader, duration time.Duration) error {
	if err := mw.WriteField("duration", FormatSeconds(duration)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", "recording.webm")
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file)
	return err
}

// FormatSeconds renders d as decimal seconds, ex: "93.25".
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

type durationUpdate struct {
	Duration *int `json:"duration"`
}

// UpdateDuration sets the configured duration in minutes (nil = unlimited).
func (c *Client) UpdateDuration(ctx context.Context, room string, minutes *int) error {
	return c.sendJSON(ctx, "api.UpdateDuration", http.MethodPatch, c.meetingPath(room, ""), durationUpdate{Duration: minutes}, nil)
}
