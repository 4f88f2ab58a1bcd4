package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/auth", "session_token", "tok", 2*time.Second)
}

func TestCurrentUser_SendsCookie(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/users/me" {
			t.Errorf("path = %q", r.URL.Path)
		}
		ck, err := r.Cookie("session_token")
		if err != nil || ck.Value != "tok" {
			http.Error(w, "no cookie", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"email":"a@b.c","full_name":"Ada L","role":"candidate","analysis_mode":"cloud"}`))
	})

	u, err := c.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if u.DisplayName() != "Ada L" || u.Role != "candidate" {
		t.Errorf("unexpected user %+v", u)
	}
}

func TestMeeting_LowercasesRoom(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/meetings/abcd1234" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"abcd1234","active":true,"duration":15}`))
	})

	m, err := c.Meeting(context.Background(), "ABCD1234")
	if err != nil {
		t.Fatalf("Meeting: %v", err)
	}
	if !m.Active || m.Duration == nil || *m.Duration != 15 {
		t.Errorf("unexpected meeting %+v", m)
	}
}

func TestJoinMeeting_ForbiddenIsNotYet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		http.Error(w, `{"detail":"Interviewer has not joined yet"}`, http.StatusForbidden)
	})

	err := c.JoinMeeting(context.Background(), "room", "Ada")
	if !errors.Is(err, ErrNotYet) {
		t.Fatalf("err = %v, want ErrNotYet", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusForbidden {
		t.Errorf("expected wrapped StatusError, got %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		})
		if _, err := c.RemainingTime(context.Background(), "room"); !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestUploadRecording_Multipart(t *testing.T) {
	type form struct {
		duration, filename, body string
	}
	got := make(chan form, 1)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/meetings/room/recording" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		got <- form{duration: r.FormValue("duration"), filename: hdr.Filename, body: string(b)}
	})

	err := c.UploadRecording(context.Background(), "room", strings.NewReader("webm-bytes"), 93250*time.Millisecond)
	if err != nil {
		t.Fatalf("UploadRecording: %v", err)
	}

	f := <-got
	if f.duration != "93.25" {
		t.Errorf("duration = %q, want 93.25", f.duration)
	}
	if f.body != "webm-bytes" || !strings.HasSuffix(f.filename, ".webm") {
		t.Errorf("unexpected file part %+v", f)
	}
}

func TestUpdateDuration(t *testing.T) {
	bodies := make(chan map[string]any, 2)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s", r.Method)
		}
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		bodies <- m
		_, _ = w.Write([]byte(`{}`))
	})

	ten := 10
	if err := c.UpdateDuration(context.Background(), "room", &ten); err != nil {
		t.Fatal(err)
	}
	if err := c.UpdateDuration(context.Background(), "room", nil); err != nil {
		t.Fatal(err)
	}

	if m := <-bodies; m["duration"] != float64(10) {
		t.Errorf("first body = %v", m)
	}
	if m := <-bodies; m["duration"] != nil {
		t.Errorf("second body = %v, want null duration", m)
	}
}

func TestFormatSeconds(t *testing.T) {
	if got := FormatSeconds(1500 * time.Millisecond); got != "1.5" {
		t.Errorf("FormatSeconds = %q", got)
	}
	if got := FormatSeconds(42 * time.Second); got != "42" {
		t.Errorf("FormatSeconds = %q", got)
	}
}
