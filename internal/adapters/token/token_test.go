package token

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/dkeye/mindflex/internal/core"
)

var testConfig = Config{
	ServerURL: "wss://lk.example.test",
	APIKey:    "devkey",
	APISecret: "a-secret-that-is-long-enough-for-hs256-signing",
}

type claims struct {
	Sub      string `json:"sub"`
	Name     string `json:"name"`
	Metadata string `json:"metadata"`
	Exp      int64  `json:"exp"`
	Video    struct {
		RoomJoin       bool   `json:"roomJoin"`
		Room           string `json:"room"`
		CanPublish     *bool  `json:"canPublish"`
		CanSubscribe   *bool  `json:"canSubscribe"`
		CanPublishData *bool  `json:"canPublishData"`
	} `json:"video"`
}

func decodeClaims(t *testing.T, jwt string) claims {
	t.Helper()
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		t.Fatalf("not a jwt: %q", jwt)
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return c
}

func TestIssueGrantsRoomRights(t *testing.T) {
	iss := NewIssuer(testConfig)
	iss.now = func() time.Time { return time.UnixMilli(1700000000000) }

	creds, err := iss.Issue(core.CredentialRequest{Room: "wellness", Identity: "user-42", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if creds.ServerURL != testConfig.ServerURL || creds.Room != "wellness" || creds.ParticipantName != "Ada" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}

	c := decodeClaims(t, creds.Token)
	if c.Sub != "user-42" || c.Name != "Ada" {
		t.Fatalf("identity claims: sub=%q name=%q", c.Sub, c.Name)
	}
	v := c.Video
	if !v.RoomJoin || v.Room != "wellness" {
		t.Fatalf("room grant: %+v", v)
	}
	for name, b := range map[string]*bool{"canPublish": v.CanPublish, "canSubscribe": v.CanSubscribe, "canPublishData": v.CanPublishData} {
		if b == nil || !*b {
			t.Fatalf("%s not granted", name)
		}
	}
	var meta metadata
	if err := json.Unmarshal([]byte(c.Metadata), &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.FirstName != "Ada" || meta.Timestamp != 1700000000000 {
		t.Fatalf("metadata: %+v", meta)
	}
	if c.Exp == 0 {
		t.Fatal("token without expiry")
	}
}

func TestIssueDefaultsNameToIdentity(t *testing.T) {
	creds, err := NewIssuer(testConfig).Issue(core.CredentialRequest{Room: "r", Identity: "user-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if creds.ParticipantName != "user-1" {
		t.Fatalf("name = %q", creds.ParticipantName)
	}
}

func TestIssueErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		req  core.CredentialRequest
		want error
	}{
		{"missing room", testConfig, core.CredentialRequest{Identity: "u"}, ErrMissingParams},
		{"missing username", testConfig, core.CredentialRequest{Room: "r", Identity: "  "}, ErrMissingParams},
		{"no secret", Config{ServerURL: "wss://x", APIKey: "k"}, core.CredentialRequest{Room: "r", Identity: "u"}, ErrNotConfigured},
		{"no url", Config{APIKey: "k", APISecret: "s"}, core.CredentialRequest{Room: "r", Identity: "u"}, ErrNotConfigured},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewIssuer(tc.cfg).Issue(tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestClientPostsRequest(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"t0k","wsUrl":"wss://lk","room":"wellness","participantName":"Ada"}`))
	}))
	defer srv.Close()

	creds, err := NewClient(srv.URL, srv.Client()).Credentials(context.Background(),
		core.CredentialRequest{Room: "wellness", Identity: "user-42", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if got.Room != "wellness" || got.Username != "user-42" || got.FirstName != "Ada" {
		t.Fatalf("request body: %+v", got)
	}
	if creds.Token != "t0k" || creds.ServerURL != "wss://lk" || creds.Room != "wellness" {
		t.Fatalf("credentials: %+v", creds)
	}
}

func TestClientNon2xxIsHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Server configuration error"}`))
	}))
	defer srv.Close()

	creds, err := NewClient(srv.URL, srv.Client()).Credentials(context.Background(),
		core.CredentialRequest{Room: "r", Identity: "u"})
	if creds != nil {
		t.Fatalf("credentials on failure: %+v", creds)
	}
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "Server configuration error") {
		t.Fatalf("err = %v", err)
	}
}

func TestClientRejectsEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"wsUrl":"wss://lk"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.Client()).Credentials(context.Background(),
		core.CredentialRequest{Room: "r", Identity: "u"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v", err)
	}
}
