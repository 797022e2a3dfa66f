package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/International-Combat-Archery-Alliance/gmailer"
	"github.com/International-Combat-Archery-Alliance/gmailer/tokenclient"
)

const sendPath = "/gmail/v1/users/me/messages/send"

// fakeGoogle serves both the token endpoint and the Gmail send endpoint and
// records the order in which they were called.
type fakeGoogle struct {
	mu         sync.Mutex
	calls      []string
	raw        []string
	auth       []string
	sendStatus int
	sendBody   string
	tokenBody  string
	server     *httptest.Server
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	f := &fakeGoogle{
		sendStatus: http.StatusOK,
		sendBody:   `{"id":"msg-1","threadId":"thread-1","labelIds":["SENT"]}`,
		tokenBody:  `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.record("refresh")
		w.Header().Set("Content-Type", "application/json")
		if r.FormValue("refresh_token") != "rt" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		fmt.Fprint(w, f.tokenBody)
	})
	mux.HandleFunc(sendPath, func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			Raw string `json:"raw"`
		}
		_ = json.NewDecoder(r.Body).Decode(&msg)

		f.mu.Lock()
		f.calls = append(f.calls, "send")
		f.raw = append(f.raw, msg.Raw)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.sendStatus)
		fmt.Fprint(w, f.sendBody)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGoogle) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeGoogle) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGoogle) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "abc",
		ClientSecret: "xyz",
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.send"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   f.server.URL + "/auth",
			TokenURL:  f.server.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

type savedTokens struct {
	mu     sync.Mutex
	tokens []gmailer.Token
}

func (s *savedTokens) SaveToken(_ context.Context, tok gmailer.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, tok)
	return nil
}

func newTestTransmitter(t *testing.T, f *fakeGoogle, tok gmailer.Token, saver tokenclient.TokenSaver) *Transmitter {
	t.Helper()
	ctx := context.Background()
	client := tokenclient.Attach(f.config(), tok, saver)
	tx, err := NewTransmitter(ctx, client, option.WithEndpoint(f.server.URL+"/"))
	if err != nil {
		t.Fatalf("NewTransmitter: %v", err)
	}
	return tx
}

func storedToken(expiry time.Time, refresh string) gmailer.Token {
	return gmailer.Token{
		AccessToken:       "stored",
		RefreshToken:      refresh,
		Scope:             "https://www.googleapis.com/auth/gmail.send",
		TokenType:         "Bearer",
		ExpiryEpochMillis: expiry.UnixMilli(),
	}
}

var testEnvelope = gmailer.Compose(gmailer.OutgoingMessage{
	From:    "a@x",
	To:      "b@y",
	Subject: "Hi",
	Body:    "Hello",
})

func TestSend_ValidToken(t *testing.T) {
	f := newFakeGoogle(t)
	tx := newTestTransmitter(t, f, storedToken(time.Now().Add(time.Hour), "rt"), nil)

	res, err := tx.Send(context.Background(), testEnvelope)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if res.ID != "msg-1" || res.ThreadID != "thread-1" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.LabelIDs) != 1 || res.LabelIDs[0] != "SENT" {
		t.Errorf("expected SENT label, got %v", res.LabelIDs)
	}
	if res.Transport != "gmail" {
		t.Errorf("expected transport gmail, got %q", res.Transport)
	}

	if got := f.callLog(); len(got) != 1 || got[0] != "send" {
		t.Errorf("expected a single send, got %v", got)
	}
	if f.raw[0] != testEnvelope.String() {
		t.Errorf("expected raw %q, got %q", testEnvelope, f.raw[0])
	}
	if f.auth[0] != "Bearer stored" {
		t.Errorf("expected stored token on the request, got %q", f.auth[0])
	}
}

func TestSend_RefreshesBeforeSending(t *testing.T) {
	f := newFakeGoogle(t)
	saver := &savedTokens{}
	tx := newTestTransmitter(t, f, storedToken(time.Now().Add(-time.Minute), "rt"), saver)

	if _, err := tx.Send(context.Background(), testEnvelope); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got := f.callLog()
	if len(got) != 2 || got[0] != "refresh" || got[1] != "send" {
		t.Fatalf("expected refresh then send, got %v", got)
	}
	if f.auth[0] != "Bearer fresh" {
		t.Errorf("expected refreshed token on the request, got %q", f.auth[0])
	}

	if len(saver.tokens) != 1 {
		t.Fatalf("expected one saved token, got %d", len(saver.tokens))
	}
	saved := saver.tokens[0]
	if saved.AccessToken != "fresh" || saved.RefreshToken != "rt" {
		t.Errorf("unexpected saved token %+v", saved)
	}
	if saved.ExpiredAt(time.Now()) {
		t.Errorf("saved token already expired: %v", saved.Expiry())
	}
}

func TestSend_ExpiredWithoutRefreshToken(t *testing.T) {
	f := newFakeGoogle(t)
	tx := newTestTransmitter(t, f, storedToken(time.Now().Add(-time.Minute), ""), nil)

	_, err := tx.Send(context.Background(), testEnvelope)

	var gerr *gmailer.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected gmailer.Error, got %T: %v", err, err)
	}
	if gerr.Reason != gmailer.REASON_TOKEN_EXPIRED {
		t.Errorf("expected reason %s, got %s", gmailer.REASON_TOKEN_EXPIRED, gerr.Reason)
	}
	if got := f.callLog(); len(got) != 0 {
		t.Errorf("expected no requests, got %v", got)
	}
}

func TestSend_RefreshRejected(t *testing.T) {
	f := newFakeGoogle(t)
	tx := newTestTransmitter(t, f, storedToken(time.Now().Add(-time.Minute), "revoked"), nil)

	_, err := tx.Send(context.Background(), testEnvelope)

	if reason, _ := gmailer.ReasonOf(err); reason != gmailer.REASON_TOKEN_EXPIRED {
		t.Errorf("expected reason %s, got %s", gmailer.REASON_TOKEN_EXPIRED, reason)
	}
	if got := f.callLog(); len(got) != 1 || got[0] != "refresh" {
		t.Errorf("expected only the refresh attempt, got %v", got)
	}
}

func TestSend_GmailErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		message   string
		wantFault gmailer.Fault
	}{
		{name: "invalid recipient", status: 400, message: "Invalid To header: recipient address required", wantFault: gmailer.FAULT_PAYLOAD},
		{name: "malformed message", status: 400, message: "Invalid value for ByteString", wantFault: gmailer.FAULT_PAYLOAD},
		{name: "too large", status: 400, message: "Message too large", wantFault: gmailer.FAULT_PAYLOAD},
		{name: "bad credentials", status: 401, message: "Invalid Credentials", wantFault: gmailer.FAULT_AUTH},
		{name: "insufficient scope", status: 403, message: "Request had insufficient authentication scopes.", wantFault: gmailer.FAULT_AUTH},
		{name: "user rate limit", status: 403, message: "User-rate limit exceeded", wantFault: gmailer.FAULT_QUOTA},
		{name: "domain policy", status: 403, message: "Mail service not enabled for this domain", wantFault: gmailer.FAULT_REJECTED},
		{name: "too many requests", status: 429, message: "Too many concurrent requests for user", wantFault: gmailer.FAULT_QUOTA},
		{name: "internal error", status: 500, message: "Backend Error", wantFault: gmailer.FAULT_SERVICE},
		{name: "unavailable", status: 503, message: "Service unavailable", wantFault: gmailer.FAULT_SERVICE},
		{name: "gateway timeout", status: 504, message: "Deadline exceeded", wantFault: gmailer.FAULT_SERVICE},
		{name: "bad gateway", status: 502, message: "Bad Gateway", wantFault: gmailer.FAULT_SERVICE},
		{name: "not found", status: 404, message: "Requested entity was not found.", wantFault: gmailer.FAULT_UNKNOWN},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGoogle(t)
			f.sendStatus = tt.status
			f.sendBody = fmt.Sprintf(`{"error":{"code":%d,"message":%q}}`, tt.status, tt.message)
			tx := newTestTransmitter(t, f, storedToken(time.Now().Add(time.Hour), "rt"), nil)

			_, err := tx.Send(context.Background(), testEnvelope)
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			var gerr *gmailer.Error
			if !errors.As(err, &gerr) {
				t.Fatalf("expected gmailer.Error, got %T", err)
			}
			if gerr.Reason != gmailer.REASON_TRANSMIT {
				t.Errorf("expected reason %s, got %s", gmailer.REASON_TRANSMIT, gerr.Reason)
			}
			if gerr.Fault != tt.wantFault {
				t.Errorf("expected fault %s, got %s", tt.wantFault, gerr.Fault)
			}
			if got := f.callLog(); len(got) != 1 {
				t.Errorf("expected exactly one attempt, got %v", got)
			}
		})
	}
}

func TestSend_NetworkFailure(t *testing.T) {
	f := newFakeGoogle(t)
	tx := newTestTransmitter(t, f, storedToken(time.Now().Add(time.Hour), "rt"), nil)
	f.server.Close()

	_, err := tx.Send(context.Background(), testEnvelope)
	if fault := gmailer.FaultOf(err); fault != gmailer.FAULT_NETWORK {
		t.Errorf("expected fault %s, got %s (%v)", gmailer.FAULT_NETWORK, fault, err)
	}
}

func TestMapGmailError_PassesThroughOwnErrors(t *testing.T) {
	own := gmailer.NewTokenExpiredError("expired", nil)
	wrapped := fmt.Errorf("Post: %w", own)

	if got := mapGmailError(wrapped); got != own {
		t.Errorf("expected the same error back, got %v", got)
	}
	if fault := gmailer.FaultOf(mapGmailError(errors.New("something odd"))); fault != gmailer.FAULT_UNKNOWN {
		t.Errorf("expected fault %s, got %s", gmailer.FAULT_UNKNOWN, fault)
	}
}
