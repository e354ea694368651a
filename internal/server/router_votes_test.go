package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/auth"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/realtime"
	"github.com/habibuoy/signalr-demo-aspnc-sub000/internal/votes"
)

const (
	testUserHeader    = "X-Test-User"
	testAllowedOrigin = "https://polls.example.com"
)

type headerSessionValidator struct{}

func (headerSessionValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	userID := r.Header.Get(testUserHeader)
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	if userID == "" {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	return auth.SessionClaims{UserID: userID}, nil
}

type routerFixture struct {
	handler http.Handler
	hub     *realtime.Hub
	service *votes.Service
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := realtime.NewHub(realtime.HubConfig{})
	sequence := 0
	service, err := votes.NewService(votes.ServiceConfig{
		Store:  votes.NewMemoryStore(nil),
		Queue:  votes.NewCastQueue(),
		Groups: hub,
		IDProvider: votes.IDProviderFunc(func() (string, error) {
			sequence++
			return "vote-" + string(rune('0'+sequence)), nil
		}),
	})
	if err != nil {
		t.Fatalf("failed to construct vote service: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          headerSessionValidator{},
		Votes:             service,
		Hub:               hub,
		HeartbeatInterval: time.Second,
		AllowedOrigins:    []string{testAllowedOrigin},
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return routerFixture{handler: handler, hub: hub, service: service}
}

func (f routerFixture) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		payload = bytes.NewReader(encoded)
	} else {
		payload = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, payload)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set(testUserHeader, userID)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", recorder.Body.String(), err)
	}
	return body["error"]
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingSessionValidator) {
		t.Fatalf("expected missing validator error, got %v", err)
	}
}

func TestHealthDoesNotRequireSession(t *testing.T) {
	fixture := newRouterFixture(t)
	if recorder := fixture.do(t, http.MethodGet, "/healthz", "", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodGet, "/votes/vote-1", "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", recorder.Code)
	}
}

func TestVoteLifecycleOverHTTP(t *testing.T) {
	fixture := newRouterFixture(t)

	created := fixture.do(t, http.MethodPost, "/votes", "admin", map[string]any{
		"title":     "Lunch",
		"subjects":  []string{"Pizza", "Sushi"},
		"max_count": 2,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	var view votes.VoteView
	if err := json.Unmarshal(created.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode vote: %v", err)
	}
	if view.VoteID != "vote-1" || view.CreatorID != "admin" || len(view.Subjects) != 2 {
		t.Fatalf("unexpected created vote %#v", view)
	}

	if recorder := fixture.do(t, http.MethodPost, "/votes/vote-1/ballots", "voter-1", map[string]any{"subject_id": 1}); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for first ballot, got %d: %s", recorder.Code, recorder.Body.String())
	}

	duplicate := fixture.do(t, http.MethodPost, "/votes/vote-1/ballots", "voter-1", map[string]any{"subject_id": 2})
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected 409 for repeat voter, got %d", duplicate.Code)
	}
	if code := decodeError(t, duplicate); code != "votes.cast_ballot.already_voted" {
		t.Fatalf("unexpected error code %q", code)
	}

	if recorder := fixture.do(t, http.MethodPost, "/votes/vote-1/ballots", "voter-2", map[string]any{"subject_id": 9}); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown subject, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodPost, "/votes/vote-1/ballots", "voter-2", map[string]any{"subject_id": 2}); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for second voter, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodPost, "/votes/vote-1/ballots", "voter-3", map[string]any{"subject_id": 1}); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 once full, got %d", recorder.Code)
	}

	fetched := fixture.do(t, http.MethodGet, "/votes/vote-1", "voter-3", nil)
	if fetched.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", fetched.Code)
	}
	if err := json.Unmarshal(fetched.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode vote: %v", err)
	}
	if view.Total != 2 || view.Accepting {
		t.Fatalf("unexpected vote state %#v", view)
	}
}

func TestRequestValidationErrors(t *testing.T) {
	fixture := newRouterFixture(t)

	if recorder := fixture.do(t, http.MethodPost, "/votes", "admin", map[string]any{"title": "Lunch", "subjects": []string{"a", "b"}, "max_count": 3}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid capacity, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodPost, "/votes/vote-1/ballots", "voter-1", map[string]any{"subject_id": 0}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing subject, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodGet, "/votes/missing", "voter-1", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown vote, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodPost, "/votes/missing/subscription", "voter-1", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when subscribing to unknown vote, got %d", recorder.Code)
	}
}

func TestDeferredBallotIsAccepted(t *testing.T) {
	fixture := newRouterFixture(t)
	recorder := fixture.do(t, http.MethodPost, "/votes/any/ballots/deferred", "voter-1", map[string]any{"subject_id": 1})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[votes.Kind]int{
		votes.KindInvalid:   http.StatusBadRequest,
		votes.KindNotFound:  http.StatusNotFound,
		votes.KindConflict:  http.StatusConflict,
		votes.KindForbidden: http.StatusForbidden,
		votes.KindTransient: http.StatusServiceUnavailable,
		votes.KindInternal:  http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Fatalf("statusForKind(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestSubscriptionRoutesAffectEveryConnection(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.do(t, http.MethodPost, "/votes", "admin", map[string]any{"title": "Lunch", "subjects": []string{"Pizza"}})

	first, err := fixture.hub.Connect("voter-1")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	second, err := fixture.hub.Connect("voter-1")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	recorder := fixture.do(t, http.MethodPost, "/votes/vote-1/subscription", "voter-1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response subscriptionResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Connections != 2 {
		t.Fatalf("expected both connections subscribed, got %d", response.Connections)
	}
	members := fixture.hub.GroupMembers(votes.GroupName("vote-1"))
	if len(members) != 2 {
		t.Fatalf("expected two group members, got %v", members)
	}

	recorder = fixture.do(t, http.MethodDelete, "/votes/vote-1/subscription", "voter-1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if members := fixture.hub.GroupMembers(votes.GroupName("vote-1")); len(members) != 0 {
		t.Fatalf("expected group emptied, got %v", members)
	}
	fixture.hub.Disconnect(first.ID())
	fixture.hub.Disconnect(second.ID())
}

func TestRealtimeSocketSubscribeCommand(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.do(t, http.MethodPost, "/votes", "admin", map[string]any{"title": "Lunch", "subjects": []string{"Pizza"}})

	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime?user=voter-1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	if err := client.WriteJSON(realtime.Command{Action: "subscribe", VoteID: "vote-1"}); err != nil {
		t.Fatalf("failed to send command: %v", err)
	}

	events := make([]string, 0, 2)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(events) < 2 {
		var message realtime.Message
		if err := client.ReadJSON(&message); err != nil {
			t.Fatalf("failed to read message: %v", err)
		}
		events = append(events, message.Event)
	}
	if events[0] != realtime.EventVoteSnapshot || events[1] != realtime.EventSubscribed {
		t.Fatalf("unexpected event sequence %v", events)
	}

	if err := client.WriteJSON(realtime.Command{Action: "subscribe", VoteID: "missing"}); err != nil {
		t.Fatalf("failed to send command: %v", err)
	}
	var failure realtime.Message
	if err := client.ReadJSON(&failure); err != nil {
		t.Fatalf("failed to read error: %v", err)
	}
	if failure.Event != realtime.EventError {
		t.Fatalf("expected error event, got %s", failure.Event)
	}
}

func TestRealtimeSocketRejectsUnlistedOrigin(t *testing.T) {
	fixture := newRouterFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime?user=voter-1"

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, response, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("expected handshake from unlisted origin to fail")
	}
	if response == nil || response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake response, got %v", response)
	}

	header.Set("Origin", testAllowedOrigin)
	client, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("expected listed origin to connect: %v", err)
	}
	_ = client.Close()
}

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{" https://Polls.Example.com/ ", ""})
	if !policy.allows("https://polls.example.com") {
		t.Fatalf("expected normalized origin to be allowed")
	}
	if policy.allows("https://evil.example.com") || policy.allows("") {
		t.Fatalf("expected unlisted origins to be rejected")
	}

	sameHost := httptest.NewRequest(http.MethodGet, "http://api.example.com/realtime", nil)
	sameHost.Header.Set("Origin", "https://API.example.com")
	if !policy.checkSocketOrigin(sameHost) {
		t.Fatalf("expected same-host origin to be allowed")
	}
	noOrigin := httptest.NewRequest(http.MethodGet, "http://api.example.com/realtime", nil)
	if !policy.checkSocketOrigin(noOrigin) {
		t.Fatalf("expected request without origin to be allowed")
	}
	crossSite := httptest.NewRequest(http.MethodGet, "http://api.example.com/realtime", nil)
	crossSite.Header.Set("Origin", "https://evil.example.com")
	if policy.checkSocketOrigin(crossSite) {
		t.Fatalf("expected cross-site origin to be rejected")
	}
}
