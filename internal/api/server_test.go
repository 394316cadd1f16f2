package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"markethub/pkg/types"
)

type fakeHub struct {
	orderCalls   []string
	support      []types.SupportRequest
	notes        map[string][]types.Notification
	markedIDs    []string
	err          error
	statsPayload types.Stats
}

func (f *fakeHub) Stats() types.Stats { return f.statsPayload }

func (f *fakeHub) BroadcastOrderStatus(_ context.Context, orderID, status string, _ map[string]any) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.orderCalls = append(f.orderCalls, orderID+":"+status)
	return 2, nil
}

func (f *fakeHub) RequestSupport(_ context.Context, userID, issue string, priority types.Priority) (types.SupportRequest, error) {
	if f.err != nil {
		return types.SupportRequest{}, f.err
	}
	req := types.SupportRequest{
		RoomID:    types.SupportRoomID(userID),
		Requester: types.User{ID: userID},
		Issue:     issue,
		Priority:  priority,
		Status:    types.SupportPending,
	}
	f.support = append(f.support, req)
	return req, nil
}

func (f *fakeHub) ListSupport(status types.SupportStatus) ([]types.SupportRequest, error) {
	if status != "" && !types.IsValidSupportStatus(status) {
		return nil, fmt.Errorf("%w: status", types.ErrInvalidArgument)
	}
	return f.support, nil
}

func (f *fakeHub) AssignSupportAgent(_ context.Context, roomID, agentID string) (types.SupportRequest, error) {
	if f.err != nil {
		return types.SupportRequest{}, f.err
	}
	return types.SupportRequest{RoomID: roomID, Status: types.SupportAssigned, Assignee: &types.User{ID: agentID}}, nil
}

func (f *fakeHub) UpdateSupportStatus(_ context.Context, roomID, _ string, status types.SupportStatus) (types.SupportRequest, error) {
	if f.err != nil {
		return types.SupportRequest{}, f.err
	}
	return types.SupportRequest{RoomID: roomID, Status: status}, nil
}

func (f *fakeHub) UnreadNotifications(_ context.Context, userID string) ([]types.Notification, error) {
	return f.notes[userID], nil
}

func (f *fakeHub) MarkNotificationsRead(_ context.Context, _ string, ids []string) error {
	f.markedIDs = append(f.markedIDs, ids...)
	return nil
}

type fakeStore struct {
	healthErr error
	users     map[string]types.User
	orders    map[string]string
}

func (f *fakeStore) HealthCheck(context.Context) error { return f.healthErr }

func (f *fakeStore) UpsertUser(_ context.Context, user types.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpsertOrder(_ context.Context, orderID, userID, _ string) error {
	if _, ok := f.users[userID]; !ok {
		return fmt.Errorf("%w: user %s", types.ErrNotFound, userID)
	}
	f.orders[orderID] = userID
	return nil
}

type fakeRegistry struct{}

func (fakeRegistry) GetStats() map[string]int {
	return map[string]int{"total_connections": 3, "online_users": 2}
}

func newTestServer() (*Server, *fakeHub, *fakeStore) {
	hub := &fakeHub{notes: map[string][]types.Notification{}}
	store := &fakeStore{users: map[string]types.User{}, orders: map[string]string{}}
	ws := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }
	return NewServer(hub, store, fakeRegistry{}, ws, nil, zerolog.Nop()), hub, store
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestServer_Health(t *testing.T) {
	is := require.New(t)
	s, _, store := newTestServer()

	rec := do(s, http.MethodGet, "/health", "")
	is.Equal(http.StatusOK, rec.Code)
	is.Equal("application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	is.NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	is.Equal("healthy", resp.Status)
	is.Equal(3, resp.Connections["total_connections"])

	// When the store is down the endpoint reports unavailable
	store.healthErr = errors.New("disk gone")
	rec = do(s, http.MethodGet, "/health", "")
	is.Equal(http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Stats(t *testing.T) {
	is := require.New(t)
	s, hub, _ := newTestServer()
	hub.statsPayload = types.Stats{Rooms: 4, MaxRooms: 10, RoomUtilization: 40}

	rec := do(s, http.MethodGet, "/api/stats", "")

	is.Equal(http.StatusOK, rec.Code)
	var stats types.Stats
	is.NoError(json.Unmarshal(rec.Body.Bytes(), &stats))
	is.Equal(4, stats.Rooms)
	is.InDelta(40.0, stats.RoomUtilization, 0.001)
}

func TestServer_OrderStatus(t *testing.T) {
	is := require.New(t)
	s, hub, _ := newTestServer()

	rec := do(s, http.MethodPost, "/api/orders/123/status", `{"status":"shipped","payload":{"carrier":"ups"}}`)

	is.Equal(http.StatusAccepted, rec.Code)
	var resp OrderStatusResponse
	is.NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	is.Equal(2, resp.Delivered)
	is.Equal([]string{"123:shipped"}, hub.orderCalls)
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fmt.Errorf("%w: order", types.ErrNotFound), http.StatusNotFound, types.CodeNotFound},
		{"forbidden", types.ErrForbidden, http.StatusForbidden, types.CodeForbidden},
		{"capacity", types.ErrCapacityExceeded, http.StatusServiceUnavailable, types.CodeCapacityExceeded},
		{"too large", types.ErrMessageTooLarge, http.StatusRequestEntityTooLarge, types.CodeMessageTooLarge},
		{"rate limited", types.ErrRateLimited, http.StatusTooManyRequests, types.CodeRateLimited},
		{"invalid", types.ErrInvalidArgument, http.StatusBadRequest, types.CodeInvalidArgument},
		{"internal", errors.New("boom"), http.StatusInternalServerError, types.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, hub, _ := newTestServer()
			hub.err = tt.err

			rec := do(s, http.MethodPost, "/api/orders/123/status", `{"status":"shipped"}`)

			require.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			require.Equal(t, tt.code, resp.Code)
			if tt.status == http.StatusInternalServerError {
				require.Equal(t, "internal error", resp.Message)
			}
		})
	}
}

func TestServer_RequestValidation(t *testing.T) {
	s, _, _ := newTestServer()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"malformed json", http.MethodPost, "/api/support", `{`},
		{"missing issue", http.MethodPost, "/api/support", `{"user_id":"alice"}`},
		{"bad user id", http.MethodPost, "/api/support", `{"user_id":"a b","issue":"x"}`},
		{"bad priority", http.MethodPost, "/api/support", `{"user_id":"alice","issue":"x","priority":"asap"}`},
		{"missing status", http.MethodPost, "/api/orders/123/status", `{}`},
		{"bad support status", http.MethodPatch, "/api/support/support_alice", `{"actor_id":"sam","status":"done"}`},
		{"empty ids", http.MethodPost, "/api/users/alice/notifications/read", `{"ids":[]}`},
		{"bad role", http.MethodPut, "/api/users/alice", `{"name":"Alice","role":"owner"}`},
		{"bad list filter", http.MethodGet, "/api/support?status=done", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, tt.method, tt.path, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, types.CodeInvalidArgument, decodeError(t, rec).Code)
		})
	}
}

func TestServer_BodyTooLarge(t *testing.T) {
	s, _, _ := newTestServer()
	body := `{"user_id":"alice","issue":"` + strings.Repeat("x", maxBodyBytes) + `"}`

	rec := do(s, http.MethodPost, "/api/support", body)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServer_SupportFlow(t *testing.T) {
	is := require.New(t)
	s, _, _ := newTestServer()

	// Given a support request filed over HTTP
	rec := do(s, http.MethodPost, "/api/support", `{"user_id":"alice","issue":"late parcel","priority":"high"}`)
	is.Equal(http.StatusCreated, rec.Code)

	// Then it is listed
	rec = do(s, http.MethodGet, "/api/support", "")
	is.Equal(http.StatusOK, rec.Code)
	var list SupportListResponse
	is.NoError(json.Unmarshal(rec.Body.Bytes(), &list))
	is.Len(list.Requests, 1)
	is.Equal("support_alice", list.Requests[0].RoomID)

	// When an agent is assigned and the request resolved
	rec = do(s, http.MethodPost, "/api/support/support_alice/assign", `{"agent_id":"sam"}`)
	is.Equal(http.StatusOK, rec.Code)
	var assigned types.SupportRequest
	is.NoError(json.Unmarshal(rec.Body.Bytes(), &assigned))
	is.Equal("sam", assigned.Assignee.ID)

	rec = do(s, http.MethodPatch, "/api/support/support_alice", `{"actor_id":"sam","status":"resolved"}`)
	is.Equal(http.StatusOK, rec.Code)
}

func TestServer_Notifications(t *testing.T) {
	is := require.New(t)
	s, hub, _ := newTestServer()
	hub.notes["alice"] = []types.Notification{{ID: "n1", UserID: "alice", Title: "Order 123"}}

	rec := do(s, http.MethodGet, "/api/users/alice/notifications", "")
	is.Equal(http.StatusOK, rec.Code)
	var resp NotificationsResponse
	is.NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	is.Len(resp.Notifications, 1)

	rec = do(s, http.MethodGet, "/api/users/bob/notifications", "")
	is.Equal(http.StatusOK, rec.Code)
	is.Contains(rec.Body.String(), `"notifications":[]`)

	rec = do(s, http.MethodPost, "/api/users/alice/notifications/read", `{"ids":["n1"]}`)
	is.Equal(http.StatusNoContent, rec.Code)
	is.Equal([]string{"n1"}, hub.markedIDs)
}

func TestServer_Provisioning(t *testing.T) {
	is := require.New(t)
	s, _, store := newTestServer()

	// An order for an unknown user is rejected
	rec := do(s, http.MethodPut, "/api/orders/123", `{"user_id":"alice"}`)
	is.Equal(http.StatusNotFound, rec.Code)

	rec = do(s, http.MethodPut, "/api/users/alice", `{"name":"Alice","role":"customer"}`)
	is.Equal(http.StatusOK, rec.Code)
	is.Equal(types.RoleCustomer, store.users["alice"].Role)

	rec = do(s, http.MethodPut, "/api/orders/123", `{"user_id":"alice"}`)
	is.Equal(http.StatusNoContent, rec.Code)
	is.Equal("alice", store.orders["123"])
}

func TestServer_WebsocketAndMetricsRoutes(t *testing.T) {
	is := require.New(t)
	s, _, _ := newTestServer()

	rec := do(s, http.MethodGet, "/ws", "")
	is.Equal(http.StatusTeapot, rec.Code)

	rec = do(s, http.MethodGet, "/metrics", "")
	is.Equal(http.StatusOK, rec.Code)
	is.Contains(rec.Body.String(), "markethub_http_requests_total")
}

func TestServer_CORSPreflight(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodOptions, "/api/support", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
