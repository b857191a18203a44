package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyrooms/backend/internal/apperr"
	"github.com/studyrooms/backend/internal/applog"
	"github.com/studyrooms/backend/internal/config"
	"github.com/studyrooms/backend/internal/identity"
	"github.com/studyrooms/backend/internal/ratelimit"
	"github.com/studyrooms/backend/internal/rooms"
	"github.com/studyrooms/backend/internal/store"
)

// fakeRooms is a plain in-memory RoomsService, sidestepping the pgx.Rows
// fakeability gap the gateway tests document: the HTTP layer's
// tests care about handler wiring (status codes, headers, error mapping),
// not the registry's transaction internals, which are covered where they
// belong (internal/rooms/registry_test.go).
type fakeRooms struct {
	mu           sync.Mutex
	capacity     int
	occupancy    int
	member       map[string]string // principal -> room
	participants map[string][]rooms.Participant
}

func newFakeRooms(capacity int) *fakeRooms {
	return &fakeRooms{capacity: capacity, member: make(map[string]string), participants: make(map[string][]rooms.Participant)}
}

func (f *fakeRooms) List(context.Context) ([]rooms.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []rooms.Summary{{ID: "R1", Name: "R1", Capacity: f.capacity, Occupancy: f.occupancy, Full: f.occupancy >= f.capacity}}, nil
}

func (f *fakeRooms) Get(_ context.Context, roomID string) (rooms.Summary, *apperr.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if roomID != "R1" {
		return rooms.Summary{}, apperr.New(apperr.RoomNotFound, "room does not exist")
	}
	return rooms.Summary{ID: "R1", Name: "R1", Capacity: f.capacity, Occupancy: f.occupancy, Full: f.occupancy >= f.capacity}, nil
}

func (f *fakeRooms) Join(_ context.Context, principalID, roomID string) (rooms.JoinResult, *apperr.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if roomID != "R1" {
		return rooms.JoinResult{}, apperr.New(apperr.RoomNotFound, "room does not exist")
	}
	if _, ok := f.member[principalID]; ok {
		return rooms.JoinResult{}, apperr.New(apperr.AlreadyInRoom, "already a member")
	}
	if f.occupancy >= f.capacity {
		return rooms.JoinResult{}, apperr.New(apperr.RoomFull, "room is at capacity")
	}
	f.member[principalID] = roomID
	f.occupancy++
	f.participants[roomID] = append(f.participants[roomID], rooms.Participant{
		PrincipalID: principalID, DisplayName: "Test User", JoinedAt: time.Now(),
	})
	return rooms.JoinResult{RoomID: roomID, JoinedAt: time.Now(), Occupancy: f.occupancy}, nil
}

func (f *fakeRooms) Leave(_ context.Context, principalID, roomID string) (rooms.LeaveResult, *apperr.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.member[principalID]; !ok || existing != roomID {
		return rooms.LeaveResult{}, apperr.New(apperr.NotAMember, "not a member")
	}
	delete(f.member, principalID)
	f.occupancy--
	kept := f.participants[roomID][:0]
	for _, p := range f.participants[roomID] {
		if p.PrincipalID != principalID {
			kept = append(kept, p)
		}
	}
	f.participants[roomID] = kept
	return rooms.LeaveResult{Occupancy: f.occupancy}, nil
}

func (f *fakeRooms) Participants(_ context.Context, roomID string) ([]rooms.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants[roomID], nil
}

// fakeIdentities is a plain in-memory IdentityService.
type fakeIdentities struct {
	mu         sync.Mutex
	principals map[string]store.Principal
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{principals: make(map[string]store.Principal)}
}

func (f *fakeIdentities) Upsert(_ context.Context, hashedAddress, displayName string) (store.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sanitized := identity.SanitizeDisplayName(displayName)
	p := store.Principal{HashedAddress: hashedAddress, DisplayName: sanitized, LastActiveAt: time.Now()}
	f.principals[hashedAddress] = p
	return p, nil
}

// fakeAdmission is a plain in-memory Admission.
type fakeAdmission struct {
	mu       sync.Mutex
	capacity int
	active   map[string]bool
	waiting  []string
}

func newFakeAdmission(capacity int) *fakeAdmission {
	return &fakeAdmission{capacity: capacity, active: make(map[string]bool)}
}

func (f *fakeAdmission) TryAdmit(_ context.Context, principalID string) *apperr.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.active) < f.capacity {
		f.active[principalID] = true
		return nil
	}
	f.waiting = append(f.waiting, principalID)
	return apperr.New(apperr.SystemAtCapacity, "system is at capacity")
}

func (f *fakeAdmission) Release(_ context.Context, principalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, principalID)
	return nil
}

func (f *fakeAdmission) Promote(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.waiting) == 0 {
		return "", nil
	}
	next := f.waiting[0]
	f.waiting = f.waiting[1:]
	f.active[next] = true
	return next, nil
}

func testDeps(t *testing.T, roomCapacity, systemCapacity int) (Deps, *fakeRooms, *fakeAdmission) {
	t.Helper()
	hasher, err := identity.NewHasher([]byte("test-key"))
	require.NoError(t, err)

	policies := map[string]config.RateLimitPolicy{
		"api":             {Limit: 1000, Window: time.Minute, Block: time.Second},
		"identity_create": {Limit: 1000, Window: time.Minute, Block: time.Second},
		"join_attempt":    {Limit: 1000, Window: time.Minute, Block: time.Second},
	}

	fr := newFakeRooms(roomCapacity)
	fa := newFakeAdmission(systemCapacity)

	deps := Deps{
		Rooms:      fr,
		Identities: newFakeIdentities(),
		Hasher:     hasher,
		RateLimit:  ratelimit.NewEngine(ratelimit.NewMemoryStore(), policies),
		Admission:  fa,
		Logger:     applog.New("error"),
	}
	return deps, fr, fa
}

func newTestRouter(deps Deps) http.Handler {
	return NewRouter(deps, nil)
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleListRooms_ReturnsRoomsAndRateLimitHeaders(t *testing.T) {
	deps, _, _ := testDeps(t, 10, 100)
	rec := doRequest(t, newTestRouter(deps), http.MethodGet, "/rooms", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	roomsList := body["rooms"].([]interface{})
	require.Len(t, roomsList, 1)
	assert.Equal(t, "R1", roomsList[0].(map[string]interface{})["id"])
}

func TestHandleCreateUser_SanitizesAndCreates(t *testing.T) {
	deps, _, _ := testDeps(t, 10, 100)
	rec := doRequest(t, newTestRouter(deps), http.MethodPost, "/users", map[string]string{
		"display_name": "<script>alert(1)</script>Al",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Al", body["display_name"])
	assert.NotEmpty(t, body["user_id"])
}

func TestHandleCreateUser_RejectsEmptyDisplayName(t *testing.T) {
	deps, _, _ := testDeps(t, 10, 100)
	rec := doRequest(t, newTestRouter(deps), http.MethodPost, "/users", map[string]string{"display_name": "   "})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_DISPLAY_NAME", body["error"]["code"])
}

func TestHandleJoinRoom_SuccessReturnsRoomAndParticipants(t *testing.T) {
	deps, _, _ := testDeps(t, 10, 100)
	rec := doRequest(t, newTestRouter(deps), http.MethodPost, "/rooms/R1/join", map[string]string{"user_id": "alice-hash"})

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	room := body["room"].(map[string]interface{})
	assert.Equal(t, float64(1), room["occupancy"])
	participants := body["participants"].([]interface{})
	require.Len(t, participants, 1)
	assert.Equal(t, "alice-hash", participants[0].(map[string]interface{})["id"])
}

func TestHandleJoinRoom_RoomFullReleasesAdmissionSlot(t *testing.T) {
	deps, fr, fa := testDeps(t, 1, 100)
	fr.occupancy = 1 // room already full
	router := newTestRouter(deps)

	rec := doRequest(t, router, http.MethodPost, "/rooms/R1/join", map[string]string{"user_id": "bob-hash"})

	require.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ROOM_FULL", body["error"]["code"])

	// The optimistic admission slot must have been released back, not leaked.
	fa.mu.Lock()
	defer fa.mu.Unlock()
	assert.False(t, fa.active["bob-hash"])
}

func TestHandleJoinRoom_SystemAtCapacity(t *testing.T) {
	deps, _, _ := testDeps(t, 10, 0)
	rec := doRequest(t, newTestRouter(deps), http.MethodPost, "/rooms/R1/join", map[string]string{"user_id": "carol-hash"})

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "SYSTEM_AT_CAPACITY", body["error"]["code"])
}

func TestHandleLeaveRoom_SuccessReleasesAdmission(t *testing.T) {
	deps, _, fa := testDeps(t, 10, 100)
	router := newTestRouter(deps)

	joinRec := doRequest(t, router, http.MethodPost, "/rooms/R1/join", map[string]string{"user_id": "dave-hash"})
	require.Equal(t, http.StatusOK, joinRec.Code)

	leaveRec := doRequest(t, router, http.MethodPost, "/rooms/R1/leave", map[string]string{"user_id": "dave-hash"})
	require.Equal(t, http.StatusOK, leaveRec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(leaveRec.Body.Bytes(), &body))
	assert.True(t, body["ok"])

	fa.mu.Lock()
	defer fa.mu.Unlock()
	assert.False(t, fa.active["dave-hash"])
}

func TestHandleLeaveRoom_NotAMemberIs404(t *testing.T) {
	deps, _, _ := testDeps(t, 10, 100)
	rec := doRequest(t, newTestRouter(deps), http.MethodPost, "/rooms/R1/leave", map[string]string{"user_id": "nobody"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz_ReturnsOK(t *testing.T) {
	deps, _, _ := testDeps(t, 10, 100)
	rec := doRequest(t, newTestRouter(deps), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
