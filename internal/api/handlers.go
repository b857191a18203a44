package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/studyrooms/backend/internal/apperr"
	"github.com/studyrooms/backend/internal/identity"
	"github.com/studyrooms/backend/internal/rooms"
)

// setRateLimitHeaders renders the X-RateLimit-* triple every endpoint must
// set, per §6.1. 429 responses additionally get Retry-After, written by
// apperr.WriteHTTP itself.
func setRateLimitHeaders(w http.ResponseWriter, res rateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

// rateLimitResult is the subset of ratelimit.Result the HTTP layer renders;
// kept as its own type so this file doesn't need to import ratelimit just
// for a struct literal shape.
type rateLimitResult struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// checkRateLimit runs one RLE.check, writes the rate-limit headers
// regardless of outcome, and on denial writes the error envelope itself.
// Returns false if the caller should stop processing the request.
func (r *Router) checkRateLimit(ctx context.Context, w http.ResponseWriter, principal, action string) bool {
	res, err := r.deps.RateLimit.Check(ctx, principal, action)
	setRateLimitHeaders(w, rateLimitResult{Limit: res.Limit, Remaining: res.Remaining, ResetAt: res.ResetAt})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return false
	}
	return true
}

// hashedPrincipal derives the caller's principal id the same way every
// other component does (hash(address)): the api-scope rate limit key must
// never be the raw address, even for requests (GET /rooms, join, leave)
// that don't otherwise need a Principal at all. Per spec §8 property 6, no
// raw address reaches anything downstream of H&S, including an internal
// rate-limit counter key.
func (r *Router) hashedPrincipal(req *http.Request) (string, *apperr.Error) {
	hashed, err := r.deps.Hasher.Hash(clientAddress(req, r.deps.TrustForwardedFor))
	if err != nil {
		return "", apperr.New(apperr.Internal, "failed to derive principal")
	}
	return hashed, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON parses the request body, writing the 400 error envelope on
// failure. The canonical error-code set has no generic "bad request" code
// for a malformed body, so this reuses InvalidMessage (400, same as the
// other input-shape errors) rather than inventing a code the wire protocol
// doesn't define.
func decodeJSON(w http.ResponseWriter, req *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		apperr.WriteHTTP(w, apperr.New(apperr.InvalidMessage, "malformed request body"))
		return false
	}
	return true
}

// roomPayload is the wire shape of a room shared by GET /rooms and the
// join response.
type roomPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Occupancy int    `json:"occupancy"`
	Capacity  int    `json:"capacity"`
	IsFull    bool   `json:"is_full"`
}

func roomPayloadFromSummary(s rooms.Summary) roomPayload {
	return roomPayload{ID: s.ID, Name: s.Name, Occupancy: s.Occupancy, Capacity: s.Capacity, IsFull: s.Full}
}

// handleListRooms implements GET /rooms.
func (r *Router) handleListRooms(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	principal, hashErr := r.hashedPrincipal(req)
	if hashErr != nil {
		apperr.WriteHTTP(w, hashErr)
		return
	}

	if !r.checkRateLimit(ctx, w, principal, "api") {
		return
	}

	summaries, err := r.deps.Rooms.List(ctx)
	if err != nil {
		apperr.WriteHTTP(w, apperr.New(apperr.Internal, "failed to list rooms"))
		return
	}

	payload := make([]roomPayload, 0, len(summaries))
	for _, s := range summaries {
		payload = append(payload, roomPayloadFromSummary(s))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": payload})
}

type createUserRequest struct {
	DisplayName string `json:"display_name"`
}

// handleCreateUser implements POST /users: the network address is hashed
// to the principal id before anything else, since that hashed id is both
// the api-scope rate-limit key and the identity_create-scope key.
func (r *Router) handleCreateUser(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	hashed, hashErr := r.hashedPrincipal(req)
	if hashErr != nil {
		apperr.WriteHTTP(w, hashErr)
		return
	}

	if !r.checkRateLimit(ctx, w, hashed, "api") {
		return
	}

	var body createUserRequest
	if !decodeJSON(w, req, &body) {
		return
	}

	if vErr := identity.ValidateDisplayName(body.DisplayName); vErr != nil {
		apperr.WriteHTTP(w, vErr)
		return
	}

	if !r.checkRateLimit(ctx, w, hashed, "identity_create") {
		return
	}

	principal, err := r.deps.Identities.Upsert(ctx, hashed, body.DisplayName)
	if err != nil {
		apperr.WriteHTTP(w, apperr.New(apperr.Internal, "failed to create identity"))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"user_id":      principal.HashedAddress,
		"display_name": principal.DisplayName,
	})
}

type participantPayload struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	VideoOn     bool      `json:"video_on"`
	AudioOn     bool      `json:"audio_on"`
	JoinedAt    time.Time `json:"joined_at"`
}

type roomUserRequest struct {
	UserID string `json:"user_id"`
}

// handleJoinRoom implements POST /rooms/{id}/join. Admission.TryAdmit
// enforces the system-wide cap before the Room Registry's per-room
// capacity check runs; if the registry join then fails for any reason, the
// optimistically-taken admission slot is released back (and the next
// waiter promoted) so a rejected join never leaks a slot.
func (r *Router) handleJoinRoom(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	roomID := req.PathValue("id")
	principal, hashErr := r.hashedPrincipal(req)
	if hashErr != nil {
		apperr.WriteHTTP(w, hashErr)
		return
	}

	if !r.checkRateLimit(ctx, w, principal, "api") {
		return
	}

	var body roomUserRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	if body.UserID == "" {
		apperr.WriteHTTP(w, apperr.New(apperr.InvalidMessage, "user_id is required"))
		return
	}

	if !r.checkRateLimit(ctx, w, body.UserID, "join_attempt") {
		return
	}

	if r.deps.Admission != nil {
		if admitErr := r.deps.Admission.TryAdmit(ctx, body.UserID); admitErr != nil {
			apperr.WriteHTTP(w, admitErr)
			return
		}
	}

	joinResult, joinErr := r.deps.Rooms.Join(ctx, body.UserID, roomID)
	if joinErr != nil {
		r.releaseAdmission(ctx, body.UserID)
		apperr.WriteHTTP(w, joinErr)
		return
	}

	room, roomErr := r.deps.Rooms.Get(ctx, roomID)
	if roomErr != nil {
		apperr.WriteHTTP(w, roomErr)
		return
	}

	participants, partErr := r.deps.Rooms.Participants(ctx, roomID)
	if partErr != nil {
		apperr.WriteHTTP(w, apperr.New(apperr.Internal, "failed to list participants"))
		return
	}

	payload := make([]participantPayload, 0, len(participants))
	for _, p := range participants {
		payload = append(payload, participantPayload{
			ID: p.PrincipalID, DisplayName: p.DisplayName,
			VideoOn: p.VideoOn, AudioOn: p.AudioOn, JoinedAt: p.JoinedAt,
		})
	}

	_ = joinResult // occupancy already reflected in room.Occupancy
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room":         roomPayloadFromSummary(room),
		"participants": payload,
	})
}

// releaseAdmission reverses a TryAdmit call. Best-effort: a failure here
// only delays the next waiter's promotion, it does not affect the response
// already being written for this request.
func (r *Router) releaseAdmission(ctx context.Context, principalID string) {
	if r.deps.Admission == nil {
		return
	}
	if err := r.deps.Admission.Release(ctx, principalID); err != nil {
		r.deps.Logger.Error(ctx, "admission release failed after rejected join: %v", err)
		return
	}
	if _, err := r.deps.Admission.Promote(ctx); err != nil {
		r.deps.Logger.Error(ctx, "admission promote failed after rejected join: %v", err)
	}
}

// handleLeaveRoom implements POST /rooms/{id}/leave.
func (r *Router) handleLeaveRoom(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	roomID := req.PathValue("id")
	principal, hashErr := r.hashedPrincipal(req)
	if hashErr != nil {
		apperr.WriteHTTP(w, hashErr)
		return
	}

	if !r.checkRateLimit(ctx, w, principal, "api") {
		return
	}

	var body roomUserRequest
	if !decodeJSON(w, req, &body) {
		return
	}

	if _, leaveErr := r.deps.Rooms.Leave(ctx, body.UserID, roomID); leaveErr != nil {
		apperr.WriteHTTP(w, leaveErr)
		return
	}

	r.releaseAdmission(ctx, body.UserID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
