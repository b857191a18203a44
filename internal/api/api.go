// Package api is the HTTP Surface (HS): stateless request handlers for room
// listing, identity creation, join, and leave, plus the /room/{id} upgrade
// entry point into the Session Gateway. Every handler follows the same
// pipeline: RLE.check("api"), input parse, action-specific RLE.check,
// domain call, response.
package api

import (
	"context"
	"net/http"

	"github.com/studyrooms/backend/internal/apperr"
	"github.com/studyrooms/backend/internal/applog"
	"github.com/studyrooms/backend/internal/gateway"
	"github.com/studyrooms/backend/internal/identity"
	"github.com/studyrooms/backend/internal/observability"
	"github.com/studyrooms/backend/internal/ratelimit"
	"github.com/studyrooms/backend/internal/rooms"
	"github.com/studyrooms/backend/internal/store"
)

// Admission is the system-wide admission queue's HTTP-facing surface.
// *connguard.AdmissionQueue satisfies it. TryAdmit runs at join time;
// Release/Promote run at leave time, mirroring the gateway's teardown-time
// calls for connections that disconnect without an explicit leave.
type Admission interface {
	TryAdmit(ctx context.Context, principalID string) *apperr.Error
	Release(ctx context.Context, principalID string) error
	Promote(ctx context.Context) (string, error)
}

// RoomsService is the HTTP surface's view of the Room Registry. Narrowed to
// an interface (rather than depending on *rooms.Registry directly) so
// handlers can be driven by a plain in-memory fake in tests: as the gateway
// tests note, pgx.Rows (the Query path List and Participants use) isn't
// safely fakeable without a verified pgx source to check its method set
// against.
type RoomsService interface {
	List(ctx context.Context) ([]rooms.Summary, error)
	Get(ctx context.Context, roomID string) (rooms.Summary, *apperr.Error)
	Join(ctx context.Context, principalID, roomID string) (rooms.JoinResult, *apperr.Error)
	Leave(ctx context.Context, principalID, roomID string) (rooms.LeaveResult, *apperr.Error)
	Participants(ctx context.Context, roomID string) ([]rooms.Participant, error)
}

// IdentityService is the HTTP surface's view of the Identity Store.
type IdentityService interface {
	Upsert(ctx context.Context, hashedAddress, displayName string) (store.Principal, error)
}

// Deps bundles everything the HTTP surface needs: the same domain
// components the gateway uses (Rooms, Identities, RateLimit, Admission),
// the pure hashing dependency unique to this layer, and a gateway.Deps to
// hand off to for the /room/{id} upgrade.
type Deps struct {
	Rooms      RoomsService
	Identities IdentityService
	Hasher     *identity.Hasher
	RateLimit  *ratelimit.Engine
	Admission  Admission
	Gateway    gateway.Deps
	Logger     *applog.Logger

	// TrustForwardedFor enables trusting the first X-Forwarded-For entry
	// as the client address; set only behind a known reverse proxy.
	TrustForwardedFor bool
}

// Router is the HTTP Surface's ServeMux-backed entry point.
type Router struct {
	deps Deps
	mux  *http.ServeMux
}

// NewRouter builds the full HTTP handler tree: request-id and tracing
// middleware wrap every route, a coarse edge rate limiter sits in front of
// the application-level RLE, and the mux dispatches by method+path pattern.
func NewRouter(deps Deps, edge *EdgeLimiter) http.Handler {
	r := &Router{deps: deps, mux: http.NewServeMux()}

	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", observability.MetricsHandler())

	r.mux.HandleFunc("GET /rooms", r.handleListRooms)
	r.mux.HandleFunc("POST /users", r.handleCreateUser)
	r.mux.HandleFunc("POST /rooms/{id}/join", r.handleJoinRoom)
	r.mux.HandleFunc("POST /rooms/{id}/leave", r.handleLeaveRoom)
	r.mux.HandleFunc("GET /room/{id}", r.handleUpgrade)

	var handler http.Handler = r.mux
	if edge != nil {
		handler = edge.Middleware(handler)
	}
	handler = observability.Tracing(handler)
	handler = observability.RequestID(handler)
	return handler
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
