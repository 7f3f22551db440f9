// Package statusapi is a minimal read-only HTTP surface over the current
// reconciliation/replication state: GET /healthz and GET /status. Started
// only when COPYCORE_STATUS_ADDR is set; otherwise the process is
// CLI-only.
//
// Grounded on internal/api/handler.go's Server/NewServer/routes wiring
// and internal/api/middleware.go's middleware stack (recovery first,
// request-id, request logging, rate limit), narrowed to this domain's two
// read-only endpoints.
package statusapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"copycore/internal/connregistry"
	"copycore/internal/model"
)

// Snapshot is the JSON shape returned by GET /status, mirroring the CLI's
// status subcommand output.
type Snapshot struct {
	LeaderConnected bool               `json:"leader_connected"`
	LeaderEquity    float64            `json:"leader_equity_usdt,omitempty"`
	Followers       []FollowerSnapshot `json:"followers"`
	GeneratedAt     time.Time          `json:"generated_at"`
}

// FollowerSnapshot is one follower's status line.
type FollowerSnapshot struct {
	UserID      string  `json:"user_id"`
	ExchangeID  string  `json:"exchange_id"`
	CopyEnabled bool    `json:"copy_enabled"`
	Equity      float64 `json:"equity_usdt,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// SnapshotFunc produces the current Snapshot on demand.
type SnapshotFunc func() Snapshot

// Server wires the status HTTP endpoints around a live connection
// registry.
type Server struct {
	Router   *gin.Engine
	registry *connregistry.Registry
	snapshot SnapshotFunc
	secret   string
}

// NewServer builds a Server. jwtSecret, if non-empty, requires a valid
// "Bearer <jwt>" Authorization header (see MintStatusToken) on /status.
func NewServer(registry *connregistry.Registry, snapshot SnapshotFunc, jwtSecret string) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())

	s := &Server{Router: r, registry: registry, snapshot: snapshot, secret: jwtSecret}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.healthz)

	status := s.Router.Group("/status")
	if s.secret != "" {
		status.Use(BearerAuthMiddleware(s.secret))
	}
	status.GET("", s.status)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot())
}

// Start runs the HTTP server, blocking until it exits or errs.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

// BuildSnapshot returns a SnapshotFunc reading the leader descriptor and
// the given follower list through registry on every call.
func BuildSnapshot(registry *connregistry.Registry, followers func() []model.Account) SnapshotFunc {
	return func() Snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		snap := Snapshot{GeneratedAt: time.Now()}

		leaderAdapter, err := registry.GetAdapter(ctx, model.Account{UserID: model.LeaderUserID})
		if err == nil {
			snap.LeaderConnected = true
			if equity, err := leaderAdapter.GetTotalAccountValueUSDT(ctx); err == nil {
				snap.LeaderEquity = equity
			}
		}

		for _, f := range followers() {
			line := FollowerSnapshot{UserID: f.UserID, ExchangeID: f.ExchangeID, CopyEnabled: f.CopyEnabled}
			adapter, err := registry.GetAdapter(ctx, f)
			if err != nil {
				line.Error = err.Error()
				snap.Followers = append(snap.Followers, line)
				continue
			}
			if equity, err := adapter.GetTotalAccountValueUSDT(ctx); err == nil {
				line.Equity = equity
			}
			snap.Followers = append(snap.Followers, line)
		}

		return snap
	}
}
