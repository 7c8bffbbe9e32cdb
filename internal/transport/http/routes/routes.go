package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/iam-access-core/internal/infra/config"
	"github.com/arklim/iam-access-core/internal/infra/security"
	"github.com/arklim/iam-access-core/internal/transport/http/handlers"
	"github.com/arklim/iam-access-core/internal/transport/http/middleware"
	"github.com/arklim/iam-access-core/internal/usecase"
)

// ServiceSet groups the services the HTTP layer depends on. Nil members leave their routes unregistered.
type ServiceSet struct {
	Decisions     handlers.Decider
	Assignments   *usecase.AssignmentService
	Roles         *usecase.RoleService
	Policies      *usecase.PolicyService
	Relationships *usecase.RelationshipService
	Providers     *usecase.ProviderService
	Federation    *usecase.FederationService
	Audit         *usecase.AuditService
	Users         *usecase.UserService
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	RateLimiter *middleware.RateLimiter
	Metrics     *middleware.HTTPMetrics
	Gatherer    prometheus.Gatherer
	Services    ServiceSet
	JWTManager  *security.JWTManager
	Database    DatabaseChecker
	Cache       CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	r := gin.New()
	r.NoRoute(NotFound)
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.Logger(deps.Logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Handler())
	}

	healthHandler := handlers.NewHealthHandler()
	if deps.Database != nil {
		healthHandler.WithCheck("postgres", deps.Database.Ping)
	}
	if deps.Cache != nil {
		healthHandler.WithCheck("redis", deps.Cache.HealthCheck)
	}
	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Ready)

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	if deps.JWTManager != nil {
		r.GET("/.well-known/jwks.json", handlers.NewSigningKeysHandler(deps.JWTManager).Publish)
	}

	api := r.Group("/api/v1")

	if deps.Services.Decisions != nil && deps.JWTManager != nil {
		decisionHandler := handlers.NewDecisionHandler(deps.Services.Decisions, deps.Logger)
		chain := limitMiddlewares(deps, "authorize_ip", deps.Config.RateLimit.AuthorizeMaxAttempts)
		chain = append(chain, middleware.RequireAuth(deps.JWTManager, parseOptions(deps.Config)), decisionHandler.Authorize)
		api.POST("/authorize", chain...)
	}

	if deps.Services.Federation != nil {
		federationHandler := handlers.NewFederationHandler(deps.Services.Federation, deps.Config.OIDC.RedirectBaseURL)
		oidcGroup := api.Group("/oidc/:id")
		oidcGroup.Use(limitMiddlewares(deps, "oidc_ip", deps.Config.RateLimit.OIDCMaxAttempts)...)
		oidcGroup.POST("/initiate", federationHandler.Initiate)
		oidcGroup.POST("/callback", federationHandler.Callback)
	}

	admin, guard := adminGroup(api, deps)
	if admin == nil {
		return r
	}

	if svc := deps.Services.Assignments; svc != nil {
		h := handlers.NewAssignmentHandler(svc)
		admin.POST("/assignments", guard.Require("assignments"), h.Assign)
		admin.DELETE("/assignments/:id", guard.Require("assignments"), h.Revoke)
		admin.GET("/users/:id/assignments", guard.Require("assignments"), h.List)
		admin.GET("/users/:id/assignments/effective", guard.Require("assignments"), h.Effective)
	}

	if svc := deps.Services.Roles; svc != nil {
		h := handlers.NewRoleHandler(svc)
		roles := admin.Group("/roles", guard.Require("roles"))
		roles.GET("", h.List)
		roles.POST("", h.Create)
		roles.GET("/by-name/:name", h.Get)
		roles.DELETE("/:id", h.Delete)
		roles.POST("/:id/parents", h.AddParent)
		roles.DELETE("/:id/parents/:parentID", h.RemoveParent)
		roles.POST("/:id/permissions", h.GrantPermissions)
	}

	if deps.Services.Policies != nil && deps.Services.Relationships != nil {
		h := handlers.NewPolicyHandler(deps.Services.Policies, deps.Services.Relationships)
		policies := admin.Group("/policies", guard.Require("policies"))
		policies.GET("", h.List)
		policies.POST("", h.Create)
		policies.GET("/:name", h.Get)
		policies.PUT("/:name", h.Update)
		policies.DELETE("/:name", h.Delete)
		policies.POST("/:name/enable", h.Enable)
		policies.POST("/:name/disable", h.Disable)

		relationships := admin.Group("/relationships", guard.Require("relationships"))
		relationships.GET("", h.ListRelationships)
		relationships.POST("", h.WriteRelationship)
		relationships.DELETE("", h.DeleteRelationship)
	}

	if svc := deps.Services.Providers; svc != nil {
		h := handlers.NewProviderHandler(svc)
		providers := admin.Group("/providers", guard.Require("providers"))
		providers.GET("", h.List)
		providers.POST("", h.Create)
		providers.GET("/:id", h.Get)
		providers.PUT("/:id", h.Update)
		providers.POST("/:id/enable", h.Enable)
		providers.POST("/:id/disable", h.Disable)
	}

	if svc := deps.Services.Audit; svc != nil {
		admin.GET("/audit", guard.Require("audit"), handlers.NewAuditHandler(svc).Find)
	}

	if svc := deps.Services.Users; svc != nil {
		h := handlers.NewUserHandler(svc)
		users := admin.Group("/users", guard.Require("users"))
		users.POST("", h.Create)
		users.GET("/:id", h.Get)
		users.PUT("/:id/status", h.ChangeStatus)
		users.DELETE("/:id", h.Delete)
		users.GET("/:id/identities", h.ListIdentities)
		users.DELETE("/:id/identities/:identityID", h.UnlinkIdentity)
	}

	return r
}

// adminGroup returns nil when no token verifier or decision engine is available; admin routes are never served open.
func adminGroup(api *gin.RouterGroup, deps Dependencies) (*gin.RouterGroup, *middleware.PermissionGuard) {
	if deps.JWTManager == nil || deps.Services.Decisions == nil {
		deps.Logger.Warn("admin routes disabled: token verifier or decision engine missing")
		return nil, nil
	}

	group := api.Group("", middleware.RequireAuth(deps.JWTManager, parseOptions(deps.Config)))
	guard := middleware.NewPermissionGuard(deps.Services.Decisions, deps.Config.Authz.AdminEnforced, deps.Logger)
	return group, guard
}

func parseOptions(cfg *config.AppConfig) security.ParseOptions {
	opts := security.ParseOptions{Issuer: cfg.JWT.Issuer}
	if len(cfg.JWT.Audience) > 0 {
		opts.Audience = cfg.JWT.Audience[0]
	}
	return opts
}

func limitMiddlewares(deps Dependencies, name string, limit int) []gin.HandlerFunc {
	if deps.RateLimiter == nil || limit <= 0 {
		return nil
	}

	window := deps.Config.RateLimit.WindowDuration
	if window <= 0 {
		window = time.Minute
	}

	rule := middleware.RateLimitRule{
		Name:       name,
		Limit:      limit,
		Window:     window,
		Identifier: middleware.ClientIPIdentifier(),
	}
	return []gin.HandlerFunc{deps.RateLimiter.RateLimit(rule)}
}

// NotFound renders unknown routes with the standard error payload.
func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, handlers.NewErrorResponse(c, "route not found"))
}
