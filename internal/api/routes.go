package api

import (
	"net/http"

	"broker-api/internal/api/controllers"
	"broker-api/internal/api/handlers"
	"broker-api/internal/middleware"
	"broker-api/internal/services"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Services bundles what the HTTP layer needs.
type Services struct {
	Auth       services.AuthService
	Instances  services.InstanceService
	Abilities  services.AbilityService
	Usage      services.UsageService
	Aggregator services.AggregatorService
	AuditLog   services.AuditLogService
	Authority  *services.TokenAuthority
	// Cache is nil when Redis is disabled.
	Cache controllers.Pinger
}

// SetupRoutes mounts the admin API, the instance gateways and the
// operational endpoints. exposeDoc enables the gateways' /doc route.
func SetupRoutes(db *gorm.DB, svc Services, exposeDoc bool) (*mux.Router, *handlers.GatewayRegistry) {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)

	router.HandleFunc("/health", controllers.HealthCheckHandler(db, svc.Cache)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	registry := handlers.NewGatewayRegistry(handlers.GatewayDeps{
		Instances: svc.Instances,
		Abilities: svc.Abilities,
		Usage:     svc.Usage,
		Authority: svc.Authority,
		ExposeDoc: exposeDoc,
	})
	gateway := router.PathPrefix(handlers.GatewayPrefix).Subrouter()
	gateway.Use(middleware.MetricsMiddleware("gateway"))
	gateway.PathPrefix("/").Handler(registry)

	instanceHandler := handlers.NewInstanceHandler(svc.Instances)
	abilityHandler := handlers.NewAbilityHandler(svc.Abilities, svc.Authority)
	usageHandler := handlers.NewUsageHandler(svc.Usage)
	statsHandler := handlers.NewStatsHandler(svc.Aggregator)
	auditLogHandler := handlers.NewAuditLogHandler(svc.AuditLog)

	// Any authenticated principal
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(middleware.MetricsMiddleware("admin"))
	apiRouter.Use(middleware.AuthMiddleware(svc.Auth))

	apiRouter.HandleFunc("/tokens/verify", abilityHandler.VerifyToken).Methods("POST")
	apiRouter.HandleFunc("/stats/sum", statsHandler.GetSum).Methods("GET")
	apiRouter.HandleFunc("/stats/models", statsHandler.GetModels).Methods("GET")
	apiRouter.HandleFunc("/stats/accounts", statsHandler.GetAccounts).Methods("GET")

	// Admin only
	adminRouter := apiRouter.NewRoute().Subrouter()
	adminRouter.Use(middleware.AdminMiddleware)

	adminRouter.HandleFunc("/instances", instanceHandler.CreateInstance).Methods("POST")
	adminRouter.HandleFunc("/instances", instanceHandler.ListInstances).Methods("GET")
	adminRouter.HandleFunc("/instances/{id}", instanceHandler.GetInstance).Methods("GET")
	adminRouter.HandleFunc("/instances/{id}", instanceHandler.UpdateInstance).Methods("PATCH")
	adminRouter.HandleFunc("/instances/{id}/revoke", abilityHandler.RevokeInstance).Methods("POST")

	adminRouter.HandleFunc("/abilities", abilityHandler.ListAbilities).Methods("GET")
	adminRouter.HandleFunc("/abilities/grant", abilityHandler.GrantAbilities).Methods("POST")
	adminRouter.HandleFunc("/abilities/{instanceId}/{userId}", abilityHandler.EditAbility).Methods("PATCH")
	adminRouter.HandleFunc("/abilities/{instanceId}/{userId}/token", abilityHandler.ResetToken).Methods("POST")

	adminRouter.HandleFunc("/usage", usageHandler.RecordUsage).Methods("POST")
	adminRouter.HandleFunc("/usage", usageHandler.ListUsage).Methods("GET")

	adminRouter.HandleFunc("/stats/flush", statsHandler.FlushStats).Methods("POST")

	adminRouter.HandleFunc("/audit-logs", auditLogHandler.ListAuditLogs).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	return router, registry
}
