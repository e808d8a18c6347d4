package handlers

import (
	"net/http"

	"github.com/deviceguard/server/internal/config"
	custommw "github.com/deviceguard/server/internal/middleware"
	"github.com/deviceguard/server/internal/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

// RouterDeps are the handlers and settings the HTTP router is assembled from
type RouterDeps struct {
	Security    config.Security
	ServiceName string
	HTTPMetrics *observability.HTTPMetrics
	Tokens      custommw.TokenValidator

	Health    *HealthHandler
	Devices   *DeviceHandler
	Sync      *SyncHandler
	Nodes     *NodeHandler
	NodeAPI   *NodeAPIHandler
	WebSocket *WebSocketHandler
}

// NewRouter builds the operator API, the node API and the health and swagger routes
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if deps.ServiceName != "" {
		r.Use(observability.TracingMiddleware(deps.ServiceName))
	}
	if deps.HTTPMetrics != nil {
		r.Use(observability.MetricsMiddleware(deps.HTTPMetrics))
	}
	r.Use(custommw.APIKeyAuth(deps.Security))

	r.Get("/health", deps.Health.HealthCheck)
	r.Get("/api/health", deps.Health.HealthCheck)
	r.Get("/api/version", VersionHandler)
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	r.Get("/api/devices", deps.Devices.SearchDevices)

	r.Route("/api/users/{userId}", func(r chi.Router) {
		r.Get("/devices", deps.Devices.ListUserDevices)
		r.Get("/devices/statistics", deps.Devices.GetStatistics)
		r.Get("/devices/{deviceId}", deps.Devices.GetDevice)
		r.Get("/devices/{deviceId}/traffic", deps.Devices.GetDeviceTraffic)
		r.Patch("/devices/{deviceId}", deps.Devices.UpdateDevice)
		r.Delete("/devices/{deviceId}", deps.Devices.DeleteDevice)
		r.Post("/devices/{deviceId}/block", deps.Devices.BlockDevice)
		r.Post("/devices/{deviceId}/unblock", deps.Devices.UnblockDevice)
		r.Get("/anomalies", deps.Devices.GetAnomalies)

		r.Get("/policy", deps.Sync.GetPolicy)
		r.Put("/policy", deps.Sync.SetPolicy)
		r.Get("/sync", deps.Sync.GetUserSync)
		r.Post("/resync", deps.Sync.ResyncUser)
	})

	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/status", deps.Sync.GetStatus)
		r.Post("/reconcile", deps.Sync.Reconcile)
		r.Post("/migrate-fingerprints", deps.Sync.MigrateFingerprints)
	})

	r.Route("/api/nodes", func(r chi.Router) {
		r.Get("/", deps.Nodes.ListNodes)
		r.Post("/", deps.Nodes.RegisterNode)
		r.Delete("/{nodeId}", deps.Nodes.DeleteNode)
		r.Get("/{nodeId}/sync", deps.Nodes.GetNodeSync)
		r.Put("/{nodeId}/enabled", deps.Nodes.SetEnabled)
		r.Put("/{nodeId}/assignments", deps.Nodes.SetAssignments)
		r.Post("/{nodeId}/resync", deps.Nodes.ResyncNode)
	})

	// Node API, authenticated by node session tokens instead of the API key
	r.Route("/api/node", func(r chi.Router) {
		r.Post("/session", deps.NodeAPI.CreateSession)
		r.Group(func(r chi.Router) {
			r.Use(custommw.NodeAuth(deps.Tokens))
			r.Post("/events", deps.NodeAPI.ReportConnection)
			r.Get("/ws", deps.WebSocket.HandleConnection)
		})
	})

	return r
}
