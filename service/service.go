// Package service wires the tenderflow HTTP handlers to their shared
// collaborators. A Service bundles the gin engine, the logger, the batch
// store and a bag of named dependencies (queue, blob store, Redis client),
// and handlers receive the Service alongside the gin context so they can
// reach whatever they need without package-level state.
package service

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Dependencies holds arbitrary named collaborators. Values are `any`;
// handlers assert the concrete type at the point of use.
type Dependencies map[string]any

// Service is what a batch service handler runs against.
//
//	s := service.NewService(router).
//		WithLogger(logger).
//		WithDatabase(st).
//		WithDependency("queue", q)
type Service struct {
	Router       *gin.Engine
	Logger       *logharbour.Logger
	Database     any
	Dependencies Dependencies
}

// NewService constructs a Service around the given router. Collaborators are
// attached with the With... methods.
func NewService(r *gin.Engine) *Service {
	return &Service{Router: r}
}

// WithDependency attaches a named dependency.
func (s *Service) WithDependency(key string, value any) *Service {
	if s.Dependencies == nil {
		s.Dependencies = make(Dependencies)
	}
	s.Dependencies[key] = value
	return s
}

// WithLogger attaches the structured logger.
func (s *Service) WithLogger(l *logharbour.Logger) *Service {
	s.Logger = l
	return s
}

// WithDatabase attaches the batch store.
func (s *Service) WithDatabase(db any) *Service {
	s.Database = db
	return s
}

// HandlerFunc is a gin handler that also receives the owning Service.
type HandlerFunc func(*gin.Context, *Service)

// RegisterRoute registers a single route on the service's engine.
func (s *Service) RegisterRoute(method, path string, handler HandlerFunc) {
	wrappedHandler := func(c *gin.Context) {
		handler(c, s)
	}
	switch method {
	case http.MethodGet:
		s.Router.GET(path, wrappedHandler)
	case http.MethodPost:
		s.Router.POST(path, wrappedHandler)
	case http.MethodPut:
		s.Router.PUT(path, wrappedHandler)
	case http.MethodDelete:
		s.Router.DELETE(path, wrappedHandler)
	default:
		log.Printf("Unsupported method: %s", method)
	}
}

// RouteGroup wraps a gin router group so related routes can share a prefix
// and middleware.
type RouteGroup struct {
	Group *gin.RouterGroup
}

// CreateGroup creates a route group under the given path.
func (s *Service) CreateGroup(path string) *RouteGroup {
	return &RouteGroup{Group: s.Router.Group(path)}
}

// RegisterRoute registers a single route on the group.
func (g *RouteGroup) RegisterRoute(method, path string, handler gin.HandlerFunc) {
	switch method {
	case http.MethodGet:
		g.Group.GET(path, handler)
	case http.MethodPost:
		g.Group.POST(path, handler)
	case http.MethodPut:
		g.Group.PUT(path, handler)
	case http.MethodDelete:
		g.Group.DELETE(path, handler)
	default:
		log.Printf("Unsupported method: %s", method)
	}
}

// CreateSubGroup nests a group inside the current one.
func (g *RouteGroup) CreateSubGroup(path string) *RouteGroup {
	return &RouteGroup{Group: g.Group.Group(path)}
}
