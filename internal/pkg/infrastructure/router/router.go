package router

import (
	"github.com/go-chi/chi/v5"
	"github.com/riandyrn/otelchi"
	"github.com/rs/cors"

	"github.com/labctrl/instrument-mgmt/internal/pkg/infrastructure/config"
)

// New builds the shared mux with CORS taken from the server configuration.
// An empty origins list keeps the permissive default so a freshly installed
// instrument is reachable before anyone edits the config.
func New(serviceName string, corsCfg config.CORSConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := corsCfg.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: corsCfg.AllowCredentials,
		AllowedMethods:   corsCfg.AllowMethods,
		AllowedHeaders:   corsCfg.AllowHeaders,
		Debug:            false,
	}).Handler)

	r.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(r)))

	return r
}
