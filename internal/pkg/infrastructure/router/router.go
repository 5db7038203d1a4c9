package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/riandyrn/otelchi"
	"github.com/rs/cors"
)

// MethodMerge is the OData v2 partial update method
const MethodMerge string = "MERGE"

func init() {
	chi.RegisterMethod(MethodMerge)
}

func New(serviceName string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, MethodMerge,
		},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"ETag", "Location", "DataServiceVersion"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)

	r.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(r)))

	return r
}
