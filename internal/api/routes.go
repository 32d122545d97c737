package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Router builds the full HTTP surface: the REST API under /api/v1.0 and
// the vendor-compat paths the device firmware requests at the root.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/", s.handleIndex)

	r.Route("/api/v1.0", func(r chi.Router) {
		r.Get("/peers", s.handlePeers)
		r.Get("/devices", s.handleDevices)

		r.Route("/devices/{device}", func(r chi.Router) {
			r.Get("/", s.handleDevice)
			r.Get("/time", s.handleGetTime)
			r.Put("/time", s.handlePutTime)
			r.Put("/outsidetemp", s.handlePutOutsideTemp)

			r.Get("/rooms", s.handleRooms)
			r.Route("/rooms/{room}", func(r chi.Router) {
				r.Get("/", s.handleRoom)
				r.Get("/history", s.handleRoomHistory)
				r.Get("/days", s.handleDays)
				r.Get("/days/{day}", s.handleGetDay)
				r.Put("/days/{day}", s.handlePutDay)
				r.Get("/{param}", s.handleGetParam)
				r.Put("/{param}", s.handlePutParam)
			})
		})

		r.Get("/weather", s.handleWeather)
		r.Get("/weather/history", s.handleWeatherHistory)
	})

	// Paths the device firmware and the vendor app request directly.
	r.Get("/fwUpgrade/PR06549/version.txt", s.handleFirmwareVersion)
	r.Get("/WifiBoxInterface_vokera/getWebTemperature.php", s.handleWebTemperature)
	r.Post("/BeSMART_test_on_cloudwarm/v1/api/gateway/boilers/records", s.handleBoilerRecords)

	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("Web server is running"))
}
