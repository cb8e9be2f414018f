package router

import (
	"net/http"

	lessonHandler "lessond/internal/lesson"
	"lessond/internal/lesson/repository"
	"lessond/internal/lesson/service"
	"lessond/middleware"
	"lessond/socket"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type Options struct {
	CORSOrigin string
}

func Setup(repo repository.Store, hub *socket.Hub, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORSMiddleware(opts.CORSOrigin))

	// WebSocket
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		socket.ServeWs(hub, w, r)
	})
	r.Get("/healthz", lessonHandler.Health)

	// REST API
	lessonService := service.NewLessonService(repo, hub)
	h := lessonHandler.NewLessonHandler(lessonService)

	routes := func(r chi.Router) {
		r.Get("/lessons", h.ListLessons)
		r.Get("/lesson/{slug}", h.GetLesson)
		r.Post("/lesson/{slug}", h.CreateLesson)
		r.Put("/lesson/{slug}", h.SaveLesson)
		r.Delete("/lesson/{slug}", h.DeleteLesson)
		r.Get("/lesson/{slug}/fingerprint", h.GetFingerprint)
	}
	r.Group(routes)
	r.Route("/api", func(r chi.Router) {
		routes(r)
		// Path the original editor polls for out-of-band changes.
		r.Get("/lesson_hash/{slug}", h.GetFingerprint)
	})

	return r
}
