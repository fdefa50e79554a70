package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/admin-inbox/internal/handlers"
)

// NewRouter sets up the API routes
func NewRouter(notifications *handlers.NotificationHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Inbox
	router.HandleFunc("/api/notifications", notifications.List).Methods(http.MethodGet)
	router.HandleFunc("/api/notifications/read-all", notifications.MarkAllRead).Methods(http.MethodPost)
	router.HandleFunc("/api/notifications/status", notifications.Status).Methods(http.MethodGet)

	// Session lifecycle
	router.HandleFunc("/api/session/restart", notifications.Restart).Methods(http.MethodPost)
	router.HandleFunc("/api/session/login", notifications.Login).Methods(http.MethodPost)
	router.HandleFunc("/api/session/logout", notifications.Logout).Methods(http.MethodPost)

	return router
}
