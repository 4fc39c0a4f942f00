package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/identity-service/internal/api/http/handlers"
	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/config"
)

// NewApp builds the fiber app. The proxy header is only believed when the
// peer is listed in TrustedProxies.
func NewApp(cfg config.AppConfig) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:                 cfg.Name,
		DisableStartupMessage:   cfg.Env == "production",
		ProxyHeader:             cfg.ProxyHeader,
		EnableIPValidation:      cfg.ProxyHeader != "",
		EnableTrustedProxyCheck: cfg.ProxyHeader != "",
		TrustedProxies:          cfg.TrustedProxies,
	})
}

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Accounts       *handlers.AccountsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	authGroup := app.Group("/auth")
	authGroup.Post("/register", cfg.Auth.Register)
	authGroup.Post("/login", cfg.Auth.Login)
	// Logout must not reveal whether the token was valid, so it skips the
	// auth middleware.
	authGroup.Post("/logout", cfg.Auth.Logout)
	authGroup.Get("/session", cfg.AuthMiddleware.Handle, cfg.Auth.Session)

	accounts := app.Group("/accounts", cfg.AuthMiddleware.Handle)
	accounts.Get("/", cfg.Accounts.List)
	accounts.Post("/password", cfg.Accounts.ChangePassword)
	accounts.Put("/:id/role", cfg.Accounts.ChangeRole)
	accounts.Put("/:id/state", cfg.Accounts.ChangeState)
	accounts.Patch("/:id", cfg.Accounts.Update)
	accounts.Delete("/:id", cfg.Accounts.Remove)
}
