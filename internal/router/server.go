package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading-api/internal/config"
)

// ServerConfig builds the fiber settings. With a proxy header configured, client addresses
// are read from it only for requests arriving from a trusted proxy, so the grading limiter
// buckets per caller instead of per proxy.
func ServerConfig(cfg config.Config, bodyLimit int) fiber.Config {
	serverCfg := fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    bodyLimit,
	}

	if cfg.ProxyHeader != "" {
		serverCfg.ProxyHeader = cfg.ProxyHeader
		serverCfg.EnableTrustedProxyCheck = true
		serverCfg.TrustedProxies = cfg.TrustedProxies
		serverCfg.EnableIPValidation = true
	}

	return serverCfg
}
