package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper reports whether the matched route is public. Use it as the
// JWTConfig Skipper when the middleware is mounted on the root router.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

