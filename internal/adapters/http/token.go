package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/adapters/token"
)

// tokenHandler serves POST /api/token.
func tokenHandler(issuer TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req token.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameters: room and username"})
			return
		}

		creds, err := issuer.Issue(req.CredentialRequest())
		switch {
		case err == nil:
			c.JSON(http.StatusOK, creds)
		case errors.Is(err, token.ErrMissingParams):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameters: room and username"})
		case errors.Is(err, token.ErrNotConfigured):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Server configuration error"})
		default:
			log.Error().Err(err).Str("module", "adapters.http").Str("room", req.Room).Msg("token generation failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate access token"})
		}
	}
}
