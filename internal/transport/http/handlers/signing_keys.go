package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
)

// KeySetSource renders the public half of the access token signing keys.
type KeySetSource interface {
	JWKS() ([]byte, error)
}

// SigningKeysHandler publishes the keys relying services use to verify
// access tokens issued after federated login. Responses carry an ETag so
// verifiers polling on rotation can revalidate cheaply.
type SigningKeysHandler struct {
	keys   KeySetSource
	maxAge string
}

// NewSigningKeysHandler serves keys with a one hour cache lifetime.
func NewSigningKeysHandler(keys KeySetSource) *SigningKeysHandler {
	return &SigningKeysHandler{keys: keys, maxAge: "3600"}
}

// Publish godoc
// @Summary Access token signing keys
// @Description Returns the JSON Web Key Set that verifies access tokens minted by the OIDC callback.
// @Tags Public
// @Produce json
// @Success 200 {object} map[string]any
// @Success 304 "key set unchanged"
// @Failure 500 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /.well-known/jwks.json [get]
func (h *SigningKeysHandler) Publish(c *gin.Context) {
	if h == nil || h.keys == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(c, "signing keys not configured"))
		return
	}

	set, err := h.keys.JWKS()
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "signing keys unavailable"))
		return
	}

	sum := sha256.Sum256(set)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`
	c.Header("ETag", etag)
	c.Header("Cache-Control", "public, max-age="+h.maxAge)
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "application/jwk-set+json", set)
}
