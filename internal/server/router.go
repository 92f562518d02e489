package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/contacts"
	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	serviceName          = "Bitespeed Identity Reconciliation"
	serviceVersion       = "1.0.0"
	internalErrorMessage = "Internal server error"
)

var errMissingIdentityService = errors.New("identity service dependency required")

// IdentityResolver reconciles a contact fragment into a cluster.
type IdentityResolver interface {
	Identify(ctx context.Context, request contacts.IdentifyRequest) (contacts.Resolution, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	IdentityService IdentityResolver
	Metrics         *metrics.Metrics
	Gatherer        prometheus.Gatherer
	Logger          *zap.Logger
	// Development exposes internal error detail in 500 responses.
	Development     bool
	Clock           func() time.Time
}

// NewHTTPHandler builds the gin router serving the identity API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.IdentityService == nil {
		return nil, errMissingIdentityService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		identity:    deps.IdentityService,
		metrics:     deps.Metrics,
		logger:      logger,
		development: deps.Development,
		clock:       clock,
	}

	router.POST("/identify", handler.handleIdentify)
	router.GET("/health", handler.handleHealth)
	router.GET("/", handler.handleDescribe)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	router.NoRoute(handler.handleNotFound)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	identity    IdentityResolver
	metrics     *metrics.Metrics
	logger      *zap.Logger
	development bool
	clock       func() time.Time
}

type identifyRequestPayload struct {
	Email       flexibleString `json:"email"`
	PhoneNumber flexibleString `json:"phoneNumber"`
}

type identifyResponsePayload struct {
	Contact contactPayload `json:"contact"`
}

// primaryContatctId is the established wire name and must not be corrected.
type contactPayload struct {
	PrimaryContactID    uint     `json:"primaryContatctId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []uint   `json:"secondaryContactIds"`
}

func (h *httpHandler) handleIdentify(c *gin.Context) {
	startedAt := time.Now()

	var payload identifyRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Debug("identify payload rejected", zap.Error(err))
		h.metrics.ObserveIdentify(metrics.OutcomeInvalid, 0, time.Since(startedAt))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	request, err := contacts.NewIdentifyRequest(string(payload.Email), string(payload.PhoneNumber))
	if err != nil {
		h.metrics.ObserveIdentify(metrics.OutcomeInvalid, 0, time.Since(startedAt))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resolution, err := h.identity.Identify(c.Request.Context(), request)
	if err != nil {
		if errors.Is(err, contacts.ErrValidation) {
			h.metrics.ObserveIdentify(metrics.OutcomeInvalid, 0, time.Since(startedAt))
			c.JSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
			return
		}
		h.metrics.ObserveIdentify(metrics.OutcomeFailed, 0, time.Since(startedAt))
		body := gin.H{"error": internalErrorMessage}
		if h.development {
			body["message"] = err.Error()
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	h.metrics.ObserveIdentify(string(resolution.Outcome), resolution.DemotedPrimaries, time.Since(startedAt))
	cluster := resolution.Cluster
	c.JSON(http.StatusOK, identifyResponsePayload{
		Contact: contactPayload{
			PrimaryContactID:    cluster.PrimaryContactID,
			Emails:              nonNilStrings(cluster.Emails),
			PhoneNumbers:        nonNilStrings(cluster.PhoneNumbers),
			SecondaryContactIDs: nonNilIDs(cluster.SecondaryContactIDs),
		},
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"timestamp": h.clock().UTC().Format(time.RFC3339),
		"service":   serviceName,
	})
}

func (h *httpHandler) handleDescribe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": serviceName + " Service",
		"version": serviceVersion,
		"endpoints": gin.H{
			"identify": "POST /identify",
			"health":   "GET /health",
		},
	})
}

func (h *httpHandler) handleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "Not Found",
		"message": "Route " + c.Request.URL.RequestURI() + " not found",
	})
}

func validationMessage(err error) string {
	var validationErr *contacts.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Message
	}
	return err.Error()
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilIDs(values []uint) []uint {
	if values == nil {
		return []uint{}
	}
	return values
}
