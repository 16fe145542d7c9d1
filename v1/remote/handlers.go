package remote

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
	"github.com/mirkobrombin/go-thingsync/v1/protocol"
	"github.com/mirkobrombin/go-thingsync/v1/thing"
)

const requestIDKey = "request_id"

// RouterOption configures NewRouter.
type RouterOption func(*routerConfig)

type routerConfig struct {
	token string
	log   *zap.Logger
}

// WithToken requires every request to carry "Authorization: Bearer token".
func WithToken(token string) RouterOption {
	return func(c *routerConfig) { c.token = token }
}

// WithAccessLog logs every request on log.
func WithAccessLog(log *zap.Logger) RouterOption {
	return func(c *routerConfig) { c.log = log }
}

// NewRouter exposes g over HTTP:
//
//	GET    /things
//	GET    /things/:id
//	PATCH  /things/:id                    title, description
//	DELETE /things/:id
//	GET    /things/:id/properties
//	GET    /things/:id/properties/:name
//	PUT    /things/:id/properties/:name   handshake step
//	GET    /things/:id/events
//	POST   /things/:id/events/:name
//	PUT    /things/:id/connected
//	GET    /ws                            feed
func NewRouter(g *Gateway, opts ...RouterOption) *gin.Engine {
	cfg := routerConfig{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(cfg.log.Named("http")))
	if cfg.token != "" {
		r.Use(bearer(cfg.token))
	}

	h := &handlers{g: g}
	r.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	r.GET("/things", h.listThings)
	r.GET("/things/:id", h.getThing)
	r.PATCH("/things/:id", h.updateThing)
	r.DELETE("/things/:id", h.removeThing)
	r.GET("/things/:id/properties", h.getProperties)
	r.GET("/things/:id/properties/:name", h.getProperty)
	r.PUT("/things/:id/properties/:name", h.putProperty)
	r.GET("/things/:id/events", h.getEvents)
	r.POST("/things/:id/events/:name", h.postEvent)
	r.PUT("/things/:id/connected", h.putConnected)
	r.GET("/ws", h.feed)
	return r
}

type handlers struct {
	g *Gateway
}

func (h *handlers) listThings(c *gin.Context) {
	c.JSON(http.StatusOK, h.g.Things())
}

func (h *handlers) getThing(c *gin.Context) {
	desc, err := h.g.Describe(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (h *handlers) updateThing(c *gin.Context) {
	var u thing.Updates
	if err := bind(c, &u); err != nil {
		writeError(c, err)
		return
	}
	desc, err := h.g.Update(c.Param("id"), u)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (h *handlers) removeThing(c *gin.Context) {
	if err := h.g.Remove(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) getProperties(c *gin.Context) {
	props, err := h.g.Properties(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, props)
}

func (h *handlers) getProperty(c *gin.Context) {
	prop, err := h.g.Property(c.Param("id"), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, prop)
}

func (h *handlers) putProperty(c *gin.Context) {
	var req protocol.Request
	if err := bind(c, &req); err != nil {
		writeError(c, err)
		return
	}
	raw, err := h.g.Step(c.Request.Context(), c.Param("id"), c.Param("name"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

func (h *handlers) getEvents(c *gin.Context) {
	events, err := h.g.Events(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *handlers) postEvent(c *gin.Context) {
	var data any
	if err := bind(c, &data); err != nil {
		writeError(c, err)
		return
	}
	if err := h.g.Emit(c.Request.Context(), c.Param("id"), c.Param("name"), data); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) putConnected(c *gin.Context) {
	var connected bool
	if err := bind(c, &connected); err != nil {
		writeError(c, err)
		return
	}
	if err := h.g.SetConnected(c.Request.Context(), c.Param("id"), connected); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bind decodes a JSON body. Decoding failures are reported as invalid
// values.
func bind(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", tserrors.ErrInvalidValue)
		}
		return fmt.Errorf("%w: %w", tserrors.ErrInvalidValue, err)
	}
	return nil
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if l := len(id); l < 1 || l > 64 {
			id = uuid.New().String()
		}
		c.Header("X-Request-ID", id)
		c.Set(requestIDKey, id)
		c.Next()
	}
}

func bearer(token string) gin.HandlerFunc {
	want := "Bearer " + token
	return func(c *gin.Context) {
		if strings.TrimSpace(c.GetHeader("Authorization")) != want {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
			return
		}
		c.Next()
	}
}

// accessLog records every request after it was handled.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Duration("latency", time.Since(start)),
		}
		if err := errors.Join(errs...); err != nil {
			fields = append(fields, zap.Error(err))
		}
		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
