// Package web serves the objrec HTTP surface: health and status endpoints and access to the event
// bus over HTTP and websockets.
package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"go.viam.com/objrec/eventbus"
	"go.viam.com/objrec/logging"
	"go.viam.com/objrec/services/objectrecognition"
)

const (
	maxEventBytes  = 1 << 20
	publishTimeout = 10 * time.Second
	shutdownGrace  = 5 * time.Second
)

// A Worker reports the state of the object recognition worker.
type Worker interface {
	State() objectrecognition.State
	Stats() objectrecognition.Stats
}

// Status is the body of GET /status.
type Status struct {
	State  objectrecognition.State `json:"state"`
	Stats  objectrecognition.Stats `json:"stats"`
	Topics []string                `json:"topics"`
}

// NewHandler returns the HTTP handler for bus and worker.
func NewHandler(bus eventbus.Bus, worker Worker, logger logging.Logger) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, Status{
			State:  worker.State(),
			Stats:  worker.Stats(),
			Topics: bus.Topics(),
		})
	})
	r.POST("/topics/:topic", publish(bus, logger))
	r.GET("/topics/:topic/ws", func(c *gin.Context) {
		eventbus.ServeWebsocket(c.Writer, c.Request, bus, c.Param("topic"), logger)
	})
	return r
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugw("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// publish wraps the JSON request body in an event and publishes it on the topic.
func publish(bus eventbus.Bus, logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		topic := c.Param("topic")
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBytes))
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		if !json.Valid(body) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body is not valid JSON"})
			return
		}
		event, err := eventbus.NewEvent(json.RawMessage(body))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), publishTimeout)
		defer cancel()
		if err := bus.Publish(ctx, topic, event); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, eventbus.ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			logger.Warnw("could not publish event", "topic", topic, "error", err)
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": event.ID})
	}
}

// Server runs a handler on an address.
type Server struct {
	srv    *http.Server
	logger logging.Logger
}

// NewServer returns a server for handler on address.
func NewServer(address string, handler http.Handler, logger logging.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Serve accepts connections on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()
	s.logger.Infow("serving", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) {
		err = serveErr
	}
	return err
}

// ListenAndServe listens on the server's address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrapf(err, "could not listen on %q", s.srv.Addr)
	}
	return s.Serve(ctx, ln)
}
