package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-relay/config"
	"go-relay/models"
	"go-relay/services"
)

const (
	defaultCallsLimit = 50
	reportTimeout     = 2 * time.Minute
)

// realtimeConn is an upstream session that can be configured before relaying.
type realtimeConn interface {
	services.Upstream
	Configure(opts services.SessionOptions) error
	SendUserText(text string) error
}

type realtimeDialer func(ctx context.Context, cfg config.RealtimeConfig) (realtimeConn, error)

func dialRealtime(ctx context.Context, cfg config.RealtimeConfig) (realtimeConn, error) {
	session, err := services.DialRealtime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return session, nil
}

type server struct {
	cfg      config.Config
	dial     realtimeDialer
	reporter *services.Reporter
	store    services.CallStore
	hub      *services.WebSocketHub

	// ctx is cancelled when the HTTP server begins shutting down. Media
	// streams are hijacked connections, so their relays hang off it instead
	// of the request context.
	ctx   context.Context
	calls sync.WaitGroup
}

func (s *server) callContext() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// waitForCalls blocks until every media stream has finished its report, or
// until ctx expires.
func (s *server) waitForCalls(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func newRouter(s *server) *gin.Engine {
	app := gin.Default()

	app.GET("/", s.index)
	app.GET("/incoming-call", s.incomingCall)
	app.POST("/incoming-call", s.incomingCall)
	app.GET(services.MediaStreamPath, s.mediaStream)
	app.GET("/metrics", gin.WrapH(promhttp.Handler()))

	calls := app.Group("/calls")
	calls.GET("", s.listCalls)
	calls.GET("/:call_id", s.getCall)
	calls.GET("/:call_id/live", s.liveCall)

	return app
}

func (s *server) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Twilio Media Stream Server is running!"})
}

func (s *server) incomingCall(c *gin.Context) {
	host := s.cfg.PublicHost
	if host == "" {
		host = c.Request.Host
	}

	markup, err := services.IncomingCallTwiML(host)
	if err != nil {
		log.Printf("Error building TwiML: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot handle call atm"})
		return
	}

	c.Header("Content-Type", "text/xml")
	c.String(http.StatusOK, markup)
}

func (s *server) mediaStream(c *gin.Context) {
	s.calls.Add(1)
	defer s.calls.Done()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Error upgrading connection: %v", err)
		return
	}
	log.Println("Client connected")

	upstream, err := s.dial(c.Request.Context(), s.cfg.Realtime)
	if err != nil {
		log.Printf("Error connecting to realtime API: %v", err)
		_ = conn.Close()
		return
	}

	if err := upstream.Configure(services.SessionOptionsFromConfig(s.cfg.Realtime)); err != nil {
		log.Printf("Error configuring realtime session: %v", err)
		_ = upstream.Close()
		_ = conn.Close()
		return
	}
	if s.cfg.Realtime.SpeaksFirst {
		if err := upstream.SendUserText(s.cfg.Realtime.Greeting); err != nil {
			log.Printf("Error sending initial conversation item: %v", err)
		}
	}

	relay := services.NewRelay(services.RelayConfig{
		SummaryTimeout: s.cfg.Summary.Timeout,
		ShowTimingMath: s.cfg.Realtime.ShowTimingMath,
	}, conn, upstream, s.hub)
	session := relay.Run(s.callContext())

	// The caller is gone; the report must not depend on the request context.
	reportCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	s.reporter.Report(reportCtx, session)
}

func (s *server) listCalls(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "call storage is not configured"})
		return
	}

	limit := defaultCallsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	reports, err := s.store.ListCallReports(c.Request.Context(), limit)
	if err != nil {
		log.Printf("Error listing call reports: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list calls"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": reports, "count": len(reports)})
}

func (s *server) getCall(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "call storage is not configured"})
		return
	}

	callID := c.Param("call_id")
	report, err := s.store.GetCallReport(c.Request.Context(), callID)
	if errors.Is(err, services.ErrReportNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
		return
	}
	if err != nil {
		log.Printf("Error fetching call report %s: %v", callID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch call"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// liveCall streams transcript updates for one call to a monitor.
func (s *server) liveCall(c *gin.Context) {
	callID := c.Param("call_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Error upgrading monitor connection: %v", err)
		return
	}

	client := services.NewClient(s.hub, conn, callID)
	if !s.hub.Register(client) {
		_ = conn.Close()
		return
	}

	if err := conn.WriteJSON(models.ConnectionResponse{
		Type:    models.MonitorTypeConnected,
		Status:  "ok",
		Message: "Subscribed to live transcript",
		CallID:  callID,
	}); err != nil {
		s.hub.Unregister(client)
		_ = conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}
