package server

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/blacktop/companion/pkg/afc"
	"github.com/blacktop/companion/pkg/future"
	"github.com/blacktop/companion/pkg/target"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) addRoutes(router *gin.Engine) {
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	router.GET("/info", s.handleInfo)
	router.POST("/shutdown", s.handleShutdown)
	router.GET("/operations", s.handleOperations)

	fs := router.Group("/afc")
	fs.GET("/ls", s.handleList)
	fs.GET("/cat", s.handleCat)
	fs.GET("/stat", s.handleStat)
	fs.GET("/deviceinfo", s.handleDeviceInfo)
	fs.POST("/push", s.handlePush)
	fs.POST("/mkdir", s.handleMkdir)
	fs.POST("/mv", s.handleRename)
	fs.DELETE("/rm", s.handleRemove)

	router.GET("/apps/:bundle/data/ls", s.handleAppDataList)

	router.GET("/screenshot", s.handleScreenshot)
	router.POST("/launch", s.handleLaunch)

	router.GET("/stream", s.handleStream)
	router.GET("/stream/attributes", s.handleStreamAttributes)
	router.POST("/stream/stop", s.handleStreamStop)
}

// fail maps a failure onto the HTTP surface. Device-reported errors keep
// their raw code; connection and capability faults get distinct statuses.
func fail(c *gin.Context, err error) {
	var devErr *afc.DeviceError
	switch {
	case errors.As(err, &devErr):
		status := http.StatusBadRequest
		if devErr.Code == 8 { // object not found
			status = http.StatusNotFound
		}
		c.AbortWithStatusJSON(status, gin.H{
			"error": devErr.Error(),
			"code":  devErr.Code,
		})
	case errors.Is(err, afc.ErrConnectionClosed), errors.Is(err, afc.ErrProtocolViolation):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, target.ErrUnsupported):
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	case errors.Is(err, future.ErrCancelled):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) afcClient(c *gin.Context) (*afc.Client, bool) {
	client, err := s.target.AFC()
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return client, true
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"udid":  s.target.UDID(),
		"name":  s.target.Name(),
		"state": s.State().String(),
	})
}

func (s *Server) handleShutdown(c *gin.Context) {
	s.Shutdown()
	c.JSON(http.StatusAccepted, gin.H{"state": "stopping"})
}

func (s *Server) handleOperations(c *gin.Context) {
	type operation struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	ops := []operation{}
	for id, cont := range s.registry.Snapshot() {
		ops = append(ops, operation{ID: id.String(), Type: string(cont.Type())})
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *Server) handleList(c *gin.Context) {
	client, ok := s.afcClient(c)
	if !ok {
		return
	}
	names, err := client.ListDirectory(c.Query("path")).Await(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": names})
}

func (s *Server) handleCat(c *gin.Context) {
	client, ok := s.afcClient(c)
	if !ok {
		return
	}
	data, err := client.ReadFile(c.Query("path")).Await(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) handleStat(c *gin.Context) {
	client, ok := s.afcClient(c)
	if !ok {
		return
	}
	info, err := client.FileInfo(c.Query("path")).Await(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleDeviceInfo(c *gin.Context) {
	client, ok := s.afcClient(c)
	if !ok {
		return
	}
	info, err := client.DeviceInfo().Await(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handlePush(c *gin.Context) {
	client, ok := s.afcClient(c)
	if !ok {
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, err)
		return
	}
	if _, err := client.WriteFile(c.Query("path"), data).Await(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) handleMkdir(c *gin.Context) {
	client, ok := s.afcClient(c)
	if !ok {
		return
	}
	if _, err := client.MakeDirectory(c.Query("path")).Await(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) handleRename(c *gin.Context) {
	client, ok := s.afcClient(c)
	if !ok {
		return
	}
	if _, err := client.RenamePath(c.Query("from"), c.Query("to")).Await(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleRemove(c *gin.Context) {
	client, ok := s.afcClient(c)
	if !ok {
		return
	}
	if _, err := client.RemovePath(c.Query("path")).Await(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleAppDataList(c *gin.Context) {
	commands := target.NewDataCommands(s.target)
	entries, err := commands.List(c.Param("bundle"), c.DefaultQuery("path", "/")).Await(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleScreenshot(c *gin.Context) {
	data, err := s.target.Screenshot().Await(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func (s *Server) handleLaunch(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, err)
		return
	}
	launch, err := target.UnmarshalAgentLaunchConfiguration(body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cont, err := s.target.LaunchAgent(launch)
	if err != nil {
		fail(c, err)
		return
	}
	id := s.registry.Add(cont)
	s.reporter.ReportEvent("agent.launched", map[string]any{
		"id":     id.String(),
		"binary": launch.Binary,
	})
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "type": string(cont.Type())})
}

// wsConsumer forwards stream bytes to one websocket client.
type wsConsumer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConsumer) ConsumeData(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// A client that stops reading must not wedge the pump; the write
	// deadline turns a stalled socket into a write error, and the read
	// loop then stops the session.
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return
	}
}

// handleStream upgrades to a websocket, starts a streaming session with
// the socket as the data consumer, and holds the connection open until the
// session completes. Client disconnect stops the session; server shutdown
// cancels it through the registry.
func (s *Server) handleStream(c *gin.Context) {
	sess, err := s.target.VideoStream()
	if err != nil {
		fail(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		fail(c, err)
		return
	}
	defer conn.Close()

	cont := sess.Continuation()
	id := s.registry.Add(cont)
	s.setSession(sess)
	defer s.clearSession(sess)

	if _, err := sess.StartStreaming(&wsConsumer{conn: conn}).Result(); err != nil {
		s.log.WithError(err).Error("stream start failed")
		// The session may still be pumping (e.g. the first-frame
		// confirmation timed out); tear it down so its continuation
		// terminates instead of lingering until server shutdown.
		sess.StopStreaming()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()), closeDeadline())
		return
	}
	s.reporter.ReportEvent("stream.started", map[string]any{"id": id.String()})

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sess.StopStreaming()
				return
			}
		}
	}()

	_, err = cont.Completed().Result()
	s.reporter.ReportEvent("stream.stopped", map[string]any{
		"id": id.String(),
		"ok": err == nil || errors.Is(err, future.ErrCancelled),
	})
}

const wsWriteTimeout = 5 * time.Second

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

func (s *Server) handleStreamAttributes(c *gin.Context) {
	sess := s.currentSession()
	if sess == nil {
		var err error
		sess, err = s.target.VideoStream()
		if err != nil {
			fail(c, err)
			return
		}
	}
	attrs, err := sess.StreamAttributes().Await(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, attrs)
}

func (s *Server) handleStreamStop(c *gin.Context) {
	sess := s.currentSession()
	if sess == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no active stream"})
		return
	}
	if _, err := sess.StopStreaming().Await(c.Request.Context()); err != nil && !errors.Is(err, future.ErrCancelled) {
		fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}
