package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"leakbench/types"
)

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.bench.Status())
}

type deviceView struct {
	Role string `json:"role"`
	types.DeviceConfig
	TimeoutMs int64 `json:"timeout_ms"`
}

func viewDevices(cfgs []types.DeviceConfig) []deviceView {
	out := make([]deviceView, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, deviceView{Role: cfg.Role.Slug(), DeviceConfig: cfg, TimeoutMs: cfg.Timeout.Milliseconds()})
	}
	return out
}

func (s *Server) devices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": viewDevices(s.bench.Devices())})
}

// deviceEdit carries the operator editable fields; absent fields keep
// their stored value.
type deviceEdit struct {
	Port      *string `json:"port"`
	BaudRate  *int    `json:"baud_rate"`
	ByteSize  *int    `json:"byte_size"`
	Parity    *string `json:"parity"`
	StopBits  *int    `json:"stop_bits"`
	TimeoutMs *int64  `json:"timeout_ms"`
}

func (e deviceEdit) apply(cfg *types.DeviceConfig) error {
	if e.Port != nil {
		cfg.Port = *e.Port
	}
	if e.BaudRate != nil {
		if *e.BaudRate <= 0 {
			return fmt.Errorf("baud_rate must be positive")
		}
		cfg.BaudRate = *e.BaudRate
	}
	if e.ByteSize != nil {
		if *e.ByteSize < 5 || *e.ByteSize > 8 {
			return fmt.Errorf("byte_size must be 5..8")
		}
		cfg.ByteSize = *e.ByteSize
	}
	if e.Parity != nil {
		switch *e.Parity {
		case "N", "E", "O":
		default:
			return fmt.Errorf("parity must be N, E or O")
		}
		cfg.Parity = *e.Parity
	}
	if e.StopBits != nil {
		if *e.StopBits != 1 && *e.StopBits != 2 {
			return fmt.Errorf("stop_bits must be 1 or 2")
		}
		cfg.StopBits = *e.StopBits
	}
	if e.TimeoutMs != nil {
		if *e.TimeoutMs <= 0 {
			return fmt.Errorf("timeout_ms must be positive")
		}
		cfg.Timeout = time.Duration(*e.TimeoutMs) * time.Millisecond
	}
	return nil
}

func (s *Server) updateDevice(c *gin.Context) {
	role, err := types.ParseRole(c.Param("role"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var edit deviceEdit
	if err := c.ShouldBindJSON(&edit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var cfg types.DeviceConfig
	for _, d := range s.bench.Devices() {
		if d.Role == role {
			cfg = d
		}
	}
	cfg.Role = role
	if err := edit.apply(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.bench.UpdateDevice(c.Request.Context(), cfg); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": viewDevices(s.bench.Devices())})
}

func (s *Server) reconnect(c *gin.Context) {
	if err := s.bench.Reconnect(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.bench.Status())
}

func (s *Server) calibrate(c *gin.Context) {
	res, err := s.bench.Calibrate(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) start(c *gin.Context) {
	if err := s.bench.Start(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.bench.Status().Controller)
}

func (s *Server) stop(c *gin.Context) {
	m, err := s.bench.Stop(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"measurement": m})
}

func (s *Server) armAutoStop(c *gin.Context) {
	if err := s.bench.ArmAutoStop(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.bench.Status().Controller)
}

func (s *Server) disarmAutoStop(c *gin.Context) {
	s.bench.DisarmAutoStop()
	c.JSON(http.StatusOK, s.bench.Status().Controller)
}

func (s *Server) deleteLast(c *gin.Context) {
	m, err := s.bench.DeleteLast(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": m})
}

func (s *Server) savePending(c *gin.Context) {
	m, err := s.bench.SavePending(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"measurement": m})
}

func (s *Server) measurements(c *gin.Context) {
	list, err := s.bench.Measurements(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []types.Measurement{}
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func measurementID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) updatePlacement(c *gin.Context) {
	id, ok := measurementID(c)
	if !ok {
		return
	}
	var body struct {
		PanelNo    int `json:"panel_no" binding:"required"`
		LocationNo int `json:"location_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "panel_no and location_no required"})
		return
	}
	if err := s.bench.UpdatePlacement(c.Request.Context(), id, body.PanelNo, body.LocationNo); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "panel_no": body.PanelNo, "location_no": body.LocationNo})
}

func (s *Server) specimen(c *gin.Context) {
	id, ok := measurementID(c)
	if !ok {
		return
	}
	sp, err := s.bench.Specimen(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sp)
}

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

// streamLive sends the latest LiveStatus right away, then every status and
// every live reading of a running measurement.
func (s *Server) streamLive(c *gin.Context) {
	status, cancelStatus := s.bench.Live().Subscribe(16)
	defer cancelStatus()
	readings, cancelReadings := s.bench.Readings().Subscribe(64)
	defer cancelReadings()

	sseHeaders(c)
	if st, ok := s.bench.Live().Last(); ok {
		c.SSEvent("status", st)
		c.Writer.Flush()
	}
	for {
		select {
		case st, ok := <-status:
			if !ok {
				return
			}
			c.SSEvent("status", st)
		case r, ok := <-readings:
			if !ok {
				return
			}
			c.SSEvent("reading", r)
		case <-c.Request.Context().Done():
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) streamEvents(c *gin.Context) {
	events, cancel := s.bench.Events().Subscribe(32)
	defer cancel()

	sseHeaders(c)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(string(ev.Kind), ev)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) streamLogs(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "log stream disabled"})
		return
	}
	client := make(chan types.LogMessage, 100)
	s.hub.AddClient(client)
	defer s.hub.RemoveClient(client)

	sseHeaders(c)
	for {
		select {
		case msg, ok := <-client:
			if !ok {
				return
			}
			c.SSEvent("log", msg)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}
