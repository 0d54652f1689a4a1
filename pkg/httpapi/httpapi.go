// Package httpapi is the node's operator-facing REST surface (spec §6):
// read/replace the configuration namespace, pull the archive for offline
// inspection, and kick off an OTA firmware rollout (spec.md line 6: "can
// initiate an over-the-air firmware update that propagates to every
// Client").
package httpapi

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/asbcorp24/pumnode/pkg/archivecache"
	"github.com/asbcorp24/pumnode/pkg/config"
)

// OTAStarter is the subset of pkg/ota.Sender the HTTP admin route needs: read
// the image at imagePath and stream it over the bus as an OTA session.
type OTAStarter interface {
	StartUpdate(ctx context.Context, imagePath string) error
}

// Server wires the configuration store, archive exporter, and OTA starter
// into a gin router.
type Server struct {
	cfg        *config.Store
	exporter   *archivecache.Exporter
	otaStarter OTAStarter
	engine     *gin.Engine
}

// New builds a Server and registers its routes. otaStarter may be nil, in
// which case POST /api/startOtaUpdate reports 503 (Client-only nodes have no
// OTA starter to wire in).
func New(cfg *config.Store, exporter *archivecache.Exporter, otaStarter OTAStarter) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cfg: cfg, exporter: exporter, otaStarter: otaStarter, engine: engine}
	engine.GET("/api/getConfig", s.getConfig)
	engine.POST("/api/setConfig", s.setConfig)
	engine.GET("/api/exportArchive", s.exportArchive)
	engine.POST("/api/startOtaUpdate", s.startOtaUpdate)
	return s
}

// Handler returns the http.Handler to pass to an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Get())
}

func (s *Server) setConfig(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.MergeSet(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.exporter.Invalidate(context.Background())
	c.JSON(http.StatusOK, s.cfg.Get())
}

func (s *Server) exportArchive(c *gin.Context) {
	body, err := s.exporter.Export(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// startOtaUpdateRequest is the JSON body of POST /api/startOtaUpdate: the
// path to a firmware blob already present in local storage (spec.md §4.8:
// "Inputs: a firmware blob in local storage").
type startOtaUpdateRequest struct {
	ImagePath string `json:"image_path"`
}

func (s *Server) startOtaUpdate(c *gin.Context) {
	if s.otaStarter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ota update not available on this node"})
		return
	}

	var req startOtaUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ImagePath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_path is required"})
		return
	}

	// The OTA session itself runs over the shared RS-485 bus for the full
	// duration of the transfer (spec.md §4.8 paces at >=100ms/chunk); it is
	// kicked off in the background so the operator's request returns
	// immediately rather than blocking on the whole rollout.
	go func() {
		if err := s.otaStarter.StartUpdate(context.Background(), req.ImagePath); err != nil {
			log.Printf("httpapi: ota update of %s failed: %v", req.ImagePath, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "started", "image_path": req.ImagePath})
}
