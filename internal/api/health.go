package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/markscan/markscan/internal/logger"
)

// DiskHealth is the space left on the volume holding local artifacts.
type DiskHealth struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// MemoryHealth is host memory usage.
type MemoryHealth struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

// Health is the /health response.
type Health struct {
	Status        string        `json:"status"`
	Records       string        `json:"records"`
	Artifacts     string        `json:"artifacts"`
	Uptime        string        `json:"uptime"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Timestamp     string        `json:"timestamp"`
	Memory        *MemoryHealth `json:"memory,omitempty"`
	UploadsDisk   *DiskHealth   `json:"uploads_disk,omitempty"`
}

// healthCheck reports uptime, backend names and host resources. Probes that
// fail are left out of the response.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	h := Health{
		Status:        "healthy",
		Records:       s.dataStore.Backend(),
		Artifacts:     s.artifactBackend,
		Uptime:        uptime.String(),
		UptimeSeconds: uptime.Seconds(),
		Timestamp:     time.Now().Format(time.RFC3339),
	}

	ctx := c.Request().Context()
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.Memory = &MemoryHealth{Total: vm.Total, Available: vm.Available, UsedPercent: vm.UsedPercent}
	} else {
		s.log.Debug("memory probe failed", logger.Error(err))
	}

	if dir := s.config.UploadsDir; dir != "" {
		if usage, err := disk.UsageWithContext(ctx, dir); err == nil {
			h.UploadsDisk = &DiskHealth{Path: dir, Total: usage.Total, Free: usage.Free, UsedPercent: usage.UsedPercent}
		} else {
			s.log.Debug("disk probe failed", logger.String("path", dir), logger.Error(err))
		}
	}

	return c.JSON(http.StatusOK, h)
}
