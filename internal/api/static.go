package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/markscan/markscan/internal/logger"
)

// UploadsServer serves locally stored artifacts from a sandboxed directory.
type UploadsServer struct {
	dir string
	log logger.Logger
}

// NewUploadsServer serves files under dir.
func NewUploadsServer(dir string, log logger.Logger) *UploadsServer {
	return &UploadsServer{dir: dir, log: log}
}

// RegisterRoutes mounts the server at /uploads/*.
func (u *UploadsServer) RegisterRoutes(e *echo.Echo) {
	e.GET("/uploads/*", u.handle)
	e.HEAD("/uploads/*", u.handle)
}

// handle resolves the path through os.Root, so ".." and symlinks cannot
// escape the uploads directory.
func (u *UploadsServer) handle(c echo.Context) error {
	path := c.Param("*")
	if path == "" {
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	}

	root, err := os.OpenRoot(u.dir)
	if err != nil {
		u.logError("Failed to open uploads directory", u.dir, err)
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	}
	defer u.closeWithLog(root, "uploads root")

	file, err := root.Open(path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return echo.NewHTTPError(http.StatusNotFound, "File not found")
		case os.IsPermission(err):
			return echo.NewHTTPError(http.StatusForbidden, "Access denied")
		default:
			// escapes from the root surface here as well
			u.logError("Failed to open upload", path, err)
			return echo.NewHTTPError(http.StatusNotFound, "File not found")
		}
	}
	defer u.closeWithLog(file, path)

	stat, err := file.Stat()
	if err != nil {
		httpErr := echo.NewHTTPError(http.StatusInternalServerError, "Failed to get file info")
		httpErr.Internal = err
		return httpErr
	}
	if stat.IsDir() {
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	}

	if mime := getMIMEType(path); mime != "" {
		c.Response().Header().Set(echo.HeaderContentType, mime)
	}
	c.Response().Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeContent(c.Response(), c.Request(), filepath.Base(path), stat.ModTime(), file)
	return nil
}

func (u *UploadsServer) logError(msg, path string, err error) {
	if u.log != nil {
		u.log.Error(msg, logger.String("path", path), logger.Error(err))
	}
}

func (u *UploadsServer) closeWithLog(c io.Closer, name string) {
	if err := c.Close(); err != nil && u.log != nil {
		u.log.Warn("Error closing "+name, logger.Error(err))
	}
}

// getMIMEType returns the MIME type for the image formats the decoder accepts.
func getMIMEType(path string) string {
	switch filepath.Ext(path) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "" // ServeContent sniffs the bytes
	}
}
