package detection

import "github.com/markscan/markscan/internal/logger"

// GetLogger returns the detection module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("detection")
}
