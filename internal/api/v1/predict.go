package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/markscan/markscan/internal/detection"
	"github.com/markscan/markscan/internal/errors"
	"github.com/markscan/markscan/internal/imagecodec"
	"github.com/markscan/markscan/internal/inspection"
)

// PredictResponse always carries exactly one detection: the verdict.
type PredictResponse struct {
	Detections []detection.Detection `json:"detections"`
}

// Predict handles POST /predict/.
func (c *Controller) Predict(ctx echo.Context) error {
	fh, err := ctx.FormFile("file")
	if err != nil {
		return c.HandleError(ctx, err, "An image file is required", http.StatusBadRequest)
	}

	data, err := c.readUpload(fh)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to read uploaded file", http.StatusBadRequest)
	}

	req := &inspection.Request{
		Image:      data,
		Filename:   fh.Filename,
		Vendor:     ctx.FormValue("vendor"),
		LotID:      ctx.FormValue("lotId"),
		PartNumber: ctx.FormValue("partNumber"),
		Operator:   ctx.FormValue("operator"),
	}

	out, err := c.Pipeline.Run(ctx.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, inspection.ErrInvalidInput):
			return c.HandleError(ctx, err, "Missing required fields", http.StatusBadRequest)
		case errors.Is(err, imagecodec.ErrInvalidImage):
			return c.HandleError(ctx, err, "Invalid image file", http.StatusBadRequest)
		case errors.Is(err, detection.ErrModelUnavailable):
			return c.HandleError(ctx, err, "Model not loaded", http.StatusInternalServerError)
		default:
			return c.HandleError(ctx, err, "Inspection failed", http.StatusInternalServerError)
		}
	}

	if out.RecordSaved() {
		c.invalidateStats()
	}

	return ctx.JSON(http.StatusOK, PredictResponse{
		Detections: []detection.Detection{{
			Label:      out.Verdict.Label,
			Confidence: out.Verdict.Confidence,
		}},
	})
}

// readUpload reads the file part, bounded by maxUpload when set.
func (c *Controller) readUpload(fh *multipart.FileHeader) ([]byte, error) {
	if c.maxUpload > 0 && fh.Size > c.maxUpload {
		return nil, fmt.Errorf("file is %d bytes, limit is %d", fh.Size, c.maxUpload)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if c.maxUpload > 0 {
		r = io.LimitReader(f, c.maxUpload)
	}
	return io.ReadAll(r)
}
