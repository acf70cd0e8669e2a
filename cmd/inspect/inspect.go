// Package inspect implements the inspect command, a bench tool that runs one
// image through the same pipeline as POST /predict/.
package inspect

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/markscan/markscan/cmd/output"
	"github.com/markscan/markscan/internal/app"
	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/inspection"
)

// Options are the per-run values of the inspect command.
type Options struct {
	Vendor     string
	LotID      string
	PartNumber string // defaults to the file name without extension
	Operator   string
	Save       bool // persist the artifact and record like the server does
	Format     string
}

// Detection is one raw detection in the command output.
type Detection struct {
	Label      string  `json:"label" yaml:"label"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// Stage is one pipeline stage in the command output.
type Stage struct {
	Name       string  `json:"name" yaml:"name"`
	DurationMS float64 `json:"duration_ms" yaml:"duration_ms"`
	Skipped    bool    `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Degraded   bool    `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	Error      string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result is what inspect prints.
type Result struct {
	File       string      `json:"file" yaml:"file"`
	Format     string      `json:"format" yaml:"format"`
	Label      string      `json:"label" yaml:"label"`
	Confidence float64     `json:"confidence" yaml:"confidence"`
	ScanResult string      `json:"scan_result" yaml:"scan_result"`
	Detections []Detection `json:"detections" yaml:"detections"`
	ImageURL   string      `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	RecordID   uint        `json:"record_id,omitempty" yaml:"record_id,omitempty"`
	Stages     []Stage     `json:"stages" yaml:"stages"`
}

// Command creates the inspect command.
func Command(settings *conf.Settings) *cobra.Command {
	o := &Options{}
	cmd := &cobra.Command{
		Use:   "inspect <image>",
		Short: "Inspect one image without the HTTP server",
		Long: `Decode the image, run the detector and print the verdict with every raw
detection. Nothing is stored unless --save is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := output.Validate(o.Format, output.FormatJSON, output.FormatYAML); err != nil {
				return err
			}
			return Run(cmd.Context(), settings, args[0], o, cmd.OutOrStdout())
		},
	}

	setupFlags(cmd, o)
	return cmd
}

// Run inspects the image at path and writes the Result to w. appOpts are
// appended to the options derived from o.
func Run(ctx context.Context, settings *conf.Settings, path string, o *Options, w io.Writer, appOpts ...app.Option) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading image: %w", err)
	}

	var opts []app.Option
	if !o.Save {
		opts = append(opts, app.WithoutArtifacts(), app.WithoutRecords())
	}
	a, err := app.Build(settings, append(opts, appOpts...)...)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	name := filepath.Base(path)
	part := o.PartNumber
	if part == "" {
		part = strings.TrimSuffix(name, filepath.Ext(name))
	}

	out, err := a.Pipeline.Run(ctx, &inspection.Request{
		Image:      data,
		Filename:   name,
		Vendor:     o.Vendor,
		LotID:      o.LotID,
		PartNumber: part,
		Operator:   o.Operator,
	})
	if err != nil {
		return err
	}
	return output.Write(w, o.Format, newResult(path, out))
}

func newResult(path string, out *inspection.Outcome) Result {
	r := Result{
		File:       path,
		Format:     out.Format,
		Label:      string(out.Verdict.Label),
		Confidence: out.Verdict.Confidence,
		ScanResult: out.Verdict.ScanResult,
		Detections: make([]Detection, 0, len(out.Detections)),
		Stages:     make([]Stage, 0, len(out.Stages)),
	}
	for _, d := range out.Detections {
		r.Detections = append(r.Detections, Detection{Label: string(d.Label), Confidence: d.Confidence})
	}
	if out.ArtifactStored() {
		r.ImageURL = out.Artifact.URL
	}
	if out.RecordSaved() {
		r.RecordID = out.Record.ID
	}
	for _, s := range out.Stages {
		st := Stage{
			Name:       s.Stage.String(),
			DurationMS: float64(s.Duration.Microseconds()) / 1000,
			Skipped:    s.Skipped,
			Degraded:   s.Degraded,
		}
		if s.Err != nil {
			st.Error = s.Err.Error()
		}
		r.Stages = append(r.Stages, st)
	}
	return r
}

func defaultOperator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func setupFlags(cmd *cobra.Command, o *Options) {
	flags := cmd.Flags()
	flags.StringVar(&o.Vendor, "vendor", "bench", "Vendor recorded with the inspection")
	flags.StringVar(&o.LotID, "lot", "bench", "Lot id recorded with the inspection")
	flags.StringVar(&o.PartNumber, "part", "", "Part number (default: image file name)")
	flags.StringVar(&o.Operator, "operator", defaultOperator(), "Operator recorded with the inspection")
	flags.BoolVar(&o.Save, "save", false, "Store the image and the inspection record")
	flags.StringVarP(&o.Format, "format", "f", output.FormatJSON, "Output format: json, yaml")

	flags.String("model", "", "Path to the detection model")
	flags.String("backend", "", "Model runtime: onnx, tflite or opencv")
	flags.Float64("threshold", 0, "Minimum detection confidence")
	for name, key := range map[string]string{
		"model":     "model.path",
		"backend":   "model.backend",
		"threshold": "model.threshold",
	} {
		cobra.CheckErr(conf.MarkConfigFlag(flags, name, key))
	}
}
