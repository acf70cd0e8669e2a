// Package serve implements the serve command.
package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/markscan/markscan/internal/app"
	"github.com/markscan/markscan/internal/conf"
	"github.com/markscan/markscan/internal/logger"
)

// Command creates the serve command, which runs the HTTP API until interrupted.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inspection HTTP server",
		Long: `Load the detection model, open the record and artifact stores and serve
POST /predict/, the inspection record endpoints and /metrics until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, settings)
		},
	}

	setupFlags(cmd)
	return cmd
}

// Run serves until ctx is cancelled, then releases the model and the stores.
func Run(ctx context.Context, settings *conf.Settings) (err error) {
	log := logger.Global().Module("main")

	a, err := app.Build(settings)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.Error("error releasing resources", logger.Error(cerr))
			if err == nil {
				err = cerr
			}
		}
	}()

	srv, err := a.Server()
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

func setupFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("host", "", "Listen address")
	flags.IntP("port", "p", 0, "Listen port")
	flags.String("model", "", "Path to the detection model")
	flags.String("backend", "", "Model runtime: onnx, tflite or opencv")

	for name, key := range map[string]string{
		"host":    "server.host",
		"port":    "server.port",
		"model":   "model.path",
		"backend": "model.backend",
	} {
		cobra.CheckErr(conf.MarkConfigFlag(flags, name, key))
	}
}
