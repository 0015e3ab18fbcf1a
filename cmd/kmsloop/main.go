package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"kmsloop/internal/kms"
	"kmsloop/internal/loop"
	"kmsloop/internal/render"
	"kmsloop/internal/session"
)

type options struct {
	card    int
	noGPU   bool
	debug   bool
	backend string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "kmsloop",
		Short: "Drive every connected display with a timed animation using atomic modesetting.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(opts.debug)
			return run(opts)
		},
		SilenceUsage: true,
	}

	cmd.Flags().IntVar(&opts.card, "card", -1,
		"DRM card number to use (default: first usable card)")
	cmd.Flags().BoolVar(&opts.noGPU, "no-gpu", false,
		"force CPU rendering into dumb buffers")
	cmd.Flags().BoolVar(&opts.debug, "debug", false,
		"enable per-frame debug logging")
	cmd.Flags().StringVar(&opts.backend, "backend", "",
		"rendering backend to use (default: best available)")

	return cmd
}

func setupLogging(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
}

func run(opts *options) error {
	// Prefer a logind session so we can run unprivileged; fall back to
	// opening the device nodes directly, which needs root.
	open := kms.DirectOpen
	logind, err := session.NewLogind()
	if err != nil {
		log.Info().Err(err).Msg("no logind session, opening devices directly")
		logind = nil
	} else {
		open = logind.Opener()
		defer logind.Close()
	}

	vt, err := session.SetupVT()
	if err != nil {
		log.Warn().Err(err).Msg("could not take over a VT, continuing without")
	} else {
		defer vt.Close()
	}

	var dev *kms.Device
	if opts.card >= 0 {
		dev, err = kms.OpenDevice(opts.card, open)
	} else {
		dev, err = kms.FindDevice(open)
	}
	if err != nil {
		return fmt.Errorf("no usable KMS device: %w", err)
	}
	if logind != nil {
		path := dev.Path
		dev.SetReleaser(func() { logind.ReleaseDevice(path) })
	}
	defer dev.Close()

	var backend render.Backend
	switch {
	case opts.noGPU:
		backend = render.Get(render.BackendSoftware)
	case opts.backend != "":
		backend = render.Get(opts.backend)
	default:
		backend, err = render.Default()
		if err != nil {
			return err
		}
	}
	if backend == nil {
		return render.ErrBackendNotAvailable
	}
	log.Info().Str("backend", backend.Name()).Msg("rendering backend selected")

	for _, out := range dev.Outputs {
		if !backend.ExplicitFencing() {
			out.ExplicitFencing = false
		}
		for i := 0; i < kms.BufferQueueDepth; i++ {
			buf, err := backend.CreateBuffer(out)
			if err != nil {
				return fmt.Errorf("allocating buffers for %s: %w", out.Name, err)
			}
			out.Buffers = append(out.Buffers, buf)
		}
	}

	l, err := loop.New(dev, backend)
	if err != nil {
		return err
	}
	defer l.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msg("shutting down")
		l.Stop()
	}()

	return l.Run()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}
