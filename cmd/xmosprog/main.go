// Command xmosprog boots an XMOS xcore-200 over SPI with a bit-reversed
// boot image.
//
// Usage:
//
//	xmosprog /dev/spidev0.0 img-lsb.bin
//	xmosprog --backend periph --speed 5MHz SPI0.1 img-lsb.bin
//	xmosprog --reset-pin GPIO25 /dev/spidev0.0 img-lsb.bin
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	xmosspi "github.com/alexjaw/xmos-spi-programming"
	"github.com/alexjaw/xmos-spi-programming/periphlink"
	"github.com/alexjaw/xmos-spi-programming/spidev"
)

const (
	backendSpidev = "spidev"
	backendPeriph = "periph"
)

type options struct {
	speed    string
	backend  string
	strict   bool
	verbose  bool
	resetPin string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xmosprog: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "xmosprog <spi-device> <image-file>",
		Short: "Boot an xcore device over SPI",
		Long: `Sends an LSB-first boot image to an XMOS xcore device strapped for SPI
slave boot, as one continuous SPI transaction.

The image must already be bit-reversed. Images larger than the spidev buffer
(4096 bytes by default) need the spidev.bufsiz module parameter raised.`,
		Example:       "  xmosprog /dev/spidev0.3 img-lsb.bin",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.speed, "speed", "1MHz", "SPI clock rate")
	cmd.Flags().StringVar(&opts.backend, "backend", backendSpidev, "SPI backend: spidev or periph")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "fail when the driver reports settings other than those requested")
	cmd.Flags().StringVar(&opts.resetPin, "reset-pin", "", "GPIO driving RST_N, pulsed before the image is sent")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

func parseSpeed(s string) (uint32, error) {
	var f physic.Frequency
	if err := f.Set(s); err != nil {
		return 0, fmt.Errorf("invalid --speed %q: %w", s, err)
	}
	hz := f / physic.Hertz
	if hz <= 0 || hz > physic.Frequency(^uint32(0)) {
		return 0, fmt.Errorf("invalid --speed %q: out of range", s)
	}
	return uint32(hz), nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func run(out io.Writer, opts *options, device, image string) (err error) {
	speedHz, err := parseSpeed(opts.speed)
	if err != nil {
		return err
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	log := logger.Sugar()

	log.Infow("programming", "device", device, "image", image, "speed_hz", speedHz, "backend", opts.backend)

	link, closeLink, err := openLink(opts.backend, device)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeLink())
	}()

	if opts.resetPin != "" {
		if err := resetDevice(opts.resetPin); err != nil {
			return err
		}
		log.Infow("device reset", "pin", opts.resetPin)
	}

	prog := xmosspi.New(
		xmosspi.WithLogger(log),
		xmosspi.WithStrictReadback(opts.strict),
	)
	if err := prog.Program(link, image, speedHz); err != nil {
		return fmt.Errorf("programming failed: %w", err)
	}
	fmt.Fprintf(out, "%s: image %s sent\n", device, image)
	return nil
}

func openLink(backend, device string) (xmosspi.Link, func() error, error) {
	switch backend {
	case backendSpidev:
		dev, err := spidev.Open(device)
		if err != nil {
			return nil, nil, err
		}
		return dev, dev.Close, nil
	case backendPeriph:
		if _, err := host.Init(); err != nil {
			return nil, nil, fmt.Errorf("periph host init: %w", err)
		}
		port, err := spireg.Open(device)
		if err != nil {
			return nil, nil, fmt.Errorf("open SPI port %q: %w", device, err)
		}
		return periphlink.New(port), port.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func resetDevice(name string) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("periph host init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return fmt.Errorf("unknown GPIO %q", name)
	}
	return xmosspi.Reset(pin)
}
