package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swotrace/internal/common"
	"swotrace/internal/config"
	"swotrace/internal/lister"
)

func newDecodeCmd(v *viper.Viper) *cobra.Command {
	var opts lister.Config

	cmd := &cobra.Command{
		Use:   "decode <source>",
		Short: "Decode a trace source",
		Long: `
Decode a trace source and print the events it carries.

The source is a file path, "-" for stdin, or one of
  file:<path>
  tcp:<host>[:port]            orbuculum server, port 3443 by default
  serial:<device>[@baud]       SWO UART

Every option can also be set in the config file or as a SWOTRACE_* environment
variable, for example SWOTRACE_TPIU_FRAMING=true.

Examples:
  swotrace decode capture.swo
  swotrace decode --tpiu-framing --channels 1 tcp:localhost
  swotrace decode -c swotrace.yaml --format msgpack serial:/dev/ttyACM0@2000000 > trace.mp

Send SIGUSR1 to force every channel to resynchronise.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := sessionConfig(v)
			if err != nil {
				return err
			}

			logger, err := common.NewZapLogger(common.LogOptions{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
			})
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer logger.Sync()

			opts.Source = args[0]
			opts.OutputWriter = cmd.OutOrStdout()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			resync := make(chan struct{}, 1)
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGUSR1)
			defer signal.Stop(sigs)
			go forwardResync(ctx, sigs, resync)
			opts.Resync = resync

			err = lister.Run(ctx, opts, cfg, logger)
			if err != nil && ctx.Err() != nil && cmd.Context().Err() == nil {
				// interrupted by a signal
				logger.Info("decode interrupted")
				return nil
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Format, "format", lister.FormatText, "output format: text or msgpack")
	f.BoolVar(&opts.Packets, "packets", false, "list raw ITM packets as well as events")
	f.StringSliceVar(&opts.Kinds, "kinds", nil, "event kinds to print (software, hardware, local_ts, global_ts, overflow, extension, sync)")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "do not print diagnostics")
	f.BoolVar(&opts.Stats, "stats", false, "print decode statistics at the end")
	f.BoolVar(&opts.NoTimePrint, "no-time-print", false, "do not print the elapsed time")

	f.Bool("tpiu-framing", false, "input is TPIU framed")
	f.Bool("tpiu-sync", false, "wait for a TPIU frame sync before decoding")
	f.Bool("oflow", false, "input is orbflow (COBS framed)")
	f.IntSlice("channels", nil, "TPIU source IDs or orbflow streams to decode")
	f.Int("channel-count", 0, "maximum number of channels decoded")
	f.Bool("require-sync", false, "discard ITM data until the first sync packet")
	f.Uint64("tick-period-ns", 0, "local timestamp tick period in ns")
	f.Uint64("global-tick-period-ns", 0, "global timestamp tick period in ns")
	f.Uint32("ts-prescale", 0, "ITM local timestamp prescaler (1, 4, 16, 64)")
	f.String("timestamp-precision", "", "exact or floor")
	f.Int("max-pending-events", 0, "events held while waiting for a timestamp")
	f.Bool("parallel-channels", false, "decode each channel on its own goroutine")
	f.Int("sink-queue", 0, "queue length between decode and output")
	f.Bool("drop-on-backpressure", false, "drop events instead of blocking when the queue is full")
	f.String("metrics-listen", "", "serve Prometheus metrics on this address")
	_ = v.BindPFlags(f)

	return cmd
}

// forwardResync turns SIGUSR1 into resync requests.
func forwardResync(ctx context.Context, sigs <-chan os.Signal, resync chan<- struct{}) {
	for {
		select {
		case <-sigs:
			select {
			case resync <- struct{}{}:
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}

// sessionConfig loads the config file, if any, and applies flags and
// environment variables over it.
func sessionConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if path := v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	if v.IsSet("tpiu-framing") {
		cfg.TPIUFraming = v.GetBool("tpiu-framing")
	}
	if v.IsSet("tpiu-sync") {
		cfg.TPIUSync = v.GetBool("tpiu-sync")
	}
	if v.IsSet("oflow") {
		cfg.OFLOW = v.GetBool("oflow")
	}
	if v.IsSet("channels") {
		cfg.Channels = nil
		for _, ch := range v.GetIntSlice("channels") {
			if ch < 0 || ch > 0xFF {
				return nil, fmt.Errorf("%w: channel %d out of range", config.ErrInvalid, ch)
			}
			cfg.Channels = append(cfg.Channels, uint8(ch))
		}
	}
	if v.IsSet("channel-count") {
		cfg.ChannelCount = v.GetInt("channel-count")
	}
	if v.IsSet("require-sync") {
		cfg.RequireSync = v.GetBool("require-sync")
	}
	if v.IsSet("tick-period-ns") {
		cfg.TickPeriodNs = v.GetUint64("tick-period-ns")
	}
	if v.IsSet("global-tick-period-ns") {
		cfg.GlobalTickPeriodNs = v.GetUint64("global-tick-period-ns")
	}
	if v.IsSet("ts-prescale") {
		cfg.TSPrescale = v.GetUint32("ts-prescale")
	}
	if v.IsSet("timestamp-precision") {
		p, err := config.ParsePrecision(v.GetString("timestamp-precision"))
		if err != nil {
			return nil, err
		}
		cfg.TimestampPrecision = p
	}
	if v.IsSet("max-pending-events") {
		cfg.MaxPendingEvents = v.GetInt("max-pending-events")
	}
	if v.IsSet("parallel-channels") {
		cfg.ParallelChannels = v.GetBool("parallel-channels")
	}
	if v.IsSet("sink-queue") {
		cfg.SinkQueue = v.GetInt("sink-queue")
	}
	if v.IsSet("drop-on-backpressure") {
		cfg.DropOnBackpressure = v.GetBool("drop-on-backpressure")
	}
	if v.IsSet("metrics-listen") {
		cfg.Metrics.Listen = v.GetString("metrics-listen")
	}
	if v.IsSet("log-level") {
		cfg.Log.Level = v.GetString("log-level")
	}
	if v.IsSet("log-format") {
		cfg.Log.Format = v.GetString("log-format")
	}
	if v.IsSet("log-file") {
		cfg.Log.File = v.GetString("log-file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
