package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lightfx/internal/effects"
	"lightfx/internal/lights"
	"lightfx/internal/notify"
	"lightfx/internal/store"
	"lightfx/internal/supervisor"
)

// envMetricsAddr lets spawned effect processes expose metrics.
const envMetricsAddr = "LIGHTFX_METRICS_ADDR"

var (
	flagConfigDir string
	flagLogLevel  string
	flagJSON      bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lightfx",
		Short:         "Discover smart lights and run lighting effects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "configuration root (default $"+store.EnvConfigDir+" or the user config dir)")
	root.PersistentFlags().StringVarP(&flagLogLevel, "log-level", "L", "", "log level, one of: [trace,debug,info,warn,error]")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "print machine readable output")

	root.AddCommand(
		newEffectsCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newDiscoverCmd(),
		newSetCmd(),
		newInitCmd(),
		newWatchCmd(),
		newRunCmd(),
	)

	return root
}

func openApp() (*App, error) {
	return NewApp(flagConfigDir, flagLogLevel)
}

// signalContext is cancelled on interrupt or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEffectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "effects",
		Aliases: []string{"ls"},
		Short:   "List the available effects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			if err := app.registry.Refresh(); err != nil {
				return err
			}
			for _, err := range app.registry.Errors() {
				app.log.Warn().Err(err).Msg("effect not loaded")
			}

			defs := app.registry.List()
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), defs)
			}
			if len(defs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no effects in %s (run lightfx init)\n", app.registry.Dir())
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tOPTIONS\tDESCRIPTION")
			for _, d := range defs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Name, optionSummary(d), d.Description)
			}
			return tw.Flush()
		},
	}
}

func optionSummary(d *effects.Definition) string {
	if len(d.Options) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(d.Options))
	for _, name := range slices.Sorted(maps.Keys(d.Options)) {
		spec := d.Options[name]
		if spec.Required() {
			parts = append(parts, fmt.Sprintf("%s:%s!", name, spec.Type))
		} else {
			parts = append(parts, fmt.Sprintf("%s:%s=%v", name, spec.Type, spec.Default))
		}
	}
	return strings.Join(parts, " ")
}

func newStartCmd() *cobra.Command {
	var (
		rawOptions string
		sets       []string
	)
	cmd := &cobra.Command{
		Use:   "start <effect-id>",
		Short: "Start an effect, replacing the running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			id := args[0]

			opts, err := effects.ParseOptions(rawOptions)
			if err != nil {
				return fmt.Errorf("--options: %w", err)
			}
			if len(sets) > 0 {
				def, err := app.registry.Load(id)
				if err != nil {
					return err
				}
				for _, kv := range sets {
					name, raw, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("--set %q: expected name=value", kv)
					}
					v, err := def.ParseOption(name, raw)
					if err != nil {
						return fmt.Errorf("--set %s: %w", name, err)
					}
					opts[name] = v
				}
			}

			pub := app.publisher()
			defer pub.Close()
			app.supervisor.OnChange(publishChange(app, pub))

			ctx, cancel := signalContext()
			defer cancel()
			rec, err := app.supervisor.StartEffect(ctx, id, opts)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %s (pid %d)\n", rec.EffectID, rec.PID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&rawOptions, "options", "o", "", "effect options as a JSON object")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "set one option as name=value (repeatable)")
	return cmd
}

// publishChange forwards supervisor changes to the status publisher.
func publishChange(app *App, pub notify.Publisher) func(store.Record, bool) {
	return func(rec store.Record, active bool) {
		st := supervisor.Status{EffectID: rec.EffectID, PID: rec.PID, Running: active}
		if !active {
			st = supervisor.Status{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, st); err != nil {
			app.log.Warn().Err(err).Msg("publish status")
		}
	}
}

func newStopCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			app.supervisor.GraceTimeout = grace

			pub := app.publisher()
			defer pub.Close()
			app.supervisor.OnChange(publishChange(app, pub))

			ctx, cancel := signalContext()
			defer cancel()
			return app.supervisor.StopEffect(ctx)
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", supervisor.DefaultGraceTimeout, "time to wait after SIGTERM before killing; 0 kills at once")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			st, err := app.supervisor.Status(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeStatus(st))
			return nil
		},
	}
}

func describeStatus(st supervisor.Status) string {
	switch {
	case st.Running:
		return fmt.Sprintf("running %s (pid %d)", st.EffectID, st.PID)
	case st.Stale && st.PID > 0:
		return fmt.Sprintf("idle (%s, pid %d, is no longer running)", st.EffectID, st.PID)
	case st.Stale:
		return fmt.Sprintf("idle (stale marker for %s)", st.EffectID)
	default:
		return "idle"
	}
}

type lightInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Brand         lights.Brand `json:"brand"`
	SupportsColor bool         `json:"supportsColor"`
	State         lights.State `json:"state"`
}

func describeLight(l lights.Light) lightInfo {
	return lightInfo{ID: l.ID(), Name: l.Name(), Brand: l.Brand(), SupportsColor: l.SupportsColor(), State: l.State()}
}

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Find lights for every enabled vendor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			m := app.lightManager()
			defer m.Close()

			out := cmd.OutOrStdout()
			progress := func(brand lights.Brand, found []lights.Light) {
				if flagJSON {
					return
				}
				for _, l := range found {
					fmt.Fprintf(out, "%-12s %-32s %s\n", brand, l.ID(), l.Name())
				}
			}
			r := app.discover(ctx, m, progress)

			if flagJSON {
				infos := make([]lightInfo, 0, len(r.Lights))
				for _, l := range r.Lights {
					infos = append(infos, describeLight(l))
				}
				return printJSON(out, infos)
			}
			if len(r.Lights) == 0 {
				fmt.Fprintln(out, "no lights found")
			}
			return nil
		},
	}
}

func newSetCmd() *cobra.Command {
	var (
		hue, sat, bri int
		on, off       bool
		transition    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "set <light-id>...",
		Short: "Set colour, brightness or power of lights directly",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			m := app.lightManager()
			defer m.Close()
			app.discover(ctx, m, nil)

			f := lights.NewFrame()
			for _, id := range args {
				l, ok := m.Light(id)
				if !ok {
					return fmt.Errorf("light %q not found", id)
				}
				if on || off {
					f.SetPower(l, on)
				}
				switch {
				case cmd.Flags().Changed("hue") || cmd.Flags().Changed("saturation"):
					if err := f.SetColor(l, hue, sat, bri, transition); err != nil {
						return err
					}
				case cmd.Flags().Changed("brightness"):
					if err := f.SetBrightness(l, bri, transition); err != nil {
						return err
					}
				}
			}
			if f.Len() == 0 {
				return fmt.Errorf("nothing to set; pass --on, --off, --hue, --saturation or --brightness")
			}
			return f.Commit(ctx)
		},
	}
	cmd.Flags().IntVar(&hue, "hue", 0, "hue in degrees (0-360)")
	cmd.Flags().IntVar(&sat, "saturation", 100, "saturation percent (0-100)")
	cmd.Flags().IntVar(&bri, "brightness", 100, "brightness percent (0-100)")
	cmd.Flags().BoolVar(&on, "on", false, "turn on")
	cmd.Flags().BoolVar(&off, "off", false, "turn off")
	cmd.Flags().DurationVar(&transition, "transition", 0, "transition time")
	cmd.MarkFlagsMutuallyExclusive("on", "off")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create settings.json and install the bundled effects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			written, err := effects.InstallDefaults(app.store.Paths().EffectsDir())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config: %s\n", app.store.Paths().Root)
			for _, name := range written {
				fmt.Fprintf(out, "installed effects/%s\n", name)
			}
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the effect status and publish changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}
			app, err := openApp()
			if err != nil {
				return err
			}
			pub := app.publisher()
			defer pub.Close()

			ctx, cancel := signalContext()
			defer cancel()

			out := cmd.OutOrStdout()
			mon := supervisor.NewMonitor(app.supervisor, interval)
			mon.OnChange(func(st supervisor.Status) {
				if flagJSON {
					_ = json.NewEncoder(out).Encode(st)
				} else {
					fmt.Fprintf(out, "%s %s\n", time.Now().Format(time.TimeOnly), describeStatus(st))
				}
				if err := pub.Publish(ctx, st); err != nil && ctx.Err() == nil {
					app.log.Warn().Err(err).Msg("publish status")
				}
			})
			mon.Start(ctx)
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

func newRunCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:    "run <effect-id> [options-json]",
		Short:  "Run an effect in the foreground (used by start)",
		Hidden: true,
		Args:   cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			raw := ""
			if len(args) > 1 {
				raw = args[1]
			}
			opts, err := effects.ParseOptions(raw)
			if err != nil {
				return fmt.Errorf("options: %w", err)
			}

			if metricsAddr == "" {
				metricsAddr = os.Getenv(envMetricsAddr)
			}

			ctx, cancel := signalContext()
			defer cancel()

			app.log = app.log.With().Str("effect", args[0]).Str("run_id", os.Getenv(supervisor.EnvRunID)).Logger()
			app.log.Info().Int("pid", os.Getpid()).Msg("effect process starting")
			err = app.RunEffect(ctx, args[0], opts, metricsAddr)
			app.log.Info().Err(err).Msg("effect process exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (or $"+envMetricsAddr+")")
	return cmd
}
