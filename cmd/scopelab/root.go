package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/NetPo4ki/scopelab/internal/config"
	"github.com/NetPo4ki/scopelab/internal/lessons"
	"github.com/NetPo4ki/scopelab/internal/logsink"
	"github.com/NetPo4ki/scopelab/observe/logging"
	"github.com/NetPo4ki/scopelab/observe/prom"
	"github.com/NetPo4ki/scopelab/scope"
)

// app carries what the persistent pre-run resolved for the subcommands.
type app struct {
	cfg config.Config
	log *zap.Logger
	out io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "scopelab",
		Short: "Structured concurrency lessons with scopes, tasks and streams",
		Long: `scopelab runs small concurrency lessons on a simulated activity.

Each lesson is a button click: it launches tasks on named dispatchers and
logs every step with a timestamp and the thread it ran on.

Examples:
  scopelab list
  scopelab run run-cancel
  scopelab all --group failures --time-scale 0.2`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			log, err := logsink.NewZap(cmd.OutOrStdout(), cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			a.cfg, a.log, a.out = cfg, log, cmd.OutOrStdout()
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newListCmd(), newRunCmd(a), newAllCmd(a), newVersionCmd())
	return root
}

// runner wires the observers the configuration asks for. gather is nil
// unless metrics are enabled.
func (a *app) runner() (*lessons.Runner, prometheus.Gatherer) {
	obs := []scope.Observer{logging.New(a.log.Named("scope"))}
	var gather prometheus.Gatherer
	if a.cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		obs = append(obs, prom.NewWithRegistry(reg))
		gather = reg
	}
	return lessons.NewRunner(a.cfg, a.log, scope.Observers(obs...)), gather
}

func (a *app) report(rep lessons.Report) {
	fields := []zap.Field{
		zap.String("lesson", rep.Lesson),
		zap.Duration("took", rep.Duration),
		zap.Bool("settled", rep.Settled),
	}
	if rep.Crashed != nil {
		fields = append(fields, zap.NamedError("crashed", rep.Crashed))
	}
	a.log.Info("lesson finished", fields...)
}

func (a *app) printMetrics(g prometheus.Gatherer) error {
	if g == nil {
		return nil
	}
	samples, err := prom.Gather(g)
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tLABELS\tVALUE")
	for _, s := range samples {
		fmt.Fprintf(w, "%s\t%s\t%g\n", s.Name, formatLabels(s.Labels), s.Value)
	}
	return w.Flush()
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "-"
	}
	pairs := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		pairs = append(pairs, k+"="+labels[k])
	}
	return strings.Join(pairs, ",")
}
