// Command fkernel boots one framekernel core instance: it resolves boot
// configuration (viper, optionally from a config file or FKERNEL_*
// environment variables), wires the seven core components together,
// and reports readiness. It does not itself implement any device
// drivers, file systems, or network stacks (spec §1 Non-goals) — those
// are expected to register against the component boundaries.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mazarin-systems/framekernel/internal/config"
	"github.com/mazarin-systems/framekernel/internal/kernel"
	"github.com/mazarin-systems/framekernel/internal/klog"
)

var (
	cfgFile string
	cpus    int
	verbose bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fkernel",
		Short: "Boot a framekernel core instance",
		RunE:  runBoot,
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "boot config file (viper-compatible: yaml/json/toml)")
	cmd.Flags().IntVar(&cpus, "cpus", 0, "override configured CPU count (0 keeps config/default)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	return cmd
}

func runBoot(cmd *cobra.Command, args []string) error {
	if verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			klog.SetLogger(l)
		}
	}
	defer klog.Sync()

	boot, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cpus > 0 {
		boot.CPUs = cpus
	}

	klog.Info("booting framekernel core",
		zap.Int("cpus", boot.CPUs),
		zap.Int64("tick_period_us", boot.TickPeriodUS),
		zap.Int64("eevdf_base_slice_us", boot.EEVDFBaseSliceUS),
	)

	k, err := kernel.New(boot)
	if err != nil {
		return err
	}

	klog.Info("framekernel core ready",
		zap.Int("run_queues", len(k.RunQueues)),
	)
	return nil
}
