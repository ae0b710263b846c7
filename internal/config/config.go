// Package config loads the boot-time configuration a hosted rendition
// of the kernel core needs in place of the teacher's ATAG/DTB parsing
// (mazboot/golang/main/page.go, dtb_qemu.go read physical memory size
// off the boot blob; here the same role is played by a config file/flag
// set parsed with viper, per SPEC_FULL.md §A).
package config

import (
	"github.com/spf13/viper"
)

// Boot holds the parameters cmd/fkernel resolves before wiring the
// kernel components together.
type Boot struct {
	CPUs int `mapstructure:"cpus"`

	// TickPeriodUS is the scheduler tick period in microseconds.
	TickPeriodUS int64 `mapstructure:"tick_period_us"`

	// PageTableLevels and BasePageSize parameterize the page-table
	// engine (spec §4.1).
	PageTableLevels int `mapstructure:"page_table_levels"`
	BasePageSize    int `mapstructure:"base_page_size"`
	// HugePageLevel is the highest page-table level that may carry a leaf
	// (huge-page) mapping; the kernel passes it to the page-table engine
	// as HighestTranslationLevel.
	HugePageLevel int `mapstructure:"huge_page_level"`

	// EEVDFBaseSliceUS is the fair-class scheduler's base_slice in
	// microseconds (spec §4.4).
	EEVDFBaseSliceUS int64 `mapstructure:"eevdf_base_slice_us"`
	EEVDFLagLimit    int64 `mapstructure:"eevdf_lag_limit"`
}

// Default mirrors a reasonable single-node x86_64 boot configuration.
func Default() Boot {
	return Boot{
		CPUs:             1,
		TickPeriodUS:     4000,
		PageTableLevels:  4,
		BasePageSize:     4096,
		HugePageLevel:    3,
		EEVDFBaseSliceUS: 4000,
		EEVDFLagLimit:    1 << 30,
	}
}

// Load reads boot configuration from the given file path (if non-empty)
// and environment variables prefixed FKERNEL_, falling back to Default
// for anything unset.
func Load(path string) (Boot, error) {
	v := viper.New()
	v.SetEnvPrefix("FKERNEL")
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("cpus", def.CPUs)
	v.SetDefault("tick_period_us", def.TickPeriodUS)
	v.SetDefault("page_table_levels", def.PageTableLevels)
	v.SetDefault("base_page_size", def.BasePageSize)
	v.SetDefault("huge_page_level", def.HugePageLevel)
	v.SetDefault("eevdf_base_slice_us", def.EEVDFBaseSliceUS)
	v.SetDefault("eevdf_lag_limit", def.EEVDFLagLimit)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Boot{}, err
		}
	}

	var b Boot
	if err := v.Unmarshal(&b); err != nil {
		return Boot{}, err
	}
	return b, nil
}
