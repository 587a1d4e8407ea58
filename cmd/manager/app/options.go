package app

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sladg/pgvault-operator/internal/config"
)

type options struct {
	metricsAddr             string
	probeAddr               string
	leaderElection          bool
	development             bool
	maxConcurrentReconciles int

	viper *viper.Viper
}

func newOptions() *options {
	return &options{viper: config.NewViper()}
}

func (o *options) addFlags(fs *pflag.FlagSet) error {
	fs.StringVar(&o.metricsAddr, "metrics-bind-address", ":8080", "The address the metrics endpoint binds to.")
	fs.StringVar(&o.probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	fs.BoolVar(&o.leaderElection, "leader-elect", false, "Enable leader election for controller manager.")
	fs.BoolVar(&o.development, "zap-devel", false, "Development mode logging (console encoder, debug level).")
	fs.IntVar(&o.maxConcurrentReconciles, "max-concurrent-reconciles", 1, "Number of PostgresBackups admitted in parallel.")
	return config.BindFlags(fs, o.viper)
}

func (o *options) settings() config.Settings {
	return config.Load(o.viper)
}
