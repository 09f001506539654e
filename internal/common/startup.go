package common

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"

	commonconfig "github.com/G-Research/eveingester/internal/common/config"
	"github.com/G-Research/eveingester/internal/common/logging"
)

const envPrefix = "EVEINGESTER"

// BindCommandlineArguments makes every flag of flags available to viper under its flag name.
func BindCommandlineArguments(flags *pflag.FlagSet) {
	err := viper.BindPFlags(flags)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// LoadConfig reads config.yaml from defaultPath, merges every file in overrideConfigs on top of it in order and
// finally applies EVEINGESTER_ prefixed environment variables (nested keys joined by "_").
// The result is decoded into config.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading base config from %s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "merging config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}

var logCountersOnce sync.Once

// ConfigureLogging sets up logrus according to config, falling back to coloured text output on stdout.
// Log lines are also counted by level on the metrics endpoint.
func ConfigureLogging(config logging.Config) {
	if err := logging.Configure(config, os.Stdout); err != nil {
		log.WithError(err).Warn("Invalid logging configuration, using defaults")
		_ = logging.Configure(logging.Config{}, os.Stdout)
	}
	logCountersOnce.Do(func() {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			log.WithError(err).Warn("Log lines will not be counted")
			return
		}
		log.AddHook(hook)
	})
}

// ServeMetrics exposes the default prometheus registry on /metrics and returns a function that shuts the server
// down. A port of zero disables the endpoint.
func ServeMetrics(port uint16) (shutdown func()) {
	if port == 0 {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("Serving metrics on port %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Infof("Stopping metrics server")
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Metrics server did not shut down cleanly")
		}
	}
}
