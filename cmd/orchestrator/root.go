// Package main is the orchestrator CLI: serve runs the sweep loop against
// a Postgres-backed store, submit compiles and persists a pipeline run
// from a task spec file, and cancel stops a run in flight. Configuration
// follows the same flag/env/file precedence as the root command this CLI
// is adapted from.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "compiles and runs cloud pipeline graphs",
	Long: `orchestrator compiles pipeline task specs into execution DAGs,
sweeps them to completion against pluggable container launchers and
artifact stores, and cancels runs on request.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.orchestrator.yaml)")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string (postgres://...)")
	rootCmd.PersistentFlags().String("redis-url", "", "Redis connection string for the leader lock")
	rootCmd.PersistentFlags().String("artifact-store", "memory", "artifact store backend: s3 or memory")
	rootCmd.PersistentFlags().String("s3-region", "", "AWS region for the S3 artifact store")
	rootCmd.PersistentFlags().String("data-root", "s3://cloud-pipelines-data", "root URI for staged inputs/outputs")
	rootCmd.PersistentFlags().String("logs-root", "s3://cloud-pipelines-logs", "root URI for container logs")
	rootCmd.PersistentFlags().String("default-launcher", "docker", "launcher kind used when a task has no launcher annotation: docker or process")
	rootCmd.PersistentFlags().String("process-log-dir", "/var/log/orchestrator/processes", "log directory for the process launcher")
	rootCmd.PersistentFlags().Bool("cache-enabled", true, "adopt cached ContainerExecutions with a matching cache key")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn, or error")
	rootCmd.PersistentFlags().String("log-format", "text", "text or json")
	rootCmd.PersistentFlags().String("docker-tls-cert-path", "", "directory holding ca.pem/cert.pem/key.pem for a TLS-secured remote Docker engine (unset talks to the local daemon)")

	for _, name := range []string{
		"database-url", "redis-url", "artifact-store", "s3-region", "data-root", "logs-root",
		"default-launcher", "process-log-dir", "cache-enabled", "log-level", "log-format",
		"docker-tls-cert-path",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".orchestrator")
	}

	viper.SetEnvPrefix("ORCHESTRATOR")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	rootCmd.AddCommand(serveCmd, submitCmd, cancelCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
