// Command xjogd boots one xjog engine instance against a Postgres database,
// serving the read-only introspection HTTP surface alongside it.
//
// Grounded on cli/root.go's cobra+viper root command (config file / env /
// flag precedence, SIGINT/SIGTERM graceful shutdown via a signal channel),
// adapted from EVE's RabbitMQ/CouchDB service wiring to xjog's own
// store/journal/engine wiring.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evalgo/xjog/config"
	"github.com/evalgo/xjog/engine"
	"github.com/evalgo/xjog/introspect"
	"github.com/evalgo/xjog/journal"
	"github.com/evalgo/xjog/logging"
	"github.com/evalgo/xjog/migrations"
	"github.com/evalgo/xjog/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "xjogd",
	Short: "runs one xjog durable statechart engine instance",
	RunE:  runDaemon,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.xjogd.yaml)")
	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection string")
	rootCmd.PersistentFlags().String("introspect-addr", ":8090", "introspection HTTP listen address")
	rootCmd.PersistentFlags().String("log-level", "info", "debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "text", "text|json")

	viper.BindPFlag("database-url", rootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("introspect-addr", rootCmd.PersistentFlags().Lookup("introspect-addr"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".xjogd")
	}
	viper.SetEnvPrefix("XJOG")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if u := viper.GetString("database-url"); u != "" {
		cfg.DatabaseURL = u
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("xjogd: database URL is required (--database-url or XJOG_DATABASE_URL)")
	}

	log := logging.New(logging.Config{
		Level:     viper.GetString("log-level"),
		Format:    viper.GetString("log-format"),
		Component: "xjogd",
	})

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("xjogd: open pool: %w", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		return fmt.Errorf("xjogd: apply migrations: %w", err)
	}

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("xjogd: open store: %w", err)
	}
	defer st.Close()

	jrnl := journal.New(pool, cfg.JournalChannel, cfg.DigestChannel)
	defer jrnl.Close()

	eng := engine.New(cfg, st, jrnl, log)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("xjogd: start engine: %w", err)
	}

	srv := introspect.New(eng)
	addr := viper.GetString("introspect-addr")
	go func() {
		log.WithField("addr", addr).Info("xjogd: introspection server listening")
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("xjogd: introspection server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("xjogd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	eng.Shutdown(shutdownCtx)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
