package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudburst-io/cloudburst/pkg/auth"
	"github.com/cloudburst-io/cloudburst/pkg/client"
	"github.com/cloudburst-io/cloudburst/pkg/handler"
	"github.com/cloudburst-io/cloudburst/pkg/job"
	"github.com/cloudburst-io/cloudburst/pkg/kvstore"
	"github.com/cloudburst-io/cloudburst/pkg/log"
	"github.com/cloudburst-io/cloudburst/pkg/metrics"
	"github.com/cloudburst-io/cloudburst/pkg/model"
	"github.com/cloudburst-io/cloudburst/pkg/resources"
	"github.com/cloudburst-io/cloudburst/pkg/session"
)

var requestHandlerCmd = &cobra.Command{
	Use:   "request-handler",
	Short: "Run the client-facing websocket request handler",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetString("port")
		sslDir, _ := cmd.Flags().GetString("ssl-dir")
		certFile, _ := cmd.Flags().GetString("cert")
		keyFile, _ := cmd.Flags().GetString("key")
		schedHost, _ := cmd.Flags().GetString("scheduler-host")
		schedPort, _ := cmd.Flags().GetString("scheduler-port")
		schedCA, _ := cmd.Flags().GetString("scheduler-ca-cert")
		modelsFile, _ := cmd.Flags().GetString("models")
		usersFile, _ := cmd.Flags().GetString("users")

		metrics.Register()

		kv, err := kvstore.Connect(cmd.Context(), kvstore.ConfigFromEnv())
		if err != nil {
			return fmt.Errorf("failed to connect to KV store: %v", err)
		}
		defer kv.Close()

		res := resources.NewManager(kv)
		jobs := job.NewManager(kv, res, job.Config{})
		sessions := session.NewManager(kv)

		registry := model.Default()
		if modelsFile != "" {
			if registry, err = model.LoadFile(modelsFile); err != nil {
				return fmt.Errorf("failed to load model registry: %v", err)
			}
		}

		var authenticator auth.Authenticator = auth.AllowAll{}
		if usersFile != "" {
			if authenticator, err = auth.LoadStatic(usersFile); err != nil {
				return fmt.Errorf("failed to load users file: %v", err)
			}
		}

		sched, err := client.New(client.Config{
			Host:       schedHost,
			Port:       schedPort,
			CACertFile: schedCA,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler client: %v", err)
		}
		defer sched.Close()

		srv := handler.NewServer(sessions, jobs, sched, authenticator, registry, handler.Config{
			Host:     host,
			Port:     port,
			SSLDir:   sslDir,
			CertFile: certFile,
			KeyFile:  keyFile,
		})

		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		log.Info("Request handler is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("Shutting down")
		case err := <-errCh:
			log.Errorf("Request handler failed", err)
			os.Exit(exitRuntime)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func init() {
	f := requestHandlerCmd.Flags()
	f.String("host", "0.0.0.0", "Listen address")
	f.String("port", "3012", "Listen port")
	f.String("ssl-dir", "", "Directory holding cert.pem and key.pem for TLS")
	f.String("cert", "", "TLS certificate file")
	f.String("key", "", "TLS key file")
	f.String("scheduler-host", "localhost", "Scheduler RPC host")
	f.String("scheduler-port", "3013", "Scheduler RPC port")
	f.String("scheduler-ca-cert", "", "CA certificate for the scheduler connection")
	f.String("models", "", "Model registry YAML file (built-in registry when empty)")
	f.String("users", "", "Static user table YAML file (allow-all when empty)")
}
