package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloudburst-io/cloudburst/pkg/job"
	"github.com/cloudburst-io/cloudburst/pkg/kvstore"
	"github.com/cloudburst-io/cloudburst/pkg/log"
	"github.com/cloudburst-io/cloudburst/pkg/metrics"
	"github.com/cloudburst-io/cloudburst/pkg/resources"
	"github.com/cloudburst-io/cloudburst/pkg/runtime"
	"github.com/cloudburst-io/cloudburst/pkg/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the job scheduler and monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetString("port")
		sslDir, _ := cmd.Flags().GetString("ssl-dir")
		certFile, _ := cmd.Flags().GetString("cert")
		keyFile, _ := cmd.Flags().GetString("key")
		if sslDir != "" {
			certFile = filepath.Join(sslDir, "cert.pem")
			keyFile = filepath.Join(sslDir, "key.pem")
		}
		resourceList, _ := cmd.Flags().GetString("resource-list")
		imagesFile, _ := cmd.Flags().GetString("images-and-domains")
		socket, _ := cmd.Flags().GetString("containerd-socket")
		keyRoot, _ := cmd.Flags().GetString("key-dir")
		restartBudget, _ := cmd.Flags().GetInt("restart-budget")

		metrics.Register()

		kv, err := kvstore.Connect(cmd.Context(), kvstore.ConfigFromEnv())
		if err != nil {
			return fmt.Errorf("failed to connect to KV store: %v", err)
		}
		defer kv.Close()

		res := resources.NewManager(kv)
		if resourceList != "" {
			nodes, err := resources.LoadInventory(resourceList)
			if err != nil {
				return err
			}
			if err := res.SetResources(cmd.Context(), nodes); err != nil {
				return fmt.Errorf("failed to register resources: %v", err)
			}
		}

		images, err := scheduler.LoadImageRegistry(imagesFile)
		if err != nil {
			return err
		}

		rt, err := runtime.NewContainerdRuntime(socket)
		if err != nil {
			return fmt.Errorf("failed to connect to containerd: %v", err)
		}
		defer rt.Close()

		jobs := job.NewManager(kv, res, job.Config{KeyRoot: keyRoot})
		sched := scheduler.NewScheduler(rt, jobs, images, scheduler.Config{
			RestartBudget: restartBudget,
		})
		sched.Start()
		defer sched.Stop()

		mux := http.NewServeMux()
		mux.Handle("/", scheduler.NewRPCServer(sched))
		mux.Handle("/metrics", metrics.Handler())
		httpSrv := &http.Server{Addr: host + ":" + port, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			var err error
			if certFile != "" && keyFile != "" {
				err = httpSrv.ListenAndServeTLS(certFile, keyFile)
			} else {
				err = httpSrv.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		log.Info("Scheduler is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("Shutting down")
		case err := <-errCh:
			log.Errorf("Scheduler failed", err)
			os.Exit(exitRuntime)
		}

		return httpSrv.Close()
	},
}

func init() {
	f := schedulerCmd.Flags()
	f.String("host", "0.0.0.0", "Listen address for the RPC endpoint")
	f.String("port", "3013", "Listen port for the RPC endpoint")
	f.String("ssl-dir", "", "Directory holding cert.pem and key.pem for TLS")
	f.String("cert", "", "TLS certificate file")
	f.String("key", "", "TLS key file")
	f.String("resource-list", "", "Worker node inventory YAML file")
	f.String("images-and-domains", "images_and_domains.yaml", "Domain to image/mount mapping YAML file")
	f.String("containerd-socket", runtime.DefaultSocketPath, "Containerd socket path")
	f.String("key-dir", "/var/lib/cloudburst/keys", "Directory for per-job SSH key pairs")
	f.Int("restart-budget", scheduler.DefaultRestartBudget, "Service recreate attempts before a job fails")

	schedulerCmd.MarkFlagRequired("resource-list")
}
