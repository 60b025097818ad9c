/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blnkfinance/caseflow"
	"github.com/blnkfinance/caseflow/config"
	"github.com/blnkfinance/caseflow/internal/notification"
	redis_db "github.com/blnkfinance/caseflow/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// background is a periodic job the worker process owns.
type background interface {
	Start(ctx context.Context)
	Stop()
}

func initializeWorkerServer(conf *config.Configuration) (*asynq.Server, error) {
	connOpt, err := redis_db.AsynqConnOpt(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(connOpt, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      map[string]int{conf.Queue.IngestQueue: 1},
		Logger:      logrus.StandardLogger(),
	}), nil
}

// startMonitoring serves asynqmon so operators can inspect the ingest queue
// and its archived (dead letter) tasks.
func startMonitoring(conf *config.Configuration) {
	connOpt, err := redis_db.AsynqConnOpt(conf.Redis.Dns)
	if err != nil {
		log.Printf("Asynqmon disabled: %v", err)
		return
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: connOpt,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			log.Printf("could not start asynqmon server: %v", err)
		}
	}()
}

// backgroundTasks returns the periodic jobs enabled by configuration.
func backgroundTasks(c *caseflow.Caseflow, conf *config.Configuration) []background {
	tasks := []background{
		caseflow.NewReadinessPromoter(c),
		caseflow.NewMessageProcessor(c),
		caseflow.NewDeadLetterDrain(c),
	}
	if conf.Archive.Enabled {
		tasks = append(tasks, caseflow.NewArchiver(c))
	}
	return tasks
}

// workerCommands starts the ingest queue consumer together with the promoter,
// the processor, the dead letter drain and, when enabled, the archiver.
func workerCommands(app *caseflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start caseflow workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conf := app.cnf
			phClient, shutdown, err := initializeObservability(ctx, conf, "workers")
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			if phClient != nil {
				defer phClient.Close()
			}

			notification.RegisterConfiguredWebhook(conf)

			srv, err := initializeWorkerServer(conf)
			if err != nil {
				log.Fatal(err)
			}
			mux := asynq.NewServeMux()
			mux.HandleFunc(conf.Queue.IngestQueue, app.caseflow.HandleIngestTask)

			startMonitoring(conf)

			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}

			tasks := backgroundTasks(app.caseflow, conf)
			for _, t := range tasks {
				t.Start(ctx)
			}

			<-ctx.Done()
			logrus.Info("Shutting down workers")
			for _, t := range tasks {
				t.Stop()
			}
			srv.Shutdown()
		},
	}

	return cmd
}
