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
	"fmt"
	"log"
	"os"

	"github.com/blnkfinance/caseflow"
	"github.com/blnkfinance/caseflow/config"
	"github.com/blnkfinance/caseflow/database"
	"github.com/blnkfinance/caseflow/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CLI wraps the root cobra command.
type CLI struct {
	cmd *cobra.Command
}

// caseflowInstance carries the service and its configuration into subcommands.
type caseflowInstance struct {
	caseflow *caseflow.Caseflow
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the service before any command runs.
func preRun(app *caseflowInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		c, err := setupCaseflow(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.caseflow = c
		app.cnf = cnf
		return nil
	}
}

// setupCaseflow connects to the data source and wires the service around it.
func setupCaseflow(cfg *config.Configuration) (*caseflow.Caseflow, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	c, err := caseflow.NewCaseflow(db)
	if err != nil {
		return nil, fmt.Errorf("error creating caseflow: %v", err)
	}
	return c, nil
}

func NewCLI() *CLI {
	var configFile string
	app := &caseflowInstance{}

	var rootCmd = &cobra.Command{
		Use:   "caseflow",
		Short: "Case event message lifecycle service",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./caseflow.json", "Configuration file for caseflow")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if app.caseflow != nil {
			if err := app.caseflow.Close(); err != nil {
				logrus.WithError(err).Warn("Error closing caseflow")
			}
		}
	}

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(jobCommands(app))
	rootCmd.AddCommand(configCommands())

	return &CLI{cmd: rootCmd}
}

func (c CLI) executeCLI() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
