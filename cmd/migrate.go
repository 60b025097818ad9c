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

	"github.com/blnkfinance/caseflow"
	"github.com/blnkfinance/caseflow/config"
	"github.com/blnkfinance/caseflow/database"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
)

const migrationSchema = "caseflow"

func migrationSource() migrate.EmbedFileSystemMigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: caseflow.SQLFiles,
		Root:       "sql",
	}
}

// migrateCommands groups the schema migration subcommands.
func migrateCommands(_ *caseflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run caseflow migrations",
	}

	cmd.AddCommand(migrateDirectionCommand("up", migrate.Up, "Applied"))
	cmd.AddCommand(migrateDirectionCommand("down", migrate.Down, "Rolled back"))
	return cmd
}

func migrateDirectionCommand(use string, direction migrate.MigrationDirection, verb string) *cobra.Command {
	return &cobra.Command{
		Use: use,
		Run: func(cmd *cobra.Command, args []string) {
			cnf, err := config.Fetch()
			if err != nil {
				log.Printf("Error fetching config: %v", err)
				return
			}

			db, err := database.ConnectDB(cnf.DataSource)
			if err != nil {
				log.Printf("Error connecting to database: %v", err)
				return
			}
			defer db.Close()

			migrate.SetSchema(migrationSchema)
			n, err := migrate.Exec(db, "postgres", migrationSource(), direction)
			if err != nil {
				log.Printf("Error migrating %s: %v", use, err)
				return
			}
			fmt.Printf("%s %d migrations!\n", verb, n)
		},
	}
}
