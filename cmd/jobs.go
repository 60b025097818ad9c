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
	"strings"

	"github.com/blnkfinance/caseflow"
	"github.com/blnkfinance/caseflow/model"
	"github.com/spf13/cobra"
)

// jobCommands exposes one-shot maintenance runs for operators.
func jobCommands(app *caseflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "run caseflow maintenance jobs once",
	}

	cmd.AddCommand(archiveCommand(app))
	cmd.AddCommand(drainDeadLettersCommand(app))
	cmd.AddCommand(setStateCommand(app))
	return cmd
}

func archiveCommand(app *caseflowInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "archive one batch of terminal messages to S3",
		Run: func(cmd *cobra.Command, args []string) {
			n, err := app.caseflow.ArchiveMessages(context.Background())
			if err != nil {
				log.Fatalf("Archive failed: %v", err)
			}
			fmt.Printf("Archived %d messages\n", n)
		},
	}
}

func drainDeadLettersCommand(app *caseflowInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "drain-dead-letters",
		Short: "move one batch of dead lettered ingest tasks into the store",
		Run: func(cmd *cobra.Command, args []string) {
			n, err := app.caseflow.DrainDeadLetters(context.Background())
			if err != nil {
				log.Fatalf("Dead letter drain failed: %v", err)
			}
			fmt.Printf("Drained %d dead letters\n", n)
		},
	}
}

// parseStateChange builds a state change from the set-state flags.
func parseStateChange(state, ids, operator string, override bool) (caseflow.StateChange, error) {
	parsed, err := model.ParseMessageState(state)
	if err != nil {
		return caseflow.StateChange{}, err
	}

	var messageIDs []string
	for _, id := range strings.Split(ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			messageIDs = append(messageIDs, id)
		}
	}

	return caseflow.StateChange{
		State:      parsed,
		MessageIDs: messageIDs,
		Operator:   operator,
		Override:   override,
	}, nil
}

func setStateCommand(app *caseflowInstance) *cobra.Command {
	var state, ids, operator string
	var override bool

	cmd := &cobra.Command{
		Use:   "set-state",
		Short: "move messages to a state",
		Run: func(cmd *cobra.Command, args []string) {
			change, err := parseStateChange(state, ids, operator, override)
			if err != nil {
				log.Fatal(err)
			}
			n, err := app.caseflow.ChangeMessageState(context.Background(), change)
			if err != nil {
				log.Fatalf("State change failed: %v", err)
			}
			fmt.Printf("Moved %d messages to %s\n", n, change.State)
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "target state (NEW, READY, PROCESSED, UNPROCESSABLE)")
	cmd.Flags().StringVar(&ids, "ids", "", "comma separated message ids")
	cmd.Flags().StringVar(&operator, "operator", "", "who is making the change")
	cmd.Flags().BoolVar(&override, "override", false, "skip transition checks")
	_ = cmd.MarkFlagRequired("state")
	_ = cmd.MarkFlagRequired("ids")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
