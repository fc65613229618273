package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fieldworks/skillrun/internal/adapter"
	"github.com/fieldworks/skillrun/internal/model"
)

func invokeCmd() *cobra.Command {
	var (
		correlationID string
		messageID     string
		resumeToken   string
		inputPairs    []string
		inputsJSON    string
	)
	cmd := &cobra.Command{
		Use:          "invoke <skill>",
		Short:        "Invoke a skill through the agent adapter",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			inputs, err := parseInputs(inputPairs, inputsJSON)
			if err != nil {
				return err
			}
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
			if messageID == "" {
				messageID = uuid.NewString()
			}

			resp, err := rt.adapter.Invoke(cmd.Context(), args[0], inputs, correlationID, adapter.InvokeOptions{
				MessageID:   messageID,
				ResumeToken: resumeToken,
			})
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			if resp.State != model.StateCompleted && !resp.State.Resumable() {
				return errGateFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id (generated when empty)")
	cmd.Flags().StringVar(&messageID, "message-id", "", "message id for dedupe (generated when empty)")
	cmd.Flags().StringVar(&resumeToken, "resume-token", "", "resume token from a prior input_required response")
	cmd.Flags().StringArrayVar(&inputPairs, "input", nil, "input as key=value (repeatable)")
	cmd.Flags().StringVar(&inputsJSON, "inputs-json", "", "inputs as a JSON object; merged over --input pairs")
	return cmd
}

// parseInputs folds key=value pairs and an optional JSON object into one
// input map. JSON values win over pairs.
func parseInputs(pairs []string, rawJSON string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("input %q is not key=value", pair)
		}
		inputs[key] = value
	}
	if rawJSON != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(rawJSON), &m); err != nil {
			return nil, fmt.Errorf("parse --inputs-json: %w", err)
		}
		for k, v := range m {
			inputs[k] = v
		}
	}
	return inputs, nil
}
