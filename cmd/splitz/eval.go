package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matt-riley/splitz/internal/core"
	"github.com/matt-riley/splitz/internal/logging"
	"github.com/matt-riley/splitz/internal/repository"
	"github.com/matt-riley/splitz/internal/service"
)

func newEvalCmd() *cobra.Command {
	var (
		file, tenant, flagKey, userID string
		attrs                         []string
	)

	cmd := &cobra.Command{
		Use:     "eval",
		Short:   "Evaluate a flag offline against a YAML flag file",
		Example: `  splitz eval --file flags.yaml --tenant acme --flag checkout --user u1 --attr country=CA --attr age=42`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return errors.New("--file is required")
			}

			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}

			repo, err := repository.LoadFileRepository(file)
			if err != nil {
				return err
			}

			evaluator := service.NewEvaluator(repo,
				service.WithSegments(repo),
				service.WithLogger(logging.NewWithWriter(os.Getenv("LOG_LEVEL"), cmd.ErrOrStderr())),
			)

			if id, ok := attributes["id"]; ok {
				switch attrID := fmt.Sprint(id); {
				case userID == "":
					userID = attrID
				case attrID != userID:
					return fmt.Errorf("--user %q conflicts with --attr id=%s", userID, attrID)
				}
			} else if userID != "" {
				attributes["id"] = userID
			}
			result, err := evaluator.Evaluate(cmd.Context(), tenant, flagKey, core.EvaluationContext{
				UserID:     userID,
				Attributes: attributes,
			})
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "YAML flag file")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant that owns the flag")
	cmd.Flags().StringVar(&flagKey, "flag", "", "flag key")
	cmd.Flags().StringVar(&userID, "user", "", "user id used for bucketing and exposed as the \"id\" attribute (defaults to --attr id)")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "user attribute as key=value (repeatable)")

	return cmd
}

func newBucketCmd() *cobra.Command {
	var tenant, flagKey, userID string

	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Print the rollout bucket of a user for a flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(tenant) == "" || strings.TrimSpace(flagKey) == "" {
				return errors.New("--tenant and --flag are required")
			}
			if userID == "" {
				userID = core.AnonymousUserID
			}

			bucket := core.Bucket(tenant, flagKey, userID)
			slog.Debug("computed bucket", "tenant_id", tenant, "flag_key", flagKey, "user_id", userID)
			fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatFloat(bucket, 'f', 7, 64))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant that owns the flag")
	cmd.Flags().StringVar(&flagKey, "flag", "", "flag key")
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to anonymous)")

	return cmd
}

// parseAttributes turns key=value pairs into context attributes. Values that
// parse as JSON scalars keep their type; anything else is a string.
func parseAttributes(pairs []string) (map[string]any, error) {
	attributes := make(map[string]any, len(pairs)+1)
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --attr %q: want key=value", pair)
		}
		attributes[key] = attributeValue(raw)
	}
	return attributes, nil
}

func attributeValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		return json.Number(raw)
	}
	return raw
}
