package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/nvandessel/phenosim/internal/params"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newParamsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Manage the model parameter file",
		Long: `Create, print and check the model parameter file.

The parameter file defaults to parameters.yaml in the project root.

Examples:
  phenosim params init                     # Write default parameters
  phenosim params show --json              # Print parameters as JSON
  phenosim params validate --params x.yaml # Check a parameter file`,
	}

	cmd.PersistentFlags().String("params", "", "Parameter file (default: <root>/parameters.yaml)")

	cmd.AddCommand(
		newParamsInitCmd(),
		newParamsShowCmd(),
		newParamsValidateCmd(),
	)

	return cmd
}

func newParamsInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default parameter file",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			force, _ := cmd.Flags().GetBool("force")
			path := paramsPath(cmd)

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			if err := params.Default().Save(path); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]string{
					"status": "initialized",
					"path":   path,
				})
			}
			fmt.Fprintf(out, "Wrote default parameters to %s\n", path)
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "Overwrite an existing parameter file")

	return cmd
}

func newParamsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the parameters after environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			p, _, err := loadParams(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(p)
			}
			data, err := yaml.Marshal(p)
			if err != nil {
				return fmt.Errorf("marshaling parameters: %w", err)
			}
			_, err = out.Write(data)
			return err
		},
	}
}

func newParamsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a parameter file",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			p, path, err := loadParams(cmd)
			out := cmd.OutOrStdout()
			if jsonOut {
				result := map[string]interface{}{
					"path":  path,
					"valid": err == nil,
				}
				if err != nil {
					result["error"] = err.Error()
				} else if hash, hashErr := p.Hash(); hashErr == nil {
					result["hash"] = hash
				}
				if encErr := json.NewEncoder(out).Encode(result); encErr != nil {
					return encErr
				}
				return err
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s is valid: %d environments, %d phenotypes, %d agents, %d frames of %d steps\n",
				path, p.NEnv, p.NPhe, p.NAgtInit, p.SavesPerFile, p.StepsPerSave)
			return nil
		},
	}
}
