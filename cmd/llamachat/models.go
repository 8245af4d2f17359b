package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/llamachat/llamachat/cli"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/models"
)

func openRegistry() (*models.Registry, error) {
	fetcher := models.NewHubFetcher(cfg.Registry.HuggingFaceToken, filepath.Join(cfg.Registry.ModelsDir, ".hf-cache"), logger)
	return models.NewRegistry(cfg.Registry.ModelsDir, nil, fetcher, cfg.Registry.ChecksumCacheSize, logger)
}

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage downloaded models",
	}
	cmd.AddCommand(
		newModelsListCmd(),
		newModelsDownloadCmd(),
		newModelsDeleteCmd(),
		newModelsInfoCmd(),
		newModelsVerifyCmd(),
		newModelsCleanupCmd(),
	)
	return cmd
}

func newModelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalogue models and their download state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			infos, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.ModelsTable(infos))
			if st, err := reg.StorageInfo(); err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), cli.StorageSummary(st))
			}
			return nil
		},
	}
}

func newModelsDownloadCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "download <name>",
		Short: "Download a catalogue model from Hugging Face",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			path, err := reg.Download(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s to %s\n", args[0], path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Download again even if the file exists")
	return cmd
}

func newModelsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a downloaded model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			if err := reg.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newModelsInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [name]",
		Short: "Show storage totals, or the registry record of one model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			var v any
			if len(args) == 1 {
				name := args[0]
				if ce, err := reg.Catalogue().Lookup(name); err == nil {
					name = ce.Name
				}
				entry, ok := reg.Entry(name)
				if !ok {
					return fmt.Errorf("%w: %s has not been downloaded", models.ErrNotFound, args[0])
				}
				v = entry
			} else {
				if v, err = reg.StorageInfo(); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
}

func newModelsVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <name>",
		Short: "Check that a downloaded model file is present and complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			ok, err := reg.Verify(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s is missing or incomplete", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s OK\n", args[0])
			return nil
		},
	}
}

func newModelsCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove partial downloads and cache files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			n, err := reg.Cleanup()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d files\n", n)
			return nil
		},
	}
}
