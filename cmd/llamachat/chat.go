package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/llamachat/llamachat/cli"
	"github.com/ZanzyTHEbar/llamachat/llamachat/service"
)

func newChatCmd() *cobra.Command {
	var loadPath, savePath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Example: `  llamachat chat
  llamachat chat --load chat_history.json
  llamachat chat --save today.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := service.New(ctx, cfg, service.WithLogger(logger))
			if err != nil {
				return err
			}
			defer app.Close()

			sessionID := service.NewSessionID()
			if loadPath != "" {
				if err := app.LoadTranscript(ctx, sessionID, loadPath); err != nil {
					return fmt.Errorf("failed to load %s: %w", loadPath, err)
				}
				logger.Info().Str("path", loadPath).Msg("Conversation restored")
			}

			reader := cli.NewLinerReader(cfg.CLI.LineHistoryFile)
			repl := cli.NewREPL(app, reader, cmd.OutOrStdout(), cli.NewRenderer(cfg.CLI.RenderMarkdown, cfg.CLI.WordWrap), sessionID, logger)
			runErr := repl.Run(ctx)
			if err := reader.Close(); err != nil {
				logger.Debug().Err(err).Msg("Failed to close line reader")
			}

			if savePath == "" && cfg.App.AutoSaveHistory {
				savePath = cfg.App.HistoryFile
			}
			if savePath != "" {
				if err := app.SaveTranscript(ctx, sessionID, savePath); err != nil {
					logger.Error().Err(err).Str("path", savePath).Msg("Failed to save conversation")
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Conversation saved to %s\n", savePath)
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&loadPath, "load", "", "Restore a saved transcript before chatting")
	cmd.Flags().StringVar(&savePath, "save", "", "Write the transcript here on exit")
	return cmd
}
