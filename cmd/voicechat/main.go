package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"VoiceChat/internal/config"
	"VoiceChat/internal/telemetry"
)

var (
	// Global flags
	configPath string
	debug      bool

	// Loaded in PersistentPreRunE, then overridden by the command's flags
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "voicechat",
	Short: "Chat with local language models by text or voice",
	Long: `VoiceChat is a terminal chat client for local language models with
streaming replies and voice input, plus the backend service it talks to.

Run without a subcommand to start the chat client.`,
	Version:       telemetry.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if debug {
			loaded.Debug = true
		}
		cfg = loaded
		return nil
	},
	RunE: runChat,
}

// chatCmd starts the terminal client
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the terminal chat client",
	Long: `Connects to a VoiceChat backend, lists its models and opens an
interactive prompt. Type /help inside the prompt for the commands.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

// serveCmd starts the backend service
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the backend service",
	Long: `Serves the chat API the client talks to. Chat is proxied to Ollama or
an OpenAI-compatible endpoint, transcription to a Whisper-compatible endpoint.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: environment only)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	addChatFlags(rootCmd)
	addChatFlags(chatCmd)
	addServeFlags(serveCmd)

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
