package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/embeddings"

	"school-chatbot/internal/api"
	"school-chatbot/internal/config"
	"school-chatbot/internal/embedding"
	"school-chatbot/internal/helper"
	"school-chatbot/internal/llmservice"
	"school-chatbot/internal/models"
	"school-chatbot/internal/rag"
	"school-chatbot/internal/server"
	"school-chatbot/internal/session"
	"school-chatbot/internal/tts"
)

const (
	configFilePath  = "./configs/config.yaml"
	sweepInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	helper.SetupLogger("info", true)

	var configPath string

	rootCmd := &cobra.Command{
		Use:           "school-chatbot",
		Short:         "School information chatbot with document retrieval and speech",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", configFilePath, "Config file path")

	var fromSnapshot bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Build the document index and serve the chat UI and API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), loadConfig(configPath, true), fromSnapshot)
		},
	}
	serveCmd.Flags().BoolVar(&fromSnapshot, "from-snapshot", false, "Load the index from rag.snapshot_path instead of the document folder")

	var jsonOutput bool
	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ask(cmd.Context(), loadConfig(configPath, true), strings.Join(args, " "), jsonOutput)
		},
	}
	askCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the answer with its sources as JSON")

	var outPath string
	speakCmd := &cobra.Command{
		Use:   "speak [text]",
		Short: "Synthesize text to an MP3 file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(configPath, false)
			client := newSpeaker(cfg)
			if err := client.SpeakToFile(cmd.Context(), strings.Join(args, " "), outPath); err != nil {
				return err
			}
			log.Info().Str("file", outPath).Msg("Saved audio")
			return nil
		},
	}
	speakCmd.Flags().StringVarP(&outPath, "out", "o", "answer.mp3", "Output MP3 file")

	var locale string
	voicesCmd := &cobra.Command{
		Use:   "voices",
		Short: "List the available speech voices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(configPath, false)
			voices, err := newSpeaker(cfg).Voices(cmd.Context(), locale)
			if err != nil {
				return err
			}
			for _, v := range voices {
				fmt.Printf("  %-28s %-8s %s\n", v.ShortName, v.Gender, v.Locale)
			}
			return nil
		},
	}
	voicesCmd.Flags().StringVar(&locale, "locale", "ko", "Locale prefix to filter by (empty for all)")

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Build the document index once and export a snapshot when configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(configPath, true)
			embedder, err := newEmbedder(cfg)
			if err != nil {
				return err
			}
			idx, err := rag.BuildIndex(cmd.Context(), &cfg.RAG, embedder)
			if err != nil {
				return err
			}
			fmt.Printf("indexed %d chunks from %s\n", idx.Len(), cfg.RAG.DocsPath)
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, askCmd, speakCmd, voicesCmd, indexCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if config.IsConfigError(err) {
			log.Fatal().Err(err).Msg("Invalid configuration")
		}
		log.Fatal().Err(err).Msg("Command failed")
	}
}

// loadConfig reads the configuration and configures logging. Configuration
// errors are fatal.
func loadConfig(path string, requireKey bool) *config.Config {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	helper.SetupLogger(cfg.Log.Level, cfg.Log.Pretty)

	if requireKey {
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("Invalid configuration")
		}
	}

	log.Debug().
		Str("base_url", cfg.LLM.BaseURL).
		Str("model", cfg.LLM.Model).
		Str("key", helper.MaskKey(cfg.LLM.Key)).
		Str("docs", cfg.RAG.DocsPath).
		Msg("Loaded config")
	return cfg
}

func newEmbedder(cfg *config.Config) (embeddings.Embedder, error) {
	return embedding.NewEmbedder(&cfg.LLM, cfg.RAG.EmbedBatchSize, llmservice.NewHTTPClient(&cfg.LLM))
}

// newSpeaker keeps the voice list request inside the speech timeout.
func newSpeaker(cfg *config.Config) *tts.Client {
	return tts.NewClient(&cfg.TTS, tts.WithHTTPClient(&http.Client{Timeout: cfg.TTS.Timeout}))
}

// newService builds the index and the chain. The folder is read here, once.
func newService(ctx context.Context, cfg *config.Config, fromSnapshot bool) (*rag.Service, error) {
	httpClient := llmservice.NewHTTPClient(&cfg.LLM)

	llm, err := llmservice.NewChatModel(&cfg.LLM, httpClient)
	if err != nil {
		return nil, err
	}
	embedder, err := embedding.NewEmbedder(&cfg.LLM, cfg.RAG.EmbedBatchSize, httpClient)
	if err != nil {
		return nil, err
	}

	var idx *rag.Index
	if fromSnapshot {
		idx, err = rag.LoadIndex(&cfg.RAG, embedder)
	} else {
		idx, err = rag.BuildIndex(ctx, &cfg.RAG, embedder)
	}
	if err != nil {
		return nil, err
	}
	return rag.NewService(cfg, llm, embedder, idx), nil
}

// serve runs until ctx is cancelled by SIGINT or SIGTERM.
func serve(ctx context.Context, cfg *config.Config, fromSnapshot bool) error {
	svc, err := newService(ctx, cfg, fromSnapshot)
	if err != nil {
		return err
	}

	var speaker api.Speaker
	if cfg.TTS.Enabled {
		speaker = newSpeaker(cfg)
	} else {
		log.Info().Msg("Speech synthesis disabled")
	}

	sessions := session.NewStore(models.WelcomeMessage(cfg.School.Name))
	go sessions.RunSweeper(ctx, sweepInterval, cfg.Server.SessionTTL)

	s := server.NewServer(cfg, svc, speaker, sessions)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Received shutdown signal, shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

func ask(ctx context.Context, cfg *config.Config, question string, jsonOutput bool) error {
	svc, err := newService(ctx, cfg, false)
	if err != nil {
		return err
	}

	answer, err := svc.Answer(ctx, question)
	if err != nil {
		var ragErr *rag.Error
		if !errors.As(err, &ragErr) {
			return err
		}
		fmt.Println(svc.Apology(err))
		return nil
	}

	if jsonOutput {
		helper.PrettyPrint(answer)
		return nil
	}
	fmt.Println(answer.Text)
	for _, src := range answer.Sources {
		fmt.Printf("  - %s p.%d (%.3f)\n", src.File, src.Page, src.Similarity)
	}
	return nil
}
