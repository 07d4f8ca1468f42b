// Package cmd provides the CLI commands for kbindex.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tmswan/kbindex/internal/config"
	"github.com/tmswan/kbindex/internal/dispatch"
	"github.com/tmswan/kbindex/internal/kb"
	"github.com/tmswan/kbindex/internal/retriever"
)

// Set via -ldflags at release time.
var (
	version   = "dev"
	buildTime = "unknown"
)

var configPath string

// NewRootCmd creates the root command for the kbindex CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kbindex",
		Short: "Local knowledge-base indexing and retrieval engine",
		Long: `kbindex keeps a set of local knowledge bases indexed for retrieval.

Each knowledge base is a directory under the knowledge root containing an
intro file and a texts/ corpus. kbindex scans the corpora incrementally,
embeds changed content through an external embedding service, and answers
keyword and semantic queries, either from the terminal or as an MCP server
over stdio.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A .env in the working directory supplies service credentials
			// during development; absence is not an error.
			_ = godotenv.Load()
		},
	}

	cmd.SetVersionTemplate("kbindex version {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", "kbindex.yaml", "Path to the YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// app bundles the components every command needs.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	dispatcher *dispatch.Dispatcher
	library    *kb.Library
	retriever  *retriever.Retriever
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.KnowledgeRoot == "" {
		return nil, fmt.Errorf("knowledge_root is not set (config file or KBINDEX_KNOWLEDGE_ROOT)")
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}

	dispatcher := dispatch.New(cfg.Embedding, cfg.Rerank, logger)
	library := kb.NewLibrary(cfg, dispatcher, logger)
	if err := library.Refresh(); err != nil {
		dispatcher.Close()
		return nil, err
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		library:    library,
		retriever:  retriever.New(library, dispatcher, cfg.Retrieval, logger),
	}, nil
}

func (a *app) close() {
	a.library.Close()
	a.dispatcher.Close()
	_ = a.logger.Sync()
}

// setupLogger builds the process logger. Output goes to stderr: stdout is
// reserved for the MCP protocol and command output.
func setupLogger(level string) (*zap.Logger, error) {
	logLevel := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		logLevel = parsed
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
