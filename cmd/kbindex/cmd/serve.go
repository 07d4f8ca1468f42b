package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tmswan/kbindex/internal/mcpserver"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background sync loop and the MCP server on stdio",
		Long: `Serve starts the periodic corpus scan loop and exposes the retrieval
tools (list_knowledge_bases, keyword_search, semantic_search) to MCP
clients over stdio. Logs go to stderr; stdout carries the protocol.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a.logger.Info("kbindex starting",
		zap.String("version", version),
		zap.String("knowledge_root", a.cfg.KnowledgeRoot),
		zap.Int("knowledge_bases", len(a.library.List())))

	// Scan loop and MCP transport run side by side; either one ending
	// brings the process down.
	errCh := make(chan error, 2)
	go func() {
		errCh <- a.library.Run(ctx)
	}()
	go func() {
		server := mcpserver.NewServer(a.library, a.retriever, a.logger)
		errCh <- server.Serve(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		cancel()
		if err != nil && ctx.Err() == nil {
			a.logger.Error("server error", zap.Error(err))
			return err
		}
	}

	usage := a.library.Stats()
	a.logger.Info("service usage",
		zap.Int64("embed_requests", usage.EmbedRequests),
		zap.Int64("embed_tokens", usage.EmbedTokens),
		zap.Int64("rerank_requests", usage.RerankRequests),
		zap.Int64("failures", usage.Failures))
	return nil
}
