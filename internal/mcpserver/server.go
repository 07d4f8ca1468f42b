// Package mcpserver exposes the retrieval engine over the Model Context
// Protocol on stdio. Three tools are offered: list_knowledge_bases,
// keyword_search, and semantic_search.
package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/tmswan/kbindex/internal/kb"
	"github.com/tmswan/kbindex/internal/retriever"
)

const (
	// ServerName is the MCP server name advertised during initialization.
	ServerName = "kbindex"
	// ServerVersion is the advertised server version.
	ServerVersion = "1.0.0"
)

// Server wraps the MCP server with the library and retriever it serves.
type Server struct {
	mcp       *server.MCPServer
	library   *kb.Library
	retriever *retriever.Retriever
	logger    *zap.Logger
}

// NewServer creates an MCP server over an already-initialized library.
func NewServer(library *kb.Library, ret *retriever.Retriever, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mcp:       server.NewMCPServer(ServerName, ServerVersion),
		library:   library,
		retriever: ret,
		logger:    logger,
	}
	s.registerTools()
	return s
}

// Serve runs the MCP server on stdio and blocks until the transport closes.
func (s *Server) Serve(ctx context.Context) error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(listKnowledgeBasesTool(), s.handleListKnowledgeBases)
	s.mcp.AddTool(keywordSearchTool(), s.handleKeywordSearch)
	s.mcp.AddTool(semanticSearchTool(), s.handleSemanticSearch)
}
