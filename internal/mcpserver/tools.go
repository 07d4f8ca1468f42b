package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/tmswan/kbindex/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams         = -32602 // Invalid method parameters
	ErrorCodeInternalError         = -32603 // Internal JSON-RPC error
	ErrorCodeKnowledgeBaseNotFound = -32001 // Named knowledge base does not exist
	ErrorCodeEmptyQuery            = -32004 // Query or keyword parameter is empty
)

// handleListKnowledgeBases handles the list_knowledge_bases tool invocation
func (s *Server) handleListKnowledgeBases(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nameKeyword := ""
	if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
		nameKeyword = getStringDefault(args, "name_keyword", "")
	}

	infos := s.library.List()

	bases := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		if nameKeyword != "" && !strings.Contains(strings.ToLower(info.Name), strings.ToLower(nameKeyword)) {
			continue
		}
		bases = append(bases, map[string]interface{}{
			"name":  info.Name,
			"intro": info.Intro,
		})
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"knowledge_bases": bases,
		"count":           len(bases),
	})), nil
}

// handleKeywordSearch handles the keyword_search tool invocation
func (s *Server) handleKeywordSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	kbName, ok := args["knowledge_base"].(string)
	if !ok || kbName == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "knowledge_base parameter is required", map[string]interface{}{
			"param": "knowledge_base",
		})
	}
	keyword, ok := args["keyword"].(string)
	if !ok || keyword == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "keyword parameter is required and cannot be empty", map[string]interface{}{
			"param": "keyword",
		})
	}

	opts := types.KeywordOptions{
		MaxLines:      getIntDefault(args, "max_lines", 0),
		MaxChars:      getIntDefault(args, "max_chars", 0),
		SourceKeyword: getStringDefault(args, "source_keyword", ""),
		CaseSensitive: getBoolDefault(args, "case_sensitive", false),
	}

	results, err := s.retriever.Keyword(ctx, kbName, keyword, opts)
	if err != nil {
		return nil, searchError(err)
	}

	s.logger.Debug("keyword search served",
		zap.String("kb", kbName), zap.String("keyword", keyword), zap.Int("matches", len(results)))

	matches := make([]map[string]interface{}, len(results))
	for i, res := range results {
		matches[i] = map[string]interface{}{
			"source": res.Source,
			"line":   res.Line,
			"text":   res.Text,
		}
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"matches": matches,
		"count":   len(matches),
	})), nil
}

// handleSemanticSearch handles the semantic_search tool invocation
func (s *Server) handleSemanticSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	kbName, ok := args["knowledge_base"].(string)
	if !ok || kbName == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "knowledge_base parameter is required", map[string]interface{}{
			"param": "knowledge_base",
		})
	}
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param": "query",
		})
	}

	opts := types.RetrievalOptions{
		TopK:          getIntDefault(args, "top_k", 0),
		RerankTopK:    getIntDefault(args, "rerank_top_k", 0),
		MinRelevance:  getFloatDefault(args, "min_relevance", 0),
		SourceKeyword: getStringDefault(args, "source_keyword", ""),
		Deduplicate:   getBoolDefault(args, "deduplicate", false),
	}
	if enable, ok := args["enable_rerank"].(bool); ok {
		opts.EnableRerank = &enable
	}

	results, err := s.retriever.Semantic(ctx, kbName, query, opts)
	if err != nil {
		return nil, searchError(err)
	}

	s.logger.Debug("semantic search served",
		zap.String("kb", kbName), zap.String("query", query), zap.Int("results", len(results)))

	out := make([]map[string]interface{}, len(results))
	for i, res := range results {
		entry := map[string]interface{}{
			"source":     res.Source,
			"start_line": res.StartLine,
			"text":       res.Text,
			"relevance":  res.Relevance,
		}
		if res.RerankScore != nil {
			entry["rerank_score"] = *res.RerankScore
		}
		out[i] = entry
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"results": out,
		"count":   len(out),
	})), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// searchError maps a retrieval failure onto the MCP error space.
func searchError(err error) error {
	if errors.Is(err, types.ErrKnowledgeBaseNotFound) {
		return newMCPError(ErrorCodeKnowledgeBaseNotFound, "knowledge base not found", map[string]interface{}{
			"reason": err.Error(),
		})
	}
	return newMCPError(ErrorCodeInternalError, "search failed", map[string]interface{}{
		"reason": err.Error(),
	})
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getFloatDefault extracts a float parameter with a default value
func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := args[key].(float64); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
