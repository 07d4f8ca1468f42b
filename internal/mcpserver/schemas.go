package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// listKnowledgeBasesTool returns the tool definition for list_knowledge_bases
func listKnowledgeBasesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_knowledge_bases",
		Description: "List available knowledge bases with their introductions",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name_keyword": map[string]interface{}{
					"type":        "string",
					"description": "Only list knowledge bases whose name contains this substring (case-insensitive)",
				},
			},
		},
	}
}

// keywordSearchTool returns the tool definition for keyword_search
func keywordSearchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "keyword_search",
		Description: "Search a knowledge base for lines containing a keyword (substring match over the raw text files)",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"knowledge_base": map[string]interface{}{
					"type":        "string",
					"description": "Name of the knowledge base to search",
				},
				"keyword": map[string]interface{}{
					"type":        "string",
					"description": "Substring to match (case-insensitive unless case_sensitive is set)",
				},
				"max_lines": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of matching lines to return",
					"minimum":     1,
				},
				"max_chars": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum total characters of matched text to return",
					"minimum":     1,
				},
				"source_keyword": map[string]interface{}{
					"type":        "string",
					"description": "Only search files whose relative path contains this substring",
				},
				"case_sensitive": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, match the keyword exactly as given",
					"default":     false,
				},
			},
			Required: []string{"knowledge_base", "keyword"},
		},
	}
}

// semanticSearchTool returns the tool definition for semantic_search
func semanticSearchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "semantic_search",
		Description: "Search a knowledge base by meaning: vector recall over indexed chunks with an optional rerank pass",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"knowledge_base": map[string]interface{}{
					"type":        "string",
					"description": "Name of the knowledge base to search",
				},
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural-language query",
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of chunks to recall",
					"minimum":     1,
				},
				"enable_rerank": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, rescore recalled chunks with the rerank service when one is configured",
				},
				"rerank_top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Number of results to keep after reranking (must be smaller than top_k)",
					"minimum":     1,
				},
				"min_relevance": map[string]interface{}{
					"type":        "number",
					"description": "Drop results whose similarity is below this value (0 to 1)",
					"minimum":     0,
					"maximum":     1,
				},
				"source_keyword": map[string]interface{}{
					"type":        "string",
					"description": "Only return chunks whose source path contains this substring",
				},
				"deduplicate": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, collapse results with identical source and text",
					"default":     false,
				},
			},
			Required: []string{"knowledge_base", "query"},
		},
	}
}
