package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func boolProp(description string, def bool) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": description, "default": def}
}

func stringArrayProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"description": description,
		"items":       map[string]interface{}{"type": "string"},
	}
}

// repositoryAddTool returns the tool definition for repository_add
func repositoryAddTool() mcp.Tool {
	return mcp.Tool{
		Name:        "repository_add",
		Description: "Register a repository by cloning a git URL or by pointing at an existing local checkout",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"source":             stringProp("Git URL to clone, or absolute path of an existing local repository"),
				"name":               stringProp("Repository name (default: derived from the URL or directory name)"),
				"branch":             stringProp("Default branch (default: the checked-out branch)"),
				"remote_name":        stringProp("Remote name (default: origin)"),
				"ssh_key_path":       stringProp("Private key for SSH remotes"),
				"ssh_key_passphrase": stringProp("Passphrase of the SSH key"),
				"target_ref":         stringProp("Pin syncs to this tag, branch or commit instead of the branch head"),
				"sync":               boolProp("Start a sync of the default branch after adding", false),
			},
			Required: []string{"source"},
		},
	}
}

// repositoryListTool returns the tool definition for repository_list
func repositoryListTool() mcp.Tool {
	return mcp.Tool{
		Name:        "repository_list",
		Description: "List registered repositories with their branches and sync state",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// repositoryRemoveTool returns the tool definition for repository_remove
func repositoryRemoveTool() mcp.Tool {
	return mcp.Tool{
		Name:        "repository_remove",
		Description: "Unregister a repository and drop its search collections",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name":               stringProp("Repository name"),
				"delete_local_files": boolProp("Also delete the cloned working tree (never deletes repositories added as local paths)", false),
			},
			Required: []string{"name"},
		},
	}
}

// repositorySyncTool returns the tool definition for repository_sync
func repositorySyncTool() mcp.Tool {
	return mcp.Tool{
		Name:        "repository_sync",
		Description: "Index a repository branch, incrementally when a previous sync exists",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name":       stringProp("Repository name (default: the active repository)"),
				"branch":     stringProp("Branch to sync (default: the active branch)"),
				"force":      boolProp("Rebuild the collection from scratch", false),
				"extensions": stringArrayProp("Only index files with these extensions (e.g. [\"go\", \"rs\"])"),
				"wait":       boolProp("Wait for the sync to finish and return its result; otherwise poll sync_status", false),
			},
		},
	}
}

// repositorySwitchBranchTool returns the tool definition for repository_switch_branch
func repositorySwitchBranchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "repository_switch_branch",
		Description: "Make a branch the active branch for search and sync",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name":   stringProp("Repository name (default: the active repository)"),
				"branch": stringProp("Branch name; must exist locally or on the remote"),
			},
			Required: []string{"branch"},
		},
	}
}

// repositoryOrphansTool returns the tool definition for repository_orphans
func repositoryOrphansTool() mcp.Tool {
	return mcp.Tool{
		Name:        "repository_orphans",
		Description: "Reconcile the repositories directory with the registry",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"action": map[string]interface{}{
					"type":        "string",
					"description": "list: report orphans and missing repositories; reclone: restore missing clones; add: register an orphan; remove: delete an orphan; clean: delete all orphans",
					"enum":        []string{"list", "reclone", "add", "remove", "clean"},
					"default":     "list",
				},
				"name": stringProp("Orphan or repository name for add, remove and reclone (reclone without a name restores every missing clone)"),
			},
		},
	}
}

// searchCodeTool returns the tool definition for search_code
func searchCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_code",
		Description: "Search indexed repositories with natural language or keyword queries",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query":        stringProp("Search query (natural language or keywords)"),
				"repository":   stringProp("Repository to search (default: the active repository)"),
				"repositories": stringArrayProp("Search several repositories at once; overrides repository"),
				"branch":       stringProp("Branch to search (default: each repository's active branch)"),
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"filters": map[string]interface{}{
					"type":        "object",
					"description": "Optional filters to narrow search",
					"properties": map[string]interface{}{
						"languages":     stringArrayProp("Filter by language (e.g. go, rust, python)"),
						"element_types": stringArrayProp("Filter by element type (function, method, struct, class, trait, impl, ...)"),
						"file_paths":    stringArrayProp("Exact repository-relative file paths"),
						"extensions":    stringArrayProp("File extensions without the dot"),
						"min_score": map[string]interface{}{
							"type":        "number",
							"description": "Minimum final score",
							"minimum":     0.0,
						},
					},
				},
				"search_mode": map[string]interface{}{
					"type":        "string",
					"description": "Search strategy: hybrid (vector + keyword), vector (semantic only), or keyword (lexical only)",
					"enum":        []string{"hybrid", "vector", "keyword"},
					"default":     "hybrid",
				},
				"dense_weight": map[string]interface{}{
					"type":        "number",
					"description": "Override the configured dense weight before query adaptation",
					"minimum":     0.0,
				},
				"lexical_weight": map[string]interface{}{
					"type":        "number",
					"description": "Override the configured lexical weight before query adaptation",
					"minimum":     0.0,
				},
				"use_cache": boolProp("Serve repeated queries from the result cache", true),
			},
			Required: []string{"query"},
		},
	}
}

// syncStatusTool returns the tool definition for sync_status
func syncStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "sync_status",
		Description: "Progress and recent log lines of repository syncs",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name": stringProp("Repository name (default: every repository with a recorded sync)"),
			},
		},
	}
}
