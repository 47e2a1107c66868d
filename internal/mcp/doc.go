// Package mcp implements the Model Context Protocol (MCP) server for reposearch.
//
// The server exposes repository management and code search to MCP clients
// over stdio:
//   - repository_add: clone a git URL or register a local checkout
//   - repository_list: registered repositories with branches and sync state
//   - repository_remove: unregister a repository and drop its collections
//   - repository_sync: index a branch, incrementally when possible
//   - repository_switch_branch: change the active branch
//   - repository_orphans: reconcile the repositories directory with the registry
//   - search_code: hybrid dense and lexical search over indexed branches
//   - sync_status: progress and recent log lines of syncs
//
// # Basic Usage
//
//	reposearch --config ~/.config/reposearch/config.yaml
//
// Logs go to stderr. Stdout is reserved for protocol messages.
//
// # Tool: repository_sync
//
//	Request:
//	{
//	  "name": "repository_sync",
//	  "arguments": {"name": "api", "branch": "main", "wait": true}
//	}
//
//	Response:
//	{
//	  "repository": "api",
//	  "branch": "main",
//	  "mode": "incremental",
//	  "files_indexed": 3,
//	  "files_deleted": 1,
//	  ...
//	}
//
// Without wait the sync runs in the background and sync_status reports its
// progress. A second request for a branch that is already syncing fails with
// ErrorCodeSyncInProgress.
//
// # Tool: search_code
//
//	Request:
//	{
//	  "name": "search_code",
//	  "arguments": {
//	    "query": "where is the config loaded",
//	    "repositories": ["api", "web"],
//	    "limit": 5,
//	    "filters": {"languages": ["go"]}
//	  }
//	}
//
// Every selected branch must have been synced, otherwise the call fails with
// ErrorCodeNotIndexed. Results carry the final score along with its dense,
// lexical and path components.
//
// # Error Handling
//
// Tool errors are *MCPError values. Codes -32602 and -32603 follow JSON-RPC;
// the -320xx range is specific to this server (see the ErrorCode constants).
// Data always includes the underlying error text under "error".
//
// # Watching
//
// When file_watcher.enabled or sync_after_commit is set, Serve starts a
// watcher over every registered working tree and syncs the active branch
// after changes settle.
package mcp
