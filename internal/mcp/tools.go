package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/reposearch-mcp/internal/config"
	"github.com/dshills/reposearch-mcp/internal/repomanager"
	"github.com/dshills/reposearch-mcp/internal/searcher"
	"github.com/dshills/reposearch-mcp/internal/syncer"
	"github.com/dshills/reposearch-mcp/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeRepositoryNotFound = -32001 // Named repository or orphan is not registered
	ErrorCodeSyncInProgress     = -32002 // A sync of the same branch is already running
	ErrorCodeNotIndexed         = -32003 // Branch has never been synced
	ErrorCodeEmptyQuery         = -32004 // Query parameter is empty
	ErrorCodeRepositoryExists   = -32005 // Name or directory already taken
	ErrorCodeInvalidBranch      = -32006 // Branch does not exist
	ErrorCodeTimeout            = -32007 // Operation timed out or was cancelled
)

// maxReportedFailures caps per-file errors included in a sync response.
const maxReportedFailures = 5

// handleRepositoryAdd handles the repository_add tool invocation
func (s *Server) handleRepositoryAdd(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	source := getStringDefault(args, "source", "")
	if source == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "source parameter is required", map[string]interface{}{
			"param":  "source",
			"reason": "missing or empty",
		})
	}

	repo, err := s.repos.Add(ctx, getStringDefault(args, "name", ""), source, repomanager.AddOptions{
		Branch:           getStringDefault(args, "branch", ""),
		RemoteName:       getStringDefault(args, "remote_name", ""),
		SSHKeyPath:       getStringDefault(args, "ssh_key_path", ""),
		SSHKeyPassphrase: getStringDefault(args, "ssh_key_passphrase", ""),
		TargetRef:        getStringDefault(args, "target_ref", ""),
	})
	if err != nil {
		return nil, toolError("failed to add repository", err)
	}
	s.watchRepo(repo.Name, repo.LocalPath, true)

	response := map[string]interface{}{
		"added":      true,
		"repository": s.repoView(repo),
	}
	if getBoolDefault(args, "sync", false) {
		response["sync_started"] = s.syncInBackground(repo.Name, syncer.Options{Branch: repo.CurrentBranch()})
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleRepositoryList handles the repository_list tool invocation
func (s *Server) handleRepositoryList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repos := s.repos.List()
	views := make([]map[string]interface{}, 0, len(repos))
	for _, r := range repos {
		views = append(views, s.repoView(r))
	}
	response := map[string]interface{}{
		"active_repository": s.repos.Config().ActiveRepository,
		"count":             len(views),
		"repositories":      views,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleRepositoryRemove handles the repository_remove tool invocation
func (s *Server) handleRepositoryRemove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	name := getStringDefault(args, "name", "")
	if name == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "name parameter is required", map[string]interface{}{
			"param":  "name",
			"reason": "missing or empty",
		})
	}
	deleteFiles := getBoolDefault(args, "delete_local_files", false)

	repo, err := s.repos.Get(name)
	if err != nil {
		return nil, toolError("failed to remove repository", err)
	}
	collections := make([]string, 0, len(repo.KnownBranches()))
	for _, b := range repo.KnownBranches() {
		collections = append(collections, s.engine.CollectionName(repo.Name, b))
	}

	s.watchRepo(name, "", false)
	if err := s.repos.Remove(ctx, name, deleteFiles); err != nil {
		return nil, toolError("failed to remove repository", err)
	}
	s.engine.Status().Remove(name)
	if len(collections) > 0 {
		s.searcher.InvalidateCache(collections...)
	}

	response := map[string]interface{}{
		"removed":             true,
		"name":                name,
		"collections_dropped": collections,
		"local_files_deleted": deleteFiles && !repo.AddedAsLocalPath,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleRepositorySync handles the repository_sync tool invocation
func (s *Server) handleRepositorySync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	repo, err := s.repoArg(args)
	if err != nil {
		return nil, err
	}
	branch := getStringDefault(args, "branch", "")
	if branch == "" {
		branch = repo.CurrentBranch()
	}
	opts := syncer.Options{
		Force:      getBoolDefault(args, "force", false),
		Extensions: getStringSlice(args, "extensions"),
		Branch:     branch,
	}

	if getBoolDefault(args, "wait", false) {
		res, err := s.repos.Sync(ctx, repo.Name, opts)
		if err != nil {
			data := map[string]interface{}{"repository": repo.Name, "branch": branch}
			if res != nil {
				data["result"] = resultView(res)
			}
			return nil, toolErrorData("sync failed", err, data)
		}
		return mcp.NewToolResultText(formatJSON(resultView(res))), nil
	}

	if s.engine.Running(repo.Name, branch) {
		return nil, newMCPError(ErrorCodeSyncInProgress, "a sync of this branch is already running", map[string]interface{}{
			"repository": repo.Name,
			"branch":     branch,
		})
	}
	if !s.syncInBackground(repo.Name, opts) {
		return nil, newMCPError(ErrorCodeInternalError, "server is shutting down", nil)
	}
	response := map[string]interface{}{
		"started":    true,
		"repository": repo.Name,
		"branch":     branch,
		"collection": s.engine.CollectionName(repo.Name, branch),
		"message":    "Sync started. Use sync_status to follow progress.",
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleRepositorySwitchBranch handles the repository_switch_branch tool invocation
func (s *Server) handleRepositorySwitchBranch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	branch := getStringDefault(args, "branch", "")
	if branch == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "branch parameter is required", map[string]interface{}{
			"param":  "branch",
			"reason": "missing or empty",
		})
	}
	repo, err := s.repoArg(args)
	if err != nil {
		return nil, err
	}

	updated, res, err := s.repos.SwitchBranch(ctx, repo.Name, branch)
	if err != nil {
		return nil, toolError("failed to switch branch", err)
	}
	response := map[string]interface{}{
		"repository": s.repoView(updated),
		"synced":     res != nil,
	}
	if res != nil {
		response["sync"] = resultView(res)
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleRepositoryOrphans handles the repository_orphans tool invocation
func (s *Server) handleRepositoryOrphans(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	action := getStringDefault(args, "action", "list")
	name := getStringDefault(args, "name", "")
	needName := func() error {
		if name != "" {
			return nil
		}
		return newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("name parameter is required for %s", action), map[string]interface{}{
			"param":  "name",
			"reason": "missing or empty",
		})
	}

	switch action {
	case "list":
		report, err := s.repos.ScanOrphans()
		if err != nil {
			return nil, toolError("failed to scan repositories", err)
		}
		var buf bytes.Buffer
		if err := repomanager.FormatOrphans(&buf, report, true); err != nil {
			return nil, toolError("failed to format report", err)
		}
		return mcp.NewToolResultText(buf.String()), nil

	case "reclone":
		if name == "" {
			outcomes, err := s.repos.RecloneMissing(ctx)
			if err != nil {
				return nil, toolError("failed to reclone repositories", err)
			}
			for _, o := range outcomes {
				if o.Err == nil {
					s.rewatch(o.Name)
				}
			}
			return mcp.NewToolResultText(formatJSON(map[string]interface{}{"recloned": outcomeViews(outcomes)})), nil
		}
		if err := s.repos.Reclone(ctx, name); err != nil {
			return nil, toolError("failed to reclone repository", err)
		}
		s.rewatch(name)
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"recloned": outcomeViews([]repomanager.Outcome{{Name: name}}),
		})), nil

	case "add":
		if err := needName(); err != nil {
			return nil, err
		}
		repo, err := s.repos.AddOrphaned(name)
		if err != nil {
			return nil, toolError("failed to add orphaned repository", err)
		}
		s.watchRepo(repo.Name, repo.LocalPath, true)
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{"added": true, "repository": s.repoView(repo)})), nil

	case "remove":
		if err := needName(); err != nil {
			return nil, err
		}
		if err := s.repos.RemoveOrphaned(name); err != nil {
			return nil, toolError("failed to remove orphaned repository", err)
		}
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{"removed": true, "name": name})), nil

	case "clean":
		outcomes, err := s.repos.CleanOrphans()
		if err != nil {
			return nil, toolError("failed to clean orphaned repositories", err)
		}
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{"removed": outcomeViews(outcomes)})), nil

	default:
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid action", map[string]interface{}{
			"param":   "action",
			"value":   action,
			"allowed": []string{"list", "reclone", "add", "remove", "clean"},
		})
	}
}

// handleSearchCode handles the search_code tool invocation
func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	query := getStringDefault(args, "query", "")
	if query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	cfg := s.repos.Config()
	limit := getIntDefault(args, "limit", cfg.Search.DefaultLimit)
	if limit < 1 || limit > searcher.MaxLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 100", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	mode, err := searcher.ParseMode(getStringDefault(args, "search_mode", "hybrid"))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid search_mode", map[string]interface{}{
			"param":   "search_mode",
			"value":   args["search_mode"],
			"allowed": []string{"hybrid", "vector", "keyword"},
		})
	}

	collections, err := s.collectionsArg(args)
	if err != nil {
		return nil, err
	}

	req := searcher.Request{
		Query:       query,
		Collections: collections,
		Limit:       limit,
		Mode:        mode,
		Filters:     filtersArg(args),
		UseCache:    getBoolDefault(args, "use_cache", true),
	}
	if hasArg(args, "dense_weight") || hasArg(args, "lexical_weight") {
		req.Weights = &searcher.Weights{
			Dense:   getFloatDefault(args, "dense_weight", cfg.Search.DenseWeight),
			Lexical: getFloatDefault(args, "lexical_weight", cfg.Search.LexicalWeight),
		}
	}

	resp, err := s.searcher.Search(ctx, req)
	if err != nil {
		return nil, toolError("search failed", err)
	}

	results := make([]map[string]interface{}, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, map[string]interface{}{
			"rank":          r.Rank,
			"score":         r.Score,
			"dense_score":   r.DenseScore,
			"lexical_score": r.LexicalScore,
			"path_boost":    r.PathBoost,
			"repository":    r.Repository,
			"branch":        r.Branch,
			"file_path":     r.FilePath,
			"start_line":    r.StartLine,
			"end_line":      r.EndLine,
			"element_type":  r.ElementType,
			"element_name":  r.ElementName,
			"language":      r.Language,
			"content":       r.Content,
		})
	}
	response := map[string]interface{}{
		"query":         query,
		"search_mode":   string(resp.Mode),
		"query_type":    string(resp.Analysis.Type),
		"total_results": resp.TotalResults,
		"cache_hit":     resp.CacheHit,
		"duration_ms":   resp.Duration.Milliseconds(),
		"weights": map[string]interface{}{
			"dense":   resp.Weights.Dense,
			"lexical": resp.Weights.Lexical,
		},
		"results": results,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSyncStatus handles the sync_status tool invocation
func (s *Server) handleSyncStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	table := s.engine.Status()

	if name := getStringDefault(args, "name", ""); name != "" {
		if _, err := s.repos.Get(name); err != nil {
			return nil, toolError("unknown repository", err)
		}
		st, ok := table.Get(name)
		if !ok {
			return mcp.NewToolResultText(formatJSON(map[string]interface{}{
				"repository": name,
				"synced":     false,
				"message":    "No sync has run for this repository since the server started.",
			})), nil
		}
		return mcp.NewToolResultText(formatJSON(st)), nil
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"statuses": table.All()})), nil
}

// Helper functions

// repoArg resolves the name argument, defaulting to the active repository.
func (s *Server) repoArg(args map[string]interface{}) (config.RepositoryConfig, error) {
	name := getStringDefault(args, "name", "")
	var (
		repo config.RepositoryConfig
		err  error
	)
	if name == "" {
		repo, err = s.repos.Active()
	} else {
		repo, err = s.repos.Get(name)
	}
	if err != nil {
		return repo, toolError("repository not found", err)
	}
	return repo, nil
}

// collectionsArg maps the repository, repositories and branch arguments to
// collection names. Every selected branch must have been synced.
func (s *Server) collectionsArg(args map[string]interface{}) ([]string, error) {
	names := getStringSlice(args, "repositories")
	if len(names) == 0 {
		if n := getStringDefault(args, "repository", ""); n != "" {
			names = []string{n}
		}
	}
	var repos []config.RepositoryConfig
	if len(names) == 0 {
		r, err := s.repos.Active()
		if err != nil {
			return nil, toolError("no repository selected", err)
		}
		repos = append(repos, r)
	}
	for _, n := range names {
		r, err := s.repos.Get(n)
		if err != nil {
			return nil, toolError("repository not found", err)
		}
		repos = append(repos, r)
	}

	branch := getStringDefault(args, "branch", "")
	out := make([]string, 0, len(repos))
	for _, r := range repos {
		b := branch
		if b == "" {
			b = r.CurrentBranch()
		}
		if _, ok := r.LastSynced(b); !ok {
			return nil, newMCPError(ErrorCodeNotIndexed, "branch not indexed. Use repository_sync first.", map[string]interface{}{
				"repository": r.Name,
				"branch":     b,
			})
		}
		out = append(out, s.engine.CollectionName(r.Name, b))
	}
	return out, nil
}

func filtersArg(args map[string]interface{}) *searcher.Filters {
	raw, ok := args["filters"].(map[string]interface{})
	if !ok {
		return nil
	}
	return &searcher.Filters{
		Languages:    getStringSlice(raw, "languages"),
		ElementTypes: getStringSlice(raw, "element_types"),
		FilePaths:    getStringSlice(raw, "file_paths"),
		Extensions:   getStringSlice(raw, "extensions"),
		MinScore:     getFloatDefault(raw, "min_score", 0),
	}
}

func (s *Server) repoView(r config.RepositoryConfig) map[string]interface{} {
	view := map[string]interface{}{
		"name":                r.Name,
		"url":                 r.URL,
		"local_path":          r.LocalPath,
		"default_branch":      r.DefaultBranch,
		"active_branch":       r.CurrentBranch(),
		"tracked_branches":    r.TrackedBranches,
		"added_as_local_path": r.AddedAsLocalPath,
		"last_synced_commits": r.LastSyncedCommits,
		"indexed_languages":   r.IndexedLanguages,
		"syncing":             s.engine.Running(r.Name, r.CurrentBranch()),
	}
	if r.TargetRef != "" {
		view["target_ref"] = r.TargetRef
	}
	return view
}

func resultView(res *syncer.Result) map[string]interface{} {
	view := map[string]interface{}{
		"repository":      res.Repository,
		"branch":          res.Branch,
		"collection":      res.Collection,
		"mode":            string(res.Mode),
		"commit":          res.Commit,
		"repaired":        res.Repaired,
		"files_indexed":   res.FilesIndexed,
		"files_deleted":   res.FilesDeleted,
		"points_upserted": res.PointsUpserted,
		"languages":       res.Languages,
		"duration_ms":     res.Duration.Milliseconds(),
		"message":         res.Message,
	}
	if res.PreviousCommit != "" {
		view["previous_commit"] = res.PreviousCommit
	}
	if n := len(res.Failures); n > 0 {
		// Include first few errors
		shown := res.Failures
		if n > maxReportedFailures {
			shown = shown[:maxReportedFailures]
		}
		msgs := make([]string, len(shown))
		for i, f := range shown {
			msgs[i] = f.Error()
		}
		view["errors"] = msgs
		view["error_count"] = n
	}
	return view
}

func outcomeViews(outcomes []repomanager.Outcome) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(outcomes))
	for _, o := range outcomes {
		v := map[string]interface{}{"name": o.Name, "ok": o.Err == nil}
		if o.Err != nil {
			v["error"] = o.Err.Error()
		}
		out = append(out, v)
	}
	return out
}

// rewatch re-adds a repository whose working tree was restored.
func (s *Server) rewatch(name string) {
	if repo, err := s.repos.Get(name); err == nil {
		s.watchRepo(name, repo.LocalPath, true)
	}
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// toolError classifies err into an MCP error code.
func toolError(message string, err error) error {
	return toolErrorData(message, err, nil)
}

func toolErrorData(message string, err error, data map[string]interface{}) error {
	code := ErrorCodeInternalError
	switch {
	case errors.Is(err, types.ErrRepositoryNotFound),
		errors.Is(err, repomanager.ErrNoActiveRepo),
		errors.Is(err, repomanager.ErrOrphanNotFound):
		code = ErrorCodeRepositoryNotFound
	case errors.Is(err, types.ErrRepositoryExists):
		code = ErrorCodeRepositoryExists
	case errors.Is(err, types.ErrInvalidBranch):
		code = ErrorCodeInvalidBranch
	case errors.Is(err, types.ErrCollectionNotFound):
		code = ErrorCodeNotIndexed
	case errors.Is(err, searcher.ErrEmptyQuery):
		code = ErrorCodeEmptyQuery
	case errors.Is(err, types.ErrTimeout), errors.Is(err, types.ErrCancelled):
		code = ErrorCodeTimeout
	case errors.Is(err, types.ErrConfig),
		errors.Is(err, repomanager.ErrInvalidName),
		errors.Is(err, repomanager.ErrNotMissing):
		code = ErrorCodeInvalidParams
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["error"] = err.Error()
	return newMCPError(code, message, data)
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

// arguments returns the call arguments. Missing arguments are an empty map.
func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(out)
}

func hasArg(args map[string]interface{}, key string) bool {
	_, ok := args[key]
	return ok
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

// getFloatDefault extracts a number parameter with a default value
func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := args[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
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

// getStringSlice extracts a string array parameter. Non-string items are skipped.
func getStringSlice(args map[string]interface{}, key string) []string {
	switch val := args[key].(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
