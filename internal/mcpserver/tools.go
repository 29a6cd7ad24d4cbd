// Package mcpserver registers MCP tools that expose the local
// conversation store to assistant clients.
package mcpserver

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/alexjbarnes/threadsync/internal/conflict"
	"github.com/alexjbarnes/threadsync/internal/models"
	"github.com/alexjbarnes/threadsync/internal/syncengine"
	"github.com/alexjbarnes/threadsync/internal/tree"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Syncer is the part of the sync engine the sync tools use.
// *syncengine.Engine satisfies it.
type Syncer interface {
	Status() (models.SyncSettings, error)
	SyncWithConflictResolution(ctx context.Context, strategy conflict.Strategy) (*syncengine.Result, error)
}

// RegisterTools adds the conversation tools to server. The sync tools
// are only registered when syncer is non-nil.
func RegisterTools(server *mcp.Server, store *tree.Store, syncer Syncer, logger *slog.Logger) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_list",
		Description: "List every conversation, most recently updated first, with title, message count and flags. No message content.",
	}, listHandler(store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_read",
		Description: "Read the active branch of a conversation from root to leaf. Each message shows its sibling position so other branches can be selected with conversation_switch_branch. Long paths return only the last 100 messages.",
	}, readHandler(store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_context",
		Description: "Return the history that would be sent to the model for a conversation: compressed history is folded into one leading summary.",
	}, contextHandler(store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_search",
		Description: "Case-insensitive search across conversation titles and message content. Returns matches with context snippets.",
	}, searchHandler(store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_switch_branch",
		Description: "Make target_id the selected branch below the parent of message_id. The two messages must be siblings.",
	}, switchHandler(store, logger))

	if syncer == nil {
		return
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Show the sync state: enabled, status, last error, last sync time and per-data-type watermarks.",
	}, statusHandler(syncer))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run a conflict-aware sync with the server. strategy is one of LOCAL_WINS, REMOTE_WINS, TIMESTAMP, MERGE, MANUAL; MANUAL only reports conflicts.",
	}, syncHandler(syncer, logger))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput has no parameters.
type ListInput struct{}

// ReadInput holds parameters for conversation_read.
type ReadInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation id"`
}

// ContextInput holds parameters for conversation_context.
type ContextInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation id"`
}

// SearchInput holds parameters for conversation_search.
type SearchInput struct {
	Query      string `json:"query" jsonschema:"required,search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 20"`
}

// SwitchInput holds parameters for conversation_switch_branch.
type SwitchInput struct {
	MessageID string `json:"message_id" jsonschema:"required,a message on the current branch"`
	TargetID  string `json:"target_id" jsonschema:"required,the sibling to select"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// SyncInput holds parameters for sync_now.
type SyncInput struct {
	Strategy string `json:"strategy,omitempty" jsonschema:"conflict strategy, defaults to the configured one"`
}

// --- Output types ---

// ConversationEntry is one row of conversation_list.
type ConversationEntry struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	LastUpdatedAt int64  `json:"last_updated_at"`
	Messages      int    `json:"messages"`
	Compressed    bool   `json:"compressed"`
	IsGenerating  bool   `json:"is_generating"`
	HasUnread     bool   `json:"has_unread"`
}

// ListResult is the response of conversation_list.
type ListResult struct {
	Total         int                 `json:"total"`
	Conversations []ConversationEntry `json:"conversations"`
}

// PathMessage is one message of conversation_read.
type PathMessage struct {
	ID           string   `json:"id"`
	Role         string   `json:"role"`
	Content      string   `json:"content"`
	Status       string   `json:"status"`
	Timestamp    int64    `json:"timestamp"`
	Summary      bool     `json:"summary,omitempty"`
	Branch       string   `json:"branch,omitempty"`
	SiblingIDs   []string `json:"sibling_ids,omitempty"`
	IsCompressed bool     `json:"is_compressed,omitempty"`
}

// ReadResult is the response of conversation_read.
type ReadResult struct {
	ConversationID string        `json:"conversation_id"`
	Title          string        `json:"title"`
	Messages       []PathMessage `json:"messages"`
}

// ContextMessage is one message of conversation_context.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Summary bool   `json:"summary,omitempty"`
}

// ContextResult is the response of conversation_context.
type ContextResult struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []ContextMessage `json:"messages"`
}

// SwitchResult is the response of conversation_switch_branch.
type SwitchResult struct {
	ConversationID string   `json:"conversation_id"`
	ActivePath     []string `json:"active_path"`
}

// StatusResult is the response of sync_status.
type StatusResult struct {
	Enabled      bool             `json:"enabled"`
	Status       string           `json:"status"`
	LastError    string           `json:"last_error,omitempty"`
	LastSyncTime int64            `json:"last_sync_time,omitempty"`
	Strategy     string           `json:"strategy,omitempty"`
	Watermarks   map[string]int64 `json:"watermarks,omitempty"`
}

// ConflictEntry summarizes one conflict of sync_now.
type ConflictEntry struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	TimeDiff int64  `json:"time_diff_ms"`
	Diff     string `json:"diff,omitempty"`
}

// SyncResult is the response of sync_now.
type SyncResult struct {
	Aborted   bool            `json:"aborted"`
	Applied   int             `json:"applied"`
	Deleted   int             `json:"deleted"`
	Skipped   int             `json:"skipped"`
	Uploaded  []string        `json:"uploaded"`
	Conflicts []ConflictEntry `json:"conflicts"`
}

// --- Handlers ---

func listHandler(store *tree.Store) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, *ListResult, error) {
		convs, err := store.Conversations(ctx)
		if err != nil {
			return nil, nil, err
		}

		slices.SortFunc(convs, func(a, b models.Conversation) int {
			return cmp.Or(cmp.Compare(b.LastUpdatedAt, a.LastUpdatedAt), strings.Compare(a.ID, b.ID))
		})

		result := &ListResult{Total: len(convs), Conversations: make([]ConversationEntry, 0, len(convs))}

		for _, c := range convs {
			msgs, err := store.Messages(ctx, c.ID)
			if err != nil {
				return nil, nil, err
			}

			result.Conversations = append(result.Conversations, ConversationEntry{
				ID:            c.ID,
				Title:         c.Title,
				LastUpdatedAt: c.LastUpdatedAt,
				Messages:      len(msgs),
				Compressed:    c.Compression.Folded(),
				IsGenerating:  c.IsGenerating,
				HasUnread:     c.HasUnread,
			})
		}

		return textResult(result), result, nil
	}
}

func readHandler(store *tree.Store) mcp.ToolHandlerFor[ReadInput, *ReadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReadInput) (*mcp.CallToolResult, *ReadResult, error) {
		conv, err := store.Conversation(ctx, input.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		path, err := store.ActivePath(ctx, input.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		result := &ReadResult{ConversationID: conv.ID, Title: conv.Title, Messages: make([]PathMessage, 0, len(path))}

		for _, n := range path {
			pm := PathMessage{
				ID:           n.ID,
				Role:         string(n.Role),
				Content:      n.Content,
				Status:       string(n.Status),
				Timestamp:    n.Timestamp,
				Summary:      n.IsCompressionSummary,
				IsCompressed: n.IsCompressed,
			}

			if n.SiblingCount > 1 {
				pm.Branch = fmt.Sprintf("%d/%d", n.SiblingIndex, n.SiblingCount)
				pm.SiblingIDs = n.SiblingIDs
			}

			result.Messages = append(result.Messages, pm)
		}

		return textResult(result), result, nil
	}
}

func contextHandler(store *tree.Store) mcp.ToolHandlerFor[ContextInput, *ContextResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ContextInput) (*mcp.CallToolResult, *ContextResult, error) {
		msgs, err := store.MessagesForAI(ctx, input.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		result := &ContextResult{ConversationID: input.ConversationID, Messages: make([]ContextMessage, 0, len(msgs))}
		for _, m := range msgs {
			result.Messages = append(result.Messages, ContextMessage{
				Role:    string(m.Role),
				Content: m.Content,
				Summary: m.IsCompressionSummary,
			})
		}

		return textResult(result), result, nil
	}
}

func searchHandler(store *tree.Store) mcp.ToolHandlerFor[SearchInput, *tree.SearchResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *tree.SearchResult, error) {
		result, err := store.Search(ctx, input.Query, input.MaxResults)
		if err != nil {
			return nil, nil, err
		}

		return textResult(result), result, nil
	}
}

func switchHandler(store *tree.Store, logger *slog.Logger) mcp.ToolHandlerFor[SwitchInput, *SwitchResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SwitchInput) (*mcp.CallToolResult, *SwitchResult, error) {
		m, err := store.Message(ctx, input.MessageID)
		if err != nil {
			return nil, nil, err
		}

		if err := store.SwitchBranch(ctx, input.MessageID, input.TargetID); err != nil {
			return nil, nil, err
		}

		path, err := store.ActivePath(ctx, m.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		result := &SwitchResult{ConversationID: m.ConversationID, ActivePath: make([]string, len(path))}
		for i, n := range path {
			result.ActivePath[i] = n.ID
		}

		logger.Info("mcp: branch switched",
			slog.String("conversation_id", m.ConversationID),
			slog.String("target_id", input.TargetID),
		)

		return textResult(result), result, nil
	}
}

func statusHandler(syncer Syncer) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		ss, err := syncer.Status()
		if err != nil {
			return nil, nil, err
		}

		result := &StatusResult{
			Enabled:      ss.Enabled,
			Status:       string(ss.Status),
			LastError:    ss.LastError,
			LastSyncTime: ss.LastSyncTime,
			Strategy:     ss.Strategy,
			Watermarks:   ss.Watermarks,
		}

		return textResult(result), result, nil
	}
}

func syncHandler(syncer Syncer, logger *slog.Logger) mcp.ToolHandlerFor[SyncInput, *SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SyncInput) (*mcp.CallToolResult, *SyncResult, error) {
		var strategy conflict.Strategy

		if input.Strategy != "" {
			s, err := conflict.ParseStrategy(input.Strategy)
			if err != nil {
				return nil, nil, err
			}

			strategy = s
		}

		res, err := syncer.SyncWithConflictResolution(ctx, strategy)
		if err != nil {
			return nil, nil, err
		}

		result := &SyncResult{
			Aborted:   res.Aborted,
			Applied:   res.Applied,
			Deleted:   res.Deleted,
			Skipped:   res.Skipped,
			Uploaded:  res.Uploaded,
			Conflicts: make([]ConflictEntry, 0, len(res.Conflicts)),
		}

		if result.Uploaded == nil {
			result.Uploaded = []string{}
		}

		for _, c := range res.Conflicts {
			result.Conflicts = append(result.Conflicts, ConflictEntry{
				ID:       c.ID(),
				Type:     string(c.Type),
				TimeDiff: c.TimeDiff,
				Diff:     c.ContentDiff(),
			})
		}

		logger.Info("mcp: sync requested",
			slog.String("strategy", string(strategy)),
			slog.Int("conflicts", len(res.Conflicts)),
			slog.Bool("aborted", res.Aborted),
		)

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
