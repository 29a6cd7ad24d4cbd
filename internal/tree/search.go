package tree

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/alexjbarnes/threadsync/internal/models"
	"github.com/alexjbarnes/threadsync/internal/state"
)

const (
	defaultSearchResults = 20
	snippetContext       = 50
)

// SearchMatch is one hit of Search.
type SearchMatch struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	MatchType      string `json:"match_type"`
	Snippet        string `json:"snippet"`
}

// SearchResult is the response of Search.
type SearchResult struct {
	Query        string        `json:"query"`
	TotalMatches int           `json:"total_matches"`
	Results      []SearchMatch `json:"results"`
}

// Search finds query case-insensitively in conversation titles, then in
// message content, returning at most maxResults hits (default 20). Each
// conversation or message appears once. Compression summaries are
// searched like any other message.
func (s *Store) Search(ctx context.Context, query string, maxResults int) (*SearchResult, error) {
	if maxResults <= 0 {
		maxResults = defaultSearchResults
	}

	var (
		convs []models.Conversation
		msgs  []models.Message
	)

	err := s.view(ctx, func(tx *state.Tx) error {
		var err error

		if convs, err = tx.Conversations(); err != nil {
			return err
		}

		msgs, err = tx.Messages()

		return err
	})
	if err != nil {
		return nil, err
	}

	lower := strings.ToLower(query)
	out := &SearchResult{Query: query, Results: []SearchMatch{}}

	if lower == "" {
		return out, nil
	}

	for _, c := range convs {
		if len(out.Results) >= maxResults {
			break
		}

		if strings.Contains(strings.ToLower(c.Title), lower) {
			out.Results = append(out.Results, SearchMatch{
				ConversationID: c.ID,
				MatchType:      "title",
				Snippet:        c.Title,
			})
		}
	}

	for _, m := range msgs {
		if len(out.Results) >= maxResults {
			break
		}

		text := strings.ToLower(m.Content)

		at := strings.Index(text, lower)
		if at < 0 {
			continue
		}

		snip := truncate(m.Content, 2*snippetContext)
		if len(text) == len(m.Content) {
			snip = snippet(m.Content, at, at+len(lower))
		}

		out.Results = append(out.Results, SearchMatch{
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			MatchType:      "content",
			Snippet:        snip,
		})
	}

	out.TotalMatches = len(out.Results)

	return out, nil
}

// snippet returns the match at content[start:end] in bold with some
// surrounding context.
func snippet(content string, start, end int) string {
	winStart := max(start-snippetContext, 0)
	for winStart > 0 && !utf8.RuneStart(content[winStart]) {
		winStart--
	}

	winEnd := min(end+snippetContext, len(content))
	for winEnd < len(content) && !utf8.RuneStart(content[winEnd]) {
		winEnd++
	}

	prefix, suffix := "", ""
	if winStart > 0 {
		prefix = "..."
	}

	if winEnd < len(content) {
		suffix = "..."
	}

	line := prefix + content[winStart:start] + "**" + content[start:end] + "**" + content[end:winEnd] + suffix

	return strings.ReplaceAll(line, "\n", " ")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	return string([]rune(s)[:n]) + "..."
}
