package tree

import (
	"log/slog"

	"github.com/alexjbarnes/threadsync/internal/models"
)

const (
	// maxWalkSteps bounds a traversal over corrupted data.
	maxWalkSteps = 5000

	// maxPathLen is the number of trailing nodes ActivePath returns.
	maxPathLen = 100
)

// PathNode is one message on the active path together with its position
// among its siblings, so callers can render "branch 2/3" navigation
// without another query.
type PathNode struct {
	models.Message
	SiblingCount int      `json:"siblingCount"`
	SiblingIndex int      `json:"siblingIndex"` // 1-based
	SiblingIDs   []string `json:"siblingIds"`
}

// index is the arena view of one conversation: every node by id and the
// children of every node in timestamp order.
type index struct {
	byID     map[string]*models.Message
	children map[string][]*models.Message
	roots    []*models.Message
}

// buildIndex expects msgs ordered by timestamp.
func buildIndex(msgs []models.Message) *index {
	idx := &index{
		byID:     make(map[string]*models.Message, len(msgs)),
		children: make(map[string][]*models.Message),
	}

	for i := range msgs {
		m := &msgs[i]
		idx.byID[m.ID] = m

		if p := m.Parent(); p == "" {
			idx.roots = append(idx.roots, m)
		} else {
			idx.children[p] = append(idx.children[p], m)
		}
	}

	return idx
}

// next picks the active child of m: the selected child when it is really
// a child of m, otherwise the most recently created one.
func (idx *index) next(m *models.Message, logger *slog.Logger) *models.Message {
	kids := idx.children[m.ID]
	if len(kids) == 0 {
		return nil
	}

	if sel := m.SelectedChild(); sel != "" {
		for _, k := range kids {
			if k.ID == sel {
				return k
			}
		}

		logger.Debug("ignoring selected child that is not a child",
			slog.String("message_id", m.ID),
			slog.String("selected_child_id", sel),
		)
	}

	return kids[len(kids)-1]
}

func (idx *index) siblings(m *models.Message) []*models.Message {
	if p := m.Parent(); p != "" {
		return idx.children[p]
	}

	return idx.roots
}

// walk follows the active branch from the first root to a leaf. It stops
// on a repeated id or after maxWalkSteps, returning what it has.
func (idx *index) walk(logger *slog.Logger) []PathNode {
	if len(idx.roots) == 0 {
		return nil
	}

	var path []PathNode

	visited := make(map[string]struct{})
	cur := idx.roots[0]

	for steps := 0; cur != nil; steps++ {
		if steps >= maxWalkSteps {
			logger.Warn("active path walk hit step ceiling",
				slog.String("conversation_id", cur.ConversationID),
				slog.Int("steps", steps),
			)

			break
		}

		if _, seen := visited[cur.ID]; seen {
			logger.Warn("cycle detected in message tree",
				slog.String("conversation_id", cur.ConversationID),
				slog.String("message_id", cur.ID),
			)

			break
		}

		visited[cur.ID] = struct{}{}

		sibs := idx.siblings(cur)
		node := PathNode{
			Message:      *cur,
			SiblingCount: len(sibs),
			SiblingIDs:   make([]string, len(sibs)),
		}

		for i, s := range sibs {
			node.SiblingIDs[i] = s.ID
			if s == cur {
				node.SiblingIndex = i + 1
			}
		}

		path = append(path, node)
		cur = idx.next(cur, logger)
	}

	return path
}

// BuildPath computes the active path over msgs, which must be ordered by
// timestamp. Paths longer than 100 nodes are cut to their last 100 nodes.
// The cut is lossy: it is a rendering bound, not a pagination cursor, and
// the dropped prefix cannot be fetched through this function.
func BuildPath(msgs []models.Message, logger *slog.Logger) []PathNode {
	path := buildIndex(msgs).walk(logger)
	if len(path) > maxPathLen {
		path = path[len(path)-maxPathLen:]
	}

	return path
}
