// Package conflict detects and resolves divergent copies of a synced
// entity. Everything here is pure: callers pass JSON-shaped snapshots
// and get decisions back.
package conflict

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Snapshot is the JSON object form of one entity.
type Snapshot = map[string]any

// Type classifies a conflict.
type Type string

const (
	TypeDeletion     Type = "DELETION"
	TypeTimestamp    Type = "TIMESTAMP"
	TypeModification Type = "MODIFICATION"
)

// closeCallWindow is the timestamp gap below which two edits count as
// concurrent.
const closeCallWindow = 1000

// Side is one copy of the conflicting entity.
type Side struct {
	Data      Snapshot `json:"data"`
	Timestamp int64    `json:"timestamp"`
	ID        string   `json:"id"`
}

// Conflict describes a local and a remote copy that disagree.
type Conflict struct {
	Type     Type  `json:"type"`
	Local    Side  `json:"local"`
	Remote   Side  `json:"remote"`
	TimeDiff int64 `json:"timeDiff"`
}

// ID returns the entity id of the conflict.
func (c Conflict) ID() string {
	if c.Local.ID != "" {
		return c.Local.ID
	}

	return c.Remote.ID
}

// Timestamp reads the comparison timestamp of s: lastUpdatedAt, then
// updatedAt, else 0.
func Timestamp(s Snapshot) int64 {
	for _, key := range []string{"lastUpdatedAt", "updatedAt"} {
		if v, ok := s[key]; ok {
			if n, ok := number(v); ok {
				return n
			}
		}
	}

	return 0
}

func number(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return i, true
		}

		f, err := n.Float64()

		return int64(f), err == nil
	}

	return 0, false
}

func idOf(s Snapshot) string {
	id, _ := s["id"].(string)
	return id
}

// truthy follows JSON truthiness for the deleted flag.
func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	case float64:
		return b != 0
	}

	if n, ok := number(v); ok {
		return n != 0
	}

	return true
}

// canonical encodes s with sorted keys.
func canonical(s Snapshot) string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}

	return string(b)
}

// DetectConflict compares two copies of an entity. It returns nil when
// either side is absent, when the timestamps are equal, or when the
// copies are identical.
func DetectConflict(local, remote Snapshot) *Conflict {
	if local == nil || remote == nil {
		return nil
	}

	lt, rt := Timestamp(local), Timestamp(remote)
	if lt == rt {
		return nil
	}

	if lc := canonical(local); lc != "" && lc == canonical(remote) {
		return nil
	}

	diff := int64(math.Abs(float64(lt - rt)))

	c := &Conflict{
		Local:    Side{Data: local, Timestamp: lt, ID: idOf(local)},
		Remote:   Side{Data: remote, Timestamp: rt, ID: idOf(remote)},
		TimeDiff: diff,
	}

	switch {
	case truthy(local["deleted"]) != truthy(remote["deleted"]):
		c.Type = TypeDeletion
	case diff < closeCallWindow:
		c.Type = TypeTimestamp
	default:
		c.Type = TypeModification
	}

	return c
}

// DetectConflicts runs DetectConflict over every id present on both
// sides, in id order.
func DetectConflicts(local, remote map[string]Snapshot) []Conflict {
	ids := make([]string, 0, len(local))

	for id := range local {
		if _, ok := remote[id]; ok {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	var out []Conflict

	for _, id := range ids {
		if c := DetectConflict(local[id], remote[id]); c != nil {
			out = append(out, *c)
		}
	}

	return out
}

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	StrategyLocalWins  Strategy = "LOCAL_WINS"
	StrategyRemoteWins Strategy = "REMOTE_WINS"
	StrategyTimestamp  Strategy = "TIMESTAMP"
	StrategyMerge      Strategy = "MERGE"
	StrategyManual     Strategy = "MANUAL"
)

// ParseStrategy accepts a strategy name in any case.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case StrategyLocalWins, StrategyRemoteWins, StrategyTimestamp, StrategyMerge, StrategyManual:
		return st, nil
	}

	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Resolution is the outcome for one conflict. Under MANUAL, Data is nil
// and Pending holds the conflict for the user to decide.
type Resolution struct {
	ID       string    `json:"id"`
	Data     Snapshot  `json:"data,omitempty"`
	Strategy Strategy  `json:"strategy"`
	Pending  *Conflict `json:"pending,omitempty"`
}

// ResolveConflict applies strategy to c.
func ResolveConflict(c Conflict, strategy Strategy) (Resolution, error) {
	r := Resolution{ID: c.ID(), Strategy: strategy}

	switch strategy {
	case StrategyLocalWins:
		r.Data = c.Local.Data
	case StrategyRemoteWins:
		r.Data = c.Remote.Data
	case StrategyTimestamp:
		// Ties go to the remote copy.
		if c.Local.Timestamp > c.Remote.Timestamp {
			r.Data = c.Local.Data
		} else {
			r.Data = c.Remote.Data
		}
	case StrategyMerge:
		r.Data = Merge(c.Local.Data, c.Remote.Data)
	case StrategyManual:
		pending := c
		r.Pending = &pending
	default:
		return Resolution{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}

	return r, nil
}

// ResolveConflicts resolves each conflict with the same strategy.
func ResolveConflicts(conflicts []Conflict, strategy Strategy) ([]Resolution, error) {
	out := make([]Resolution, 0, len(conflicts))

	for _, c := range conflicts {
		r, err := ResolveConflict(c, strategy)
		if err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	return out, nil
}

// Merge combines two snapshots structurally. Keys present on one side
// only are kept. Nested objects merge recursively. Arrays whose elements
// are all objects with an id are unioned by id, the remote element
// replacing a local one with the same id in place. Any other value
// prefers remote.
func Merge(local, remote Snapshot) Snapshot {
	out := make(Snapshot, len(local)+len(remote))

	for k, v := range local {
		out[k] = v
	}

	for k, rv := range remote {
		lv, ok := local[k]
		if !ok {
			out[k] = rv
			continue
		}

		out[k] = mergeValue(lv, rv)
	}

	return out
}

func mergeValue(lv, rv any) any {
	switch r := rv.(type) {
	case map[string]any:
		if l, ok := lv.(map[string]any); ok {
			return Merge(l, r)
		}
	case []any:
		if l, ok := lv.([]any); ok && idObjects(l) && idObjects(r) {
			return unionByID(l, r)
		}
	}

	return rv
}

func idObjects(arr []any) bool {
	for _, v := range arr {
		m, ok := v.(map[string]any)
		if !ok {
			return false
		}

		if _, ok := m["id"]; !ok {
			return false
		}
	}

	return true
}

func unionByID(local, remote []any) []any {
	out := make([]any, 0, len(local)+len(remote))
	pos := make(map[string]int, len(local)+len(remote))

	for _, arr := range [][]any{local, remote} {
		for _, v := range arr {
			key := fmt.Sprint(v.(map[string]any)["id"])
			if i, ok := pos[key]; ok {
				out[i] = v
				continue
			}

			pos[key] = len(out)
			out = append(out, v)
		}
	}

	return out
}

// Equal reports whether two snapshots hold the same JSON value.
func Equal(a, b Snapshot) bool {
	if ca, cb := canonical(a), canonical(b); ca != "" || cb != "" {
		return ca == cb
	}

	return reflect.DeepEqual(a, b)
}
