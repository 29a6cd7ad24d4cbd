package syncengine

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/alexjbarnes/threadsync/cloud"
	"github.com/alexjbarnes/threadsync/internal/conflict"
	apperr "github.com/alexjbarnes/threadsync/internal/errors"
	"github.com/alexjbarnes/threadsync/internal/models"
)

// Result summarizes a conflict-aware sync.
type Result struct {
	// Conflicts lists every detected conflict. Under MANUAL with a
	// non-empty list nothing was applied and Aborted is set.
	Conflicts   []conflict.Conflict
	Resolutions []conflict.Resolution
	Aborted     bool

	// Applied counts records written locally, Deleted records removed by
	// remote tombstones and Skipped remote entities dropped for a bad
	// checksum.
	Applied int
	Deleted int
	Skipped int

	// Uploaded lists the data types pushed back to the server.
	Uploaded []string
}

// SyncWithConflictResolution reconciles local data with the newest remote
// payloads: check the server, download what changed since the last
// watermarks, read local state, detect conflicts, resolve them with
// strategy (MANUAL with conflicts aborts and returns them untouched),
// apply resolved and non-conflicting remote records, then push the merged
// state for every data type whose content changed. Applied records are
// not rolled back if the final push fails.
func (e *Engine) SyncWithConflictResolution(ctx context.Context, strategy conflict.Strategy) (*Result, error) {
	if !e.ready() {
		return nil, apperr.ErrSyncNotReady
	}

	if strategy == "" {
		strategy = e.cfg.Strategy
	}

	c, err := e.begin("resolve")
	if err != nil {
		return nil, err
	}

	res, err := e.resolve(ctx, strategy)
	if err == nil && res.Aborted {
		c.abort()
		return res, nil
	}

	c.end(err)

	return res, err
}

// remoteSet is the decoded content of the downloaded payloads.
type remoteSet struct {
	settings      map[string]any
	tombstones    []models.Tombstone
	conversations map[string]conflict.Snapshot
	messages      map[string]conflict.Snapshot
	skipped       int
}

func (e *Engine) resolve(ctx context.Context, strategy conflict.Strategy) (*Result, error) {
	if err := e.checkHealth(ctx, false); err != nil {
		return nil, err
	}

	ss, err := e.store.State().SyncSettings()
	if err != nil {
		return nil, err
	}

	remote := make(map[string]Payload, len(models.DataTypes))

	for _, dt := range models.DataTypes {
		ps, err := e.Download(ctx, dt, ss.Watermarks[dt])
		if err != nil {
			return nil, err
		}

		if len(ps) > 0 {
			remote[dt] = ps[len(ps)-1]
		}
	}

	local, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local data: %w", err)
	}

	in, err := e.decodeRemote(remote)
	if err != nil {
		return nil, err
	}

	res := &Result{Skipped: in.skipped}

	dead := make(map[string]struct{}, len(local.Tombstones)+len(in.tombstones))
	for _, ts := range slices.Concat(local.Tombstones, in.tombstones) {
		dead[ts.Table+"/"+ts.RecordID] = struct{}{}
	}

	localConvs, err := snapshots(local.Conversations, models.TableConversations, dead, func(c models.Conversation) string { return c.ID })
	if err != nil {
		return nil, err
	}

	localMsgs, err := snapshots(local.Messages, models.TableMessages, dead, func(m models.Message) string { return m.ID })
	if err != nil {
		return nil, err
	}

	prune(in.conversations, models.TableConversations, dead)
	prune(in.messages, models.TableMessages, dead)
	pruneOrphans(localMsgs, dead)
	pruneOrphans(in.messages, dead)

	convConflicts := conflict.DetectConflicts(localConvs, in.conversations)
	msgConflicts := conflict.DetectConflicts(localMsgs, in.messages)
	res.Conflicts = slices.Concat(convConflicts, msgConflicts)

	if strategy == conflict.StrategyManual && len(res.Conflicts) > 0 {
		res.Aborted = true

		return res, nil
	}

	resolvedConvs, err := e.resolveAll(res, convConflicts, strategy)
	if err != nil {
		return nil, err
	}

	resolvedMsgs, err := e.resolveAll(res, msgConflicts, strategy)
	if err != nil {
		return nil, err
	}

	convs, err := pick[models.Conversation](localConvs, in.conversations, resolvedConvs)
	if err != nil {
		return nil, fmt.Errorf("decoding remote conversations: %w", err)
	}

	msgs, err := pick[models.Message](localMsgs, in.messages, resolvedMsgs)
	if err != nil {
		return nil, fmt.Errorf("decoding remote messages: %w", err)
	}

	if res.Deleted, err = e.store.ApplyTombstones(ctx, newTombstones(in.tombstones, local.Tombstones)); err != nil {
		return nil, fmt.Errorf("applying remote deletions: %w", err)
	}

	if res.Applied, err = e.store.Upsert(ctx, convs, msgs); err != nil {
		return nil, fmt.Errorf("applying remote records: %w", err)
	}

	if in.settings != nil {
		merged := conflict.Merge(local.Settings, in.settings)
		if !conflict.Equal(merged, local.Settings) {
			if err := e.store.PutSettings(ctx, merged); err != nil {
				return nil, fmt.Errorf("applying settings: %w", err)
			}
		}
	}

	for dt, p := range remote {
		if err := e.recordExchange(dt, p.Version, cloud.Checksum(string(p.Data))); err != nil {
			return nil, err
		}
	}

	e.logger.Info("applied remote changes",
		slog.Int("conflicts", len(res.Conflicts)),
		slog.Int("applied", res.Applied),
		slog.Int("deleted", res.Deleted),
		slog.Int("skipped", res.Skipped),
		slog.String("strategy", string(strategy)),
	)

	res.Uploaded, err = e.pushChanged(ctx)

	return res, err
}

func (e *Engine) decodeRemote(remote map[string]Payload) (remoteSet, error) {
	var in remoteSet

	if p, ok := remote[models.DataSettings]; ok {
		if err := json.Unmarshal(p.Data, &in.settings); err != nil {
			return in, fmt.Errorf("decoding settings payload: %w", err)
		}
	}

	if p, ok := remote[models.DataTombstones]; ok {
		if err := json.Unmarshal(p.Data, &in.tombstones); err != nil {
			return in, fmt.Errorf("decoding tombstones payload: %w", err)
		}
	}

	in.conversations = map[string]conflict.Snapshot{}
	in.messages = map[string]conflict.Snapshot{}

	for dt, dst := range map[string]*map[string]conflict.Snapshot{
		models.TableConversations: &in.conversations,
		models.TableMessages:      &in.messages,
	} {
		p, ok := remote[dt]
		if !ok {
			continue
		}

		got, skipped, err := e.openEnvelopes(dt, p.Data)
		if err != nil {
			return in, err
		}

		*dst = got
		in.skipped += skipped
	}

	return in, nil
}

func (e *Engine) resolveAll(res *Result, cs []conflict.Conflict, strategy conflict.Strategy) (map[string]conflict.Snapshot, error) {
	rs, err := conflict.ResolveConflicts(cs, strategy)
	if err != nil {
		return nil, err
	}

	res.Resolutions = append(res.Resolutions, rs...)

	out := make(map[string]conflict.Snapshot, len(rs))
	for _, r := range rs {
		out[r.ID] = r.Data
	}

	return out, nil
}

// pushChanged uploads every data type whose local content differs from
// the last payload exchanged with the server.
func (e *Engine) pushChanged(ctx context.Context) ([]string, error) {
	b, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local data: %w", err)
	}

	convs, err := envelopes(b.Conversations, func(c models.Conversation) string { return c.ID })
	if err != nil {
		return nil, err
	}

	msgs, err := envelopes(b.Messages, func(m models.Message) string { return m.ID })
	if err != nil {
		return nil, err
	}

	stones := slices.Clone(b.Tombstones)
	slices.SortFunc(stones, func(x, y models.Tombstone) int {
		return cmp.Or(cmp.Compare(x.Table, y.Table), cmp.Compare(x.RecordID, y.RecordID))
	})

	payloads := map[string]any{
		models.DataSettings:       b.Settings,
		models.DataTombstones:     stones,
		models.TableConversations: convs,
		models.TableMessages:      msgs,
	}

	ss, err := e.store.State().SyncSettings()
	if err != nil {
		return nil, err
	}

	var uploaded []string

	for _, dt := range models.DataTypes {
		plain, err := json.Marshal(payloads[dt])
		if err != nil {
			return uploaded, fmt.Errorf("marshalling %s: %w", dt, err)
		}

		if ss.Digests[dt] == cloud.Checksum(string(plain)) {
			continue
		}

		if _, err := e.uploadPlain(ctx, dt, plain); err != nil {
			return uploaded, err
		}

		uploaded = append(uploaded, dt)
	}

	return uploaded, nil
}

// snapshots converts live records to JSON objects keyed by id, leaving out
// tombstoned ids.
func snapshots[T any](items []T, table string, dead map[string]struct{}, id func(T) string) (map[string]conflict.Snapshot, error) {
	out := make(map[string]conflict.Snapshot, len(items))

	for _, it := range items {
		k := id(it)
		if _, gone := dead[table+"/"+k]; gone {
			continue
		}

		s, err := toSnapshot(it)
		if err != nil {
			return nil, err
		}

		out[k] = s
	}

	return out, nil
}

func prune(m map[string]conflict.Snapshot, table string, dead map[string]struct{}) {
	for id := range m {
		if _, gone := dead[table+"/"+id]; gone {
			delete(m, id)
		}
	}
}

// pruneOrphans removes messages whose conversation is tombstoned.
func pruneOrphans(msgs map[string]conflict.Snapshot, dead map[string]struct{}) {
	for id, m := range msgs {
		conv, _ := m["conversationId"].(string)
		if _, gone := dead[models.TableConversations+"/"+conv]; gone {
			delete(msgs, id)
		}
	}
}

// pick returns the remote records to write: the resolution for conflicted
// ids, the remote copy otherwise, and nothing where the local copy is
// already identical.
func pick[T any](local, remote, resolved map[string]conflict.Snapshot) ([]T, error) {
	var out []T

	for _, id := range slices.Sorted(maps.Keys(remote)) {
		data := remote[id]
		if r, ok := resolved[id]; ok {
			data = r
		}

		if l, ok := local[id]; ok && conflict.Equal(l, data) {
			continue
		}

		rec, err := fromSnapshot[T](data)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	return out, nil
}

// newTombstones returns the remote tombstones not yet recorded locally.
func newTombstones(remote, local []models.Tombstone) []models.Tombstone {
	seen := make(map[string]struct{}, len(local))
	for _, ts := range local {
		seen[ts.Table+"/"+ts.RecordID] = struct{}{}
	}

	var out []models.Tombstone

	for _, ts := range remote {
		if _, ok := seen[ts.Table+"/"+ts.RecordID]; !ok {
			out = append(out, ts)
		}
	}

	return out
}
