package wal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mobvibe/mobvibe/internal/wire"
	"github.com/mobvibe/mobvibe/pkg/logger"
)

// Cipher opens and seals encrypted event payloads so consolidation can merge
// them. A nil Cipher restricts consolidation to plaintext payloads.
type Cipher interface {
	EncryptEvent(sessionID string, payload json.RawMessage) (wire.EncryptedPayload, error)
	DecryptEvent(sessionID string, env wire.EncryptedPayload) (json.RawMessage, error)
}

// Consolidator merges redundant WAL rows (streaming chunks, tool-call
// updates, terminal deltas, usage snapshots) into anchor rows. Rows are never
// deleted: merged rows are stubbed in place so sequence continuity is
// preserved for range queries.
//
// Callers run consolidation synchronously after an event batch is both
// persisted and delivered live, so real-time subscribers see no delay and
// historical replay sees the smaller result.
type Consolidator struct {
	store  *Store
	cipher Cipher
}

// NewConsolidator creates a consolidator over the store. cipher may be nil
// when payloads are stored in plaintext.
func NewConsolidator(store *Store, cipher Cipher) *Consolidator {
	return &Consolidator{store: store, cipher: cipher}
}

// ConsolidateStats reports what one pass merged.
type ConsolidateStats struct {
	ChunksMerged    int
	ToolCallsMerged int
	TerminalsMerged int
	UsageDeduped    int
	RowsStubbed     int
}

// openedEvent is a decoded WAL row during consolidation.
type openedEvent struct {
	row       Event
	payload   map[string]any
	encrypted bool
}

// ConsolidateSession merges redundant rows for one (session, revision) pair.
func (c *Consolidator) ConsolidateSession(ctx context.Context, sessionID string, revision int64) (ConsolidateStats, error) {
	var stats ConsolidateStats

	rows, err := c.store.QueryEvents(ctx, QueryEventsParams{
		SessionID: sessionID,
		Revision:  revision,
		FromSeq:   1,
	})
	if err != nil {
		return stats, err
	}

	// Decode every non-stub row we can interpret; undecodable rows are left
	// untouched and break merge runs.
	opened := make([]*openedEvent, 0, len(rows))
	for _, row := range rows {
		if row.Stubbed() {
			continue
		}
		ev, err := c.open(sessionID, row)
		if err != nil {
			logger.Debugf("wal: skipping unreadable event %s/%d/%d: %v", sessionID, revision, row.Seq, err)
			continue
		}
		opened = append(opened, ev)
	}

	if err := c.mergeChunkRuns(ctx, sessionID, opened, &stats); err != nil {
		return stats, err
	}
	if err := c.mergeToolCalls(ctx, sessionID, opened, &stats); err != nil {
		return stats, err
	}
	if err := c.mergeTerminalRuns(ctx, sessionID, opened, &stats); err != nil {
		return stats, err
	}
	if err := c.dedupUsageRuns(ctx, sessionID, opened, &stats); err != nil {
		return stats, err
	}

	return stats, nil
}

// open decodes a row's payload, decrypting if necessary.
func (c *Consolidator) open(sessionID string, row Event) (*openedEvent, error) {
	raw := row.Payload
	encrypted := wire.IsEncryptedPayload(raw)
	if encrypted {
		if c.cipher == nil {
			return nil, fmt.Errorf("encrypted payload without cipher")
		}
		var env wire.EncryptedPayload
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, err
		}
		plain, err := c.cipher.DecryptEvent(sessionID, env)
		if err != nil {
			return nil, err
		}
		raw = plain
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &openedEvent{row: row, payload: payload, encrypted: encrypted}, nil
}

// seal writes a merged payload back, re-encrypting when the row was stored
// encrypted.
func (c *Consolidator) seal(ctx context.Context, sessionID string, ev *openedEvent) error {
	raw, err := json.Marshal(ev.payload)
	if err != nil {
		return fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	if ev.encrypted {
		env, err := c.cipher.EncryptEvent(sessionID, raw)
		if err != nil {
			return fmt.Errorf("failed to re-encrypt merged payload: %w", err)
		}
		raw, err = json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
	}
	return c.store.UpdateEventPayload(ctx, ev.row.ID, raw)
}

func (c *Consolidator) stub(ctx context.Context, events []*openedEvent, stats *ConsolidateStats) error {
	ids := make([]int64, len(events))
	for i, ev := range events {
		ids[i] = ev.row.ID
	}
	if err := c.store.StubEventPayloads(ctx, ids); err != nil {
		return err
	}
	stats.RowsStubbed += len(ids)
	return nil
}

func isChunkKind(kind string) bool {
	return kind == wire.UpdateAgentMessageChunk || kind == wire.UpdateAgentThoughtChunk
}

// mergeChunkRuns concatenates consecutive same-kind streaming chunks into the
// run's first event, in sequence order.
func (c *Consolidator) mergeChunkRuns(ctx context.Context, sessionID string, events []*openedEvent, stats *ConsolidateStats) error {
	i := 0
	for i < len(events) {
		if !isChunkKind(events[i].row.Kind) {
			i++
			continue
		}
		j := i + 1
		for j < len(events) && events[j].row.Kind == events[i].row.Kind {
			j++
		}
		run := events[i:j]
		if len(run) > 1 {
			anchor := run[0]
			text := chunkText(anchor.payload)
			for _, ev := range run[1:] {
				text += chunkText(ev.payload)
			}
			setChunkText(anchor.payload, text)
			if err := c.seal(ctx, sessionID, anchor); err != nil {
				return err
			}
			if err := c.stub(ctx, run[1:], stats); err != nil {
				return err
			}
			stats.ChunksMerged += len(run) - 1
		}
		i = j
	}
	return nil
}

func chunkText(payload map[string]any) string {
	content, _ := payload["content"].(map[string]any)
	if content == nil {
		return ""
	}
	text, _ := content["text"].(string)
	return text
}

func setChunkText(payload map[string]any, text string) {
	content, _ := payload["content"].(map[string]any)
	if content == nil {
		content = map[string]any{"type": "text"}
		payload["content"] = content
	}
	content["text"] = text
}

// mergeToolCalls folds tool_call_update rows into their tool_call anchor with
// later-wins semantics. Null values in an update never override a previously
// set field, and the merged result always keeps sessionUpdate "tool_call".
func (c *Consolidator) mergeToolCalls(ctx context.Context, sessionID string, events []*openedEvent, stats *ConsolidateStats) error {
	anchors := make(map[string]*openedEvent)
	updates := make(map[string][]*openedEvent)

	for _, ev := range events {
		id, _ := ev.payload["toolCallId"].(string)
		if id == "" {
			continue
		}
		switch ev.row.Kind {
		case wire.UpdateToolCall:
			if _, ok := anchors[id]; !ok {
				anchors[id] = ev
			}
		case wire.UpdateToolCallUpdate:
			updates[id] = append(updates[id], ev)
		}
	}

	for id, anchor := range anchors {
		ups := updates[id]
		if len(ups) == 0 {
			continue
		}
		for _, up := range ups {
			for k, v := range up.payload {
				if v == nil {
					continue
				}
				if k == "sessionUpdate" {
					continue
				}
				anchor.payload[k] = v
			}
		}
		anchor.payload["sessionUpdate"] = wire.UpdateToolCall
		if err := c.seal(ctx, sessionID, anchor); err != nil {
			return err
		}
		if err := c.stub(ctx, ups, stats); err != nil {
			return err
		}
		stats.ToolCallsMerged += len(ups)
	}
	return nil
}

// mergeTerminalRuns concatenates terminal output deltas per terminal id into
// the first event, marking the result truncated and keeping the most recent
// non-null exit status.
func (c *Consolidator) mergeTerminalRuns(ctx context.Context, sessionID string, events []*openedEvent, stats *ConsolidateStats) error {
	byTerminal := make(map[string][]*openedEvent)
	var order []string

	for _, ev := range events {
		if ev.row.Kind != wire.UpdateTerminalOutput {
			continue
		}
		id, _ := ev.payload["terminalId"].(string)
		if id == "" {
			continue
		}
		if _, ok := byTerminal[id]; !ok {
			order = append(order, id)
		}
		byTerminal[id] = append(byTerminal[id], ev)
	}

	for _, id := range order {
		run := byTerminal[id]
		if len(run) < 2 {
			continue
		}
		anchor := run[0]

		var output string
		var exitStatus any
		for _, ev := range run {
			if delta, ok := ev.payload["delta"].(string); ok {
				output += delta
			} else if out, ok := ev.payload["output"].(string); ok {
				output += out
			}
			if es, ok := ev.payload["exitStatus"]; ok && es != nil {
				exitStatus = es
			}
		}

		anchor.payload["output"] = output
		anchor.payload["delta"] = output
		anchor.payload["truncated"] = true
		if exitStatus != nil {
			anchor.payload["exitStatus"] = exitStatus
		}

		if err := c.seal(ctx, sessionID, anchor); err != nil {
			return err
		}
		if err := c.stub(ctx, run[1:], stats); err != nil {
			return err
		}
		stats.TerminalsMerged += len(run) - 1
	}
	return nil
}

// dedupUsageRuns keeps only the last usage snapshot of each consecutive run.
// Usage updates are absolute snapshots, so no merging is needed.
func (c *Consolidator) dedupUsageRuns(ctx context.Context, sessionID string, events []*openedEvent, stats *ConsolidateStats) error {
	i := 0
	for i < len(events) {
		if events[i].row.Kind != wire.UpdateUsage {
			i++
			continue
		}
		j := i + 1
		for j < len(events) && events[j].row.Kind == wire.UpdateUsage {
			j++
		}
		run := events[i:j]
		if len(run) > 1 {
			if err := c.stub(ctx, run[:len(run)-1], stats); err != nil {
				return err
			}
			stats.UsageDeduped += len(run) - 1
		}
		i = j
	}
	return nil
}
