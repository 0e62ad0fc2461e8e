// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package execregistry persists workflow execution lineage: exec
// registrations, parent/child links, status updates, and the derived
// exec tree for a session.
package execregistry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/flowbridge/bridge/internal/bridgeerr"
	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/metadata"
)

// StatusUnknown is reported for an exec whose ExecStatus document is
// missing or unreadable.
const StatusUnknown = "UNKNOWN"

// ExecReg is the lineage record created when a workflow execution
// starts.
type ExecReg struct {
	ExecID    string
	SessionID string
	CreatedAt time.Time
	Status    string
	Ended     bool
}

// ExecStatus is the latest reported status of one execution.
type ExecStatus struct {
	ExecID    string
	Status    string
	Result    any
	Err       any
	Ended     bool
	CreatedAt time.Time
	UpdatedAt time.Time
	Workflow  any
}

// ExecLink records that callingExec's tool call triggered triggeredExec.
type ExecLink struct {
	CallingExecID   string
	TriggeredExecID string
	SessionID       string
	CreatedAt       time.Time
}

// StatusPatch is the set of optionally-present fields a caller can
// update via StatusUpdate. At least one field must be non-nil.
type StatusPatch struct {
	Status   *string
	Result   any
	Error    any
	Ended    *bool
	Updated  *time.Time
	Workflow any
}

func (p StatusPatch) empty() bool {
	return p.Status == nil && p.Result == nil && p.Error == nil && p.Ended == nil && p.Updated == nil && p.Workflow == nil
}

// Node is one entry in the derived exec tree.
type Node struct {
	ExecID   string
	Status   string
	Ended    bool
	Children []*Node
}

// Registry is the Exec Registry over a metadata.Store.
type Registry struct {
	store metadata.Store
	clock clock.Clock
}

// New constructs a Registry.
func New(store metadata.Store, clk clock.Clock) *Registry {
	return &Registry{store: store, clock: clk}
}

func execRegCollection(userID, projectID string) metadata.Collection {
	return metadata.Collection(fmt.Sprintf("users/%s/projects/%s/execs", userID, projectID))
}

func execStatusCollection(userID, projectID string) metadata.Collection {
	return metadata.Collection(fmt.Sprintf("users/%s/projects/%s/execstatus", userID, projectID))
}

func execLinkCollection(userID, projectID string) metadata.Collection {
	return metadata.Collection(fmt.Sprintf("users/%s/projects/%s/execlinks", userID, projectID))
}

func linkID(callingExecID, triggeredExecID string) string {
	return callingExecID + ":" + triggeredExecID
}

// RegisterExec creates the ExecReg for a newly started workflow
// execution. Idempotent: registering the same execId twice is a no-op
// on the second call.
func (r *Registry) RegisterExec(ctx context.Context, userID, projectID, execID, sessionID string) error {
	now := r.clock.Now()
	_, err := r.store.CreateIfAbsent(ctx, execRegCollection(userID, projectID).Doc(execID), map[string]any{
		"sessionId": sessionID,
		"createdAt": metadata.Now(now),
		"status":    StatusUnknown,
		"ended":     false,
	})
	return err
}

// LinkRegister idempotently upserts the link between a calling and a
// triggered execution.
func (r *Registry) LinkRegister(ctx context.Context, userID, projectID, callingExecID, triggeredExecID, sessionID string, createdAt *time.Time) error {
	when := r.clock.Now()
	if createdAt != nil {
		when = *createdAt
	}
	path := execLinkCollection(userID, projectID).Doc(linkID(callingExecID, triggeredExecID))

	existing, found, err := r.store.Get(ctx, path)
	if err != nil {
		return err
	}
	if found {
		// Stable thereafter: do not overwrite createdAt on a repeat
		// register.
		_ = existing
		return nil
	}
	return r.store.SetMerge(ctx, path, map[string]any{
		"callingExec":   callingExecID,
		"triggeredExec": triggeredExecID,
		"sessionId":     sessionID,
		"createdAt":     metadata.Now(when),
	})
}

// LinksByCalling returns every link whose callingExec matches.
func (r *Registry) LinksByCalling(ctx context.Context, userID, projectID, callingExecID string) ([]ExecLink, error) {
	docs, err := r.store.Query(ctx, metadata.Query{
		Collection: execLinkCollection(userID, projectID),
		Filters:    []metadata.Filter{{Field: "callingExec", Op: metadata.OpEqual, Value: callingExecID}},
	})
	if err != nil {
		return nil, err
	}
	links := make([]ExecLink, 0, len(docs))
	for _, d := range docs {
		links = append(links, decodeLink(d.Data))
	}
	return links, nil
}

// LinkByTriggered returns the newest link whose triggeredExec matches,
// or nil if none exists.
func (r *Registry) LinkByTriggered(ctx context.Context, userID, projectID, triggeredExecID string) (*ExecLink, error) {
	docs, err := r.store.Query(ctx, metadata.Query{
		Collection: execLinkCollection(userID, projectID),
		Filters:    []metadata.Filter{{Field: "triggeredExec", Op: metadata.OpEqual, Value: triggeredExecID}},
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	links := make([]ExecLink, 0, len(docs))
	for _, d := range docs {
		links = append(links, decodeLink(d.Data))
	}
	sort.Slice(links, func(i, j int) bool { return links[i].CreatedAt.After(links[j].CreatedAt) })
	return &links[0], nil
}

// StatusUpdate upserts the ExecStatus document for execID, preserving
// createdAt across updates, then best-effort mirrors
// {status, ended, updatedAt} onto the matching ExecReg.
func (r *Registry) StatusUpdate(ctx context.Context, userID, projectID, execID string, patch StatusPatch) error {
	if patch.empty() {
		return &bridgeerr.Fatal{Reason: "status update with no fields set"}
	}
	now := r.clock.Now()
	updatedAt := now
	if patch.Updated != nil {
		updatedAt = *patch.Updated
	}

	path := execStatusCollection(userID, projectID).Doc(execID)
	var finalStatus string
	var finalEnded bool

	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx metadata.Transaction) error {
		data, found, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		createdAt := now
		if found {
			if v, ok := data["createdAt"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
					createdAt = t
				}
			}
		}

		merge := map[string]any{
			"execId":    execID,
			"createdAt": metadata.Now(createdAt),
			"updatedAt": metadata.Now(updatedAt),
		}
		if patch.Status != nil {
			merge["status"] = *patch.Status
			finalStatus = *patch.Status
		} else if found {
			finalStatus, _ = data["status"].(string)
		}
		if patch.Result != nil {
			merge["result"] = patch.Result
		}
		if patch.Error != nil {
			merge["error"] = patch.Error
		}
		if patch.Ended != nil {
			merge["ended"] = *patch.Ended
			finalEnded = *patch.Ended
		} else if found {
			finalEnded, _ = data["ended"].(bool)
		}
		if patch.Workflow != nil {
			merge["workflow"] = patch.Workflow
		}
		return tx.SetMerge(ctx, path, merge)
	})
	if err != nil {
		return err
	}

	r.mirrorToExecReg(ctx, userID, projectID, execID, finalStatus, finalEnded, updatedAt)
	return nil
}

// mirrorToExecReg best-effort mirrors the latest status onto the
// matching ExecReg; failures are swallowed per §4.6.
func (r *Registry) mirrorToExecReg(ctx context.Context, userID, projectID, execID, status string, ended bool, updatedAt time.Time) {
	path := execRegCollection(userID, projectID).Doc(execID)
	_, found, err := r.store.Get(ctx, path)
	if err != nil || !found {
		return
	}
	_ = r.store.SetMerge(ctx, path, map[string]any{
		"status":    status,
		"ended":     ended,
		"updatedAt": metadata.Now(updatedAt),
	})
}

// StatusEntry is one row of LatestStatuses' result: an ExecReg merged
// with its ExecStatus, or UNKNOWN if the status lookup failed.
type StatusEntry struct {
	ExecReg ExecReg
	Status  *ExecStatus
	Err     error
}

// LatestStatuses returns the newest limit ExecReg rows for sessionID,
// each merged with its ExecStatus document. limit is clamped to
// [1, 50], defaulting to 5 when zero.
func (r *Registry) LatestStatuses(ctx context.Context, userID, projectID, sessionID string, limit int) ([]StatusEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	if limit > 50 {
		limit = 50
	}

	docs, err := r.store.Query(ctx, metadata.Query{
		Collection: execRegCollection(userID, projectID),
		Filters:    []metadata.Filter{{Field: "sessionId", Op: metadata.OpEqual, Value: sessionID}},
		OrderBy:    "createdAt",
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}

	entries := make([]StatusEntry, 0, len(docs))
	for _, d := range docs {
		reg := decodeExecReg(d.ID, d.Data)
		entry := StatusEntry{ExecReg: reg}

		statusData, found, err := r.store.Get(ctx, execStatusCollection(userID, projectID).Doc(d.ID))
		switch {
		case err != nil:
			entry.Err = err
			entry.Status = &ExecStatus{ExecID: d.ID, Status: StatusUnknown}
		case !found:
			entry.Status = &ExecStatus{ExecID: d.ID, Status: StatusUnknown}
		default:
			s := decodeExecStatus(d.ID, statusData)
			entry.Status = &s
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Tree builds the exec forest for sessionID. If latestOnly is true,
// returns only the single tree rooted at the newest ExecReg.
func (r *Registry) Tree(ctx context.Context, userID, projectID, sessionID string, latestOnly bool) ([]*Node, error) {
	regDocs, err := r.store.Query(ctx, metadata.Query{
		Collection: execRegCollection(userID, projectID),
		Filters:    []metadata.Filter{{Field: "sessionId", Op: metadata.OpEqual, Value: sessionID}},
	})
	if err != nil {
		return nil, err
	}
	linkDocs, err := r.store.Query(ctx, metadata.Query{
		Collection: execLinkCollection(userID, projectID),
		Filters:    []metadata.Filter{{Field: "sessionId", Op: metadata.OpEqual, Value: sessionID}},
	})
	if err != nil {
		return nil, err
	}

	regs := make(map[string]ExecReg, len(regDocs))
	for _, d := range regDocs {
		regs[d.ID] = decodeExecReg(d.ID, d.Data)
	}
	links := make([]ExecLink, 0, len(linkDocs))
	for _, d := range linkDocs {
		links = append(links, decodeLink(d.Data))
	}
	sort.Slice(links, func(i, j int) bool { return links[i].CreatedAt.Before(links[j].CreatedAt) })

	children := map[string][]ExecLink{}
	triggered := map[string]bool{}
	for _, l := range links {
		// Only follow links into execs we actually have a registration
		// for; an unknown triggeredExec simply has no subtree, matching
		// §8 scenario 6 ("C has no children because D is unknown").
		if _, ok := regs[l.TriggeredExecID]; !ok {
			continue
		}
		children[l.CallingExecID] = append(children[l.CallingExecID], l)
		triggered[l.TriggeredExecID] = true
	}

	var roots []string
	for id := range regs {
		if !triggered[id] {
			roots = append(roots, id)
		}
	}
	if len(roots) == 0 && len(regs) > 0 {
		roots = []string{newestExecID(regs)}
	}
	sort.Slice(roots, func(i, j int) bool { return regs[roots[i]].CreatedAt.After(regs[roots[j]].CreatedAt) })

	if latestOnly {
		if len(roots) == 0 {
			return nil, nil
		}
		newest := newestExecID(regs)
		node := buildNode(newest, regs, children, map[string]bool{})
		return []*Node{node}, nil
	}

	forest := make([]*Node, 0, len(roots))
	for _, id := range roots {
		forest = append(forest, buildNode(id, regs, children, map[string]bool{}))
	}
	return forest, nil
}

func newestExecID(regs map[string]ExecReg) string {
	var newest string
	var newestAt time.Time
	for id, r := range regs {
		if newest == "" || r.CreatedAt.After(newestAt) {
			newest = id
			newestAt = r.CreatedAt
		}
	}
	return newest
}

func buildNode(execID string, regs map[string]ExecReg, children map[string][]ExecLink, visited map[string]bool) *Node {
	reg := regs[execID]
	node := &Node{ExecID: execID, Status: reg.Status, Ended: reg.Ended}
	if visited[execID] {
		return node
	}
	visited[execID] = true
	for _, link := range children[execID] {
		node.Children = append(node.Children, buildNode(link.TriggeredExecID, regs, children, visited))
	}
	return node
}

func decodeExecReg(id string, data map[string]any) ExecReg {
	reg := ExecReg{ExecID: id}
	if v, ok := data["sessionId"].(string); ok {
		reg.SessionID = v
	}
	if v, ok := data["createdAt"].(string); ok {
		reg.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := data["status"].(string); ok {
		reg.Status = v
	} else {
		reg.Status = StatusUnknown
	}
	if v, ok := data["ended"].(bool); ok {
		reg.Ended = v
	}
	return reg
}

func decodeExecStatus(id string, data map[string]any) ExecStatus {
	s := ExecStatus{ExecID: id}
	if v, ok := data["status"].(string); ok {
		s.Status = v
	}
	s.Result = data["result"]
	s.Err = data["error"]
	s.Workflow = data["workflow"]
	if v, ok := data["ended"].(bool); ok {
		s.Ended = v
	}
	if v, ok := data["createdAt"].(string); ok {
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := data["updatedAt"].(string); ok {
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return s
}

func decodeLink(data map[string]any) ExecLink {
	l := ExecLink{}
	if v, ok := data["callingExec"].(string); ok {
		l.CallingExecID = v
	}
	if v, ok := data["triggeredExec"].(string); ok {
		l.TriggeredExecID = v
	}
	if v, ok := data["sessionId"].(string); ok {
		l.SessionID = v
	}
	if v, ok := data["createdAt"].(string); ok {
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return l
}
