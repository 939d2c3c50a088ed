package mcpserver

import (
	"context"

	"github.com/branchmind-dev/branchmind/internal/graph"
)

// handleGraph exposes the reduced anchor/card graph view: op=snapshot
// (default) | op=query (tag/status filtered) | op=link_anchor.
func (s *Server) handleGraph(ctx context.Context, a Args) *Response {
	workspace := s.deps.workspaceOf(a)
	branch := s.deps.branchOf(a)
	if workspace == "" {
		return fail(ErrInvalidInput, "no workspace resolved", "pass args.workspace or configure [workspace].default")
	}
	op := a.String("op", "snapshot")

	switch op {
	case "snapshot":
		view, err := s.reduceView(workspace, branch)
		if err != nil {
			return fail(ErrStoreError, "reduce graph", err.Error())
		}
		return ok(map[string]any{"view": view})

	case "query":
		view, err := s.reduceView(workspace, branch)
		if err != nil {
			return fail(ErrStoreError, "reduce graph", err.Error())
		}
		filter := graph.QueryFilter{
			Type:   a.String("type", ""),
			Status: a.String("status", ""),
			Tag:    a.String("tag", ""),
			Since:  int64(a.Int("since", 0)),
			Limit:  a.Int("limit", 0),
		}
		result := graph.Query(view, filter)
		return ok(map[string]any{"result": result})

	case "link_anchor":
		anchorID := a.String("anchor_id", "")
		cardID := a.String("card_id", "")
		if anchorID == "" || cardID == "" {
			return fail(ErrInvalidInput, "args.anchor_id and args.card_id are required", "")
		}
		tx, err := s.deps.DB.Begin()
		if err != nil {
			return fail(ErrStoreError, "begin tx", err.Error())
		}
		defer tx.Rollback()
		if err := graph.LinkAnchor(tx, workspace, anchorID, cardID, nowMs()); err != nil {
			return fail(ErrStoreError, "link anchor", err.Error())
		}
		if err := tx.Commit(); err != nil {
			return fail(ErrStoreError, "commit", err.Error())
		}
		return ok(map[string]any{"linked": true})

	default:
		return fail(ErrUnknownOp, "unknown graph op", "valid ops: snapshot, query, link_anchor")
	}
}

func (s *Server) reduceView(workspace, branch string) (*graph.View, error) {
	entries, err := s.deps.Docs.Tail(workspace, branch, 500)
	if err != nil {
		return nil, err
	}
	return graph.Reduce(entries), nil
}
