// Package store holds the on-device state of the sync engine: one cache
// snapshot per collection and the ordered log of operations not yet
// confirmed by the remote store.
//
// Two implementations share the same method set. SQLiteStore is durable and
// is what the CLI uses; MemoryStore backs tests and ephemeral sessions.
package store

import (
	"github.com/hyperengineering/formsync/internal/types"
)

// upsertDocument replaces the document with doc.ID or appends it, then
// restores the snapshot order.
func upsertDocument(docs []types.Document, doc types.Document) []types.Document {
	out := make([]types.Document, 0, len(docs)+1)
	for _, d := range docs {
		if d.ID != doc.ID {
			out = append(out, d)
		}
	}
	out = append(out, doc)
	types.SortDocuments(out, types.DefaultOrder)
	return out
}

// removeDocument drops the document with id. Missing ids are ignored.
func removeDocument(docs []types.Document, id string) []types.Document {
	out := make([]types.Document, 0, len(docs))
	for _, d := range docs {
		if d.ID != id {
			out = append(out, d)
		}
	}
	return out
}

// renameDocument moves the document at oldID to newID. If newID is already
// present the old entry is dropped in its favour.
func renameDocument(docs []types.Document, oldID, newID string) []types.Document {
	exists := false
	for _, d := range docs {
		if d.ID == newID {
			exists = true
			break
		}
	}
	out := make([]types.Document, 0, len(docs))
	for _, d := range docs {
		if d.ID == oldID {
			if exists {
				continue
			}
			d.ID = newID
		}
		out = append(out, d)
	}
	types.SortDocuments(out, types.DefaultOrder)
	return out
}

// applyChange returns the snapshot after c, trimmed to c.Retain.
func applyChange(docs []types.Document, c types.Change) []types.Document {
	if c.Upsert != nil {
		docs = upsertDocument(docs, *c.Upsert)
	}
	if c.RemoveID != "" {
		docs = removeDocument(docs, c.RemoveID)
	}
	return sortedCopy(types.RetainNewest(docs, c.Retain))
}

func sortedCopy(docs []types.Document) []types.Document {
	out := make([]types.Document, len(docs))
	copy(out, docs)
	types.SortDocuments(out, types.DefaultOrder)
	return out
}
