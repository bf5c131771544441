package pipeline

import (
	"context"
)

// archiveDocument upserts the preprocessed payload into the document
// store under the deterministic ID the preprocessing expression derived.
// Redeliveries replay the same ID, so duplicate archival is idempotent.
func (h *Handler) archiveDocument(ctx context.Context, pre *PreprocessResult) error {
	id, err := pre.DocumentID()
	if err != nil {
		return err
	}

	doc, ok := pre.Payload.(map[string]any)
	if !ok {
		doc = map[string]any{"payload": pre.Payload}
	}

	return h.archive.Upsert(ctx, h.archiveCollection, id, doc)
}
