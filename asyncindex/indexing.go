// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package asyncindex

// IndexSpec is the external collaborator spec.md §1 names as out of
// scope: the schema and data structures of one search index. The core
// only ever needs its name and whether it has been deleted mid-drain.
type IndexSpec interface {
	Name() string
	Deleted() bool
}

// RuleIndexableDocument is a queued mutation: the retained document key and
// the attribute set computed by the matching phase (index name, language,
// score, payload, etc. — spec.md §3).
type RuleIndexableDocument struct {
	Key        string
	Attributes map[string]interface{}
}

// AddDocumentCtx is the external per-document context the document-analysis
// pipeline uses (spec.md §1's "Indexer, AddDocumentCtx").
type AddDocumentCtx interface {
	Close()
}

// Batch is a per-drain-cycle instance of the document-analysis pipeline,
// scoped to one IndexSpec for the duration of one drain (spec §4.D
// "Draining a batch").
type Batch interface {
	// NewAddDocumentCtx initializes an AddDocumentCtx against the index
	// and key. Must be called while the host lock is held.
	NewAddDocumentCtx(key string) (AddDocumentCtx, error)
	// Add hands ctx to the document-analysis pipeline for doc.
	Add(ctx AddDocumentCtx, doc RuleIndexableDocument) error
	// Commit commits the batch's accumulated writes.
	Commit() error
	// Discard abandons the batch (the index was deleted mid-drain).
	Discard() error
	// Close destroys this batch instance.
	Close()
}

// Indexer is the document-analysis pipeline entry point: it mints a fresh
// Batch for one drain cycle against spec.
type Indexer interface {
	NewBatch(spec IndexSpec) (Batch, error)
}
