package reldoc

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/andreyvit/reldoc/rel"
)

// Execution orders. Commands run in ascending order, so index rows are
// deleted before new ones claim their group keys, documents exist before
// index rows reference them, and documents go last.
const (
	OrderCreateDocument = 0
	OrderDeleteIndex    = 1
	OrderCreateIndex    = 2
	OrderUpdate         = 3
	OrderDeleteDocument = 4
)

// Command is one unit of work executed during a flush.
type Command interface {
	ExecutionOrder() int
	Execute(ctx context.Context, tx rel.Transaction, d rel.Dialect) error
}

// Batchable commands can be merged into a statement batch instead of being
// executed on their own. TryMergeIntoBatch returns false to refuse.
type Batchable interface {
	Command
	TryMergeIntoBatch(d rel.Dialect, b *Batch) bool
}

// Batch accumulates statements sent to the backend together.
type Batch struct {
	stmts []rel.Statement
}

func (b *Batch) Add(stmts ...rel.Statement) { b.stmts = append(b.stmts, stmts...) }
func (b *Batch) Len() int                   { return len(b.stmts) }
func (b *Batch) reset()                     { b.stmts = b.stmts[:0] }

// statementCommand is a batchable command made of statements whose results
// are not inspected.
type statementCommand interface {
	Batchable
	statements() []rel.Statement
}

func execStatements(ctx context.Context, tx rel.Transaction, stmts []rel.Statement) error {
	if len(stmts) == 1 {
		_, err := tx.Exec(ctx, stmts[0])
		return err
	}
	return tx.ExecBatch(ctx, stmts)
}

type createDocumentCommand struct {
	table string
	doc   *Document
}

func (c *createDocumentCommand) ExecutionOrder() int { return OrderCreateDocument }

func (c *createDocumentCommand) statements() []rel.Statement {
	return []rel.Statement{&rel.Insert{
		Table:   c.table,
		Columns: documentColumns,
		Values:  []any{c.doc.ID, c.doc.Type, c.doc.Content, c.doc.Version},
	}}
}

func (c *createDocumentCommand) Execute(ctx context.Context, tx rel.Transaction, _ rel.Dialect) error {
	return execStatements(ctx, tx, c.statements())
}

func (c *createDocumentCommand) TryMergeIntoBatch(_ rel.Dialect, b *Batch) bool {
	b.Add(c.statements()...)
	return true
}

type updateDocumentCommand struct {
	table        string
	doc          *Document
	checkVersion int64
}

func (c *updateDocumentCommand) ExecutionOrder() int { return OrderUpdate }

func (c *updateDocumentCommand) statement() *rel.Update {
	where := []rel.Cond{rel.Eq("Id", c.doc.ID)}
	switch {
	case c.checkVersion == 0:
		where = append(where, rel.EqOrNull("Version", int64(0)))
	case c.checkVersion > 0:
		where = append(where, rel.Eq("Version", c.checkVersion))
	}
	return &rel.Update{
		Table:   c.table,
		Columns: []string{"Type", "Content", "Version"},
		Values:  []any{c.doc.Type, c.doc.Content, c.doc.Version},
		Where:   where,
	}
}

func (c *updateDocumentCommand) Execute(ctx context.Context, tx rel.Transaction, _ rel.Dialect) error {
	res, err := tx.Exec(ctx, c.statement())
	if err != nil {
		return err
	}
	if c.checkVersion != NoVersionCheck && res.RowsAffected != 1 {
		return &ConcurrencyError{Table: c.table, DocumentID: c.doc.ID, Version: c.checkVersion}
	}
	return nil
}

// TryMergeIntoBatch refuses version-checked updates, which need their
// affected row count.
func (c *updateDocumentCommand) TryMergeIntoBatch(_ rel.Dialect, b *Batch) bool {
	if c.checkVersion != NoVersionCheck {
		return false
	}
	b.Add(c.statement())
	return true
}

type deleteDocumentCommand struct {
	table string
	id    int64
}

func (c *deleteDocumentCommand) ExecutionOrder() int { return OrderDeleteDocument }

func (c *deleteDocumentCommand) statements() []rel.Statement {
	return []rel.Statement{&rel.Delete{Table: c.table, Where: []rel.Cond{rel.Eq("Id", c.id)}}}
}

func (c *deleteDocumentCommand) Execute(ctx context.Context, tx rel.Transaction, _ rel.Dialect) error {
	return execStatements(ctx, tx, c.statements())
}

func (c *deleteDocumentCommand) TryMergeIntoBatch(_ rel.Dialect, b *Batch) bool {
	b.Add(c.statements()...)
	return true
}

type createMapIndexCommand struct {
	table *indexTable
	index any
	docID int64
}

func (c *createMapIndexCommand) ExecutionOrder() int { return OrderCreateIndex }

func (c *createMapIndexCommand) statements() []rel.Statement {
	c.index.(mapIndexer).mapIndex().DocumentID = c.docID
	return []rel.Statement{&rel.Insert{
		Table:   c.table.name,
		Columns: append([]string{"DocumentId"}, c.table.columnNames()...),
		Values:  append([]any{c.docID}, c.table.values(c.index)...),
	}}
}

func (c *createMapIndexCommand) Execute(ctx context.Context, tx rel.Transaction, _ rel.Dialect) error {
	return execStatements(ctx, tx, c.statements())
}

func (c *createMapIndexCommand) TryMergeIntoBatch(_ rel.Dialect, b *Batch) bool {
	b.Add(c.statements()...)
	return true
}

// updateMapIndexCommand rewrites the single row a document has in a map
// index.
type updateMapIndexCommand struct {
	table *indexTable
	index any
	docID int64
}

func (c *updateMapIndexCommand) ExecutionOrder() int { return OrderUpdate }

func (c *updateMapIndexCommand) statements() []rel.Statement {
	c.index.(mapIndexer).mapIndex().DocumentID = c.docID
	return []rel.Statement{&rel.Update{
		Table:   c.table.name,
		Columns: c.table.columnNames(),
		Values:  c.table.values(c.index),
		Where:   []rel.Cond{rel.Eq("DocumentId", c.docID)},
	}}
}

func (c *updateMapIndexCommand) Execute(ctx context.Context, tx rel.Transaction, _ rel.Dialect) error {
	return execStatements(ctx, tx, c.statements())
}

func (c *updateMapIndexCommand) TryMergeIntoBatch(_ rel.Dialect, b *Batch) bool {
	b.Add(c.statements()...)
	return true
}

// deleteMapIndexCommand removes every row a document has in a map index.
type deleteMapIndexCommand struct {
	table *indexTable
	docID int64
}

func (c *deleteMapIndexCommand) ExecutionOrder() int { return OrderDeleteIndex }

func (c *deleteMapIndexCommand) statements() []rel.Statement {
	return []rel.Statement{&rel.Delete{Table: c.table.name, Where: []rel.Cond{rel.Eq("DocumentId", c.docID)}}}
}

func (c *deleteMapIndexCommand) Execute(ctx context.Context, tx rel.Transaction, _ rel.Dialect) error {
	return execStatements(ctx, tx, c.statements())
}

func (c *deleteMapIndexCommand) TryMergeIntoBatch(_ rel.Dialect, b *Batch) bool {
	b.Add(c.statements()...)
	return true
}

// createReduceIndexCommand inserts a new aggregate row and links it to its
// documents. It needs the generated row id, so it never joins a batch.
type createReduceIndexCommand struct {
	table *indexTable
	index any
	added []int64
}

func (c *createReduceIndexCommand) ExecutionOrder() int { return OrderCreateIndex }

func (c *createReduceIndexCommand) Execute(ctx context.Context, tx rel.Transaction, _ rel.Dialect) error {
	res, err := tx.Exec(ctx, &rel.Insert{
		Table:     c.table.name,
		Columns:   c.table.columnNames(),
		Values:    c.table.values(c.index),
		Returning: "Id",
	})
	if err != nil {
		return err
	}
	if res.LastInsertID == 0 {
		return errors.AssertionFailedf("reldoc: no identity returned for a new %s row", c.table.name)
	}
	id := res.LastInsertID
	c.index.(reduceIndexer).reduceIndex().ID = id
	if len(c.added) == 0 {
		return nil
	}
	return tx.ExecBatch(ctx, bridgeInserts(c.table, id, c.added))
}

type updateReduceIndexCommand struct {
	table   *indexTable
	index   any
	added   []int64
	removed []int64
}

func (c *updateReduceIndexCommand) ExecutionOrder() int { return OrderUpdate }

func (c *updateReduceIndexCommand) statements() []rel.Statement {
	id := c.index.(reduceIndexer).reduceIndex().ID
	stmts := []rel.Statement{&rel.Update{
		Table:   c.table.name,
		Columns: c.table.columnNames(),
		Values:  c.table.values(c.index),
		Where:   []rel.Cond{rel.Eq("Id", id)},
	}}
	if len(c.removed) > 0 {
		stmts = append(stmts, &rel.Delete{
			Table: c.table.bridge,
			Where: []rel.Cond{rel.Eq(c.table.bridgeColumn, id), rel.In("DocumentId", int64sToAny(c.removed)...)},
		})
	}
	return append(stmts, bridgeInserts(c.table, id, c.added)...)
}

func (c *updateReduceIndexCommand) Execute(ctx context.Context, tx rel.Transaction, _ rel.Dialect) error {
	return execStatements(ctx, tx, c.statements())
}

func (c *updateReduceIndexCommand) TryMergeIntoBatch(_ rel.Dialect, b *Batch) bool {
	b.Add(c.statements()...)
	return true
}

// deleteReduceIndexCommand removes an aggregate row, bridge rows first.
type deleteReduceIndexCommand struct {
	table *indexTable
	id    int64
}

func (c *deleteReduceIndexCommand) ExecutionOrder() int { return OrderDeleteIndex }

func (c *deleteReduceIndexCommand) statements() []rel.Statement {
	return []rel.Statement{
		&rel.Delete{Table: c.table.bridge, Where: []rel.Cond{rel.Eq(c.table.bridgeColumn, c.id)}},
		&rel.Delete{Table: c.table.name, Where: []rel.Cond{rel.Eq("Id", c.id)}},
	}
}

func (c *deleteReduceIndexCommand) Execute(ctx context.Context, tx rel.Transaction, _ rel.Dialect) error {
	return execStatements(ctx, tx, c.statements())
}

func (c *deleteReduceIndexCommand) TryMergeIntoBatch(_ rel.Dialect, b *Batch) bool {
	b.Add(c.statements()...)
	return true
}

func bridgeInserts(t *indexTable, id int64, docIDs []int64) []rel.Statement {
	stmts := make([]rel.Statement, len(docIDs))
	for i, docID := range docIDs {
		stmts[i] = &rel.Insert{
			Table:   t.bridge,
			Columns: []string{t.bridgeColumn, "DocumentId"},
			Values:  []any{id, docID},
		}
	}
	return stmts
}

func int64sToAny(vals []int64) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func commandKind(cmd Command) string {
	switch cmd.(type) {
	case *createDocumentCommand:
		return "create_document"
	case *updateDocumentCommand:
		return "update_document"
	case *deleteDocumentCommand:
		return "delete_document"
	case *createMapIndexCommand:
		return "create_map_index"
	case *updateMapIndexCommand:
		return "update_map_index"
	case *deleteMapIndexCommand:
		return "delete_map_index"
	case *createReduceIndexCommand:
		return "create_reduce_index"
	case *updateReduceIndexCommand:
		return "update_reduce_index"
	case *deleteReduceIndexCommand:
		return "delete_reduce_index"
	default:
		return "custom"
	}
}

// executeCommands runs commands in execution order. Consecutive batchable
// commands are sent together, up to pageSize statements at a time.
func (s *Session) executeCommands(ctx context.Context, tx rel.Transaction, d rel.Dialect, cmds []Command) error {
	slices.SortStableFunc(cmds, func(a, b Command) int {
		return a.ExecutionOrder() - b.ExecutionOrder()
	})

	m := s.store.metrics
	batching := !s.store.opt.DisableBatching && d.SupportsBatch()
	pageSize := s.store.opt.CommandsPageSize
	var batch Batch
	flushBatch := func() error {
		if batch.Len() == 0 {
			return nil
		}
		s.logf("reldoc: session %s: batch of %d statements", s.id, batch.Len())
		m.batches.Inc()
		err := tx.ExecBatch(ctx, batch.stmts)
		batch.reset()
		return err
	}

	for _, cmd := range cmds {
		m.commands.WithLabelValues(commandKind(cmd)).Inc()
		if batching {
			if b, ok := cmd.(Batchable); ok && b.TryMergeIntoBatch(d, &batch) {
				if batch.Len() >= pageSize {
					if err := flushBatch(); err != nil {
						return err
					}
				}
				continue
			}
		}
		if err := flushBatch(); err != nil {
			return err
		}
		if err := cmd.Execute(ctx, tx, d); err != nil {
			if errors.Is(err, ErrConcurrency) {
				m.conflicts.Inc()
			}
			return err
		}
	}
	return flushBatch()
}
