/*
Package reldoc stores Go structs as serialized documents in a relational
database and maintains query tables (indexes) derived from them.

# Tables

Every collection has a document table (Id, Type, Content, Version). The
default collection's table is named Document; a collection named Archive
uses Archive_Document. Options.TablePrefix is prepended to every name.

A map index is a table with one row per document (or several, or none),
computed by a projection function and linked back through its DocumentId
column.

A reduce index is a table with one row per group key, folding the
contributions of many documents. A bridge table, {Index}_Document, records
which documents fed each row.

# Sessions

A Session is a unit of work. Save and Delete only stage changes; Flush
(called by Close, Get and QueryIndex) turns them into commands and executes
them in ExecutionOrder:

	0  create document, custom commands
	1  delete index rows
	2  create index rows
	3  update index rows and documents
	4  delete document

Document updates carry a version check. A document changed by another
session since it was loaded fails the flush with a *ConcurrencyError, which
matches ErrConcurrency. The session does not retry.

# Backends

Sessions talk to a rel.ConnectionFactory. Package sqldb serves PostgreSQL,
MySQL and SQLite through database/sql; package kvdb is an embedded engine on
top of Bolt (or memory) that evaluates the same statements without SQL.
*/
package reldoc
