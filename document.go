package reldoc

import "github.com/andreyvit/reldoc/rel"

// Document is the persisted envelope of one entity.
type Document struct {
	ID      int64
	Type    string
	Content []byte

	// Version is 1 after the document is created and grows by one with every
	// update. Rows written by older tools may hold NULL, read as 0.
	Version int64
}

const (
	DocumentTableName    = "Document"
	IdentifiersTableName = "Identifiers"
)

// collectionPrefix is the table name prefix of a collection, "" for the
// default collection.
func collectionPrefix(collection string) string {
	if collection == "" {
		return ""
	}
	return collection + "_"
}

// DocumentTable returns the physical name of a collection's document table.
func (s *Store) DocumentTable(collection string) string {
	return s.opt.TablePrefix + collectionPrefix(collection) + DocumentTableName
}

func (s *Store) IdentifiersTable() string {
	return s.opt.TablePrefix + IdentifiersTableName
}

func documentSchema(table string) *rel.CreateTable {
	return &rel.CreateTable{
		Table: table,
		Columns: []rel.Column{
			{Name: "Id", Kind: rel.KindInt64},
			{Name: "Type", Kind: rel.KindString},
			{Name: "Content", Kind: rel.KindBytes},
			{Name: "Version", Kind: rel.KindInt64, Nullable: true},
		},
		PrimaryKey: []string{"Id"},
	}
}

func identifiersSchema(table string) *rel.CreateTable {
	return &rel.CreateTable{
		Table: table,
		Columns: []rel.Column{
			{Name: "Dimension", Kind: rel.KindString},
			{Name: "NextVal", Kind: rel.KindInt64},
		},
		PrimaryKey: []string{"Dimension"},
	}
}

var documentColumns = []string{"Id", "Type", "Content", "Version"}

func scanDocument(rows rel.Rows) (*Document, error) {
	var doc Document
	var version *int64
	if err := rows.Scan(&doc.ID, &doc.Type, &doc.Content, &version); err != nil {
		return nil, err
	}
	if version != nil {
		doc.Version = *version
	}
	return &doc, nil
}
