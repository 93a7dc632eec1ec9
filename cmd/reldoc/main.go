// Command reldoc prints, creates and inspects the tables of a document store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andreyvit/reldoc"
	"github.com/andreyvit/reldoc/config"
	"github.com/andreyvit/reldoc/dialect"
	"github.com/andreyvit/reldoc/kvdb"
	"github.com/andreyvit/reldoc/rel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reldoc: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	backend    string
	dsn        string
	prefix     string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "reldoc",
		Short:         "Manage reldoc document store tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&g.backend, "backend", "", "storage backend (memory, bolt, sqlite, postgres, mysql)")
	pf.StringVar(&g.dsn, "dsn", "", "backend data source: a file path or a connection string")
	pf.StringVar(&g.prefix, "prefix", "", "table name prefix")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log every statement")

	root.AddCommand(newDDLCmd(g), newInitCmd(g), newInspectCmd(g))
	return root
}

func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(g.configPath, func(c *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("backend") {
			c.Backend = g.backend
		}
		if flags.Changed("dsn") {
			c.DSN = g.dsn
		}
		if flags.Changed("prefix") {
			c.TablePrefix = g.prefix
		}
		if g.verbose {
			c.Verbose = true
		}
	})
}

func (g *globalFlags) logger(c *config.Config) (*zap.Logger, error) {
	if !c.Verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

// collections lists the default collection followed by the configured ones.
func collections(c *config.Config) []string {
	colls := []string{""}
	for _, name := range c.Collections {
		if !slices.Contains(colls, name) {
			colls = append(colls, name)
		}
	}
	return colls
}

func newDDLCmd(g *globalFlags) *cobra.Command {
	var dialectName string
	cmd := &cobra.Command{
		Use:   "ddl",
		Short: "Print CREATE TABLE statements for a SQL dialect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := dialect.ByName(dialectName)
			if err != nil {
				return err
			}
			c, err := g.load(cmd)
			if err != nil {
				return err
			}
			// The store only computes names here; nothing touches the database.
			db := kvdb.OpenMemory(kvdb.Options{})
			defer db.Close()
			store, err := reldoc.Open(db, reldoc.Options{TablePrefix: c.TablePrefix})
			if err != nil {
				return err
			}
			return writeDDL(cmd.OutOrStdout(), d, store.Schema(collections(c)...))
		},
	}
	cmd.Flags().StringVarP(&dialectName, "dialect", "d", "postgres", "SQL dialect (postgres, mysql, sqlite)")
	return cmd
}

func writeDDL(w io.Writer, d dialect.Dialect, tables []*rel.CreateTable) error {
	for _, ct := range tables {
		for _, stmt := range dialect.DDL(d, ct) {
			if _, err := fmt.Fprintf(w, "%s;\n", stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

func newInitCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the document and identifier tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.load(cmd)
			if err != nil {
				return err
			}
			logger, err := g.logger(c)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, b, err := c.OpenStore(logger)
			if err != nil {
				return err
			}
			defer b.Close()

			colls := collections(c)
			if err := store.InitSchema(cmd.Context(), colls...); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ct := range store.Schema(colls...) {
				fmt.Fprintf(out, "%s\n", ct.Table)
			}
			return nil
		},
	}
}

type typeStats struct {
	typ   string
	count int64
	bytes uint64
}

func newInspectCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Summarize stored documents by type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.load(cmd)
			if err != nil {
				return err
			}
			logger, err := g.logger(c)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, b, err := c.OpenStore(logger)
			if err != nil {
				return err
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			if b.KV != nil {
				if err := writeKVTables(out, b.KV); err != nil {
					return err
				}
			}
			for _, coll := range collections(c) {
				stats, err := documentStats(cmd.Context(), store, coll)
				if err != nil {
					return err
				}
				writeStats(out, store.DocumentTable(coll), stats)
			}
			return nil
		},
	}
}

func writeKVTables(w io.Writer, db *kvdb.DB) error {
	tables, err := db.Tables()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "file size: %s\n", humanize.IBytes(uint64(db.Size())))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tCOLUMNS\tROWS")
	for _, t := range tables {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", t.Def.Table, len(t.Def.Columns), humanize.Comma(int64(t.Rows)))
	}
	return tw.Flush()
}

// documentStats scans a document table inside a read-only session.
func documentStats(ctx context.Context, store *reldoc.Store, collection string) ([]typeStats, error) {
	s := store.NewSession()
	s.Cancel()
	defer s.Close(ctx)

	tx, err := s.Tx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, &rel.Select{
		Table:   store.DocumentTable(collection),
		Columns: []string{"Type", "Content"},
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byType := make(map[string]*typeStats)
	var stats []typeStats
	var order []string
	for rows.Next() {
		var typ string
		var content []byte
		if err := rows.Scan(&typ, &content); err != nil {
			return nil, errors.Wrap(err, "scanning document")
		}
		st := byType[typ]
		if st == nil {
			st = &typeStats{typ: typ}
			byType[typ] = st
			order = append(order, typ)
		}
		st.count++
		st.bytes += uint64(len(content))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Sort(order)
	for _, typ := range order {
		stats = append(stats, *byType[typ])
	}
	return stats, nil
}

func writeStats(w io.Writer, table string, stats []typeStats) {
	fmt.Fprintf(w, "\n%s\n", table)
	if len(stats) == 0 {
		fmt.Fprintln(w, "  (empty)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  TYPE\tDOCUMENTS\tCONTENT")
	for _, st := range stats {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", st.typ, humanize.Comma(st.count), humanize.IBytes(st.bytes))
	}
	tw.Flush()
}
