// Package config loads reldoc settings from YAML with RELDOC_* environment
// overrides and turns them into a backend and store options.
package config

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/andreyvit/reldoc"
	"github.com/andreyvit/reldoc/dialect"
	"github.com/andreyvit/reldoc/kvdb"
	"github.com/andreyvit/reldoc/rel"
	"github.com/andreyvit/reldoc/sqldb"
)

const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

type Config struct {
	// Backend is one of memory, bolt, sqlite, postgres or mysql.
	Backend string `yaml:"backend"`

	// DSN is a file path for bolt and sqlite, a connection string otherwise.
	DSN string `yaml:"dsn"`

	TablePrefix     string   `yaml:"table_prefix"`
	Collections     []string `yaml:"collections"`
	Serializer      string   `yaml:"serializer"`
	PageSize        int      `yaml:"commands_page_size"`
	DisableBatching bool     `yaml:"disable_batching"`

	// Isolation is read-committed (default) or serializable.
	Isolation string `yaml:"isolation"`

	// IDBlockSize switches id allocation to blocks reserved in the
	// Identifiers table when positive.
	IDBlockSize int `yaml:"id_block_size"`

	Verbose bool `yaml:"verbose"`
}

func Default() *Config {
	return &Config{Backend: BackendMemory}
}

// Load reads a YAML file (skipped when path is empty), then applies
// environment overrides.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config")
		}
		if err := c.Parse(raw); err != nil {
			return nil, errors.Wrapf(err, "config %s", path)
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	for _, f := range overrides {
		f(c)
	}
	return c, c.Validate()
}

func (c *Config) Parse(raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.Wrap(err, "parsing YAML")
	}
	return nil
}

// ApplyEnv overrides fields from RELDOC_BACKEND, RELDOC_DSN,
// RELDOC_TABLE_PREFIX, RELDOC_COLLECTIONS (comma-separated),
// RELDOC_SERIALIZER, RELDOC_COMMANDS_PAGE_SIZE, RELDOC_DISABLE_BATCHING,
// RELDOC_ISOLATION, RELDOC_ID_BLOCK_SIZE and RELDOC_VERBOSE.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup("RELDOC_" + name); ok {
			*dst = v
		}
	}
	var errs error
	num := func(name string, dst *int) {
		if v, ok := lookup("RELDOC_" + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "RELDOC_%s", name))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup("RELDOC_" + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "RELDOC_%s", name))
				return
			}
			*dst = b
		}
	}

	str("BACKEND", &c.Backend)
	str("DSN", &c.DSN)
	str("TABLE_PREFIX", &c.TablePrefix)
	str("SERIALIZER", &c.Serializer)
	str("ISOLATION", &c.Isolation)
	if v, ok := lookup("RELDOC_COLLECTIONS"); ok {
		c.Collections = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Collections = append(c.Collections, s)
			}
		}
	}
	num("COMMANDS_PAGE_SIZE", &c.PageSize)
	num("ID_BLOCK_SIZE", &c.IDBlockSize)
	flag("DISABLE_BATCHING", &c.DisableBatching)
	flag("VERBOSE", &c.Verbose)
	return errs
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendBolt, BackendSQLite, BackendPostgres, BackendMySQL:
		if c.DSN == "" {
			return errors.Newf("config: backend %s requires dsn", c.Backend)
		}
	default:
		return errors.Newf("config: unknown backend %q", c.Backend)
	}
	if _, err := reldoc.SerializerByName(c.Serializer); err != nil {
		return err
	}
	if _, err := c.isolation(); err != nil {
		return err
	}
	if c.PageSize < 0 || c.IDBlockSize < 0 {
		return errors.New("config: commands_page_size and id_block_size must not be negative")
	}
	return nil
}

func (c *Config) isolation() (rel.IsolationLevel, error) {
	switch strings.ToLower(c.Isolation) {
	case "", "read-committed", "read_committed":
		return rel.IsolationReadCommitted, nil
	case "serializable":
		return rel.IsolationSerializable, nil
	default:
		return 0, errors.Newf("config: unknown isolation level %q", c.Isolation)
	}
}

// Backend is an open connection factory along with the concrete engine
// behind it.
type Backend struct {
	Factory rel.ConnectionFactory

	// KV is set for the memory and bolt backends.
	KV *kvdb.DB

	// SQL is set for the SQL backends.
	SQL *sqldb.Factory
}

func (b *Backend) Close() error {
	if b.KV != nil {
		return b.KV.Close()
	}
	return b.SQL.Close()
}

// SQLDialect returns the dialect of a SQL backend, nil for kvdb.
func (b *Backend) SQLDialect() dialect.Dialect {
	if b.SQL == nil {
		return nil
	}
	return b.SQL.SQLDialect()
}

func (c *Config) OpenBackend(logger *zap.Logger) (*Backend, error) {
	sqlOpt := sqldb.Options{Logger: logger, Verbose: c.Verbose}
	kvOpt := kvdb.Options{Logger: logger, Verbose: c.Verbose}
	switch c.Backend {
	case BackendMemory:
		db := kvdb.OpenMemory(kvOpt)
		return &Backend{Factory: db, KV: db}, nil
	case BackendBolt:
		db, err := kvdb.Open(c.DSN, kvOpt)
		if err != nil {
			return nil, err
		}
		return &Backend{Factory: db, KV: db}, nil
	case BackendSQLite:
		f, err := sqldb.OpenSQLite(c.DSN, sqlOpt)
		if err != nil {
			return nil, err
		}
		return &Backend{Factory: f, SQL: f}, nil
	case BackendPostgres:
		f, err := sqldb.OpenPostgres(c.DSN, sqlOpt)
		if err != nil {
			return nil, err
		}
		return &Backend{Factory: f, SQL: f}, nil
	case BackendMySQL:
		cfg, err := mysql.ParseDSN(c.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "config: mysql dsn")
		}
		f, err := sqldb.OpenMySQL(cfg, sqlOpt)
		if err != nil {
			return nil, err
		}
		return &Backend{Factory: f, SQL: f}, nil
	default:
		return nil, errors.Newf("config: unknown backend %q", c.Backend)
	}
}

// StoreOptions builds reldoc.Options for a store over b.
func (c *Config) StoreOptions(b *Backend, logger *zap.Logger) (reldoc.Options, error) {
	ser, err := reldoc.SerializerByName(c.Serializer)
	if err != nil {
		return reldoc.Options{}, err
	}
	level, err := c.isolation()
	if err != nil {
		return reldoc.Options{}, err
	}
	opt := reldoc.Options{
		TablePrefix:      c.TablePrefix,
		Logger:           logger,
		Verbose:          c.Verbose,
		Serializer:       ser,
		CommandsPageSize: c.PageSize,
		DisableBatching:  c.DisableBatching,
		IsolationLevel:   level,
	}
	if c.IDBlockSize > 0 {
		opt.IDGenerator = reldoc.NewBlockIDGenerator(b.Factory, c.TablePrefix+reldoc.IdentifiersTableName, c.IDBlockSize)
	}
	return opt, nil
}

// OpenStore opens the backend and a store over it.
func (c *Config) OpenStore(logger *zap.Logger) (*reldoc.Store, *Backend, error) {
	b, err := c.OpenBackend(logger)
	if err != nil {
		return nil, nil, err
	}
	opt, err := c.StoreOptions(b, logger)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	store, err := reldoc.Open(b.Factory, opt)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return store, b, nil
}
