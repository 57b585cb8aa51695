package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/disk"
	"github.com/Blackdeer1524/HeapDB/src/storage/heap"
	"github.com/Blackdeer1524/HeapDB/src/storage/page"
)

const (
	catalogFile   = "catalog.json"
	heapExtension = ".heap"
)

type entry struct {
	meta Table
	file *heap.File
}

// Catalog maps table ids to heap files and their schemas. Its content is
// kept in catalog.json inside the base directory.
type Catalog struct {
	fs       afero.Fs
	basePath string
	disk     *disk.Manager

	mu     sync.RWMutex
	tables map[common.FileID]*entry
	byName map[string]common.FileID

	logger src.Logger
}

// TableID derives the id of a heap file from its absolute path.
func TableID(absPath string) common.FileID {
	return common.FileID(xxhash.Sum64String(filepath.Clean(absPath)))
}

func CatalogPath(basePath string) string {
	return filepath.Join(basePath, catalogFile)
}

func isFileExists(fs afero.Fs, path string) (bool, error) {
	_, err := fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// New opens the catalog stored in basePath, creating the directory if
// needed, and registers every known table with the disk manager.
func New(basePath string, fs afero.Fs, diskManager *disk.Manager, logger src.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	basePath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	if err := fs.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", basePath, err)
	}

	c := &Catalog{
		fs:       fs,
		basePath: basePath,
		disk:     diskManager,
		tables:   map[common.FileID]*entry{},
		byName:   map[string]common.FileID{},
		logger:   logger,
	}

	path := CatalogPath(basePath)
	ok, err := isFileExists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to check existence of catalog file: %w", err)
	}
	if !ok {
		logger.Infow("created empty catalog", "path", path)
		return c, nil
	}

	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal catalog file: %w", err)
	}

	for _, t := range data.Tables {
		if err := c.attach(t); err != nil {
			return nil, fmt.Errorf("failed to load table %q: %w", t.Name, err)
		}
	}
	logger.Infow("catalog loaded", "path", path, "tables", len(data.Tables))
	return c, nil
}

func (c *Catalog) BasePath() string {
	return c.basePath
}

func (c *Catalog) validate(name string, schema storage.Schema) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: bad table name %q", ErrInvalidTable, name)
	}
	if len(schema) == 0 {
		return fmt.Errorf("%w: table %q has no columns", ErrInvalidTable, name)
	}
	for _, col := range schema {
		if _, err := storage.ParseColumnType(string(col.Type)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTable, err)
		}
	}
	if page.SlotsPerPage(c.disk.PageSize(), schema.TupleSize()) == 0 {
		return fmt.Errorf(
			"%w: %w: tuple size %d, page size %d",
			ErrInvalidTable,
			page.ErrTupleTooWide,
			schema.TupleSize(),
			c.disk.PageSize(),
		)
	}
	return nil
}

// attach registers t with the disk manager and adds it to the in-memory maps.
// It does not persist anything.
func (c *Catalog) attach(t Table) error {
	if err := c.validate(t.Name, t.Schema); err != nil {
		return err
	}
	if _, ok := c.byName[t.Name]; ok {
		return fmt.Errorf("%w: %q", ErrTableExists, t.Name)
	}
	if other, ok := c.tables[t.ID]; ok {
		return fmt.Errorf(
			"%w: %s has the same id %d as table %q",
			ErrTableExists,
			t.Path,
			t.ID,
			other.meta.Name,
		)
	}

	if err := c.disk.Register(t.ID, t.Path); err != nil {
		return err
	}

	file := heap.NewFile(t.ID, t.Schema, c.disk)
	file.SetLogger(c.logger)

	c.tables[t.ID] = &entry{meta: t, file: file}
	c.byName[t.Name] = t.ID
	return nil
}

func (c *Catalog) detach(t Table) {
	delete(c.tables, t.ID)
	delete(c.byName, t.Name)
}

// CreateTable creates an empty heap file named after the table and
// registers it.
func (c *Catalog) CreateTable(name string, schema storage.Schema) (Table, error) {
	path := filepath.Join(c.basePath, fmt.Sprintf("%s_%s%s", name, uuid.NewString(), heapExtension))
	return c.AddTable(name, path, schema)
}

// AddTable registers the heap file at path under name. The file is created
// if it does not exist.
func (c *Catalog) AddTable(name string, path string, schema storage.Schema) (Table, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Table{}, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	t := Table{
		ID:     TableID(absPath),
		Name:   name,
		Path:   absPath,
		Schema: slices.Clone(schema),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.attach(t); err != nil {
		return Table{}, err
	}
	if err := c.saveAssumeLocked(); err != nil {
		c.detach(t)
		return Table{}, err
	}

	c.logger.Infow(
		"table created",
		"name", t.Name,
		"table_id", t.ID,
		"path", t.Path,
		"schema", t.Schema.String(),
	)
	return t, nil
}

// GetFile returns the heap file of the table with the given id.
func (c *Catalog) GetFile(fileID common.FileID) (*heap.File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.tables[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrTableNotFound, fileID)
	}
	return e.file, nil
}

func (c *Catalog) Table(fileID common.FileID) (Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.tables[fileID]
	if !ok {
		return Table{}, fmt.Errorf("%w: id %d", ErrTableNotFound, fileID)
	}
	return e.meta, nil
}

func (c *Catalog) TableByName(name string) (Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byName[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	return c.tables[id].meta, nil
}

// Tables lists every table ordered by name.
func (c *Catalog) Tables() []Table {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tables := make([]Table, 0, len(c.tables))
	for _, e := range c.tables {
		tables = append(tables, e.meta)
	}
	slices.SortFunc(tables, func(a, b Table) int {
		return strings.Compare(a.Name, b.Name)
	})
	return tables
}

// Save writes the catalog to disk.
func (c *Catalog) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.saveAssumeLocked()
}

func (c *Catalog) saveAssumeLocked() error {
	data := Data{Tables: make([]Table, 0, len(c.tables))}
	for _, e := range c.tables {
		data.Tables = append(data.Tables, e.meta)
	}
	slices.SortFunc(data.Tables, func(a, b Table) int {
		return strings.Compare(a.Name, b.Name)
	})

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize catalog: %w", err)
	}

	path := CatalogPath(c.basePath)
	tmpPath := path + ".tmp"

	if err := afero.WriteFile(c.fs, tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write temp catalog file: %w", err)
	}
	if err := c.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp catalog file: %w", err)
	}
	return nil
}
