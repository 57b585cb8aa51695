package catalog

import (
	"errors"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrTableExists   = errors.New("table already exists")
	ErrInvalidTable  = errors.New("invalid table definition")
)

// Table describes a heap file known to the catalog.
type Table struct {
	ID     common.FileID  `json:"id"`
	Name   string         `json:"name"`
	Path   string         `json:"path"`
	Schema storage.Schema `json:"schema"`
}

// Data is the on-disk form of the catalog.
type Data struct {
	Tables []Table `json:"tables"`
}
