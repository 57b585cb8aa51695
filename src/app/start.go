package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/HeapDB/src"
)

const CloseTimeout = 15 * time.Second

// Entrypoint owns the process-wide resources of a command: configuration,
// logger and the opened database.
type Entrypoint struct {
	Env Config
	DB  *Database

	log src.Logger
}

func NewLogger(environment string) (*zap.SugaredLogger, error) {
	var (
		log *zap.Logger
		err error
	)
	if environment == EnvDev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return log.Sugar(), nil
}

// Init loads the environment unless Env is already filled, then opens the
// database on the OS file system.
func (e *Entrypoint) Init(_ context.Context) error {
	if e.Env == (Config{}) {
		e.Env = mustLoadEnv()
	}

	log, err := NewLogger(e.Env.Environment)
	if err != nil {
		return err
	}
	e.log = log

	e.DB, err = Open(e.Env, afero.NewOsFs(), log)
	return err
}

func (e *Entrypoint) Logger() src.Logger {
	return e.log
}

func (e *Entrypoint) Close() (err error) {
	if e.DB != nil {
		err = e.DB.Close(context.Background())
	}

	if e.log != nil {
		if err != nil {
			e.log.Error("failed to close database", zap.Error(err))
		}

		// stderr can't be synced on some platforms
		_ = e.log.Sync()
	}

	return
}
