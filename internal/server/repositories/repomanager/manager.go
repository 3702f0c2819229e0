package repomanager

import (
	"context"
	"database/sql"

	"github.com/avolkov/filedepot/internal/dbx"
	"github.com/avolkov/filedepot/internal/server/repositories/access"
	"github.com/avolkov/filedepot/internal/server/repositories/files"
	"github.com/avolkov/filedepot/internal/server/repositories/grants"
	"github.com/avolkov/filedepot/internal/server/repositories/uploads"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Files(db dbx.DBTX) files.Repository
	Access(db dbx.DBTX) access.Repository
	Grants(db dbx.DBTX) grants.Repository
	Uploads(db dbx.DBTX) uploads.Repository
}
