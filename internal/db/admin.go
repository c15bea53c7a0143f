package db

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pear-sorter/internal/httputil"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
)

const defaultAdminLimit = 100

// AttachAdminRoutes mounts the database debug pages under /debug/ on mux:
//
//	/debug/tailsql/          live SQL console
//	/debug/windows?limit=N   recent windows as JSON
//	/debug/events?session=ID recent actuator events as JSON
//	/debug/sessions          recent actuator sessions as JSON
//	/debug/backup            gzipped snapshot of the database
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Sorter DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("windows", "Recent aggregation windows", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.RecentWindows(r.Context(), limitParam(r))
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, rows)
	}))

	debug.Handle("events", "Recent actuator events", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.RecentEvents(r.Context(), r.URL.Query().Get("session"), limitParam(r))
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, rows)
	}))

	debug.Handle("sessions", "Recent actuator sessions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.Sessions(r.Context(), limitParam(r))
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, rows)
	}))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 10000 {
		return defaultAdminLimit
	}
	return n
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "sorter-backup-")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to create backup dir: %v", err))
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			monitoring.Logger().Warn("failed to remove backup", "dir", dir, "err", err)
		}
	}()

	name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to create backup: %v", err))
		return
	}
	backupFile, err := os.Open(backupPath)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to open backup file: %v", err))
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logger().Warn("backup download interrupted", "err", err)
	}
}
