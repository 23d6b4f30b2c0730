package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/helm-gateway/pkg/audit"
	"github.com/Mindburn-Labs/helm-gateway/pkg/config"
	"github.com/Mindburn-Labs/helm-gateway/pkg/database"
	"github.com/Mindburn-Labs/helm-gateway/pkg/manifest"
)

// storeFlags selects a backend the same way GATEWAY_*_BACKEND does.
type storeFlags struct {
	backend string
	path    string
	dir     string
	dsn     string
}

func (f *storeFlags) register(cmd *flag.FlagSet, withDir bool) {
	cmd.StringVar(&f.backend, "backend", string(config.BackendFile), "Backend: file, sqlite or postgres")
	cmd.StringVar(&f.path, "path", "", "Audit JSONL file (file) or database file (sqlite)")
	cmd.StringVar(&f.dsn, "dsn", "", "Postgres connection string")
	if withDir {
		cmd.StringVar(&f.dir, "dir", "", "Manifest directory (file backend)")
	}
}

func (f *storeFlags) openDB(ctx context.Context) (*sql.DB, error) {
	switch config.Backend(f.backend) {
	case config.BackendSQLite:
		if f.path == "" {
			return nil, errors.New("--path is required for sqlite")
		}
		return database.Open(ctx, database.KindSQLite, f.path)
	case config.BackendPostgres:
		if f.dsn == "" {
			return nil, errors.New("--dsn is required for postgres")
		}
		return database.Open(ctx, database.KindPostgres, f.dsn)
	default:
		return nil, fmt.Errorf("unknown backend %q", f.backend)
	}
}

func (f *storeFlags) openAudit(ctx context.Context) (audit.Backend, func(), error) {
	if config.Backend(f.backend) == config.BackendFile {
		if f.path == "" {
			return nil, nil, errors.New("--path is required for the file backend")
		}
		fb, err := audit.OpenFileBackend(f.path)
		if err != nil {
			return nil, nil, err
		}
		return fb, func() { _ = fb.Close() }, nil
	}
	db, err := f.openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	sb := audit.NewSQLBackend(db)
	if err := sb.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return sb, func() { _ = db.Close() }, nil
}

func (f *storeFlags) openManifests(ctx context.Context) (*manifest.Store, func(), error) {
	var (
		backend manifest.Backend
		cleanup = func() {}
	)
	if config.Backend(f.backend) == config.BackendFile {
		if f.dir == "" {
			return nil, nil, errors.New("--dir is required for the file backend")
		}
		fb, err := manifest.NewFileBackend(f.dir)
		if err != nil {
			return nil, nil, err
		}
		backend = fb
	} else {
		db, err := f.openDB(ctx)
		if err != nil {
			return nil, nil, err
		}
		sb := manifest.NewSQLBackend(db)
		if err := sb.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		backend = sb
		cleanup = func() { _ = db.Close() }
	}
	store, err := manifest.Open(ctx, backend)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return store, func() {
		_ = store.Close()
		cleanup()
	}, nil
}

// runVerifyAuditCmd implements `gatewayctl verify-audit`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-audit", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		sf         storeFlags
		jsonOutput bool
	)
	sf.register(cmd, false)
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	backend, closeFn, err := sf.openAudit(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeFn()

	var res audit.VerifyResult
	records, err := backend.Load(ctx)
	var corrupt *audit.CorruptRecordError
	switch {
	case errors.As(err, &corrupt):
		res = audit.VerifyResult{Records: corrupt.Index, FailedIndex: corrupt.Index, Reason: corrupt.Error()}
	case err != nil:
		_, _ = fmt.Fprintf(stderr, "Error: cannot read audit chain: %v\n", err)
		return 2
	default:
		res = audit.Verify(records)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if res.Valid {
		_, _ = fmt.Fprintf(stdout, "Audit chain verification PASSED (%d records)\n", res.Records)
	} else {
		_, _ = fmt.Fprintf(stdout, "Audit chain verification FAILED at record %d", res.FailedIndex)
		if res.FailedRecordID != "" {
			_, _ = fmt.Fprintf(stdout, " (%s)", res.FailedRecordID)
		}
		_, _ = fmt.Fprintf(stdout, ": %s\n", res.Reason)
	}
	if !res.Valid {
		return 1
	}
	return 0
}

// runVerifyManifestsCmd implements `gatewayctl verify-manifests` with the
// same exit codes as verify-audit.
func runVerifyManifestsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-manifests", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		sf         storeFlags
		jsonOutput bool
	)
	sf.register(cmd, true)
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	store, closeFn, err := sf.openManifests(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeFn()

	res, err := store.VerifyChain(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read manifests: %v\n", err)
		return 2
	}
	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if res.Valid {
		_, _ = fmt.Fprintf(stdout, "Manifest chain verification PASSED (%d manifests)\n", res.Manifests)
	} else {
		_, _ = fmt.Fprintf(stdout, "Manifest chain verification FAILED at manifest %d (%s): %s\n",
			res.FailedIndex, res.FailedExecutionID, res.Reason)
	}
	if !res.Valid {
		return 1
	}
	return 0
}

// runManifestsCmd prints the manifests from --from to --to as JSON.
func runManifestsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("manifests", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		sf       storeFlags
		from, to string
	)
	sf.register(cmd, true)
	cmd.StringVar(&from, "from", "", "First execution id (REQUIRED)")
	cmd.StringVar(&to, "to", "", "Last execution id; defaults to the newest")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if from == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --from is required")
		return 2
	}

	ctx := context.Background()
	store, closeFn, err := sf.openManifests(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeFn()

	chain, err := store.GetChain(ctx, from, to)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, _ := json.MarshalIndent(chain, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
