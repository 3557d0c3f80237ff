// Package importer implements component L: a filesystem credential import
// helper that converts on-disk JSON files into pool credential records, the
// same shape the teacher's auth.LoadCredentialsFromFolder scans for, and a
// polling loop that hot-reloads new files without a process restart.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nexus-proxy/gemini-nexus/internal/credential"
)

// Submitter is the subset of *pool.Pool the importer depends on.
type Submitter interface {
	SubmitCredentials(ctx context.Context, imports []credential.Import) error
}

// fileCredential mirrors the on-disk JSON shape the teacher's oauth_creds
// files use: client_id/client_secret/refresh_token/project_id required,
// token/expiry optional.
type fileCredential struct {
	Email        string   `json:"email"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	ProjectID    string   `json:"project_id"`
	Scopes       []string `json:"scopes"`
	RefreshToken string   `json:"refresh_token"`
	AccessToken  string   `json:"token"`
}

// ScanDir reads every *.json file directly inside dir and parses it into a
// credential.Import, skipping (and logging) files that fail validation
// instead of aborting the whole scan.
func ScanDir(dir string) ([]credential.Import, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("importer: read dir %s: %w", dir, err)
	}

	var out []credential.Import
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		imp, err := parseFile(path)
		if err != nil {
			log.WithError(err).WithField("file", path).Warn("importer: skipping invalid credential file")
			continue
		}
		out = append(out, imp)
	}
	return out, nil
}

func parseFile(path string) (credential.Import, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return credential.Import{}, err
	}

	var fc fileCredential
	if err := json.Unmarshal(data, &fc); err != nil {
		return credential.Import{}, fmt.Errorf("invalid JSON: %w", err)
	}

	switch {
	case fc.ClientID == "":
		return credential.Import{}, fmt.Errorf("missing client_id")
	case fc.ClientSecret == "":
		return credential.Import{}, fmt.Errorf("missing client_secret")
	case fc.RefreshToken == "":
		return credential.Import{}, fmt.Errorf("missing refresh_token")
	case fc.ProjectID == "":
		return credential.Import{}, fmt.Errorf("missing project_id")
	}

	return credential.Import{
		Email:        fc.Email,
		ClientID:     fc.ClientID,
		ClientSecret: fc.ClientSecret,
		ProjectID:    fc.ProjectID,
		Scopes:       fc.Scopes,
		RefreshToken: fc.RefreshToken,
		AccessToken:  fc.AccessToken,
	}, nil
}

// Watcher polls Dir every Interval, submitting whatever it finds to Pool.
// Every valid file is submitted on each scan. Submission is idempotent
// (spec.md §8 property 6), so a rescan that finds the same files already
// imported adds no credentials; their records and rows are rewritten with
// the files' values.
type Watcher struct {
	Dir      string
	Interval time.Duration
	Pool     Submitter
}

// Run blocks, polling until ctx is canceled. Scan errors (e.g. a missing
// directory) are logged and retried on the next tick rather than stopping
// the loop.
func (w *Watcher) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	w.scanOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanOnce(ctx)
		}
	}
}

func (w *Watcher) scanOnce(ctx context.Context) {
	imports, err := ScanDir(w.Dir)
	if err != nil {
		log.WithError(err).WithField("dir", w.Dir).Warn("importer: scan failed")
		return
	}
	if len(imports) == 0 {
		return
	}
	if err := w.Pool.SubmitCredentials(ctx, imports); err != nil {
		log.WithError(err).Warn("importer: failed to submit scanned credentials")
	}
}
