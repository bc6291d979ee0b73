// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package dicomindex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/private/toolexec"
)

var mon = monkit.Package()

// Config configures access to the DICOM server.
type Config struct {
	Connect       string         `help:"DICOM server to query, as AET@host:port" default:""`
	TLS           bool           `help:"use TLS when talking to the DICOM server" default:"true"`
	Username      string         `help:"DICOM server user name" default:""`
	Password      string         `help:"DICOM server password" default:""`
	AcceptTimeout time.Duration  `help:"how long to wait for the association to be accepted" default:"10s"`
	UIDWildcard   bool           `help:"send StudyInstanceUID=* when no uids are queried" default:"false"`
	TempDir       string         `help:"directory for findscu responses" default:""`
	Image         toolexec.Image `help:"container image providing findscu"`
}

// FindSCU is a Client which runs the dcm4che findscu tool.
type FindSCU struct {
	log    *zap.Logger
	exec   toolexec.Executor
	config Config
}

var _ Client = (*FindSCU)(nil)

// NewFindSCU creates a findscu backed index client.
func NewFindSCU(log *zap.Logger, exec toolexec.Executor, config Config) *FindSCU {
	return &FindSCU{log: log, exec: exec, config: config}
}

// baseArgs returns the connection arguments shared by every query.
func (client *FindSCU) baseArgs() []string {
	args := []string{
		"--bind", "DEFAULT",
		"--connect", client.config.Connect,
		"--accept-timeout", strconv.FormatInt(client.config.AcceptTimeout.Milliseconds(), 10),
		"--user", client.config.Username,
		"--user-pass", client.config.Password,
	}
	if client.config.TLS {
		args = append(args, "--tls-aes")
	}
	return args
}

// Args returns the findscu arguments for query writing responses into outDir.
func (client *FindSCU) Args(query Query, outDir string) []string {
	args := client.baseArgs()
	for _, match := range query.Matches(client.config.UIDWildcard) {
		args = append(args, "-m", match)
	}
	for _, attr := range seriesAttributes {
		args = append(args, "-r", attr.Tag)
	}
	level := query.Level
	if level == "" {
		level = LevelSeries
	}
	args = append(args, "-L", string(level))
	return append(args, "--out-dir", outDir, "--out-file", "000.xml", "-X")
}

// FindSeries implements Client.
func (client *FindSCU) FindSeries(ctx context.Context, query Query) (_ []SeriesRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := query.Validate(); err != nil {
		return nil, err
	}

	outDir, err := os.MkdirTemp(client.config.TempDir, "findscu-")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(os.RemoveAll(outDir))) }()

	client.log.Info("querying index", zap.Strings("matches", query.Matches(client.config.UIDWildcard)))
	_, err = client.exec.Run(ctx, toolexec.Command{Name: "findscu", Args: client.Args(query, outDir)})
	if err != nil {
		var exitErr *toolexec.ExitError
		if errors.As(err, &exitErr) {
			return nil, Error.New("findscu exited with status %d: %s", exitErr.Code, exitErr.Combined())
		}
		return nil, Error.Wrap(err)
	}

	return readResponses(outDir)
}

// readResponses parses every response file in dir in name order.
func readResponses(dir string) ([]SeriesRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].Name() < entries[k].Name() })

	records := make([]SeriesRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		record, err := ParseResponse(data)
		if err != nil {
			return nil, ErrParse.New("%s: %v", entry.Name(), err)
		}
		records = append(records, record)
	}
	return records, nil
}
