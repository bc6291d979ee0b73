// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package acquisition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/autobids/private/toolexec"
)

var (
	// ErrToolTimeout is returned when cfmm2tar reports a timeout of the
	// remote server. Only this error is retried.
	ErrToolTimeout = errs.Class("tool timeout")
	// ErrToolFailure is returned when cfmm2tar fails for any other reason.
	ErrToolFailure = errs.Class("tool failure")
	// ErrParse is returned for unexpected cfmm2tar output.
	ErrParse = errs.Class("parse")
)

const (
	timeoutMarker   = "Timeout.java"
	retrievalMarker = "Retrieving #"
	tarCreated      = "tar file created: "
	uidCreated      = "uid file created: "
)

var tarNamePattern = regexp.MustCompile(`^[a-zA-Z]+_\w+_(\d{8})_[\w\-]+_[\.a-zA-Z\d]+\.tar$`)

// ToolConfig configures cfmm2tar.
type ToolConfig struct {
	Server   string `help:"dicom server queried by cfmm2tar" default:"CFMM@dicom.cfmm.uwo.ca:11112"`
	Username string `help:"user name for the dicom server" default:""`
	Password string `help:"password for the dicom server" default:""`
	TempDir  string `help:"directory for the credentials file" default:""`

	Image toolexec.Image
}

// Request selects the remote record cfmm2tar retrieves.
type Request struct {
	StudyInstanceUID string
	PatientName      string
	// Project is the "principal^project" study description.
	Project string
	Date    string
	OutDir  string
}

// Output is the result of a successful retrieval.
type Output struct {
	TarFile string
	UIDFile string
	// Log is stdout followed by stderr of the tool.
	Log string
}

// Cfmm2tar retrieves remote records as tar files.
type Cfmm2tar struct {
	log    *zap.Logger
	exec   toolexec.Executor
	config ToolConfig
}

// NewCfmm2tar creates a cfmm2tar driver.
func NewCfmm2tar(log *zap.Logger, exec toolexec.Executor, config ToolConfig) *Cfmm2tar {
	return &Cfmm2tar{log: log, exec: exec, config: config}
}

// Args returns the command line arguments for the request.
func (tool *Cfmm2tar) Args(credentials string, req Request) []string {
	args := []string{"-c", credentials}
	if req.StudyInstanceUID != "" {
		args = append(args, "-u", req.StudyInstanceUID)
	}
	if req.Date != "" {
		args = append(args, "-d", req.Date)
	}
	if req.PatientName != "" {
		args = append(args, "-n", req.PatientName)
	}
	if req.Project != "" {
		args = append(args, "-p", req.Project)
	}
	return append(args, "-s", tool.config.Server, req.OutDir)
}

// Fetch runs cfmm2tar once.
func (tool *Cfmm2tar) Fetch(ctx context.Context, req Request) (_ Output, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.StudyInstanceUID == "" && req.Date == "" && req.PatientName == "" && req.Project == "" {
		return Output{}, Error.New("at least one search argument must be provided")
	}

	credentials, err := tool.writeCredentials()
	if err != nil {
		return Output{}, err
	}
	defer func() { err = errs.Combine(err, Error.Wrap(os.Remove(credentials))) }()

	result, err := tool.exec.Run(ctx, toolexec.Command{
		Name: "cfmm2tar",
		Args: tool.Args(credentials, req),
	})
	if err != nil {
		var exitErr *toolexec.ExitError
		if errors.As(err, &exitErr) {
			if strings.Contains(exitErr.Stderr, timeoutMarker) {
				return Output{}, ErrToolTimeout.New("cfmm2tar timed out")
			}
			return Output{}, ErrToolFailure.New("cfmm2tar failed:\n%s", exitErr.Stderr)
		}
		return Output{}, err
	}

	return ParseOutput(result.Combined())
}

func (tool *Cfmm2tar) writeCredentials() (string, error) {
	file, err := os.CreateTemp(tool.config.TempDir, "cfmm2tar-credentials-")
	if err != nil {
		return "", Error.Wrap(err)
	}
	_, err = fmt.Fprintf(file, "%s\n%s\n", tool.config.Username, tool.config.Password)
	if err = errs.Combine(err, file.Close()); err != nil {
		return "", errs.Combine(Error.Wrap(err), os.Remove(file.Name()))
	}
	return file.Name(), nil
}

// ParseOutput finds the created files in the combined output of cfmm2tar.
// Exactly one tar file and one uid file must have been created.
func ParseOutput(out string) (Output, error) {
	var tars, uids []string
	chunks := strings.Split(out, retrievalMarker)
	for _, chunk := range chunks[1:] {
		for _, line := range strings.Split(chunk, "\n") {
			line = strings.TrimRight(line, "\r")
			if i := strings.Index(line, tarCreated); i >= 0 {
				tars = append(tars, strings.TrimSpace(line[i+len(tarCreated):]))
			}
			if i := strings.Index(line, uidCreated); i >= 0 {
				uids = append(uids, strings.TrimSpace(line[i+len(uidCreated):]))
			}
		}
	}

	if len(tars) == 0 && len(uids) == 0 {
		if strings.Contains(out, timeoutMarker) {
			return Output{}, ErrToolTimeout.New("cfmm2tar timed out")
		}
		return Output{}, ErrToolFailure.New("no cfmm2tar results parsed, check the log for more information")
	}
	if len(tars) != 1 {
		return Output{}, ErrParse.New("expected one tar file, cfmm2tar created %d", len(tars))
	}
	if len(uids) != 1 {
		return Output{}, ErrParse.New("expected one uid file, cfmm2tar created %d", len(uids))
	}
	return Output{TarFile: tars[0], UIDFile: uids[0], Log: out}, nil
}

// ParseDate returns the acquisition date encoded in a tar file name such as
// "proj_patient_20230615_extra_0001.tar".
func ParseDate(name string) (time.Time, error) {
	match := tarNamePattern.FindStringSubmatch(name)
	if match == nil {
		return time.Time{}, ErrParse.New("output %s could not be parsed", name)
	}
	date, err := time.Parse("20060102", match[1])
	if err != nil {
		return time.Time{}, ErrParse.New("output %s has an invalid date: %v", name, err)
	}
	return date, nil
}
