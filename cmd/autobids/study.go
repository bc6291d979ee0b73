// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline"
	"storj.io/autobids/pipeline/studies"
)

const dateLayout = "2006-01-02"

var (
	studyCmd = &cobra.Command{
		Use:   "study",
		Short: "Manage studies",
	}
	studyAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Create a study",
		Args:  cobra.NoArgs,
		RunE:  cmdStudyAdd,
	}
	studyListCmd = &cobra.Command{
		Use:   "list",
		Short: "List studies",
		Args:  cobra.NoArgs,
		RunE:  cmdStudyList,
	}
	studyActivateCmd = &cobra.Command{
		Use:   "activate <study-id>",
		Short: "Activate or deactivate a study",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdStudyActivate,
	}
	studyOverrideCmd = &cobra.Command{
		Use:   "override <study-id> <study-instance-uid>",
		Short: "Force a scan in or out of a study",
		Args:  cobra.ExactArgs(2),
		RunE:  cmdStudyOverride,
	}

	studyAddCfg struct {
		Principal     string
		Project       string
		Email         string
		Heuristic     string
		SubjExpr      string
		PatientStr    string
		PatientNameRE string
		Deface        bool
		Start         string
		End           string
		Authorized    []string
		Inactive      bool
	}

	studyActivateCfg struct {
		Off bool
	}

	studyOverrideCfg struct {
		Exclude      bool
		Delete       bool
		PatientName  string
		DicomStudyID string
	}
)

func init() {
	studyCmd.AddCommand(studyAddCmd, studyListCmd, studyActivateCmd, studyOverrideCmd)

	flags := studyAddCmd.Flags()
	flags.StringVar(&studyAddCfg.Principal, "principal", "", "principal investigator")
	flags.StringVar(&studyAddCfg.Project, "project", "", "project name")
	flags.StringVar(&studyAddCfg.Email, "email", "", "email of the submitter")
	flags.StringVar(&studyAddCfg.Heuristic, "heuristic", studies.DefaultHeuristic, "tar2bids heuristic")
	flags.StringVar(&studyAddCfg.SubjExpr, "subj-expr", studies.DefaultSubjExpr, "tar2bids subject expression")
	flags.StringVar(&studyAddCfg.PatientStr, "patient-str", studies.DefaultPatientStr, "PatientName search string")
	flags.StringVar(&studyAddCfg.PatientNameRE, "patient-name-re", "", "pattern the whole PatientName must match")
	flags.BoolVar(&studyAddCfg.Deface, "deface", false, "deface anatomical images")
	flags.StringVar(&studyAddCfg.Start, "retrospective-start", "", "first day of retrospective data (YYYY-MM-DD)")
	flags.StringVar(&studyAddCfg.End, "retrospective-end", "", "last day of retrospective data (YYYY-MM-DD)")
	flags.StringSliceVar(&studyAddCfg.Authorized, "authorized", nil, "emails of users with access to the study")
	flags.BoolVar(&studyAddCfg.Inactive, "inactive", false, "create the study deactivated")

	studyActivateCmd.Flags().BoolVar(&studyActivateCfg.Off, "off", false, "deactivate the study")

	flags = studyOverrideCmd.Flags()
	flags.BoolVar(&studyOverrideCfg.Exclude, "exclude", false, "exclude the scan instead of including it")
	flags.BoolVar(&studyOverrideCfg.Delete, "delete", false, "remove the override")
	flags.StringVar(&studyOverrideCfg.PatientName, "patient-name", "", "PatientName of the scan")
	flags.StringVar(&studyOverrideCfg.DicomStudyID, "dicom-study-id", "", "StudyID of the scan")
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, errs.New("invalid date %q", s)
	}
	return &t, nil
}

func cmdStudyAdd(cmd *cobra.Command, args []string) (err error) {
	study := studies.New(studyAddCfg.Principal, studyAddCfg.Project, studyAddCfg.Email)
	study.Active = !studyAddCfg.Inactive
	study.Heuristic = studyAddCfg.Heuristic
	study.SubjExpr = studyAddCfg.SubjExpr
	study.PatientStr = studyAddCfg.PatientStr
	study.PatientNameRE = studyAddCfg.PatientNameRE
	study.Deface = studyAddCfg.Deface
	study.AuthorizedEmails = studyAddCfg.Authorized

	if study.RetrospectiveStart, err = parseDate(studyAddCfg.Start); err != nil {
		return err
	}
	if study.RetrospectiveEnd, err = parseDate(studyAddCfg.End); err != nil {
		return err
	}
	study.RetrospectiveData = study.RetrospectiveStart != nil || study.RetrospectiveEnd != nil

	if err := study.Validate(); err != nil {
		return err
	}

	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		created, err := peer.DB.Studies().Create(ctx, study)
		if err != nil {
			return err
		}
		fmt.Printf("created study %d (%s)\n", created.ID, created.Description())
		return nil
	})
}

func cmdStudyList(cmd *cobra.Command, args []string) error {
	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		all, err := peer.DB.Studies().List(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDESCRIPTION\tACTIVE\tHEURISTIC\tSUBMITTER")
		for _, study := range all {
			fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\n",
				study.ID, study.Description(), study.Active, study.Heuristic, study.SubmitterEmail)
		}
		return w.Flush()
	})
}

func cmdStudyActivate(cmd *cobra.Command, args []string) error {
	studyID, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		return peer.DB.Studies().SetActive(ctx, studyID, !studyActivateCfg.Off)
	})
}

func cmdStudyOverride(cmd *cobra.Command, args []string) error {
	studyID, err := parseID(args[0])
	if err != nil {
		return err
	}
	uid := strings.TrimSpace(args[1])
	if uid == "" {
		return errs.New("study instance uid is required")
	}

	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		if _, err := peer.DB.Studies().Get(ctx, studyID); err != nil {
			return err
		}
		if studyOverrideCfg.Delete {
			return peer.DB.Studies().DeleteOverride(ctx, studyID, uid)
		}
		return peer.DB.Studies().SetOverride(ctx, studies.Override{
			StudyID:          studyID,
			StudyInstanceUID: uid,
			PatientName:      studyOverrideCfg.PatientName,
			DicomStudyID:     studyOverrideCfg.DicomStudyID,
			Included:         !studyOverrideCfg.Exclude,
		})
	})
}
