// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"storj.io/autobids/pipeline"
	"storj.io/autobids/pipeline/datasets"
	"storj.io/autobids/pipeline/reconcile"
	"storj.io/autobids/pipeline/scheduler"
	"storj.io/autobids/pipeline/stages"
	"storj.io/autobids/pipeline/tasks"
)

var (
	triggerCmd = &cobra.Command{
		Use:       "trigger {acquisition|conversion|archival|correction}",
		Short:     "Launch a stage for every active study",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"acquisition", "conversion", "archival", "correction"},
		RunE:      cmdTrigger,
	}

	launchCmd = &cobra.Command{
		Use:   "launch",
		Short: "Launch a single task",
	}
	launchCheckCmd = &cobra.Command{
		Use:   "check <study-id>",
		Short: "Check the DICOM server for new scans of the study",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdLaunchCheck,
	}
	launchAcquireCmd = &cobra.Command{
		Use:   "acquire <study-id> <study-instance-uid>...",
		Short: "Acquire explicit scans of the study",
		Args:  cobra.MinimumNArgs(2),
		RunE:  cmdLaunchAcquire,
	}
	launchConvertCmd = &cobra.Command{
		Use:   "convert <study-id>",
		Short: "Convert every unconverted scan of the study",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdLaunchConvert,
	}
	launchCorrectCmd = &cobra.Command{
		Use:   "correct <study-id> [subject]...",
		Short: "Run gradient correction on subjects of the study, or on all subjects",
		Args:  cobra.MinimumNArgs(1),
		RunE:  cmdLaunchCorrect,
	}
	launchArchiveCmd = &cobra.Command{
		Use:   "archive <study-id> [sourcedata|rawdata|deriveddata]",
		Short: "Archive datasets of the study",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  cmdLaunchArchive,
	}
	launchHeuristicsCmd = &cobra.Command{
		Use:   "update-heuristics",
		Short: "Clone or pull the heuristics repository",
		Args:  cobra.NoArgs,
		RunE:  cmdLaunchHeuristics,
	}
	launchDeleteCmd = &cobra.Command{
		Use:   "delete-acquisition <study-id> <acquisition-id>",
		Short: "Remove an unconverted tar file from the source dataset",
		Args:  cobra.ExactArgs(2),
		RunE:  cmdLaunchDelete,
	}
	launchWipeCmd = &cobra.Command{
		Use:   "wipe <study-id> <sourcedata|rawdata|deriveddata>",
		Short: "Delete all content of a dataset",
		Args:  cobra.ExactArgs(2),
		RunE:  cmdLaunchWipe,
	}

	tasksCmd = &cobra.Command{
		Use:   "tasks",
		Short: "Inspect tasks",
	}
	tasksListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE:  cmdTasksList,
	}

	tasksListCfg struct {
		StudyID    int64
		Stage      string
		Incomplete bool
		Limit      int
		Log        bool
	}
)

func init() {
	launchCmd.AddCommand(launchCheckCmd, launchAcquireCmd, launchConvertCmd, launchCorrectCmd,
		launchArchiveCmd, launchHeuristicsCmd, launchDeleteCmd, launchWipeCmd)
	tasksCmd.AddCommand(tasksListCmd)

	flags := tasksListCmd.Flags()
	flags.Int64Var(&tasksListCfg.StudyID, "study", 0, "only list tasks of the study")
	flags.StringVar(&tasksListCfg.Stage, "stage", "", "only list tasks of the stage")
	flags.BoolVar(&tasksListCfg.Incomplete, "incomplete", false, "only list pending and running tasks")
	flags.IntVar(&tasksListCfg.Limit, "limit", 50, "maximum number of tasks to list")
	flags.BoolVar(&tasksListCfg.Log, "log", false, "print the log of every task")
}

// adminCommands returns the commands which share the admin configuration.
func adminCommands() []*cobra.Command {
	return []*cobra.Command{
		triggerCmd,
		launchCheckCmd, launchAcquireCmd, launchConvertCmd, launchCorrectCmd,
		launchArchiveCmd, launchHeuristicsCmd, launchDeleteCmd, launchWipeCmd,
		studyAddCmd, studyListCmd, studyActivateCmd, studyOverrideCmd,
		tasksListCmd,
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.New("invalid id %q", s)
	}
	return id, nil
}

func printLaunched(handle *tasks.Handle, err error) error {
	if tasks.ErrDuplicateInFlight.Has(err) {
		return errs.New("a task of this stage is already running for the study")
	}
	if err != nil {
		return err
	}
	fmt.Printf("launched %s task %s\n", handle.Stage, handle.ID)
	return nil
}

func cmdTrigger(cmd *cobra.Command, args []string) error {
	kind, err := scheduler.ParseKind(args[0])
	if err != nil {
		return err
	}
	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		summary, err := peer.Scheduler.Trigger.TriggerAll(ctx, kind, 0)
		fmt.Printf("launched %d, skipped %d inactive and %d in flight\n", summary.Launched, summary.Inactive, summary.InFlight)
		return err
	})
}

func cmdLaunchCheck(cmd *cobra.Command, args []string) error {
	studyID, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		return printLaunched(peer.Tasks.Launcher.Launch(ctx, stages.AcquisitionCheck{StudyID: studyID},
			fmt.Sprintf("Check for new scans of study %d", studyID), 0))
	})
}

func cmdLaunchAcquire(cmd *cobra.Command, args []string) error {
	studyID, err := parseID(args[0])
	if err != nil {
		return err
	}
	var targets []reconcile.Target
	for _, uid := range args[1:] {
		targets = append(targets, reconcile.Target{StudyInstanceUID: uid})
	}
	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		return printLaunched(peer.Acquisition.Service.Launch(ctx, studyID, targets, 0))
	})
}

func cmdLaunchConvert(cmd *cobra.Command, args []string) error {
	studyID, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		return printLaunched(peer.Tasks.Launcher.Launch(ctx, stages.ConversionCheck{StudyID: studyID},
			fmt.Sprintf("Check for unconverted scans of study %d", studyID), 0))
	})
}

func cmdLaunchCorrect(cmd *cobra.Command, args []string) error {
	studyID, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		return printLaunched(peer.Correction.Service.Launch(ctx, studyID, args[1:], 0))
	})
}

func cmdLaunchArchive(cmd *cobra.Command, args []string) error {
	studyID, err := parseID(args[0])
	if err != nil {
		return err
	}
	var kind datasets.Kind
	if len(args) > 1 {
		if kind, err = datasets.ParseKind(args[1]); err != nil {
			return err
		}
	}
	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		return printLaunched(peer.Tasks.Launcher.Launch(ctx, stages.Archival{StudyID: studyID, Kind: kind},
			fmt.Sprintf("Archive datasets of study %d", studyID), 0))
	})
}

func cmdLaunchHeuristics(cmd *cobra.Command, args []string) error {
	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		return printLaunched(peer.Tasks.Launcher.Launch(ctx, stages.UpdateHeuristics{}, "Update heuristics repository", 0))
	})
}

func cmdLaunchDelete(cmd *cobra.Command, args []string) error {
	studyID, err := parseID(args[0])
	if err != nil {
		return err
	}
	acquisitionID, err := parseID(args[1])
	if err != nil {
		return err
	}
	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		return printLaunched(peer.Tasks.Launcher.Launch(ctx,
			stages.DeleteAcquisition{StudyID: studyID, AcquisitionID: acquisitionID},
			fmt.Sprintf("Delete acquisition %d of study %d", acquisitionID, studyID), 0))
	})
}

func cmdLaunchWipe(cmd *cobra.Command, args []string) error {
	studyID, err := parseID(args[0])
	if err != nil {
		return err
	}
	kind, err := datasets.ParseKind(args[1])
	if err != nil {
		return err
	}
	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		return printLaunched(peer.Tasks.Launcher.Launch(ctx, stages.WipeDataset{StudyID: studyID, Kind: kind},
			fmt.Sprintf("Wipe %s of study %d", kind, studyID), 0))
	})
}

func cmdTasksList(cmd *cobra.Command, args []string) error {
	opts := tasks.ListOptions{
		StudyID:    tasksListCfg.StudyID,
		Incomplete: tasksListCfg.Incomplete,
		Limit:      tasksListCfg.Limit,
	}
	if tasksListCfg.Stage != "" {
		stage, err := tasks.ParseStage(tasksListCfg.Stage)
		if err != nil {
			return err
		}
		opts.Stage = stage
	}

	return withPeer(cmd, func(ctx context.Context, peer *pipeline.Peer) error {
		list, err := peer.Tasks.Service.List(ctx, opts)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTUDY\tSTAGE\tSTATUS\tPROGRESS\tSTARTED\tERROR")
		for _, task := range list {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d%%\t%s\t%s\n",
				task.ID, task.StudyID, task.Stage, task.Status, task.Progress,
				task.StartTime.Format(time.RFC3339), firstLine(task.Error))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if tasksListCfg.Log {
			for _, task := range list {
				if task.Log == "" {
					continue
				}
				fmt.Printf("\n== %s %s ==\n%s", task.ID, task.Description, task.Log)
				if !strings.HasSuffix(task.Log, "\n") {
					fmt.Println()
				}
			}
		}
		return nil
	})
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
