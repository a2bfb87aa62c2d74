package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/ports/input"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Create an empty repository",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating repository directory: %w", err)
		}
		if _, err := objectstore.Init(path, false); err != nil {
			return fmt.Errorf("initializing repository: %w", err)
		}
		fmt.Printf("Initialized empty kart repository in %s\n", path)
		return nil
	},
}

var cloneCmd = &cobra.Command{
	Use:   "clone <url> <dir>",
	Short: "Clone a repository into a new directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := objectstore.Clone(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("clone: %w", err)
		}
		return nil
	},
}

var (
	checkoutBranch  string
	checkoutForce   bool
	checkoutWC      string
	checkoutLayer   string
	checkoutFormat  string
)

var checkoutCmd = &cobra.Command{
	Use:   "checkout [refish]",
	Short: "Switch branches/commits and update the working copy",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refish := ""
		if len(args) == 1 {
			refish = args[0]
		}
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		req := input.CheckoutRequest{
			Refish:      refish,
			Branch:      checkoutBranch,
			Force:       checkoutForce,
			WorkingCopy: checkoutWC,
			Layer:       checkoutLayer,
			Format:      checkoutFormat,
		}
		if err := cctx.repository.Checkout(cmd.Context(), req); err != nil {
			return fmt.Errorf("checkout: %w", err)
		}
		return nil
	},
}

var (
	commitMessage string
	commitAuthor  string
	commitEmail   string
	commitConvert bool
)

var commitCmd = &cobra.Command{
	Use:   "commit <layer>",
	Short: "Record changes made to a layer's working copy or tile directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if commitMessage == "" {
			return fmt.Errorf("commit message is required (-m)")
		}
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		req := input.CommitRequest{
			Message:                commitMessage,
			AuthorName:             commitAuthor,
			AuthorEmail:            commitEmail,
			CommitterName:          commitAuthor,
			CommitterEmail:         commitEmail,
			ConvertToDatasetFormat: commitConvert,
		}
		hash, err := cctx.repository.Commit(cmd.Context(), args[0], req)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff [layer]",
	Short: "Show changes between the working copy and HEAD",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		layer := ""
		if len(args) == 1 {
			layer = args[0]
		}
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		diff, err := cctx.repository.Diff(cmd.Context(), layer)
		if err != nil {
			return fmt.Errorf("diff: %w", err)
		}
		printDiff(diff)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the working copy status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		status, err := cctx.repository.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		fmt.Printf("On branch %s\n", status.Branch)
		fmt.Printf("HEAD: %s\n", status.HeadCommit)
		if status.Dirty {
			fmt.Println("Working copy has uncommitted changes:")
			printDiff(status.Diff)
		} else {
			fmt.Println("Working copy clean")
		}
		return nil
	},
}

var (
	mergeFFOnly bool
	mergeNoFF   bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge <commit>",
	Short: "Merge another commit into the current branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy := input.MergeAuto
		switch {
		case mergeFFOnly:
			strategy = input.MergeFastForwardOnly
		case mergeNoFF:
			strategy = input.MergeNoFastForward
		}

		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		hash, err := cctx.repository.Merge(cmd.Context(), input.MergeRequest{Commit: args[0], Strategy: strategy})
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull [remote] [refspec...]",
	Short: "Fetch from and integrate with a remote",
	Args:  cobra.MinimumNArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote := "origin"
		var refspecs []string
		if len(args) > 0 {
			remote = args[0]
			refspecs = args[1:]
		}
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		if err := cctx.repository.Pull(cmd.Context(), remote, refspecs); err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <layer>",
	Short: "Discard working-copy changes to a layer, restoring it to HEAD",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		if err := cctx.repository.Reset(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <refish>",
	Short: "Show a commit's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		row, err := cctx.repository.Show(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("show: %w", err)
		}
		for _, col := range row.Columns {
			fmt.Printf("%s: %v\n", col, row.Values[col])
		}
		return nil
	},
}

var fsckResetLayer bool

var fsckCmd = &cobra.Command{
	Use:   "fsck [layer]",
	Short: "Verify the working copy matches HEAD's tree, layer by layer",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		layer := ""
		if len(args) == 1 {
			layer = args[0]
		}
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		report, err := cctx.repository.Fsck(cmd.Context(), input.FsckRequest{Layer: layer, ResetLayer: fsckResetLayer})
		if err != nil {
			return fmt.Errorf("fsck: %w", err)
		}
		if report.OK {
			fmt.Printf("%s: OK\n", report.Layer)
			return nil
		}
		fmt.Printf("%s: FAILED\n", report.Layer)
		for _, f := range report.Failures {
			fmt.Printf("  %s: %s\n", f.Check, f.Message)
		}
		return fmt.Errorf("fsck found %d problem(s) in layer %s", len(report.Failures), report.Layer)
	},
}

func printDiff(diff input.Diff) {
	if diff.IsEmpty() {
		fmt.Println("  (no changes)")
		return
	}
	for _, fd := range diff.Features {
		fmt.Printf("  %s %s:%v\n", fd.Kind.String(), fd.Layer, fd.FeatureKey)
	}
	for _, md := range diff.Meta {
		fmt.Printf("  meta %s:%s\n", md.Layer, md.Name)
	}
}

func init() {
	checkoutCmd.Flags().StringVarP(&checkoutBranch, "branch", "b", "", "create or move this branch to refish before updating the working copy")
	checkoutCmd.Flags().BoolVarP(&checkoutForce, "force", "f", false, "discard local changes and overwrite the layer from scratch")
	checkoutCmd.Flags().StringVar(&checkoutWC, "working-copy", "", "path to materialize the working copy at")
	checkoutCmd.Flags().StringVar(&checkoutLayer, "layer", "", "layer to check out (default: the only layer, if there's just one)")
	checkoutCmd.Flags().StringVar(&checkoutFormat, "format", "", "working copy format override")

	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
	commitCmd.Flags().StringVar(&commitAuthor, "author", "", "author/committer name")
	commitCmd.Flags().StringVar(&commitEmail, "email", "", "author/committer email")
	commitCmd.Flags().BoolVar(&commitConvert, "convert-to-dataset-format", false,
		"convert a tile to the point-cloud dataset's native format before committing it, via the configured converter command")

	mergeCmd.Flags().BoolVar(&mergeFFOnly, "ff-only", false, "refuse to merge unless fast-forward is possible")
	mergeCmd.Flags().BoolVar(&mergeNoFF, "no-ff", false, "always create a merge commit")

	fsckCmd.Flags().BoolVar(&fsckResetLayer, "reset-layer", false, "rebuild the layer from HEAD before running the checks")
}
