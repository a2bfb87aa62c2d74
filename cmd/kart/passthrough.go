package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcoup/kart/internal/adapters/objectstore"
)

// workingCopySetPathCmd reconfigures the working copy's on-disk path
// without touching the object store, the CLI surface for
// RepositoryService.SetWorkingCopyPath.
var workingCopySetPathCmd = &cobra.Command{
	Use:   "workingcopy-set-path <path>",
	Short: "Change the working copy's file path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		if err := cctx.repository.SetWorkingCopyPath(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("workingcopy-set-path: %w", err)
		}
		return nil
	},
}

// logCmd forwards to the object store's commit history, most recent first.
var logCmd = &cobra.Command{
	Use:   "log [refish]",
	Short: "Show commit logs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		refish := "HEAD"
		if len(args) == 1 {
			refish = args[0]
		}
		start, err := cctx.store.ResolveRef(refish)
		if err != nil {
			return fmt.Errorf("log: %w", err)
		}
		commits, err := cctx.store.Log(start)
		if err != nil {
			return fmt.Errorf("log: %w", err)
		}
		for _, c := range commits {
			fmt.Printf("commit %s\n", objectstore.FormatHash(c.Hash))
			fmt.Printf("Author: %s <%s>\n", c.Author.Name, c.Author.Email)
			fmt.Printf("\n    %s\n\n", c.Message)
		}
		return nil
	},
}

var pushRemoteName string

// pushCmd forwards to the object store's remote push.
var pushCmd = &cobra.Command{
	Use:   "push [refspec...]",
	Short: "Update a remote with local refs",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		if err := cctx.store.Push(cmd.Context(), pushRemoteName, args); err != nil {
			return fmt.Errorf("push: %w", err)
		}
		return nil
	},
}

// fetchCmd forwards to the object store's remote fetch.
var fetchCmd = &cobra.Command{
	Use:   "fetch [remote] [refspec...]",
	Short: "Download objects and refs from a remote",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		remote := "origin"
		var refspecs []string
		if len(args) > 0 {
			remote = args[0]
			refspecs = args[1:]
		}
		if err := cctx.store.Fetch(cmd.Context(), remote, refspecs); err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		return nil
	},
}

// branchCmd lists local branches, or creates one when given a name.
var branchCmd = &cobra.Command{
	Use:   "branch [name] [start-point]",
	Short: "List or create branches",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		if len(args) == 0 {
			names, err := cctx.store.Branches()
			if err != nil {
				return fmt.Errorf("branch: %w", err)
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		}

		startPoint := "HEAD"
		if len(args) == 2 {
			startPoint = args[1]
		}
		hash, err := cctx.store.ResolveRef(startPoint)
		if err != nil {
			return fmt.Errorf("branch: %w", err)
		}
		if err := cctx.store.CreateBranch(args[0], hash); err != nil {
			return fmt.Errorf("branch: %w", err)
		}
		return nil
	},
}

// remoteCmd lists configured remotes, or adds one via `remote add`.
var remoteCmd = &cobra.Command{
	Use:   "remote [add <name> <url>]",
	Short: "List or manage remotes",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		if len(args) == 0 {
			names, err := cctx.store.Remotes()
			if err != nil {
				return fmt.Errorf("remote: %w", err)
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		}

		if len(args) != 3 || args[0] != "add" {
			return fmt.Errorf("remote: usage is `remote` or `remote add <name> <url>`")
		}
		if err := cctx.store.AddRemote(args[1], args[2]); err != nil {
			return fmt.Errorf("remote: %w", err)
		}
		return nil
	},
}

// tagCmd lists tags, or creates one when given a name.
var tagCmd = &cobra.Command{
	Use:   "tag [name] [refish]",
	Short: "List or create tags",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cctx, err := newCLIContext(cmd.Context())
		if err != nil {
			return err
		}
		defer cctx.Close(cmd.Context())

		if len(args) == 0 {
			names, err := cctx.store.Tags()
			if err != nil {
				return fmt.Errorf("tag: %w", err)
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		}

		refish := "HEAD"
		if len(args) == 2 {
			refish = args[1]
		}
		hash, err := cctx.store.ResolveRef(refish)
		if err != nil {
			return fmt.Errorf("tag: %w", err)
		}
		if err := cctx.store.CreateTag(args[0], hash); err != nil {
			return fmt.Errorf("tag: %w", err)
		}
		return nil
	},
}

func init() {
	pushCmd.Flags().StringVar(&pushRemoteName, "remote", "origin", "remote to push to")
}
