package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-lease/v1/lease"
)

func parseOwner(s string) (lease.OwnerID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid owner %q: %w", s, err)
	}
	return lease.OwnerID(n), nil
}

func acquireCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "acquire [resource] [owner]",
		Short: "Acquire or refresh a lease",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseOwner(args[1])
			if err != nil {
				return err
			}
			ok := a.stack.Acquire(cmd.Context(), lease.ResourceID(args[0]), owner)
			fmt.Fprintf(cmd.OutOrStdout(), "acquired=%t\n", ok)
			return nil
		},
	}
}

func releaseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release [resource] [owner]",
		Short: "Release a lease",
		Long: wrap("Release the lease on a resource. With an owner the release is " +
			"owner-aware, which the strict policy requires."),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := lease.ResourceID(args[0])
			if len(args) == 1 {
				ok := a.stack.Release(cmd.Context(), id)
				fmt.Fprintf(cmd.OutOrStdout(), "released=%t\n", ok)
				return nil
			}
			owner, err := parseOwner(args[1])
			if err != nil {
				return err
			}
			ok := a.stack.ReleaseOwned(cmd.Context(), id, owner)
			fmt.Fprintf(cmd.OutOrStdout(), "released=%t\n", ok)
			return nil
		},
	}
	return cmd
}

func checkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check [resource] [owner]",
		Short: "Report whether a resource is blocked for an owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseOwner(args[1])
			if err != nil {
				return err
			}
			blocked := a.stack.IsBlockedForOthers(cmd.Context(), lease.ResourceID(args[0]), owner)
			fmt.Fprintf(cmd.OutOrStdout(), "blocked=%t\n", blocked)
			return nil
		},
	}
}

func holderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "holder [resource]",
		Short: "Print the live holder of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, ok := a.stack.Holder(cmd.Context(), lease.ResourceID(args[0]))
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "held=false\n")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "held=true owner=%d acquiredAt=%s expiresAt=%s\n",
				l.Owner, l.AcquiredAt.UTC().Format(time.RFC3339), l.AcquiredAt.Add(a.stack.TTL()).UTC().Format(time.RFC3339))
			return nil
		},
	}
}

func listCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live leases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := a.stack.Leases(cmd.Context())
			ids := make([]string, 0, len(t))
			for id := range t {
				ids = append(ids, string(id))
			}
			sort.Strings(ids)
			for _, id := range ids {
				l := t[lease.ResourceID(id)]
				fmt.Fprintf(cmd.OutOrStdout(), "%s\towner=%d\tacquiredAt=%s\n", id, l.Owner, l.AcquiredAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func sweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Evict every expired lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n := a.stack.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "evicted=%d\n", n)
			return nil
		},
	}
}
