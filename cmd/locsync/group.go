package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/OCAP2/locsync/internal/store"
)

func newGroupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage location sharing groups",
	}
	cmd.AddCommand(newGroupCreateCmd(a), newGroupAddMemberCmd(a), newGroupMembersCmd(a))
	return cmd
}

func newGroupCreateCmd(a *app) *cobra.Command {
	var id, name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group owned by the logged in member and switch to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := a.requireMember()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			backend, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			dir, err := requireDirectory(backend)
			if err != nil {
				return err
			}
			g, err := dir.CreateGroup(ctx, owner.UserID, id, name)
			if err != nil {
				return err
			}
			a.session.SetGroup(g.GroupID, "")
			if err := a.session.Save(a.configDir); err != nil {
				return err
			}
			a.logger.Info("Created group", "groupId", g.GroupID)
			fmt.Fprintf(cmd.OutOrStdout(), "created group %s\n", g.GroupID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "group id (default mygroup<userId>)")
	cmd.Flags().StringVar(&name, "name", "", "group name")
	return cmd
}

func newGroupAddMemberCmd(a *app) *cobra.Command {
	var email, groupID string

	cmd := &cobra.Command{
		Use:   "add-member",
		Short: "Add a registered member to a group by email",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backend, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			dir, err := requireDirectory(backend)
			if err != nil {
				return err
			}
			if groupID == "" {
				groupID, _ = a.session.Group()
			}
			if err := dir.AddMember(ctx, groupID, email); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", email, groupID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "member email")
	cmd.Flags().StringVar(&groupID, "group", "", "group id (default: session group)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newGroupMembersCmd(a *app) *cobra.Command {
	var groupID string

	cmd := &cobra.Command{
		Use:   "members",
		Short: "List the members of a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backend, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			lister, ok := backend.(store.MemberLister)
			if !ok {
				return errors.New("the configured store cannot list members")
			}
			if groupID == "" {
				groupID, _ = a.session.Group()
			}
			members, err := lister.ListMembers(ctx, groupID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER ID\tEMAIL\tNAME")
			for _, m := range members {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.UserID, m.Email, m.DisplayName)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "group id (default: session group)")
	return cmd
}
