package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OCAP2/locsync/internal/store"
	"github.com/OCAP2/locsync/pkg/core"
)

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Register members and log in",
	}
	cmd.AddCommand(newUserRegisterCmd(a), newUserLoginCmd(a))
	return cmd
}

func newUserRegisterCmd(a *app) *cobra.Command {
	var email, password, name string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new member",
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
			m, err := dir.RegisterUser(ctx, email, password, name)
			if err != nil {
				return err
			}
			a.logger.Info("Registered member", "userId", m.UserID, "email", m.Email)
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", m.Email, m.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "member email")
	cmd.Flags().StringVar(&password, "password", "", "member password")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newUserLoginCmd(a *app) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and remember the member for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backend, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			auth, ok := backend.(store.Authenticator)
			if !ok {
				return errors.New("the configured store does not support login")
			}
			m, err := auth.Authenticate(ctx, email, password)
			if errors.Is(err, core.ErrUnauthorized) {
				return fmt.Errorf("login failed for %s: wrong email or password", email)
			}
			if err != nil {
				return err
			}

			var token string
			if t, ok := backend.(tokenHolder); ok {
				token = t.Token()
			}
			a.session.SetMember(m, token)
			if err := a.session.Save(a.configDir); err != nil {
				return err
			}
			a.logger.Info("Logged in", "userId", m.UserID)
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s)\n", email, m.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "member email")
	cmd.Flags().StringVar(&password, "password", "", "member password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func requireDirectory(b store.Backend) (store.Directory, error) {
	dir, ok := store.AsDirectory(b)
	if !ok {
		return nil, errors.New("the configured store does not manage members and groups")
	}
	return dir, nil
}

// requireMember returns the logged in member.
func (a *app) requireMember() (core.Member, error) {
	m := a.session.Member()
	if m.UserID == "" {
		return core.Member{}, errors.New("not logged in, run `locsync user login` first")
	}
	return m, nil
}
