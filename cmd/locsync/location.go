package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OCAP2/locsync/internal/geo"
	"github.com/OCAP2/locsync/internal/store"
)

func newLocationCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "location",
		Short: "Publish member locations",
	}
	cmd.AddCommand(newLocationPublishCmd(a))
	return cmd
}

func newLocationPublishCmd(a *app) *cobra.Command {
	var (
		lat, lon        float64
		userID, groupID string
		bucket          string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Store the location object of a member in the group bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := geo.Validate(lat, lon); err != nil {
				return fmt.Errorf("lat %v lon %v: %w", lat, lon, err)
			}
			if userID == "" {
				m, err := a.requireMember()
				if err != nil {
					return err
				}
				userID = m.UserID
			}
			sessGroup, sessBucket := a.session.Group()
			if groupID == "" {
				groupID = sessGroup
			}
			if bucket == "" {
				bucket = sessBucket
			}

			ctx := cmd.Context()
			backend, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			w, ok := backend.(store.LocationWriter)
			if !ok {
				return errors.New("the configured store cannot save locations")
			}
			if err := w.SaveLocation(ctx, groupID, bucket, userID, lat, lon); err != nil {
				return err
			}
			a.logger.Info("Published location", "userId", userID, "group", groupID, "bucket", bucket)
			fmt.Fprintf(cmd.OutOrStdout(), "published %s at %.6f,%.6f to %s/%s\n", userID, lat, lon, groupID, bucket)
			return nil
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude in degrees")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude in degrees")
	cmd.Flags().StringVar(&userID, "user", "", "member id (default: logged in member)")
	cmd.Flags().StringVar(&groupID, "group", "", "group id (default: session group)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket name (default: session bucket)")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}
