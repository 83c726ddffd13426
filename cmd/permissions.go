package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabfab/go-assistant/authz"
)

type tupleFlags struct {
	user     string
	relation string
	object   string
}

func (f *tupleFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "user email, or group:<id> for a group viewer")
	cmd.Flags().StringVar(&f.relation, "relation", authz.RelationViewer, "owner, viewer or member")
	cmd.Flags().StringVar(&f.object, "object", "", "document id, or group:<id> for membership")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("object")
}

func (f *tupleFlags) tuple() (authz.Tuple, error) {
	t := authz.Tuple{User: f.user, Relation: f.relation, Object: f.object}
	if err := t.Validate(); err != nil {
		return authz.Tuple{}, err
	}
	return t, nil
}

func newGrantCommand(flags *globalFlags) *cobra.Command {
	tf := &tupleFlags{}
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Write a relationship tuple",
		Example: `  go-assistant grant --user bob@example.com --object 3f2b9c1e-8d4a-4f6b-9a51-0c7e2d1b6a90
  go-assistant grant --user bob@example.com --relation member --object group:eng`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := tf.tuple()
			if err != nil {
				return err
			}
			return withRuntime(cmd, flags, func(ctx context.Context, rt *runtime) error {
				if err := rt.authz.Write(ctx, t); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %s\n", t)
				return nil
			})
		},
	}
	tf.bind(cmd)
	return cmd
}

func newRevokeCommand(flags *globalFlags) *cobra.Command {
	tf := &tupleFlags{}
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Delete a relationship tuple",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := tf.tuple()
			if err != nil {
				return err
			}
			return withRuntime(cmd, flags, func(ctx context.Context, rt *runtime) error {
				if err := rt.authz.Delete(ctx, t); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", t)
				return nil
			})
		},
	}
	tf.bind(cmd)
	return cmd
}
