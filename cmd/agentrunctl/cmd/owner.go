// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/runstack/agentrun/internal/domain"
	"github.com/runstack/agentrun/internal/repository"
)

var ownerCreateRateLimit int

var ownerCmd = &cobra.Command{
	Use:   "owner",
	Short: "Manage owner credentials",
}

var ownerCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an owner and print its token",
	Long: `Create an owner and print the bearer token exactly once. Only a
hash of the token is stored; a lost token means creating a new owner.`,
	Args: cobra.ExactArgs(1),
	RunE: runOwnerCreate,
}

var ownerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active owners",
	Args:  cobra.NoArgs,
	RunE:  runOwnerList,
}

var ownerRevokeCmd = &cobra.Command{
	Use:   "revoke <owner-id>",
	Short: "Revoke an owner's token",
	Args:  cobra.ExactArgs(1),
	RunE:  runOwnerRevoke,
}

func init() {
	rootCmd.AddCommand(ownerCmd)
	ownerCmd.AddCommand(ownerCreateCmd)
	ownerCmd.AddCommand(ownerListCmd)
	ownerCmd.AddCommand(ownerRevokeCmd)

	ownerCreateCmd.Flags().IntVar(&ownerCreateRateLimit, "rate-limit", 0, "requests per minute (0 uses the default)")
}

func runOwnerCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, pool, logger, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	created, err := repository.NewOwnerRepository(pool, logger).CreateOwner(ctx, domain.CreateOwnerParams{
		Name:              args[0],
		MaxRequestsPerMin: ownerCreateRateLimit,
	})
	if err != nil {
		return err
	}

	fmt.Printf("owner_id: %s\ntoken: %s\n", created.ID, created.Token)
	return nil
}

func runOwnerList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, pool, logger, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	owners, err := repository.NewOwnerRepository(pool, logger).ListOwners(ctx)
	if err != nil {
		return err
	}

	for _, owner := range owners {
		fmt.Printf("%s  %s  %d/min  created %s\n",
			owner.ID, owner.Name, owner.MaxRequestsPerMin,
			owner.CreatedAt.Format("2006-01-02"),
		)
	}
	return nil
}

func runOwnerRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid owner ID %q", args[0])
	}

	_, pool, logger, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := repository.NewOwnerRepository(pool, logger).RevokeOwner(ctx, id); err != nil {
		return err
	}

	fmt.Printf("revoked %s\n", id)
	return nil
}
