package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jra3/agent-mail/internal/bmc"
	"github.com/jra3/agent-mail/internal/ids"
	"github.com/jra3/agent-mail/internal/store"
)

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "Group projects into a product for sibling discovery",
}

var productsEnsureCmd = &cobra.Command{
	Use:   "ensure <name>",
	Short: "Create a product if it does not already exist",
	Args:  cobra.ExactArgs(1),
	RunE:  runProductsEnsure,
}

var productsLinkCmd = &cobra.Command{
	Use:   "link <product> <project>",
	Short: "Associate a project with a product",
	Args:  cobra.ExactArgs(2),
	RunE:  runProductsLink,
}

func init() {
	rootCmd.AddCommand(productsCmd)
	productsCmd.AddCommand(productsEnsureCmd, productsLinkCmd)
}

func runProductsEnsure(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return failure(err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return failure(fmt.Errorf("open store: %w", err))
	}
	defer st.Close()

	id, err := bmc.NewProductBmc(st).Ensure(context.Background(), args[0])
	if err != nil {
		return failure(err)
	}

	if jsonOutput {
		data, _ := json.Marshal(struct {
			ID int64 `json:"id"`
		}{int64(id)})
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "product %q id=%d\n", args[0], int64(id))
	return nil
}

func runProductsLink(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return failure(err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return failure(fmt.Errorf("open store: %w", err))
	}
	defer st.Close()

	ctx := context.Background()
	projectBmc := bmc.NewProjectBmc(st)
	productBmc := bmc.NewProductBmc(st)
	productBmc.AuditHook = syncHook(cfg.ArchivePath, st, cfg.ArchiveLockTimeout)

	var productID ids.ProductID
	if n, err := parsePositiveID(args[0]); err == nil {
		productID = ids.ProductID(n)
	} else {
		productID, err = productBmc.Ensure(ctx, args[0])
		if err != nil {
			return failure(err)
		}
	}

	proj, err := projectBmc.GetByIdentifier(ctx, args[1])
	if err != nil {
		return failure(err)
	}

	if err := productBmc.Link(ctx, productID, proj.ID); err != nil {
		return failure(err)
	}

	if jsonOutput {
		fmt.Fprintln(cmd.OutOrStdout(), `{"linked":true}`)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "linked project %q to product id=%d\n", args[1], int64(productID))
	return nil
}
