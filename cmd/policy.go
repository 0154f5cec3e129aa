package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate a policy and print its tree",
	Long: `Validate a policy and print its tree

With --policy, the JSON policy file is loaded and every configuration problem
is reported. Without it, the standard policy for --variant is printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pol, err := loadPolicy()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(dataOutput(), pol)
		return err
	},
}

func init() {
	RootCmd.AddCommand(policyCmd)
	addOutputFlag(policyCmd)
	addVariantFlag(policyCmd)
	policyCmd.PersistentFlags().StringVar(&policyFile, "policy", "", "JSON policy file")
}
