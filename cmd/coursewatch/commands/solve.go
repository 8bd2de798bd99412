package commands

import (
	"coursewatch/internal/captcha"
	"coursewatch/internal/components/telemetry"
	"coursewatch/pkg/serviceutil"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(solveCmd)
}

var solveCmd = &cobra.Command{
	Use:   "solve <image>",
	Short: "Submits a captcha image to the recognizer and prints the chosen answer.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		image, err := os.ReadFile(args[0])
		if err != nil {
			serviceutil.Fatal("failed to read image", err)
		}

		solver := captcha.NewSolver(readConfig().Captcha.BaseUrl, telemetry.SlogAPI{})
		answer, err := solver.Solve(cmd.Context(), image)
		if err != nil {
			serviceutil.Fatal("failed to solve captcha", err)
		}
		fmt.Println(answer)
	},
}
