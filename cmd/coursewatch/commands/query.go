package commands

import (
	cmdapi "coursewatch/internal/commands"
	"coursewatch/internal/components/telemetry"
	"coursewatch/pkg/serviceutil"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queryCmd)
}

var queryCmd = &cobra.Command{
	Use:   "query <course-id>",
	Short: "Logs into the portal and checks a single course for open seats.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		course := args[0]
		if !cmdapi.ValidCourseId(course) {
			serviceutil.Fatal("invalid course id", fmt.Errorf("`%s` is not a valid one", course))
		}

		manager := newManager(readConfig(), telemetry.SlogAPI{})
		err := manager.Init(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to establish a session", err)
		}
		available, err := manager.Query(cmd.Context(), course)
		if err != nil {
			serviceutil.Fatal("failed to query course", err)
		}

		if available {
			fmt.Printf("%s: seats available\n", course)
		} else {
			fmt.Printf("%s: full\n", course)
		}
	},
}
