package commands

import (
	cmdapi "coursewatch/internal/commands"
	"coursewatch/internal/components/telemetry"
	"coursewatch/internal/watchlist"
	"coursewatch/pkg/serviceutil"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var watchUser string

func init() {
	watchCmd.PersistentFlags().StringVar(&watchUser, "user", "", "The user whose watchlist to edit.")
	watchCmd.AddCommand(watchListCmd, watchAddCmd, watchRemoveCmd)
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manages watchlists directly in the database.",
}

var watchListCmd = &cobra.Command{
	Use:   "list [--user <id>]",
	Short: "Lists every watchlist, or only the one of --user.",
	Run: func(cmd *cobra.Command, args []string) {
		store, db := openStore(cmd.Context(), readConfig(), telemetry.SlogAPI{})
		defer db.Close()

		var entries []watchlist.Entry
		if watchUser != "" {
			courses, err := store.Get(cmd.Context(), watchUser)
			if err != nil {
				serviceutil.Fatal("failed to read watchlist", err)
			}
			if len(courses) > 0 {
				entries = append(entries, watchlist.Entry{UserId: watchUser, Courses: courses})
			}
		} else {
			var err error
			entries, err = store.All(cmd.Context())
			if err != nil {
				serviceutil.Fatal("failed to read watchlists", err)
			}
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"User", "Courses"})
		for _, entry := range entries {
			t.AppendRow(table.Row{entry.UserId, strings.Join(entry.Courses, ", ")})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}

func validateCourseArgs(cmd *cobra.Command, args []string) error {
	err := cobra.MinimumNArgs(1)(cmd, args)
	if err != nil {
		return err
	}
	if watchUser == "" {
		return fmt.Errorf("--user is required")
	}
	for _, course := range args {
		if !cmdapi.ValidCourseId(course) {
			return fmt.Errorf("Course ID consists only by decimal digits! `%s` is not a valid one", course)
		}
	}
	return nil
}

var watchAddCmd = &cobra.Command{
	Use:   "add --user <id> <course-id>...",
	Short: "Adds courses to a watchlist.",
	Args:  validateCourseArgs,
	Run: func(cmd *cobra.Command, args []string) {
		store, db := openStore(cmd.Context(), readConfig(), telemetry.SlogAPI{})
		defer db.Close()

		for _, course := range args {
			_, err := store.Add(cmd.Context(), watchUser, course)
			if err != nil {
				serviceutil.Fatal("failed to add course", err)
			}
			fmt.Printf("Course added for %s.\n", course)
		}
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove --user <id> <course-id>...",
	Short: "Removes courses from a watchlist.",
	Args:  validateCourseArgs,
	Run: func(cmd *cobra.Command, args []string) {
		store, db := openStore(cmd.Context(), readConfig(), telemetry.SlogAPI{})
		defer db.Close()

		for _, course := range args {
			_, err := store.Remove(cmd.Context(), watchUser, course)
			if err != nil {
				serviceutil.Fatal("failed to remove course", err)
			}
			fmt.Printf("Course removed for %s.\n", course)
		}
	},
}
