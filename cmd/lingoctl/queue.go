package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"lingochat/internal/queue"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	outputFormat string

	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable request queue",
	}

	queueListCmd = &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List units waiting for retry",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := queue.OpenBolt(cfg.Queue.DataDir, 0, true)
			if err != nil {
				return fmt.Errorf("%w (is the server holding the queue file?)", err)
			}
			defer db.Close()

			infos, err := listUnits(db)
			if err != nil {
				return err
			}
			return printUnits(cmd.OutOrStdout(), infos, outputFormat, time.Now())
		},
	}
)

func init() {
	queueListCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or yaml")
	queueCmd.AddCommand(queueListCmd)
}

func listUnits(db *queue.BoltDB) ([]queue.UnitInfo, error) {
	names, err := db.Buckets()
	if err != nil {
		return nil, err
	}

	var all []queue.UnitInfo
	for _, name := range names {
		store, err := db.Bucket(name)
		if err != nil {
			return nil, err
		}
		infos, err := queue.Inspect(name, store)
		if err != nil {
			return nil, err
		}
		all = append(all, infos...)
	}
	return all, nil
}

func printUnits(w io.Writer, infos []queue.UnitInfo, format string, now time.Time) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(infos)
	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "QUEUE\tID\tKEY\tATTEMPTS\tLAST ATTEMPT\tCREATED")
		for _, u := range infos {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				u.Queue, u.ID, u.Key, u.AttemptCount,
				humanize.RelTime(u.LastAttemptAt, now, "ago", "from now"),
				humanize.RelTime(u.CreatedAt, now, "ago", "from now"))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
