package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// assignCmd splits a batch of image ids equally across workers.
var assignCmd = &cobra.Command{
	Use:   "assign --workers w1,w2 [--ids 1,2,3 | --range 1-100 | --id-file ids.txt]",
	Short: "Distribute image ids across workers in equal shares",
	RunE: func(cmd *cobra.Command, args []string) error {
		workersFlag, err := cmd.Flags().GetString("workers")
		if err != nil || workersFlag == "" {
			return fmt.Errorf("--workers flag is required")
		}
		workerIDs := strings.Split(workersFlag, ",")

		imageIDs, err := collectImageIDs(cmd)
		if err != nil {
			return err
		}
		if len(imageIDs) == 0 {
			return fmt.Errorf("no image ids given: use --ids, --range or --id-file")
		}

		app, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		results, err := app.Engine.SplitEqually(cmd.Context(), workerIDs, imageIDs)
		if err != nil {
			return err
		}
		for _, res := range results {
			fmt.Printf("%s\t%d images\n", res.WorkerID, len(res.Assigned))
			for id, prev := range res.Stolen {
				fmt.Printf("  image %d taken over from %s\n", id, prev)
			}
		}
		return nil
	},
}

func collectImageIDs(cmd *cobra.Command) ([]int64, error) {
	var ids []int64

	idsFlag, _ := cmd.Flags().GetString("ids")
	if idsFlag != "" {
		for _, part := range strings.Split(idsFlag, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid image id %q: %w", part, err)
			}
			ids = append(ids, id)
		}
	}

	rangeFlag, _ := cmd.Flags().GetString("range")
	if rangeFlag != "" {
		lo, hi, ok := strings.Cut(rangeFlag, "-")
		if !ok {
			return nil, fmt.Errorf("invalid range %q: expected lo-hi", rangeFlag)
		}
		start, err := strconv.ParseInt(lo, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid range start %q: %w", lo, err)
		}
		end, err := strconv.ParseInt(hi, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid range end %q: %w", hi, err)
		}
		if end < start {
			return nil, fmt.Errorf("invalid range %q: end before start", rangeFlag)
		}
		for id := start; id <= end; id++ {
			ids = append(ids, id)
		}
	}

	fileFlag, _ := cmd.Flags().GetString("id-file")
	if fileFlag != "" {
		f, err := os.Open(fileFlag)
		if err != nil {
			return nil, fmt.Errorf("while opening id file: %w", err)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			id, err := strconv.ParseInt(line, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid image id %q in id file: %w", line, err)
			}
			ids = append(ids, id)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("while reading id file: %w", err)
		}
	}

	return ids, nil
}

func init() {
	assignCmd.Flags().StringP("workers", "w", "", "Comma-separated worker ids")
	assignCmd.Flags().String("ids", "", "Comma-separated image ids")
	assignCmd.Flags().String("range", "", "Inclusive image id range, e.g. 1-100")
	assignCmd.Flags().String("id-file", "", "File with one image id per line")
	rootCmd.AddCommand(assignCmd)
}
