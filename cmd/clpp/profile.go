package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shanyungyang/clpp/pkg/cl"
)

var (
	profileItems      int
	profileIterations int
	profileRuns       int
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Time a busy kernel with queue profiling",
	Long: `Run a kernel that spins in an empty loop with profiling enabled on the
first queue, then print the queued, submit, start and end timestamps and
the execution time of each run.`,
	Args: cobra.NoArgs,
	RunE: runProfile,
}

func init() {
	profileCmd.Flags().IntVarP(&profileItems, "count", "n", 4096, "number of work-items")
	profileCmd.Flags().IntVar(&profileIterations, "iterations", 10000, "loop iterations per work-item")
	profileCmd.Flags().IntVar(&profileRuns, "runs", 3, "number of launches")
	rootCmd.AddCommand(profileCmd)
}

func runProfile(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	prog, err := s.compile(spinSource)
	if err != nil {
		return err
	}
	defer prog.Release()
	k, err := prog.Kernel("spin")
	if err != nil {
		return err
	}
	defer k.Release()
	if err := k.SetArgs(int32(profileIterations)); err != nil {
		return err
	}

	q := s.ctx.Queue(0)
	if err := q.SetProfiling(true); err != nil {
		return err
	}

	events := make([]*cl.Event, 0, profileRuns)
	defer func() {
		for _, e := range events {
			e.Release()
		}
	}()
	for i := 0; i < profileRuns; i++ {
		e, err := q.Launch(k, cl.Range1(profileItems))
		if err != nil {
			return err
		}
		events = append(events, e)
	}
	if err := cl.WaitAll(events...); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Running on %s\n", deviceName(q.Device()))
	fmt.Fprintf(w, "%4s %16s %16s %16s %16s %14s\n", "run", "queued", "submitted", "started", "ended", "execution")
	for i, e := range events {
		p, err := e.Profile()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%4d %16d %16d %16d %16d %14s\n", i+1, p.Queued, p.Submitted, p.Started, p.Ended, p.Run())
	}
	return nil
}
