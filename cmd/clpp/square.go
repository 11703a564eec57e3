package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/shanyungyang/clpp/pkg/cl"
	"github.com/shanyungyang/clpp/pkg/driver"
)

var (
	squareCount  int
	squareLocal  int
	squareDevice int
)

var squareCmd = &cobra.Command{
	Use:   "square",
	Short: "Compute squares on a device and check the answer",
	Long: `Build a kernel that writes i*i to element i, run it over --count
work-items in work-groups of --local, read the buffer back and check it.`,
	Args: cobra.NoArgs,
	RunE: runSquare,
}

func init() {
	squareCmd.Flags().IntVarP(&squareCount, "count", "n", 1024, "number of work-items")
	squareCmd.Flags().IntVar(&squareLocal, "local", 64, "work-group size, 0 lets the runtime choose")
	squareCmd.Flags().IntVarP(&squareDevice, "device", "d", 0, "device index within the context")
	rootCmd.AddCommand(squareCmd)
}

func runSquare(cmd *cobra.Command, args []string) error {
	if squareCount <= 0 {
		return errors.Errorf("--count must be positive, got %d", squareCount)
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	if squareDevice < 0 || squareDevice >= s.ctx.NumDevices() {
		return errors.Errorf("--device %d out of range, context has %d devices", squareDevice, s.ctx.NumDevices())
	}

	prog, err := s.compile(squareSource)
	if err != nil {
		return err
	}
	defer prog.Release()
	k, err := prog.Kernel("square")
	if err != nil {
		return err
	}
	defer k.Release()

	out, err := cl.CreateBuffer[int32](s.ctx, squareCount, driver.MemWriteOnly, nil)
	if err != nil {
		return err
	}
	defer out.Release()
	if err := k.SetArgs(out); err != nil {
		return err
	}

	q := s.ctx.Queue(squareDevice)
	run, err := q.Launch(k, cl.Range1(squareCount), cl.WithLocal(cl.Range1(squareLocal)))
	if err != nil {
		return err
	}
	defer run.Release()

	data := make([]int32, squareCount)
	read, err := cl.ReadBuffer(q, out, data, cl.After(run))
	if err != nil {
		return err
	}
	read.Release()

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Running on %s\n", deviceName(q.Device()))
	fmt.Fprint(w, "Checking the answer...")
	for i, v := range data {
		if v != int32(i*i) {
			fmt.Fprintln(w, "FAILED")
			return errors.Errorf("element %d is %d, want %d", i, v, i*i)
		}
	}
	fmt.Fprintln(w, "PASSED")
	return nil
}
