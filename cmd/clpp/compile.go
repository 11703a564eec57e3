package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/shanyungyang/clpp/pkg/cl"
)

var compileOptions string

var compileCmd = &cobra.Command{
	Use:   "compile FILE",
	Short: "Build a program and show the build log of every device",
	Long: `Build the kernel source in FILE for every device of the context and
print each device's build status and compiler output. The command fails
when any device failed to build.`,
	Args: cobra.ExactArgs(1),
	RunE: runCompile,
}

func init() {
	compileCmd.Flags().StringVarP(&compileOptions, "options", "o", "", "build options (default from config)")
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	source, err := cl.ReadSourceFile(args[0])
	if err != nil {
		return err
	}
	options := cfg.Build.Options
	if cmd.Flags().Changed("options") {
		options = compileOptions
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	prog, err := s.ctx.CompileProgram(source, options)
	if err != nil {
		return err
	}
	defer prog.Release()

	w := cmd.OutOrStdout()
	if prog.FromCache() {
		fmt.Fprintln(w, "Loaded from build cache")
	}
	for _, d := range s.ctx.Devices() {
		status, err := prog.Status(d)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %s\n", deviceName(d), status)
		log, err := prog.BuildLog(d)
		if err != nil {
			return err
		}
		if log = strings.TrimSpace(log); log != "" {
			fmt.Fprintln(w, log)
		}
	}

	if err := prog.BuildErr(); err != nil {
		// The logs were printed above.
		var be *cl.BuildError
		if errors.As(err, &be) {
			return errors.Errorf("build failed on %d of %d devices", len(be.Failures), s.ctx.NumDevices())
		}
		return err
	}
	names, err := prog.KernelNames()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Kernels: %s\n", strings.Join(names, ", "))
	return nil
}
