// Command clpp inspects compute devices and runs small sample programs
// through the clpp object model.
//
// Usage:
//
//	clpp [--config file] [--runtime opencl|hostsim] <command>
//
// Commands:
//
//	devices       list platforms and devices with their limits
//	square        compute squares of 0..n-1 on a device and check them
//	compile FILE  build a program and print every device's build log
//	profile       time a busy kernel with queue profiling enabled
//	config init   write the default configuration file
//
// The hostsim runtime is always available. The opencl runtime needs a build
// with -tags opencl and an installed ICD loader.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
