package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shanyungyang/clpp/pkg/cl"
	"github.com/shanyungyang/clpp/pkg/clerr"
	"github.com/shanyungyang/clpp/pkg/driver"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List platforms and devices",
	Long: `List every platform of the selected runtime with its devices and
their limits: compute units, clock, memory sizes and work sizes.`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	platforms, err := cl.Platforms(rt)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Runtime: %s\n", rt.Name())
	if len(platforms) == 0 {
		fmt.Fprintln(out, "No available platform found")
		return nil
	}
	for i, p := range platforms {
		if err := listPlatform(out, i, p); err != nil {
			return err
		}
	}
	return nil
}

func listPlatform(out io.Writer, index int, p cl.Platform) error {
	name, err := p.Name()
	if err != nil {
		return err
	}
	vendor, _ := p.Vendor()
	version, _ := p.Version()
	profile, _ := p.Profile()
	ext, _ := p.Extensions()

	fmt.Fprintf(out, "\nPlatform %d:  %s\n", index, name)
	fmt.Fprintf(out, "Vendor:      %s\n", vendor)
	fmt.Fprintf(out, "Version:     %s\n", version)
	fmt.Fprintf(out, "Profile:     %s\n", profile)
	fmt.Fprintf(out, "Extensions:  %s\n", strings.Join(ext, " "))
	fmt.Fprintln(out, "Devices:")

	devices, err := p.Devices(driver.DeviceTypeAll)
	if clerr.HasCode(err, clerr.DeviceNotFound) {
		fmt.Fprintln(out, "  none")
		return nil
	}
	if err != nil {
		return err
	}
	for j, d := range devices {
		info, err := d.Describe()
		if err != nil {
			return err
		}
		writeDevice(out, j+1, info)
	}
	return nil
}

func writeDevice(out io.Writer, n int, info cl.DeviceInfo) {
	const indent = "    "
	fmt.Fprintf(out, "%2d. %s\n", n, info.Name)
	row := func(label string, format string, args ...any) {
		fmt.Fprintf(out, "%s%-26s%s\n", indent, label+":", fmt.Sprintf(format, args...))
	}
	row("Vendor", "%s", info.Vendor)
	row("Type", "%s", info.Type)
	row("Version", "%s (driver %s)", info.Version, info.DriverVersion)
	row("Available", "%s", yesNo(info.Available))
	row("Compiler", "%s", yesNo(info.Compiler))
	row("Number of compute units", "%d", info.ComputeUnits)
	row("Clock frequency", "%d MHz", info.ClockMHz)
	row("Global memory size", "%d", info.GlobalMemSize)
	row("Local memory size", "%d", info.LocalMemSize)
	row("Maximum allocatable size", "%d", info.MaxMemAllocSize)
	row("Maximum work-group size", "%d", info.MaxWorkGroupSize)
	sizes := make([]string, len(info.MaxWorkItemSizes))
	for i, s := range info.MaxWorkItemSizes {
		sizes[i] = fmt.Sprint(s)
	}
	row("Maximum work-item sizes", "%s", strings.Join(sizes, "x"))
	if info.UUID != "" {
		row("UUID", "%s", info.UUID)
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
