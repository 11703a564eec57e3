package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shanyungyang/clpp/pkg/buildcache"
	"github.com/shanyungyang/clpp/pkg/cl"
	"github.com/shanyungyang/clpp/pkg/config"
	"github.com/shanyungyang/clpp/pkg/driver"
	"github.com/shanyungyang/clpp/pkg/driver/hostsim"
	"github.com/shanyungyang/clpp/pkg/logging"

	// Registers the "opencl" runtime, or its stub without -tags opencl.
	_ "github.com/shanyungyang/clpp/pkg/driver/opencl"
)

var (
	cfgFile     string
	runtimeName string
	deviceType  string
	verbose     bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "clpp",
	Short: "Inspect compute devices and run sample programs",
	Long: `clpp drives OpenCL-style compute devices through a reference counted
object model. It lists devices, runs sample kernels and shows build logs.

Without an OpenCL installation the host simulator runtime is used.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.clpp/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&runtimeName, "runtime", "", "runtime to use: opencl or hostsim (overrides config)")
	rootCmd.PersistentFlags().StringVar(&deviceType, "device-type", "", "device type: all, gpu, cpu, accelerator (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if runtimeName != "" {
		c.Runtime = runtimeName
	}
	if deviceType != "" {
		c.DeviceType = deviceType
	}
	if verbose {
		c.Logging.Level = "debug"
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := logging.Init(c.Logging.Level, c.Logging.File, c.Logging.Console); err != nil {
		return err
	}
	cfg = c
	return nil
}

// session is an opened runtime with one context over the configured devices.
type session struct {
	rt    driver.Runtime
	ctx   *cl.Context
	cache *buildcache.Cache
}

// openRuntime selects the configured runtime. The hostsim factory is
// replaced so the simulator uses the configured devices.
func openRuntime() (driver.Runtime, error) {
	driver.Register("hostsim", func() (driver.Runtime, error) {
		return hostsim.New(cfg.HostSim)
	})
	return driver.Select(cfg.Runtime, cfg.Fallback)
}

func openSession() (*session, error) {
	rt, err := openRuntime()
	if err != nil {
		return nil, err
	}

	platforms, err := cl.Platforms(rt)
	if err != nil {
		return nil, err
	}
	if cfg.Platform >= len(platforms) {
		return nil, errors.Errorf("platform %d requested, %s runtime has %d", cfg.Platform, rt.Name(), len(platforms))
	}

	s := &session{rt: rt}
	opts := &cl.Options{QueueProperties: cfg.QueueProperties()}
	if cfg.Build.Cache.Enabled {
		if s.cache, err = buildcache.Open(buildcache.DefaultOptions(cfg.Build.Cache.Path)); err != nil {
			return nil, err
		}
		opts.BuildCache = s.cache
	}

	s.ctx, err = cl.NewContextFromType(rt, platforms[cfg.Platform], cfg.DeviceTypeValue(), opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	logging.WithComponent("clpp").WithFields(logrus.Fields{
		"runtime": rt.Name(),
		"devices": s.ctx.NumDevices(),
	}).Debug("session opened")
	return s, nil
}

// compile builds source with the configured options and fails on a build
// error.
func (s *session) compile(source string) (*cl.Program, error) {
	prog, err := s.ctx.CompileProgram(source, cfg.Build.Options)
	if err != nil {
		return nil, err
	}
	if err := prog.BuildErr(); err != nil {
		prog.Release()
		return nil, err
	}
	return prog, nil
}

func (s *session) Close() {
	if s.ctx != nil {
		s.ctx.Release()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			logging.Warnf("closing build cache: %v", err)
		}
	}
}

func deviceName(d cl.Device) string {
	name, err := d.Name()
	if err != nil {
		return fmt.Sprintf("device %#x", d.ID())
	}
	return name
}
