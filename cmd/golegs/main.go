package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cjeanneret/GoLegs/internal/config"
	"github.com/cjeanneret/GoLegs/internal/debug"
	"github.com/cjeanneret/GoLegs/internal/hw/gpio"
	"github.com/cjeanneret/GoLegs/internal/hw/power"
	"github.com/cjeanneret/GoLegs/internal/hw/pwm"
	"github.com/cjeanneret/GoLegs/internal/hw/servo"
	"github.com/cjeanneret/GoLegs/internal/logic/motion"
	"github.com/cjeanneret/GoLegs/internal/logic/sweep"
	"github.com/cjeanneret/GoLegs/internal/web"
)

func main() {
	os.Exit(run())
}

// run holds the whole program so deferred hardware cleanup happens before
// the process exits.
func run() int {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	profile := flag.String("profile", "", "override servo profile ("+fmt.Sprint(servo.ProfileNames())+")")
	stepDeg := flag.Float64("step_deg", 0, "override sweep step in degrees")
	channel := flag.String("channel", "", "channel name or output (T3C2); empty = all channels")
	angle := &angleFlag{}
	flag.Var(angle, "angle", "set -channel to this angle and exit")
	center := flag.Bool("center", false, "move every servo to neutral and exit")
	plan := flag.Bool("plan", false, "print the sweep plan and exit without touching hardware")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (zero values mean "use config default")
	overrides := cliOverrides{Profile: *profile, StepDeg: *stepDeg}
	if err := validateCLIOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	for _, w := range cfg.Warnings() {
		log.Printf("warning: %s", w)
	}
	if angle.set && *channel == "" {
		log.Fatalf("-angle needs -channel")
	}

	if *plan {
		if err := writePlan(os.Stdout, cfg); err != nil {
			log.Fatalf("plan failed: %v", err)
		}
		return 0
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Channels(len(cfg.Channels), cfg.Servo.Profile)

	debug.Step(1, "Initializing PWM driver")
	debug.Value("PWM driver", cfg.PWM.Driver)
	pwmDriver, err := newPWMFromConfig(cfg)
	if err != nil {
		log.Fatalf("init PWM failed: %v", err)
	}
	defer func() {
		if err := pwmDriver.Close(); err != nil {
			log.Printf("closing PWM driver failed: %v", err)
		}
	}()

	debug.Step(2, "Initializing servo power")
	gpioDriver, err := gpio.NewDriver(cfg.Power.GPIODriver)
	if err != nil {
		log.Printf("init GPIO failed: %v", err)
		return 1
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()
	rail, err := power.NewRail(gpioDriver, cfg.Power.Pin, cfg.Power.ActiveLow, cfg.PowerSettle())
	if err != nil {
		log.Printf("init servo power failed: %v", err)
		return 1
	}
	debug.Value("Power pin", cfg.Power.Pin)

	debug.Step(3, "Building servo bank")
	ctrl, err := newControllerFromConfig(cfg, pwmDriver, rail)
	if err != nil {
		log.Printf("init servos failed: %v", err)
		return 1
	}
	defer func() {
		if err := ctrl.DisableServos(); err != nil {
			log.Printf("disabling servo power failed: %v", err)
		}
	}()

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		srv := web.NewServer(webAddr, broadcaster, runFunc(ctrl), ctrl.SetAngle, benchConfig(cfg, ctrl))
		if err := srv.Run(ctx); err != nil {
			log.Printf("web server: %v", err)
			return 1
		}
		return 0
	}

	if err := runOnce(ctx, ctrl, *channel, angle, *center); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("interrupted")
			return 130
		}
		log.Printf("run failed: %v", err)
		return 1
	}
	debug.Section("Done")
	return 0
}

// runOnce performs the single CLI action.
func runOnce(ctx context.Context, ctrl *motion.Controller, channel string, angle *angleFlag, center bool) error {
	switch {
	case angle.set:
		debug.Section("Set angle")
		return ctrl.SetAngle(channel, angle.val)
	case center:
		debug.Section("Center all")
		return ctrl.CenterAll()
	case channel != "":
		debug.Section("Sweep " + channel)
		return ctrl.Sweep(ctx, channel)
	default:
		debug.Info("All-channel test, about %s", ctrl.Estimate())
		return ctrl.SweepAll(ctx)
	}
}

// runFunc adapts the controller to the web run callback.
func runFunc(ctrl *motion.Controller) web.RunFunc {
	return func(ctx context.Context, channel string) error {
		if channel == "" {
			return ctrl.SweepAll(ctx)
		}
		return ctrl.Sweep(ctx, channel)
	}
}

// newPWMFromConfig selects a PWM implementation based on configuration.
func newPWMFromConfig(cfg *config.Config) (pwm.Driver, error) {
	switch cfg.PWM.Driver {
	case config.DriverMock:
		return pwm.NewMockDriver(), nil
	case config.DriverRPIO:
		d, err := pwm.NewRPiDriver(cfg.RPIOPins())
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DriverSysfs:
		d, err := pwm.NewSysfsDriver(cfg.PWM.SysfsBase)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DriverSerial:
		d, err := pwm.NewSerialDriver(pwm.SerialConfig{
			Device:       cfg.PWM.SerialPort,
			BaudRate:     cfg.PWM.BaudRate,
			ReplyTimeout: cfg.ReplyTimeout(),
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported pwm driver: %s", cfg.PWM.Driver)
	}
}

// sweepParams converts the sweep section of cfg.
func sweepParams(cfg *config.Config) sweep.Params {
	return sweep.Params{
		Step:              cfg.Sweep.StepDeg,
		StepDelay:         cfg.StepDelay(),
		SettleDelay:       cfg.SettleDelay(),
		InterChannelDelay: cfg.InterChannelDelay(),
	}
}

// newControllerFromConfig builds one servo per channel, in table order.
func newControllerFromConfig(cfg *config.Config, drv pwm.Driver, rail *power.Rail) (*motion.Controller, error) {
	servos := make([]*servo.Servo, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		p, err := cfg.ChannelProfile(ch)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		servos = append(servos, servo.New(ch.Name, drv, ch.Output(), p))
		debug.Verbose("Servo %s on %s (%s, %.0f..%.0f)", ch.Name, ch.Output(), p.Name, p.Range.Min, p.Range.Max)
	}
	seq, err := sweep.NewSequencer(sweepParams(cfg))
	if err != nil {
		return nil, err
	}
	return motion.NewController(servos, seq, rail)
}

// benchConfig describes the servo bank for the web UI.
func benchConfig(cfg *config.Config, ctrl *motion.Controller) web.BenchConfig {
	bc := web.BenchConfig{
		Profile:    cfg.Servo.Profile,
		StepDeg:    cfg.Sweep.StepDeg,
		EstimateMs: ctrl.Estimate().Milliseconds(),
	}
	for _, s := range ctrl.Servos() {
		bc.Channels = append(bc.Channels, web.ChannelInfo{
			Name:   s.Name(),
			Output: s.Output().String(),
			Range:  s.Range(),
		})
	}
	return bc
}

// writePlan prints every move of the all-channel test with pulse widths.
func writePlan(w io.Writer, cfg *config.Config) error {
	params := sweepParams(cfg)
	if err := params.Validate(); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tOUTPUT\tPHASE\tPOINTS\tFROM\tTO\tTICKS\tDELAY")
	var total time.Duration
	for _, ch := range cfg.Channels {
		p, err := cfg.ChannelProfile(ch)
		if err != nil {
			return fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		for _, m := range sweep.Plan(p.Range, params) {
			from, to := m.Angles[0], m.Angles[len(m.Angles)-1]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.1f\t%.1f\t%d..%d\t%s\n",
				ch.Name, ch.Output(), m.Phase, len(m.Angles), from, to,
				p.Calibration.Ticks(from), p.Calibration.Ticks(to), m.Delay)
		}
		total += sweep.Duration(p.Range, params) + params.InterChannelDelay
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\n%d channels, profile %s, step %.1f°, estimated %s\n",
		len(cfg.Channels), cfg.Servo.Profile, params.Step, total)
	return err
}

// cliOverrides holds values given on the command line.
type cliOverrides struct {
	Profile string
	StepDeg float64
}

// validateCLIOverrides checks that set CLI overrides are usable.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(o cliOverrides) error {
	if o.Profile != "" {
		if _, err := servo.LookupProfile(o.Profile); err != nil {
			return err
		}
	}
	if o.StepDeg != 0 {
		if math.IsNaN(o.StepDeg) || math.IsInf(o.StepDeg, 0) || o.StepDeg <= 0 || o.StepDeg > 180 {
			return fmt.Errorf("step_deg must be in (0, 180], got %g", o.StepDeg)
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero values are applied.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.Profile != "" {
		cfg.Servo.Profile = o.Profile
	}
	if o.StepDeg > 0 {
		cfg.Sweep.StepDeg = o.StepDeg
	}
}

// angleFlag implements flag.Value for -angle; 0 is a valid angle so "set"
// is tracked separately.
type angleFlag struct {
	val float64
	set bool
}

func (a *angleFlag) String() string {
	if !a.set {
		return ""
	}
	return strconv.FormatFloat(a.val, 'f', -1, 64)
}

func (a *angleFlag) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("angle must be a finite number, got %s", s)
	}
	a.val, a.set = v, true
	return nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
