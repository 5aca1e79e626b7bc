package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lorenzosaino/go-sysctl"
	"github.com/spf13/viper"
	"github.com/usnistgov/okatis"
	"github.com/usnistgov/okatis/eventstream"
	"github.com/usnistgov/okatis/internal/sessiondb"
	"github.com/usnistgov/okatis/npyrecord"
	"github.com/usnistgov/okatis/okfp"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper reads the command defaults from config.yaml in configDir, then
// /etc/okatis, then the working directory. Flags given on the command line
// win over the file.
func setupViper(configDir string) error {
	viper.SetDefault("driver", "nohardware")
	viper.SetDefault("serial", "")
	viper.SetDefault("params", "")
	viper.SetDefault("zmqport", 5600)
	viper.SetDefault("db", "")
	viper.SetDefault("record", "")

	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(configDir, filename+suffix); err != nil {
		return err
	}
	viper.SetConfigName(filename)
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(filepath.FromSlash("/etc/okatis"))
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// checkSocketBuffers warns when the kernel caps socket send buffers below what
// a busy EVENTS publisher needs.
func checkSocketBuffers() {
	const wanted = 4 << 20
	value, err := sysctl.Get("net.core.wmem_max")
	if err != nil {
		okatis.UpdateLogger.Printf("Could not read net.core.wmem_max: %v", err)
		return
	}
	wmem, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return
	}
	if wmem < wanted {
		okatis.ProblemLogger.Printf("net.core.wmem_max is %d bytes; EVENTS subscribers may lag at high event rates (want >= %d)", wmem, wanted)
	}
}

// options are the settings of one okatis run, from flags over the config file.
type options struct {
	driver   string
	serial   string
	params   string
	record   string
	dbaddr   string
	zmqport  int
	duration time.Duration
	trigger  time.Duration
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	okatis.Build.Date = buildDate
	okatis.Build.Githash = githash
	okatis.Build.Gitdate = gitdate
	okatis.Build.Summary = fmt.Sprintf("okatis version %s (git commit %s of %s)", okatis.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		okatis.Build.Host = host
	} else {
		okatis.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	listDrivers := flag.Bool("drivers", false, "list the FrontPanel drivers and quit")
	configDir := flag.String("config", "$HOME/.okatis", "directory holding config.yaml")
	driver := flag.String("driver", "", "FrontPanel driver (default from config, else nohardware)")
	serial := flag.String("serial", "", "serial of the board to open (default: first connected)")
	params := flag.String("params", "", "camera parameter file (yaml, json or toml)")
	record := flag.String("record", "", "write events as .npy chunks into this directory")
	dbaddr := flag.String("db", "", "ClickHouse address for the session log (default: no database)")
	zmqport := flag.Int("zmq-port", 0, "port of the ZMQ EVENTS/STATUS publisher (0: from config; <0: none)")
	duration := flag.Duration("duration", 0, "stop after this long (0: run until interrupted)")
	trigger := flag.Duration("trigger", 0, "send a software trigger with this period (0: never)")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is okatis version %s\n", okatis.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}
	if *listDrivers {
		for _, name := range okfp.Drivers() {
			fmt.Println(name)
		}
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is okatis version %s (git commit %s)\n", okatis.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".okatis", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	okatis.ProblemLogger = startLogger(problemname)
	okatis.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging camera updates to %s\n\n", logname)
	okatis.UpdateLogger.Printf("\n\n\n\n%s", banner)

	if err := setupViper(strings.Replace(*configDir, "$HOME", HOME, 1)); err != nil {
		panic(err)
	}
	opt := options{
		driver:   stringSetting(*driver, "driver"),
		serial:   stringSetting(*serial, "serial"),
		params:   stringSetting(*params, "params"),
		record:   stringSetting(*record, "record"),
		dbaddr:   stringSetting(*dbaddr, "db"),
		zmqport:  *zmqport,
		duration: *duration,
		trigger:  *trigger,
	}
	if opt.zmqport == 0 {
		opt.zmqport = viper.GetInt("zmqport")
	}

	err = run(opt)
	writeMemoryProfile(memprofile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "okatis: %v\n", err)
		pprof.StopCPUProfile()
		os.Exit(1)
	}
}

// stringSetting returns the flag value if it was given, else the config value.
func stringSetting(flagValue, key string) string {
	if flagValue != "" {
		return flagValue
	}
	return viper.GetString(key)
}

// run opens the camera and fans its events out until the duration expires,
// the process is signaled, or acquisition faults. The fault is returned.
func run(opt options) error {
	params := okatis.DefaultParameters()
	if opt.params != "" {
		var err error
		if params, err = okatis.LoadParameters(opt.params); err != nil {
			return err
		}
	}
	okatis.UpdateLogger.Printf("Camera parameters:\n%v", params)

	panel, err := okfp.Open(opt.driver)
	if err != nil {
		return err
	}
	serials, err := okatis.AvailableSerials(panel)
	if err != nil {
		return err
	}
	fmt.Printf("Driver %s sees boards %v\n", opt.driver, serials)
	cam := okatis.NewCamera(panel, okatis.WithSerial(opt.serial))

	var handlers []okatis.EventHandler
	var publisher *okatis.EventPublisher
	if opt.zmqport > 0 {
		checkSocketBuffers()
		okatis.SetPortnumbers(opt.zmqport)
		if publisher, err = okatis.NewEventPublisher(okatis.Ports.Events, cam.Status, time.Second); err != nil {
			return err
		}
		defer publisher.Close()
		handlers = append(handlers, publisher.HandleEvent)
		fmt.Printf("Publishing %s and %s on port %d\n", okatis.TopicEvents, okatis.TopicStatus, okatis.Ports.Events)
	}
	var recorder *npyrecord.Recorder
	if opt.record != "" {
		_, statErr := os.Stat(opt.record)
		made := os.IsNotExist(statErr)
		if recorder, err = npyrecord.Create(opt.record, npyrecord.DefaultChunkEvents); err != nil {
			return err
		}
		// Closing twice returns npyrecord.ErrClosed, which is ignored here.
		defer recorder.Close()
		if made {
			// Removes the directory only while it is still empty.
			defer func() {
				if recorder.Written() == 0 {
					os.Remove(opt.record)
				}
			}()
		}
		handlers = append(handlers, recorder.HandleEvent)
		fmt.Printf("Recording events to %s\n", opt.record)
	}
	handleEvent := func(e eventstream.PixelEvent) {
		for _, h := range handlers {
			h(e)
		}
	}
	faults := make(chan error, 1)
	handleFault := func(err error) { faults <- err }

	if err := cam.Open(params, handleEvent, handleFault); err != nil {
		return err
	}
	fmt.Printf("Session %s: board %s streaming %v events\n", cam.SessionID(), cam.Serial(), cam.Revision())

	abort := make(chan struct{})
	db := sessiondb.DummyDBConnection()
	if opt.dbaddr != "" {
		db = sessiondb.StartSession(opt.dbaddr, &sessiondb.SessionMessage{
			ID:        cam.SessionID(),
			Hostname:  okatis.Build.Host,
			Githash:   okatis.Build.Githash,
			Version:   okatis.Build.Version,
			GoVersion: runtime.Version(),
			Serial:    cam.Serial(),
			Firmware:  params.Firmware,
			Revision:  cam.Revision().String(),
			Start:     time.Now(),
		}, abort)
		if !db.IsConnected() {
			okatis.ProblemLogger.Printf("Session database %s: %v", opt.dbaddr, db.Err())
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)
	var timeout <-chan time.Time
	if opt.duration > 0 {
		timeout = time.After(opt.duration)
	}
	var triggers <-chan time.Time
	if opt.trigger > 0 {
		ticker := time.NewTicker(opt.trigger)
		defer ticker.Stop()
		triggers = ticker.C
	}
	report := time.NewTicker(time.Second)
	defer report.Stop()

	var fault error
	faulted := false
loop:
	for {
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			break loop
		case <-timeout:
			break loop
		case fault = <-faults:
			faulted = true
			break loop
		case <-triggers:
			if err := cam.Trigger(); err != nil && !errors.Is(err, okatis.ErrNotOpen) {
				okatis.ProblemLogger.Printf("Trigger: %v", err)
			}
		case now := <-report.C:
			s := cam.Stats()
			db.RecordPolls(&sessiondb.PollMessage{
				SessionID:     cam.SessionID(),
				Time:          now,
				Polls:         s.Polls,
				IdlePolls:     s.IdlePolls,
				Events:        s.Events,
				PeakOccupancy: s.PeakOccupancy,
				MeanOccupancy: s.MeanOccupancy,
				EventRate:     s.EventRate,
			})
			okatis.UpdateLogger.Printf("%d events delivered, %.0f events/s, FIFO %.2f%% full",
				cam.Delivered(), s.EventRate, 100*s.FillFraction)
		}
	}

	if err := cam.Close(); err != nil {
		okatis.ProblemLogger.Printf("Closing the board: %v", err)
	}
	if !faulted {
		fault = <-faults
	}
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			okatis.ProblemLogger.Printf("Recording to %s: %v", opt.record, err)
		}
		fmt.Printf("Recorded %d events in %d chunks\n", recorder.Written(), recorder.Chunks())
	}
	if publisher != nil && publisher.Dropped() > 0 {
		okatis.ProblemLogger.Printf("Publisher dropped %d events", publisher.Dropped())
	}
	db.Finish(cam.Delivered(), fault)
	close(abort)
	fmt.Printf("Session %s: %d events delivered\n", cam.SessionID(), cam.Delivered())
	return fault
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
