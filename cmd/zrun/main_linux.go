// Command zrun spawns one sandbox session, runs a workload inside it and
// prints the result. The binary doubles as the zygote, supervisor and
// sandbox image through the role dispatch in Init.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"github.com/criyle/go-zygote/config"
	"github.com/criyle/go-zygote/controller"
	"github.com/criyle/go-zygote/pkg/memfd"
	"github.com/criyle/go-zygote/runner"
	"github.com/criyle/go-zygote/zygote"
)

var (
	profilePath  string
	rootPath     string
	workDir      string
	cgroupParent string

	inputFileName, outputFileName, errorFileName string

	timeLimit   time.Duration
	memfile     bool
	showDetails bool

	args []string
)

// role dispatch
func init() {
	zygote.Init()
}

func main() {
	pflag.Usage = printUsage
	pflag.StringVarP(&profilePath, "profile", "p", "", "Load the session profile from a YAML file")
	pflag.StringVar(&rootPath, "root", "", "Keep the session root under this directory (default: a temp dir)")
	pflag.StringVarP(&workDir, "work-dir", "w", "", "Set the in-session working directory")
	pflag.StringVar(&cgroupParent, "cgroup-parent", "", "Create the session cgroup under this cgroup v2 directory")
	pflag.StringVar(&inputFileName, "in", "", "Set input file name")
	pflag.StringVar(&outputFileName, "out", "", "Set output file name")
	pflag.StringVar(&errorFileName, "err", "", "Set error file name")
	pflag.DurationVarP(&timeLimit, "time-limit", "t", 0, "Kill the workload after this long")
	pflag.BoolVar(&memfile, "memfd", false, "Seal the program into a memfd and exec that")
	pflag.BoolVarP(&showDetails, "debug", "v", false, "Show session details")
	pflag.Parse()

	args = pflag.Args()
	if len(args) == 0 {
		printUsage()
	}

	rt, err := start()
	if err != nil {
		fmt.Fprintln(os.Stderr, "zrun:", err)
		os.Exit(125)
	}
	debug("result:", rt)
	fmt.Println(rt)
	os.Exit(exitCode(*rt))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args...]\n", os.Args[0])
	pflag.PrintDefaults()
	os.Exit(2)
}

func debug(v ...interface{}) {
	if showDetails {
		fmt.Fprintln(os.Stderr, v...)
	}
}

func hostLogger() *slog.Logger {
	if showDetails {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// exitCode follows the shell conventions: the workload exit status when
// it exited, 128+signal when it was killed, 124 on time limit.
func exitCode(r runner.Result) int {
	switch r.Status {
	case runner.StatusNormal:
		return 0
	case runner.StatusNonzeroExitStatus:
		return r.ExitStatus
	case runner.StatusSignalled:
		return 128 + r.ExitStatus
	case runner.StatusTimeLimitExceeded:
		return 124
	default:
		return 125
	}
}

func start() (*runner.Result, error) {
	prof := config.Default()
	if profilePath != "" {
		var err error
		prof, err = config.Load(profilePath)
		if err != nil {
			return nil, err
		}
	}
	if workDir != "" {
		prof.WorkDir = workDir
	}

	spec, err := prof.SandboxSpec()
	if err != nil {
		return nil, err
	}
	if rootPath != "" {
		spec.Root = rootPath
	}
	if spec.Root == "" {
		root, err := os.MkdirTemp("", "zrun")
		if err != nil {
			return nil, fmt.Errorf("cannot make temp session root: %v", err)
		}
		defer os.RemoveAll(root)
		spec.Root = root
	}

	var stderr io.Writer
	if showDetails {
		stderr = os.Stderr
	}
	ch, err := (&zygote.Builder{Stderr: stderr}).Start()
	if err != nil {
		return nil, fmt.Errorf("failed to start zygote: %v", err)
	}
	defer ch.Close()

	opts := []controller.Option{controller.WithLogger(hostLogger())}
	if cgroupParent != "" {
		opts = append(opts, controller.WithCgroupParent(cgroupParent))
	}
	ctrl, err := controller.New(ch, opts...)
	if err != nil {
		return nil, err
	}
	defer ctrl.Close()

	s, err := ctrl.Spawn(context.Background(), spec)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	debug("session:", s.ID, "supervisor:", s.SupervisorPID, "workload:", s.WorkloadPID)

	var execFile uintptr
	if memfile {
		fin, err := os.Open(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %v", args[0], err)
		}
		execf, err := memfd.DupToMemfd("zrun", fin)
		fin.Close()
		if err != nil {
			return nil, fmt.Errorf("dup to memfd failed: %v", err)
		}
		defer execf.Close()
		execFile = execf.Fd()
		debug("memfd:", execFile)
	}

	files, err := prepareFiles(inputFileName, outputFileName, errorFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare files: %v", err)
	}
	defer closeFiles(files)

	// if not defined, then use the original value
	fds := make([]uintptr, len(files))
	for i, f := range files {
		if f != nil {
			fds[i] = f.Fd()
		} else {
			fds[i] = uintptr(i)
		}
	}

	rlims, err := prof.ExecRLimits()
	if err != nil {
		return nil, err
	}
	debug("rlimit:", rlims)

	filter, err := prof.SeccompFilter()
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if timeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeLimit)
		defer cancel()
	}

	// gracefully shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	var r runner.Runner = &sessionRunner{
		Session: s,
		ExecParam: zygote.ExecParam{
			Args:     args,
			Env:      prof.ExecEnv(),
			Files:    fds,
			ExecFile: execFile,
			RLimits:  rlims,
			Seccomp:  filter,
		},
	}
	done := make(chan runner.Result, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	var rt runner.Result
	select {
	case <-sig:
		s.Abort()
		rt = <-done
	case rt = <-done:
	}

	if err := s.Close(); err != nil {
		debug("session release:", err)
	}
	return &rt, nil
}

type sessionRunner struct {
	*controller.Session
	zygote.ExecParam
}

// Run executes the one workload of the session.
func (r *sessionRunner) Run(c context.Context) runner.Result {
	rt, err := r.Session.Exec(c, r.ExecParam)
	if err != nil {
		return runner.Result{Status: runner.StatusRunnerError, Error: err.Error()}
	}
	return rt
}
