package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"umka-embed/internal/infra/config"
	"umka-embed/internal/infra/logger"
	"umka-embed/internal/infra/tracer"
	"umka-embed/pkg/umka"
	"umka-embed/pkg/umka/native"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		showUsage(os.Stdout)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage(os.Stdout)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newCLI(os.Stdout, os.Stderr)
	if err := c.dispatch(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		stop()
		os.Exit(exitCode(err))
	}
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, `umka - run Umka scripts on an embedded VM

USAGE:
    umka <COMMAND> [FLAGS] <script.um> [...]

COMMANDS:
    run <script> [args...]        Compile and run main; args go to the script
    call <script> <fn> [args...]  Call fn; ints, reals, true/false, else strings
    check <script>                Compile only and report diagnostics
    asm <script>                  Print the compiled assembly listing
    version                       Print CLI and VM versions

FLAGS:
    -h, --help          Show this help message
    --config PATH       Config file (default: ./umka.yaml, or $UMKA_CONFIG)
    --backend NAME      Native runtime: dynlib or wasm
    --library PATH      Path to libumka or umka.wasm
    --module PATH       Extra module, repeatable
    --sig NAME:IN:OUT   (call) declare a signature, e.g. add:int,int:int;
                        needed when the runtime cannot report one
    --watch             (run) re-run whenever the script or a module changes

CONFIGURATION:
    Environment: UMKA_* variables override the config file

EXAMPLES:
    umka run hello.um
    umka call --module util.um calc.um add 2 3
    umka call --sig greet:str:str lib.um greet bob
    umka run --watch --backend wasm --library ./umka.wasm game.um`)
}

// exitCode maps failures to distinct statuses so scripts can tell a bad
// script from a broken setup.
func exitCode(err error) int {
	switch {
	case errors.Is(err, umka.ErrCompile):
		return 3
	case errors.Is(err, umka.ErrRuntime), errors.Is(err, umka.ErrResourceExhausted):
		return 4
	case errors.Is(err, errUsage):
		return 2
	}
	return 1
}

var errUsage = errors.New("usage")

type libraryOpener func(ctx context.Context, cfg config.LibraryConfig, stdout io.Writer, logger *slog.Logger) (native.Library, error)

type cli struct {
	stdout, stderr io.Writer
	openLibrary    libraryOpener
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr, openLibrary: umka.OpenLibrary}
}

func (c *cli) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "run":
		return c.runRun(ctx, args)
	case "call":
		return c.runCall(ctx, args)
	case "check":
		return c.runCheck(ctx, args)
	case "asm":
		return c.runAsm(ctx, args)
	case "version":
		return c.runVersion(ctx, args)
	}
	return fmt.Errorf("%w: unknown command %q (run 'umka --help')", errUsage, cmd)
}

// env is everything a command needs after flags and config are resolved.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	lib     native.Library
	modules []string
	closers []func() error
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func (e *env) sessionConfig(scriptArgs []string) umka.Config {
	cfg := umka.FromSettings(e.cfg.Session, e.lib, e.logger)
	if len(scriptArgs) > 0 {
		cfg.Args = scriptArgs
	}
	return cfg
}

func (c *cli) setup(ctx context.Context, f *commonFlags) (*env, error) {
	cfg, err := config.Load(f.configPath())
	if err != nil {
		return nil, err
	}
	if f.backend != "" {
		cfg.Library.Backend = f.backend
	}
	if f.library != "" {
		cfg.Library.Path = f.library
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, modules: f.modules}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	e.logger = log
	e.closers = append(e.closers, closeLog)

	shutdown, err := tracer.Setup(ctx, cfg.Tracer, c.stderr)
	if err != nil {
		e.close()
		return nil, err
	}
	e.closers = append(e.closers, func() error { return shutdown(context.Background()) })

	lib, err := c.openLibrary(ctx, cfg.Library, c.stdout, log)
	if err != nil {
		e.close()
		return nil, err
	}
	e.lib = lib
	e.closers = append(e.closers, func() error { return umka.CloseLibrary(lib) })
	return e, nil
}

// load opens a session with the extra modules added and script compiled.
// The session is returned even when loading fails so its diagnostics can
// be reported.
func (c *cli) load(ctx context.Context, e *env, src umka.ScriptSource, scriptArgs []string) (*umka.Session, error) {
	s, err := umka.Open(ctx, e.sessionConfig(scriptArgs))
	if err != nil {
		return nil, err
	}
	for _, m := range e.modules {
		if err := s.AddModuleFile(m); err != nil {
			return s, err
		}
	}
	return s, s.LoadScript(ctx, src)
}

func (c *cli) report(s *umka.Session) {
	if s == nil {
		return
	}
	for _, d := range s.Diagnostics() {
		fmt.Fprintln(c.stderr, d.String())
		fmt.Fprint(c.stderr, d.Trace())
	}
}

func (c *cli) runRun(ctx context.Context, args []string) error {
	f, rest, err := parseFlags("run", args, true)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return fmt.Errorf("%w: umka run <script> [args...]", errUsage)
	}
	e, err := c.setup(ctx, f)
	if err != nil {
		return err
	}
	defer e.close()

	path, scriptArgs := rest[0], rest[1:]
	once := func() error {
		src, err := umka.ReadScript(path)
		if err != nil {
			return err
		}
		s, err := c.load(ctx, e, src, scriptArgs)
		if s != nil {
			defer s.Close()
		}
		if err == nil {
			err = s.Run(ctx)
		}
		c.report(s)
		return err
	}
	if !f.watch {
		return once()
	}
	return watch(ctx, append([]string{path}, f.modules...), e.logger, func() {
		if err := once(); err != nil {
			fmt.Fprintf(c.stderr, "run: %v\n", err)
		}
	})
}

func (c *cli) runCall(ctx context.Context, args []string) error {
	f, rest, err := parseFlags("call", args, false)
	if err != nil {
		return err
	}
	if len(rest) < 2 {
		return fmt.Errorf("%w: umka call <script> <fn> [args...]", errUsage)
	}
	e, err := c.setup(ctx, f)
	if err != nil {
		return err
	}
	defer e.close()

	src, err := umka.ReadScript(rest[0])
	if err != nil {
		return err
	}
	s, err := c.load(ctx, e, src, nil)
	if s != nil {
		defer s.Close()
	}
	if err != nil {
		c.report(s)
		return err
	}
	for _, d := range f.sigs {
		if err := s.Declare("", d.name, d.sig); err != nil {
			return err
		}
	}
	callArgs := make([]any, 0, len(rest)-2)
	for _, a := range rest[2:] {
		callArgs = append(callArgs, parseArg(a))
	}
	v, err := s.CallFunction(ctx, rest[1], callArgs...)
	c.report(s)
	if err != nil {
		return err
	}
	if v != nil {
		fmt.Fprintln(c.stdout, v)
	}
	return nil
}

func (c *cli) runCheck(ctx context.Context, args []string) error {
	f, rest, err := parseFlags("check", args, false)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("%w: umka check <script>", errUsage)
	}
	e, err := c.setup(ctx, f)
	if err != nil {
		return err
	}
	defer e.close()

	src, err := umka.ReadScript(rest[0])
	if err != nil {
		return err
	}
	s, err := c.load(ctx, e, src, nil)
	if s != nil {
		defer s.Close()
	}
	c.report(s)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s: ok\n", src.Name)
	return nil
}

func (c *cli) runAsm(ctx context.Context, args []string) error {
	f, rest, err := parseFlags("asm", args, false)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("%w: umka asm <script>", errUsage)
	}
	e, err := c.setup(ctx, f)
	if err != nil {
		return err
	}
	defer e.close()

	src, err := umka.ReadScript(rest[0])
	if err != nil {
		return err
	}
	s, err := c.load(ctx, e, src, nil)
	if s != nil {
		defer s.Close()
	}
	if err != nil {
		c.report(s)
		return err
	}
	asm, err := s.Asm(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(c.stdout, asm)
	return nil
}

func (c *cli) runVersion(ctx context.Context, args []string) error {
	f, _, err := parseFlags("version", args, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "umka %s (native ABI %d)\n", version, native.ABIVersion)
	e, err := c.setup(ctx, f)
	if err != nil {
		fmt.Fprintf(c.stdout, "vm: unavailable (%v)\n", err)
		return nil
	}
	defer e.close()
	fmt.Fprintf(c.stdout, "vm: %s (%s)\n", e.lib.Version(), backendName(e.cfg.Library.Backend))
	return nil
}

func backendName(b string) string {
	if b == "" {
		return "dynlib"
	}
	return b
}
