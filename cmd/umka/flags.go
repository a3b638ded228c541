package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"umka-embed/pkg/umka"
)

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

type commonFlags struct {
	config  string
	backend string
	library string
	modules stringList
	sigs    sigList
	watch   bool
}

// declaration is a function signature given on the command line, for
// runtimes that cannot report one.
type declaration struct {
	name string
	sig  umka.Signature
}

// sigList is a repeatable --sig flag of the form name:params:result, e.g.
// add:int,int:int. Params may be empty and a missing result means void.
type sigList []declaration

func (l *sigList) String() string {
	out := make([]string, len(*l))
	for i, d := range *l {
		out[i] = d.name
	}
	return strings.Join(out, ",")
}

func (l *sigList) Set(v string) error {
	d, err := parseSig(v)
	if err != nil {
		return err
	}
	*l = append(*l, d)
	return nil
}

func parseSig(s string) (declaration, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return declaration{}, fmt.Errorf("signature %q: want name:params:result", s)
	}
	d := declaration{name: parts[0], sig: umka.Signature{Result: umka.KindVoid}}
	if parts[1] != "" {
		for _, p := range strings.Split(parts[1], ",") {
			k, ok := umka.ParseKind(strings.TrimSpace(p))
			if !ok || k == umka.KindVoid {
				return declaration{}, fmt.Errorf("signature %q: bad parameter kind %q", s, p)
			}
			d.sig.Params = append(d.sig.Params, k)
		}
	}
	if len(parts) == 3 {
		k, ok := umka.ParseKind(strings.TrimSpace(parts[2]))
		if !ok {
			return declaration{}, fmt.Errorf("signature %q: bad result kind %q", s, parts[2])
		}
		d.sig.Result = k
	}
	return d, nil
}

func (f *commonFlags) configPath() string {
	if f.config != "" {
		return f.config
	}
	if p := os.Getenv("UMKA_CONFIG"); p != "" {
		return p
	}
	return "umka.yaml"
}

// parseFlags parses the flags in front of a command's positional
// arguments. Everything after the script path belongs to the script.
func parseFlags(cmd string, args []string, allowWatch bool) (*commonFlags, []string, error) {
	f := &commonFlags{}
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.config, "config", "", "config file")
	fs.StringVar(&f.backend, "backend", "", "native runtime: dynlib or wasm")
	fs.StringVar(&f.library, "library", "", "path to the native runtime")
	fs.Var(&f.modules, "module", "extra module, repeatable")
	if allowWatch {
		fs.BoolVar(&f.watch, "watch", false, "re-run on change")
	}
	if cmd == "call" {
		fs.Var(&f.sigs, "sig", "function signature name:params:result, repeatable")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil, fmt.Errorf("%w: run 'umka --help'", errUsage)
		}
		return nil, nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	return f, fs.Args(), nil
}

// parseArg converts a command-line argument to the Go value passed to the
// script: integers, then reals, then true/false, otherwise the string.
func parseArg(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if r, err := strconv.ParseFloat(s, 64); err == nil {
		return r
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
