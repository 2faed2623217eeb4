package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/mattjoyce/sandbridge/internal/result"
	"github.com/mattjoyce/sandbridge/internal/script"
)

func runFSNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printFSHelp(os.Stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action, rest := args[0], args[1:]
	switch action {
	case "resolve":
		return runFSResolve(rest)
	case "ls":
		return runFSLs(rest)
	case "cat":
		return runFSCat(rest)
	case "create":
		return runFSCreate(rest)
	case "edit":
		return runFSEdit(rest)
	case "cd":
		return runFSCd(rest)
	default:
		fmt.Fprintf(os.Stderr, "Unknown fs action: %s\n", action)
		return 1
	}
}

func printFSHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: sandbridge fs <action> [flags]

Actions:
  resolve <path> [--mode read|write|chdir] [--cwd DIR]
  ls <path>
  cat <path> [--max-bytes N] [--raw]
  create <path> [--content TEXT]      (reads stdin without --content)
  edit <path> [--patch TEXT]          (reads SEARCH/REPLACE blocks from stdin without --patch)
  cd <path>

Paths given to ls, cat, create and edit are relative to the workspace root.
resolve and cd honour the virtual working directory.

Common flags: --config, --workspace, --read-only
`)
}

// fsEnv parses flags and builds the env for a one-path fs action.
func fsEnv(name string, args []string, extra func(*flag.FlagSet)) (*script.Env, string, int) {
	var common commonFlags
	fs := flag.NewFlagSet("fs "+name, flag.ContinueOnError)
	common.register(fs)
	if extra != nil {
		extra(fs)
	}
	positional, err := parseArgs(fs, args)
	if err != nil {
		return nil, "", usageErr(err.Error())
	}
	if len(positional) != 1 {
		return nil, "", usageErr(fmt.Sprintf("Usage: sandbridge fs %s <path>", name))
	}

	env, _, err := common.newEnv()
	if err != nil {
		return nil, "", emitErr(err)
	}
	return env, positional[0], -1
}

func runFSResolve(args []string) int {
	var mode, cwd string
	env, path, code := fsEnv("resolve", args, func(fs *flag.FlagSet) {
		fs.StringVar(&mode, "mode", "read", "Access mode: read, write or chdir")
		fs.StringVar(&cwd, "cwd", "", "Virtual working directory to resolve from")
	})
	if code >= 0 {
		return code
	}

	guard := env.Guard()
	if cwd != "" {
		if err := guard.Chdir(cwd); err != nil {
			return emit(env, result.Fail[string](err))
		}
	}

	switch mode {
	case "read":
		resolved, err := guard.Resolve(path, true, true)
		return emit(env, result.From(resolved, err))
	case "write":
		resolved, err := guard.Resolve(path, false, true)
		if err == nil {
			err = guard.CheckWritable(resolved)
		}
		return emit(env, result.From(resolved, err))
	case "chdir":
		if err := guard.Chdir(path); err != nil {
			return emit(env, result.Fail[string](err))
		}
		return emit(env, result.Ok(guard.Getwd()))
	default:
		return usageErr("--mode must be read, write or chdir")
	}
}

func runFSLs(args []string) int {
	env, path, code := fsEnv("ls", args, nil)
	if code >= 0 {
		return code
	}
	return emit(env, env.LsStatus(path))
}

func runFSCat(args []string) int {
	var (
		maxBytes int
		raw      bool
	)
	limited := false
	env, path, code := fsEnv("cat", args, func(fs *flag.FlagSet) {
		fs.Func("max-bytes", "Read at most N bytes", func(v string) error {
			limited = true
			n, err := strconv.Atoi(v)
			maxBytes = n
			return err
		})
		fs.BoolVar(&raw, "raw", false, "Print the file content instead of a JSON envelope")
	})
	if code >= 0 {
		return code
	}

	r := env.ReadFileStatus(path)
	if limited {
		r = env.ReadFileLimitStatus(path, maxBytes)
	}
	if raw && r.OK() {
		fmt.Print(r.Value)
		return 0
	}
	return emit(env, r)
}

func runFSCreate(args []string) int {
	var content string
	haveContent := false
	env, path, code := fsEnv("create", args, func(fs *flag.FlagSet) {
		fs.Func("content", "File content (default: stdin)", func(v string) error {
			content, haveContent = v, true
			return nil
		})
	})
	if code >= 0 {
		return code
	}
	if !haveContent {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return emitErr(fmt.Errorf("read stdin: %w", err))
		}
		content = string(data)
	}
	return emit(env, env.CreateFileStatus(path, content))
}

func runFSEdit(args []string) int {
	var patch string
	havePatch := false
	env, path, code := fsEnv("edit", args, func(fs *flag.FlagSet) {
		fs.Func("patch", "SEARCH/REPLACE blocks (default: stdin)", func(v string) error {
			patch, havePatch = v, true
			return nil
		})
	})
	if code >= 0 {
		return code
	}
	if !havePatch {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return emitErr(fmt.Errorf("read stdin: %w", err))
		}
		patch = string(data)
	}
	return emit(env, env.EditFileStatus(path, patch))
}

func runFSCd(args []string) int {
	env, path, code := fsEnv("cd", args, nil)
	if code >= 0 {
		return code
	}
	guard := env.Guard()
	if err := guard.Chdir(path); err != nil {
		return emit(env, result.Fail[string](err))
	}
	return emit(env, result.Ok(guard.Getwd()))
}
