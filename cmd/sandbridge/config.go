package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattjoyce/sandbridge/internal/config"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printConfigHelp(os.Stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action, rest := args[0], args[1:]
	switch action {
	case "check":
		return runConfigCheck(rest)
	case "hash":
		return runConfigHash(rest)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: sandbridge config <action> [flags]

Actions:
  check [--config PATH]            Parse, validate and verify the checksum sidecar
  hash  [--config PATH] [--verify] Write (or verify) the BLAKE3 sidecar
`)
}

// configPathFlag returns the explicit or discovered config file.
func configPathFlag(fs *flag.FlagSet, args []string) (string, int) {
	path := fs.String("config", "", "Path to configuration file")
	if _, err := parseArgs(fs, args); err != nil {
		return "", usageErr(err.Error())
	}
	if *path != "" {
		return *path, -1
	}
	discovered, err := config.Discover()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return "", 1
	}
	return discovered, -1
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	path, code := configPathFlag(fs, args)
	if code >= 0 {
		return code
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	_, signed, err := config.ReadSidecar(cfg.SourcePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	fmt.Printf("config:    %s\n", cfg.SourcePath)
	if signed {
		fmt.Println("checksum:  verified")
	} else {
		fmt.Println("checksum:  none (run 'sandbridge config hash' to pin it)")
	}
	fmt.Printf("workspace: %s\n", orNone(cfg.Workspace.Root))
	fmt.Printf("bridge:    %s\n", orNone(cfg.Bridge.Dir))
	fmt.Printf("database:  %s\n", cfg.Manager.StatePath)
	fmt.Printf("executor:  %s\n", orNone(cfg.Manager.Executor.Command))
	if cfg.API.Enabled {
		fmt.Printf("api:       %s\n", cfg.API.Listen)
	}
	fmt.Println("Configuration valid")
	return 0
}

func runConfigHash(args []string) int {
	fs := flag.NewFlagSet("config hash", flag.ContinueOnError)
	verify := fs.Bool("verify", false, "Verify the existing sidecar instead of writing one")
	path, code := configPathFlag(fs, args)
	if code >= 0 {
		return code
	}

	if *verify {
		if err := config.VerifySidecar(path); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if _, ok, _ := config.ReadSidecar(path); !ok {
			fmt.Fprintf(os.Stderr, "No checksum sidecar at %s\n", config.SidecarPath(path))
			return 1
		}
		fmt.Println("Checksum OK")
		return 0
	}

	// Refuse to pin a file that does not validate.
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	cfg, err := config.Parse(data)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to hash invalid config: %v\n", err)
		return 1
	}
	hash, err := config.WriteSidecar(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write checksum: %v\n", err)
		return 1
	}
	fmt.Printf("%s  %s\n", hash, config.SidecarPath(path))
	return 0
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
