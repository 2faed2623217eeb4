package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func runAgentNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printAgentHelp(os.Stdout)
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action, rest := args[0], args[1:]
	switch action {
	case "dispatch":
		return runAgentDispatch(rest)
	case "poll":
		return runAgentPoll(rest)
	case "await":
		return runAgentAwait(rest)
	case "cancel":
		return runAgentCancel(rest)
	case "assess":
		return runAgentAssess(rest)
	case "assess-dispatch":
		return runAgentAssessDispatch(rest)
	default:
		fmt.Fprintf(os.Stderr, "Unknown agent action: %s\n", action)
		return 1
	}
}

func printAgentHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: sandbridge agent <action> [flags]

Actions:
  dispatch --text TEXT [--model-size small|large]   (reads stdin when --text is -)
  poll <child_agent_id>
  await <child_agent_id> [--timeout-ms N] [--poll-interval-ms N]
  cancel <child_agent_id>
  assess <child_agent_id> --verdict satisfied|dissatisfied [--reason TEXT]
  assess-dispatch --verdict satisfied|dissatisfied [--reason TEXT]

Common flags: --config, --bridge, --bridge-timeout-ms
`)
}

// signalContext is cancelled on SIGINT/SIGTERM so a waiting client
// withdraws its request before exiting.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func singleID(positional []string) (string, error) {
	if len(positional) != 1 || strings.TrimSpace(positional[0]) == "" {
		return "", errMissingID
	}
	return positional[0], nil
}

func runAgentDispatch(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("agent dispatch", flag.ContinueOnError)
	common.register(fs)
	text := fs.String("text", "", "Prompt text for the subagent (- reads stdin)")
	modelSize := fs.String("model-size", "", "Model size hint (default small)")
	if _, err := parseArgs(fs, args); err != nil {
		return usageErr(err.Error())
	}

	if *text == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return emitErr(fmt.Errorf("read stdin: %w", err))
		}
		*text = string(data)
	}

	env, _, err := common.newEnv()
	if err != nil {
		return emitErr(err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	return emit(env, env.LMQueryStatus(ctx, *text, *modelSize))
}

func runAgentPoll(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("agent poll", flag.ContinueOnError)
	common.register(fs)
	positional, err := parseArgs(fs, args)
	if err != nil {
		return usageErr(err.Error())
	}
	id, err := singleID(positional)
	if err != nil {
		return emitErr(err)
	}

	env, _, err := common.newEnv()
	if err != nil {
		return emitErr(err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	return emit(env, env.PollLMQueryStatus(ctx, id))
}

func runAgentAwait(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("agent await", flag.ContinueOnError)
	common.register(fs)
	timeoutMS := fs.Int64("timeout-ms", 0, "Give up after N milliseconds (0 waits indefinitely)")
	pollMS := fs.Int64("poll-interval-ms", 0, "Poll every N milliseconds (default 50)")
	positional, err := parseArgs(fs, args)
	if err != nil {
		return usageErr(err.Error())
	}
	id, err := singleID(positional)
	if err != nil {
		return emitErr(err)
	}

	env, _, err := common.newEnv()
	if err != nil {
		return emitErr(err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	return emit(env, env.AwaitLMQueryStatus(ctx, id, *timeoutMS, *pollMS))
}

func runAgentCancel(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("agent cancel", flag.ContinueOnError)
	common.register(fs)
	positional, err := parseArgs(fs, args)
	if err != nil {
		return usageErr(err.Error())
	}
	id, err := singleID(positional)
	if err != nil {
		return emitErr(err)
	}

	env, _, err := common.newEnv()
	if err != nil {
		return emitErr(err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	return emit(env, env.CancelLMQueryStatus(ctx, id))
}

func runAgentAssess(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("agent assess", flag.ContinueOnError)
	common.register(fs)
	verdict := fs.String("verdict", "", "satisfied or dissatisfied")
	reason := fs.String("reason", "", "Optional explanation")
	positional, err := parseArgs(fs, args)
	if err != nil {
		return usageErr(err.Error())
	}
	id, err := singleID(positional)
	if err != nil {
		return emitErr(err)
	}

	env, _, err := common.newEnv()
	if err != nil {
		return emitErr(err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	return emit(env, env.AssessLMQueryStatus(ctx, id, *verdict, *reason))
}

// runAgentAssessDispatch prints the self-assessment as JSON. An executor
// copies the recorded verdict into its TaskOutput.
func runAgentAssessDispatch(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("agent assess-dispatch", flag.ContinueOnError)
	common.register(fs)
	verdict := fs.String("verdict", "", "satisfied or dissatisfied")
	reason := fs.String("reason", "", "Optional explanation")
	if _, err := parseArgs(fs, args); err != nil {
		return usageErr(err.Error())
	}

	env, _, err := common.newEnv()
	if err != nil {
		return emitErr(err)
	}
	return emit(env, env.AssessDispatchStatus(*verdict, *reason))
}
