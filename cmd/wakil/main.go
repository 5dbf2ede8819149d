// Command wakil validates, describes and chats with agent graphs.
//
// Usage:
//
//	wakil [-config wakil.toml] [-env .env] <command> [flags] [args]
//
// Commands:
//
//	validate <agent.json>                 check the graph rules
//	describe [-mermaid] <agent.json>      print the nodes and connections
//	publish  [-out file] <agent.json>     compile and mark the agent published
//	chat     [-thread id] [-m message] [-transcript out.html] <agent.json>
//	history  [-limit n] <thread>          list the checkpoints of a thread
//	forget   [-agent file] [thread...]    delete threads and the agent's vectors
//
// Command flags come before the positional arguments.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MR-GREEN1337/wakil/agent"
	"github.com/MR-GREEN1337/wakil/config"
	"github.com/MR-GREEN1337/wakil/graph"
	"github.com/MR-GREEN1337/wakil/log"
	"github.com/MR-GREEN1337/wakil/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app carries what every command needs.
type app struct {
	cfg    *config.Config
	logger log.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"validate": cmdValidate,
	"describe": cmdDescribe,
	"publish":  cmdPublish,
	"chat":     cmdChat,
	"history":  cmdHistory,
	"forget":   cmdForget,
}

// errInvalid marks a failure already reported to the user.
var errInvalid = errors.New("invalid")

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("wakil", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a TOML or YAML config file")
	envFile := fs.String("env", "", "path to a .env file")
	logLevel := fs.String("log-level", "", "override the configured log level")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: wakil [flags] <validate|describe|publish|chat|history|forget> [args]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", fs.Arg(0))
		fs.Usage()
		return 2
	}

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	if err := config.LoadEnv(envFiles...); err != nil {
		fmt.Fprintln(stderr, errStyle.Render(err.Error()))
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, errStyle.Render(err.Error()))
		return 1
	}
	level := cfg.LogLevel()
	if *logLevel != "" {
		if level, err = log.ParseLevel(*logLevel); err != nil {
			fmt.Fprintln(stderr, errStyle.Render(err.Error()))
			return 2
		}
	}
	logger := log.NewCustomLogger(stderr, level)
	log.SetDefaultLogger(logger)

	a := &app{cfg: cfg, logger: logger, stdin: stdin, stdout: stdout, stderr: stderr}
	if err := cmd(ctx, a, fs.Args()[1:]); err != nil {
		if !errors.Is(err, errInvalid) {
			fmt.Fprintln(stderr, errStyle.Render("error: "+err.Error()))
		}
		return 1
	}
	return 0
}

// readAgent loads an agent document. A bare graph document is wrapped in
// an untitled agent named after the file.
func readAgent(path string) (*agent.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	a, err := agent.ParseAgent(data)
	if err != nil {
		return nil, err
	}
	if a.Graph == nil {
		g, err := agent.ParseGraph(data)
		if err != nil {
			return nil, err
		}
		if g.Nodes != nil || g.Edges != nil {
			a.Graph = g
		}
	}
	if a.ID == "" {
		a.ID = path
	}
	return a, nil
}

func oneFile(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", errInvalid
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s takes exactly one argument", fs.Name())
	}
	return fs.Arg(0), nil
}

func cmdValidate(_ context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	path, err := oneFile(fs, args)
	if err != nil {
		return err
	}
	ag, err := readAgent(path)
	if err != nil {
		return err
	}
	var verr *agent.GraphValidationError
	if err := agent.Validate(ag); errors.As(err, &verr) {
		printViolations(a.stdout, verr.Violations())
		return errInvalid
	} else if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, okStyle.Render("graph is valid"))
	return nil
}

func cmdDescribe(_ context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("describe", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	mermaid := fs.Bool("mermaid", false, "print a Mermaid flowchart instead")
	path, err := oneFile(fs, args)
	if err != nil {
		return err
	}
	ag, err := readAgent(path)
	if err != nil {
		return err
	}
	if *mermaid {
		fmt.Fprint(a.stdout, agent.DrawMermaid(ag.Graph, agent.MermaidOptions{}))
		return nil
	}
	printTitle(a.stdout, ag.Title)
	fmt.Fprintln(a.stdout, agent.DescribeGraph(ag.Graph))
	return nil
}

func cmdPublish(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	out := fs.String("out", "", "write the published agent here instead of stdout")
	path, err := oneFile(fs, args)
	if err != nil {
		return err
	}
	ag, err := readAgent(path)
	if err != nil {
		return err
	}
	b, err := openBackends(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	c, err := agent.NewCompiler(b.registry, b.checkpoints,
		agent.WithLogger(a.logger), agent.WithMaxSteps(a.cfg.LLM.MaxSteps))
	if err != nil {
		return err
	}
	compiled, err := agent.Publish(ctx, c, ag, time.Now())
	if err != nil {
		return reportCompileError(a, err)
	}
	a.logger.Info("published %s with %d vectors", ag.ID, compiled.Ingested())

	data, err := json.MarshalIndent(ag, "", "  ")
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = fmt.Fprintln(a.stdout, string(data))
		return err
	}
	return os.WriteFile(*out, append(data, '\n'), 0o644)
}

func cmdChat(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	thread := fs.String("thread", "", "conversation thread id; a new one is generated when empty")
	message := fs.String("m", "", "send one message and exit")
	transcript := fs.String("transcript", "", "write an HTML transcript of the thread here")
	path, err := oneFile(fs, args)
	if err != nil {
		return err
	}
	ag, err := readAgent(path)
	if err != nil {
		return err
	}
	if *thread == "" {
		*thread = uuid.NewString()
	}

	b, err := openBackends(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	c, err := agent.NewCompiler(b.registry, b.checkpoints,
		agent.WithLogger(a.logger), agent.WithMaxSteps(a.cfg.LLM.MaxSteps))
	if err != nil {
		return err
	}
	compiled, err := c.Compile(ctx, ag)
	if err != nil {
		return reportCompileError(a, err)
	}
	printTitle(a.stdout, fmt.Sprintf("%s (thread %s)", ag.Title, *thread))

	turn := func(input string) error {
		reply, err := compiled.Chat(ctx, *thread, input)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s %s\n", aiStyle.Render("Agent:"), reply)
		return nil
	}

	if *message != "" {
		err = turn(*message)
	} else {
		err = repl(a, turn)
	}
	if err != nil {
		return err
	}

	if *transcript != "" {
		msgs, err := compiled.Messages(ctx, *thread)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*transcript, renderTranscript(ag.Title, msgs), 0o644); err != nil {
			return fmt.Errorf("failed to write transcript: %w", err)
		}
		a.logger.Info("wrote transcript to %s", *transcript)
	}
	return nil
}

// repl reads one message per line until EOF or "exit". A failed turn is
// reported and the loop continues.
func repl(a *app, turn func(string) error) error {
	sc := bufio.NewScanner(a.stdin)
	for {
		fmt.Fprint(a.stdout, userStyle.Render("You: "))
		if !sc.Scan() {
			fmt.Fprintln(a.stdout)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := turn(line); err != nil {
			fmt.Fprintln(a.stdout, errStyle.Render("error: "+err.Error()))
		}
	}
}

func reportCompileError(a *app, err error) error {
	var verr *agent.GraphValidationError
	if errors.As(err, &verr) {
		printViolations(a.stdout, verr.Violations())
		return errInvalid
	}
	return err
}

func cmdHistory(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	limit := fs.Int("limit", 0, "show at most this many checkpoints")
	thread, err := oneFile(fs, args)
	if err != nil {
		return err
	}
	cps, err := openCheckpointStore(ctx, a.cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer cps.Close()

	printTitle(a.stdout, "thread "+thread)
	n := 0
	for tuple, err := range cps.List(ctx, store.ListOptions{ThreadID: thread, Limit: *limit}) {
		if err != nil {
			return err
		}
		n++
		var st agent.AgentState
		if err := json.Unmarshal(tuple.Checkpoint.State, &st); err != nil {
			return fmt.Errorf("checkpoint %s: %w", tuple.Key.CheckpointID, err)
		}
		fmt.Fprintf(a.stdout, "%s  source=%v step=%v node=%v next=%v messages=%d\n",
			dimStyle.Render(tuple.Key.CheckpointID),
			tuple.Metadata[graph.MetadataSource], tuple.Metadata[graph.MetadataStep],
			tuple.Metadata[graph.MetadataNode], tuple.Metadata[graph.MetadataNext],
			len(st.Messages))
		if last, ok := graph.LastMessage(st.Messages); ok {
			fmt.Fprintf(a.stdout, "    %s %s\n", roleStyle(last.Role).Render(roleLabel(last.Role)+":"), agent.MessageText(last))
		}
	}
	if n == 0 {
		fmt.Fprintln(a.stdout, dimStyle.Render("no checkpoints"))
	}
	return nil
}

func cmdForget(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("forget", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	agentPath := fs.String("agent", "", "also delete the vectors ingested for this agent")
	if err := fs.Parse(args); err != nil {
		return errInvalid
	}
	var ag *agent.Agent
	if *agentPath != "" {
		var err error
		if ag, err = readAgent(*agentPath); err != nil {
			return err
		}
	}
	if fs.NArg() == 0 && ag == nil {
		return errors.New("forget needs a thread id or -agent")
	}

	b, err := openBackends(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	res, err := agent.Forget(ctx, b.checkpoints, b.vectors, a.cfg.Vector.Collection, ag, fs.Args()...)
	fmt.Fprintf(a.stdout, "removed %d checkpoints and %d vectors\n", res.Checkpoints, res.Vectors)
	return err
}
