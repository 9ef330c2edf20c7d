// ABOUTME: Operator commands that talk to a running coven-runtime over HTTP
// ABOUTME: Agent control, readiness, reconcile, task inspection and sending messages

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/client"
	"github.com/2389/coven-runtime/internal/config"
	"github.com/2389/coven-runtime/internal/jsonrpc"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/task"
)

const (
	envURL   = "COVEN_RUNTIME_URL"
	envToken = "COVEN_RUNTIME_TOKEN"

	remoteTimeout = 2 * time.Minute
)

// tokenPath is where `token -save` writes and remote commands read.
func tokenPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "coven-runtime.token"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven-runtime", "token")
}

func getToken() string {
	if t := os.Getenv(envToken); t != "" {
		return t
	}
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// runtimeURL resolves the runtime base URL: COVEN_RUNTIME_URL, then the
// configured HTTP address, then the default listen address.
func runtimeURL() string {
	if u := os.Getenv(envURL); u != "" {
		return u
	}
	addr := "127.0.0.1:8080"
	if cfg, err := config.Load(config.ResolvePath("")); err == nil && cfg.Server.HTTPAddr != "" {
		addr = cfg.Server.HTTPAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func newRemote() *client.Client {
	return client.New(runtimeURL(), client.WithToken(getToken()))
}

// parseArgs parses flags and requires at least n positional arguments.
func parseArgs(fs *flag.FlagSet, args []string, n int, usage string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() < n {
		return nil, fmt.Errorf("usage: coven-runtime %s", usage)
	}
	return fs.Args(), nil
}

func stateColor(state string) *color.Color {
	switch state {
	case "running", string(task.StateCompleted):
		return color.New(color.FgGreen)
	case "starting", "stopping", string(task.StateWorking), string(task.StateSubmitted):
		return color.New(color.FgYellow)
	case string(task.StateFailed): // agent and task state alike
		return color.New(color.FgRed)
	case string(task.StateInputRequired), string(task.StateAuthRequired):
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgHiBlack)
	}
}

func runHealth(ctx context.Context, args []string) error {
	c := newRemote()
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	color.New(color.FgGreen).Println("healthy")
	return nil
}

func runReady(ctx context.Context, args []string) error {
	r, err := newRemote().Ready(ctx)
	if r == nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}

	if r.Status == "ready" {
		color.New(color.FgGreen).Print(r.Status)
	} else {
		color.New(color.FgRed).Print(r.Status)
	}
	fmt.Printf("  (uptime %s)\n", r.Uptime)
	if r.Error != "" {
		fmt.Println("  " + r.Error)
	}
	for name, state := range r.Agents {
		fmt.Printf("  %-20s ", name)
		stateColor(state).Println(state)
	}
	if err != nil {
		return fmt.Errorf("not ready: %s", strings.Join(r.NotReady, ", "))
	}
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	agents, err := newRemote().ListAgents(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(agents)
	}
	if len(agents) == 0 {
		fmt.Println("no agents configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tDESIRED\tPORT\tPID\tRESTARTS\tDIVERGENCE\tLAST ERROR")
	for _, a := range agents {
		state := a.State
		if a.Quarantined {
			state += " (quarantined)"
		}
		desired := "stopped"
		if a.Desired {
			desired = "running"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			a.Name, stateColor(a.State).Sprint(state), desired,
			orDash(a.Port), orDash(a.PID), a.RestartCount, a.Divergence, a.LastError)
	}
	return w.Flush()
}

func orDash(n int) string {
	if n == 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func agentAction(action string) func(context.Context, []string) error {
	return func(ctx context.Context, args []string) error {
		fs := flag.NewFlagSet(action, flag.ContinueOnError)
		pos, err := parseArgs(fs, args, 1, action+" NAME")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
		defer cancel()

		info, err := newRemote().AgentAction(ctx, pos[0], action)
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Print("✓ ")
		fmt.Printf("%s: ", info.Name)
		stateColor(info.State).Print(info.State)
		if info.PID != 0 {
			fmt.Printf(" (pid %d, port %d)", info.PID, info.Port)
		}
		fmt.Println()
		return nil
	}
}

func setDesired(enabled bool) func(context.Context, []string) error {
	name := "disable"
	if enabled {
		name = "enable"
	}
	return func(ctx context.Context, args []string) error {
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		pos, err := parseArgs(fs, args, 1, name+" NAME")
		if err != nil {
			return err
		}
		if err := newRemote().SetDesired(ctx, pos[0], enabled); err != nil {
			return err
		}
		color.New(color.FgGreen).Print("✓ ")
		fmt.Printf("%s %sd; the reconciler will converge it\n", pos[0], name)
		return nil
	}
}

func runReconcile(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	results, err := newRemote().Reconcile(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tACTION\tRESULT\tDIVERGENCE")
	for _, r := range results {
		outcome := color.GreenString("ok")
		switch {
		case r.Error != "":
			outcome = color.RedString(r.Error)
		case r.Skipped != "":
			outcome = color.YellowString("skipped: " + r.Skipped)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.Agent, r.Action, outcome, r.Divergence)
	}
	return w.Flush()
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	stream := fs.Bool("stream", false, "stream updates as they happen")
	contextID := fs.String("context", "", "continue an existing context")
	taskID := fs.String("task", "", "answer a task waiting for input")
	pos, err := parseArgs(fs, args, 2, "send [-stream] [-context ID] [-task ID] NAME TEXT")
	if err != nil {
		return err
	}

	msg := store.NewMessage(uuid.NewString(), store.RoleUser, store.TextPart(strings.Join(pos[1:], " ")))
	msg.ContextID = *contextID
	msg.TaskID = *taskID
	params := protocol.MessageSendParams{Message: msg}

	c := newRemote()
	if !*stream {
		t, err := c.SendMessage(ctx, pos[0], params)
		if err != nil {
			return err
		}
		printTask(t)
		return nil
	}

	return c.StreamMessage(ctx, pos[0], params, func(event string, data []byte) error {
		var resp jsonrpc.RawResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("decoding %s frame: %w", event, err)
		}
		if resp.Error != nil {
			return resp.Error
		}
		return printUpdate(event, resp.Result)
	})
}

func printUpdate(event string, raw json.RawMessage) error {
	gray := color.New(color.FgHiBlack)
	switch event {
	case protocol.UpdateTask:
		var t store.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		gray.Printf("task %s (context %s) ", t.ID, t.ContextID)
		stateColor(string(t.Status.State)).Println(t.Status.State)
	case protocol.UpdateStatus:
		var ev protocol.TaskStatusUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		stateColor(string(ev.Status.State)).Print(ev.Status.State)
		if text := ev.Status.Message.Text(); text != "" {
			fmt.Print(": " + text)
		}
		fmt.Println()
	case protocol.UpdateStep:
		var ev protocol.StepUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		gray.Printf("  step %d %s ", ev.Step.Sequence, ev.Step.Name)
		fmt.Println(ev.Step.Status)
	case protocol.UpdateArtifact:
		var ev protocol.TaskArtifactUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		printArtifact(ev.Artifact)
	default:
		gray.Printf("%s: %s\n", event, raw)
	}
	return nil
}

func printArtifact(a store.Artifact) {
	color.New(color.FgCyan).Printf("  artifact %s", a.Name)
	fmt.Printf(" (%d parts)\n", len(a.Parts))
	for _, p := range a.Parts {
		switch p.Kind {
		case store.PartText:
			fmt.Println("    " + p.Text)
		case store.PartData:
			b, _ := json.Marshal(p.Data)
			fmt.Println("    " + string(b))
		case store.PartFile:
			if p.File != nil {
				fmt.Printf("    file %s %s\n", p.File.Name, p.File.MimeType)
			}
		}
	}
}

func printTask(t *store.Task) {
	fmt.Printf("task:    %s\n", t.ID)
	fmt.Printf("context: %s\n", t.ContextID)
	fmt.Print("state:   ")
	stateColor(string(t.Status.State)).Println(t.Status.State)
	if text := t.Status.Message.Text(); text != "" {
		fmt.Printf("message: %s\n", text)
	}
	for _, s := range t.Steps {
		color.New(color.FgHiBlack).Printf("  step %d %s %s\n", s.Sequence, s.Name, s.Status)
	}
	for _, a := range t.Artifacts {
		printArtifact(a)
	}
}

func runGetTask(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("task", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print raw JSON")
	pos, err := parseArgs(fs, args, 2, "task [-json] NAME TASK_ID")
	if err != nil {
		return err
	}
	t, err := newRemote().GetTask(ctx, pos[0], pos[1])
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(t)
	}
	printTask(t)
	return nil
}

func runCancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	pos, err := parseArgs(fs, args, 2, "cancel NAME TASK_ID")
	if err != nil {
		return err
	}
	t, err := newRemote().CancelTask(ctx, pos[0], pos[1])
	if err != nil {
		return err
	}
	printTask(t)
	return nil
}

func runTasks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	pos, err := parseArgs(fs, args, 1, "tasks CONTEXT_ID")
	if err != nil {
		return err
	}
	tasks, err := newRemote().ListContextTasks(ctx, pos[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATE\tUPDATED\tMESSAGE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID,
			stateColor(string(t.Status.State)).Sprint(t.Status.State),
			t.Status.Timestamp.Local().Format(time.DateTime), t.Status.Message.Text())
	}
	return w.Flush()
}

func runPrune(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	isContext := fs.Bool("context", false, "ID names a context; delete it and all its tasks")
	pos, err := parseArgs(fs, args, 1, "prune [-context] ID")
	if err != nil {
		return err
	}

	c := newRemote()
	var apiErr *client.APIError
	if *isContext {
		err = c.DeleteContext(ctx, pos[0])
	} else {
		err = c.DeleteTask(ctx, pos[0])
	}
	if errors.As(err, &apiErr) {
		return errors.New(apiErr.Message)
	}
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("deleted %s\n", pos[0])
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
