package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentrt"
	"github.com/aixgo-dev/agentrt/agent"
	"github.com/aixgo-dev/agentrt/pkg/serialization"
)

// Text is the message understood by the built-in agents.
type Text struct {
	Body string `json:"body"`
}

func (Text) MessageTypeName() string { return "agentrt.Text" }

const textTopic = "text"

// builtins are the agent types a worker started from the CLI can host.
var builtins = map[string]func(out io.Writer) agent.Factory{
	"echo":    echoFactory,
	"printer": printerFactory,
}

func echoFactory(io.Writer) agent.Factory {
	return func(fc agent.FactoryContext) (agent.Agent, error) {
		a, err := agent.NewRoutedAgent(fc, "replies with the text it receives", []agent.Handler{
			agent.HandlerFor(func(_ context.Context, m Text, _ agent.MessageContext) (any, error) {
				return Text{Body: m.Body}, nil
			}),
		})
		if err != nil {
			return nil, err
		}
		a.SetSubscriptions()
		return a, nil
	}
}

// printerFactory builds agents that write every published Text to out.
func printerFactory(out io.Writer) agent.Factory {
	var mu sync.Mutex
	return func(fc agent.FactoryContext) (agent.Agent, error) {
		key := fc.ID.Key
		return agent.NewRoutedAgent(fc, "prints published text", []agent.Handler{
			agent.HandlerFor(func(_ context.Context, m Text, mctx agent.MessageContext) (any, error) {
				from := "-"
				if mctx.Sender != nil {
					from = mctx.Sender.String()
				}
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(out, "%s %s %s\n", color.CyanString("["+key+"]"), color.HiBlackString(from), m.Body)
				return nil, nil
			}),
		})
	}
}

func newRegistry() (*serialization.Registry, error) {
	return serialization.NewRegistry(serialization.NewJSONSerializer[Text]())
}

// registerBuiltins registers the named built-in types on w.
func registerBuiltins(w *agentrt.Worker, names []string, out io.Writer) error {
	for _, name := range names {
		factory, ok := builtins[name]
		if !ok {
			known := make([]string, 0, len(builtins))
			for k := range builtins {
				known = append(known, k)
			}
			slices.Sort(known)
			return fmt.Errorf("unknown agent type %q (available: %s)", name, strings.Join(known, ", "))
		}
		if err := w.Register(name, factory(out)); err != nil {
			return err
		}
	}
	return nil
}

var (
	workerHost   string
	workerAgents []string

	sendHost    string
	sendPublish bool
	sendTimeout time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker hosting the built-in agents",
	Long: `Run a worker connected to a host. The worker registers the selected
built-in agent types:

  echo     replies to a text message with the same text
  printer  prints text published into its namespace

Examples:
  agentrt worker                        # host echo and printer
  agentrt worker --agents echo          # host only echo
  agentrt worker --host host:50051`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

var sendCmd = &cobra.Command{
	Use:   "send TARGET TEXT",
	Short: "Send text to an agent, or publish it with --publish",
	Long: `Send a text message through the host and print the reply.

TARGET is an agent id (type/key). With --publish, TARGET is the namespace
the text is published into and nothing is printed.

Examples:
  agentrt send echo/default "hello"
  agentrt send --publish room "hello everyone"`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	workerCmd.Flags().StringVar(&workerHost, "host", "", "host address (overrides worker.host_address)")
	workerCmd.Flags().StringSliceVar(&workerAgents, "agents", []string{"echo", "printer"}, "built-in agent types to host")

	sendCmd.Flags().StringVar(&sendHost, "host", "", "host address (overrides worker.host_address)")
	sendCmd.Flags().BoolVar(&sendPublish, "publish", false, "publish into the TARGET namespace instead of sending")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "how long to wait for the reply")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerHost != "" {
		cfg.Worker.HostAddress = workerHost
	}
	registry, err := newRegistry()
	if err != nil {
		return err
	}

	banner("worker",
		[2]string{"host", cfg.Worker.HostAddress},
		[2]string{"agents", strings.Join(workerAgents, ", ")},
		[2]string{"state", cfg.StateStore.Backend},
	)
	out := cmd.OutOrStdout()
	return agentrt.RunWorker(cmd.Context(), cfg, registry, cfg.Logger(os.Stderr), func(w *agentrt.Worker) error {
		return registerBuiltins(w, workerAgents, out)
	})
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if sendHost != "" {
		cfg.Worker.HostAddress = sendHost
	}
	cfg.Observability.MetricsAddress = ""
	registry, err := newRegistry()
	if err != nil {
		return err
	}

	w, err := agentrt.NewWorker(cfg, registry, cfg.Logger(os.Stderr))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
	defer cancel()
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect to host: %w", err)
	}
	defer w.Stop(context.Background())

	msg := Text{Body: args[1]}
	if sendPublish {
		if err := w.PublishMessage(ctx, msg, agent.TopicID{Type: textTopic, Source: args[0]}); err != nil {
			return err
		}
		// The host answers frames in order, so any reply means the event
		// was read before the channel closes.
		_, err := w.SendMessage(ctx, msg, agent.AgentID{Type: "agentrt.flush", Key: args[0]})
		if errors.Is(err, agent.ErrUnknownAgentType) {
			err = nil
		}
		return err
	}

	target, err := agent.ParseAgentID(args[0])
	if err != nil {
		return err
	}
	reply, err := w.SendMessage(ctx, msg, target)
	if err != nil {
		return err
	}
	if text, ok := reply.(Text); ok {
		fmt.Fprintln(cmd.OutOrStdout(), text.Body)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%v\n", reply)
	return nil
}
