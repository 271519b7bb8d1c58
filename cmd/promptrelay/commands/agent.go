// Package commands – agent.go starts the browser agent: the supervisor that
// maintains the websocket link to the server, and the automation actor that
// drives the chat page through Chrome.
package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/promptrelay/pkg/promptrelay/agent"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/browser"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/bus"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/config"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/convert"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/status"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/supervisor"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the browser agent",
		Long: `Start the browser agent. It launches (or attaches to) Chrome, keeps a
websocket connection to the relay server and executes incoming prompt
commands against the chat page.

Examples:
  promptrelay agent
  promptrelay agent --server-url ws://relay.example:6543/ws
  promptrelay agent --config ./config.yaml --headful`,
		RunE: runAgent,
	}

	cmd.Flags().String("server-url", "", "relay server websocket URL (persisted for later runs)")
	cmd.Flags().Bool("headful", false, "run Chrome with a visible window")
	return cmd
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	store, err := config.NewStore("")
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	if url, _ := cmd.Flags().GetString("server-url"); url != "" {
		if err := store.Set(config.Record{WSURL: url}); err != nil {
			return fmt.Errorf("persist server url: %w", err)
		}
	} else if cfg.Agent.WSURL != config.DefaultWSURL && cfg.Agent.WSURL != "" {
		if err := store.Set(config.Record{WSURL: cfg.Agent.WSURL}); err != nil {
			return fmt.Errorf("persist server url: %w", err)
		}
	}

	headless := cfg.Agent.Headless
	if headful, _ := cmd.Flags().GetBool("headful"); headful {
		headless = false
	}

	manager := browser.NewManager(browser.Config{
		ChromePath: cfg.Agent.ChromePath,
		Headless:   headless,
		TargetURL:  cfg.Agent.TargetURL,
		NewChatURL: cfg.Agent.NewChatURL,
	}, logger)
	defer manager.Stop()

	b := bus.New(16)
	reporter := status.NewLogReporter(logger)

	sel := agent.DefaultSelectors().Override(agent.Selectors{
		Input:            cfg.Agent.Selectors.Input,
		SendButton:       cfg.Agent.Selectors.SendButton,
		AssistantMessage: cfg.Agent.Selectors.AssistantMessage,
		Generating:       cfg.Agent.Selectors.Generating,
		NewChatButton:    cfg.Agent.Selectors.NewChatButton,
		ModeLabel:        cfg.Agent.Selectors.ModeLabel,
		ModePicker:       cfg.Agent.Selectors.ModePicker,
		ModeOption:       cfg.Agent.Selectors.ModeOption,
		CopyButton:       cfg.Agent.Selectors.CopyButton,
		ConversationMenu: cfg.Agent.Selectors.ConversationMenu,
		DeleteItem:       cfg.Agent.Selectors.DeleteItem,
		DeleteConfirm:    cfg.Agent.Selectors.DeleteConfirm,
	})

	sup := supervisor.New(store, b, supervisor.Options{Reporter: reporter}, logger)
	act := agent.New(manager, manager, b, convert.New(), agent.Options{
		Selectors:  &sel,
		ModeLabel:  cfg.Agent.ModeLabel,
		NewChatURL: cfg.Agent.NewChatURL,
		Reporter:   reporter,
	}, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go act.Run(ctx)
	sup.Run(ctx)

	logger.Info("agent exited")
	return nil
}
