// Command convo is a small terminal front end for the conversation engine:
// one persistent conversation per id, one engine run per input line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/finsightai/convo/internal/envload"
	"github.com/finsightai/convo/internal/version"
	"github.com/finsightai/convo/kernel/bootstrap"
	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/model/providers"
	"github.com/finsightai/convo/kernel/runtime"
	"github.com/finsightai/convo/kernel/session"
	"github.com/finsightai/convo/kernel/turnloop"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("convo", flag.ContinueOnError)
	var (
		providerName   = fs.String("provider", "anthropic", "Provider api type: anthropic|gemini|openai|openai_compatible")
		modelName      = fs.String("model", "claude-sonnet-4-5", "Model name")
		baseURL        = fs.String("base-url", "", "Provider base URL override")
		tokenEnv       = fs.String("token-env", "", "Env var holding the provider API key (default per provider)")
		storeBackend   = fs.String("store", bootstrap.StoreSQLite, "Event store backend: memory|sqlite|file")
		storePath      = fs.String("store-path", defaultStorePath(), "Store database file or directory")
		userID         = fs.String("user", "local-user", "User id")
		conversationID = fs.String("conversation", "default", "Conversation id")
		input          = fs.String("input", "", "Single input text; empty starts an interactive loop")
		systemPrompt   = fs.String("system-prompt", "You are a helpful assistant.", "Base system prompt")
		maxTurns       = fs.Int("max-turns", 0, "Turn budget per run (0 = default)")
		windowMessages = fs.Int("window", 0, "History window message budget (0 = default)")
		stream         = fs.Bool("stream", true, "Stream model output")
		delegation     = fs.Bool("delegation", false, "Enable the delegate tool")
		maxOutputTok   = fs.Int("max-output-tokens", 4096, "Max model output tokens")
		showVersion    = fs.Bool("version", false, "Show version and exit")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println("convo", version.String())
		return nil
	}
	if _, err := envload.LoadNearest(); err != nil {
		return err
	}

	token := os.Getenv(resolveTokenEnv(*tokenEnv, *providerName))
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("missing api key: set %s", resolveTokenEnv(*tokenEnv, *providerName))
	}

	stack, err := bootstrap.Assemble(bootstrap.AssembleSpec{
		StoreBackend: *storeBackend,
		StorePath:    *storePath,
		Provider: &providers.Config{
			Alias:        "default",
			Provider:     *providerName,
			API:          providers.APIType(*providerName),
			Model:        *modelName,
			BaseURL:      *baseURL,
			MaxOutputTok: *maxOutputTok,
			Timeout:      5 * time.Minute,
			Auth:         providers.AuthConfig{Type: providers.AuthAPIKey, Token: token},
		},
		Loop: turnloop.Config{
			Name:              "assistant",
			SystemPrompt:      *systemPrompt,
			MaxTurns:          *maxTurns,
			WindowMessages:    *windowMessages,
			StreamModel:       *stream,
			EmitPartialEvents: *stream,
		},
		EnableDelegation: *delegation,
	})
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(*input) != "" {
		return runOnce(ctx, stack, *userID, *conversationID, *input)
	}

	fmt.Printf("convo %s (conversation %q, store %s)\n", version.String(), *conversationID, *storeBackend)
	fmt.Println("type a message, or /quit to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := runOnce(ctx, stack, *userID, *conversationID, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "run error:", err)
		}
	}
}

func runOnce(ctx context.Context, stack *bootstrap.Resolved, userID, conversationID, input string) error {
	streaming := false
	for ev, err := range stack.Engine.Run(ctx, runtime.RunRequest{
		UserID:         userID,
		ConversationID: conversationID,
		Input:          input,
		Agent:          stack.Agent,
		Model:          stack.Model,
		Tools:          stack.Tools,
	}) {
		if err != nil {
			if streaming {
				fmt.Println()
			}
			return err
		}
		streaming = printEvent(ev, streaming)
	}
	if streaming {
		fmt.Println()
	}
	return nil
}

// printEvent renders one event and reports whether a streamed assistant line
// is still open.
func printEvent(ev *session.Event, streaming bool) bool {
	if ev == nil {
		return streaming
	}
	switch session.KindOf(ev) {
	case session.KindAssistantDelta:
		fmt.Print(ev.Message.Text)
		return true
	case session.KindToolResult:
		if streaming {
			fmt.Println()
		}
		name := ""
		if ev.Message.Result != nil {
			name = ev.Message.Result.Name
		}
		fmt.Printf("[tool %s done]\n", name)
		return false
	case session.KindDelegationStart:
		fmt.Println("[delegation started]")
		return streaming
	case session.KindDelegationEnd:
		fmt.Println("[delegation finished]")
		return streaming
	case "":
		if ev.Message.Role == model.RoleAssistant && ev.Message.Text != "" && !streaming {
			fmt.Println(ev.Message.Text)
		} else if streaming && ev.Message.Role == model.RoleAssistant {
			fmt.Println()
			return false
		}
	}
	return streaming
}

func resolveTokenEnv(override, provider string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "convo.db"
	}
	return home + "/.convo/convo.db"
}
