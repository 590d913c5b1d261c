package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	headspa "github.com/headspa-studio/headspa-sdk-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatJSONOutput bool

	// chat start
	chatStartClient string

	// chat watch
	chatWatchMetricsAddr string
)

// ============================================================================
// Root chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat commands",
	Long:  "Browse conversations, send messages and follow a conversation live.",
}

// ============================================================================
// chat list
// ============================================================================

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := setup()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.Chat.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if chatJSONOutput {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range convs {
			title := c.ID
			if other, ok := c.Counterpart(cfg.Auth.UserID); ok {
				title = other.DisplayName()
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			preview := ""
			if c.LastMessage != nil {
				preview = " - " + truncate(c.LastMessage.Content, 40)
			}
			fmt.Printf("  %s: %s%s%s\n", c.ID, title, unread, preview)
		}
		return nil
	},
}

// ============================================================================
// chat messages
// ============================================================================

var chatMessagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := setup()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.Chat.ListMessages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if chatJSONOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

// ============================================================================
// chat start
// ============================================================================

var chatStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Find or create a conversation",
	Long:  "Clients start (or reopen) their conversation with the admin. Admins pass --client to open one with a client.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := setup()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var conv *headspa.Conversation
		if chatStartClient != "" {
			conv, err = client.Chat.StartWithClient(ctx, chatStartClient)
		} else {
			conv, err = client.Chat.StartWithAdmin(ctx)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if chatJSONOutput {
			return printJSON(conv)
		}
		fmt.Printf("Conversation: %s\n", conv.ID)
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <receiver-id> <message>",
	Short: "Send a message over REST",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := setup()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		m, err := client.Chat.SendMessage(ctx, &headspa.SendMessageRequest{
			ConversationID: args[0],
			ReceiverID:     args[1],
			Content:        strings.Join(args[2:], " "),
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if chatJSONOutput {
			return printJSON(m)
		}
		fmt.Printf("Message sent (id: %s)\n", m.ID)
		return nil
	},
}

// ============================================================================
// chat clients
// ============================================================================

var chatClientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List client accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := setup()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.Users.Clients(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if chatJSONOutput {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No clients found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("  %s: %s\n", u.ID, u.DisplayName())
		}
		return nil
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Follow a conversation live and send lines from stdin",
	Long: "Open the realtime channel, print incoming messages and send every line typed on stdin.\n" +
		"Without a conversation id a client opens their conversation with the admin.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		me, err := currentUser(cfg)
		if err != nil {
			return err
		}
		logger := newLogger()

		var metrics *headspa.Metrics
		if chatWatchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = headspa.NewMetrics(reg)
			srv := &http.Server{
				Addr:              chatWatchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		session := headspa.Session{User: &me, Token: cfg.Auth.Token}
		client, err := getClient(cfg, headspa.WithMetrics(metrics), headspa.WithTokenSource(session.TokenSource()))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialer := client.Realtime.Dialer(&headspa.ChannelConfig{
			AutoReconnect: true,
			Logger:        logger,
			Metrics:       metrics,
		})
		engine := headspa.NewEngine(client.Gateway(), dialer,
			headspa.WithEngineLogger(logger),
			headspa.WithEngineMetrics(metrics),
			headspa.WithRequestTimeout(15*time.Second),
			headspa.WithNotifier(headspa.NotifierFunc(func(n headspa.Notification) {
				fmt.Fprintf(os.Stderr, "! %s\n", n.Message)
			})),
		)

		printer := &streamPrinter{printed: make(map[string]bool)}
		unsubscribe := engine.Subscribe(printer.render)
		defer unsubscribe()

		if err := engine.OnSessionChanged(ctx, session); err != nil {
			return err
		}
		defer engine.Dispose()

		conv, err := pickConversation(ctx, engine, me, args)
		if err != nil {
			return err
		}
		title := conv.ID
		if other, ok := conv.Counterpart(me.ID); ok {
			title = other.DisplayName()
		}
		fmt.Fprintf(os.Stderr, "Chatting with %s. Type a message and press enter, Ctrl-C to quit.\n", title)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				// Failures are reported through the notifier.
				_ = engine.SendMessage(ctx, "", line)
			}
		}
	},
}

func pickConversation(ctx context.Context, engine *headspa.Engine, me headspa.User, args []string) (*headspa.Conversation, error) {
	if len(args) == 0 {
		if me.Role != headspa.RoleClient {
			return nil, fmt.Errorf("pass a conversation id (see 'headspa chat list')")
		}
		return engine.StartConversationWithAdmin(ctx)
	}

	for _, c := range engine.State().Conversations {
		if c.ID == args[0] {
			c := c
			if err := engine.SelectConversation(ctx, &c); err != nil {
				return nil, err
			}
			return &c, nil
		}
	}
	return nil, fmt.Errorf("conversation %s not found", args[0])
}

// streamPrinter prints each confirmed message of the selected conversation
// once.
type streamPrinter struct {
	mu      sync.Mutex
	printed map[string]bool
}

func (p *streamPrinter) render(st headspa.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range st.Messages {
		if m.IsOptimistic || p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		fmt.Println(formatMessage(m))
	}
}

// ============================================================================
// Helpers
// ============================================================================

func setup() (*Config, *headspa.Client, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := getClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, client, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	for _, c := range []*cobra.Command{chatListCmd, chatMessagesCmd, chatStartCmd, chatSendCmd, chatClientsCmd} {
		c.Flags().BoolVar(&chatJSONOutput, "json", false, "Output raw JSON")
	}
	chatStartCmd.Flags().StringVar(&chatStartClient, "client", "", "Client id (admin accounts)")
	chatWatchCmd.Flags().StringVar(&chatWatchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatMessagesCmd)
	chatCmd.AddCommand(chatStartCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatClientsCmd)
	chatCmd.AddCommand(chatWatchCmd)
	rootCmd.AddCommand(chatCmd)
}
