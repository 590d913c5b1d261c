//go:build integration

package headspa_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	headspa "github.com/headspa-studio/headspa-sdk-go"
)

// These tests run against a live backend seeded with one client and one
// admin account:
//
//	HEADSPA_BASE_URL_TEST      API root, e.g. http://localhost:5000/api
//	HEADSPA_CLIENT_TOKEN_TEST  token of the client account
//	HEADSPA_CLIENT_ID_TEST     id of the client account
//	HEADSPA_ADMIN_TOKEN_TEST   token of the admin account
//	HEADSPA_ADMIN_ID_TEST      id of the admin account
//
// `headspa devserver` provides such a backend with the demo accounts.

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("%s environment variable is required", key)
	}
	return v
}

func liveClient(t *testing.T, tokenKey string) *headspa.Client {
	t.Helper()
	return headspa.NewClient(requireEnv(t, tokenKey),
		headspa.WithBaseURL(requireEnv(t, "HEADSPA_BASE_URL_TEST")),
		headspa.WithTimeout(30*time.Second))
}

func liveEngine(t *testing.T, client *headspa.Client) *headspa.Engine {
	t.Helper()
	return headspa.NewEngine(client.Gateway(), client.Realtime.Dialer(nil),
		headspa.WithRequestTimeout(15*time.Second))
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =======================================================================
// Group 1: REST gateway
// =======================================================================

func TestIntegration_REST_StartWithAdminIsIdempotent(t *testing.T) {
	client := liveClient(t, "HEADSPA_CLIENT_TOKEN_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first, err := client.Chat.StartWithAdmin(ctx)
	if err != nil {
		t.Fatalf("StartWithAdmin error: %v", err)
	}
	second, err := client.Chat.StartWithAdmin(ctx)
	if err != nil {
		t.Fatalf("StartWithAdmin (again) error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same conversation, got %s and %s", first.ID, second.ID)
	}
	t.Logf("conversation=%s", first.ID)
}

func TestIntegration_REST_ListConversations(t *testing.T) {
	admin := liveClient(t, "HEADSPA_ADMIN_TOKEN_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	convs, err := admin.Chat.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations error: %v", err)
	}
	for i := 1; i < len(convs); i++ {
		if convs[i].UpdatedAt.After(convs[i-1].UpdatedAt) {
			t.Fatalf("conversations not sorted by recency at index %d", i)
		}
	}
	t.Logf("admin has %d conversations", len(convs))
}

// =======================================================================
// Group 2: Engine over the live realtime channel
// =======================================================================

func TestIntegration_Engine_SendAndEcho(t *testing.T) {
	clientID := requireEnv(t, "HEADSPA_CLIENT_ID_TEST")
	adminID := requireEnv(t, "HEADSPA_ADMIN_ID_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	clientEngine := liveEngine(t, liveClient(t, "HEADSPA_CLIENT_TOKEN_TEST"))
	defer clientEngine.Dispose()
	if err := clientEngine.Init(ctx, headspa.User{ID: clientID, Role: headspa.RoleClient}); err != nil {
		t.Fatalf("client Init error: %v", err)
	}
	waitUntil(t, "client channel", func() bool { return clientEngine.State().Connection == headspa.StateConnected })

	conv, err := clientEngine.StartConversationWithAdmin(ctx)
	if err != nil {
		t.Fatalf("StartConversationWithAdmin error: %v", err)
	}
	before := len(clientEngine.State().Messages)

	adminEngine := liveEngine(t, liveClient(t, "HEADSPA_ADMIN_TOKEN_TEST"))
	defer adminEngine.Dispose()
	if err := adminEngine.Init(ctx, headspa.User{ID: adminID, Role: headspa.RoleAdmin}); err != nil {
		t.Fatalf("admin Init error: %v", err)
	}
	waitUntil(t, "admin channel", func() bool { return adminEngine.State().Connection == headspa.StateConnected })
	unreadBefore := adminEngine.TotalUnread()

	content := fmt.Sprintf("Bonjour %d", time.Now().UnixNano())
	if err := clientEngine.SendMessage(ctx, adminID, content); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}

	waitUntil(t, "client echo", func() bool {
		msgs := clientEngine.State().Messages
		if len(msgs) != before+1 {
			return false
		}
		last := msgs[len(msgs)-1]
		return !last.IsOptimistic && last.Content == content
	})
	waitUntil(t, "admin unread", func() bool { return adminEngine.TotalUnread() == unreadBefore+1 })

	if err := adminEngine.SelectConversation(ctx, conv); err != nil {
		t.Fatalf("admin SelectConversation error: %v", err)
	}
	for _, c := range adminEngine.State().Conversations {
		if c.ID == conv.ID && c.UnreadCount != 0 {
			t.Fatalf("expected conversation %s read after selecting it, unread=%d", c.ID, c.UnreadCount)
		}
	}
}
