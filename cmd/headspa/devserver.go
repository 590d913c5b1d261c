package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	headspa "github.com/headspa-studio/headspa-sdk-go"
	"github.com/headspa-studio/headspa-sdk-go/internal/chattest"
)

var devserverAddr string

func init() {
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", ":5000", "Listen address")
	rootCmd.AddCommand(devserverCmd)
}

// demoUsers are seeded into the development backend with their tokens.
var demoUsers = []struct {
	user  headspa.User
	token string
}{
	{headspa.User{ID: "admin", FirstName: "Salon", LastName: "Admin", Role: headspa.RoleAdmin}, "admin-token"},
	{headspa.User{ID: "client-1", FirstName: "Camille", LastName: "Martin", Role: headspa.RoleClient}, "client-1-token"},
	{headspa.User{ID: "client-2", FirstName: "Léa", LastName: "Bernard", Role: headspa.RoleClient}, "client-2-token"},
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory chat backend for local testing",
	Long:  "Serve the chat REST API under /api and the realtime channel at /ws, with demo users.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		srv := chattest.New(chattest.WithLogger(logger), chattest.WithClientIDEcho(true))

		fmt.Println("Demo accounts:")
		for _, d := range demoUsers {
			srv.AddUser(d.user, d.token)
			fmt.Printf("  %-9s %-7s token=%s\n", d.user.ID, d.user.Role, d.token)
		}

		httpSrv := &http.Server{
			Addr:              devserverAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			fmt.Printf("Listening on %s (API root http://localhost%s/api)\n", devserverAddr, devserverAddr)
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}
