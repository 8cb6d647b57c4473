package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mapsync/mapsync/internal/logging"
	"github.com/mapsync/mapsync/internal/remote"
	"github.com/mapsync/mapsync/internal/ui"
)

var serveRemoteCmd = &cobra.Command{
	Use:     "serve-remote",
	GroupID: "advanced",
	Short:   "Run an in-memory remote server for local development",
	Long: `Serve the remote API from memory so replicas can sync without a real
backend. Data is lost when the server stops.

--sessions token pairs are issued and printed at startup; pass them to
'mapsync login'. --token-ttl periodically expires every access token so
replicas exercise the refresh path.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		sessions, _ := cmd.Flags().GetInt("sessions")
		ttl, _ := cmd.Flags().GetDuration("token-ttl")
		ctx := cmd.Context()

		logs := logging.New(logging.Options{})
		defer logs.Close()
		srv := remote.NewServer(nil, logs.Logger("remote"))

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		httpServer := &http.Server{
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Remote server listening on http://%s\n", ui.RenderAccent("🚀"), ln.Addr())
		for i := 0; i < sessions; i++ {
			t := srv.IssueSession()
			fmt.Fprintf(out, "\nSession %d:\n", i+1)
			fmt.Fprintf(out, "   mapsync login --access %s --refresh %s\n", t.Access, t.Refresh)
		}
		fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

		var expire <-chan time.Time
		if ttl > 0 {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			expire = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(out, "\nShutting down remote server...")
				return httpServer.Close()
			case err := <-errCh:
				return err
			case <-expire:
				srv.ExpireAccessTokens()
			}
		}
	},
}

func init() {
	serveRemoteCmd.Flags().String("addr", "127.0.0.1:7410", "address to listen on")
	serveRemoteCmd.Flags().Int("sessions", 1, "number of sessions to issue at startup")
	serveRemoteCmd.Flags().Duration("token-ttl", 0, "expire access tokens at this interval (0 keeps them)")
	rootCmd.AddCommand(serveRemoteCmd)
}
