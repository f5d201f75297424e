// Command mcp-test-server runs a small MCP server for exercising
// mcpconnect end to end. It serves the same "get_time" and "echo" tools
// over streamable HTTP on /mcp and over SSE on /sse.
//
// Configuration via environment variables:
//
//	PORT         - Listen port (default: 8080)
//	BEARER_TOKEN - When set, requests must carry this bearer token and
//	               are answered with 401 otherwise.
package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoInput struct {
	Message string `json:"message" jsonschema:"the message to echo back"`
}

func newServer() *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{Name: "mcpconnect-test-server", Version: "v1.0.0"},
		&mcp.ServerOptions{Instructions: "Test server. Use echo to check connectivity."},
	)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_time",
		Description: "Returns the current UTC time",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Current time: %s", time.Now().UTC().Format(time.RFC3339))},
			},
		}, nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "Echoes the provided message back",
	}, func(_ context.Context, _ *mcp.CallToolRequest, input echoInput) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: "Echo: " + input.Message},
			},
		}, nil, nil
	})

	return server
}

// requireBearer rejects requests without the expected bearer token.
func requireBearer(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcpconnect-test-server"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newMux(server *mcp.Server, token string) *http.ServeMux {
	getServer := func(*http.Request) *mcp.Server { return server }

	mux := http.NewServeMux()
	mux.Handle("/mcp", requireBearer(token, mcp.NewStreamableHTTPHandler(getServer, nil)))
	mux.Handle("/sse", requireBearer(token, mcp.NewSSEHandler(getServer, nil)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newMux(newServer(), os.Getenv("BEARER_TOKEN")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("MCP test server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
			os.Exit(1)
		}
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
