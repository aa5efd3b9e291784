package mcptool

import (
	"github.com/mark3labs/mcp-go/server"
)

// Serve runs the MCP server over stdio. Blocks until the client
// disconnects.
func (s *Server) Serve() error {
	s.logger.Info("Starting MCP server with stdio transport")
	return server.ServeStdio(s.server)
}

// ServeSSE runs the MCP server over HTTP/SSE on addr.
func (s *Server) ServeSSE(addr string) error {
	s.logger.Info("Starting MCP server with HTTP/SSE transport", "address", addr)
	sseServer := server.NewSSEServer(s.server,
		server.WithBaseURL("http://"+addr),
		server.WithStaticBasePath("/mcp"),
	)
	return sseServer.Start(addr)
}
