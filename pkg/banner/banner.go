package banner

import "fmt"

const banner = `
██████╗ ███╗   ███╗███████╗██╗   ██╗███╗   ██╗ ██████╗
██╔══██╗████╗ ████║██╔════╝╚██╗ ██╔╝████╗  ██║██╔════╝
██║  ██║██╔████╔██║███████╗ ╚████╔╝ ██╔██╗ ██║██║
██║  ██║██║╚██╔╝██║╚════██║  ╚██╔╝  ██║╚██╗██║██║
██████╔╝██║ ╚═╝ ██║███████║   ██║   ██║ ╚████║╚██████╗
╚═════╝ ╚═╝     ╚═╝╚══════╝   ╚═╝   ╚═╝  ╚═══╝ ╚═════╝
`

// Print shows the startup banner with the effective listen address,
// storage path and config source.
func Print(addr, dbPath, source, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if source != "" {
		fmt.Printf("Config source: %s\n", source)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("PUT  /v1/rooms/{room} - Create a room if absent")
	fmt.Println("POST /v1/rooms/{room}/messages - Append a message")
	fmt.Println("GET  /v1/rooms/{room}/messages?since=<ns> - List messages")
	fmt.Println("WS   /v1/rooms/{room}/stream - Message change feed")
	fmt.Println("WS   /v1/users/{user}/rooms/stream - Room list change feed")
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -X PUT 'http://localhost%s/v1/rooms/a_b' -d '{\"participants\":[\"a\",\"b\"]}'\n", addr)
	fmt.Printf("curl -X POST 'http://localhost%s/v1/rooms/a_b/messages' -d '{\"senderId\":\"a\",\"content\":\"hello\"}'\n", addr)
}
