// Package client provides a Go SDK for the order dispatcher's HTTP API
// (SPEC_FULL.md §6.2). It calls the hand-written endpoints of
// internal/api/handlers directly over net/http instead of through
// oapi-codegen generated bindings: there is no OpenAPI document this
// dispatcher publishes to regenerate a client from, so the client is
// hand-written in the same shape the teacher's generated client exposed.
//
// # Basic Usage
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	order, err := c.PlaceOrder(ctx, client.CreateOrderRequest{
//	    ServiceName: "fleet-config-push",
//	    Descriptor:  map[string]interface{}{"fleet": "edge"},
//	})
//
// # WebSocket Events
//
//	err := c.ConnectWebSocket(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.CloseWebSocket()
//
//	for event := range c.Events() {
//	    fmt.Printf("Event: %s\n", event.Type)
//	}
//
// # Configuration
//
// The client supports functional options for configuration:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30 * time.Second),
//	)
package client
