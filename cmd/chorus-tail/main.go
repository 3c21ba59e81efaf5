// chorus-tail connects to a running workspace's debugger gateway and prints
// every routed event as one JSON object per line.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"github.com/gorilla/websocket"

	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:18789/ws", "debugger gateway URL")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Fatalf("Read failed: %v", err)
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			log.Fatalf("Marshal failed: %v", err)
		}
		fmt.Println(string(payload))
	}
}
