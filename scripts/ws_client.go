// Package main runs a demo WebSocket client that follows a driver and a route.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

type frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	token := flag.String("token", "t_demo:admin", "bearer token (dev mode: tenant:role[:driverId])")
	driver := flag.String("driver", "", "driver room to join")
	route := flag.String("route", "", "route room to join")
	wait := flag.Duration("wait", 30*time.Second, "how long to listen")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws"}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+*token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	send := func(event, id string, data any) {
		raw, _ := json.Marshal(data)
		if err := c.WriteJSON(frame{Event: event, ID: id, Data: raw}); err != nil {
			log.Fatal(err)
		}
	}
	if *driver != "" {
		send("join-driver", "1", map[string]string{"driverId": *driver})
	}
	if *route != "" {
		send("join-route", "2", map[string]string{"routeId": *route})
	}
	send("get-active-drivers", "3", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				log.Printf("read: %v", err)
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				log.Printf("decode: %v", err)
				continue
			}
			fmt.Printf("WS <- %s %s\n", f.Event, string(f.Data))
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	select {
	case <-time.After(*wait):
	case <-interrupt:
	case <-done:
		return
	}
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
