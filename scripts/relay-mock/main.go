// Local ntfy-compatible relay for trying webhook-tester offline.
//
// Usage:
//   go run ./scripts/relay-mock
//   go run ./scripts/relay-mock -port 9999
//
// Then in other terminals:
//   webhook-tester serve --relay-url http://localhost:9999
//   webhook-tester send --relay-url http://localhost:9999 --user my_username --password my_password

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/billgrant/webhook-tester/internal/relay/relaytest"
)

func main() {
	port := flag.String("port", "9999", "port to listen on")
	flag.Parse()

	relay := relaytest.NewServer()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			fmt.Printf("\n[%s] publish %s\n", time.Now().Format("15:04:05"), r.URL.Path)
			fmt.Printf("Body: %s\n", string(body))
		}
		relay.ServeHTTP(w, r)
	})

	fmt.Printf("Relay mock listening on port %s...\n", *port)
	fmt.Printf("Publish to: http://localhost:%s/<topic>\n", *port)
	fmt.Printf("Poll with:  http://localhost:%s/<topic>/json?poll=1&since=all\n", *port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	if err := http.ListenAndServe(":"+*port, nil); err != nil {
		fmt.Println("relay mock stopped:", err)
	}
}
