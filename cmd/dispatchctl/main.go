// Command dispatchctl is a small CLI client for exercising a running
// dispatcherd: publish an event or fetch the combined subscriber set. A
// thin flag-driven one-shot client, not an interactive shell.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
)

func main() {
	addr := flag.String("addr", "http://localhost:8901", "dispatcherd base URL")
	action := flag.String("action", "publish", "publish | subscribers | get")
	channel := flag.String("channel", "", "channel URI (publish)")
	body := flag.String("body", "", "event body (publish)")
	location := flag.String("location", "", "set location (get)")
	accessKey := flag.String("access-key", "", "access key (get)")
	flag.Parse()

	switch *action {
	case "publish":
		if *channel == "" {
			log.Fatal("dispatchctl: -channel is required for publish")
		}
		doPublish(*addr, *channel, *body)
	case "subscribers":
		doGet(*addr + "/subscribers")
	case "get":
		if *location == "" {
			log.Fatal("dispatchctl: -location is required for get")
		}
		url := *addr + "/subscribers/" + *location
		if *accessKey != "" {
			url += "?access-key=" + *accessKey
		}
		doGet(url)
	default:
		log.Fatalf("dispatchctl: unknown action %q", *action)
	}
}

func doPublish(addr, channel, body string) {
	payload := fmt.Sprintf(`<event channel=%q>%s</event>`, channel, body)
	resp, err := http.Post(addr+"/publish", "application/xml", strings.NewReader(payload))
	if err != nil {
		log.Fatalf("dispatchctl: publish: %v", err)
	}
	defer resp.Body.Close()
	printResponse(resp)
}

func doGet(url string) {
	resp, err := http.Get(url)
	if err != nil {
		log.Fatalf("dispatchctl: get: %v", err)
	}
	defer resp.Body.Close()
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("dispatchctl: reading response: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%s\n%s\n", resp.Status, data)
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
