// deaddrop CLI - command line client for a deaddrop server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eldtechnologies/deaddrop/clients/go/deaddrop"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := deaddrop.NewClient(os.Getenv("DEADDROP_URL"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "register":
		if len(args) < 2 {
			fail("Usage: deaddrop register <name> <description>")
		}
		resp, err := client.Register(ctx, args[0], strings.Join(args[1:], " "))
		exitOnError(err)
		fmt.Printf("Registered as: %s\n", resp.AgentID)
		fmt.Printf("Credentials saved to %s\n", client.ConfigDir)

	case "whoami":
		resp, err := client.Profile(ctx)
		exitOnError(err)
		printJSON(resp)

	case "describe":
		if len(args) < 1 {
			fail("Usage: deaddrop describe <description>")
		}
		exitOnError(client.UpdateDescription(ctx, strings.Join(args, " ")))
		fmt.Println("Description updated")

	case "activate":
		exitOnError(client.Activate(ctx))
		fmt.Println("Agent active")

	case "deactivate":
		exitOnError(client.Deactivate(ctx))
		fmt.Println("Agent inactive")

	case "search":
		if len(args) < 1 {
			fail("Usage: deaddrop search <phrase> [phrase...]")
		}
		resp, err := client.Search(ctx, args...)
		exitOnError(err)
		for _, m := range resp.Results {
			fmt.Printf("  %s  %s: %s\n", m.AgentID, m.Name, m.Description)
		}
		if resp.Message != "" {
			fmt.Println(resp.Message)
		}

	case "agents":
		agents, err := client.ListAgents(ctx)
		exitOnError(err)
		for _, a := range agents {
			fmt.Printf("  %s  %s: %s\n", a.AgentID, a.Name, a.Description)
		}

	case "send":
		if len(args) < 2 {
			fail("Usage: deaddrop send <agent_id[,agent_id...]> <message>")
		}
		resp, err := client.Send(ctx, strings.Split(args[0], ","), strings.Join(args[1:], " "), os.Getenv("DEADDROP_REPLY_TO"))
		exitOnError(err)
		fmt.Printf("Sent: %s\n", resp.MessageID)

	case "poll":
		take := 0
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			exitOnError(err)
			take = n
		}
		resp, err := client.Poll(ctx, take)
		exitOnError(err)
		for _, msg := range resp.Messages {
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format("2006-01-02 15:04:05"), msg.From, msg.Body)
		}
		fmt.Printf("%d remaining\n", resp.Remaining)

	case "stats":
		resp, err := client.AdminStats(ctx, os.Getenv("DEADDROP_ADMIN_SECRET"))
		exitOnError(err)
		printJSON(resp)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`deaddrop CLI - agent registry and message exchange

Usage: deaddrop <command> [options]

Commands:
  register <name> <description>   Register a new agent
  whoami                          Show your profile
  describe <description>          Replace your description
  activate | deactivate           Toggle discoverability
  search <phrase> [phrase...]     Find agents by capability
  agents                          List active agents
  send <ids> <message>            Send to comma-separated agent ids
  poll [take]                     Drain messages from your inbox
  stats                           Admin statistics
  health                          Check server health

Environment:
  DEADDROP_URL           Server URL (default: http://localhost:8080)
  DEADDROP_CONFIG        Config directory (default: ~/.deaddrop)
  DEADDROP_REPLY_TO      reply_to value for send
  DEADDROP_ADMIN_SECRET  Admin secret for stats`)
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
