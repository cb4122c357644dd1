package main

import (
	"os"

	"github.com/cpacia/fdpindex/cmd"
	"github.com/jessevdk/go-flags"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("MAIN")

func main() {
	parser := flags.NewParser(nil, flags.Default)

	parser.AddCommand("start",
		"start the index",
		"Runs the index with the given options",
		&cmd.Start{})
	parser.AddCommand("trigger",
		"trigger a harvest",
		"Asks a running index to harvest the entry with the given client URL, or every entry when none is given",
		&cmd.Trigger{})
	parser.AddCommand("watch",
		"stream index events",
		"Prints events of a running index as they are appended",
		&cmd.Watch{})

	hooks, err := parser.AddCommand("webhook",
		"manage webhooks",
		"Adds, lists and removes webhook registrations",
		&struct{}{})
	if err != nil {
		log.Fatal(err)
	}
	hooks.AddCommand("add", "register a webhook", "Registers a webhook", &cmd.WebhookAdd{})
	hooks.AddCommand("list", "list webhooks", "Lists the registered webhooks", &cmd.WebhookList{})
	hooks.AddCommand("remove", "remove webhooks", "Removes the webhooks with the given uuids", &cmd.WebhookRemove{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
