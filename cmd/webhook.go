package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cpacia/fdpindex/events"
	"github.com/cpacia/fdpindex/repo"
	"github.com/cpacia/fdpindex/webhook"
)

// WebhookAdd registers a webhook directly in the database.
type WebhookAdd struct {
	repo.Config
	PayloadURL string   `long:"payloadurl" description:"The URL deliveries are posted to" required:"true"`
	Secret     string   `long:"secret" description:"The secret deliveries are signed with"`
	Events     []string `long:"event" description:"Event type to deliver. May be repeated. All events when omitted."`
	Entries    []string `long:"entry" description:"Client URL to deliver events of. May be repeated. All entries when omitted."`
	Disabled   bool     `long:"disabled" description:"Register the webhook disabled"`
}

// Execute adds the webhook.
func (x *WebhookAdd) Execute(args []string) error {
	w := &webhook.Webhook{
		PayloadURL: x.PayloadURL,
		Secret:     x.Secret,
		AllEvents:  len(x.Events) == 0,
		AllEntries: len(x.Entries) == 0,
		Entries:    x.Entries,
		Enabled:    !x.Disabled,
	}
	for _, s := range x.Events {
		t, err := events.ParseType(s)
		if err != nil {
			return err
		}
		w.Events = append(w.Events, t)
	}

	store, closeDB, err := openWebhookStore()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := store.Create(w); err != nil {
		return err
	}
	fmt.Println(w.UUID)
	return nil
}

// WebhookList prints the registered webhooks.
type WebhookList struct {
	repo.Config
}

// Execute lists the webhooks.
func (x *WebhookList) Execute(args []string) error {
	store, closeDB, err := openWebhookStore()
	if err != nil {
		return err
	}
	defer closeDB()

	hooks, err := store.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tPAYLOAD URL\tENABLED\tEVENTS\tENTRIES")
	for _, w := range hooks {
		evs := fmt.Sprint(w.Events)
		if w.AllEvents {
			evs = "all"
		}
		entries := fmt.Sprint(w.Entries)
		if w.AllEntries {
			entries = "all"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", w.UUID, w.PayloadURL, w.Enabled, evs, entries)
	}
	return tw.Flush()
}

// WebhookRemove deletes a webhook by uuid.
type WebhookRemove struct {
	repo.Config
}

// Execute removes the webhooks named in args.
func (x *WebhookRemove) Execute(args []string) error {
	if len(args) == 0 {
		return errors.New("webhook uuid required")
	}
	store, closeDB, err := openWebhookStore()
	if err != nil {
		return err
	}
	defer closeDB()

	for _, id := range args {
		if err := store.Delete(id); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}

func openWebhookStore() (*webhook.Store, func(), error) {
	cfg, err := repo.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := repo.OpenDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return webhook.NewStore(db), func() { db.Close() }, nil
}
