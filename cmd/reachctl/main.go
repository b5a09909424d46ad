// reachctl is the operator console for escalations and failed drafts. It
// opens the same store as the server; resolutions take effect on the
// server's next cycle.
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/brandon/smartreach/internal/store"
	"github.com/brandon/smartreach/pkg/types"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	_ = godotenv.Load()
	storePath := os.Getenv("STORE_PATH")
	if storePath == "" {
		storePath = "/data/smartreach.db"
	}

	st, err := store.Open(storePath, logger)
	if err != nil {
		fatalf("failed to open store at %s: %v", storePath, err)
	}
	defer st.Close()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "pending":
		cmdPending(st)
	case "approve":
		cmdResolve(st, types.EscalationApproved, args)
	case "reject":
		cmdResolve(st, types.EscalationRejected, args)
	case "failed":
		cmdFailed(st)
	case "retry":
		cmdRetry(st, args)
	case "status":
		cmdStatus(st)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: reachctl <command> [options]

Commands:
  pending              List escalations awaiting a verdict
  approve -id ID       Approve an escalation (-body overrides the AI draft)
  reject  -id ID       Reject an escalation; no reply is sent
  failed               List drafts that exhausted delivery retries
  retry   -id ID       Requeue a failed draft for delivery
  status               Show pipeline counters

The store location is read from STORE_PATH (or .env).
`)
}

func cmdPending(st *store.Store) {
	escalations, err := st.PendingEscalations()
	if err != nil {
		fatalf("failed to list escalations: %v", err)
	}
	if len(escalations) == 0 {
		fmt.Println("No pending escalations.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTHREAD\tREASON\tCREATED")
	for _, e := range escalations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.ThreadID, e.Reason, e.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func cmdResolve(st *store.Store, status types.EscalationStatus, args []string) {
	fs := flag.NewFlagSet(string(status), flag.ExitOnError)
	id := fs.String("id", "", "Escalation id")
	body := fs.String("body", "", "Reply body to send instead of the AI draft (approve only)")
	fs.Parse(args) //nolint:errcheck

	if *id == "" {
		fatalf("-id is required")
	}

	if err := st.ResolveEscalation(*id, status, *body); err != nil {
		if err == store.ErrNotFound {
			fatalf("no pending escalation with id %s", *id)
		}
		fatalf("failed to resolve escalation: %v", err)
	}
	fmt.Printf("Escalation %s %s.\n", *id, status)
	if status == types.EscalationApproved {
		fmt.Println("The reply will be dispatched on the server's next cycle.")
	}
}

func cmdFailed(st *store.Store) {
	drafts, err := st.FailedDrafts()
	if err != nil {
		fatalf("failed to list drafts: %v", err)
	}
	if len(drafts) == 0 {
		fmt.Println("No failed drafts.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTHREAD\tRECIPIENT\tATTEMPTS\tERROR")
	for _, d := range drafts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.ThreadID, d.Recipient, d.Attempts, d.LastError)
	}
	w.Flush()
}

func cmdRetry(st *store.Store, args []string) {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	id := fs.String("id", "", "Draft id")
	fs.Parse(args) //nolint:errcheck

	if *id == "" {
		fatalf("-id is required")
	}

	if err := st.RequeueDraft(*id); err != nil {
		if err == store.ErrNotFound {
			fatalf("no failed draft with id %s", *id)
		}
		fatalf("failed to requeue draft: %v", err)
	}
	fmt.Printf("Draft %s requeued for delivery.\n", *id)
}

func cmdStatus(st *store.Store) {
	sum, err := st.Summary()
	if err != nil {
		fatalf("failed to load summary: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Sent emails\t%d\n", sum.TotalSent)
	fmt.Fprintf(w, "Unprocessed replies\t%d\n", sum.UnprocessedReplies)
	fmt.Fprintf(w, "Orphaned replies\t%d\n", sum.OrphanedReplies)
	fmt.Fprintf(w, "Auto-responded turns\t%d\n", sum.AutoResponded)
	fmt.Fprintf(w, "Pending escalations\t%d\n", sum.PendingEscalations)
	fmt.Fprintf(w, "Failed drafts\t%d\n", sum.FailedDrafts)
	w.Flush()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
