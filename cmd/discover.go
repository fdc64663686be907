package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/poolheat/controller/internal/mdns"
)

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)

	timeout := fs.Duration("timeout", 3*time.Second, "How long to browse")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: poolheat discover [options]\n\nFind controllers advertising on the local network.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	found, err := mdns.Discover(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if len(found) == 0 {
		fmt.Fprintln(stdout, "No controllers found.")
		return 0
	}
	writeDiscovered(stdout, found)
	return 0
}

func writeDiscovered(w io.Writer, found []mdns.DiscoveredController) {
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tADDRESS\tVERSION\tSLOT\n")
	for _, c := range found {
		addr := "-"
		if c.Host != "" {
			addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, addr, dash(c.Version), dash(c.Slot))
	}
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
