package main

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// printScripts lists the scripts a process would register.
func printScripts(out io.Writer, cfg config) error {
	bindings, err := cfg.bindings()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tARITY\tDIGEST")
	for _, b := range bindings {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", b.Name, b.Arity, b.Digest())
	}
	return tw.Flush()
}
